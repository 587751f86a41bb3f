package history

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

var testTime = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

func line(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Second)
}

func TestAccessPoint(t *testing.T) {
	remaining := 2
	got := line(accessPoint(events.Notification{
		LockID:         "lock-1",
		LockName:       "Front",
		SlotNumber:     3,
		SlotName:       "Guest",
		ActionLabel:    "Keypad Unlock",
		ActionCode:     6,
		UsageRemaining: &remaining,
		Timestamp:      testTime,
	}))

	for _, want := range []string{
		"lock_access,",
		`action=Keypad\ Unlock`,
		"lock_id=lock-1",
		"slot=3",
		"action_code=6i",
		`slot_name="Guest"`,
		"usage_remaining=2i",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("line protocol %q missing %q", got, want)
		}
	}
}

func TestAccessPoint_OmitsEmptyFields(t *testing.T) {
	got := line(accessPoint(events.Notification{LockID: "lock-1", ActionLabel: "Manual Lock", ActionCode: 1, Timestamp: testTime}))
	if strings.Contains(got, "slot_name") || strings.Contains(got, "usage_remaining") {
		t.Errorf("line protocol %q carries fields for slot 0", got)
	}
}

func TestStatePoints(t *testing.T) {
	tests := []struct {
		name string
		p    *write.Point
		want []string
	}{
		{
			name: "slot",
			p: slotPoint(events.SlotChanged{LockID: "lock-1", SlotStatus: models.SlotStatus{
				Number: 2, Active: true, SyncState: models.SyncFailed,
			}}, testTime),
			want: []string{"slot_sync,", "slot=2", `sync_state="failed"`, "active=true", "synced=false"},
		},
		{
			name: "connectivity",
			p:    connectivityPoint(events.LockChanged{LockID: "lock-1", Status: models.StatusDisconnected}, testTime),
			want: []string{"lock_connectivity,", "connected=false", `status="disconnected"`},
		},
		{
			name: "diagnostic",
			p: diagnosticPoint(events.Diagnostic{
				LockID: "lock-1", SlotNumber: 4, Kind: events.DiagnosticRejected, Message: "duplicate", Timestamp: testTime,
			}),
			want: []string{"lock_diagnostic,", "kind=rejected", `message="duplicate"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := line(tt.p)
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("line protocol %q missing %q", got, want)
				}
			}
		})
	}
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false}, nil)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: true, URL: url}, nil)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// fakeInflux accepts pings and line-protocol writes.
type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "\n")
}

func TestWriter_Sink(t *testing.T) {
	f := &fakeInflux{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	w, err := Connect(context.Background(), config.InfluxDBConfig{
		Enabled: true, URL: srv.URL, Token: "token", Org: "home", Bucket: "lock_access",
	}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := w.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	var sink events.Sink = w
	sink.Notify(events.Notification{LockID: "lock-1", SlotNumber: 1, ActionLabel: "Keypad Unlock", ActionCode: 6, Timestamp: testTime})
	sink.LockChanged(events.LockChanged{LockID: "lock-1", Status: models.StatusConnected, Connected: true})
	w.Flush()

	got := f.written()
	if !strings.Contains(got, "lock_access,") || !strings.Contains(got, "lock_connectivity,") {
		t.Errorf("written = %q", got)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
	// Points after Close are dropped.
	sink.Notify(events.Notification{LockID: "lock-1"})
}
