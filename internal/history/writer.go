// Package history records lock activity and sync state in InfluxDB.
//
// Writes are non-blocking and batched by the client; async write errors are
// logged. The Writer implements events.Sink.
package history

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/events"
	"github.com/lock-code-manager/backend/internal/logging"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	millisecondsPerSecond = 1000
)

// Measurements written by the sink.
const (
	MeasurementAccess       = "lock_access"
	MeasurementDiagnostic   = "lock_diagnostic"
	MeasurementSlotSync     = "slot_sync"
	MeasurementConnectivity = "lock_connectivity"
)

// Writer is an events.Sink backed by the InfluxDB v2 write API.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *logging.Logger

	mu        sync.RWMutex
	connected bool
}

// Connect verifies the server with a ping and starts the batched writer.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, logger *logging.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = logging.Discard()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	w := &Writer{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:    logger.With("component", "history"),
		connected: true,
	}
	go w.logWriteErrors(w.writeAPI.Errors())

	w.logger.Info("history writer connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return w, nil
}

func (w *Writer) logWriteErrors(errs <-chan error) {
	for err := range errs {
		w.logger.Warn("history write failed", "error", err)
	}
}

// IsConnected reports whether the writer accepts points.
func (w *Writer) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// HealthCheck pings the server.
func (w *Writer) HealthCheck(ctx context.Context) error {
	if !w.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := w.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("history health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("history health check failed: server not healthy")
	}
	return nil
}

// Flush blocks until buffered points are sent.
func (w *Writer) Flush() {
	if !w.IsConnected() {
		return
	}
	w.writeAPI.Flush()
}

// Close flushes pending points and shuts the client down.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	w.connected = false
	w.mu.Unlock()

	w.writeAPI.Flush()
	w.client.Close()
	return nil
}

func (w *Writer) write(p *write.Point) {
	if !w.IsConnected() {
		return
	}
	w.writeAPI.WritePoint(p)
}

func (w *Writer) Notify(n events.Notification) { w.write(accessPoint(n)) }

func (w *Writer) Diagnose(d events.Diagnostic) { w.write(diagnosticPoint(d)) }

func (w *Writer) SlotChanged(s events.SlotChanged) { w.write(slotPoint(s, time.Now())) }

func (w *Writer) LockChanged(l events.LockChanged) { w.write(connectivityPoint(l, time.Now())) }

func accessPoint(n events.Notification) *write.Point {
	fields := map[string]interface{}{
		"slot_number": n.SlotNumber,
		"action_code": n.ActionCode,
	}
	if n.SlotName != "" {
		fields["slot_name"] = n.SlotName
	}
	if n.UsageRemaining != nil {
		fields["usage_remaining"] = *n.UsageRemaining
	}

	return write.NewPoint(
		MeasurementAccess,
		map[string]string{
			"lock_id":   n.LockID,
			"lock_name": n.LockName,
			"action":    n.ActionLabel,
			"slot":      strconv.Itoa(n.SlotNumber),
		},
		fields,
		n.Timestamp,
	)
}

func diagnosticPoint(d events.Diagnostic) *write.Point {
	return write.NewPoint(
		MeasurementDiagnostic,
		map[string]string{
			"lock_id": d.LockID,
			"kind":    d.Kind,
			"slot":    strconv.Itoa(d.SlotNumber),
		},
		map[string]interface{}{"message": d.Message},
		d.Timestamp,
	)
}

func slotPoint(s events.SlotChanged, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSlotSync,
		map[string]string{
			"lock_id": s.LockID,
			"slot":    strconv.Itoa(s.Number),
		},
		map[string]interface{}{
			"sync_state": string(s.SyncState),
			"active":     s.Active,
			"synced":     s.Synced,
		},
		at,
	)
}

func connectivityPoint(l events.LockChanged, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementConnectivity,
		map[string]string{"lock_id": l.LockID},
		map[string]interface{}{
			"status":    string(l.Status),
			"connected": l.Connected,
		},
		at,
	)
}
