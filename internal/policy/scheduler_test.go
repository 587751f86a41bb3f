package policy

import (
	"context"
	"testing"
	"time"

	"github.com/lock-code-manager/backend/internal/logging"
)

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler("not a cron", time.UTC, func(context.Context) {}, logging.Discard())
	if err := s.Start(); err == nil {
		t.Error("Start() error = nil, want parse error")
	}
}

func TestScheduler_Ticks(t *testing.T) {
	ticks := make(chan struct{}, 4)
	s := NewScheduler("* * * * * *", time.UTC, func(context.Context) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}, logging.Discard())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	select {
	case <-ticks:
	case <-time.After(3 * time.Second):
		t.Fatal("no tick within 3s")
	}
}
