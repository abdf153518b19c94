package app

import (
	"context"
	"testing"
	"time"

	"growthbot/internal/eventbus"
	logx "growthbot/pkg/logx"
)

func TestReporterStopsOnCancel(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runReporter(ctx, bus, logx.Logger{})
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.TypeDecision, Data: map[string]any{"chat_id": int64(10)}})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop on cancel")
	}
}

func TestEventFieldsFlattenPayload(t *testing.T) {
	t.Parallel()

	fields := eventFields(eventbus.Event{Type: eventbus.TypeAdmission, Data: map[string]any{
		"chat_id": int64(10),
		"result":  "scheduled",
	}})
	if len(fields) != 2 {
		t.Fatalf("fields = %d, want 2", len(fields))
	}
	// Non-map payloads still render, as a single field.
	if fields = eventFields(eventbus.Event{Type: "x", Data: 7}); len(fields) != 1 {
		t.Fatalf("fields = %d, want 1", len(fields))
	}
}
