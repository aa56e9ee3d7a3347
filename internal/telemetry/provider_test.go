package telemetry

import (
	"context"
	"testing"

	"campfire/engine/internal/logging"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := Setup(context.Background(), "engine-test", "  ", logging.NewTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	//1.- The no-op shutdown ignores cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	//1.- A non-routable address keeps the exporter from sending anything.
	shutdown, err := Setup(context.Background(), "engine-test", "http://192.0.2.1:4318", logging.NewTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
