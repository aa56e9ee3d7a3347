package simulation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"campfire/engine/internal/config"
	"campfire/engine/internal/logging"
)

func TestSchedulerTracesEachTick(t *testing.T) {
	//1.- Route spans into an in-memory recorder.
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ticker := newManualTicker()
	clock := &fakeClock{now: time.Unix(0, 0)}
	sched := NewScheduler(func(context.Context) error {
		return errors.New("boom")
	}, Options{
		Interval:  testInterval,
		Policy:    config.OverrunDefer,
		Logger:    logging.NewTestLogger(),
		NewTicker: func(time.Duration) Ticker { return ticker },
		Now:       clock.Now,
		Tracer:    provider.Tracer("test"),
	})
	sched.Start(context.Background())
	ticker.ch <- clock.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sched.Wait(ctx); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halted scheduler, got %v", err)
	}

	//2.- The failed step leaves one errored tick span behind.
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Name() != "simulation.tick" || spans[0].Status().Code != codes.Error {
		t.Fatalf("unexpected span %s status %v", spans[0].Name(), spans[0].Status())
	}
}
