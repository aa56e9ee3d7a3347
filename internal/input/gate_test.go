package input

import (
	"sync"
	"testing"
	"time"

	"campfire/engine/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// 1.- Now returns the configured timestamp for deterministic gate decisions.
func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// 2.- Advance moves the internal clock forward to simulate elapsed time.
func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestGateRejectsNonMonotonicSequence(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{Rate: 10, Burst: 10}, logging.NewTestLogger(), WithClock(clock))

	//1.- Accept the initial frame to seed player state.
	first := gate.Evaluate(Frame{PlayerID: "p1", SequenceID: 1})
	if !first.Accepted {
		t.Fatalf("first frame unexpectedly rejected: %+v", first)
	}

	//2.- Replay the previous sequence which should be rejected as out-of-order.
	second := gate.Evaluate(Frame{PlayerID: "p1", SequenceID: 1})
	if second.Accepted || second.Reason != DropReasonSequence {
		t.Fatalf("expected sequence drop, got %+v", second)
	}

	metrics := gate.Metrics()
	if metrics["p1"].Sequence != 1 {
		t.Fatalf("sequence drops = %d, want 1", metrics["p1"].Sequence)
	}
}

func TestGateAcceptsUnsequencedFrames(t *testing.T) {
	gate := NewGate(Config{}, logging.NewTestLogger())
	for i := 0; i < 5; i++ {
		if decision := gate.Evaluate(Frame{PlayerID: "p1"}); !decision.Accepted {
			t.Fatalf("unsequenced frame %d rejected: %+v", i, decision)
		}
	}
}

func TestGateRejectsStaleFrames(t *testing.T) {
	clock := &fakeClock{now: time.Unix(10, 0)}
	gate := NewGate(Config{MaxAge: 250 * time.Millisecond}, logging.NewTestLogger(), WithClock(clock))

	sent := clock.Now()
	//1.- Simulate a delayed delivery well beyond the freshness budget.
	clock.Advance(600 * time.Millisecond)
	stale := gate.Evaluate(Frame{PlayerID: "p1", SequenceID: 1, SentAt: sent})
	if stale.Accepted || stale.Reason != DropReasonStale {
		t.Fatalf("expected stale drop, got %+v", stale)
	}
	if stale.Delay != 600*time.Millisecond {
		t.Fatalf("expected 600ms delay, got %v", stale.Delay)
	}

	if metrics := gate.Metrics()["p1"]; metrics.Stale != 1 {
		t.Fatalf("stale drops = %d, want 1", metrics.Stale)
	}
}

func TestGateRateLimitsBursts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{Rate: 2, Burst: 3}, logging.NewTestLogger(), WithClock(clock))

	//1.- The bucket starts full so the burst passes.
	for i := 1; i <= 3; i++ {
		if decision := gate.Evaluate(Frame{PlayerID: "p1", SequenceID: uint64(i)}); !decision.Accepted {
			t.Fatalf("burst frame %d rejected: %+v", i, decision)
		}
	}

	//2.- The next frame in the same instant exceeds the bucket.
	burst := gate.Evaluate(Frame{PlayerID: "p1", SequenceID: 4})
	if burst.Accepted || burst.Reason != DropReasonRateLimited {
		t.Fatalf("expected rate limit drop, got %+v", burst)
	}

	//3.- Half a second refills one token at 2/s.
	clock.Advance(500 * time.Millisecond)
	if decision := gate.Evaluate(Frame{PlayerID: "p1", SequenceID: 5}); !decision.Accepted {
		t.Fatalf("expected refilled token to admit frame, got %+v", decision)
	}

	//4.- Other players keep their own bucket.
	if decision := gate.Evaluate(Frame{PlayerID: "p2", SequenceID: 1}); !decision.Accepted {
		t.Fatalf("expected independent bucket for p2, got %+v", decision)
	}

	if totals := gate.Totals(); totals.RateLimited != 1 {
		t.Fatalf("rate limited drops = %d, want 1", totals.RateLimited)
	}
}

func TestGateForgetClearsPlayerState(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	gate := NewGate(Config{Rate: 10, Burst: 10}, logging.NewTestLogger(), WithClock(clock))

	//1.- Accept an initial frame to populate player state and metrics.
	if decision := gate.Evaluate(Frame{PlayerID: "p1", SequenceID: 1}); !decision.Accepted {
		t.Fatalf("initial frame rejected: %+v", decision)
	}
	gate.Evaluate(Frame{PlayerID: "p1", SequenceID: 1}) // trigger sequence drop

	//2.- Forget the player and ensure a fresh sequence is permitted again.
	gate.Forget("p1")
	if metrics := gate.Metrics()["p1"]; metrics.Sequence != 0 {
		t.Fatalf("expected metrics reset after forget, got %+v", metrics)
	}
	if decision := gate.Evaluate(Frame{PlayerID: "p1", SequenceID: 1}); !decision.Accepted {
		t.Fatalf("expected new session acceptance, got %+v", decision)
	}
}
