package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/input"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

type captureObserver struct {
	mu       sync.Mutex
	accepted []actions.Request
	rejected []string
}

func (c *captureObserver) ActionAccepted(req actions.Request, _ actions.Plan) {
	c.mu.Lock()
	c.accepted = append(c.accepted, req)
	c.mu.Unlock()
}

func (c *captureObserver) ActionRejected(_ Submission, reason string) {
	c.mu.Lock()
	c.rejected = append(c.rejected, reason)
	c.mu.Unlock()
}

type env struct {
	store     *world.Store
	processor *tick.Processor
	service   *Service
	observer  *captureObserver
	wood      world.EntityID
	tower     world.EntityID
}

func newEnv(t *testing.T, startTick uint64, gate *input.Gate) env {
	t.Helper()
	b := gameplay.Default()
	b.TravelSpeed = 1
	state := world.NewState()
	state.Tick = startTick
	state.AddPlayer(world.Player{ID: "p1", Units: 10, Resources: world.Resources{Lumber: 40, Food: 10}})
	e := env{observer: &captureObserver{}}
	e.wood = state.PlaceEntity(world.Entity{Kind: world.KindWoodNode, Position: world.Position{Y: 3}, Remaining: 50})
	e.tower = state.PlaceEntity(world.Entity{Kind: world.KindScoutTower, Position: world.Position{X: 4}})
	e.store = world.NewStore(state)
	resolver, err := actions.NewDefaultResolver(b)
	if err != nil {
		t.Fatalf("NewDefaultResolver: %v", err)
	}
	e.processor = tick.NewProcessor(e.store, tick.Options{Balance: b, MaxPlayers: 4, Logger: logging.NewTestLogger()})
	e.service = New(e.store, resolver, e.processor, Options{
		Gate:      gate,
		Logger:    logging.NewTestLogger(),
		Observers: []Observer{e.observer},
	})
	return e
}

func (e env) stepUntil(t *testing.T, tickNo uint64) []tick.ChangeSet {
	t.Helper()
	var out []tick.ChangeSet
	for {
		cs, err := e.processor.Step(context.Background())
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		out = append(out, cs)
		if cs.Tick >= tickNo {
			return out
		}
	}
}

func find(sets []tick.ChangeSet, kind world.DeltaKind, actionID uint64) (uint64, world.Delta, bool) {
	for _, cs := range sets {
		for _, d := range cs.Deltas {
			if d.Kind == kind && d.ActionID == actionID {
				return cs.Tick, d, true
			}
		}
	}
	return 0, world.Delta{}, false
}

func TestScoutSubmittedAtTenCompletesAtFifteen(t *testing.T) {
	e := newEnv(t, 10, nil)
	req, err := e.service.Submit(context.Background(), Submission{
		PlayerID: "p1",
		Kind:     actions.KindSendScout,
		Payload:  actions.Payload{TargetID: e.tower, Units: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if req.ID == 0 || req.SubmittedAtTick != 10 {
		t.Fatalf("unexpected stamped request %+v", req)
	}

	sets := e.stepUntil(t, 16)
	at, _, ok := find(sets, world.DeltaActionCompleted, req.ID)
	if !ok || at != 15 {
		t.Fatalf("expected completion at tick 15, got %d (found=%v)", at, ok)
	}
	snapshot, _ := e.store.Snapshot()
	if !snapshot.Entities[e.tower].ScoutedByPlayer("p1") {
		t.Fatal("expected tower to be scouted")
	}
}

func TestCampfireOnDestroyedSiteFails(t *testing.T) {
	e := newEnv(t, 0, nil)
	req, err := e.service.Submit(context.Background(), Submission{
		PlayerID: "p1",
		Kind:     actions.KindStartCampfire,
		Payload:  actions.Payload{TargetID: e.wood, Units: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.stepUntil(t, 0)
	before, _ := e.store.Snapshot()

	if err := e.service.Despawn(context.Background(), e.wood); err != nil {
		t.Fatalf("Despawn: %v", err)
	}
	sets := e.stepUntil(t, 20)

	_, failed, ok := find(sets, world.DeltaCompletionFailed, req.ID)
	if !ok || failed.Reason != "target missing" {
		t.Fatalf("expected target missing failure, got %+v (found=%v)", failed, ok)
	}
	if _, _, ok := find(sets, world.DeltaActionCompleted, req.ID); ok {
		t.Fatal("campfire completed on a destroyed site")
	}
	after, _ := e.store.Snapshot()
	p := after.Players["p1"]
	if p.Resources != before.Players["p1"].Resources || len(p.Entities) != 0 {
		t.Fatalf("failed completion mutated the player: %+v", p)
	}
	for _, entity := range after.Entities {
		if entity.Kind == world.KindCampfire {
			t.Fatal("campfire spawned despite failure")
		}
	}
}

func TestSendLumberWithNoLumberIsRejected(t *testing.T) {
	e := newEnv(t, 0, nil)
	_ = e.store.Mutate(func(s *world.State) error {
		s.Players["p1"].Resources.Lumber = 0
		return nil
	})

	_, err := e.service.Submit(context.Background(), Submission{
		PlayerID: "p1",
		Kind:     actions.KindSendLumber,
		Payload:  actions.Payload{TargetID: e.wood, Units: 1},
	})
	var rejected *actions.RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != "insufficient resources" {
		t.Fatalf("expected insufficient resources rejection, got %v", err)
	}
	if stats := e.processor.Stats(); stats.Queued != 0 {
		t.Fatalf("rejected action reached the inbox: %+v", stats)
	}
	if len(e.observer.rejected) != 1 || e.service.Stats().Rejected != 1 {
		t.Fatalf("expected the rejection to be observed, got %v", e.observer.rejected)
	}
}

func TestUnknownKindIsReported(t *testing.T) {
	e := newEnv(t, 0, nil)
	_, err := e.service.Submit(context.Background(), Submission{PlayerID: "p1", Kind: "send_wizard"})
	if !errors.Is(err, actions.ErrUnknownActionKind) {
		t.Fatalf("expected ErrUnknownActionKind, got %v", err)
	}
}

func TestUnknownKindIsLoggedAsWarning(t *testing.T) {
	e := newEnv(t, 0, nil)
	var buf bytes.Buffer
	e.service.log = logging.NewWriterLogger(&buf, logging.WarnLevel)

	//1.- An ordinary rejection stays below the warning threshold.
	_, err := e.service.Submit(context.Background(), Submission{
		PlayerID: "p1",
		Kind:     actions.KindSendLumber,
		Payload:  actions.Payload{TargetID: e.wood, Units: 500},
	})
	if err == nil {
		t.Fatal("expected oversized send to be rejected")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected player rejection to log below warn, got %s", buf.String())
	}

	//2.- A kind with no handler surfaces as a warning.
	if _, err := e.service.Submit(context.Background(), Submission{PlayerID: "p1", Kind: "send_wizard"}); !errors.Is(err, actions.ErrUnknownActionKind) {
		t.Fatalf("expected ErrUnknownActionKind, got %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single json log line, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "warn" || entry["message"] != "action kind has no handler" || entry["kind"] != "send_wizard" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestSubmitAfterCloseIsUnavailable(t *testing.T) {
	e := newEnv(t, 0, nil)
	e.service.Close()
	_, err := e.service.Submit(context.Background(), Submission{
		PlayerID: "p1",
		Kind:     actions.KindSendScout,
		Payload:  actions.Payload{TargetID: e.tower, Units: 1},
	})
	if !errors.Is(err, world.ErrStateUnavailable) {
		t.Fatalf("expected ErrStateUnavailable, got %v", err)
	}
	if _, err := e.service.Join(context.Background(), "p9", ""); !errors.Is(err, world.ErrStateUnavailable) {
		t.Fatalf("expected ErrStateUnavailable from Join, got %v", err)
	}
}

func TestSubmitAfterStoreCloseIsUnavailable(t *testing.T) {
	e := newEnv(t, 0, nil)
	e.store.Close()
	_, err := e.service.Submit(context.Background(), Submission{
		PlayerID: "p1",
		Kind:     actions.KindSendScout,
		Payload:  actions.Payload{TargetID: e.tower, Units: 1},
	})
	if !errors.Is(err, world.ErrStateUnavailable) {
		t.Fatalf("expected ErrStateUnavailable, got %v", err)
	}
}

func TestGateThrottlesSubmissions(t *testing.T) {
	gate := input.NewGate(input.Config{Rate: 0.001, Burst: 1}, logging.NewTestLogger())
	e := newEnv(t, 0, gate)
	sub := Submission{PlayerID: "p1", Kind: actions.KindSendLumber, Payload: actions.Payload{TargetID: e.wood, Units: 1}}

	if _, err := e.service.Submit(context.Background(), sub); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := e.service.Submit(context.Background(), sub)
	var rejected *actions.RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != string(input.DropReasonRateLimited) {
		t.Fatalf("expected rate limit rejection, got %v", err)
	}
}

func TestConcurrentSubmitsGetUniqueIncreasingIDs(t *testing.T) {
	e := newEnv(t, 0, nil)
	_ = e.store.Mutate(func(s *world.State) error {
		s.Players["p1"].Resources.Lumber = 1000
		s.Players["p1"].Units = 100
		return nil
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := e.service.Submit(context.Background(), Submission{
				PlayerID: "p1",
				Kind:     actions.KindSendLumber,
				Payload:  actions.Payload{TargetID: e.wood, Units: 1},
				SentAt:   time.Now(),
			})
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			mu.Lock()
			seen[req.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("expected 20 unique ids, got %d", len(seen))
	}
	for id := uint64(1); id <= 20; id++ {
		if !seen[id] {
			t.Fatalf("missing id %d", id)
		}
	}
}

func TestJoinThenSubmit(t *testing.T) {
	e := newEnv(t, 0, nil)
	if joined, err := e.service.Join(context.Background(), "p2", "Bea"); err != nil || !joined {
		t.Fatalf("Join = %v, %v", joined, err)
	}
	sub := Submission{PlayerID: "p2", Kind: actions.KindSendScout, Payload: actions.Payload{TargetID: e.tower, Units: 1}}
	//1.- The player only exists once the join has been drained by a tick.
	if _, err := e.service.Submit(context.Background(), sub); err == nil {
		t.Fatal("expected unknown player before the join tick")
	}
	e.stepUntil(t, 0)
	if _, err := e.service.Submit(context.Background(), sub); err != nil {
		t.Fatalf("Submit after join: %v", err)
	}
}

func TestDespawnMissingEntityIsRejected(t *testing.T) {
	e := newEnv(t, 0, nil)
	var rejected *actions.RejectedError
	if err := e.service.Despawn(context.Background(), 999); !errors.As(err, &rejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}
