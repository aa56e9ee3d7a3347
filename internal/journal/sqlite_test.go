package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/intake"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), Options{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func flush(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestJournalTracksActionLifecycle(t *testing.T) {
	j := openTestJournal(t)

	//1.- Record two accepted actions for the same player.
	j.ActionAccepted(actions.Request{ID: 1, Kind: actions.KindSendScout, PlayerID: "p1", Payload: actions.Payload{TargetID: 4, Units: 1}, SubmittedAtTick: 10}, actions.Plan{CompleteAt: 15})
	j.ActionAccepted(actions.Request{ID: 2, Kind: actions.KindStartCampfire, PlayerID: "p1", Payload: actions.Payload{TargetID: 9, Units: 2}, SubmittedAtTick: 11}, actions.Plan{CompleteAt: 20})

	//2.- Resolve one as completed and the other as failed.
	j.Publish(tick.ChangeSet{Tick: 15, Deltas: []world.Delta{{Kind: world.DeltaActionCompleted, ActionID: 1, PlayerID: "p1"}}})
	j.Publish(tick.ChangeSet{Tick: 20, Deltas: []world.Delta{{Kind: world.DeltaCompletionFailed, ActionID: 2, PlayerID: "p1", Reason: world.ReasonTargetMissing}}})
	flush(t, j)

	entries, err := j.ActionsForPlayer(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("ActionsForPlayer: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].ActionID != 2 || entries[0].Status != StatusFailed || entries[0].Reason != world.ReasonTargetMissing || entries[0].ResolvedAtTick != 20 {
		t.Fatalf("unexpected failed entry %+v", entries[0])
	}
	if entries[1].ActionID != 1 || entries[1].Status != StatusCompleted || entries[1].CompleteAt != 15 || entries[1].SubmittedAtTick != 10 {
		t.Fatalf("unexpected completed entry %+v", entries[1])
	}

	completed, err := j.Actions(context.Background(), Query{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("Actions: %v", err)
	}
	if len(completed) != 1 || completed[0].ActionID != 1 {
		t.Fatalf("unexpected status filter result %+v", completed)
	}
}

func TestJournalRecordsRejections(t *testing.T) {
	j := openTestJournal(t)
	j.ActionRejected(intake.Submission{PlayerID: "p2", Kind: actions.KindSendLumber, Payload: actions.Payload{TargetID: 3, Units: 5}}, "insufficient resources")
	flush(t, j)

	rejected, err := j.Rejections(context.Background(), "p2", 0)
	if err != nil {
		t.Fatalf("Rejections: %v", err)
	}
	if len(rejected) != 1 || rejected[0].Reason != "insufficient resources" || rejected[0].Units != 5 {
		t.Fatalf("unexpected rejections %+v", rejected)
	}
	if written, dropped := j.Stats(); written != 1 || dropped != 0 {
		t.Fatalf("unexpected stats written=%d dropped=%d", written, dropped)
	}
}

func TestJournalIgnoresWritesAfterClose(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"), Options{Logger: logging.NewTestLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	j.ActionAccepted(actions.Request{ID: 1}, actions.Plan{})
	if err := j.Flush(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("", Options{}); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}

func TestJournalRecordsDispatchBeforeResolution(t *testing.T) {
	j := openTestJournal(t)
	j.ActionAccepted(actions.Request{ID: 7, Kind: actions.KindSendFarm, PlayerID: "p1", Payload: actions.Payload{TargetID: 2, Units: 1}}, actions.Plan{CompleteAt: 9})

	//1.- Dispatch moves a pending row forward.
	j.Publish(tick.ChangeSet{Tick: 1, Deltas: []world.Delta{{Kind: world.DeltaActionDispatched, ActionID: 7, PlayerID: "p1"}}})
	flush(t, j)
	entries, err := j.ActionsForPlayer(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("ActionsForPlayer: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != StatusDispatched || entries[0].ResolvedAtTick != 0 {
		t.Fatalf("unexpected dispatched entry %+v", entries)
	}

	//2.- Completion wins, and a stray dispatch afterwards cannot move it back.
	j.Publish(tick.ChangeSet{Tick: 9, Deltas: []world.Delta{{Kind: world.DeltaActionCompleted, ActionID: 7, PlayerID: "p1"}}})
	j.Publish(tick.ChangeSet{Tick: 10, Deltas: []world.Delta{{Kind: world.DeltaActionDispatched, ActionID: 7, PlayerID: "p1"}}})
	flush(t, j)
	entries, err = j.ActionsForPlayer(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("ActionsForPlayer: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != StatusCompleted || entries[0].ResolvedAtTick != 9 {
		t.Fatalf("unexpected completed entry %+v", entries)
	}
}

func TestJournalKeepsResolutionThatArrivesBeforeAccept(t *testing.T) {
	j := openTestJournal(t)

	//1.- The failure lands first, the accept write afterwards fills in the details.
	j.Publish(tick.ChangeSet{Tick: 4, Deltas: []world.Delta{{Kind: world.DeltaCompletionFailed, ActionID: 2, PlayerID: "p1", Reason: world.ReasonInsufficientResource}}})
	j.ActionAccepted(actions.Request{ID: 2, Kind: actions.KindSendLumber, PlayerID: "p1", Payload: actions.Payload{TargetID: 3, Units: 1}, SubmittedAtTick: 3}, actions.Plan{CompleteAt: 8})
	flush(t, j)

	entries, err := j.ActionsForPlayer(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("ActionsForPlayer: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	e := entries[0]
	if e.Status != StatusFailed || e.Reason != world.ReasonInsufficientResource || e.ResolvedAtTick != 4 {
		t.Fatalf("resolution was overwritten: %+v", e)
	}
	if e.Kind != actions.KindSendLumber || e.Units != 1 || e.SubmittedAtTick != 3 || e.CompleteAt != 8 {
		t.Fatalf("accept details missing: %+v", e)
	}
}

// steppingQueue runs a tick right after the nth enqueue, the tightest
// interleaving a scheduler can produce against a submitting client.
type steppingQueue struct {
	*tick.Processor
	t     *testing.T
	after int
	seen  int
}

func (q *steppingQueue) EnqueueNotify(req actions.Request, plan actions.Plan, accepted func(actions.Request, actions.Plan)) actions.Request {
	req = q.Processor.EnqueueNotify(req, plan, accepted)
	q.seen++
	if q.seen == q.after {
		if _, err := q.Processor.Step(context.Background()); err != nil {
			q.t.Fatalf("Step: %v", err)
		}
	}
	return req
}

func TestJournalFollowsDispatchFailureRacingIntake(t *testing.T) {
	j := openTestJournal(t)
	b := gameplay.Default()
	state := world.NewState()
	state.AddPlayer(world.Player{ID: "p1", Units: 10, Resources: world.Resources{Lumber: 1}})
	wood := state.PlaceEntity(world.Entity{Kind: world.KindWoodNode, Position: world.Position{Y: 3}, Remaining: 50})
	store := world.NewStore(state)
	processor := tick.NewProcessor(store, tick.Options{
		Balance:    b,
		MaxPlayers: 4,
		Logger:     logging.NewTestLogger(),
		Emitters:   []tick.Emitter{j},
	})
	resolver, err := actions.NewDefaultResolver(b)
	if err != nil {
		t.Fatalf("NewDefaultResolver: %v", err)
	}
	queue := &steppingQueue{Processor: processor, t: t, after: 2}
	service := intake.New(store, resolver, queue, intake.Options{Logger: logging.NewTestLogger(), Observers: []intake.Observer{j}})

	//1.- Both submissions fit the single lumber on their own; only the first can dispatch.
	for i := 0; i < 2; i++ {
		if _, err := service.Submit(context.Background(), intake.Submission{PlayerID: "p1", Kind: actions.KindSendLumber, Payload: actions.Payload{TargetID: wood, Units: 1}}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if pending := processor.Pending("p1"); len(pending) != 1 || pending[0].Request.ID != 1 {
		t.Fatalf("expected only action 1 in flight, got %+v", pending)
	}
	flush(t, j)

	entries, err := j.ActionsForPlayer(context.Background(), "p1", 0)
	if err != nil {
		t.Fatalf("ActionsForPlayer: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two rows, got %+v", entries)
	}
	if entries[0].ActionID != 2 || entries[0].Status != StatusFailed || entries[0].Reason == "" {
		t.Fatalf("action 2 failed at dispatch but journal says %+v", entries[0])
	}
	if entries[1].ActionID != 1 || entries[1].Status != StatusDispatched {
		t.Fatalf("unexpected row for action 1: %+v", entries[1])
	}
}
