package replay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/config"
	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/intake"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

type run struct {
	store     *world.Store
	processor *tick.Processor
	intake    *intake.Service
	recorder  *Recorder
	writer    *Writer
}

func startRun(t *testing.T, root string) run {
	t.Helper()
	b := gameplay.Default()
	clock := func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	writer, _, err := NewWriter(root, "Test Run!", clock)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	writer.SetHeader(Header{Balance: b, MaxPlayers: 4, EmptyTicks: config.EmptyTickHeartbeat})
	recorder, err := NewRecorder(writer, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	store := world.NewStore(gameplay.NewWorld(b))
	processor := tick.NewProcessor(store, tick.Options{
		Balance:    b,
		MaxPlayers: 4,
		Logger:     logging.NewTestLogger(),
		Emitters:   []tick.Emitter{recorder},
		Inputs:     recorder,
	})
	resolver, err := actions.NewDefaultResolver(b)
	if err != nil {
		t.Fatalf("NewDefaultResolver: %v", err)
	}
	service := intake.New(store, resolver, processor, intake.Options{Logger: logging.NewTestLogger()})
	return run{store: store, processor: processor, intake: service, recorder: recorder, writer: writer}
}

func (r run) step(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := r.processor.Step(context.Background()); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
}

func firstOfKind(t *testing.T, store *world.Store, kind world.EntityKind) world.EntityID {
	t.Helper()
	var id world.EntityID
	_ = store.Read(func(view world.View) error {
		for _, e := range view.Entities() {
			if e.Kind == kind {
				id = e.ID
				return nil
			}
		}
		return nil
	})
	if id == 0 {
		t.Fatalf("no %s in generated world", kind)
	}
	return id
}

func recordSession(t *testing.T, root string) string {
	t.Helper()
	r := startRun(t, root)
	ctx := context.Background()

	//1.- Two players join, then each sends work out.
	for _, id := range []world.PlayerID{"p1", "p2"} {
		if _, err := r.intake.Join(ctx, id, string(id)); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	r.step(t, 1)
	wood := firstOfKind(t, r.store, world.KindWoodNode)
	tower := firstOfKind(t, r.store, world.KindScoutTower)
	if _, err := r.intake.Submit(ctx, intake.Submission{PlayerID: "p1", Kind: actions.KindSendLumber, Payload: actions.Payload{TargetID: wood, Units: 3}}); err != nil {
		t.Fatalf("Submit lumber: %v", err)
	}
	if _, err := r.intake.Submit(ctx, intake.Submission{PlayerID: "p2", Kind: actions.KindSendScout, Payload: actions.Payload{TargetID: tower, Units: 1}}); err != nil {
		t.Fatalf("Submit scout: %v", err)
	}
	r.step(t, 2)
	//2.- Flush midway so the bundle spans more than one write.
	if err := r.recorder.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := r.intake.Submit(ctx, intake.Submission{PlayerID: "p1", Kind: actions.KindStartCampfire, Payload: actions.Payload{TargetID: wood, Units: 2}}); err != nil {
		t.Fatalf("Submit campfire: %v", err)
	}
	r.step(t, 80)
	if err := r.recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return r.writer.Directory()
}

func TestRecordedRunReplaysIdentically(t *testing.T) {
	dir := recordSession(t, t.TempDir())
	if filepath.Base(dir) != "TestRun-20250301T090000Z" {
		t.Fatalf("unexpected bundle directory %s", filepath.Base(dir))
	}

	bundle, err := Load(filepath.Join(dir, manifestFile))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(bundle.ChangeSets) != 83 {
		t.Fatalf("expected one change set per tick, got %d", len(bundle.ChangeSets))
	}
	if len(bundle.Inputs) != 3 || bundle.Inputs[0].Tick != 0 || len(bundle.Inputs[0].Inputs) != 2 {
		t.Fatalf("unexpected inputs %+v", bundle.Inputs)
	}

	report, err := Verify(context.Background(), bundle, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK() || report.Ticks != 83 {
		t.Fatalf("expected identical replay, got %+v", report)
	}
}

func TestVerifyReportsTamperedChangeSet(t *testing.T) {
	dir := recordSession(t, t.TempDir())
	bundle, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	//1.- Rewrite a recorded change set as if a tick had produced nothing.
	forged, _ := json.Marshal(tick.ChangeSet{Tick: bundle.ChangeSets[1].Tick, Deltas: []world.Delta{}})
	bundle.ChangeSets[1].Payload = forged

	report, err := Verify(context.Background(), bundle, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK() || len(report.Mismatches) != 1 || report.Mismatches[0].Tick != bundle.ChangeSets[1].Tick {
		t.Fatalf("expected a single mismatch, got %+v", report.Mismatches)
	}
}

func TestRecorderSnapshotTracksBuffers(t *testing.T) {
	r := startRun(t, t.TempDir())
	r.step(t, 3)
	snap := r.recorder.Snapshot()
	if snap.BufferedFrames != 3 || snap.BufferedBytes == 0 || snap.Flushes != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := r.recorder.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	snap = r.recorder.Snapshot()
	if snap.BufferedFrames != 0 || snap.Flushes != 1 || snap.Directory != r.writer.Directory() {
		t.Fatalf("unexpected snapshot after flush %+v", snap)
	}
	if err := r.recorder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.writer.WriteInputs(InputLine{}); err == nil {
		t.Fatal("expected writes after close to fail")
	}
}

func TestRecorderKeepsRecordsWhenWriteFails(t *testing.T) {
	r := startRun(t, t.TempDir())
	r.step(t, 3)
	before := r.recorder.Snapshot()
	//1.- Seal the bundle underneath the recorder so every write is refused.
	if err := r.writer.Close(); err != nil {
		t.Fatalf("writer Close: %v", err)
	}
	if err := r.recorder.Flush(); err == nil {
		t.Fatal("expected flush into a closed writer to fail")
	}
	after := r.recorder.Snapshot()
	if after.BufferedFrames != before.BufferedFrames || after.BufferedBytes != before.BufferedBytes {
		t.Fatalf("expected buffered records to survive the failed flush, before %+v after %+v", before, after)
	}
	if after.Flushes != 0 || after.LastError == "" {
		t.Fatalf("expected failure to be reported without counting a flush, got %+v", after)
	}
	//2.- New frames queue behind the retained ones.
	r.step(t, 1)
	if snap := r.recorder.Snapshot(); snap.BufferedFrames != before.BufferedFrames+1 {
		t.Fatalf("expected %d buffered frames, got %d", before.BufferedFrames+1, snap.BufferedFrames)
	}
}

func TestReadHeaderRejectsMissingPointer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "header.json")
	if err := os.WriteFile(path, []byte(`{"schema_version":1}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadHeader(path); err == nil {
		t.Fatal("expected header without file pointer to be rejected")
	}
	if err := WriteHeader(path, Header{SchemaVersion: 1, FilePointer: manifestFile}); err == nil {
		t.Fatal("expected header without balance to be rejected")
	}
}

func TestLoadRequiresManifest(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected missing manifest to fail")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected empty path to fail")
	}
}
