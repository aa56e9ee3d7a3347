package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

// Mismatch describes one tick whose re-simulated change set differs from the recording.
type Mismatch struct {
	Tick uint64          `json:"tick"`
	Want json.RawMessage `json:"want,omitempty"`
	Got  json.RawMessage `json:"got,omitempty"`
}

// Report summarises a verification run.
type Report struct {
	Ticks      uint64     `json:"ticks"`
	ChangeSets int        `json:"changesets"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// OK reports whether the re-simulation matched the recording exactly.
func (r Report) OK() bool { return len(r.Mismatches) == 0 }

// Verify rebuilds the run's starting world, feeds it the recorded inputs tick
// by tick and compares every published change set with the recorded one.
func Verify(ctx context.Context, bundle *Bundle, logger *logging.Logger) (Report, error) {
	if bundle == nil {
		return Report{}, fmt.Errorf("bundle must be provided")
	}
	if logger == nil {
		logger = logging.L()
	}
	store := world.NewStore(gameplay.NewWorld(bundle.Header.Balance))
	defer store.Close()

	var produced []tick.ChangeSet
	processor := tick.NewProcessor(store, tick.Options{
		Balance:    bundle.Header.Balance,
		MaxPlayers: bundle.Header.MaxPlayers,
		EmptyTicks: bundle.Header.EmptyTicks,
		Logger:     logger,
		Emitters:   []tick.Emitter{tick.EmitterFunc(func(cs tick.ChangeSet) { produced = append(produced, cs) })},
	})

	//1.- Step up to the last tick that was either fed or published.
	byTick := make(map[uint64][]tick.Input, len(bundle.Inputs))
	var last uint64
	for _, line := range bundle.Inputs {
		byTick[line.Tick] = append(byTick[line.Tick], line.Inputs...)
		last = max(last, line.Tick)
	}
	for _, cs := range bundle.ChangeSets {
		last = max(last, cs.Tick)
	}
	if len(bundle.Inputs) == 0 && len(bundle.ChangeSets) == 0 {
		return Report{}, nil
	}

	for t := uint64(0); t <= last; t++ {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		for _, in := range byTick[t] {
			if err := feed(processor, in); err != nil {
				return Report{}, fmt.Errorf("tick %d: %w", t, err)
			}
		}
		if _, err := processor.Step(ctx); err != nil {
			return Report{}, fmt.Errorf("tick %d: %w", t, err)
		}
	}

	//2.- Compare by tick so a missing or extra frame is reported once.
	report := Report{Ticks: last + 1, ChangeSets: len(bundle.ChangeSets)}
	got := make(map[uint64][]byte, len(produced))
	for _, cs := range produced {
		payload, err := json.Marshal(cs)
		if err != nil {
			return Report{}, err
		}
		got[cs.Tick] = payload
	}
	seen := make(map[uint64]bool, len(bundle.ChangeSets))
	for _, rec := range bundle.ChangeSets {
		seen[rec.Tick] = true
		if payload := got[rec.Tick]; !bytes.Equal(payload, rec.Payload) {
			report.Mismatches = append(report.Mismatches, Mismatch{Tick: rec.Tick, Want: rec.Payload, Got: payload})
		}
	}
	for _, cs := range produced {
		if !seen[cs.Tick] {
			report.Mismatches = append(report.Mismatches, Mismatch{Tick: cs.Tick, Got: got[cs.Tick]})
		}
	}
	return report, nil
}

func feed(processor *tick.Processor, in tick.Input) error {
	switch in.Kind {
	case tick.InputJoin:
		_, err := processor.EnqueueJoin(in.PlayerID, in.Name)
		return err
	case tick.InputDespawn:
		processor.EnqueueDespawn(in.EntityID)
		return nil
	case tick.InputAction:
		if in.Request == nil || in.Plan == nil {
			return fmt.Errorf("action input without request or plan")
		}
		//1.- Ids are reassigned on enqueue; a drift means the inputs are out of order.
		req := processor.Enqueue(*in.Request, *in.Plan)
		if req.ID != in.Request.ID {
			return fmt.Errorf("action id drift: recorded %d, replayed %d", in.Request.ID, req.ID)
		}
		return nil
	default:
		return fmt.Errorf("unknown input kind %q", in.Kind)
	}
}
