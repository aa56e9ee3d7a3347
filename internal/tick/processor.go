// Package tick advances the world one step at a time: it drains accepted
// commands, resolves due actions and publishes the resulting change set.
package tick

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/config"
	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/world"
)

var (
	// ErrInvariantViolation marks a tick that left the world structurally
	// corrupt. It is fatal and halts the scheduler.
	ErrInvariantViolation = errors.New("world invariant violated")
	// ErrServerFull is returned when the player capacity is exhausted.
	ErrServerFull = errors.New("server full")
)

// ChangeSet is the ordered list of deltas produced by one tick.
type ChangeSet struct {
	Tick   uint64        `json:"tick"`
	Deltas []world.Delta `json:"deltas"`
}

// Empty reports whether the tick changed nothing.
func (c ChangeSet) Empty() bool { return len(c.Deltas) == 0 }

// Emitter receives every published change set after the tick's lock is released.
type Emitter interface {
	Publish(ChangeSet)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ChangeSet)

// Publish calls f.
func (f EmitterFunc) Publish(cs ChangeSet) { f(cs) }

// DispatchSummary is the value carried by action_dispatched deltas.
type DispatchSummary struct {
	Kind       actions.Kind   `json:"kind"`
	TargetID   world.EntityID `json:"target_id"`
	Units      int            `json:"units"`
	CompleteAt uint64         `json:"complete_at"`
}

// Input kinds recorded for drained commands.
const (
	InputAction  = "action"
	InputJoin    = "join"
	InputDespawn = "despawn"
)

// Input is the replayable form of one command drained by a tick.
type Input struct {
	Kind     string           `json:"kind"`
	Request  *actions.Request `json:"request,omitempty"`
	Plan     *actions.Plan    `json:"plan,omitempty"`
	PlayerID world.PlayerID   `json:"player_id,omitempty"`
	Name     string           `json:"name,omitempty"`
	EntityID world.EntityID   `json:"entity_id,omitempty"`
}

// InputRecorder receives the commands each tick drained, in drain order,
// before that tick's change set is published.
type InputRecorder interface {
	RecordInputs(tick uint64, inputs []Input)
}

// Options tune a Processor.
type Options struct {
	Balance    gameplay.Balance
	MaxPlayers int
	EmptyTicks config.EmptyTickPolicy
	Logger     *logging.Logger
	Emitters   []Emitter
	Inputs     InputRecorder
}

// Stats summarises processor activity for metrics.
type Stats struct {
	Ticks      uint64
	Dispatched uint64
	Completed  uint64
	Failed     uint64
	Pending    int
	Queued     int
}

type commandKind int

const (
	commandAction commandKind = iota
	commandJoin
	commandDespawn
)

type command struct {
	kind     commandKind
	action   *actions.InFlight
	player   world.Player
	entityID world.EntityID
}

// Processor owns the inbox of accepted commands and the set of pending
// actions. Step is the only method that mutates the world.
type Processor struct {
	store    *world.Store
	balance  gameplay.Balance
	log      *logging.Logger
	emitters []Emitter
	inputs   InputRecorder
	suppress bool
	tracer   trace.Tracer

	mu         sync.Mutex
	inbox      []command
	lastID     uint64
	admitted   map[world.PlayerID]struct{}
	maxPlayers int

	pendingMu sync.Mutex
	pending   pendingQueue

	stepMu sync.Mutex

	ticks      atomic.Uint64
	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
}

// NewProcessor wires a processor to the store it advances.
func NewProcessor(store *world.Store, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Processor{
		store:      store,
		balance:    opts.Balance,
		log:        logger,
		emitters:   append([]Emitter(nil), opts.Emitters...),
		inputs:     opts.Inputs,
		suppress:   opts.EmptyTicks == config.EmptyTickSuppress,
		tracer:     otel.Tracer("campfire/engine/tick"),
		admitted:   make(map[world.PlayerID]struct{}),
		maxPlayers: opts.MaxPlayers,
	}
}

// AddEmitter registers another change set consumer. Call before the scheduler starts.
func (p *Processor) AddEmitter(e Emitter) {
	if e == nil {
		return
	}
	p.stepMu.Lock()
	p.emitters = append(p.emitters, e)
	p.stepMu.Unlock()
}

// Enqueue stamps the request with the next action id and appends it to the
// inbox. Ids are assigned under the inbox lock, so id order is arrival order.
func (p *Processor) Enqueue(req actions.Request, plan actions.Plan) actions.Request {
	return p.EnqueueNotify(req, plan, nil)
}

// EnqueueNotify is Enqueue with a callback run under the inbox lock once the
// id is assigned. No tick can drain the request before accepted returns, so
// anything accepted records is ordered ahead of the action's change sets.
// accepted must not block.
func (p *Processor) EnqueueNotify(req actions.Request, plan actions.Plan, accepted func(actions.Request, actions.Plan)) actions.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastID++
	req.ID = p.lastID
	p.inbox = append(p.inbox, command{
		kind:   commandAction,
		action: &actions.InFlight{Request: req, Plan: plan, Status: actions.StatusPending},
	})
	if accepted != nil {
		accepted(req, plan)
	}
	return req
}

// EnqueueJoin admits a player at the next tick. Rejoining is a no-op.
func (p *Processor) EnqueueJoin(id world.PlayerID, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.admitted[id]; ok {
		return false, nil
	}
	if p.maxPlayers > 0 && len(p.admitted) >= p.maxPlayers {
		return false, ErrServerFull
	}
	index := len(p.admitted)
	p.admitted[id] = struct{}{}
	p.inbox = append(p.inbox, command{kind: commandJoin, player: gameplay.NewPlayer(p.balance, id, name, index)})
	return true, nil
}

// EnqueueDespawn removes an entity at the next tick.
func (p *Processor) EnqueueDespawn(id world.EntityID) {
	p.mu.Lock()
	p.inbox = append(p.inbox, command{kind: commandDespawn, entityID: id})
	p.mu.Unlock()
}

// Step processes exactly one tick.
func (p *Processor) Step(ctx context.Context) (ChangeSet, error) {
	p.stepMu.Lock()
	defer p.stepMu.Unlock()

	_, span := p.tracer.Start(ctx, "tick.step")
	defer span.End()

	//1.- Take ownership of everything queued so far; later arrivals wait for the next tick.
	p.mu.Lock()
	batch := p.inbox
	p.inbox = nil
	p.mu.Unlock()

	cs := ChangeSet{Deltas: []world.Delta{}}
	err := p.store.Mutate(func(s *world.State) error {
		cs.Tick = s.Tick
		p.pendingMu.Lock()
		defer p.pendingMu.Unlock()

		//2.- Apply joins, despawns and dispatches in arrival order.
		for _, cmd := range batch {
			cs.Deltas = append(cs.Deltas, p.drain(s, cmd)...)
		}
		//3.- Resolve every pending action whose completion tick has been reached.
		for {
			inflight, ok := p.pending.popDue(s.Tick)
			if !ok {
				break
			}
			cs.Deltas = append(cs.Deltas, p.resolve(s, inflight)...)
		}
		//4.- Refuse to advance a corrupted world.
		if err := s.CheckInvariants(); err != nil {
			return fmt.Errorf("%w at tick %d: %v", ErrInvariantViolation, s.Tick, err)
		}
		s.Tick++
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return ChangeSet{}, err
	}
	p.ticks.Add(1)
	span.SetAttributes(attribute.Int64("tick", int64(cs.Tick)), attribute.Int("deltas", len(cs.Deltas)))
	if p.inputs != nil && len(batch) > 0 {
		p.inputs.RecordInputs(cs.Tick, inputsOf(batch))
	}

	//5.- Publish outside the world lock so slow consumers never stall readers.
	if cs.Empty() && p.suppress {
		return cs, nil
	}
	for _, emitter := range p.emitters {
		emitter.Publish(cs)
	}
	return cs, nil
}

func (p *Processor) drain(s *world.State, cmd command) []world.Delta {
	switch cmd.kind {
	case commandJoin:
		if !s.AddPlayer(cmd.player) {
			return nil
		}
		p.log.Info("player joined", logging.String("player_id", string(cmd.player.ID)), logging.Uint64("tick", s.Tick))
		return []world.Delta{{Kind: world.DeltaPlayerJoined, PlayerID: cmd.player.ID, Value: cmd.player}}
	case commandDespawn:
		if !s.RemoveEntity(cmd.entityID) {
			p.log.Warn("despawn target missing", logging.Uint64("entity_id", uint64(cmd.entityID)))
			return nil
		}
		return []world.Delta{{Kind: world.DeltaEntityRemoved, EntityID: cmd.entityID}}
	}

	inflight := cmd.action
	req := inflight.Request
	deltas, err := world.ApplyEffects(s, inflight.Plan.Dispatch)
	if err != nil {
		//1.- The world moved since validation; nothing was reserved, so nothing needs recalling.
		inflight.Status = actions.StatusFailed
		inflight.FailureReason = failureReason(err)
		p.failed.Add(1)
		p.log.Info("action dispatch failed",
			logging.Uint64("action_id", req.ID),
			logging.String("player_id", string(req.PlayerID)),
			logging.String("reason", inflight.FailureReason),
		)
		return []world.Delta{{Kind: world.DeltaCompletionFailed, ActionID: req.ID, PlayerID: req.PlayerID, Reason: inflight.FailureReason}}
	}
	p.dispatched.Add(1)
	p.pending.push(inflight)
	out := make([]world.Delta, 0, len(deltas)+1)
	out = append(out, world.Delta{
		Kind:     world.DeltaActionDispatched,
		ActionID: req.ID,
		PlayerID: req.PlayerID,
		Value: DispatchSummary{
			Kind:       req.Kind,
			TargetID:   req.Payload.TargetID,
			Units:      req.Payload.Units,
			CompleteAt: inflight.Plan.CompleteAt,
		},
	})
	return append(out, deltas...)
}

func (p *Processor) resolve(s *world.State, inflight *actions.InFlight) []world.Delta {
	req := inflight.Request
	deltas, err := world.ApplyEffects(s, inflight.Plan.Complete)
	if err == nil {
		inflight.Status = actions.StatusCompleted
		p.completed.Add(1)
		out := make([]world.Delta, 0, len(deltas)+1)
		out = append(out, world.Delta{Kind: world.DeltaActionCompleted, ActionID: req.ID, PlayerID: req.PlayerID, Value: req.Kind})
		return append(out, deltas...)
	}

	inflight.Status = actions.StatusFailed
	inflight.FailureReason = failureReason(err)
	p.failed.Add(1)
	p.log.Info("action completion failed",
		logging.Uint64("action_id", req.ID),
		logging.String("player_id", string(req.PlayerID)),
		logging.String("reason", inflight.FailureReason),
	)
	out := []world.Delta{{Kind: world.DeltaCompletionFailed, ActionID: req.ID, PlayerID: req.PlayerID, Reason: inflight.FailureReason}}
	//2.- Workers committed at dispatch walk home even though the work could not land.
	recalled, recallErr := world.ApplyEffects(s, inflight.Plan.Recall)
	if recallErr != nil {
		p.log.Warn("action recall failed", logging.Uint64("action_id", req.ID), logging.Error(recallErr))
		return out
	}
	return append(out, recalled...)
}

func inputsOf(batch []command) []Input {
	out := make([]Input, 0, len(batch))
	for _, cmd := range batch {
		switch cmd.kind {
		case commandJoin:
			out = append(out, Input{Kind: InputJoin, PlayerID: cmd.player.ID, Name: cmd.player.Name})
		case commandDespawn:
			out = append(out, Input{Kind: InputDespawn, EntityID: cmd.entityID})
		default:
			req := cmd.action.Request
			plan := cmd.action.Plan
			out = append(out, Input{Kind: InputAction, Request: &req, Plan: &plan})
		}
	}
	return out
}

func failureReason(err error) string {
	var effectErr *world.EffectError
	if errors.As(err, &effectErr) {
		return effectErr.Reason
	}
	return err.Error()
}

// Pending returns copies of the in-flight actions, optionally filtered by
// player, ordered by completion tick then id.
func (p *Processor) Pending(player world.PlayerID) []actions.InFlight {
	p.pendingMu.Lock()
	out := make([]actions.InFlight, 0, len(p.pending))
	for _, inflight := range p.pending {
		if player == "" || inflight.Request.PlayerID == player {
			out = append(out, *inflight)
		}
	}
	p.pendingMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Plan.CompleteAt != out[j].Plan.CompleteAt {
			return out[i].Plan.CompleteAt < out[j].Plan.CompleteAt
		}
		return out[i].Request.ID < out[j].Request.ID
	})
	return out
}

// Stats returns a point-in-time view of the counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	queued := len(p.inbox)
	p.mu.Unlock()
	p.pendingMu.Lock()
	pending := len(p.pending)
	p.pendingMu.Unlock()
	return Stats{
		Ticks:      p.ticks.Load(),
		Dispatched: p.dispatched.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Pending:    pending,
		Queued:     queued,
	}
}
