// Package intake is the single entry point for player commands. It validates
// submissions against a read-only view of the world and hands accepted ones
// to the tick processor.
package intake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/input"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

// Submission is a raw player command as it arrives from a transport.
type Submission struct {
	PlayerID world.PlayerID
	Kind     actions.Kind
	Payload  actions.Payload
	Sequence uint64
	SentAt   time.Time
}

// Observer is told about every accepted and rejected submission.
// ActionAccepted runs while the processor holds its inbox lock and must not block.
type Observer interface {
	ActionAccepted(req actions.Request, plan actions.Plan)
	ActionRejected(sub Submission, reason string)
}

// Queue is the part of the tick processor intake writes to.
type Queue interface {
	EnqueueNotify(req actions.Request, plan actions.Plan, accepted func(actions.Request, actions.Plan)) actions.Request
	EnqueueJoin(id world.PlayerID, name string) (bool, error)
	EnqueueDespawn(id world.EntityID)
}

// Options wire optional collaborators.
type Options struct {
	Gate      *input.Gate
	Logger    *logging.Logger
	Observers []Observer
}

// Stats counts intake outcomes.
type Stats struct {
	Accepted uint64
	Rejected uint64
}

// Service validates and enqueues player commands.
type Service struct {
	store    *world.Store
	resolver *actions.Resolver
	queue    Queue
	gate     *input.Gate
	log      *logging.Logger
	tracer   trace.Tracer

	obsMu     sync.RWMutex
	observers []Observer

	closed   atomic.Bool
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New builds an intake service over the shared store and the processor queue.
func New(store *world.Store, resolver *actions.Resolver, queue Queue, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Service{
		store:     store,
		resolver:  resolver,
		queue:     queue,
		gate:      opts.Gate,
		log:       logger,
		tracer:    otel.Tracer("campfire/engine/intake"),
		observers: append([]Observer(nil), opts.Observers...),
	}
}

// AddObserver registers another observer.
func (s *Service) AddObserver(o Observer) {
	if o == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Submit validates the submission and, when accepted, returns the request
// stamped with its action id and submission tick.
func (s *Service) Submit(ctx context.Context, sub Submission) (actions.Request, error) {
	ctx, span := s.tracer.Start(ctx, "intake.submit", trace.WithAttributes(
		attribute.String("player_id", string(sub.PlayerID)),
		attribute.String("action.kind", string(sub.Kind)),
	))
	defer span.End()
	logger := s.log
	if traceID := logging.TraceIDFromContext(ctx); traceID != "" {
		logger = logger.With(logging.String(logging.TraceIDField, traceID))
	}

	req, plan, err := s.admit(sub)
	if err != nil {
		s.rejected.Add(1)
		span.SetStatus(codes.Error, err.Error())
		var rejected *actions.RejectedError
		if errors.As(err, &rejected) {
			s.notifyRejected(sub, rejected.Reason)
		}
		fields := []logging.Field{
			logging.String("player_id", string(sub.PlayerID)),
			logging.String("kind", string(sub.Kind)),
			logging.Error(err),
		}
		if errors.Is(err, actions.ErrUnknownActionKind) {
			//1.- A kind no handler serves means a client or registry mismatch, not a player mistake.
			logger.Warn("action kind has no handler", fields...)
		} else {
			logger.Debug("action rejected", fields...)
		}
		return actions.Request{}, err
	}

	//4.- Hand the request to the processor, which stamps the id and tells the
	// observers under its inbox lock, before any tick can resolve the action.
	req = s.queue.EnqueueNotify(req, plan, s.notifyAccepted)
	s.accepted.Add(1)
	span.SetAttributes(attribute.Int64("action.id", int64(req.ID)), attribute.Int64("action.complete_at", int64(plan.CompleteAt)))
	logger.Debug("action accepted",
		logging.Uint64("action_id", req.ID),
		logging.String("player_id", string(req.PlayerID)),
		logging.String("kind", string(req.Kind)),
		logging.Uint64("submitted_at_tick", req.SubmittedAtTick),
		logging.Uint64("complete_at", plan.CompleteAt),
	)
	return req, nil
}

func (s *Service) admit(sub Submission) (actions.Request, actions.Plan, error) {
	//1.- Refuse new work once shutdown has begun.
	if s.closed.Load() {
		return actions.Request{}, actions.Plan{}, world.ErrStateUnavailable
	}
	handler, err := s.resolver.Resolve(sub.Kind)
	if err != nil {
		return actions.Request{}, actions.Plan{}, err
	}
	//2.- Apply the per-player throughput gate before touching world state.
	if decision := s.gate.Evaluate(input.Frame{PlayerID: string(sub.PlayerID), SequenceID: sub.Sequence, SentAt: sub.SentAt}); !decision.Accepted {
		return actions.Request{}, actions.Plan{}, &actions.RejectedError{Reason: decision.Reason.String()}
	}

	req := actions.Request{Kind: sub.Kind, PlayerID: sub.PlayerID, Payload: sub.Payload}
	var plan actions.Plan
	//3.- Validate and plan against one consistent read of the world.
	err = s.store.Read(func(view world.View) error {
		req.SubmittedAtTick = view.Tick()
		if err := handler.Validate(view, req); err != nil {
			return err
		}
		built, err := handler.BuildCompletion(view, req)
		if err != nil {
			return err
		}
		plan = built
		return nil
	})
	if err != nil {
		return actions.Request{}, actions.Plan{}, err
	}
	return req, plan, nil
}

// Join admits a player at the next tick. It reports false for a player that
// had already joined.
func (s *Service) Join(_ context.Context, id world.PlayerID, name string) (bool, error) {
	if s.closed.Load() {
		return false, world.ErrStateUnavailable
	}
	if id == "" {
		return false, &actions.RejectedError{Reason: "missing player id"}
	}
	joined, err := s.queue.EnqueueJoin(id, name)
	if err != nil {
		if errors.Is(err, tick.ErrServerFull) {
			s.log.Warn("join refused", logging.String("player_id", string(id)), logging.Error(err))
		}
		return false, err
	}
	if joined {
		s.log.Info("player admitted", logging.String("player_id", string(id)))
	}
	return joined, nil
}

// Despawn removes an entity at the next tick on behalf of an operator.
func (s *Service) Despawn(_ context.Context, id world.EntityID) error {
	if s.closed.Load() {
		return world.ErrStateUnavailable
	}
	err := s.store.Read(func(view world.View) error {
		if _, ok := view.Entity(id); !ok {
			return &actions.RejectedError{Reason: actions.ReasonTargetMissing}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.queue.EnqueueDespawn(id)
	s.log.Info("despawn queued", logging.Uint64("entity_id", uint64(id)))
	return nil
}

// Close rejects all later submissions with world.ErrStateUnavailable.
func (s *Service) Close() {
	s.closed.Store(true)
}

// Stats returns the accepted and rejected counters.
func (s *Service) Stats() Stats {
	return Stats{Accepted: s.accepted.Load(), Rejected: s.rejected.Load()}
}

func (s *Service) notifyAccepted(req actions.Request, plan actions.Plan) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o.ActionAccepted(req, plan)
	}
}

func (s *Service) notifyRejected(sub Submission, reason string) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o.ActionRejected(sub, reason)
	}
}
