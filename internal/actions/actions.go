// Package actions defines the player commands the engine accepts and the
// handlers that validate them and plan their completion.
package actions

import (
	"errors"
	"fmt"

	"campfire/engine/internal/world"
)

// Kind discriminates the closed set of action variants.
type Kind string

const (
	KindSendLumber    Kind = "send_lumber"
	KindSendMiner     Kind = "send_miner"
	KindSendScout     Kind = "send_scout"
	KindSendFarm      Kind = "send_farm"
	KindStartCampfire Kind = "start_campfire"
)

// Kinds lists every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindSendLumber, KindSendMiner, KindSendScout, KindSendFarm, KindStartCampfire}
}

// ErrUnknownActionKind is returned when no handler is registered for a kind.
var ErrUnknownActionKind = errors.New("unknown action kind")

// RejectedError carries the human-readable reason an action was refused.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "action rejected: " + e.Reason
}

func reject(reason string) error {
	return &RejectedError{Reason: reason}
}

// Payload is the kind-specific body of a request. Every current kind sends
// units toward a target entity.
type Payload struct {
	TargetID world.EntityID `json:"target_id"`
	Units    int            `json:"units"`
}

// Request is an accepted player command.
type Request struct {
	ID              uint64         `json:"id"`
	Kind            Kind           `json:"kind"`
	PlayerID        world.PlayerID `json:"player_id"`
	Payload         Payload        `json:"payload"`
	SubmittedAtTick uint64         `json:"submitted_at_tick"`
}

// Plan is the deferred work of an accepted request. Dispatch runs when the
// request is drained into the tick, Complete at CompleteAt, and Recall only
// when Complete can no longer apply.
type Plan struct {
	CompleteAt uint64         `json:"complete_at"`
	Dispatch   []world.Effect `json:"dispatch"`
	Complete   []world.Effect `json:"complete"`
	Recall     []world.Effect `json:"recall,omitempty"`
}

// Status tracks an in-flight action through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// InFlight pairs a request with its plan while it waits for CompleteAt.
type InFlight struct {
	Request       Request `json:"request"`
	Plan          Plan    `json:"plan"`
	Status        Status  `json:"status"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// Handler implements one action kind. Both methods only read state.
type Handler interface {
	Kind() Kind
	Validate(view world.View, req Request) error
	BuildCompletion(view world.View, req Request) (Plan, error)
}

// Resolver maps each kind to its handler.
type Resolver struct {
	handlers map[Kind]Handler
}

// NewResolver registers handlers; duplicates are a programming error.
func NewResolver(handlers ...Handler) (*Resolver, error) {
	r := &Resolver{handlers: make(map[Kind]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			return nil, errors.New("nil action handler")
		}
		if _, exists := r.handlers[h.Kind()]; exists {
			return nil, fmt.Errorf("duplicate handler for %q", h.Kind())
		}
		r.handlers[h.Kind()] = h
	}
	return r, nil
}

// Resolve returns the handler for kind or ErrUnknownActionKind.
func (r *Resolver) Resolve(kind Kind) (Handler, error) {
	if r != nil {
		if h, ok := r.handlers[kind]; ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownActionKind, kind)
}
