// Package protocol defines the JSON messages exchanged with realtime clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

// Client message types.
const (
	TypeJoin   = "join"
	TypeAction = "action"
	TypeResume = "resume"
	TypePing   = "ping"
)

// Server message types.
const (
	TypeWelcome   = "welcome"
	TypeAccepted  = "accepted"
	TypeRejected  = "rejected"
	TypeError     = "error"
	TypeChangeSet = "changeset"
	TypePong      = "pong"
)

// ErrInvalidMessage wraps schema and decoding failures.
var ErrInvalidMessage = errors.New("invalid message")

// ClientMessage is any message a client may send.
type ClientMessage struct {
	Type      string           `json:"type"`
	Ref       string           `json:"ref,omitempty"`
	Name      string           `json:"name,omitempty"`
	Kind      actions.Kind     `json:"kind,omitempty"`
	Payload   *actions.Payload `json:"payload,omitempty"`
	Seq       uint64           `json:"seq,omitempty"`
	SentAtMs  int64            `json:"sent_at_ms,omitempty"`
	SinceTick *uint64          `json:"since_tick,omitempty"`
}

// SentAt converts the optional client timestamp.
func (m ClientMessage) SentAt() time.Time {
	if m.SentAtMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.SentAtMs)
}

// Welcome greets a connection with the full world so later change sets can be applied on top.
type Welcome struct {
	Type     string         `json:"type"`
	PlayerID world.PlayerID `json:"player_id"`
	Tick     uint64         `json:"tick"`
	Players  []world.Player `json:"players"`
	Entities []world.Entity `json:"entities"`
}

// Accepted acknowledges an accepted action.
type Accepted struct {
	Type            string       `json:"type"`
	Ref             string       `json:"ref,omitempty"`
	ActionID        uint64       `json:"action_id"`
	Kind            actions.Kind `json:"kind"`
	SubmittedAtTick uint64       `json:"submitted_at_tick"`
}

// Rejected reports why an action was refused.
type Rejected struct {
	Type   string `json:"type"`
	Ref    string `json:"ref,omitempty"`
	Reason string `json:"reason"`
}

// Error reports a protocol or server failure.
type Error struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Error string `json:"error"`
}

// ChangeSet carries one tick's deltas.
type ChangeSet struct {
	Type   string        `json:"type"`
	Tick   uint64        `json:"tick"`
	Deltas []world.Delta `json:"deltas"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Tick uint64 `json:"tick"`
}

const clientSchemaURL = "https://campfire.engine/schemas/client.schema.json"

//go:embed client.schema.json
var clientSchemaPayload string

var (
	schemaOnce   sync.Once
	clientSchema *jsonschema.Schema
	schemaErr    error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		//1.- Compile the embedded schema exactly once.
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(clientSchemaURL, bytes.NewReader([]byte(clientSchemaPayload))); err != nil {
			schemaErr = err
			return
		}
		clientSchema, schemaErr = compiler.Compile(clientSchemaURL)
	})
	return clientSchema, schemaErr
}

// DecodeClient validates raw against the client schema and decodes it.
func DecodeClient(raw []byte) (ClientMessage, error) {
	schema, err := compiledSchema()
	if err != nil {
		return ClientMessage{}, fmt.Errorf("compile client schema: %w", err)
	}
	//1.- Decode generically with json.Number so integer bounds are checked exactly.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := schema.Validate(generic); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	//2.- Decode into the typed message now that the shape is known to be sound.
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

// NewWelcome snapshots the view for a newly attached player.
func NewWelcome(player world.PlayerID, view world.View) Welcome {
	return Welcome{
		Type:     TypeWelcome,
		PlayerID: player,
		Tick:     view.Tick(),
		Players:  view.Players(),
		Entities: view.Entities(),
	}
}

// NewAccepted acknowledges req.
func NewAccepted(ref string, req actions.Request) Accepted {
	return Accepted{Type: TypeAccepted, Ref: ref, ActionID: req.ID, Kind: req.Kind, SubmittedAtTick: req.SubmittedAtTick}
}

// NewRejected reports a refused action.
func NewRejected(ref, reason string) Rejected {
	return Rejected{Type: TypeRejected, Ref: ref, Reason: reason}
}

// NewError reports a failure.
func NewError(ref string, err error) Error {
	return Error{Type: TypeError, Ref: ref, Error: err.Error()}
}

// NewChangeSet wraps a tick's deltas for the wire.
func NewChangeSet(cs tick.ChangeSet) ChangeSet {
	deltas := cs.Deltas
	if deltas == nil {
		deltas = []world.Delta{}
	}
	return ChangeSet{Type: TypeChangeSet, Tick: cs.Tick, Deltas: deltas}
}

// Encode renders any server message as JSON.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
