package world

// DeltaKind classifies one entry of a tick's change set.
type DeltaKind string

const (
	DeltaPlayerJoined     DeltaKind = "player_joined"
	DeltaPlayerUpdated    DeltaKind = "player_updated"
	DeltaEntityCreated    DeltaKind = "entity_created"
	DeltaEntityUpdated    DeltaKind = "entity_updated"
	DeltaEntityRemoved    DeltaKind = "entity_removed"
	DeltaActionDispatched DeltaKind = "action_dispatched"
	DeltaActionCompleted  DeltaKind = "action_completed"
	DeltaCompletionFailed DeltaKind = "completion_failed"
)

// Delta is a single observable change produced while processing a tick.
type Delta struct {
	Kind     DeltaKind `json:"kind"`
	PlayerID PlayerID  `json:"player_id,omitempty"`
	EntityID EntityID  `json:"entity_id,omitempty"`
	ActionID uint64    `json:"action_id,omitempty"`
	Field    string    `json:"field,omitempty"`
	Value    any       `json:"value,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}
