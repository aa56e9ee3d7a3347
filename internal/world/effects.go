package world

import "fmt"

// EffectOp names one primitive state change.
type EffectOp string

const (
	// OpRequirePlayer fails unless the player exists.
	OpRequirePlayer EffectOp = "require_player"
	// OpRequireEntity fails unless the entity exists and, when Kind is set, has that kind.
	OpRequireEntity EffectOp = "require_entity"
	// OpDebit removes Resources from the player.
	OpDebit EffectOp = "debit"
	// OpCredit adds Resources to the player.
	OpCredit EffectOp = "credit"
	// OpCommitUnits marks Units idle workers as busy.
	OpCommitUnits EffectOp = "commit_units"
	// OpReleaseUnits returns Units busy workers to idle.
	OpReleaseUnits EffectOp = "release_units"
	// OpHarvest draws up to Amount from a resource node and credits the player.
	OpHarvest EffectOp = "harvest"
	// OpSpawn places a new entity of Kind at Position owned by Player.
	OpSpawn EffectOp = "spawn"
	// OpMarkScouted records Player on the entity's scouted list.
	OpMarkScouted EffectOp = "mark_scouted"
)

// Effect is one step of a completion plan. Plans are data so they can be
// checked in full before any of them touch state.
type Effect struct {
	Op        EffectOp   `json:"op"`
	Player    PlayerID   `json:"player,omitempty"`
	Entity    EntityID   `json:"entity,omitempty"`
	Kind      EntityKind `json:"kind,omitempty"`
	Resources Resources  `json:"resources,omitempty"`
	Units     int        `json:"units,omitempty"`
	Amount    int64      `json:"amount,omitempty"`
	Position  Position   `json:"position,omitempty"`
}

// Failure reasons reported through EffectError.
const (
	ReasonPlayerMissing        = "player missing"
	ReasonTargetMissing        = "target missing"
	ReasonTargetChanged        = "target changed"
	ReasonInsufficientResource = "insufficient resources"
	ReasonInsufficientWorkers  = "insufficient workers"
	ReasonWorkersNotCommitted  = "workers not committed"
)

// EffectError reports a precondition that no longer holds. Nothing was applied.
type EffectError struct {
	Reason string
	Op     EffectOp
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("effect %s failed: %s", e.Op, e.Reason)
}

// ApplyEffects checks every effect against s and then applies all of them, or
// applies none and returns an *EffectError.
func ApplyEffects(s *State, effects []Effect) ([]Delta, error) {
	if err := checkEffects(s, effects); err != nil {
		return nil, err
	}
	deltas := make([]Delta, 0, len(effects))
	for _, effect := range effects {
		deltas = append(deltas, applyEffect(s, effect)...)
	}
	return deltas, nil
}

func checkEffects(s *State, effects []Effect) error {
	// Running totals per player so that two debits in one plan cannot
	// overdraw together.
	balances := make(map[PlayerID]Resources)
	committed := make(map[PlayerID]int)
	drawn := make(map[EntityID]int64)

	player := func(id PlayerID, op EffectOp) (*Player, error) {
		p, ok := s.Players[id]
		if !ok {
			return nil, &EffectError{Reason: ReasonPlayerMissing, Op: op}
		}
		if _, seen := balances[id]; !seen {
			balances[id] = p.Resources
			committed[id] = p.Committed
		}
		return p, nil
	}

	for _, effect := range effects {
		switch effect.Op {
		case OpRequirePlayer, OpCredit:
			if _, err := player(effect.Player, effect.Op); err != nil {
				return err
			}
			if effect.Op == OpCredit {
				balances[effect.Player] = balances[effect.Player].Add(effect.Resources)
			}
		case OpRequireEntity, OpMarkScouted:
			entity, ok := s.Entities[effect.Entity]
			if !ok {
				return &EffectError{Reason: ReasonTargetMissing, Op: effect.Op}
			}
			if effect.Kind != "" && entity.Kind != effect.Kind {
				return &EffectError{Reason: ReasonTargetChanged, Op: effect.Op}
			}
			if effect.Op == OpMarkScouted {
				if _, err := player(effect.Player, effect.Op); err != nil {
					return err
				}
			}
		case OpDebit:
			if _, err := player(effect.Player, effect.Op); err != nil {
				return err
			}
			next := balances[effect.Player].Sub(effect.Resources)
			if next.Negative() {
				return &EffectError{Reason: ReasonInsufficientResource, Op: effect.Op}
			}
			balances[effect.Player] = next
		case OpCommitUnits:
			p, err := player(effect.Player, effect.Op)
			if err != nil {
				return err
			}
			if effect.Units < 0 || committed[effect.Player]+effect.Units > p.Units {
				return &EffectError{Reason: ReasonInsufficientWorkers, Op: effect.Op}
			}
			committed[effect.Player] += effect.Units
		case OpReleaseUnits:
			if _, err := player(effect.Player, effect.Op); err != nil {
				return err
			}
			if effect.Units < 0 || committed[effect.Player] < effect.Units {
				return &EffectError{Reason: ReasonWorkersNotCommitted, Op: effect.Op}
			}
			committed[effect.Player] -= effect.Units
		case OpHarvest:
			if _, err := player(effect.Player, effect.Op); err != nil {
				return err
			}
			entity, ok := s.Entities[effect.Entity]
			if !ok || entity.Remaining-drawn[effect.Entity] <= 0 {
				return &EffectError{Reason: ReasonTargetMissing, Op: effect.Op}
			}
			if !entity.Kind.IsResourceNode() {
				return &EffectError{Reason: ReasonTargetChanged, Op: effect.Op}
			}
			drawn[effect.Entity] += min(effect.Amount, entity.Remaining-drawn[effect.Entity])
		case OpSpawn:
			if effect.Player != "" {
				if _, err := player(effect.Player, effect.Op); err != nil {
					return err
				}
			}
		default:
			return &EffectError{Reason: fmt.Sprintf("unknown op %q", effect.Op), Op: effect.Op}
		}
	}
	return nil
}

func applyEffect(s *State, effect Effect) []Delta {
	switch effect.Op {
	case OpDebit:
		p := s.Players[effect.Player]
		p.Resources = p.Resources.Sub(effect.Resources)
		return []Delta{resourcesDelta(p)}
	case OpCredit:
		p := s.Players[effect.Player]
		p.Resources = p.Resources.Add(effect.Resources)
		return []Delta{resourcesDelta(p)}
	case OpCommitUnits:
		p := s.Players[effect.Player]
		p.Committed += effect.Units
		return []Delta{committedDelta(p)}
	case OpReleaseUnits:
		p := s.Players[effect.Player]
		p.Committed -= effect.Units
		return []Delta{committedDelta(p)}
	case OpHarvest:
		p := s.Players[effect.Player]
		node := s.Entities[effect.Entity]
		amount := min(effect.Amount, node.Remaining)
		node.Remaining -= amount
		p.Resources = p.Resources.Add(NodeYield(node.Kind, amount))
		deltas := make([]Delta, 0, 2)
		if node.Remaining == 0 {
			s.RemoveEntity(node.ID)
			deltas = append(deltas, Delta{Kind: DeltaEntityRemoved, EntityID: node.ID})
		} else {
			deltas = append(deltas, Delta{Kind: DeltaEntityUpdated, EntityID: node.ID, Field: "remaining", Value: node.Remaining})
		}
		return append(deltas, resourcesDelta(p))
	case OpSpawn:
		id := s.PlaceEntity(Entity{Kind: effect.Kind, Owner: effect.Player, Position: effect.Position, Remaining: effect.Amount})
		return []Delta{{Kind: DeltaEntityCreated, EntityID: id, PlayerID: effect.Player, Value: s.Entities[id].clone()}}
	case OpMarkScouted:
		entity := s.Entities[effect.Entity]
		if !entity.ScoutedByPlayer(effect.Player) {
			entity.ScoutedBy = append(entity.ScoutedBy, effect.Player)
		}
		return []Delta{{Kind: DeltaEntityUpdated, EntityID: entity.ID, PlayerID: effect.Player, Field: "scouted_by", Value: append([]PlayerID(nil), entity.ScoutedBy...)}}
	}
	return nil
}

// NodeYield converts a harvested amount into the resource the node produces.
func NodeYield(kind EntityKind, amount int64) Resources {
	switch kind {
	case KindWoodNode:
		return Resources{Lumber: amount}
	case KindOreNode:
		return Resources{Ore: amount}
	case KindFoodNode:
		return Resources{Food: amount}
	}
	return Resources{}
}

func resourcesDelta(p *Player) Delta {
	return Delta{Kind: DeltaPlayerUpdated, PlayerID: p.ID, Field: "resources", Value: p.Resources}
}

func committedDelta(p *Player) Delta {
	return Delta{Kind: DeltaPlayerUpdated, PlayerID: p.ID, Field: "committed", Value: p.Committed}
}
