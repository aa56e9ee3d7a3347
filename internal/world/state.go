package world

import (
	"fmt"
	"sort"
)

// State is the authoritative world. Only the store hands out a *State, and only
// inside Mutate.
type State struct {
	Tick     uint64
	Players  map[PlayerID]*Player
	Entities map[EntityID]*Entity

	lastEntityID EntityID
}

// NewState returns an empty world at tick zero.
func NewState() *State {
	return &State{
		Players:  make(map[PlayerID]*Player),
		Entities: make(map[EntityID]*Entity),
	}
}

// PlaceEntity assigns the next entity id and inserts the entity.
func (s *State) PlaceEntity(e Entity) EntityID {
	s.lastEntityID++
	e.ID = s.lastEntityID
	clone := e.clone()
	s.Entities[e.ID] = &clone
	if e.Owner != "" {
		if owner, ok := s.Players[e.Owner]; ok {
			owner.own(e.ID)
		}
	}
	return e.ID
}

// RemoveEntity deletes the entity and detaches it from its owner.
func (s *State) RemoveEntity(id EntityID) bool {
	entity, ok := s.Entities[id]
	if !ok {
		return false
	}
	if owner, ok := s.Players[entity.Owner]; ok {
		owner.disown(id)
	}
	delete(s.Entities, id)
	return true
}

// AddPlayer inserts a player; existing ids are left untouched.
func (s *State) AddPlayer(p Player) bool {
	if _, exists := s.Players[p.ID]; exists {
		return false
	}
	clone := p.clone()
	s.Players[p.ID] = &clone
	return true
}

// CheckInvariants reports the first structural corruption found.
func (s *State) CheckInvariants() error {
	for id, player := range s.Players {
		if player.ID != id {
			return fmt.Errorf("player key %q holds id %q", id, player.ID)
		}
		if player.Resources.Negative() {
			return fmt.Errorf("player %q has negative resources %+v", id, player.Resources)
		}
		if player.Committed < 0 || player.Committed > player.Units {
			return fmt.Errorf("player %q commits %d of %d workers", id, player.Committed, player.Units)
		}
		for _, owned := range player.Entities {
			entity, ok := s.Entities[owned]
			if !ok || entity.Owner != id {
				return fmt.Errorf("player %q lists entity %d it does not own", id, owned)
			}
		}
	}
	for id, entity := range s.Entities {
		if entity.ID != id || id == 0 || id > s.lastEntityID {
			return fmt.Errorf("entity key %d holds id %d", id, entity.ID)
		}
		if entity.Remaining < 0 {
			return fmt.Errorf("entity %d has negative remaining %d", id, entity.Remaining)
		}
	}
	return nil
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	out := &State{
		Tick:         s.Tick,
		Players:      make(map[PlayerID]*Player, len(s.Players)),
		Entities:     make(map[EntityID]*Entity, len(s.Entities)),
		lastEntityID: s.lastEntityID,
	}
	for id, p := range s.Players {
		clone := p.clone()
		out.Players[id] = &clone
	}
	for id, e := range s.Entities {
		clone := e.clone()
		out.Entities[id] = &clone
	}
	return out
}

// View is the read-only face of State handed to Read callbacks. Every accessor
// returns copies, so nothing obtained from a View aliases live state.
type View struct {
	state *State
}

// Tick returns the current tick counter.
func (v View) Tick() uint64 { return v.state.Tick }

// Player returns a copy of the player.
func (v View) Player(id PlayerID) (Player, bool) {
	p, ok := v.state.Players[id]
	if !ok {
		return Player{}, false
	}
	return p.clone(), true
}

// Entity returns a copy of the entity.
func (v View) Entity(id EntityID) (Entity, bool) {
	e, ok := v.state.Entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// PlayerCount returns the number of joined players.
func (v View) PlayerCount() int { return len(v.state.Players) }

// Players lists copies of every player ordered by id.
func (v View) Players() []Player {
	out := make([]Player, 0, len(v.state.Players))
	for _, p := range v.state.Players {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entities lists copies of every entity ordered by id.
func (v View) Entities() []Entity {
	out := make([]Entity, 0, len(v.state.Entities))
	for _, e := range v.state.Entities {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ViewOf wraps a state that the caller exclusively owns, such as one under Mutate or a Clone.
func ViewOf(s *State) View { return View{state: s} }
