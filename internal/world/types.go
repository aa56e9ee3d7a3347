package world

import "sort"

// PlayerID identifies a participant in the world.
type PlayerID string

// EntityID identifies units, buildings and resource nodes. Zero is never assigned.
type EntityID uint64

// EntityKind classifies an entity.
type EntityKind string

const (
	KindWoodNode   EntityKind = "wood_node"
	KindOreNode    EntityKind = "ore_node"
	KindFoodNode   EntityKind = "food_node"
	KindScoutTower EntityKind = "scout_tower"
	KindCampfire   EntityKind = "campfire"
)

// IsResourceNode reports whether the kind can be harvested.
func (k EntityKind) IsResourceNode() bool {
	switch k {
	case KindWoodNode, KindOreNode, KindFoodNode:
		return true
	}
	return false
}

// Position is a tile coordinate on the map.
type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Resources holds a player's stockpile. Every field stays non-negative.
type Resources struct {
	Lumber int64 `json:"lumber" yaml:"lumber"`
	Ore    int64 `json:"ore" yaml:"ore"`
	Food   int64 `json:"food" yaml:"food"`
	Heat   int64 `json:"heat" yaml:"heat"`
}

// Add returns the element-wise sum.
func (r Resources) Add(o Resources) Resources {
	return Resources{Lumber: r.Lumber + o.Lumber, Ore: r.Ore + o.Ore, Food: r.Food + o.Food, Heat: r.Heat + o.Heat}
}

// Sub returns the element-wise difference.
func (r Resources) Sub(o Resources) Resources {
	return Resources{Lumber: r.Lumber - o.Lumber, Ore: r.Ore - o.Ore, Food: r.Food - o.Food, Heat: r.Heat - o.Heat}
}

// Scale multiplies every field by n.
func (r Resources) Scale(n int64) Resources {
	return Resources{Lumber: r.Lumber * n, Ore: r.Ore * n, Food: r.Food * n, Heat: r.Heat * n}
}

// Covers reports whether r holds at least cost in every field.
func (r Resources) Covers(cost Resources) bool {
	return r.Lumber >= cost.Lumber && r.Ore >= cost.Ore && r.Food >= cost.Food && r.Heat >= cost.Heat
}

// IsZero reports whether every field is zero.
func (r Resources) IsZero() bool { return r == Resources{} }

// Negative reports whether any field is below zero.
func (r Resources) Negative() bool {
	return r.Lumber < 0 || r.Ore < 0 || r.Food < 0 || r.Heat < 0
}

// Player is a participant and the workers and stockpile they control.
type Player struct {
	ID        PlayerID   `json:"id"`
	Name      string     `json:"name"`
	Base      Position   `json:"base"`
	Resources Resources  `json:"resources"`
	Units     int        `json:"units"`
	Committed int        `json:"committed"`
	Entities  []EntityID `json:"entities,omitempty"`
}

// Idle returns the workers available for a new dispatch.
func (p Player) Idle() int { return p.Units - p.Committed }

func (p *Player) clone() Player {
	c := *p
	c.Entities = append([]EntityID(nil), p.Entities...)
	return c
}

func (p *Player) own(id EntityID) {
	idx := sort.Search(len(p.Entities), func(i int) bool { return p.Entities[i] >= id })
	if idx < len(p.Entities) && p.Entities[idx] == id {
		return
	}
	p.Entities = append(p.Entities, 0)
	copy(p.Entities[idx+1:], p.Entities[idx:])
	p.Entities[idx] = id
}

func (p *Player) disown(id EntityID) {
	idx := sort.Search(len(p.Entities), func(i int) bool { return p.Entities[i] >= id })
	if idx < len(p.Entities) && p.Entities[idx] == id {
		p.Entities = append(p.Entities[:idx], p.Entities[idx+1:]...)
	}
}

// Entity is anything placed on the map.
type Entity struct {
	ID        EntityID   `json:"id"`
	Kind      EntityKind `json:"kind"`
	Owner     PlayerID   `json:"owner,omitempty"`
	Position  Position   `json:"position"`
	Remaining int64      `json:"remaining,omitempty"`
	ScoutedBy []PlayerID `json:"scouted_by,omitempty"`
}

func (e *Entity) clone() Entity {
	c := *e
	c.ScoutedBy = append([]PlayerID(nil), e.ScoutedBy...)
	return c
}

// ScoutedByPlayer reports whether id has already scouted the entity.
func (e Entity) ScoutedByPlayer(id PlayerID) bool {
	for _, existing := range e.ScoutedBy {
		if existing == id {
			return true
		}
	}
	return false
}
