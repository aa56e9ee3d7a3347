package gameplay

import (
	"math/rand/v2"

	"campfire/engine/internal/world"
)

// NewWorld lays out the neutral map for the balance seed. The same balance
// always produces the same entities with the same ids.
func NewWorld(b Balance) *world.State {
	state := world.NewState()
	rng := rand.New(rand.NewPCG(uint64(b.Seed), uint64(b.Seed)^0x9e3779b97f4a7c15))
	occupied := make(map[world.Position]struct{})
	for i := 0; i < spawnSlots; i++ {
		occupied[SpawnPoint(b, i)] = struct{}{}
	}

	place := func(kind world.EntityKind, count int, remaining int64) {
		for i := 0; i < count; i++ {
			//1.- Draw candidate tiles until an unoccupied one turns up; the map is sized far larger than the node count.
			var pos world.Position
			for attempt := 0; attempt < 64; attempt++ {
				pos = world.Position{X: rng.IntN(b.World.Width), Y: rng.IntN(b.World.Height)}
				if _, taken := occupied[pos]; !taken {
					break
				}
			}
			occupied[pos] = struct{}{}
			//2.- Register the entity so ids follow placement order.
			state.PlaceEntity(world.Entity{Kind: kind, Position: pos, Remaining: remaining})
		}
	}

	place(world.KindWoodNode, b.World.WoodNodes, b.World.NodeAmount)
	place(world.KindOreNode, b.World.OreNodes, b.World.NodeAmount)
	place(world.KindFoodNode, b.World.FoodNodes, b.World.NodeAmount)
	place(world.KindScoutTower, b.World.ScoutTowers, 0)
	return state
}

const spawnSlots = 8

// SpawnPoint returns the base tile for the index-th joining player. Slots
// cycle around the map edge so early players spread out.
func SpawnPoint(b Balance, index int) world.Position {
	w, h := b.World.Width-1, b.World.Height-1
	slots := [spawnSlots]world.Position{
		{X: 0, Y: 0},
		{X: w, Y: h},
		{X: w, Y: 0},
		{X: 0, Y: h},
		{X: w / 2, Y: 0},
		{X: w / 2, Y: h},
		{X: 0, Y: h / 2},
		{X: w, Y: h / 2},
	}
	if index < 0 {
		index = -index
	}
	return slots[index%spawnSlots]
}

// NewPlayer equips a joining player with the starting kit.
func NewPlayer(b Balance, id world.PlayerID, name string, index int) world.Player {
	return world.Player{
		ID:        id,
		Name:      name,
		Base:      SpawnPoint(b, index),
		Resources: b.Start.Resources,
		Units:     b.Start.Units,
	}
}
