// Package outcome holds the pure formulas that turn an action's inputs into
// its duration, cost and yield. Nothing here reads clocks, randomness or
// shared state.
package outcome

import (
	"errors"

	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/world"
)

var (
	// ErrInvalidUnits reports a unit count outside 1..MaxUnitsPerAction.
	ErrInvalidUnits = errors.New("invalid unit count")
	// ErrInsufficientWorkers reports more units than the player has idle.
	ErrInsufficientWorkers = errors.New("insufficient workers")
	// ErrInsufficientResources reports a cost the stockpile cannot cover.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrTargetDepleted reports a resource node with nothing left to draw.
	ErrTargetDepleted = errors.New("target depleted")
)

// Outcome is the evaluated effect of one action.
type Outcome struct {
	Travel   uint64
	Duration uint64
	Cost     world.Resources
	Yield    int64
	Units    int
}

// Calculator evaluates actions against a fixed balance sheet.
type Calculator struct {
	balance gameplay.Balance
}

// New builds a calculator for the supplied balance.
func New(b gameplay.Balance) Calculator {
	return Calculator{balance: b}
}

// Distance is the Manhattan distance between two tiles.
func Distance(a, b world.Position) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

// TravelTicks is the whole number of ticks needed to cover the distance
// between from and to at the balance travel speed.
func (c Calculator) TravelTicks(from, to world.Position) uint64 {
	speed := c.balance.TravelSpeed
	if speed <= 0 {
		speed = 1
	}
	d := Distance(from, to)
	return uint64((d + speed - 1) / speed)
}

// Cost returns the dispatch cost of sending units under rule.
func Cost(rule gameplay.ActionRule, units int) world.Resources {
	return rule.Cost.Add(rule.CostPerUnit.Scale(int64(units)))
}

// Gather evaluates a round trip to a resource node: walk out, work, walk back.
// The yield is capped by what the node still holds.
func (c Calculator) Gather(rule gameplay.ActionRule, player world.Player, node world.Entity, units int) (Outcome, error) {
	out, err := c.dispatch(rule, player, units)
	if err != nil {
		return Outcome{}, err
	}
	if node.Remaining <= 0 {
		return Outcome{}, ErrTargetDepleted
	}
	out.Travel = c.TravelTicks(player.Base, node.Position)
	out.Duration = 2*out.Travel + rule.WorkTicks
	out.Yield = min(int64(units)*rule.YieldPerUnit, node.Remaining)
	return out, nil
}

// Scout evaluates a one-way trip ending when the scouts arrive and finish
// surveying the tower.
func (c Calculator) Scout(rule gameplay.ActionRule, player world.Player, tower world.Entity, units int) (Outcome, error) {
	out, err := c.dispatch(rule, player, units)
	if err != nil {
		return Outcome{}, err
	}
	out.Travel = c.TravelTicks(player.Base, tower.Position)
	out.Duration = out.Travel + rule.WorkTicks
	return out, nil
}

// Campfire evaluates building a fire at a site. Heat scales with the builders.
func (c Calculator) Campfire(rule gameplay.ActionRule, player world.Player, site world.Entity, units int) (Outcome, error) {
	out, err := c.dispatch(rule, player, units)
	if err != nil {
		return Outcome{}, err
	}
	out.Travel = c.TravelTicks(player.Base, site.Position)
	out.Duration = out.Travel + rule.WorkTicks
	out.Yield = int64(units) * rule.YieldPerUnit
	return out, nil
}

func (c Calculator) dispatch(rule gameplay.ActionRule, player world.Player, units int) (Outcome, error) {
	//1.- Bound the party size before touching any arithmetic that scales with it.
	if units <= 0 || units > c.balance.MaxUnitsPerAction {
		return Outcome{}, ErrInvalidUnits
	}
	//2.- Only idle workers can be sent.
	if units > player.Idle() {
		return Outcome{}, ErrInsufficientWorkers
	}
	//3.- The stockpile must cover the full dispatch cost.
	cost := Cost(rule, units)
	if !player.Resources.Covers(cost) {
		return Outcome{}, ErrInsufficientResources
	}
	return Outcome{Cost: cost, Units: units}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
