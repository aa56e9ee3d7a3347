package outcome

import (
	"errors"
	"testing"

	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/world"
)

func testBalance() gameplay.Balance {
	b := gameplay.Default()
	b.TravelSpeed = 2
	b.MaxUnitsPerAction = 10
	return b
}

func TestTravelTicksRoundsUp(t *testing.T) {
	calc := New(testBalance())
	cases := []struct {
		to   world.Position
		want uint64
	}{
		{world.Position{X: 0, Y: 0}, 0},
		{world.Position{X: 1, Y: 0}, 1},
		{world.Position{X: 2, Y: 0}, 1},
		{world.Position{X: 3, Y: 2}, 3},
		{world.Position{X: -4, Y: 0}, 2},
	}
	for _, tc := range cases {
		if got := calc.TravelTicks(world.Position{}, tc.to); got != tc.want {
			t.Fatalf("TravelTicks(%+v) = %d, want %d", tc.to, got, tc.want)
		}
	}
}

func TestGatherComputesRoundTripAndCappedYield(t *testing.T) {
	calc := New(testBalance())
	rule := gameplay.ActionRule{CostPerUnit: world.Resources{Lumber: 1}, WorkTicks: 3, YieldPerUnit: 5}
	player := world.Player{Units: 4, Resources: world.Resources{Lumber: 10}}
	node := world.Entity{Kind: world.KindWoodNode, Position: world.Position{X: 4, Y: 0}, Remaining: 12}

	out, err := calc.Gather(rule, player, node, 3)
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	if out.Travel != 2 || out.Duration != 7 {
		t.Fatalf("unexpected timing: travel=%d duration=%d", out.Travel, out.Duration)
	}
	if out.Cost != (world.Resources{Lumber: 3}) {
		t.Fatalf("unexpected cost %+v", out.Cost)
	}
	if out.Yield != 12 {
		t.Fatalf("expected yield capped at node remaining 12, got %d", out.Yield)
	}
}

func TestDispatchRejections(t *testing.T) {
	calc := New(testBalance())
	rule := gameplay.ActionRule{CostPerUnit: world.Resources{Lumber: 1}, WorkTicks: 1, YieldPerUnit: 1}
	node := world.Entity{Kind: world.KindWoodNode, Remaining: 5}

	cases := []struct {
		name   string
		player world.Player
		units  int
		want   error
	}{
		{"zero units", world.Player{Units: 5, Resources: world.Resources{Lumber: 5}}, 0, ErrInvalidUnits},
		{"over cap", world.Player{Units: 50, Resources: world.Resources{Lumber: 50}}, 11, ErrInvalidUnits},
		{"busy workers", world.Player{Units: 5, Committed: 4, Resources: world.Resources{Lumber: 5}}, 2, ErrInsufficientWorkers},
		{"empty stockpile", world.Player{Units: 5}, 1, ErrInsufficientResources},
	}
	for _, tc := range cases {
		if _, err := calc.Gather(rule, tc.player, node, tc.units); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	depleted := world.Entity{Kind: world.KindWoodNode}
	if _, err := calc.Gather(rule, world.Player{Units: 1, Resources: world.Resources{Lumber: 1}}, depleted, 1); !errors.Is(err, ErrTargetDepleted) {
		t.Fatalf("expected depleted error, got %v", err)
	}
}

func TestScoutAndCampfireAreOneWay(t *testing.T) {
	b := testBalance()
	b.TravelSpeed = 1
	calc := New(b)
	player := world.Player{Units: 3, Resources: world.Resources{Lumber: 20, Food: 5}}
	target := world.Entity{Position: world.Position{X: 0, Y: 4}}

	scout, err := calc.Scout(gameplay.ActionRule{Cost: world.Resources{Food: 2}, WorkTicks: 1}, player, target, 1)
	if err != nil {
		t.Fatalf("Scout returned error: %v", err)
	}
	if scout.Duration != 5 {
		t.Fatalf("expected scout duration 5, got %d", scout.Duration)
	}

	fire, err := calc.Campfire(gameplay.ActionRule{Cost: world.Resources{Lumber: 10}, WorkTicks: 6, YieldPerUnit: 3}, player, target, 2)
	if err != nil {
		t.Fatalf("Campfire returned error: %v", err)
	}
	if fire.Duration != 10 || fire.Yield != 6 || fire.Cost != (world.Resources{Lumber: 10}) {
		t.Fatalf("unexpected campfire outcome %+v", fire)
	}
}

func TestCalculatorIsDeterministic(t *testing.T) {
	calc := New(testBalance())
	rule, _ := gameplay.Default().Rule("send_miner")
	player := world.Player{Units: 10, Resources: world.Resources{Food: 100}, Base: world.Position{X: 3, Y: 9}}
	node := world.Entity{Kind: world.KindOreNode, Position: world.Position{X: 40, Y: 17}, Remaining: 300}

	first, err := calc.Gather(rule, player, node, 7)
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	for i := 0; i < 100; i++ {
		again, _ := calc.Gather(rule, player, node, 7)
		if again != first {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}
