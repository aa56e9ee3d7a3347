package gameplay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	_ "embed"

	"gopkg.in/yaml.v3"

	"campfire/engine/internal/world"
)

// ActionRule tunes one action kind.
type ActionRule struct {
	Cost         world.Resources `json:"cost" yaml:"cost"`
	CostPerUnit  world.Resources `json:"cost_per_unit" yaml:"cost_per_unit"`
	WorkTicks    uint64          `json:"work_ticks" yaml:"work_ticks"`
	YieldPerUnit int64           `json:"yield_per_unit" yaml:"yield_per_unit"`
}

// WorldGen sizes the generated map.
type WorldGen struct {
	Width       int   `json:"width" yaml:"width"`
	Height      int   `json:"height" yaml:"height"`
	WoodNodes   int   `json:"wood_nodes" yaml:"wood_nodes"`
	OreNodes    int   `json:"ore_nodes" yaml:"ore_nodes"`
	FoodNodes   int   `json:"food_nodes" yaml:"food_nodes"`
	ScoutTowers int   `json:"scout_towers" yaml:"scout_towers"`
	NodeAmount  int64 `json:"node_amount" yaml:"node_amount"`
}

// StartingKit is what every joining player receives.
type StartingKit struct {
	Units     int             `json:"units" yaml:"units"`
	Resources world.Resources `json:"resources" yaml:"resources"`
}

// Balance captures every tunable number of the simulation.
type Balance struct {
	Seed              int64                 `json:"seed" yaml:"seed"`
	TravelSpeed       int                   `json:"travel_speed" yaml:"travel_speed"`
	MaxUnitsPerAction int                   `json:"max_units_per_action" yaml:"max_units_per_action"`
	World             WorldGen              `json:"world" yaml:"world"`
	Start             StartingKit           `json:"start" yaml:"start"`
	Actions           map[string]ActionRule `json:"actions" yaml:"actions"`
}

// Rule returns the tuning for the named action kind.
func (b Balance) Rule(kind string) (ActionRule, bool) {
	rule, ok := b.Actions[kind]
	return rule, ok
}

// Validate reports every malformed value at once.
func (b Balance) Validate() error {
	var problems []string
	if b.TravelSpeed <= 0 {
		problems = append(problems, "travel_speed must be positive")
	}
	if b.MaxUnitsPerAction <= 0 {
		problems = append(problems, "max_units_per_action must be positive")
	}
	if b.World.Width <= 0 || b.World.Height <= 0 {
		problems = append(problems, "world width and height must be positive")
	}
	if b.World.NodeAmount <= 0 {
		problems = append(problems, "world.node_amount must be positive")
	}
	if b.World.WoodNodes < 0 || b.World.OreNodes < 0 || b.World.FoodNodes < 0 || b.World.ScoutTowers < 0 {
		problems = append(problems, "world node counts must not be negative")
	}
	if b.Start.Units < 0 || b.Start.Resources.Negative() {
		problems = append(problems, "start kit must not be negative")
	}
	for kind, rule := range b.Actions {
		if rule.Cost.Negative() || rule.CostPerUnit.Negative() || rule.YieldPerUnit < 0 {
			problems = append(problems, fmt.Sprintf("actions.%s must not carry negative values", kind))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func (b Balance) clone() Balance {
	out := b
	out.Actions = make(map[string]ActionRule, len(b.Actions))
	for kind, rule := range b.Actions {
		out.Actions[kind] = rule
	}
	return out
}

//go:embed balance.yaml
var defaultPayload []byte

var (
	defaultOnce    sync.Once
	defaultBalance Balance
	defaultErr     error
)

// Default exposes the embedded balance sheet.
func Default() Balance {
	defaultOnce.Do(func() {
		//1.- Parse the embedded YAML payload exactly once in a threadsafe manner.
		defaultErr = decode(defaultPayload, &defaultBalance)
		if defaultErr == nil {
			defaultErr = defaultBalance.Validate()
		}
	})
	//2.- Panic immediately when the embedded sheet is broken to avoid silent divergence.
	if defaultErr != nil {
		panic(defaultErr)
	}
	//3.- Return a copy so callers cannot mutate the shared defaults.
	return defaultBalance.clone()
}

// Load overlays the YAML file at path on top of the defaults. An empty path
// returns the defaults. Action rules present in the file replace the default
// rule for that kind as a whole.
func Load(path string) (Balance, error) {
	base := Default()
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Balance{}, fmt.Errorf("read balance: %w", err)
	}
	if err := decode(raw, &base); err != nil {
		return Balance{}, fmt.Errorf("decode balance %s: %w", path, err)
	}
	if err := base.Validate(); err != nil {
		return Balance{}, fmt.Errorf("invalid balance %s: %w", path, err)
	}
	return base, nil
}

func decode(raw []byte, out *Balance) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
