package main

import (
	"encoding/json"
	"net/http"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/world"
)

// ActionDoc describes one action kind and its current tuning so clients can
// render costs and durations without hard-coding the balance sheet.
type ActionDoc struct {
	Kind         actions.Kind     `json:"kind"`
	Label        string           `json:"label"`
	Description  string           `json:"description"`
	Target       world.EntityKind `json:"target"`
	Cost         world.Resources  `json:"cost"`
	CostPerUnit  world.Resources  `json:"cost_per_unit"`
	WorkTicks    uint64           `json:"work_ticks"`
	YieldPerUnit int64            `json:"yield_per_unit"`
	MaxUnits     int              `json:"max_units"`
}

var actionCopy = map[actions.Kind]struct {
	label, description string
	target             world.EntityKind
}{
	actions.KindSendLumber:    {"Send Lumberjacks", "Dispatch workers to a wood node; they return with lumber.", world.KindWoodNode},
	actions.KindSendMiner:     {"Send Miners", "Dispatch workers to an ore node; they return with ore.", world.KindOreNode},
	actions.KindSendScout:     {"Send Scouts", "Climb a scout tower to reveal it for your player.", world.KindScoutTower},
	actions.KindSendFarm:      {"Send Farmers", "Dispatch workers to a food node; they return with food.", world.KindFoodNode},
	actions.KindStartCampfire: {"Start Campfire", "Build a campfire beside a wood node and gain heat.", world.KindWoodNode},
}

// buildActionCatalog joins the fixed action copy with the loaded balance.
func buildActionCatalog(b gameplay.Balance) []ActionDoc {
	docs := make([]ActionDoc, 0, len(actions.Kinds()))
	for _, kind := range actions.Kinds() {
		rule, ok := b.Rule(string(kind))
		if !ok {
			continue
		}
		text := actionCopy[kind]
		docs = append(docs, ActionDoc{
			Kind:         kind,
			Label:        text.label,
			Description:  text.description,
			Target:       text.target,
			Cost:         rule.Cost,
			CostPerUnit:  rule.CostPerUnit,
			WorkTicks:    rule.WorkTicks,
			YieldPerUnit: rule.YieldPerUnit,
			MaxUnits:     b.MaxUnitsPerAction,
		})
	}
	return docs
}

// registerActionCatalog serves the catalog as JSON. The slice is built once and
// never mutated, so concurrent requests share it.
func registerActionCatalog(mux *http.ServeMux, b gameplay.Balance) {
	docs := buildActionCatalog(b)
	mux.HandleFunc("GET /api/actions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(docs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
