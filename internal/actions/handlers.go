package actions

import (
	"errors"
	"fmt"

	"campfire/engine/internal/gameplay"
	"campfire/engine/internal/outcome"
	"campfire/engine/internal/world"
)

// Rejection reasons shared by every handler.
const (
	ReasonUnknownPlayer  = "unknown player"
	ReasonTargetMissing  = "target missing"
	ReasonInvalidTarget  = "invalid target"
	ReasonAlreadyScouted = "already scouted"
)

// NewDefaultResolver wires the five built-in handlers to the balance sheet.
func NewDefaultResolver(b gameplay.Balance) (*Resolver, error) {
	calc := outcome.New(b)
	var handlers []Handler
	for _, kind := range Kinds() {
		rule, ok := b.Rule(string(kind))
		if !ok {
			return nil, fmt.Errorf("balance has no rule for %q", kind)
		}
		switch kind {
		case KindSendLumber:
			handlers = append(handlers, NewSendLumber(calc, rule))
		case KindSendMiner:
			handlers = append(handlers, NewSendMiner(calc, rule))
		case KindSendFarm:
			handlers = append(handlers, NewSendFarm(calc, rule))
		case KindSendScout:
			handlers = append(handlers, NewSendScout(calc, rule))
		case KindStartCampfire:
			handlers = append(handlers, NewStartCampfire(calc, rule))
		}
	}
	return NewResolver(handlers...)
}

// lookup loads the actor and target for a request and checks the target kind.
func lookup(view world.View, req Request, kind world.EntityKind) (world.Player, world.Entity, error) {
	player, ok := view.Player(req.PlayerID)
	if !ok {
		return world.Player{}, world.Entity{}, reject(ReasonUnknownPlayer)
	}
	target, ok := view.Entity(req.Payload.TargetID)
	if !ok {
		return world.Player{}, world.Entity{}, reject(ReasonTargetMissing)
	}
	if target.Kind != kind {
		return world.Player{}, world.Entity{}, reject(ReasonInvalidTarget)
	}
	return player, target, nil
}

// asRejection converts calculator failures into the rejection surfaced to players.
func asRejection(err error) error {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return err
	}
	return reject(err.Error())
}

func dispatchEffects(req Request, target world.Entity, out outcome.Outcome) []world.Effect {
	return []world.Effect{
		{Op: world.OpRequirePlayer, Player: req.PlayerID},
		{Op: world.OpRequireEntity, Entity: target.ID, Kind: target.Kind},
		{Op: world.OpDebit, Player: req.PlayerID, Resources: out.Cost},
		{Op: world.OpCommitUnits, Player: req.PlayerID, Units: out.Units},
	}
}

func recallEffects(req Request, units int) []world.Effect {
	return []world.Effect{{Op: world.OpReleaseUnits, Player: req.PlayerID, Units: units}}
}

// gatherHandler sends workers on a round trip to harvest one node kind.
type gatherHandler struct {
	kind Kind
	node world.EntityKind
	rule gameplay.ActionRule
	calc outcome.Calculator
}

// NewSendLumber harvests wood nodes for lumber.
func NewSendLumber(calc outcome.Calculator, rule gameplay.ActionRule) Handler {
	return &gatherHandler{kind: KindSendLumber, node: world.KindWoodNode, rule: rule, calc: calc}
}

// NewSendMiner harvests ore nodes for ore.
func NewSendMiner(calc outcome.Calculator, rule gameplay.ActionRule) Handler {
	return &gatherHandler{kind: KindSendMiner, node: world.KindOreNode, rule: rule, calc: calc}
}

// NewSendFarm harvests food nodes for food.
func NewSendFarm(calc outcome.Calculator, rule gameplay.ActionRule) Handler {
	return &gatherHandler{kind: KindSendFarm, node: world.KindFoodNode, rule: rule, calc: calc}
}

func (h *gatherHandler) Kind() Kind { return h.kind }

func (h *gatherHandler) evaluate(view world.View, req Request) (world.Entity, outcome.Outcome, error) {
	player, node, err := lookup(view, req, h.node)
	if err != nil {
		return world.Entity{}, outcome.Outcome{}, err
	}
	out, err := h.calc.Gather(h.rule, player, node, req.Payload.Units)
	if err != nil {
		return world.Entity{}, outcome.Outcome{}, asRejection(err)
	}
	return node, out, nil
}

func (h *gatherHandler) Validate(view world.View, req Request) error {
	_, _, err := h.evaluate(view, req)
	return err
}

func (h *gatherHandler) BuildCompletion(view world.View, req Request) (Plan, error) {
	node, out, err := h.evaluate(view, req)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		CompleteAt: req.SubmittedAtTick + out.Duration,
		Dispatch:   dispatchEffects(req, node, out),
		Complete: []world.Effect{
			{Op: world.OpHarvest, Player: req.PlayerID, Entity: node.ID, Amount: out.Yield},
			{Op: world.OpReleaseUnits, Player: req.PlayerID, Units: out.Units},
		},
		Recall: recallEffects(req, out.Units),
	}, nil
}

// scoutHandler surveys a scout tower for the sending player.
type scoutHandler struct {
	rule gameplay.ActionRule
	calc outcome.Calculator
}

// NewSendScout marks a scout tower as surveyed once the scouts arrive.
func NewSendScout(calc outcome.Calculator, rule gameplay.ActionRule) Handler {
	return &scoutHandler{rule: rule, calc: calc}
}

func (h *scoutHandler) Kind() Kind { return KindSendScout }

func (h *scoutHandler) evaluate(view world.View, req Request) (world.Entity, outcome.Outcome, error) {
	player, tower, err := lookup(view, req, world.KindScoutTower)
	if err != nil {
		return world.Entity{}, outcome.Outcome{}, err
	}
	if tower.ScoutedByPlayer(req.PlayerID) {
		return world.Entity{}, outcome.Outcome{}, reject(ReasonAlreadyScouted)
	}
	out, err := h.calc.Scout(h.rule, player, tower, req.Payload.Units)
	if err != nil {
		return world.Entity{}, outcome.Outcome{}, asRejection(err)
	}
	return tower, out, nil
}

func (h *scoutHandler) Validate(view world.View, req Request) error {
	_, _, err := h.evaluate(view, req)
	return err
}

func (h *scoutHandler) BuildCompletion(view world.View, req Request) (Plan, error) {
	tower, out, err := h.evaluate(view, req)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		CompleteAt: req.SubmittedAtTick + out.Duration,
		Dispatch:   dispatchEffects(req, tower, out),
		Complete: []world.Effect{
			{Op: world.OpMarkScouted, Player: req.PlayerID, Entity: tower.ID, Kind: world.KindScoutTower},
			{Op: world.OpReleaseUnits, Player: req.PlayerID, Units: out.Units},
		},
		Recall: recallEffects(req, out.Units),
	}, nil
}

// campfireHandler builds a campfire beside a wood node.
type campfireHandler struct {
	rule gameplay.ActionRule
	calc outcome.Calculator
}

// NewStartCampfire spawns a player-owned campfire at a wood node and credits heat.
func NewStartCampfire(calc outcome.Calculator, rule gameplay.ActionRule) Handler {
	return &campfireHandler{rule: rule, calc: calc}
}

func (h *campfireHandler) Kind() Kind { return KindStartCampfire }

func (h *campfireHandler) evaluate(view world.View, req Request) (world.Entity, outcome.Outcome, error) {
	player, site, err := lookup(view, req, world.KindWoodNode)
	if err != nil {
		return world.Entity{}, outcome.Outcome{}, err
	}
	out, err := h.calc.Campfire(h.rule, player, site, req.Payload.Units)
	if err != nil {
		return world.Entity{}, outcome.Outcome{}, asRejection(err)
	}
	return site, out, nil
}

func (h *campfireHandler) Validate(view world.View, req Request) error {
	_, _, err := h.evaluate(view, req)
	return err
}

func (h *campfireHandler) BuildCompletion(view world.View, req Request) (Plan, error) {
	site, out, err := h.evaluate(view, req)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		CompleteAt: req.SubmittedAtTick + out.Duration,
		Dispatch:   dispatchEffects(req, site, out),
		Complete: []world.Effect{
			{Op: world.OpRequireEntity, Entity: site.ID, Kind: world.KindWoodNode},
			{Op: world.OpSpawn, Player: req.PlayerID, Kind: world.KindCampfire, Position: site.Position},
			{Op: world.OpCredit, Player: req.PlayerID, Resources: world.Resources{Heat: out.Yield}},
			{Op: world.OpReleaseUnits, Player: req.PlayerID, Units: out.Units},
		},
		Recall: recallEffects(req, out.Units),
	}, nil
}
