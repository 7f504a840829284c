// Package engine implements the trailing-stop decision logic: given a
// position snapshot after a price update, it computes the desired stop
// trigger and decides whether a broker request is warranted. The engine is
// pure policy: it never talks to the broker or mutates tracker state.
package engine

import (
	"context"
	"fmt"
	"strings"

	"trailstopbot/config"
	"trailstopbot/internal/domain"
	"trailstopbot/internal/ports"
)

// Action describes what the caller should do with the engine's decision.
type Action string

const (
	// ActionNone means the stop is already where policy wants it.
	ActionNone Action = "none"
	// ActionPlace means the position has no live stop and one should be submitted.
	ActionPlace Action = "place"
	// ActionModify means the live stop's trigger should be revised upward
	// (long) or downward (short) to the decision's Trigger.
	ActionModify Action = "modify"
)

// Decision is the engine's verdict for one position after one price update.
type Decision struct {
	Action  Action
	Trigger float64 // Desired trigger price; meaningful for Place and Modify
}

// Engine computes trailing-stop adjustments per position.
type Engine struct {
	defaults  config.TrailParams
	overrides map[string]config.TrailParams
	logger    ports.Logger
}

// New creates an engine with a validated global policy and optional
// per-symbol overrides.
func New(defaults config.TrailParams, overrides map[string]config.TrailParams, logger ports.Logger) (*Engine, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for engine")
	}
	if err := config.ValidateTrailParams(defaults); err != nil {
		return nil, fmt.Errorf("%w: default trailing policy: %v", ports.ErrConfiguration, err)
	}
	for symbol, p := range overrides {
		if err := config.ValidateTrailParams(p); err != nil {
			return nil, fmt.Errorf("%w: trailing override for %s: %v", ports.ErrConfiguration, symbol, err)
		}
	}
	return &Engine{defaults: defaults, overrides: overrides, logger: logger}, nil
}

// ParamsFor resolves the trailing policy for a symbol. Overrides win over the
// global default.
func (e *Engine) ParamsFor(symbol string) config.TrailParams {
	if p, ok := e.overrides[strings.ToUpper(symbol)]; ok {
		return p
	}
	return e.defaults
}

// distance returns the trail distance in price units, resolving percent
// policies against the favorable extremum.
func distance(p config.TrailParams, extremum float64) float64 {
	if p.Percent > 0 {
		return extremum * p.Percent / 100
	}
	return p.Distance
}

// candidate computes the policy-desired trigger for a position.
func candidate(pos *domain.Position, p config.TrailParams) float64 {
	d := distance(p, pos.Extremum)
	if pos.Side == domain.Long {
		return pos.Extremum - d
	}
	return pos.Extremum + d
}

// Evaluate decides whether the stop for pos should be placed or revised.
//
// The one invariant the engine exists to enforce: it never proposes a trigger
// that moves against the holder, so a transient price dip can never loosen
// the stop. A market price at or through the current trigger is treated as a
// pending fill (the broker's acknowledgment is authoritative) and produces
// no adjustment.
func (e *Engine) Evaluate(ctx context.Context, pos *domain.Position) (Decision, error) {
	none := Decision{Action: ActionNone}
	if pos == nil {
		return none, fmt.Errorf("%w: nil position", ports.ErrInvalidRequest)
	}

	switch pos.State {
	case domain.StateAdjusting:
		// A modify is already in flight; never stack a second one.
		return none, nil
	case domain.StateHalted, domain.StateClosed:
		return none, nil
	}

	p := e.ParamsFor(pos.Symbol)
	if err := config.ValidateTrailParams(p); err != nil {
		return none, fmt.Errorf("%w: no usable trailing policy for %s: %v", ports.ErrConfiguration, pos.Symbol, err)
	}

	if pos.CrossesStop(pos.LastPrice) {
		e.logger.Debug(ctx, "Price at or through stop trigger, deferring to broker fill", map[string]interface{}{
			"symbol": pos.Symbol, "price": pos.LastPrice, "trigger": pos.Stop.TriggerPrice,
		})
		return none, nil
	}

	want := candidate(pos, p)

	if pos.Stop == nil || !pos.Stop.IsLive() || pos.Stop.TriggerPrice == 0 {
		return Decision{Action: ActionPlace, Trigger: want}, nil
	}

	current := pos.Stop.TriggerPrice
	var improvement float64
	if pos.Side == domain.Long {
		improvement = want - current
	} else {
		improvement = current - want
	}

	minStep := p.MinStep
	if minStep <= 0 {
		// Zero step would re-issue on float noise; require any strictly
		// positive improvement instead.
		minStep = 1e-9
	}
	if improvement < minStep {
		return none, nil
	}

	return Decision{Action: ActionModify, Trigger: want}, nil
}
