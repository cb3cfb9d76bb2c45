/*
multiplier.go - Achievement percentage to payout multiplier

PURPOSE:
  Maps an achievement percentage to a payout multiplier according to the
  metric's logic type:

  Linear:              multiplier = achievement% / 100, unbounded above
                       unless the plan configures a cap
  Gated threshold:     0 below the gate, 1.0 at or above (binary)
  Stepped accelerator: band lookup in the metric's grid; achievement above
                       the top band clamps to the top band's multiplier

GRID RULES:
  Bands are ordered, half-open [min, max) ranges. At plan-configuration
  time the grid must cover every reachable achievement percentage from 0
  to the plan ceiling with no gaps and no overlaps. A runtime lookup that
  finds no band is a ConfigurationError - fail fast, never a silent skip.
*/
package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MULTIPLIER GRID
// =============================================================================

// MultiplierBand maps [MinPct, MaxPct) to a multiplier.
type MultiplierBand struct {
	MinPct     decimal.Decimal
	MaxPct     decimal.Decimal
	Multiplier decimal.Decimal
}

func NewBand(min, max, multiplier float64) MultiplierBand {
	return MultiplierBand{
		MinPct:     decimal.NewFromFloat(min),
		MaxPct:     decimal.NewFromFloat(max),
		Multiplier: decimal.NewFromFloat(multiplier),
	}
}

func (b MultiplierBand) contains(pct decimal.Decimal) bool {
	return pct.GreaterThanOrEqual(b.MinPct) && pct.LessThan(b.MaxPct)
}

// MultiplierGrid is the ordered band set owned by a stepped-accelerator metric.
type MultiplierGrid []MultiplierBand

// Validate checks contiguity and coverage of [0, ceiling].
func (g MultiplierGrid) Validate(ceiling decimal.Decimal) error {
	if len(g) == 0 {
		return fmt.Errorf("multiplier grid is empty")
	}

	sorted := make(MultiplierGrid, len(g))
	copy(sorted, g)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinPct.LessThan(sorted[j].MinPct) })

	if !sorted[0].MinPct.IsZero() {
		return fmt.Errorf("grid does not start at 0 (first band starts at %s)", sorted[0].MinPct)
	}
	for i, b := range sorted {
		if !b.MaxPct.GreaterThan(b.MinPct) {
			return fmt.Errorf("band [%s, %s) is empty or inverted", b.MinPct, b.MaxPct)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		switch {
		case b.MinPct.LessThan(prev.MaxPct):
			return fmt.Errorf("bands [%s, %s) and [%s, %s) overlap", prev.MinPct, prev.MaxPct, b.MinPct, b.MaxPct)
		case b.MinPct.GreaterThan(prev.MaxPct):
			return fmt.Errorf("gap between %s and %s", prev.MaxPct, b.MinPct)
		}
	}
	if sorted[len(sorted)-1].MaxPct.LessThan(ceiling) {
		return fmt.Errorf("grid ends at %s, below ceiling %s", sorted[len(sorted)-1].MaxPct, ceiling)
	}
	return nil
}

// top returns the band with the highest range.
func (g MultiplierGrid) top() MultiplierBand {
	best := g[0]
	for _, b := range g[1:] {
		if b.MaxPct.GreaterThan(best.MaxPct) {
			best = b
		}
	}
	return best
}

// Lookup resolves the multiplier for an achievement percentage. Achievement
// at or above the highest band's max clamps to that band's multiplier.
func (g MultiplierGrid) Lookup(achievementPct decimal.Decimal) (decimal.Decimal, bool) {
	if len(g) == 0 {
		return decimal.Zero, false
	}
	for _, b := range g {
		if b.contains(achievementPct) {
			return b.Multiplier, true
		}
	}
	if top := g.top(); achievementPct.GreaterThanOrEqual(top.MaxPct) {
		return top.Multiplier, true
	}
	return decimal.Zero, false
}

// =============================================================================
// MULTIPLIER RESOLUTION
// =============================================================================

// ResolveMultiplier maps an achievement percentage to a multiplier for a
// metric under its plan. Stepped grids with no matching band fail fast.
func ResolveMultiplier(plan CompPlan, metric PlanMetric, achievementPct decimal.Decimal) (decimal.Decimal, error) {
	switch metric.Logic {
	case LogicLinear:
		m := achievementPct.Div(decimal.NewFromInt(100))
		if plan.LinearCap != nil && m.GreaterThan(*plan.LinearCap) {
			m = *plan.LinearCap
		}
		return m, nil

	case LogicGatedThreshold:
		if metric.GatePct == nil {
			return decimal.Zero, &ConfigurationError{PlanID: plan.ID, MetricID: metric.ID, Reason: "gated_threshold metric missing gate threshold"}
		}
		if achievementPct.GreaterThanOrEqual(*metric.GatePct) {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil

	case LogicSteppedAccelerator:
		m, ok := metric.Grid.Lookup(achievementPct)
		if !ok {
			return decimal.Zero, &ConfigurationError{
				PlanID:   plan.ID,
				MetricID: metric.ID,
				Reason:   fmt.Sprintf("no multiplier band matches achievement %s%%", achievementPct),
			}
		}
		return m, nil

	default:
		return decimal.Zero, &ConfigurationError{PlanID: plan.ID, MetricID: metric.ID, Reason: fmt.Sprintf("unknown logic type %q", metric.Logic)}
	}
}
