/*
presets.go - Pre-built compensation plan configurations

PURPOSE:
  Provides ready-to-use plans for common sales roles. These are convenience
  builders that set up metrics, splits, commission rules, and clawback terms
  according to typical comp-design patterns.

AVAILABLE PLANS:
  AccountExecutivePlan: ARR-weighted with stepped accelerators, TCV gate,
                        managed-services commission, renewal multipliers
  SalesManagerPlan:     Team ARR linear with cap, collection-weighted splits
  CSMPlan:              Renewal-rate gated threshold, clawback exempt
  SpiffOnlyPlan:        No weighted metrics, deal-type spiffs only

CUSTOMIZATION:
  These are starting points. Real plan years usually adjust:
  - accelerator band boundaries and rates
  - tranche splits per metric
  - clawback window length
  - minimum deal value / margin gates on commission rules

EXAMPLE:
  p := plan.AccountExecutivePlan("ae-2026", 2026)
  if err := p.Validate(); err != nil { ... }
  store.SavePlan(ctx, p)

SEE ALSO:
  - plan.go: YAML-based plan loading
  - engine/plan.go: CompPlan type definition
*/
package plan

import (
	"github.com/shopspring/decimal"

	"github.com/warp/comp-engine/engine"
)

// =============================================================================
// COMMON PLANS
// =============================================================================

// AccountExecutivePlan returns a typical new-business AE plan: 70% new ARR
// on a stepped accelerator, 30% TCV behind a gate, plus a managed-services
// commission and term-scaled renewal credit.
func AccountExecutivePlan(id engine.PlanID, year int) engine.CompPlan {
	gate := decimal.NewFromInt(80)
	return engine.CompPlan{
		ID:                 id,
		Name:               "Account Executive",
		Year:               year,
		ClawbackWindowDays: 365,
		Metrics: []engine.PlanMetric{
			{
				ID:        "new-arr",
				PlanID:    id,
				Name:      "New ARR",
				WeightPct: decimal.NewFromInt(70),
				Basis:     engine.BasisARR,
				Logic:     engine.LogicSteppedAccelerator,
				Grid: engine.MultiplierGrid{
					engine.NewBand(0, 60, 0),
					engine.NewBand(60, 100, 0.8),
					engine.NewBand(100, 130, 1.2),
					engine.NewBand(130, 200, 1.5),
				},
				Split: engine.NewSplit(60, 30, 10),
			},
			{
				ID:        "tcv",
				PlanID:    id,
				Name:      "Total Contract Value",
				WeightPct: decimal.NewFromInt(30),
				Basis:     engine.BasisTCV,
				Logic:     engine.LogicGatedThreshold,
				GatePct:   &gate,
				Split:     engine.NewSplit(50, 40, 10),
			},
		},
		Commissions: []engine.PlanCommission{{
			ID:              "ms-commission",
			PlanID:          id,
			Name:            "Managed Services Commission",
			DealTypes:       []engine.DealType{engine.DealManagedServices},
			Basis:           engine.BasisManagedServices,
			RatePct:         decimal.NewFromFloat(2.0),
			MinDealValueUSD: decimal.NewFromInt(50000),
			Split:           engine.NewSplit(50, 50, 0),
		}},
		RenewalMultipliers: []engine.RenewalMultiplier{
			{TermYears: 1, Multiplier: decimal.NewFromFloat(0.5)},
			{TermYears: 3, Multiplier: decimal.NewFromFloat(0.75)},
		},
	}
}

// SalesManagerPlan returns a team-rollup plan: a single linear ARR metric
// capped at 3x, with collection-weighted timing.
func SalesManagerPlan(id engine.PlanID, year int) engine.CompPlan {
	cap := decimal.NewFromInt(3)
	return engine.CompPlan{
		ID:                 id,
		Name:               "Sales Manager",
		Year:               year,
		ClawbackWindowDays: 365,
		LinearCap:          &cap,
		Metrics: []engine.PlanMetric{{
			ID:        "team-arr",
			PlanID:    id,
			Name:      "Team ARR",
			WeightPct: decimal.NewFromInt(100),
			Basis:     engine.BasisARR,
			Logic:     engine.LogicLinear,
			Split:     engine.NewSplit(30, 60, 10),
		}},
	}
}

// CSMPlan returns a customer-success plan: gated renewal metric, clawback
// exempt because CSM pay is not booking-advanced.
func CSMPlan(id engine.PlanID, year int) engine.CompPlan {
	gate := decimal.NewFromInt(90)
	return engine.CompPlan{
		ID:             id,
		Name:           "Customer Success Manager",
		Year:           year,
		ClawbackExempt: true,
		Metrics: []engine.PlanMetric{{
			ID:        "renewal-arr",
			PlanID:    id,
			Name:      "Renewal ARR",
			WeightPct: decimal.NewFromInt(100),
			Basis:     engine.BasisARR,
			Logic:     engine.LogicGatedThreshold,
			GatePct:   &gate,
			Split:     engine.NewSplit(0, 80, 20),
		}},
	}
}

// SpiffOnlyPlan returns a plan with no weighted metrics, used for roles
// paid per-deal incentives only (e.g. solution engineers on CR/ER work).
func SpiffOnlyPlan(id engine.PlanID, year int) engine.CompPlan {
	return engine.CompPlan{
		ID:                 id,
		Name:               "Spiff Only",
		Year:               year,
		ClawbackWindowDays: 180,
		Spiffs: []engine.PlanSpiff{{
			ID:        "cr-spiff",
			PlanID:    id,
			Name:      "Change Request Spiff",
			DealTypes: []engine.DealType{engine.DealChangeRequest},
			Basis:     engine.BasisChangeRequest,
			RatePct:   decimal.NewFromFloat(1.5),
			Split:     engine.NewSplit(100, 0, 0),
		}},
	}
}
