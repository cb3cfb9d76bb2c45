/*
plan.go - Compensation plan configuration

PURPOSE:
  Defines the rules that govern how variable pay is computed: metrics with
  weights and payout logic, tranche timing splits, commission and spiff
  rules, the clawback policy, and renewal multipliers. A CompPlan is the
  contract between the organization and its sellers.

VALIDATION:
  Validate() must pass before a plan is ever used in a calculation.
  Violations are ConfigurationError - fatal, blocking every run that
  references the plan until fixed:
    - each metric's booking+collection+year_end split must sum to 100
    - metric weights must sum to 100 across the plan
    - stepped-accelerator grids must be contiguous and non-overlapping
      from 0 to the achievement ceiling

IMMUTABILITY:
  A plan referenced by a locked run must not change except through
  administrative correction; the store layer enforces that, the engine
  only reads plans.
*/
package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LOGIC TYPES
// =============================================================================

type LogicType string

const (
	LogicLinear             LogicType = "linear"
	LogicGatedThreshold     LogicType = "gated_threshold"
	LogicSteppedAccelerator LogicType = "stepped_accelerator"
)

// =============================================================================
// TRANCHE SPLIT
// =============================================================================

// TrancheSplit is the three-way payout-timing split. The three percentages
// must sum to exactly 100.
type TrancheSplit struct {
	BookingPct    decimal.Decimal
	CollectionPct decimal.Decimal
	YearEndPct    decimal.Decimal
}

func NewSplit(booking, collection, yearEnd float64) TrancheSplit {
	return TrancheSplit{
		BookingPct:    decimal.NewFromFloat(booking),
		CollectionPct: decimal.NewFromFloat(collection),
		YearEndPct:    decimal.NewFromFloat(yearEnd),
	}
}

func (s TrancheSplit) Sum() decimal.Decimal {
	return s.BookingPct.Add(s.CollectionPct).Add(s.YearEndPct)
}

func (s TrancheSplit) Validate() error {
	if !s.Sum().Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("tranche split sums to %s, want 100", s.Sum())
	}
	if s.BookingPct.IsNegative() || s.CollectionPct.IsNegative() || s.YearEndPct.IsNegative() {
		return fmt.Errorf("tranche split has negative component")
	}
	return nil
}

// Apply splits a USD amount into its three tranches.
func (s TrancheSplit) Apply(total Money) (booking, collection, yearEnd Money) {
	hundred := decimal.NewFromInt(100)
	booking = total.Mul(s.BookingPct).Div(hundred)
	collection = total.Mul(s.CollectionPct).Div(hundred)
	yearEnd = total.Mul(s.YearEndPct).Div(hundred)
	return
}

// =============================================================================
// PLAN METRIC
// =============================================================================

// PlanMetric belongs to exactly one CompPlan. Weight is the metric's percent
// of the variable pay pool; Basis names the deal component it measures.
type PlanMetric struct {
	ID        MetricID
	PlanID    PlanID
	Name      string
	WeightPct decimal.Decimal
	Basis     ValueBasis
	Logic     LogicType

	// GatePct is required for gated_threshold: below it the multiplier is 0,
	// at or above it 1.0. Binary, no partial credit.
	GatePct *decimal.Decimal

	// Grid is required for stepped_accelerator.
	Grid MultiplierGrid

	Split TrancheSplit
}

func (m PlanMetric) validate(ceiling decimal.Decimal) error {
	if err := m.Split.Validate(); err != nil {
		return &ConfigurationError{PlanID: m.PlanID, MetricID: m.ID, Reason: err.Error()}
	}
	switch m.Logic {
	case LogicLinear:
	case LogicGatedThreshold:
		if m.GatePct == nil {
			return &ConfigurationError{PlanID: m.PlanID, MetricID: m.ID, Reason: "gated_threshold metric missing gate threshold"}
		}
	case LogicSteppedAccelerator:
		if err := m.Grid.Validate(ceiling); err != nil {
			return &ConfigurationError{PlanID: m.PlanID, MetricID: m.ID, Reason: err.Error()}
		}
	default:
		return &ConfigurationError{PlanID: m.PlanID, MetricID: m.ID, Reason: fmt.Sprintf("unknown logic type %q", m.Logic)}
	}
	return nil
}

// =============================================================================
// COMMISSION AND SPIFF RULES
// =============================================================================

// PlanCommission is a deal-type-scoped payout rule independent of the
// weighted-metric model. Eligibility gates are per rule.
type PlanCommission struct {
	ID                string
	PlanID            PlanID
	Name              string
	DealTypes         []DealType
	Basis             ValueBasis
	RatePct           decimal.Decimal
	MinDealValueUSD   decimal.Decimal
	MinGrossMarginPct decimal.Decimal
	Split             TrancheSplit
}

func (c PlanCommission) Covers(t DealType) bool {
	for _, dt := range c.DealTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// PlanSpiff has the same shape as a commission rule; it is kept as its own
// type because spiffs are reported and approved separately.
type PlanSpiff struct {
	ID                string
	PlanID            PlanID
	Name              string
	DealTypes         []DealType
	Basis             ValueBasis
	RatePct           decimal.Decimal
	MinDealValueUSD   decimal.Decimal
	MinGrossMarginPct decimal.Decimal
	Split             TrancheSplit
}

func (s PlanSpiff) Covers(t DealType) bool {
	for _, dt := range s.DealTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// =============================================================================
// RENEWAL MULTIPLIERS
// =============================================================================

// RenewalMultiplier scales commissionable value on renewal deals by term
// length. The longest band at or under the term wins.
type RenewalMultiplier struct {
	TermYears  int
	Multiplier decimal.Decimal
}

// =============================================================================
// COMP PLAN
// =============================================================================

// DefaultAchievementCeiling bounds stepped-accelerator grids: every
// achievement percentage in [0, ceiling] must map to exactly one band.
var DefaultAchievementCeiling = decimal.NewFromInt(200)

// CompPlan is a named, year-scoped compensation policy.
type CompPlan struct {
	ID   PlanID
	Name string
	Year int

	Metrics     []PlanMetric
	Commissions []PlanCommission
	Spiffs      []PlanSpiff

	// Clawback policy: window in days from booking, or fully exempt.
	ClawbackWindowDays int
	ClawbackExempt     bool

	RenewalMultipliers []RenewalMultiplier

	// LinearCap, when set, bounds the linear multiplier (e.g. 3.0).
	LinearCap *decimal.Decimal

	// AchievementCeiling overrides DefaultAchievementCeiling when set.
	AchievementCeiling *decimal.Decimal

	Version int
}

func (p CompPlan) Ceiling() decimal.Decimal {
	if p.AchievementCeiling != nil {
		return *p.AchievementCeiling
	}
	return DefaultAchievementCeiling
}

// Metric returns the metric by ID.
func (p CompPlan) Metric(id MetricID) (PlanMetric, bool) {
	for _, m := range p.Metrics {
		if m.ID == id {
			return m, true
		}
	}
	return PlanMetric{}, false
}

// RenewalFactor returns the multiplier for a renewal term, 1.0 when no band
// applies or the table is empty.
func (p CompPlan) RenewalFactor(termYears int) decimal.Decimal {
	factor := decimal.NewFromInt(1)
	best := -1
	for _, rm := range p.RenewalMultipliers {
		if rm.TermYears <= termYears && rm.TermYears > best {
			best = rm.TermYears
			factor = rm.Multiplier
		}
	}
	return factor
}

// Validate checks the whole plan configuration. Any violation blocks every
// calculation that references this plan.
func (p CompPlan) Validate() error {
	if len(p.Metrics) == 0 && len(p.Commissions) == 0 && len(p.Spiffs) == 0 {
		return &ConfigurationError{PlanID: p.ID, Reason: "plan defines no metrics, commissions, or spiffs"}
	}

	weightSum := decimal.Zero
	for _, m := range p.Metrics {
		if err := m.validate(p.Ceiling()); err != nil {
			return err
		}
		weightSum = weightSum.Add(m.WeightPct)
	}
	if len(p.Metrics) > 0 && !weightSum.Equal(decimal.NewFromInt(100)) {
		return &ConfigurationError{PlanID: p.ID, Reason: fmt.Sprintf("metric weights sum to %s, want 100", weightSum)}
	}

	for _, c := range p.Commissions {
		if err := c.Split.Validate(); err != nil {
			return &ConfigurationError{PlanID: p.ID, Reason: fmt.Sprintf("commission %s: %s", c.ID, err)}
		}
	}
	for _, s := range p.Spiffs {
		if err := s.Split.Validate(); err != nil {
			return &ConfigurationError{PlanID: p.ID, Reason: fmt.Sprintf("spiff %s: %s", s.ID, err)}
		}
	}
	if !p.ClawbackExempt && p.ClawbackWindowDays <= 0 {
		return &ConfigurationError{PlanID: p.ID, Reason: "clawback window must be positive unless plan is exempt"}
	}
	return nil
}
