/*
Package plan provides YAML to Go compensation-plan conversion.

PURPOSE:
  Converts YAML plan definitions into engine.CompPlan objects. This enables
  plan configuration without code changes - comp ops can define a year's
  plans in YAML, and the loader creates the proper Go structs.

WHY YAML?
  - Non-developers can review and edit plan terms
  - Version control for plan definitions (one file per plan year)
  - Diffs between plan versions are readable in review

YAML SCHEMA:
  id: ae-2026
  name: Account Executive FY26
  year: 2026
  clawback_window_days: 365
  metrics:
    - id: arr
      name: New ARR
      weight_pct: 70
      basis: arr
      logic: stepped_accelerator
      grid:
        - {min: 0, max: 60, multiplier: 0}
        - {min: 60, max: 100, multiplier: 0.8}
        - {min: 100, max: 200, multiplier: 1.5}
      split: {booking: 60, collection: 30, year_end: 10}
  commissions:
    - id: ms-commission
      name: Managed Services
      deal_types: [managed_services]
      basis: managed_services
      rate_pct: 2.0
      min_deal_value_usd: 50000
      split: {booking: 50, collection: 50, year_end: 0}
  renewal_multipliers:
    - {term_years: 1, multiplier: 0.5}
    - {term_years: 3, multiplier: 0.75}

VALIDATION:
  Load validates the converted plan with engine.CompPlan.Validate before
  returning it, so a malformed file never reaches a calculation.

SEE ALSO:
  - engine/plan.go: CompPlan type definition and validation rules
  - plan/presets.go: Go-based preset plan builders
*/
package plan

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/comp-engine/engine"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// PlanYAML is the YAML representation of a compensation plan.
type PlanYAML struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	Year               int               `yaml:"year"`
	ClawbackWindowDays int               `yaml:"clawback_window_days,omitempty"`
	ClawbackExempt     bool              `yaml:"clawback_exempt,omitempty"`
	LinearCap          *float64          `yaml:"linear_cap,omitempty"`
	AchievementCeiling *float64          `yaml:"achievement_ceiling,omitempty"`
	Metrics            []MetricYAML      `yaml:"metrics,omitempty"`
	Commissions        []RuleYAML        `yaml:"commissions,omitempty"`
	Spiffs             []RuleYAML        `yaml:"spiffs,omitempty"`
	RenewalMultipliers []RenewalYAML     `yaml:"renewal_multipliers,omitempty"`
	Version            int               `yaml:"version,omitempty"`
}

// MetricYAML represents a weighted metric.
type MetricYAML struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	WeightPct float64    `yaml:"weight_pct"`
	Basis     string     `yaml:"basis"`
	Logic     string     `yaml:"logic"`
	GatePct   *float64   `yaml:"gate_pct,omitempty"`
	Grid      []BandYAML `yaml:"grid,omitempty"`
	Split     SplitYAML  `yaml:"split"`
}

// BandYAML is one [min, max) accelerator band.
type BandYAML struct {
	Min        float64 `yaml:"min"`
	Max        float64 `yaml:"max"`
	Multiplier float64 `yaml:"multiplier"`
}

// SplitYAML is the booking/collection/year-end timing split.
type SplitYAML struct {
	Booking    float64 `yaml:"booking"`
	Collection float64 `yaml:"collection"`
	YearEnd    float64 `yaml:"year_end"`
}

// RuleYAML represents a commission or spiff rule.
type RuleYAML struct {
	ID                string    `yaml:"id"`
	Name              string    `yaml:"name"`
	DealTypes         []string  `yaml:"deal_types"`
	Basis             string    `yaml:"basis"`
	RatePct           float64   `yaml:"rate_pct"`
	MinDealValueUSD   float64   `yaml:"min_deal_value_usd,omitempty"`
	MinGrossMarginPct float64   `yaml:"min_gross_margin_pct,omitempty"`
	Split             SplitYAML `yaml:"split"`
}

// RenewalYAML is a term-length multiplier band.
type RenewalYAML struct {
	TermYears  int     `yaml:"term_years"`
	Multiplier float64 `yaml:"multiplier"`
}

// =============================================================================
// LOADER
// =============================================================================

// Load parses and validates a plan file.
func Load(path string) (engine.CompPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.CompPlan{}, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Parse converts YAML bytes to a validated CompPlan.
func Parse(data []byte) (engine.CompPlan, error) {
	var py PlanYAML
	if err := yaml.Unmarshal(data, &py); err != nil {
		return engine.CompPlan{}, fmt.Errorf("parse plan YAML: %w", err)
	}
	plan, err := FromYAML(py)
	if err != nil {
		return engine.CompPlan{}, err
	}
	if err := plan.Validate(); err != nil {
		return engine.CompPlan{}, err
	}
	return plan, nil
}

// FromYAML converts PlanYAML to engine.CompPlan without validating.
func FromYAML(py PlanYAML) (engine.CompPlan, error) {
	if py.ID == "" {
		return engine.CompPlan{}, fmt.Errorf("plan is missing id")
	}
	plan := engine.CompPlan{
		ID:                 engine.PlanID(py.ID),
		Name:               py.Name,
		Year:               py.Year,
		ClawbackWindowDays: py.ClawbackWindowDays,
		ClawbackExempt:     py.ClawbackExempt,
		Version:            py.Version,
	}
	if py.LinearCap != nil {
		cap := decimal.NewFromFloat(*py.LinearCap)
		plan.LinearCap = &cap
	}
	if py.AchievementCeiling != nil {
		ceiling := decimal.NewFromFloat(*py.AchievementCeiling)
		plan.AchievementCeiling = &ceiling
	}

	for _, my := range py.Metrics {
		metric, err := parseMetric(my, plan.ID)
		if err != nil {
			return engine.CompPlan{}, err
		}
		plan.Metrics = append(plan.Metrics, metric)
	}
	for _, ry := range py.Commissions {
		plan.Commissions = append(plan.Commissions, engine.PlanCommission{
			ID:                ry.ID,
			PlanID:            plan.ID,
			Name:              ry.Name,
			DealTypes:         parseDealTypes(ry.DealTypes),
			Basis:             parseBasis(ry.Basis),
			RatePct:           decimal.NewFromFloat(ry.RatePct),
			MinDealValueUSD:   decimal.NewFromFloat(ry.MinDealValueUSD),
			MinGrossMarginPct: decimal.NewFromFloat(ry.MinGrossMarginPct),
			Split:             parseSplit(ry.Split),
		})
	}
	for _, ry := range py.Spiffs {
		plan.Spiffs = append(plan.Spiffs, engine.PlanSpiff{
			ID:                ry.ID,
			PlanID:            plan.ID,
			Name:              ry.Name,
			DealTypes:         parseDealTypes(ry.DealTypes),
			Basis:             parseBasis(ry.Basis),
			RatePct:           decimal.NewFromFloat(ry.RatePct),
			MinDealValueUSD:   decimal.NewFromFloat(ry.MinDealValueUSD),
			MinGrossMarginPct: decimal.NewFromFloat(ry.MinGrossMarginPct),
			Split:             parseSplit(ry.Split),
		})
	}
	for _, rm := range py.RenewalMultipliers {
		plan.RenewalMultipliers = append(plan.RenewalMultipliers, engine.RenewalMultiplier{
			TermYears:  rm.TermYears,
			Multiplier: decimal.NewFromFloat(rm.Multiplier),
		})
	}
	return plan, nil
}

// ToYAML converts a CompPlan back to its YAML representation.
func ToYAML(plan engine.CompPlan) PlanYAML {
	py := PlanYAML{
		ID:                 string(plan.ID),
		Name:               plan.Name,
		Year:               plan.Year,
		ClawbackWindowDays: plan.ClawbackWindowDays,
		ClawbackExempt:     plan.ClawbackExempt,
		Version:            plan.Version,
	}
	if plan.LinearCap != nil {
		v, _ := plan.LinearCap.Float64()
		py.LinearCap = &v
	}
	if plan.AchievementCeiling != nil {
		v, _ := plan.AchievementCeiling.Float64()
		py.AchievementCeiling = &v
	}
	for _, m := range plan.Metrics {
		my := MetricYAML{
			ID:        string(m.ID),
			Name:      m.Name,
			WeightPct: mustFloat(m.WeightPct),
			Basis:     string(m.Basis),
			Logic:     string(m.Logic),
			Split:     splitYAML(m.Split),
		}
		if m.GatePct != nil {
			v, _ := m.GatePct.Float64()
			my.GatePct = &v
		}
		for _, b := range m.Grid {
			my.Grid = append(my.Grid, BandYAML{
				Min:        mustFloat(b.MinPct),
				Max:        mustFloat(b.MaxPct),
				Multiplier: mustFloat(b.Multiplier),
			})
		}
		py.Metrics = append(py.Metrics, my)
	}
	for _, c := range plan.Commissions {
		py.Commissions = append(py.Commissions, ruleYAML(c.ID, c.Name, c.DealTypes, c.Basis, c.RatePct, c.MinDealValueUSD, c.MinGrossMarginPct, c.Split))
	}
	for _, s := range plan.Spiffs {
		py.Spiffs = append(py.Spiffs, ruleYAML(s.ID, s.Name, s.DealTypes, s.Basis, s.RatePct, s.MinDealValueUSD, s.MinGrossMarginPct, s.Split))
	}
	for _, rm := range plan.RenewalMultipliers {
		py.RenewalMultipliers = append(py.RenewalMultipliers, RenewalYAML{
			TermYears:  rm.TermYears,
			Multiplier: mustFloat(rm.Multiplier),
		})
	}
	return py
}

// Marshal renders a plan as YAML bytes.
func Marshal(plan engine.CompPlan) ([]byte, error) {
	return yaml.Marshal(ToYAML(plan))
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseMetric(my MetricYAML, planID engine.PlanID) (engine.PlanMetric, error) {
	metric := engine.PlanMetric{
		ID:        engine.MetricID(my.ID),
		PlanID:    planID,
		Name:      my.Name,
		WeightPct: decimal.NewFromFloat(my.WeightPct),
		Basis:     parseBasis(my.Basis),
		Logic:     parseLogic(my.Logic),
		Split:     parseSplit(my.Split),
	}
	if my.GatePct != nil {
		gate := decimal.NewFromFloat(*my.GatePct)
		metric.GatePct = &gate
	}
	for _, b := range my.Grid {
		metric.Grid = append(metric.Grid, engine.NewBand(b.Min, b.Max, b.Multiplier))
	}
	if metric.Logic == engine.LogicGatedThreshold && metric.GatePct == nil {
		return engine.PlanMetric{}, fmt.Errorf("metric %s: gated_threshold requires gate_pct", my.ID)
	}
	return metric, nil
}

func parseSplit(sy SplitYAML) engine.TrancheSplit {
	return engine.NewSplit(sy.Booking, sy.Collection, sy.YearEnd)
}

func parseLogic(s string) engine.LogicType {
	switch s {
	case "gated_threshold":
		return engine.LogicGatedThreshold
	case "stepped_accelerator":
		return engine.LogicSteppedAccelerator
	default:
		return engine.LogicLinear
	}
}

func parseBasis(s string) engine.ValueBasis {
	switch s {
	case "tcv":
		return engine.BasisTCV
	case "implementation":
		return engine.BasisImplementation
	case "managed_services":
		return engine.BasisManagedServices
	case "cr_er":
		return engine.BasisChangeRequest
	default:
		return engine.BasisARR
	}
}

func parseDealTypes(types []string) []engine.DealType {
	out := make([]engine.DealType, 0, len(types))
	for _, t := range types {
		switch t {
		case "renewal":
			out = append(out, engine.DealRenewal)
		case "cr_er":
			out = append(out, engine.DealChangeRequest)
		case "managed_services":
			out = append(out, engine.DealManagedServices)
		default:
			out = append(out, engine.DealNewBusiness)
		}
	}
	return out
}

func ruleYAML(id, name string, types []engine.DealType, basis engine.ValueBasis, rate, minValue, minMargin decimal.Decimal, split engine.TrancheSplit) RuleYAML {
	ry := RuleYAML{
		ID:                id,
		Name:              name,
		Basis:             string(basis),
		RatePct:           mustFloat(rate),
		MinDealValueUSD:   mustFloat(minValue),
		MinGrossMarginPct: mustFloat(minMargin),
		Split:             splitYAML(split),
	}
	for _, t := range types {
		ry.DealTypes = append(ry.DealTypes, string(t))
	}
	return ry
}

func splitYAML(s engine.TrancheSplit) SplitYAML {
	return SplitYAML{
		Booking:    mustFloat(s.BookingPct),
		Collection: mustFloat(s.CollectionPct),
		YearEnd:    mustFloat(s.YearEndPct),
	}
}

func mustFloat(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}
