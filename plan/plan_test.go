package plan_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/comp-engine/engine"
	"github.com/warp/comp-engine/plan"
)

const aeYAML = `
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
  - id: tcv
    name: Total Contract Value
    weight_pct: 30
    basis: tcv
    logic: gated_threshold
    gate_pct: 80
    split: {booking: 50, collection: 40, year_end: 10}
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
`

// =============================================================================
// PARSING
// =============================================================================

func TestParse_FullPlan(t *testing.T) {
	p, err := plan.Parse([]byte(aeYAML))
	require.NoError(t, err)

	assert.Equal(t, engine.PlanID("ae-2026"), p.ID)
	assert.Equal(t, 2026, p.Year)
	assert.Equal(t, 365, p.ClawbackWindowDays)
	require.Len(t, p.Metrics, 2)

	arr := p.Metrics[0]
	assert.Equal(t, engine.BasisARR, arr.Basis)
	assert.Equal(t, engine.LogicSteppedAccelerator, arr.Logic)
	require.Len(t, arr.Grid, 3)
	assert.True(t, arr.Split.BookingPct.Equal(decimal.NewFromInt(60)))

	tcv := p.Metrics[1]
	assert.Equal(t, engine.LogicGatedThreshold, tcv.Logic)
	require.NotNil(t, tcv.GatePct)
	assert.True(t, tcv.GatePct.Equal(decimal.NewFromInt(80)))

	require.Len(t, p.Commissions, 1)
	assert.Equal(t, []engine.DealType{engine.DealManagedServices}, p.Commissions[0].DealTypes)
	assert.True(t, p.Commissions[0].MinDealValueUSD.Equal(decimal.NewFromInt(50000)))

	require.Len(t, p.RenewalMultipliers, 2)
}

func TestParse_InvalidPlan_Rejected(t *testing.T) {
	// Weights summing to 90 must fail at load time, before any calculation.
	bad := `
id: broken
name: Broken
year: 2026
clawback_window_days: 365
metrics:
  - id: arr
    weight_pct: 90
    basis: arr
    logic: linear
    split: {booking: 100, collection: 0, year_end: 0}
`
	_, err := plan.Parse([]byte(bad))
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := plan.Parse([]byte("{not yaml"))
	assert.Error(t, err)
}

func TestFromYAML_MissingID(t *testing.T) {
	_, err := plan.FromYAML(plan.PlanYAML{Name: "anonymous", Year: 2026})
	assert.Error(t, err)
}

func TestFromYAML_GatedWithoutGate(t *testing.T) {
	_, err := plan.FromYAML(plan.PlanYAML{
		ID: "p1", Name: "No gate", Year: 2026, ClawbackWindowDays: 365,
		Metrics: []plan.MetricYAML{{
			ID: "arr", WeightPct: 100, Basis: "arr", Logic: "gated_threshold",
			Split: plan.SplitYAML{Booking: 100},
		}},
	})
	assert.Error(t, err)
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestMarshalParse_RoundTrips(t *testing.T) {
	original, err := plan.Parse([]byte(aeYAML))
	require.NoError(t, err)

	data, err := plan.Marshal(original)
	require.NoError(t, err)

	reparsed, err := plan.Parse(data)
	require.NoError(t, err)

	assert.Equal(t, original.ID, reparsed.ID)
	assert.Len(t, reparsed.Metrics, len(original.Metrics))
	assert.True(t, reparsed.Metrics[0].WeightPct.Equal(original.Metrics[0].WeightPct))
	assert.True(t, reparsed.Commissions[0].RatePct.Equal(original.Commissions[0].RatePct))
	require.NotNil(t, reparsed.Metrics[1].GatePct)
	assert.True(t, reparsed.Metrics[1].GatePct.Equal(*original.Metrics[1].GatePct))
}

// =============================================================================
// PRESETS
// =============================================================================

func TestPresets_AllValidate(t *testing.T) {
	presets := map[string]engine.CompPlan{
		"account_executive": plan.AccountExecutivePlan("ae-2026", 2026),
		"sales_manager":     plan.SalesManagerPlan("sm-2026", 2026),
		"csm":               plan.CSMPlan("csm-2026", 2026),
		"spiff_only":        plan.SpiffOnlyPlan("se-2026", 2026),
	}
	for name, p := range presets {
		assert.NoError(t, p.Validate(), "preset %s", name)
	}
}

func TestPreset_CSM_ClawbackExempt(t *testing.T) {
	p := plan.CSMPlan("csm-2026", 2026)
	assert.True(t, p.ClawbackExempt)
	assert.Zero(t, p.ClawbackWindowDays)
}

func TestPreset_SalesManager_LinearCap(t *testing.T) {
	p := plan.SalesManagerPlan("sm-2026", 2026)
	require.NotNil(t, p.LinearCap)
	assert.True(t, p.LinearCap.Equal(decimal.NewFromInt(3)))
}
