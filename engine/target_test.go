package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/comp-engine/engine"
)

func fullYearTarget(emp string, annual float64) engine.UserTarget {
	return engine.UserTarget{
		ID:           "t-" + emp,
		EmployeeID:   engine.EmployeeID(emp),
		PlanID:       "p1",
		AnnualAmount: engine.USD(annual),
		From:         engine.NewMonth(2025, time.January),
		To:           engine.NewMonth(2025, time.December),
	}
}

// =============================================================================
// RESOLUTION TESTS
// =============================================================================

func TestEffectiveTarget_MetricScopedWinsOverPlanWide(t *testing.T) {
	// GIVEN: A plan-wide target and a metric-scoped target, both active
	// WHEN: Resolving for that metric
	// THEN: The metric-scoped row wins

	tr := engine.NewTargetResolver(engine.NewConverter(fakeRates{}))
	planWide := fullYearTarget("emp-1", 1200000)
	scoped := fullYearTarget("emp-1", 600000)
	scoped.ID = "t-scoped"
	scoped.MetricID = "new-arr"

	got, ok := tr.EffectiveTarget([]engine.UserTarget{planWide, scoped}, "p1", "new-arr", engine.NewMonth(2025, time.March))
	require.True(t, ok)
	assert.Equal(t, "t-scoped", got.ID)
}

func TestEffectiveTarget_FallsBackToPlanWide(t *testing.T) {
	tr := engine.NewTargetResolver(engine.NewConverter(fakeRates{}))
	planWide := fullYearTarget("emp-1", 1200000)

	got, ok := tr.EffectiveTarget([]engine.UserTarget{planWide}, "p1", "new-arr", engine.NewMonth(2025, time.March))
	require.True(t, ok)
	assert.Equal(t, planWide.ID, got.ID)
}

func TestEffectiveTarget_InactiveRange_NoTarget(t *testing.T) {
	// GIVEN: A target effective Jan-Jun
	// WHEN: Resolving for July
	// THEN: No target - a valid state, not an error

	tr := engine.NewTargetResolver(engine.NewConverter(fakeRates{}))
	half := fullYearTarget("emp-1", 600000)
	half.To = engine.NewMonth(2025, time.June)

	_, ok := tr.EffectiveTarget([]engine.UserTarget{half}, "p1", "", engine.NewMonth(2025, time.July))
	assert.False(t, ok)
}

// =============================================================================
// PRORATION TESTS
// =============================================================================

func TestProratedTarget_WholeMonthShares(t *testing.T) {
	// GIVEN: A full-year target of $1,200,000
	// WHEN: Prorating any single month
	// THEN: Each month carries $100,000

	tr := engine.NewTargetResolver(engine.NewConverter(fakeRates{}))
	emp := usdEmployee("emp-1")
	targets := []engine.UserTarget{fullYearTarget("emp-1", 1200000)}

	monthly, err := tr.ProratedTargetUSD(emp, targets, "p1", "", engine.NewMonth(2025, time.May))
	require.NoError(t, err)
	assert.True(t, monthly.Equal(decimal.NewFromInt(100000)), "got %s", monthly)
}

func TestProratedTarget_HalfYearSpan_ProratesOverSpan(t *testing.T) {
	// GIVEN: A $600,000 target effective Jul-Dec (6 months)
	// WHEN: Prorating a covered month
	// THEN: $100,000/month - the span divides, not 12

	tr := engine.NewTargetResolver(engine.NewConverter(fakeRates{}))
	emp := usdEmployee("emp-1")
	half := fullYearTarget("emp-1", 600000)
	half.From = engine.NewMonth(2025, time.July)
	half.To = engine.NewMonth(2025, time.December)

	monthly, err := tr.ProratedTargetUSD(emp, []engine.UserTarget{half}, "p1", "", engine.NewMonth(2025, time.September))
	require.NoError(t, err)
	assert.True(t, monthly.Equal(decimal.NewFromInt(100000)), "got %s", monthly)
}

func TestYTDTarget_AccumulatesFromFiscalYearStart(t *testing.T) {
	tr := engine.NewTargetResolver(engine.NewConverter(fakeRates{}))
	emp := usdEmployee("emp-1")
	targets := []engine.UserTarget{fullYearTarget("emp-1", 1200000)}

	ytd, err := tr.YTDTargetUSD(emp, targets, "p1", "", engine.NewMonth(2025, time.March))
	require.NoError(t, err)
	assert.True(t, ytd.Equal(decimal.NewFromInt(300000)), "got %s", ytd)
}

// =============================================================================
// ACHIEVEMENT TESTS
// =============================================================================

func TestAchievement_ZeroTarget_IsZeroNotFault(t *testing.T) {
	// GIVEN: No target (zero)
	// WHEN: Computing achievement
	// THEN: 0%, never a division fault

	got := engine.Achievement(decimal.NewFromInt(50000), decimal.Zero)
	assert.True(t, got.IsZero())
}

func TestAchievement_Ratio(t *testing.T) {
	got := engine.Achievement(decimal.NewFromInt(120000), decimal.NewFromInt(100000))
	assert.True(t, got.Equal(decimal.NewFromInt(120)), "got %s", got)
}

func TestAchievedUSD_SumsFiscalYearToDate(t *testing.T) {
	// GIVEN: Actuals in Dec 2024, Jan 2025, Feb 2025
	// WHEN: Summing through Feb 2025
	// THEN: Only the 2025 months count

	tr := engine.NewTargetResolver(engine.NewConverter(fakeRates{}))
	emp := usdEmployee("emp-1")
	actuals := []engine.MonthlyActual{
		{EmployeeID: "emp-1", MetricID: "new-arr", Month: engine.NewMonth(2024, time.December), Amount: engine.USD(999999)},
		{EmployeeID: "emp-1", MetricID: "new-arr", Month: engine.NewMonth(2025, time.January), Amount: engine.USD(120000)},
		{EmployeeID: "emp-1", MetricID: "new-arr", Month: engine.NewMonth(2025, time.February), Amount: engine.USD(80000)},
		{EmployeeID: "emp-2", MetricID: "new-arr", Month: engine.NewMonth(2025, time.January), Amount: engine.USD(555)},
	}

	got, err := tr.AchievedUSD(emp, actuals, "new-arr", engine.NewMonth(2025, time.February))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(200000)), "got %s", got)
}
