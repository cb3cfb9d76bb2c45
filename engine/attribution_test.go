package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/comp-engine/engine"
)

// twoMetricPlan carries a 40% linear ARR metric (split 75/25/0) and a 60%
// services metric that stays idle for deals without implementation value.
func twoMetricPlan() engine.CompPlan {
	return engine.CompPlan{
		ID:   "p1",
		Name: "Sales 2025",
		Year: 2025,
		Metrics: []engine.PlanMetric{
			{
				ID: "new-arr", PlanID: "p1", Name: "New ARR",
				WeightPct: decimal.NewFromInt(40),
				Basis:     engine.BasisARR,
				Logic:     engine.LogicLinear,
				Split:     engine.NewSplit(75, 25, 0),
			},
			{
				ID: "services", PlanID: "p1", Name: "Services",
				WeightPct: decimal.NewFromInt(60),
				Basis:     engine.BasisImplementation,
				Logic:     engine.LogicLinear,
				Split:     engine.NewSplit(50, 50, 0),
			},
		},
		ClawbackWindowDays: 365,
	}
}

func arrDeal(id string, emp engine.EmployeeID, arr float64, bookedAt time.Time) engine.Deal {
	return engine.Deal{
		ID:       engine.DealID(id),
		Name:     id,
		Type:     engine.DealNewBusiness,
		PlanID:   "p1",
		Currency: engine.CurrencyUSD,
		BookedAt: bookedAt,
		ARR:      engine.USD(arr),
		TCV:      engine.USD(arr),
		Roles: []engine.DealRole{
			{EmployeeID: emp, Role: "rep", SplitPct: decimal.NewFromInt(100)},
		},
	}
}

func exampleInput() engine.EmployeeInput {
	emp := usdEmployee("emp-1")
	return engine.EmployeeInput{
		Plan:     twoMetricPlan(),
		Employee: emp,
		Targets: []engine.UserTarget{{
			ID: "t1", EmployeeID: emp.ID, PlanID: "p1", MetricID: "new-arr",
			AnnualAmount: engine.USD(1200000),
			From:         engine.NewMonth(2025, time.January),
			To:           engine.NewMonth(2025, time.December),
		}},
		Actuals: []engine.MonthlyActual{{
			EmployeeID: emp.ID, MetricID: "new-arr",
			Month: jan2025(), Amount: engine.USD(120000),
		}},
		Deals: []engine.Deal{
			arrDeal("d1", emp.ID, 500000, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)),
		},
		Collections: map[engine.DealID]engine.DealCollection{},
		Month:       jan2025(),
		Prior:       engine.PriorLedger{},
	}
}

// =============================================================================
// VARIABLE PAY END TO END
// =============================================================================

func TestCompute_SingleDealJanuary(t *testing.T) {
	// GIVEN: OTE 600k at 20% bonus (pool 10k in January), a 40%-weight linear
	//        ARR metric, a 100k monthly target, 120k actuals, one booked deal
	// WHEN: Computing January
	// THEN: 10,000 x 0.40 x 1.2 = 4,800 split 75/25 into 3,600 booking and
	//       1,200 collection; only the booking tranche is eligible

	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))

	res, err := ae.Compute(exampleInput())
	require.NoError(t, err)

	require.Len(t, res.Attributions, 1)
	row := res.Attributions[0]
	assert.Equal(t, engine.DealID("d1"), row.DealID)
	assert.Equal(t, engine.MetricID("new-arr"), row.MetricID)
	assert.True(t, row.AchievementPct.Equal(decimal.NewFromInt(120)), "achievement %s", row.AchievementPct)
	assert.True(t, row.Multiplier.Equal(decimal.NewFromFloat(1.2)), "multiplier %s", row.Multiplier)
	assert.True(t, row.SharePct.Equal(decimal.NewFromInt(100)), "share %s", row.SharePct)
	assert.True(t, row.BookingUSD.Value.Equal(decimal.NewFromInt(3600)), "booking %s", row.BookingUSD)
	assert.True(t, row.CollectionUSD.Value.Equal(decimal.NewFromInt(1200)), "collection %s", row.CollectionUSD)
	assert.True(t, row.YearEndUSD.Value.IsZero())
	assert.True(t, row.ClawbackEligibleUSD.Value.Equal(decimal.NewFromInt(3600)))

	assert.True(t, res.VariableEligibleUSD.Equal(decimal.NewFromInt(3600)), "eligible %s", res.VariableEligibleUSD)
	assert.True(t, res.VariableRecognizedUSD.Equal(decimal.NewFromInt(3600)), "recognized %s", res.VariableRecognizedUSD)
}

func TestCompute_CollectionUnlocksSecondTranche(t *testing.T) {
	// GIVEN: The January deal already recognized at 3,600, now collected
	// WHEN: Recomputing with the prior ledger carrying 3,600
	// THEN: Eligible rises to 4,800 and only the 1,200 delta is recognized

	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	collected := time.Date(2025, time.January, 28, 0, 0, 0, 0, time.UTC)
	in.Collections["d1"] = engine.DealCollection{
		ID: "c1", DealID: "d1", DueAt: collected, CollectedAt: &collected,
	}
	in.Prior = engine.PriorLedger{
		Variable: map[engine.MetricID]decimal.Decimal{"": decimal.NewFromInt(3600)},
	}

	res, err := ae.Compute(in)
	require.NoError(t, err)
	assert.True(t, res.VariableEligibleUSD.Equal(decimal.NewFromInt(4800)), "eligible %s", res.VariableEligibleUSD)
	assert.True(t, res.VariableRecognizedUSD.Equal(decimal.NewFromInt(1200)), "recognized %s", res.VariableRecognizedUSD)
}

func TestCompute_DownwardRestatement_RecognizesNegative(t *testing.T) {
	// GIVEN: 3,600 already recognized, then actuals restated down to 100k
	// WHEN: Recomputing the month
	// THEN: Eligible drops to 3,000 and the recognized amount is -600,
	//       a true-up deduction rather than a double payment

	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	in.Actuals[0].Amount = engine.USD(100000)
	in.Prior = engine.PriorLedger{
		Variable: map[engine.MetricID]decimal.Decimal{"": decimal.NewFromInt(3600)},
	}

	res, err := ae.Compute(in)
	require.NoError(t, err)
	assert.True(t, res.VariableEligibleUSD.Equal(decimal.NewFromInt(3000)), "eligible %s", res.VariableEligibleUSD)
	assert.True(t, res.VariableRecognizedUSD.Equal(decimal.NewFromInt(-600)), "recognized %s", res.VariableRecognizedUSD)
}

func TestCompute_YearEndTrancheOnlyInDecember(t *testing.T) {
	// A metric holding back 25% to year-end releases it only in the fiscal
	// year's final month.
	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))

	in := exampleInput()
	in.Plan.Metrics[0].Split = engine.NewSplit(50, 25, 25)

	res, err := ae.Compute(in)
	require.NoError(t, err)
	// January: 4,800 x 50% booking only.
	assert.True(t, res.VariableEligibleUSD.Equal(decimal.NewFromInt(2400)), "january eligible %s", res.VariableEligibleUSD)

	in.Month = engine.NewMonth(2025, time.December)
	in.Actuals[0].Month = engine.NewMonth(2025, time.December)
	res, err = ae.Compute(in)
	require.NoError(t, err)

	// December: pool 120k x 40% weight. December actual of 120k against the
	// 1.2M YTD target is 10% achievement, multiplier 0.1, total 4,800.
	// Booking 2,400 plus year-end 1,200 are eligible; collection is not.
	assert.True(t, res.VariableEligibleUSD.Equal(decimal.NewFromInt(3600)), "december eligible %s", res.VariableEligibleUSD)
}

func TestCompute_TwoDeals_ProportionalShares(t *testing.T) {
	// GIVEN: Two deals of 300k and 100k ARR for the same employee
	// WHEN: Computing the month
	// THEN: The 4,800 total splits 75/25 by contribution

	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	booked := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	in.Deals = []engine.Deal{
		arrDeal("d1", in.Employee.ID, 300000, booked),
		arrDeal("d2", in.Employee.ID, 100000, booked),
	}

	res, err := ae.Compute(in)
	require.NoError(t, err)
	require.Len(t, res.Attributions, 2)

	byDeal := map[engine.DealID]engine.Attribution{}
	for _, a := range res.Attributions {
		byDeal[a.DealID] = a
	}
	assert.True(t, byDeal["d1"].SharePct.Equal(decimal.NewFromInt(75)), "d1 share %s", byDeal["d1"].SharePct)
	assert.True(t, byDeal["d1"].BookingUSD.Value.Equal(decimal.NewFromInt(2700)), "d1 booking %s", byDeal["d1"].BookingUSD)
	assert.True(t, byDeal["d2"].BookingUSD.Value.Equal(decimal.NewFromInt(900)), "d2 booking %s", byDeal["d2"].BookingUSD)
}

func TestCompute_ForeignDeal_ConvertsAtBookingMonthRate(t *testing.T) {
	// Deal components convert at the market rate of the booking month, not
	// the calculation month.
	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{
		"EUR|2025-01": decimal.NewFromFloat(1.1),
		"EUR|2025-02": decimal.NewFromFloat(1.5),
	}))
	in := exampleInput()
	in.Deals[0].Currency = "EUR"
	in.Deals[0].ARR = engine.NewMoney(500000, "EUR")
	in.Deals[0].TCV = engine.NewMoney(500000, "EUR")
	in.Month = engine.NewMonth(2025, time.February)
	in.Actuals[0].Amount = engine.USD(240000) // 120% of the 200k YTD target

	res, err := ae.Compute(in)
	require.NoError(t, err)
	require.Len(t, res.Attributions, 1)
	// Single deal: share is 100% regardless of the rate, but the contribution
	// conversion must not error and must use the January rate.
	assert.True(t, res.Attributions[0].SharePct.Equal(decimal.NewFromInt(100)))
}

func TestCompute_MissingDealRate_HardError(t *testing.T) {
	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	in.Deals[0].Currency = "EUR"
	in.Deals[0].ARR = engine.NewMoney(500000, "EUR")

	_, err := ae.Compute(in)
	assert.ErrorIs(t, err, engine.ErrMissingRate)
}

func TestCompute_InvalidPlan_Rejected(t *testing.T) {
	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	in.Plan.Metrics[0].WeightPct = decimal.NewFromInt(50) // 50+60 != 100

	_, err := ae.Compute(in)
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

// =============================================================================
// COMMISSION AND SPIFF LINES
// =============================================================================

func implementationCommission(minValueUSD, minMarginPct float64) engine.PlanCommission {
	return engine.PlanCommission{
		ID: "comm-impl", PlanID: "p1", Name: "Implementation commission",
		DealTypes:         []engine.DealType{engine.DealNewBusiness},
		Basis:             engine.BasisImplementation,
		RatePct:           decimal.NewFromInt(10),
		MinDealValueUSD:   decimal.NewFromFloat(minValueUSD),
		MinGrossMarginPct: decimal.NewFromFloat(minMarginPct),
		Split:             engine.NewSplit(100, 0, 0),
	}
}

func TestCompute_CommissionLine(t *testing.T) {
	// GIVEN: A 10% implementation commission and a deal with 100k services
	// WHEN: Computing the month
	// THEN: A 10,000 booking line, eligible immediately

	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	in.Plan.Commissions = []engine.PlanCommission{implementationCommission(0, 0)}
	in.Deals[0].Implementation = engine.USD(100000)
	in.Deals[0].GrossMarginPct = decimal.NewFromInt(40)

	res, err := ae.Compute(in)
	require.NoError(t, err)
	require.Len(t, res.CommissionLines, 1)

	line := res.CommissionLines[0]
	assert.Equal(t, engine.LineCommission, line.Kind)
	assert.True(t, line.BookingUSD.Value.Equal(decimal.NewFromInt(10000)), "booking %s", line.BookingUSD)
	assert.Empty(t, line.ReasonCode)
	assert.True(t, res.CommissionEligibleUSD.Equal(decimal.NewFromInt(10000)))
	assert.True(t, res.CommissionRecognizedUSD.Equal(decimal.NewFromInt(10000)))
}

func TestCompute_CommissionBelowMinValue_ZeroLineWithReason(t *testing.T) {
	// Ineligible deals still get a line, zero-amount and reason-coded.
	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	in.Plan.Commissions = []engine.PlanCommission{implementationCommission(1000000, 0)}
	in.Deals[0].Implementation = engine.USD(100000)

	res, err := ae.Compute(in)
	require.NoError(t, err)
	require.Len(t, res.CommissionLines, 1)
	assert.Equal(t, engine.ReasonBelowMinValue, res.CommissionLines[0].ReasonCode)
	assert.True(t, res.CommissionLines[0].BookingUSD.Value.IsZero())
	assert.True(t, res.CommissionEligibleUSD.IsZero())
}

func TestCompute_CommissionBelowMinMargin_ZeroLineWithReason(t *testing.T) {
	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	in.Plan.Commissions = []engine.PlanCommission{implementationCommission(0, 30)}
	in.Deals[0].Implementation = engine.USD(100000)
	in.Deals[0].GrossMarginPct = decimal.NewFromInt(20)

	res, err := ae.Compute(in)
	require.NoError(t, err)
	require.Len(t, res.CommissionLines, 1)
	assert.Equal(t, engine.ReasonBelowMinMargin, res.CommissionLines[0].ReasonCode)
	assert.True(t, res.CommissionEligibleUSD.IsZero())
}

func TestCompute_RenewalCommission_ScaledByTermBand(t *testing.T) {
	// GIVEN: Renewal bands 1yr x0.5 and 3yr x0.8, a 2-year renewal
	// WHEN: Computing a 10% TCV commission on a 100k renewal
	// THEN: The 1-year band applies: 10,000 x 0.5 = 5,000

	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	in.Plan.RenewalMultipliers = []engine.RenewalMultiplier{
		{TermYears: 1, Multiplier: decimal.NewFromFloat(0.5)},
		{TermYears: 3, Multiplier: decimal.NewFromFloat(0.8)},
	}
	in.Plan.Commissions = []engine.PlanCommission{{
		ID: "comm-renewal", PlanID: "p1", Name: "Renewal commission",
		DealTypes: []engine.DealType{engine.DealRenewal},
		Basis:     engine.BasisTCV,
		RatePct:   decimal.NewFromInt(10),
		Split:     engine.NewSplit(100, 0, 0),
	}}
	in.Deals[0].Type = engine.DealRenewal
	in.Deals[0].RenewalTermYrs = 2
	in.Deals[0].ARR = engine.USD(0)
	in.Deals[0].TCV = engine.USD(100000)
	in.Deals[0].GrossMarginPct = decimal.NewFromInt(40)

	res, err := ae.Compute(in)
	require.NoError(t, err)
	require.Len(t, res.CommissionLines, 1)
	assert.True(t, res.CommissionLines[0].BookingUSD.Value.Equal(decimal.NewFromInt(5000)),
		"booking %s", res.CommissionLines[0].BookingUSD)
}

func TestCompute_SpiffLine_TrackedSeparately(t *testing.T) {
	ae := engine.NewAttributionEngine(engine.NewConverter(fakeRates{}))
	in := exampleInput()
	in.Plan.Spiffs = []engine.PlanSpiff{{
		ID: "spiff-q1", PlanID: "p1", Name: "Q1 push",
		DealTypes: []engine.DealType{engine.DealNewBusiness},
		Basis:     engine.BasisARR,
		RatePct:   decimal.NewFromInt(1),
		Split:     engine.NewSplit(100, 0, 0),
	}}
	in.Deals[0].GrossMarginPct = decimal.NewFromInt(40)

	res, err := ae.Compute(in)
	require.NoError(t, err)
	require.Len(t, res.CommissionLines, 1)
	assert.Equal(t, engine.LineSpiff, res.CommissionLines[0].Kind)
	assert.True(t, res.SpiffEligibleUSD.Equal(decimal.NewFromInt(5000)), "spiff %s", res.SpiffEligibleUSD)
	assert.True(t, res.CommissionEligibleUSD.IsZero())
}
