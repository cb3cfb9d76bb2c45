package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/comp-engine/engine"
	"github.com/warp/comp-engine/plan"
	"github.com/warp/comp-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func jan(day int) time.Time {
	return time.Date(2025, time.January, day, 0, 0, 0, 0, time.UTC)
}

func testDeal(id string, bookedAt time.Time) engine.Deal {
	return engine.Deal{
		ID:       engine.DealID(id),
		Name:     id,
		Type:     engine.DealNewBusiness,
		PlanID:   "p1",
		Currency: engine.CurrencyUSD,
		BookedAt: bookedAt,
		ARR:      engine.USD(100000),
		TCV:      engine.USD(100000),
		Roles: []engine.DealRole{
			{EmployeeID: "emp-1", Role: "rep", SplitPct: decimal.NewFromInt(100)},
		},
	}
}

func variableRow(runID engine.RunID, emp string, usd float64) engine.MonthlyPayout {
	return engine.MonthlyPayout{
		RunID:           runID,
		EmployeeID:      engine.EmployeeID(emp),
		Type:            engine.PayoutVariable,
		CalculatedUSD:   engine.USD(usd),
		CalculatedLocal: engine.USD(usd),
		PaidUSD:         engine.USD(0),
		PaidLocal:       engine.USD(0),
		ComputedAt:      time.Now().UTC(),
	}
}

func lockedRun(t *testing.T, s *sqlite.Store, month engine.Month) engine.PayoutRun {
	t.Helper()
	run := engine.NewRun(month)
	run.State = engine.RunFinalized
	run.IsLocked = true
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// =============================================================================
// MASTER DATA
// =============================================================================

func TestPlan_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ae := plan.AccountExecutivePlan("p-ae", 2025)
	require.NoError(t, s.SavePlan(ctx, ae))

	got, err := s.GetPlan(ctx, "p-ae")
	require.NoError(t, err)
	assert.Equal(t, ae.Name, got.Name)
	assert.Equal(t, ae.Year, got.Year)
	require.Len(t, got.Metrics, len(ae.Metrics))
	assert.Equal(t, ae.Metrics[0].ID, got.Metrics[0].ID)
	assert.True(t, got.Metrics[0].WeightPct.Equal(ae.Metrics[0].WeightPct))

	_, err = s.GetPlan(ctx, "ghost")
	assert.ErrorIs(t, err, engine.ErrPlanNotFound)
}

func TestEmployee_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	emp := engine.Employee{
		ID:             "emp-1",
		Name:           "Dana Field",
		Email:          "dana@example.com",
		Currency:       engine.CurrencyUSD,
		OTE:            engine.USD(600000),
		TargetBonusPct: decimal.NewFromInt(20),
		CompRate:       decimal.NewFromInt(1),
		HireDate:       time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveEmployee(ctx, emp))

	emp.Email = "dana.field@example.com"
	require.NoError(t, s.SaveEmployee(ctx, emp))

	got, err := s.GetEmployee(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "dana.field@example.com", got.Email)
	assert.True(t, got.OTE.Value.Equal(decimal.NewFromInt(600000)))

	all, err := s.ListEmployees(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetEmployee(ctx, "ghost")
	assert.ErrorIs(t, err, engine.ErrEmployeeNotFound)
}

func TestTarget_UpsertByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := engine.UserTarget{
		ID:           "t1",
		EmployeeID:   "emp-1",
		PlanID:       "p1",
		MetricID:     "new-arr",
		AnnualAmount: engine.USD(1200000),
		From:         engine.NewMonth(2025, time.January),
		To:           engine.NewMonth(2025, time.December),
	}
	require.NoError(t, s.SaveTarget(ctx, target))

	target.AnnualAmount = engine.USD(1500000)
	require.NoError(t, s.SaveTarget(ctx, target))

	snap, err := s.Snapshot(ctx, engine.NewMonth(2025, time.January))
	require.NoError(t, err)
	require.Len(t, snap.Targets, 1)
	assert.True(t, snap.Targets[0].AnnualAmount.Value.Equal(decimal.NewFromInt(1500000)))
}

// =============================================================================
// FACTS AND PERIOD LOCKING
// =============================================================================

func TestSnapshot_FiscalYearWindow(t *testing.T) {
	// GIVEN: Deals booked in Dec 2024, Jan 2025, and Mar 2025
	// WHEN: Snapshotting February 2025
	// THEN: Only the January deal is inside the fiscal-year-to-date window

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDeal(ctx, testDeal("d-dec", time.Date(2024, time.December, 10, 0, 0, 0, 0, time.UTC))))
	require.NoError(t, s.SaveDeal(ctx, testDeal("d-jan", jan(10))))
	require.NoError(t, s.SaveDeal(ctx, testDeal("d-mar", time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC))))

	collected := jan(25)
	require.NoError(t, s.SaveCollection(ctx, engine.DealCollection{
		ID: "c1", DealID: "d-jan", DueAt: collected, CollectedAt: &collected,
	}))

	snap, err := s.Snapshot(ctx, engine.NewMonth(2025, time.February))
	require.NoError(t, err)
	require.Len(t, snap.Deals, 1)
	assert.Equal(t, engine.DealID("d-jan"), snap.Deals[0].ID)
	_, ok := snap.Collections["d-jan"]
	assert.True(t, ok)
}

func TestLockedMonth_RejectsFactWrites(t *testing.T) {
	// GIVEN: A finalized (locked) January run
	// WHEN: Writing facts into January
	// THEN: Every write fails with the locked-period error naming the run,
	//       while February stays writable

	s := newTestStore(t)
	ctx := context.Background()
	run := lockedRun(t, s, engine.NewMonth(2025, time.January))

	err := s.SaveActual(ctx, engine.MonthlyActual{
		EmployeeID: "emp-1", MetricID: "new-arr",
		Month: engine.NewMonth(2025, time.January), Amount: engine.USD(1000),
	})
	require.ErrorIs(t, err, engine.ErrLockedPeriod)
	var lpe *engine.LockedPeriodError
	require.ErrorAs(t, err, &lpe)
	assert.Equal(t, run.ID, lpe.RunID)

	err = s.SaveDeal(ctx, testDeal("d1", jan(15)))
	assert.ErrorIs(t, err, engine.ErrLockedPeriod)

	err = s.SaveActual(ctx, engine.MonthlyActual{
		EmployeeID: "emp-1", MetricID: "new-arr",
		Month: engine.NewMonth(2025, time.February), Amount: engine.USD(1000),
	})
	assert.NoError(t, err)
}

func TestSaveCollection_LockChecksBookingMonth(t *testing.T) {
	// A collection against a deal booked in a locked month is itself a
	// restatement of that month and must be rejected.
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDeal(ctx, testDeal("d1", jan(15))))
	lockedRun(t, s, engine.NewMonth(2025, time.January))

	collected := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	err := s.SaveCollection(ctx, engine.DealCollection{
		ID: "c1", DealID: "d1", DueAt: collected, CollectedAt: &collected,
	})
	assert.ErrorIs(t, err, engine.ErrLockedPeriod)
}

func TestSaveCollection_UnknownDeal(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveCollection(context.Background(), engine.DealCollection{ID: "c1", DealID: "ghost"})
	assert.ErrorIs(t, err, engine.ErrDealNotFound)
}

func TestRate_MissAndHit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	month := engine.NewMonth(2025, time.January)

	_, err := s.Rate("EUR", month)
	require.ErrorIs(t, err, engine.ErrMissingRate)
	var mre *engine.MissingRateError
	require.ErrorAs(t, err, &mre)
	assert.Equal(t, "EUR", mre.Currency)

	require.NoError(t, s.SaveRate(ctx, "EUR", month, decimal.NewFromFloat(1.08)))
	rate, err := s.Rate("EUR", month)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromFloat(1.08)))
}

// =============================================================================
// RUNS
// =============================================================================

func TestCreateRun_OnePerMonth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := engine.NewRun(engine.NewMonth(2025, time.January))
	require.NoError(t, s.CreateRun(ctx, run))

	dupe := engine.NewRun(engine.NewMonth(2025, time.January))
	assert.ErrorIs(t, s.CreateRun(ctx, dupe), engine.ErrDuplicateRun)

	got, err := s.RunForMonth(ctx, engine.NewMonth(2025, time.January))
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, engine.RunDraft, got.State)
}

func TestSaveRun_UnknownRun(t *testing.T) {
	s := newTestStore(t)
	run := engine.NewRun(engine.NewMonth(2025, time.January))
	err := s.SaveRun(context.Background(), run)
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

func TestReplaceRunOutputs_ReplacesInPlace(t *testing.T) {
	// Recalculation overwrites the previous payout rows wholesale; stale
	// rows from the first pass must not survive the transaction.
	s := newTestStore(t)
	ctx := context.Background()

	run := engine.NewRun(engine.NewMonth(2025, time.January))
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.ReplaceRunOutputs(ctx, run, engine.RunOutputs{
		Payouts: []engine.MonthlyPayout{
			variableRow(run.ID, "emp-1", 3600),
			variableRow(run.ID, "emp-2", 900),
		},
	}))
	require.NoError(t, s.ReplaceRunOutputs(ctx, run, engine.RunOutputs{
		Payouts: []engine.MonthlyPayout{variableRow(run.ID, "emp-1", 4100)},
	}))

	rows, err := s.PayoutsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].CalculatedUSD.Value.Equal(decimal.NewFromInt(4100)))
}

func TestReplaceRunOutputs_UpsertsAttributionsByKey(t *testing.T) {
	// Attributions are keyed by deal/employee/metric/year and restated in
	// place across recalculations rather than accumulating duplicates.
	s := newTestStore(t)
	ctx := context.Background()

	run := engine.NewRun(engine.NewMonth(2025, time.January))
	require.NoError(t, s.CreateRun(ctx, run))

	attr := engine.Attribution{
		DealID: "d1", EmployeeID: "emp-1", MetricID: "new-arr", FiscalYear: 2025,
		BookingUSD: engine.USD(3600), CollectionUSD: engine.USD(0),
		ComputedAt: time.Now().UTC(),
	}
	require.NoError(t, s.ReplaceRunOutputs(ctx, run, engine.RunOutputs{
		Attributions: []engine.Attribution{attr},
	}))

	attr.CollectionUSD = engine.USD(1200)
	require.NoError(t, s.ReplaceRunOutputs(ctx, run, engine.RunOutputs{
		Attributions: []engine.Attribution{attr},
	}))

	attrs, err := s.AttributionsForYear(ctx, 2025)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.True(t, attrs[0].CollectionUSD.Value.Equal(decimal.NewFromInt(1200)))
}

func TestReplaceRunOutputs_UnknownRun(t *testing.T) {
	s := newTestStore(t)
	run := engine.NewRun(engine.NewMonth(2025, time.January))
	err := s.ReplaceRunOutputs(context.Background(), run, engine.RunOutputs{})
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

func TestPriorRecognized_FinalizedRunsOnly(t *testing.T) {
	// GIVEN: A finalized January run and a calculated February run
	// WHEN: Reading the prior ledger for March
	// THEN: Only January's variable counts, under the plan-wide key

	s := newTestStore(t)
	ctx := context.Background()

	janRun := engine.NewRun(engine.NewMonth(2025, time.January))
	janRun.State = engine.RunFinalized
	janRun.IsLocked = true
	require.NoError(t, s.CreateRun(ctx, janRun))
	require.NoError(t, s.ReplaceRunOutputs(ctx, janRun, engine.RunOutputs{
		Payouts: []engine.MonthlyPayout{variableRow(janRun.ID, "emp-1", 3600)},
	}))

	febRun := engine.NewRun(engine.NewMonth(2025, time.February))
	febRun.State = engine.RunCalculated
	require.NoError(t, s.CreateRun(ctx, febRun))
	require.NoError(t, s.ReplaceRunOutputs(ctx, febRun, engine.RunOutputs{
		Payouts: []engine.MonthlyPayout{variableRow(febRun.ID, "emp-1", 1200)},
	}))

	ledger, err := s.PriorRecognized(ctx, "emp-1", 2025, engine.NewMonth(2025, time.March))
	require.NoError(t, err)
	assert.True(t, ledger.Variable[""].Equal(decimal.NewFromInt(3600)), "variable %s", ledger.Variable[""])
	assert.True(t, ledger.Commission.IsZero())
}

// =============================================================================
// CLAWBACKS
// =============================================================================

func TestClawback_RoundTripAndOpenOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := engine.ClawbackEntry{
		ID: "cb-older", EmployeeID: "emp-1", DealID: "d1",
		OriginalUSD: engine.USD(1000), RecoveredUSD: engine.USD(0),
		Status: engine.ClawbackPending, CreatedAt: jan(5),
	}
	newer := engine.ClawbackEntry{
		ID: "cb-newer", EmployeeID: "emp-1", DealID: "d2",
		OriginalUSD: engine.USD(500), RecoveredUSD: engine.USD(0),
		Status: engine.ClawbackPending, CreatedAt: jan(20),
	}
	waived := engine.ClawbackEntry{
		ID: "cb-waived", EmployeeID: "emp-1", DealID: "d3",
		OriginalUSD: engine.USD(700), RecoveredUSD: engine.USD(0),
		Status: engine.ClawbackWaived, CreatedAt: jan(1),
	}
	for _, e := range []engine.ClawbackEntry{newer, older, waived} {
		require.NoError(t, s.SaveClawback(ctx, e))
	}

	open, err := s.OpenClawbacks(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "cb-older", open[0].ID)
	assert.Equal(t, "cb-newer", open[1].ID)

	keys, err := s.ClawbackKeys(ctx)
	require.NoError(t, err)
	assert.True(t, keys["emp-1|d1"])
	assert.True(t, keys["emp-1|d3"])
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestAudit_AppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dealEntry := engine.NewAuditEntry("comp-ops-lead", engine.AuditCreate, "deal", "d1", nil, testDeal("d1", jan(10)))
	period := engine.NewMonth(2025, time.January)
	dealEntry.Period = &period
	dealEntry.Retroactive = true
	require.NoError(t, s.Append(ctx, dealEntry))
	require.NoError(t, s.Append(ctx, engine.NewAuditEntry("finance-lead", engine.AuditUpdate, "payout_run", "r1", nil, nil)))

	byEntity, err := s.Query(ctx, engine.AuditFilter{Entity: "deal"})
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, "d1", byEntity[0].EntityID)
	require.NotNil(t, byEntity[0].Period)
	assert.Equal(t, period, *byEntity[0].Period)
	assert.True(t, byEntity[0].Retroactive)

	byActor, err := s.Query(ctx, engine.AuditFilter{ActorID: "finance-lead"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "payout_run", byActor[0].Entity)
}

func TestReset_ClearsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDeal(ctx, testDeal("d1", jan(10))))
	require.NoError(t, s.CreateRun(ctx, engine.NewRun(engine.NewMonth(2025, time.January))))
	require.NoError(t, s.Reset(ctx))

	snap, err := s.Snapshot(ctx, engine.NewMonth(2025, time.January))
	require.NoError(t, err)
	assert.Empty(t, snap.Deals)

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
