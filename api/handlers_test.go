package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/comp-engine/api"
	"github.com/warp/comp-engine/authz"
	"github.com/warp/comp-engine/engine"
	"github.com/warp/comp-engine/engine/store"
	"github.com/warp/comp-engine/plan"
)

func newTestAPI(t *testing.T, mode authz.Mode) (http.Handler, *store.Memory) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	az, err := authz.NewService(authz.Config{Mode: mode, Logger: log})
	require.NoError(t, err)
	mem := store.NewMemory()
	h := api.NewHandler(mem, mem, az, log)
	return api.NewRouter(h), mem
}

// doJSON issues a request with the role header set and returns the recorder.
func doJSON(t *testing.T, h http.Handler, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "test-user")
	if role != "" {
		req.Header.Set("X-Role", role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

// seedBook loads the store with a plan, an employee, a full-year target, a
// January actual, and a January deal so a run has something to price.
func seedBook(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()

	p := engine.CompPlan{
		ID:                 "p1",
		Name:               "AE 2025",
		Year:               2025,
		ClawbackWindowDays: 365,
		Metrics: []engine.PlanMetric{{
			ID:        "new-arr",
			PlanID:    "p1",
			Name:      "New ARR",
			WeightPct: decimal.NewFromInt(100),
			Basis:     engine.BasisARR,
			Logic:     engine.LogicLinear,
			Split:     engine.NewSplit(75, 25, 0),
		}},
	}
	require.NoError(t, p.Validate())
	require.NoError(t, mem.SavePlan(ctx, p))

	require.NoError(t, mem.SaveEmployee(ctx, engine.Employee{
		ID:             "emp-1",
		Name:           "Dana Field",
		Email:          "dana@example.com",
		Currency:       engine.CurrencyUSD,
		OTE:            engine.USD(600000),
		TargetBonusPct: decimal.NewFromInt(20),
		CompRate:       decimal.NewFromInt(1),
		HireDate:       time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC),
	}))

	require.NoError(t, mem.SaveTarget(ctx, engine.UserTarget{
		ID:           "t1",
		EmployeeID:   "emp-1",
		PlanID:       "p1",
		MetricID:     "new-arr",
		AnnualAmount: engine.USD(1200000),
		From:         engine.NewMonth(2025, time.January),
		To:           engine.NewMonth(2025, time.December),
	}))

	require.NoError(t, mem.SaveActual(ctx, engine.MonthlyActual{
		EmployeeID: "emp-1", MetricID: "new-arr",
		Month:  engine.NewMonth(2025, time.January),
		Amount: engine.USD(120000),
	}))

	require.NoError(t, mem.SaveDeal(ctx, engine.Deal{
		ID:       "d1",
		Name:     "Acme renewal platform",
		Type:     engine.DealNewBusiness,
		PlanID:   "p1",
		Currency: engine.CurrencyUSD,
		BookedAt: time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC),
		ARR:      engine.USD(500000),
		TCV:      engine.USD(500000),
		Roles: []engine.DealRole{
			{EmployeeID: "emp-1", Role: "rep", SplitPct: decimal.NewFromInt(100)},
		},
	}))
}

// =============================================================================
// HEALTH AND AUTHZ
// =============================================================================

func TestHealthz(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeDisabled)
	rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthz_EnforceDeniesRepWrites(t *testing.T) {
	// GIVEN: Enforce-mode authorization
	// WHEN: A rep tries to open a run, then lists runs
	// THEN: The write is 403 and the read succeeds

	h, _ := newTestAPI(t, authz.ModeEnforce)

	rec := doJSON(t, h, http.MethodPost, "/api/runs", "rep", api.CreateRunRequest{Month: "2025-01"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/runs", "rep", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthz_AuditIsFinanceOnly(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeEnforce)

	rec := doJSON(t, h, http.MethodGet, "/api/audit", "comp_ops", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/audit", "finance", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// MASTER DATA ENDPOINTS
// =============================================================================

func TestUpsertEmployee_RoundTrip(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeEnforce)

	req := api.UpsertEmployeeRequest{
		ID:             "emp-1",
		Name:           "Dana Field",
		Email:          "dana@example.com",
		Currency:       "USD",
		OTE:            api.MoneyDTO{Amount: "600000", Currency: "USD"},
		TargetBonusPct: "20",
		CompRate:       "1",
		HireDate:       "2023-06-01",
	}
	rec := doJSON(t, h, http.MethodPost, "/api/employees", "comp_ops", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/api/employees/emp-1", "comp_ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[api.EmployeeDTO](t, rec)
	assert.Equal(t, "Dana Field", got.Name)
	assert.Equal(t, "600000.00", got.OTE.Amount)
}

func TestUpsertEmployee_MissingID(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeDisabled)
	rec := doJSON(t, h, http.MethodPost, "/api/employees", "", api.UpsertEmployeeRequest{Name: "No ID"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePlan_RegistersConfig(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeDisabled)

	req := api.CreatePlanRequest{Config: plan.ToYAML(plan.AccountExecutivePlan("p-ae", 2025))}
	rec := doJSON(t, h, http.MethodPost, "/api/plans", "", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/api/plans/p-ae", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[api.PlanDTO](t, rec)
	assert.Equal(t, "Account Executive", got.Name)
	assert.Equal(t, 2025, got.Year)
}

func TestGetPlan_NotFound(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeDisabled)
	rec := doJSON(t, h, http.MethodGet, "/api/plans/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertRate_UnknownCurrency(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeDisabled)
	rec := doJSON(t, h, http.MethodPost, "/api/rates", "", api.UpsertRateRequest{
		Currency: "ZZZ", Month: "2025-01", Rate: "1.08",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

func TestCreateRun_DuplicateMonthConflicts(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeDisabled)

	rec := doJSON(t, h, http.MethodPost, "/api/runs", "", api.CreateRunRequest{Month: "2025-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decodeBody[api.RunDTO](t, rec)
	assert.Equal(t, "draft", run.State)

	rec = doJSON(t, h, http.MethodPost, "/api/runs", "", api.CreateRunRequest{Month: "2025-01"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCalculateRun_ProducesPayouts(t *testing.T) {
	// GIVEN: A seeded January book (120% achievement on a 100%-weight metric)
	// WHEN: Creating and calculating the January run
	// THEN: The booking tranche pays 9,000 (10k pool x 1.2 x 75%)

	h, mem := newTestAPI(t, authz.ModeDisabled)
	seedBook(t, mem)

	rec := doJSON(t, h, http.MethodPost, "/api/runs", "", api.CreateRunRequest{Month: "2025-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decodeBody[api.RunDTO](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/api/runs/"+run.ID+"/calculate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[api.CalculateResponse](t, rec)
	assert.Equal(t, "calculated", res.Run.State)
	assert.Empty(t, res.Failures)

	// One row per payout type; commission and spiff are zero for this book.
	require.Len(t, res.Payouts, 3)
	byType := make(map[string]api.PayoutDTO, len(res.Payouts))
	for _, p := range res.Payouts {
		byType[p.Type] = p
	}
	require.Contains(t, byType, "variable")
	assert.Equal(t, "9000.00", byType["variable"].CalculatedUSD.Amount)
	assert.Equal(t, "0.00", byType["commission"].CalculatedUSD.Amount)
	assert.Equal(t, "0.00", byType["spiff"].CalculatedUSD.Amount)
}

func TestTransitionRun_ApprovalIsFinanceGated(t *testing.T) {
	h, mem := newTestAPI(t, authz.ModeEnforce)
	seedBook(t, mem)

	rec := doJSON(t, h, http.MethodPost, "/api/runs", "comp_ops", api.CreateRunRequest{Month: "2025-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decodeBody[api.RunDTO](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/api/runs/"+run.ID+"/calculate", "comp_ops", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/runs/"+run.ID+"/transition", "comp_ops",
		api.TransitionRequest{To: "reviewed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/runs/"+run.ID+"/transition", "comp_ops",
		api.TransitionRequest{To: "approved"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/runs/"+run.ID+"/transition", "finance",
		api.TransitionRequest{To: "approved"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[api.RunDTO](t, rec)
	assert.Equal(t, "approved", got.State)
}

func TestTransitionRun_SkippingStatesConflicts(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeDisabled)

	rec := doJSON(t, h, http.MethodPost, "/api/runs", "", api.CreateRunRequest{Month: "2025-01"})
	require.Equal(t, http.StatusCreated, rec.Code)
	run := decodeBody[api.RunDTO](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/api/runs/"+run.ID+"/transition", "",
		api.TransitionRequest{To: "approved"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// PERIOD LOCKING OVER HTTP
// =============================================================================

func TestUpsertActual_LockedMonthConflicts(t *testing.T) {
	// GIVEN: A finalized January run
	// WHEN: Posting a January actual
	// THEN: 409; the correction path is a payout adjustment

	h, mem := newTestAPI(t, authz.ModeDisabled)
	run := engine.NewRun(engine.NewMonth(2025, time.January))
	run.State = engine.RunFinalized
	run.IsLocked = true
	require.NoError(t, mem.CreateRun(context.Background(), run))

	rec := doJSON(t, h, http.MethodPost, "/api/actuals", "", api.UpsertActualRequest{
		EmployeeID: "emp-1", MetricID: "new-arr", Month: "2025-01",
		Amount: api.MoneyDTO{Amount: "120000", Currency: "USD"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/actuals", "", api.UpsertActualRequest{
		EmployeeID: "emp-1", MetricID: "new-arr", Month: "2025-02",
		Amount: api.MoneyDTO{Amount: "80000", Currency: "USD"},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGetLock_ReflectsFinalizedRun(t *testing.T) {
	h, mem := newTestAPI(t, authz.ModeDisabled)
	run := engine.NewRun(engine.NewMonth(2025, time.January))
	run.State = engine.RunFinalized
	run.IsLocked = true
	require.NoError(t, mem.CreateRun(context.Background(), run))

	rec := doJSON(t, h, http.MethodGet, "/api/locks/2025-01", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[api.LockDTO](t, rec)
	assert.True(t, got.Locked)

	rec = doJSON(t, h, http.MethodGet, "/api/locks/2025-02", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeBody[api.LockDTO](t, rec)
	assert.False(t, got.Locked)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestCreateAdjustment_RequiresFinalizedRun(t *testing.T) {
	h, mem := newTestAPI(t, authz.ModeDisabled)
	run := engine.NewRun(engine.NewMonth(2025, time.January))
	require.NoError(t, mem.CreateRun(context.Background(), run))
	require.NoError(t, mem.SaveEmployee(context.Background(), engine.Employee{
		ID: "emp-1", Name: "Dana Field", Currency: engine.CurrencyUSD,
		CompRate: decimal.NewFromInt(1),
	}))

	rec := doJSON(t, h, http.MethodPost, "/api/adjustments", "", api.CreateAdjustmentRequest{
		RunID: string(run.ID), EmployeeID: "emp-1", PayoutType: "variable",
		AdjustedUSD: api.MoneyDTO{Amount: "4100", Currency: "USD"},
		Reason:      "split correction",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdjustmentDecision_ApproveThenReApproveConflicts(t *testing.T) {
	h, mem := newTestAPI(t, authz.ModeDisabled)
	ctx := context.Background()

	run := engine.NewRun(engine.NewMonth(2025, time.January))
	run.State = engine.RunFinalized
	run.IsLocked = true
	require.NoError(t, mem.CreateRun(ctx, run))
	require.NoError(t, mem.SaveEmployee(ctx, engine.Employee{
		ID: "emp-1", Name: "Dana Field", Currency: engine.CurrencyUSD,
		CompRate: decimal.NewFromInt(1),
	}))

	rec := doJSON(t, h, http.MethodPost, "/api/adjustments", "", api.CreateAdjustmentRequest{
		RunID: string(run.ID), EmployeeID: "emp-1", PayoutType: "variable",
		AdjustedUSD: api.MoneyDTO{Amount: "4100", Currency: "USD"},
		Reason:      "split correction",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adj := decodeBody[api.AdjustmentDTO](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/api/adjustments/"+adj.ID+"/approve", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[api.AdjustmentDTO](t, rec)
	assert.Equal(t, "approved", got.State)

	rec = doJSON(t, h, http.MethodPost, "/api/adjustments/"+adj.ID+"/approve", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func TestOpenSettlement_UnknownEmployee(t *testing.T) {
	h, _ := newTestAPI(t, authz.ModeDisabled)
	rec := doJSON(t, h, http.MethodPost, "/api/settlements", "", api.OpenSettlementRequest{
		EmployeeID: "ghost", DepartureDate: "2025-02-15",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenSettlement_DefaultsGraceDays(t *testing.T) {
	h, mem := newTestAPI(t, authz.ModeDisabled)
	seedBook(t, mem)

	rec := doJSON(t, h, http.MethodPost, "/api/settlements", "", api.OpenSettlementRequest{
		EmployeeID: "emp-1", DepartureDate: "2025-02-15",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeBody[api.SettlementDTO](t, rec)
	assert.Equal(t, 90, got.GraceDays)
	assert.Equal(t, "pending", got.Tranche1.Status)
}
