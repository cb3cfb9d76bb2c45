/*
handlers.go - HTTP request handlers for the payout API

PURPOSE:
  Implements all HTTP endpoints. Handlers translate between the JSON API
  contract (dto.go) and the domain engine, enforce authorization, and map
  domain errors to HTTP status codes.

HANDLER PATTERN:
  Each handler follows the same structure:
  1. Authorize the caller's role for the object/action
  2. Parse and validate input (URL params, query string, JSON body)
  3. Call engine/store methods
  4. Convert results to DTOs
  5. Write JSON response

AUTHENTICATION:
  The service sits behind a gateway that authenticates callers and
  forwards identity in headers:
  - X-Actor: user identifier, recorded in the audit trail
  - X-Role:  rep | comp_ops | finance | admin

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Authorization denial
  - 404: Resource not found
  - 409: Lifecycle conflicts (duplicate run, bad transition, locked
         period, tranche not yet eligible)
  - 422: Missing exchange rate
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Automatic draft-run creation
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/comp-engine/authz"
	"github.com/warp/comp-engine/engine"
	"github.com/warp/comp-engine/plan"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        engine.Store
	Audit        engine.AuditLog
	Orchestrator *engine.Orchestrator
	Settlements  *engine.SettlementEngine
	Authz        *authz.Service
	Log          *logrus.Logger
}

// NewHandler wires the handler set over a store.
func NewHandler(store engine.Store, audit engine.AuditLog, az *authz.Service, log *logrus.Logger) *Handler {
	return &Handler{
		Store:        store,
		Audit:        audit,
		Orchestrator: engine.NewOrchestrator(store, audit, log),
		Settlements:  engine.NewSettlementEngine(store),
		Authz:        az,
		Log:          log,
	}
}

// actor returns the caller identity for audit stamping.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "system"
}

// authorize checks the caller's role against the policy table and writes the
// 403 itself on denial.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, object, action string) bool {
	if h.Authz == nil {
		return true
	}
	role := r.Header.Get("X-Role")
	if role == "" {
		role = "rep"
	}
	req := authz.NewRequest(authz.SubjectForRole(role), object, action)
	if err := h.Authz.Authorize(r.Context(), req); err != nil {
		writeError(w, http.StatusForbidden, "Permission denied", err)
		return false
	}
	return true
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPlans returns all registered comp plans.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "plans", "read") {
		return
	}
	plans, err := h.Store.ListPlans(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "Failed to list plans")
		return
	}
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p)
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].ID < dtos[j].ID })
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePlan registers a plan from its configuration document. Re-posting an
// existing plan ID bumps its version.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "plans", "write") {
		return
	}
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := plan.FromYAML(req.Config)
	if err != nil {
		h.writeDomainError(w, err, "Invalid plan configuration")
		return
	}
	if err := h.Store.SavePlan(r.Context(), p); err != nil {
		h.writeDomainError(w, err, "Failed to save plan")
		return
	}
	saved, err := h.Store.GetPlan(r.Context(), p.ID)
	if err != nil {
		h.writeDomainError(w, err, "Failed to reload plan")
		return
	}
	h.audit(r, engine.AuditCreate, "comp_plan", string(p.ID), nil, saved)
	writeJSON(w, http.StatusCreated, toPlanDTO(saved))
}

// GetPlan returns a single plan.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "plans", "read") {
		return
	}
	p, err := h.Store.GetPlan(r.Context(), engine.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get plan")
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(p))
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// ListEmployees returns all employees.
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "employees", "read") {
		return
	}
	employees, err := h.Store.ListEmployees(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "Failed to list employees")
		return
	}
	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEmployee returns a single employee.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "employees", "read") {
		return
	}
	emp, err := h.Store.GetEmployee(r.Context(), engine.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get employee")
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

// UpsertEmployee creates or replaces an employee record.
func (h *Handler) UpsertEmployee(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "employees", "write") {
		return
	}
	var req UpsertEmployeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	emp, err := employeeFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid employee", err)
		return
	}
	before, _ := h.Store.GetEmployee(r.Context(), emp.ID)
	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		h.writeDomainError(w, err, "Failed to save employee")
		return
	}
	action := engine.AuditCreate
	var beforeRec any
	if before.ID != "" {
		action = engine.AuditUpdate
		beforeRec = before
	}
	h.audit(r, action, "employee", string(emp.ID), beforeRec, emp)
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

func employeeFromRequest(req UpsertEmployeeRequest) (engine.Employee, error) {
	if req.ID == "" || req.Name == "" {
		return engine.Employee{}, fmt.Errorf("id and name are required")
	}
	ote, err := parseMoneyDTO(req.OTE)
	if err != nil {
		return engine.Employee{}, err
	}
	bonusPct, err := decimal.NewFromString(req.TargetBonusPct)
	if err != nil {
		return engine.Employee{}, fmt.Errorf("invalid target_bonus_pct: %w", err)
	}
	compRate, err := decimal.NewFromString(req.CompRate)
	if err != nil {
		return engine.Employee{}, fmt.Errorf("invalid comp_rate: %w", err)
	}
	hire, err := time.Parse("2006-01-02", req.HireDate)
	if err != nil {
		return engine.Employee{}, fmt.Errorf("invalid hire_date: %w", err)
	}
	emp := engine.Employee{
		ID:             engine.EmployeeID(req.ID),
		Name:           req.Name,
		Email:          req.Email,
		Currency:       req.Currency,
		OTE:            ote,
		TargetBonusPct: bonusPct,
		CompRate:       compRate,
		HireDate:       hire,
	}
	if req.DepartureDate != nil {
		dep, err := time.Parse("2006-01-02", *req.DepartureDate)
		if err != nil {
			return engine.Employee{}, fmt.Errorf("invalid departure_date: %w", err)
		}
		emp.DepartureDate = &dep
	}
	return emp, nil
}

// =============================================================================
// TARGET / ACTUAL / RATE HANDLERS
// =============================================================================

// UpsertTarget registers an annual target over an effective month range.
func (h *Handler) UpsertTarget(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "facts", "write") {
		return
	}
	var req UpsertTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	from, err := engine.ParseMonth(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from month", err)
		return
	}
	to, err := engine.ParseMonth(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to month", err)
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to precedes from", nil)
		return
	}
	amount, err := parseMoneyDTO(req.AnnualAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid annual_amount", err)
		return
	}
	id := req.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%s", req.EmployeeID, req.PlanID, req.From)
	}
	t := engine.UserTarget{
		ID:           id,
		EmployeeID:   engine.EmployeeID(req.EmployeeID),
		PlanID:       engine.PlanID(req.PlanID),
		MetricID:     engine.MetricID(req.MetricID),
		AnnualAmount: amount,
		From:         from,
		To:           to,
	}
	if err := h.Store.SaveTarget(r.Context(), t); err != nil {
		h.writeDomainError(w, err, "Failed to save target")
		return
	}
	h.audit(r, engine.AuditCreate, "target", t.ID, nil, t)
	writeJSON(w, http.StatusOK, req)
}

// UpsertActual records one achieved value. Rejected when the month is locked.
func (h *Handler) UpsertActual(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "facts", "write") {
		return
	}
	var req UpsertActualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	month, err := engine.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	amount, err := parseMoneyDTO(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	a := engine.MonthlyActual{
		EmployeeID: engine.EmployeeID(req.EmployeeID),
		MetricID:   engine.MetricID(req.MetricID),
		Month:      month,
		Amount:     amount,
	}
	if err := h.Store.SaveActual(r.Context(), a); err != nil {
		h.writeDomainError(w, err, "Failed to save actual")
		return
	}
	h.auditPeriod(r, engine.AuditUpdate, "actual",
		fmt.Sprintf("%s/%s/%s", req.EmployeeID, req.MetricID, req.Month), nil, a, month)
	writeJSON(w, http.StatusOK, req)
}

// UpsertRate sets the market exchange rate for a currency/month.
func (h *Handler) UpsertRate(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "facts", "write") {
		return
	}
	var req UpsertRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	month, err := engine.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil || !rate.IsPositive() {
		writeError(w, http.StatusBadRequest, "Invalid rate", err)
		return
	}
	if !engine.ValidCurrency(req.Currency) {
		writeError(w, http.StatusBadRequest, "Unknown currency", nil)
		return
	}
	if err := h.Store.SaveRate(r.Context(), req.Currency, month, rate); err != nil {
		h.writeDomainError(w, err, "Failed to save rate")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// =============================================================================
// DEAL AND COLLECTION HANDLERS
// =============================================================================

// ListDeals returns the deals visible in the snapshot of a month
// (?month=YYYY-MM, defaults to the current month).
func (h *Handler) ListDeals(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "deals", "read") {
		return
	}
	month := engine.CurrentMonth()
	if q := r.URL.Query().Get("month"); q != "" {
		m, err := engine.ParseMonth(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month", err)
			return
		}
		month = m
	}
	snap, err := h.Store.Snapshot(r.Context(), month)
	if err != nil {
		h.writeDomainError(w, err, "Failed to load deals")
		return
	}
	dtos := make([]DealDTO, len(snap.Deals))
	for i, d := range snap.Deals {
		dtos[i] = toDealDTO(d)
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].BookedAt < dtos[j].BookedAt })
	writeJSON(w, http.StatusOK, dtos)
}

// UpsertDeal creates or replaces a deal. Rejected when the booking month is
// locked by a finalized run.
func (h *Handler) UpsertDeal(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "deals", "write") {
		return
	}
	var req UpsertDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	d, err := dealFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid deal", err)
		return
	}
	if err := h.Store.SaveDeal(r.Context(), d); err != nil {
		h.writeDomainError(w, err, "Failed to save deal")
		return
	}
	h.auditPeriod(r, engine.AuditUpdate, "deal", string(d.ID), nil, d, d.BookingMonth())
	writeJSON(w, http.StatusOK, toDealDTO(d))
}

func dealFromRequest(req UpsertDealRequest) (engine.Deal, error) {
	if req.ID == "" {
		return engine.Deal{}, fmt.Errorf("id is required")
	}
	bookedAt, err := time.Parse(time.RFC3339, req.BookedAt)
	if err != nil {
		return engine.Deal{}, fmt.Errorf("invalid booked_at: %w", err)
	}
	margin, err := decimal.NewFromString(req.GrossMarginPct)
	if err != nil {
		return engine.Deal{}, fmt.Errorf("invalid gross_margin_pct: %w", err)
	}
	d := engine.Deal{
		ID:             engine.DealID(req.ID),
		Name:           req.Name,
		Type:           engine.DealType(req.Type),
		PlanID:         engine.PlanID(req.PlanID),
		Currency:       req.Currency,
		BookedAt:       bookedAt,
		GrossMarginPct: margin,
		RenewalTermYrs: req.RenewalTermYrs,
	}
	components := []struct {
		name string
		src  MoneyDTO
		dst  *engine.Money
	}{
		{"arr", req.ARR, &d.ARR},
		{"tcv", req.TCV, &d.TCV},
		{"implementation", req.Implementation, &d.Implementation},
		{"managed_services", req.ManagedServices, &d.ManagedServices},
		{"change_request", req.ChangeRequest, &d.ChangeRequest},
	}
	for _, c := range components {
		src := c.src
		if src.Amount == "" {
			src = MoneyDTO{Amount: "0", Currency: req.Currency}
		}
		m, err := parseMoneyDTO(src)
		if err != nil {
			return engine.Deal{}, fmt.Errorf("invalid %s: %w", c.name, err)
		}
		*c.dst = m
	}
	for _, role := range req.Roles {
		split, err := decimal.NewFromString(role.SplitPct)
		if err != nil {
			return engine.Deal{}, fmt.Errorf("invalid split_pct for %s: %w", role.EmployeeID, err)
		}
		d.Roles = append(d.Roles, engine.DealRole{
			EmployeeID: engine.EmployeeID(role.EmployeeID),
			Role:       role.Role,
			SplitPct:   split,
		})
	}
	return d, nil
}

// UpsertCollection records a deal's collection event (or its failure).
// Rejected when the collection month is locked.
func (h *Handler) UpsertCollection(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "deals", "write") {
		return
	}
	var req CollectionDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	dueAt, err := time.Parse(time.RFC3339, req.DueAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_at", err)
		return
	}
	c := engine.DealCollection{
		ID:     req.ID,
		DealID: engine.DealID(req.DealID),
		DueAt:  dueAt,
		Failed: req.Failed,
	}
	if c.ID == "" {
		c.ID = "col-" + req.DealID
	}
	if req.CollectedAt != nil {
		at, err := time.Parse(time.RFC3339, *req.CollectedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid collected_at", err)
			return
		}
		c.CollectedAt = &at
	}
	if req.FailedAt != nil {
		at, err := time.Parse(time.RFC3339, *req.FailedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid failed_at", err)
			return
		}
		c.FailedAt = &at
	}
	if err := h.Store.SaveCollection(r.Context(), c); err != nil {
		h.writeDomainError(w, err, "Failed to save collection")
		return
	}
	h.audit(r, engine.AuditUpdate, "collection", c.ID, nil, c)
	writeJSON(w, http.StatusOK, req)
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// ListRuns returns all payout runs, newest month first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "runs", "read") {
		return
	}
	runs, err := h.Store.ListRuns(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "Failed to list runs")
		return
	}
	sort.Slice(runs, func(i, j int) bool { return runs[j].Month.Before(runs[i].Month) })
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRun opens a draft run for a month. One run per month.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "runs", "write") {
		return
	}
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	month, err := engine.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	run, err := h.Orchestrator.CreateRun(r.Context(), month, actor(r))
	if err != nil {
		h.writeDomainError(w, err, "Failed to create run")
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(run))
}

// GetRun returns a single run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "runs", "read") {
		return
	}
	run, err := h.Store.GetRun(r.Context(), engine.RunID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// CalculateRun computes (or recomputes) the run's payout rows.
func (h *Handler) CalculateRun(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "runs", "calculate") {
		return
	}
	res, err := h.Orchestrator.Calculate(r.Context(), engine.RunID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.writeDomainError(w, err, "Calculation failed")
		return
	}
	resp := CalculateResponse{Run: toRunDTO(res.Run)}
	for _, p := range res.Payouts {
		resp.Payouts = append(resp.Payouts, toPayoutDTO(p))
	}
	for _, f := range res.Failures {
		resp.Failures = append(resp.Failures, FailureDTO{EmployeeID: string(f.EmployeeID), Reason: f.Reason})
	}
	writeJSON(w, http.StatusOK, resp)
}

// TransitionRun advances the run lifecycle. Finalizing locks the month and
// applies clawback recoveries and approved adjustments.
func (h *Handler) TransitionRun(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	to := engine.RunState(req.To)
	action := "transition"
	// Approving and finalizing are finance-level gates.
	if to == engine.RunApproved || to == engine.RunFinalized || to == engine.RunPaid {
		action = "approve"
	}
	if !h.authorize(w, r, "runs", action) {
		return
	}
	run, err := h.Orchestrator.Transition(r.Context(), engine.RunID(chi.URLParam(r, "id")), to, actor(r))
	if err != nil {
		h.writeDomainError(w, err, "Transition failed")
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// GetRunPayouts returns the payout rows of a run.
func (h *Handler) GetRunPayouts(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "payouts", "read") {
		return
	}
	id := engine.RunID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetRun(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "Failed to get run")
		return
	}
	payouts, err := h.Store.PayoutsForRun(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to load payouts")
		return
	}
	dtos := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = toPayoutDTO(p)
	}
	sort.Slice(dtos, func(i, j int) bool {
		if dtos[i].EmployeeID != dtos[j].EmployeeID {
			return dtos[i].EmployeeID < dtos[j].EmployeeID
		}
		return dtos[i].Type < dtos[j].Type
	})
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CLAWBACK HANDLERS
// =============================================================================

// ListClawbacks returns ledger entries, optionally filtered by
// ?employee_id= and ?status=.
func (h *Handler) ListClawbacks(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "clawbacks", "read") {
		return
	}
	entries, err := h.Store.ListClawbacks(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "Failed to list clawbacks")
		return
	}
	empFilter := r.URL.Query().Get("employee_id")
	statusFilter := r.URL.Query().Get("status")
	var dtos []ClawbackDTO
	for _, e := range entries {
		if empFilter != "" && string(e.EmployeeID) != empFilter {
			continue
		}
		if statusFilter != "" && string(e.Status) != statusFilter {
			continue
		}
		dtos = append(dtos, toClawbackDTO(e))
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].CreatedAt < dtos[j].CreatedAt })
	writeJSON(w, http.StatusOK, dtos)
}

// WaiveClawback writes off a clawback's remaining balance.
func (h *Handler) WaiveClawback(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "clawbacks", "waive") {
		return
	}
	entry, err := h.Store.GetClawback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get clawback")
		return
	}
	before := entry
	if err := entry.Waive(actor(r), time.Now().UTC()); err != nil {
		h.writeDomainError(w, err, "Cannot waive clawback")
		return
	}
	if err := h.Store.SaveClawback(r.Context(), entry); err != nil {
		h.writeDomainError(w, err, "Failed to save clawback")
		return
	}
	h.audit(r, engine.AuditUpdate, "clawback", entry.ID, before, entry)
	writeJSON(w, http.StatusOK, toClawbackDTO(entry))
}

// RecoverClawback records an out-of-band repayment (e.g. a direct repayment
// from a departed employee) against a clawback. Recovery through payroll
// happens automatically at run finalize.
func (h *Handler) RecoverClawback(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "clawbacks", "write") {
		return
	}
	var req struct {
		Amount MoneyDTO `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseMoneyDTO(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	entry, err := h.Store.GetClawback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get clawback")
		return
	}
	before := entry
	if _, err := entry.ApplyRecovery(amount); err != nil {
		h.writeDomainError(w, err, "Cannot apply recovery")
		return
	}
	if err := h.Store.SaveClawback(r.Context(), entry); err != nil {
		h.writeDomainError(w, err, "Failed to save clawback")
		return
	}
	h.audit(r, engine.AuditUpdate, "clawback", entry.ID, before, entry)
	writeJSON(w, http.StatusOK, toClawbackDTO(entry))
}

// =============================================================================
// ADJUSTMENT HANDLERS
// =============================================================================

// ListAdjustments returns all payout adjustments.
func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "adjustments", "read") {
		return
	}
	adjustments, err := h.Store.ListAdjustments(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "Failed to list adjustments")
		return
	}
	dtos := make([]AdjustmentDTO, len(adjustments))
	for i, a := range adjustments {
		dtos[i] = toAdjustmentDTO(a)
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].CreatedAt < dtos[j].CreatedAt })
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAdjustment proposes a correction to a finalized payout. The original
// amounts come from the targeted run's payout row.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "adjustments", "write") {
		return
	}
	var req CreateAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}
	run, err := h.Store.GetRun(r.Context(), engine.RunID(req.RunID))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get run")
		return
	}
	if !run.IsLocked {
		writeError(w, http.StatusConflict,
			"Run is not finalized; correct the source data and recalculate instead", nil)
		return
	}
	emp, err := h.Store.GetEmployee(r.Context(), engine.EmployeeID(req.EmployeeID))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get employee")
		return
	}
	adjustedUSD, err := parseMoneyDTO(req.AdjustedUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid adjusted_usd", err)
		return
	}

	payouts, err := h.Store.PayoutsForRun(r.Context(), run.ID)
	if err != nil {
		h.writeDomainError(w, err, "Failed to load payouts")
		return
	}
	originalUSD := engine.USD(0)
	originalLocal := engine.Money{Value: decimal.Zero, Currency: emp.Currency}
	for _, p := range payouts {
		if p.EmployeeID == emp.ID && p.Type == engine.PayoutType(req.PayoutType) {
			originalUSD = p.CalculatedUSD
			originalLocal = p.CalculatedLocal
			break
		}
	}
	adjustedLocal, err := engine.NewConverter(h.Store).CompFromUSD(emp, adjustedUSD)
	if err != nil {
		h.writeDomainError(w, err, "Failed to convert adjusted amount")
		return
	}

	applyTo := run.Month.Next()
	if req.ApplyTo != "" {
		m, err := engine.ParseMonth(req.ApplyTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid apply_to_month", err)
			return
		}
		if !m.After(run.Month) {
			writeError(w, http.StatusBadRequest, "apply_to_month must follow the adjusted run's month", nil)
			return
		}
		applyTo = m
	}

	adj := engine.NewAdjustment(run.ID, emp.ID, engine.PayoutType(req.PayoutType),
		originalUSD, adjustedUSD, originalLocal, adjustedLocal, req.Reason, actor(r), applyTo)
	if err := h.Store.SaveAdjustment(r.Context(), adj); err != nil {
		h.writeDomainError(w, err, "Failed to save adjustment")
		return
	}
	h.auditPeriod(r, engine.AuditCreate, "adjustment", adj.ID, nil, adj, run.Month)
	writeJSON(w, http.StatusCreated, toAdjustmentDTO(adj))
}

// ApproveAdjustment approves a pending adjustment; it folds into the next
// finalized run for its target month.
func (h *Handler) ApproveAdjustment(w http.ResponseWriter, r *http.Request) {
	h.decideAdjustment(w, r, true)
}

// RejectAdjustment rejects a pending adjustment.
func (h *Handler) RejectAdjustment(w http.ResponseWriter, r *http.Request) {
	h.decideAdjustment(w, r, false)
}

func (h *Handler) decideAdjustment(w http.ResponseWriter, r *http.Request, approve bool) {
	if !h.authorize(w, r, "adjustments", "approve") {
		return
	}
	adj, err := h.Store.GetAdjustment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get adjustment")
		return
	}
	before := adj
	now := time.Now().UTC()
	if approve {
		err = adj.Approve(actor(r), now)
	} else {
		err = adj.Reject(actor(r), now)
	}
	if err != nil {
		h.writeDomainError(w, err, "Cannot decide adjustment")
		return
	}
	if err := h.Store.SaveAdjustment(r.Context(), adj); err != nil {
		h.writeDomainError(w, err, "Failed to save adjustment")
		return
	}
	h.audit(r, engine.AuditUpdate, "adjustment", adj.ID, before, adj)
	writeJSON(w, http.StatusOK, toAdjustmentDTO(adj))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// ListSettlements returns all departure settlements.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "settlements", "read") {
		return
	}
	settlements, err := h.Store.ListSettlements(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "Failed to list settlements")
		return
	}
	dtos := make([]SettlementDTO, len(settlements))
	for i, s := range settlements {
		dtos[i] = toSettlementDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// OpenSettlement opens a two-tranche settlement for a departing employee.
func (h *Handler) OpenSettlement(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "settlements", "write") {
		return
	}
	var req OpenSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	departure, err := time.Parse("2006-01-02", req.DepartureDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid departure_date", err)
		return
	}
	grace := req.GraceDays
	if grace <= 0 {
		grace = 90
	}
	s, err := h.Settlements.Open(r.Context(), engine.EmployeeID(req.EmployeeID), departure, grace)
	if err != nil {
		h.writeDomainError(w, err, "Failed to open settlement")
		return
	}
	h.audit(r, engine.AuditCreate, "settlement", s.ID, nil, s)
	writeJSON(w, http.StatusCreated, toSettlementDTO(s))
}

// GetSettlement returns one settlement.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "settlements", "read") {
		return
	}
	s, err := h.Store.GetSettlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "Failed to get settlement")
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

// CalculateTranche computes tranche 1 or 2 of a settlement. Tranche 2 is
// rejected before departure_date + grace_days.
func (h *Handler) CalculateTranche(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "settlements", "write") {
		return
	}
	id := chi.URLParam(r, "id")
	var (
		s   engine.FnfSettlement
		err error
	)
	switch chi.URLParam(r, "tranche") {
	case "1":
		s, err = h.Settlements.CalculateTranche1(r.Context(), id)
	case "2":
		s, err = h.Settlements.CalculateTranche2(r.Context(), id, time.Now().UTC())
	default:
		writeError(w, http.StatusBadRequest, "tranche must be 1 or 2", nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, err, "Tranche calculation failed")
		return
	}
	h.audit(r, engine.AuditUpdate, "settlement", s.ID, nil, s)
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

// FinalizeTranche stamps a calculated tranche finalized.
func (h *Handler) FinalizeTranche(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "settlements", "approve") {
		return
	}
	var tranche int
	switch chi.URLParam(r, "tranche") {
	case "1":
		tranche = 1
	case "2":
		tranche = 2
	default:
		writeError(w, http.StatusBadRequest, "tranche must be 1 or 2", nil)
		return
	}
	s, err := h.Settlements.FinalizeTranche(r.Context(), chi.URLParam(r, "id"), tranche)
	if err != nil {
		h.writeDomainError(w, err, "Cannot finalize tranche")
		return
	}
	h.audit(r, engine.AuditUpdate, "settlement", s.ID, nil, s)
	writeJSON(w, http.StatusOK, toSettlementDTO(s))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit entries filtered by ?entity=, ?entity_id=,
// ?actor_id=, ?from=, ?to= (RFC 3339).
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "audit", "read") {
		return
	}
	q := r.URL.Query()
	filter := engine.AuditFilter{
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
		ActorID:  q.Get("actor_id"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from", err)
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to", err)
			return
		}
		filter.To = &t
	}
	entries, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err, "Failed to query audit log")
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLock reports whether a month is locked by a finalized run, so data-entry
// tooling can warn before a write bounces.
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "runs", "read") {
		return
	}
	month, err := engine.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	locked, err := h.Orchestrator.IsMonthLocked(r.Context(), month)
	if err != nil {
		h.writeDomainError(w, err, "Failed to check lock")
		return
	}
	writeJSON(w, http.StatusOK, LockDTO{Month: month.String(), Locked: locked})
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrLockedPeriod),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrDuplicateRun),
		errors.Is(err, engine.ErrPriorRunOpen),
		errors.Is(err, engine.ErrTrancheNotEligible),
		errors.Is(err, engine.ErrAdjustmentState),
		errors.Is(err, engine.ErrClawbackState):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrMissingRate):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, authz.ErrForbidden):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError && h.Log != nil {
		h.Log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func (h *Handler) audit(r *http.Request, action engine.AuditAction, entity, entityID string, before, after any) {
	if h.Audit == nil {
		return
	}
	entry := engine.NewAuditEntry(actor(r), action, entity, entityID, before, after)
	if err := h.Audit.Append(r.Context(), entry); err != nil && h.Log != nil {
		h.Log.WithError(err).WithField("entity", entity).Warn("audit append failed")
	}
}

func (h *Handler) auditPeriod(r *http.Request, action engine.AuditAction, entity, entityID string, before, after any, period engine.Month) {
	if h.Audit == nil {
		return
	}
	locked, err := h.Orchestrator.IsMonthLocked(r.Context(), period)
	if err != nil {
		locked = false
	}
	entry := engine.NewAuditEntry(actor(r), action, entity, entityID, before, after).WithPeriod(period, locked)
	if err := h.Audit.Append(r.Context(), entry); err != nil && h.Log != nil {
		h.Log.WithError(err).WithField("entity", entity).Warn("audit append failed")
	}
}

func strPtr(s string) *string { return &s }
