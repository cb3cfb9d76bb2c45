// Package store provides in-memory Store implementations for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/comp-engine/engine"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements engine.Store and engine.AuditLog behind one RWMutex,
// which also gives Snapshot its consistency: a snapshot is taken under the
// read lock, so it can never observe a partial write.
type Memory struct {
	mu sync.RWMutex

	plans       map[engine.PlanID]engine.CompPlan
	employees   map[engine.EmployeeID]engine.Employee
	targets     []engine.UserTarget
	actuals     map[string]engine.MonthlyActual // employee|metric|month
	deals       map[engine.DealID]engine.Deal
	collections map[engine.DealID]engine.DealCollection
	rates       map[string]decimal.Decimal // currency|month

	runs         map[engine.RunID]engine.PayoutRun
	runByMonth   map[string]engine.RunID
	payouts      map[engine.RunID]map[string]engine.MonthlyPayout // by natural key
	attributions map[string]engine.Attribution                    // by natural key
	lines        map[string]engine.CommissionLine                 // rule|deal|employee|fy

	clawbacks   map[string]engine.ClawbackEntry
	adjustments map[string]engine.PayoutAdjustment
	settlements map[string]engine.FnfSettlement

	audit []engine.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		plans:        make(map[engine.PlanID]engine.CompPlan),
		employees:    make(map[engine.EmployeeID]engine.Employee),
		actuals:      make(map[string]engine.MonthlyActual),
		deals:        make(map[engine.DealID]engine.Deal),
		collections:  make(map[engine.DealID]engine.DealCollection),
		rates:        make(map[string]decimal.Decimal),
		runs:         make(map[engine.RunID]engine.PayoutRun),
		runByMonth:   make(map[string]engine.RunID),
		payouts:      make(map[engine.RunID]map[string]engine.MonthlyPayout),
		attributions: make(map[string]engine.Attribution),
		lines:        make(map[string]engine.CommissionLine),
		clawbacks:    make(map[string]engine.ClawbackEntry),
		adjustments:  make(map[string]engine.PayoutAdjustment),
		settlements:  make(map[string]engine.FnfSettlement),
	}
}

// lockedRun returns the finalized run locking the month, if any. Callers
// hold at least the read lock.
func (m *Memory) lockedRun(month engine.Month) (engine.PayoutRun, bool) {
	id, ok := m.runByMonth[month.String()]
	if !ok {
		return engine.PayoutRun{}, false
	}
	run := m.runs[id]
	return run, run.IsLocked
}

// =============================================================================
// CONFIGURATION AND FACTS
// =============================================================================

func (m *Memory) SavePlan(_ context.Context, plan engine.CompPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id engine.PlanID) (engine.CompPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[id]
	if !ok {
		return engine.CompPlan{}, engine.ErrPlanNotFound
	}
	return plan, nil
}

func (m *Memory) ListPlans(_ context.Context) ([]engine.CompPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plans := make([]engine.CompPlan, 0, len(m.plans))
	for _, p := range m.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (m *Memory) SaveEmployee(_ context.Context, emp engine.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[emp.ID] = emp
	return nil
}

func (m *Memory) GetEmployee(_ context.Context, id engine.EmployeeID) (engine.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	emp, ok := m.employees[id]
	if !ok {
		return engine.Employee{}, engine.ErrEmployeeNotFound
	}
	return emp, nil
}

func (m *Memory) ListEmployees(_ context.Context) ([]engine.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	emps := make([]engine.Employee, 0, len(m.employees))
	for _, e := range m.employees {
		emps = append(emps, e)
	}
	sort.Slice(emps, func(i, j int) bool { return emps[i].ID < emps[j].ID })
	return emps, nil
}

func (m *Memory) SaveTarget(_ context.Context, t engine.UserTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.targets {
		if existing.ID == t.ID {
			m.targets[i] = t
			return nil
		}
	}
	m.targets = append(m.targets, t)
	return nil
}

func (m *Memory) SaveActual(_ context.Context, a engine.MonthlyActual) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, locked := m.lockedRun(a.Month); locked {
		return &engine.LockedPeriodError{Month: a.Month, RunID: run.ID}
	}
	key := string(a.EmployeeID) + "|" + string(a.MetricID) + "|" + a.Month.String()
	m.actuals[key] = a
	return nil
}

func (m *Memory) SaveDeal(_ context.Context, d engine.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, locked := m.lockedRun(d.BookingMonth()); locked {
		return &engine.LockedPeriodError{Month: d.BookingMonth(), RunID: run.ID}
	}
	m.deals[d.ID] = d
	return nil
}

func (m *Memory) SaveCollection(_ context.Context, c engine.DealCollection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deal, ok := m.deals[c.DealID]
	if !ok {
		return engine.ErrDealNotFound
	}
	if run, locked := m.lockedRun(deal.BookingMonth()); locked {
		return &engine.LockedPeriodError{Month: deal.BookingMonth(), RunID: run.ID}
	}
	m.collections[c.DealID] = c
	return nil
}

func (m *Memory) SaveRate(_ context.Context, currency string, month engine.Month, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[currency+"|"+month.String()] = rate
	return nil
}

func (m *Memory) Rate(currency string, month engine.Month) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rate, ok := m.rates[currency+"|"+month.String()]
	if !ok {
		return decimal.Zero, &engine.MissingRateError{Currency: currency, Month: month, Class: engine.RateMarket}
	}
	return rate, nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot copies the fiscal-year-to-date inputs under one read lock.
func (m *Memory) Snapshot(_ context.Context, month engine.Month) (*engine.InputSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fyStart := engine.FiscalYearStart(engine.FiscalYearOf(month))
	snap := &engine.InputSnapshot{
		Month:       month,
		Plans:       make(map[engine.PlanID]engine.CompPlan, len(m.plans)),
		Collections: make(map[engine.DealID]engine.DealCollection),
	}
	for id, p := range m.plans {
		snap.Plans[id] = p
	}
	for _, e := range m.employees {
		snap.Employees = append(snap.Employees, e)
	}
	sort.Slice(snap.Employees, func(i, j int) bool { return snap.Employees[i].ID < snap.Employees[j].ID })

	snap.Targets = append(snap.Targets, m.targets...)

	for _, a := range m.actuals {
		if !a.Month.Before(fyStart) && !a.Month.After(month) {
			snap.Actuals = append(snap.Actuals, a)
		}
	}
	for _, d := range m.deals {
		bm := d.BookingMonth()
		if !bm.Before(fyStart) && !bm.After(month) {
			snap.Deals = append(snap.Deals, d)
			if c, ok := m.collections[d.ID]; ok {
				snap.Collections[d.ID] = c
			}
		}
	}
	sort.Slice(snap.Deals, func(i, j int) bool { return snap.Deals[i].ID < snap.Deals[j].ID })
	return snap, nil
}

// =============================================================================
// RUNS
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, run engine.PayoutRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runByMonth[run.Month.String()]; exists {
		return engine.ErrDuplicateRun
	}
	m.runs[run.ID] = run
	m.runByMonth[run.Month.String()] = run.ID
	return nil
}

func (m *Memory) GetRun(_ context.Context, id engine.RunID) (engine.PayoutRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return engine.PayoutRun{}, engine.ErrRunNotFound
	}
	return run, nil
}

func (m *Memory) RunForMonth(_ context.Context, month engine.Month) (engine.PayoutRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.runByMonth[month.String()]
	if !ok {
		return engine.PayoutRun{}, engine.ErrRunNotFound
	}
	return m.runs[id], nil
}

func (m *Memory) SaveRun(_ context.Context, run engine.PayoutRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return engine.ErrRunNotFound
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) ListRuns(_ context.Context) ([]engine.PayoutRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]engine.PayoutRun, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Month.Before(runs[j].Month) })
	return runs, nil
}

// ReplaceRunOutputs atomically replaces the run's output rows. The single
// writer lock makes the replacement all-or-nothing.
func (m *Memory) ReplaceRunOutputs(_ context.Context, run engine.PayoutRun, out engine.RunOutputs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return engine.ErrRunNotFound
	}

	byKey := make(map[string]engine.MonthlyPayout, len(out.Payouts))
	for _, p := range out.Payouts {
		byKey[p.Key()] = p
	}
	m.payouts[run.ID] = byKey

	for _, a := range out.Attributions {
		m.attributions[a.Key()] = a
	}
	for _, l := range out.Lines {
		key := l.RuleID + "|" + string(l.DealID) + "|" + string(l.EmployeeID)
		m.lines[key] = l
	}

	m.runs[run.ID] = run
	return nil
}

func (m *Memory) PayoutsForRun(_ context.Context, id engine.RunID) ([]engine.MonthlyPayout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]engine.MonthlyPayout, 0, len(m.payouts[id]))
	for _, p := range m.payouts[id] {
		rows = append(rows, p)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key() < rows[j].Key() })
	return rows, nil
}

func (m *Memory) AttributionsForYear(_ context.Context, fy int) ([]engine.Attribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []engine.Attribution
	for _, a := range m.attributions {
		if a.FiscalYear == fy {
			rows = append(rows, a)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key() < rows[j].Key() })
	return rows, nil
}

func (m *Memory) CommissionLinesForYear(_ context.Context, fy int) ([]engine.CommissionLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []engine.CommissionLine
	for _, l := range m.lines {
		if l.FiscalYear == fy {
			rows = append(rows, l)
		}
	}
	return rows, nil
}

// PriorRecognized sums recognized amounts from finalized runs strictly
// before the month, per payout type (variable is plan-wide here; the memory
// store does not break variable down by metric, so the whole recognized
// variable amount rides the zero-key metric).
func (m *Memory) PriorRecognized(_ context.Context, emp engine.EmployeeID, fy int, before engine.Month) (engine.PriorLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ledger := engine.PriorLedger{Variable: make(map[engine.MetricID]decimal.Decimal)}
	for _, run := range m.runs {
		if engine.FiscalYearOf(run.Month) != fy || !run.Month.Before(before) {
			continue
		}
		if run.State != engine.RunFinalized && run.State != engine.RunPaid {
			continue
		}
		for _, p := range m.payouts[run.ID] {
			if p.EmployeeID != emp {
				continue
			}
			switch p.Type {
			case engine.PayoutVariable:
				ledger.Variable[""] = ledger.Variable[""].Add(p.CalculatedUSD.Value)
			case engine.PayoutCommission:
				ledger.Commission = ledger.Commission.Add(p.CalculatedUSD.Value)
			case engine.PayoutSpiff:
				ledger.Spiff = ledger.Spiff.Add(p.CalculatedUSD.Value)
			}
		}
	}
	return ledger, nil
}

// =============================================================================
// CLAWBACKS
// =============================================================================

func (m *Memory) SaveClawback(_ context.Context, e engine.ClawbackEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clawbacks[e.ID] = e
	return nil
}

func (m *Memory) GetClawback(_ context.Context, id string) (engine.ClawbackEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.clawbacks[id]
	if !ok {
		return engine.ClawbackEntry{}, engine.ErrClawbackState
	}
	return e, nil
}

func (m *Memory) OpenClawbacks(_ context.Context, emp engine.EmployeeID) ([]engine.ClawbackEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []engine.ClawbackEntry
	for _, e := range m.clawbacks {
		if e.EmployeeID == emp && !e.Terminal() {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (m *Memory) ListClawbacks(_ context.Context) ([]engine.ClawbackEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]engine.ClawbackEntry, 0, len(m.clawbacks))
	for _, e := range m.clawbacks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (m *Memory) ClawbackKeys(_ context.Context) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make(map[string]bool, len(m.clawbacks))
	for _, e := range m.clawbacks {
		keys[string(e.EmployeeID)+"|"+string(e.DealID)] = true
	}
	return keys, nil
}

// =============================================================================
// ADJUSTMENTS AND SETTLEMENTS
// =============================================================================

func (m *Memory) SaveAdjustment(_ context.Context, a engine.PayoutAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustments[a.ID] = a
	return nil
}

func (m *Memory) GetAdjustment(_ context.Context, id string) (engine.PayoutAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adjustments[id]
	if !ok {
		return engine.PayoutAdjustment{}, engine.ErrAdjustmentState
	}
	return a, nil
}

func (m *Memory) ListAdjustments(_ context.Context) ([]engine.PayoutAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]engine.PayoutAdjustment, 0, len(m.adjustments))
	for _, a := range m.adjustments {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (m *Memory) ApprovedAdjustmentsFor(_ context.Context, month engine.Month) ([]engine.PayoutAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []engine.PayoutAdjustment
	for _, a := range m.adjustments {
		if a.State == engine.AdjustmentApproved && a.AppliedToMonth.Equal(month) {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (m *Memory) SaveSettlement(_ context.Context, s engine.FnfSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[s.ID] = s
	return nil
}

func (m *Memory) GetSettlement(_ context.Context, id string) (engine.FnfSettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[id]
	if !ok {
		return engine.FnfSettlement{}, engine.ErrRunNotFound
	}
	return s, nil
}

func (m *Memory) ListSettlements(_ context.Context) ([]engine.FnfSettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]engine.FnfSettlement, 0, len(m.settlements))
	for _, s := range m.settlements {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, entry engine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, filter engine.AuditFilter) ([]engine.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []engine.AuditEntry
	for _, e := range m.audit {
		if filter.Entity != "" && e.Entity != filter.Entity {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.From != nil && e.At.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.At.After(*filter.To) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ engine.Store = (*Memory)(nil)
var _ engine.AuditLog = (*Memory)(nil)
