/*
run.go - Payout run orchestration and lifecycle

PURPOSE:
  A PayoutRun is the unit of work per calendar month. The orchestrator
  aggregates attribution, commission, spiff, clawback, and adjustment
  lines into per-employee payout rows and drives the run through its
  approval lifecycle with month-locking.

LIFECYCLE (strictly forward-only):
  draft -> calculated -> reviewed -> approved -> finalized -> paid

  Exception: `calculated` is re-entrant - a run may be recalculated from
  draft or calculated any number of times before review, and
  recalculation is idempotent (identical inputs yield identical rows,
  replaced in place by natural key).

LOCKING:
  is_locked becomes true at finalized and stays true. While locked, all
  writes to deals, actuals, and collections for the run's month are
  rejected synchronously; corrections route through PayoutAdjustment.

SEQUENCING:
  A run for month M+1 refuses to calculate until month M's run is
  finalized (or no run exists for M), keeping the YTD watermark and the
  clawback recovery cycle correct.

SIDE EFFECTS:
  Calculate is pure with respect to the clawback ledger and adjustments:
  it plans recoveries and folds approved adjustments in, but the ledger
  mutations (recovered amounts, new clawback entries, adjustments marked
  applied) land at finalize, exactly once. Clawback detection in
  particular runs only at finalize, against amounts the finalized runs
  have actually recognized - a booking exposed by a run that never
  finalizes was never paid and must not mint an obligation.

CONCURRENCY:
  Employees are computed in parallel by a bounded worker pool - each
  attribution line is independently derivable. The final aggregation
  into per-employee rows and run totals is serialized.
*/
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// RUN STATE MACHINE
// =============================================================================

type RunState string

const (
	RunDraft      RunState = "draft"
	RunCalculated RunState = "calculated"
	RunReviewed   RunState = "reviewed"
	RunApproved   RunState = "approved"
	RunFinalized  RunState = "finalized"
	RunPaid       RunState = "paid"
)

var runOrder = map[RunState]int{
	RunDraft:      0,
	RunCalculated: 1,
	RunReviewed:   2,
	RunApproved:   3,
	RunFinalized:  4,
	RunPaid:       5,
}

// TransitionStamp records actor and time for every forward transition.
type TransitionStamp struct {
	From  RunState
	To    RunState
	Actor string
	At    time.Time
}

// EmployeeFailure is a per-employee calculation failure (missing rate);
// the run completes and reports these instead of aborting.
type EmployeeFailure struct {
	EmployeeID EmployeeID
	Reason     string
}

// PayoutRun is one row per calendar month.
type PayoutRun struct {
	ID       RunID
	Month    Month
	State    RunState
	IsLocked bool

	Stamps          []TransitionStamp
	PartialFailures []EmployeeFailure

	// Derived sums over the run's payout rows, recomputed on every change.
	TotalPayoutUSD      Money
	TotalVariableUSD    Money
	TotalCommissionsUSD Money
	TotalClawbacksUSD   Money

	CreatedAt    time.Time
	CalculatedAt *time.Time
}

func NewRun(month Month) PayoutRun {
	return PayoutRun{
		ID:                  RunID(uuid.NewString()),
		Month:               month,
		State:               RunDraft,
		TotalPayoutUSD:      USD(0),
		TotalVariableUSD:    USD(0),
		TotalCommissionsUSD: USD(0),
		TotalClawbacksUSD:   USD(0),
		CreatedAt:           time.Now().UTC(),
	}
}

// canTransition enforces the forward-only lifecycle, with calculated
// re-entrant from draft/calculated.
func (r *PayoutRun) canTransition(to RunState) bool {
	from, okFrom := runOrder[r.State]
	target, okTo := runOrder[to]
	if !okFrom || !okTo {
		return false
	}
	if to == RunCalculated {
		return r.State == RunDraft || r.State == RunCalculated
	}
	return target == from+1
}

// transition advances the run, stamping actor and time.
func (r *PayoutRun) transition(to RunState, actor string, at time.Time) error {
	if !r.canTransition(to) {
		return &TransitionError{RunID: r.ID, From: r.State, To: to}
	}
	r.Stamps = append(r.Stamps, TransitionStamp{From: r.State, To: to, Actor: actor, At: at})
	r.State = to
	if to == RunFinalized {
		r.IsLocked = true
	}
	return nil
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	Store   Store
	Audit   AuditLog
	Engine  *AttributionEngine
	Log     *logrus.Logger
	Workers int
}

func NewOrchestrator(store Store, audit AuditLog, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		Store:   store,
		Audit:   audit,
		Engine:  NewAttributionEngine(NewConverter(store)),
		Log:     log,
		Workers: 4,
	}
}

// CreateRun opens a draft run for a month. One run per month.
func (o *Orchestrator) CreateRun(ctx context.Context, month Month, actor string) (PayoutRun, error) {
	run := NewRun(month)
	if err := o.Store.CreateRun(ctx, run); err != nil {
		return PayoutRun{}, err
	}
	o.audit(ctx, actor, AuditCreate, "payout_run", string(run.ID), nil, run, month)
	o.Log.WithFields(logrus.Fields{"run": run.ID, "month": month.String()}).Info("payout run created")
	return run, nil
}

// IsMonthLocked exposes the locking signal for the data-entry layer, so
// doomed writes can be pre-empted with a clear error.
func (o *Orchestrator) IsMonthLocked(ctx context.Context, month Month) (bool, error) {
	run, err := o.Store.RunForMonth(ctx, month)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return run.IsLocked, nil
}

// Transition advances a run's lifecycle state. Finalize applies the run's
// planned clawback recoveries and marks folded adjustments applied.
func (o *Orchestrator) Transition(ctx context.Context, id RunID, to RunState, actor string) (PayoutRun, error) {
	run, err := o.Store.GetRun(ctx, id)
	if err != nil {
		return PayoutRun{}, err
	}
	before := run

	now := time.Now().UTC()
	if err := run.transition(to, actor, now); err != nil {
		return PayoutRun{}, err
	}

	if to == RunFinalized {
		if err := o.applyFinalizeEffects(ctx, run, actor); err != nil {
			return PayoutRun{}, err
		}
	}

	if err := o.Store.SaveRun(ctx, run); err != nil {
		return PayoutRun{}, err
	}
	o.audit(ctx, actor, AuditUpdate, "payout_run", string(run.ID), before, run, run.Month)
	o.Log.WithFields(logrus.Fields{"run": run.ID, "from": before.State, "to": to}).Info("run transitioned")
	return run, nil
}

// applyFinalizeEffects lands the once-only side effects of locking a month:
// clawback recoveries, detection of new clawbacks against the recognized
// ledger, and adjustment application.
func (o *Orchestrator) applyFinalizeEffects(ctx context.Context, run PayoutRun, actor string) error {
	payouts, err := o.Store.PayoutsForRun(ctx, run.ID)
	if err != nil {
		return err
	}

	for _, p := range payouts {
		if p.Type != PayoutClawback || p.CalculatedUSD.IsZero() {
			continue
		}
		open, err := o.Store.OpenClawbacks(ctx, p.EmployeeID)
		if err != nil {
			return err
		}
		entries := make([]*ClawbackEntry, len(open))
		for i := range open {
			entries[i] = &open[i]
		}
		// payout row is negative; recover its magnitude
		if _, err := PlanRecoveries(entries, p.CalculatedUSD.Neg()); err != nil {
			return err
		}
		for _, e := range entries {
			before, _ := o.Store.GetClawback(ctx, e.ID)
			if err := o.Store.SaveClawback(ctx, *e); err != nil {
				return err
			}
			o.audit(ctx, actor, AuditUpdate, "clawback", e.ID, before, *e, run.Month)
		}
	}

	if err := o.detectClawbacks(ctx, run, actor); err != nil {
		return err
	}

	adjustments, err := o.Store.ApprovedAdjustmentsFor(ctx, run.Month)
	if err != nil {
		return err
	}
	for _, adj := range adjustments {
		before := adj
		if err := adj.MarkApplied(run.ID); err != nil {
			return err
		}
		if err := o.Store.SaveAdjustment(ctx, adj); err != nil {
			return err
		}
		o.audit(ctx, actor, AuditUpdate, "payout_adjustment", adj.ID, before, adj, run.Month)
	}
	return nil
}

// detectClawbacks mints ledger entries for collections that failed inside the
// plan's window, measured against booking-tranche amounts the finalized runs
// of the fiscal year (this one included) have recognized. Runs after the
// recovery pass so this run's planned deductions never land on an entry
// minted in the same breath.
func (o *Orchestrator) detectClawbacks(ctx context.Context, run PayoutRun, actor string) error {
	snap, err := o.Store.Snapshot(ctx, run.Month)
	if err != nil {
		return err
	}
	fy := FiscalYearOf(run.Month)
	attrs, err := o.Store.AttributionsForYear(ctx, fy)
	if err != nil {
		return err
	}
	lines, err := o.Store.CommissionLinesForYear(ctx, fy)
	if err != nil {
		return err
	}
	existing, err := o.Store.ClawbackKeys(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	attrsByEmp := make(map[EmployeeID][]Attribution)
	for _, a := range attrs {
		attrsByEmp[a.EmployeeID] = append(attrsByEmp[a.EmployeeID], a)
	}
	linesByEmp := make(map[EmployeeID][]CommissionLine)
	for _, l := range lines {
		linesByEmp[l.EmployeeID] = append(linesByEmp[l.EmployeeID], l)
	}

	for _, emp := range snap.Employees {
		plan, ok := o.planFor(snap, emp)
		if !ok {
			continue
		}
		var deals []Deal
		for _, d := range snap.Deals {
			if _, ok := d.RoleFor(emp.ID); ok {
				deals = append(deals, d)
			}
		}
		entries := DetectClawbacks(plan, deals, snap.Collections, attrsByEmp[emp.ID], linesByEmp[emp.ID], existing, now)
		for _, e := range entries {
			if err := o.Store.SaveClawback(ctx, e); err != nil {
				return err
			}
			existing[string(e.EmployeeID)+"|"+string(e.DealID)] = true
			o.audit(ctx, actor, AuditCreate, "clawback", e.ID, nil, e, run.Month)
		}
	}
	return nil
}

// =============================================================================
// CALCULATION
// =============================================================================

// RunResult reports a completed calculation.
type RunResult struct {
	Run      PayoutRun
	Payouts  []MonthlyPayout
	Failures []EmployeeFailure
}

// employeeOutcome crosses the worker/aggregator boundary.
type employeeOutcome struct {
	result  *EmployeeResult
	failure *EmployeeFailure
	err     error // fatal
}

// Calculate computes the run. All-or-nothing: a fatal error persists
// nothing; per-employee missing-rate failures are recorded and the run
// completes. Recalculation with unchanged inputs is idempotent.
func (o *Orchestrator) Calculate(ctx context.Context, id RunID, actor string) (*RunResult, error) {
	run, err := o.Store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.canTransition(RunCalculated) {
		return nil, &TransitionError{RunID: run.ID, From: run.State, To: RunCalculated}
	}
	if err := o.checkPriorRun(ctx, run.Month); err != nil {
		return nil, err
	}

	snap, err := o.Store.Snapshot(ctx, run.Month)
	if err != nil {
		return nil, err
	}
	for _, plan := range snap.Plans {
		if err := plan.Validate(); err != nil {
			return nil, err
		}
	}

	inputs, err := o.assembleInputs(ctx, snap, run.Month)
	if err != nil {
		return nil, err
	}

	outcomes := o.fanOut(ctx, inputs)

	// Serialized aggregation: per-employee accumulators must not race.
	out, failures, err := o.aggregate(ctx, run, snap, outcomes)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := run.transition(RunCalculated, actor, now); err != nil {
		return nil, err
	}
	run.CalculatedAt = &now
	run.PartialFailures = failures
	o.deriveTotals(&run, out.Payouts)

	if err := o.Store.ReplaceRunOutputs(ctx, run, *out); err != nil {
		return nil, err
	}
	o.audit(ctx, actor, AuditUpdate, "payout_run", string(run.ID), nil, run, run.Month)
	o.Log.WithFields(logrus.Fields{
		"run":      run.ID,
		"month":    run.Month.String(),
		"payouts":  len(out.Payouts),
		"failures": len(failures),
		"total":    run.TotalPayoutUSD.String(),
	}).Info("run calculated")

	return &RunResult{Run: run, Payouts: out.Payouts, Failures: failures}, nil
}

// checkPriorRun enforces month sequencing: the previous month's run, if any,
// must be finalized before this month aggregates.
func (o *Orchestrator) checkPriorRun(ctx context.Context, month Month) error {
	prior, err := o.Store.RunForMonth(ctx, month.Prev())
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if runOrder[prior.State] < runOrder[RunFinalized] {
		return fmt.Errorf("%w: run %s for %s is %s", ErrPriorRunOpen, prior.ID, prior.Month, prior.State)
	}
	return nil
}

// assembleInputs builds one EmployeeInput per employee/plan pairing, with
// prior-recognized ledgers prefetched so workers stay read-free.
func (o *Orchestrator) assembleInputs(ctx context.Context, snap *InputSnapshot, month Month) ([]EmployeeInput, error) {
	fy := FiscalYearOf(month)
	var inputs []EmployeeInput
	for _, emp := range snap.Employees {
		plan, ok := o.planFor(snap, emp)
		if !ok {
			continue
		}
		prior, err := o.Store.PriorRecognized(ctx, emp.ID, fy, month)
		if err != nil {
			return nil, err
		}

		var deals []Deal
		for _, d := range snap.Deals {
			if _, ok := d.RoleFor(emp.ID); ok {
				deals = append(deals, d)
			}
		}

		inputs = append(inputs, EmployeeInput{
			Plan:        plan,
			Employee:    emp,
			Targets:     snap.Targets,
			Actuals:     snap.Actuals,
			Deals:       deals,
			Collections: snap.Collections,
			Month:       month,
			Prior:       prior,
		})
	}
	return inputs, nil
}

// planFor resolves the employee's plan from their targets; employees with
// no active plan simply do not participate in the run.
func (o *Orchestrator) planFor(snap *InputSnapshot, emp Employee) (CompPlan, bool) {
	for _, t := range snap.Targets {
		if t.EmployeeID != emp.ID || !t.Active(snap.Month) {
			continue
		}
		if plan, ok := snap.Plans[t.PlanID]; ok {
			return plan, true
		}
	}
	return CompPlan{}, false
}

// fanOut computes employees in parallel with a bounded worker pool.
func (o *Orchestrator) fanOut(ctx context.Context, inputs []EmployeeInput) []employeeOutcome {
	workers := o.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan EmployeeInput)
	outcomes := make([]employeeOutcome, 0, len(inputs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range jobs {
				outcome := o.computeOne(in)
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
		}()
	}
	for _, in := range inputs {
		select {
		case jobs <- in:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) computeOne(in EmployeeInput) employeeOutcome {
	res, err := o.Engine.Compute(in)
	if err != nil {
		if IsPerEmployee(err) {
			return employeeOutcome{failure: &EmployeeFailure{EmployeeID: in.Employee.ID, Reason: err.Error()}}
		}
		return employeeOutcome{err: err}
	}
	return employeeOutcome{result: res}
}

// aggregate folds the per-employee results into payout rows, plans
// recoveries against headroom, and folds approved adjustments targeting this
// month. It reads the clawback ledger but never writes it.
func (o *Orchestrator) aggregate(ctx context.Context, run PayoutRun, snap *InputSnapshot, outcomes []employeeOutcome) (*RunOutputs, []EmployeeFailure, error) {
	out := &RunOutputs{}
	var failures []EmployeeFailure
	now := time.Now().UTC()

	empByID := make(map[EmployeeID]Employee, len(snap.Employees))
	for _, e := range snap.Employees {
		empByID[e.ID] = e
	}

	for _, oc := range outcomes {
		if oc.err != nil {
			return nil, nil, oc.err
		}
		if oc.failure != nil {
			failures = append(failures, *oc.failure)
			continue
		}
		res := oc.result
		emp := empByID[res.EmployeeID]

		out.Attributions = append(out.Attributions, res.Attributions...)
		out.Lines = append(out.Lines, res.CommissionLines...)

		rows, err := o.payoutRows(ctx, run, emp, res, now)
		if err != nil {
			return nil, nil, err
		}
		out.Payouts = append(out.Payouts, rows...)
	}

	adjRows, err := o.adjustmentRows(ctx, run, empByID, now)
	if err != nil {
		return nil, nil, err
	}
	out.Payouts = append(out.Payouts, adjRows...)

	return out, failures, nil
}

// payoutRows materializes one employee's per-type rows, including the
// planned clawback deduction bounded by positive headroom.
func (o *Orchestrator) payoutRows(ctx context.Context, run PayoutRun, emp Employee, res *EmployeeResult, now time.Time) ([]MonthlyPayout, error) {
	var rows []MonthlyPayout

	add := func(t PayoutType, usd decimal.Decimal) error {
		m := MoneyFromDecimal(usd, CurrencyUSD)
		local, err := o.Engine.Converter.CompFromUSD(emp, m)
		if err != nil {
			return err
		}
		rows = append(rows, MonthlyPayout{
			RunID:           run.ID,
			EmployeeID:      emp.ID,
			Type:            t,
			CalculatedUSD:   m.Round(),
			CalculatedLocal: local.Round(),
			PaidUSD:         USD(0),
			PaidLocal:       local.Zero(),
			ComputedAt:      now,
		})
		return nil
	}

	if err := add(PayoutVariable, res.VariableRecognizedUSD); err != nil {
		return nil, err
	}
	if err := add(PayoutCommission, res.CommissionRecognizedUSD); err != nil {
		return nil, err
	}
	if err := add(PayoutSpiff, res.SpiffRecognizedUSD); err != nil {
		return nil, err
	}

	// Clawback deduction: open ledger entries, bounded by this month's
	// positive computed payout. Planned here, applied to the ledger at
	// finalize.
	headroom := res.VariableRecognizedUSD.Add(res.CommissionRecognizedUSD).Add(res.SpiffRecognizedUSD)
	if headroom.IsPositive() {
		open, err := o.Store.OpenClawbacks(ctx, emp.ID)
		if err != nil {
			return nil, err
		}
		scratch := make([]*ClawbackEntry, 0, len(open))
		for i := range open {
			e := open[i] // copy; Calculate must not mutate the ledger
			scratch = append(scratch, &e)
		}
		deduction, err := PlanRecoveries(scratch, MoneyFromDecimal(headroom, CurrencyUSD))
		if err != nil {
			return nil, err
		}
		if deduction.IsPositive() {
			if err := add(PayoutClawback, deduction.Value.Neg()); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

// adjustmentRows folds approved adjustments whose applied_to_month is this
// run's month into per-employee adjustment rows.
func (o *Orchestrator) adjustmentRows(ctx context.Context, run PayoutRun, empByID map[EmployeeID]Employee, now time.Time) ([]MonthlyPayout, error) {
	adjustments, err := o.Store.ApprovedAdjustmentsFor(ctx, run.Month)
	if err != nil {
		return nil, err
	}

	byEmployee := make(map[EmployeeID]decimal.Decimal)
	for _, adj := range adjustments {
		byEmployee[adj.EmployeeID] = byEmployee[adj.EmployeeID].Add(adj.DeltaUSD().Value)
	}

	var rows []MonthlyPayout
	for empID, delta := range byEmployee {
		emp, ok := empByID[empID]
		if !ok {
			continue
		}
		m := MoneyFromDecimal(delta, CurrencyUSD)
		local, err := o.Engine.Converter.CompFromUSD(emp, m)
		if err != nil {
			return nil, err
		}
		rows = append(rows, MonthlyPayout{
			RunID:           run.ID,
			EmployeeID:      empID,
			Type:            PayoutAdjustmentType,
			CalculatedUSD:   m.Round(),
			CalculatedLocal: local.Round(),
			PaidUSD:         USD(0),
			PaidLocal:       local.Zero(),
			ComputedAt:      now,
		})
	}
	return rows, nil
}

// deriveTotals recomputes the run-level sums from the payout rows.
func (o *Orchestrator) deriveTotals(run *PayoutRun, payouts []MonthlyPayout) {
	total, variable, commissions, clawbacks := USD(0), USD(0), USD(0), USD(0)
	for _, p := range payouts {
		total = total.Add(p.CalculatedUSD)
		switch p.Type {
		case PayoutVariable:
			variable = variable.Add(p.CalculatedUSD)
		case PayoutCommission, PayoutSpiff:
			commissions = commissions.Add(p.CalculatedUSD)
		case PayoutClawback:
			clawbacks = clawbacks.Add(p.CalculatedUSD)
		}
	}
	run.TotalPayoutUSD = total.Round()
	run.TotalVariableUSD = variable.Round()
	run.TotalCommissionsUSD = commissions.Round()
	run.TotalClawbacksUSD = clawbacks.Round()
}

func (o *Orchestrator) audit(ctx context.Context, actor string, action AuditAction, entity, entityID string, before, after any, period Month) {
	if o.Audit == nil {
		return
	}
	locked, _ := o.IsMonthLocked(ctx, period)
	entry := NewAuditEntry(actor, action, entity, entityID, before, after).WithPeriod(period, locked)
	if err := o.Audit.Append(ctx, entry); err != nil {
		o.Log.WithError(err).Error("audit append failed")
	}
}
