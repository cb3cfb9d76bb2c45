/*
store.go - Persistence interface for the payout engine

PURPOSE:
  Defines the interface between the calculation core and the database.
  Implementations: store/sqlite (production), engine/store (in-memory,
  tests/dev).

SNAPSHOT CONTRACT:
  Calculation for a month runs against ONE consistent snapshot of
  targets, actuals, deals, and collections. Snapshot() must return a
  self-consistent read so a recalculation racing with data entry never
  observes a partial set.

LOCKED PERIODS:
  SaveDeal, SaveActual, and SaveCollection must reject writes whose
  month is locked by a finalized run, synchronously, with a
  LockedPeriodError. That rejection is the system's backpressure against
  retroactive edits; corrections go through PayoutAdjustment.

ATOMIC OUTPUTS:
  ReplaceRunOutputs persists a calculation's entire output set
  (payout rows, attribution rows, commission lines, and the run record
  itself) in one transaction, replacing prior rows by natural key. Either everything lands or nothing does - a fatal error
  mid-run must leave the previous calculation intact.
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUT SNAPSHOT
// =============================================================================

// InputSnapshot is one consistent view of everything a run reads: plans,
// employees, targets, fiscal-year-to-date actuals/deals, and collections.
type InputSnapshot struct {
	Month       Month
	Plans       map[PlanID]CompPlan
	Employees   []Employee
	Targets     []UserTarget
	Actuals     []MonthlyActual
	Deals       []Deal
	Collections map[DealID]DealCollection
}

// =============================================================================
// STORE
// =============================================================================

// Store is the persistence boundary. It includes RateTable so the market
// rate source rides the same snapshot-consistency guarantees.
type Store interface {
	RateTable

	// Configuration and inbound facts
	SavePlan(ctx context.Context, plan CompPlan) error
	GetPlan(ctx context.Context, id PlanID) (CompPlan, error)
	ListPlans(ctx context.Context) ([]CompPlan, error)

	SaveEmployee(ctx context.Context, emp Employee) error
	GetEmployee(ctx context.Context, id EmployeeID) (Employee, error)
	ListEmployees(ctx context.Context) ([]Employee, error)

	SaveTarget(ctx context.Context, t UserTarget) error
	SaveActual(ctx context.Context, a MonthlyActual) error     // locked-period enforced
	SaveDeal(ctx context.Context, d Deal) error                // locked-period enforced
	SaveCollection(ctx context.Context, c DealCollection) error // locked-period enforced
	SaveRate(ctx context.Context, currency string, month Month, rate decimal.Decimal) error

	// Snapshot returns one consistent view of the inputs for a month's
	// fiscal year, through that month.
	Snapshot(ctx context.Context, month Month) (*InputSnapshot, error)

	// Runs
	CreateRun(ctx context.Context, run PayoutRun) error // ErrDuplicateRun if month taken
	GetRun(ctx context.Context, id RunID) (PayoutRun, error)
	RunForMonth(ctx context.Context, month Month) (PayoutRun, error)
	SaveRun(ctx context.Context, run PayoutRun) error
	ListRuns(ctx context.Context) ([]PayoutRun, error)

	// Calculation outputs; atomic replace by natural key.
	ReplaceRunOutputs(ctx context.Context, run PayoutRun, out RunOutputs) error
	PayoutsForRun(ctx context.Context, id RunID) ([]MonthlyPayout, error)
	AttributionsForYear(ctx context.Context, fiscalYear int) ([]Attribution, error)
	CommissionLinesForYear(ctx context.Context, fiscalYear int) ([]CommissionLine, error)

	// PriorRecognized sums the amounts recognized for an employee across
	// finalized runs of the fiscal year strictly before the month.
	PriorRecognized(ctx context.Context, emp EmployeeID, fiscalYear int, before Month) (PriorLedger, error)

	// Clawback ledger
	SaveClawback(ctx context.Context, e ClawbackEntry) error
	GetClawback(ctx context.Context, id string) (ClawbackEntry, error)
	OpenClawbacks(ctx context.Context, emp EmployeeID) ([]ClawbackEntry, error)
	ListClawbacks(ctx context.Context) ([]ClawbackEntry, error)
	// ClawbackKeys returns the (employee|deal) keys already in the ledger,
	// keeping detection idempotent across recalculations.
	ClawbackKeys(ctx context.Context) (map[string]bool, error)

	// Adjustments
	SaveAdjustment(ctx context.Context, a PayoutAdjustment) error
	GetAdjustment(ctx context.Context, id string) (PayoutAdjustment, error)
	ListAdjustments(ctx context.Context) ([]PayoutAdjustment, error)
	// ApprovedAdjustmentsFor returns approved adjustments targeting the month.
	ApprovedAdjustmentsFor(ctx context.Context, month Month) ([]PayoutAdjustment, error)

	// F&F settlements
	SaveSettlement(ctx context.Context, s FnfSettlement) error
	GetSettlement(ctx context.Context, id string) (FnfSettlement, error)
	ListSettlements(ctx context.Context) ([]FnfSettlement, error)
}

// RunOutputs is a calculation's complete output set.
type RunOutputs struct {
	Payouts      []MonthlyPayout
	Attributions []Attribution
	Lines        []CommissionLine
}
