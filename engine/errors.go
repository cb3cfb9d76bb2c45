/*
errors.go - Centralized error types for the payout engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The taxonomy matters operationally:

  1. Configuration errors - fatal; block any calculation using that
     plan/metric until the configuration is fixed
  2. Missing rate errors - fatal for the affected employee's line only;
     the run reports a partial-failure list instead of aborting
  3. Locked period errors - reject a single mutation; never fatal to a run
  4. Eligibility exclusions are NOT errors - they produce zero-amount,
     reason-coded lines (see CommissionLine.ReasonCode)
  5. Clawback over-recovery is rejected by clamping to remaining

USAGE:
  if errors.Is(err, engine.ErrLockedPeriod) {
      // route the correction through a PayoutAdjustment
  }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration marks invalid plan configuration (overlapping grid
	// bands, splits not summing to 100). Blocks calculation for the plan.
	ErrConfiguration = errors.New("invalid plan configuration")

	// ErrMissingRate is returned when no exchange rate exists for a required
	// currency/month. The engine never silently defaults to 1.0 except USD.
	ErrMissingRate = errors.New("missing exchange rate")

	// ErrLockedPeriod rejects writes to source facts of a finalized month.
	ErrLockedPeriod = errors.New("period is locked")

	// ErrInvalidTransition is returned for any non-forward run transition.
	ErrInvalidTransition = errors.New("invalid run state transition")

	// ErrPriorRunOpen sequences runs by month: M+1 cannot calculate until
	// M's cycle (including clawback recoveries) is finalized.
	ErrPriorRunOpen = errors.New("prior month run not finalized")

	// ErrRunNotFound / ErrEmployeeNotFound / ErrPlanNotFound are lookup misses.
	ErrRunNotFound      = errors.New("payout run not found")
	ErrEmployeeNotFound = errors.New("employee not found")
	ErrPlanNotFound     = errors.New("comp plan not found")
	ErrDealNotFound     = errors.New("deal not found")

	// ErrDuplicateRun is returned when a run already exists for a month.
	ErrDuplicateRun = errors.New("run already exists for month")

	// ErrAdjustmentState is returned for adjustment lifecycle violations.
	ErrAdjustmentState = errors.New("invalid adjustment state")

	// ErrClawbackState is returned for operations on terminal clawbacks.
	ErrClawbackState = errors.New("invalid clawback state")

	// ErrTrancheNotEligible is returned when an F&F tranche is calculated
	// before its eligibility date.
	ErrTrancheNotEligible = errors.New("settlement tranche not yet eligible")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError pinpoints the plan/metric that failed validation.
type ConfigurationError struct {
	PlanID   PlanID
	MetricID MetricID
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.MetricID != "" {
		return fmt.Sprintf("plan %s metric %s: %s", e.PlanID, e.MetricID, e.Reason)
	}
	return fmt.Sprintf("plan %s: %s", e.PlanID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// MissingRateError identifies the currency/month/class without a rate.
type MissingRateError struct {
	Currency string
	Month    Month
	Class    RateClass
}

func (e *MissingRateError) Error() string {
	return fmt.Sprintf("no %s rate for %s in %s", e.Class, e.Currency, e.Month)
}

func (e *MissingRateError) Unwrap() error { return ErrMissingRate }

// LockedPeriodError carries the month and run that locked it. Callers must
// route the correction through a PayoutAdjustment referencing that run.
type LockedPeriodError struct {
	Month Month
	RunID RunID
}

func (e *LockedPeriodError) Error() string {
	return fmt.Sprintf("month %s is locked by run %s; submit a payout adjustment instead", e.Month, e.RunID)
}

func (e *LockedPeriodError) Unwrap() error { return ErrLockedPeriod }

// TransitionError records the rejected from->to pair.
type TransitionError struct {
	RunID RunID
	From  RunState
	To    RunState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot transition %s -> %s", e.RunID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatalForRun reports whether an error must abort the whole calculation
// (all-or-nothing) rather than be recorded as a per-employee failure.
func IsFatalForRun(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPriorRunOpen)
}

// IsPerEmployee reports whether an error only poisons one employee's lines.
func IsPerEmployee(err error) bool {
	return errors.Is(err, ErrMissingRate)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrPlanNotFound) || errors.Is(err, ErrDealNotFound)
}
