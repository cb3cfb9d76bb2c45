/*
adjustment.go - Out-of-band corrections to locked runs

PURPOSE:
  Once a run is finalized its month is locked; the only sanctioned way to
  correct a payout is a PayoutAdjustment. An adjustment references the
  locked run and an employee, carries original vs adjusted amounts in
  both currencies and a reason, and has its own approval lifecycle:

    pending -> approved -> applied
            -> rejected (terminal, no financial effect)

  Only approved adjustments may become applied, and only by being folded
  into a DIFFERENT, future run's totals via applied_to_month.
*/
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ADJUSTMENT
// =============================================================================

type AdjustmentState string

const (
	AdjustmentPending  AdjustmentState = "pending"
	AdjustmentApproved AdjustmentState = "approved"
	AdjustmentRejected AdjustmentState = "rejected"
	AdjustmentApplied  AdjustmentState = "applied"
)

type PayoutAdjustment struct {
	ID         string
	RunID      RunID // the locked run being corrected
	EmployeeID EmployeeID
	PayoutType PayoutType

	OriginalUSD   Money
	AdjustedUSD   Money
	OriginalLocal Money
	AdjustedLocal Money
	Reason        string

	State AdjustmentState
	// AppliedToMonth names the future run that absorbs the correction.
	AppliedToMonth Month
	AppliedRunID   RunID

	CreatedBy  string
	CreatedAt  time.Time
	DecidedBy  string
	DecidedAt  *time.Time
}

// NewAdjustment opens a pending adjustment against a locked run.
func NewAdjustment(runID RunID, emp EmployeeID, payoutType PayoutType, originalUSD, adjustedUSD, originalLocal, adjustedLocal Money, reason, actor string, applyTo Month) PayoutAdjustment {
	return PayoutAdjustment{
		ID:             uuid.NewString(),
		RunID:          runID,
		EmployeeID:     emp,
		PayoutType:     payoutType,
		OriginalUSD:    originalUSD,
		AdjustedUSD:    adjustedUSD,
		OriginalLocal:  originalLocal,
		AdjustedLocal:  adjustedLocal,
		Reason:         reason,
		State:          AdjustmentPending,
		AppliedToMonth: applyTo,
		CreatedBy:      actor,
		CreatedAt:      time.Now().UTC(),
	}
}

// DeltaUSD is the financial effect the absorbing run folds in.
func (a PayoutAdjustment) DeltaUSD() Money { return a.AdjustedUSD.Sub(a.OriginalUSD) }

func (a *PayoutAdjustment) Approve(actor string, at time.Time) error {
	if a.State != AdjustmentPending {
		return fmt.Errorf("%w: cannot approve from %s", ErrAdjustmentState, a.State)
	}
	a.State = AdjustmentApproved
	a.DecidedBy = actor
	a.DecidedAt = &at
	return nil
}

// Reject is terminal; a rejected adjustment has no financial effect.
func (a *PayoutAdjustment) Reject(actor string, at time.Time) error {
	if a.State != AdjustmentPending {
		return fmt.Errorf("%w: cannot reject from %s", ErrAdjustmentState, a.State)
	}
	a.State = AdjustmentRejected
	a.DecidedBy = actor
	a.DecidedAt = &at
	return nil
}

// MarkApplied records absorption into a different run. Called by the
// orchestrator at that run's finalize.
func (a *PayoutAdjustment) MarkApplied(runID RunID) error {
	if a.State != AdjustmentApproved {
		return fmt.Errorf("%w: cannot apply from %s", ErrAdjustmentState, a.State)
	}
	if runID == a.RunID {
		return fmt.Errorf("%w: adjustment must apply to a different run", ErrAdjustmentState)
	}
	a.State = AdjustmentApplied
	a.AppliedRunID = runID
	return nil
}
