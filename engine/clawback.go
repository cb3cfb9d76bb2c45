/*
clawback.go - Recovery of previously paid booking-tranche amounts

PURPOSE:
  When a deal whose booking tranche was already paid fails to collect
  inside the plan's clawback window, the paid amount becomes a recovery
  obligation. Recovery is incremental: each subsequent payout run with
  positive headroom for the employee deducts up to the remaining amount.

INVARIANTS:
  - remaining = original - recovered, always >= 0 (computed accessor,
    never a stored field that can drift)
  - status transitions: pending -> partially_recovered -> recovered;
    waived is terminal and reachable from any non-terminal state
  - status == recovered iff remaining == 0
  - an over-recovery attempt is clamped to remaining, never applied
*/
package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CLAWBACK ENTRY
// =============================================================================

type ClawbackStatus string

const (
	ClawbackPending            ClawbackStatus = "pending"
	ClawbackPartiallyRecovered ClawbackStatus = "partially_recovered"
	ClawbackRecovered          ClawbackStatus = "recovered"
	ClawbackWaived             ClawbackStatus = "waived"
)

// ClawbackEntry is one row per (employee, deal, collection) clawback event.
type ClawbackEntry struct {
	ID           string
	EmployeeID   EmployeeID
	DealID       DealID
	CollectionID string

	OriginalUSD  Money
	RecoveredUSD Money
	Status       ClawbackStatus

	CreatedAt time.Time
	WaivedBy  string
	WaivedAt  *time.Time
}

// Remaining is the derived, always-non-negative outstanding amount.
func (c ClawbackEntry) Remaining() Money {
	rem := c.OriginalUSD.Sub(c.RecoveredUSD)
	if rem.IsNegative() {
		return c.OriginalUSD.Zero()
	}
	return rem
}

func (c ClawbackEntry) Terminal() bool {
	return c.Status == ClawbackRecovered || c.Status == ClawbackWaived
}

// ApplyRecovery deducts up to remaining, clamping an over-recovery attempt,
// and advances status. Returns the amount actually applied.
func (c *ClawbackEntry) ApplyRecovery(amount Money) (Money, error) {
	if c.Terminal() {
		return USD(0), ErrClawbackState
	}
	if !amount.IsPositive() {
		return USD(0), nil
	}
	applied := amount.Min(c.Remaining())
	c.RecoveredUSD = c.RecoveredUSD.Add(applied)

	if c.Remaining().IsZero() {
		c.Status = ClawbackRecovered
	} else if c.RecoveredUSD.IsPositive() {
		c.Status = ClawbackPartiallyRecovered
	}
	return applied, nil
}

// Waive terminates the obligation administratively. Terminal.
func (c *ClawbackEntry) Waive(actor string, at time.Time) error {
	if c.Terminal() {
		return ErrClawbackState
	}
	c.Status = ClawbackWaived
	c.WaivedBy = actor
	c.WaivedAt = &at
	return nil
}

// =============================================================================
// DETECTION
// =============================================================================

// DetectClawbacks scans failed collections against paid booking tranches and
// produces new ledger entries. The caller supplies attributions and lines
// from the recognized (finalized) ledger; exposure a run computed but never
// finalized was never paid and must not be passed in. A collection triggers
// a clawback when:
//   - the plan is not clawback-exempt
//   - the failure happened within the window (days from booking)
//   - a booking-tranche amount was already recognized for that deal/employee
//
// existing maps (employee|deal) keys already in the ledger so repeated
// detection passes never duplicate an entry.
func DetectClawbacks(plan CompPlan, deals []Deal, collections map[DealID]DealCollection, attributions []Attribution, lines []CommissionLine, existing map[string]bool, asOf time.Time) []ClawbackEntry {
	if plan.ClawbackExempt {
		return nil
	}

	dealByID := make(map[DealID]Deal, len(deals))
	for _, d := range deals {
		dealByID[d.ID] = d
	}

	// booking-tranche USD paid per employee|deal
	paid := make(map[string]decimal.Decimal)
	for _, a := range attributions {
		k := string(a.EmployeeID) + "|" + string(a.DealID)
		paid[k] = paid[k].Add(a.ClawbackEligibleUSD.Value)
	}
	for _, l := range lines {
		if !l.Eligible() {
			continue
		}
		k := string(l.EmployeeID) + "|" + string(l.DealID)
		paid[k] = paid[k].Add(l.BookingUSD.Value)
	}

	var entries []ClawbackEntry
	for dealID, col := range collections {
		if !col.Failed || col.FailedAt == nil {
			continue
		}
		deal, ok := dealByID[dealID]
		if !ok {
			continue
		}
		windowEnd := deal.BookedAt.AddDate(0, 0, plan.ClawbackWindowDays)
		if col.FailedAt.After(windowEnd) {
			continue // outside the window, the loss is absorbed
		}

		for k, amount := range paid {
			empID, dID := splitPaidKey(k)
			if dID != dealID || !amount.IsPositive() {
				continue
			}
			if existing[k] {
				continue
			}
			entries = append(entries, ClawbackEntry{
				ID:           uuid.NewString(),
				EmployeeID:   empID,
				DealID:       dealID,
				CollectionID: col.ID,
				OriginalUSD:  MoneyFromDecimal(amount, CurrencyUSD),
				RecoveredUSD: USD(0),
				Status:       ClawbackPending,
				CreatedAt:    asOf,
			})
		}
	}
	return entries
}

func splitPaidKey(k string) (EmployeeID, DealID) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return EmployeeID(k[:i]), DealID(k[i+1:])
		}
	}
	return EmployeeID(k), ""
}

// =============================================================================
// RECOVERY PLANNING
// =============================================================================

// PlanRecoveries allocates an employee's positive payout headroom across
// their open clawbacks, oldest first. It mutates the entries and returns the
// total deduction to apply to the run.
func PlanRecoveries(entries []*ClawbackEntry, headroomUSD Money) (Money, error) {
	total := USD(0)
	if !headroomUSD.IsPositive() {
		return total, nil
	}
	remaining := headroomUSD
	for _, e := range entries {
		if e.Terminal() {
			continue
		}
		applied, err := e.ApplyRecovery(remaining)
		if err != nil {
			return total, err
		}
		total = total.Add(applied)
		remaining = remaining.Sub(applied)
		if !remaining.IsPositive() {
			break
		}
	}
	return total, nil
}
