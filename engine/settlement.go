/*
settlement.go - Full-and-final departure settlement

PURPOSE:
  An employee's departure triggers a specialized two-tranche run that
  consumes the same attribution and clawback primitives with a different
  proration and eligibility window.

  Tranche 1 (immediate): settles all variable pay and commission eligible
  as of the departure date, using the standard attribution engine
  restricted to periods up to departure.

  Tranche 2 (deferred): eligible no earlier than departure_date +
  collection_grace_days. Settles collection-tranche amounts for deals
  whose collection landed inside the grace window, net of the clawback
  carryforward computed from tranche 1.

  Each tranche has its own status and calculated/finalized stamps;
  calculating tranche 2 before its eligibility date is rejected.
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SETTLEMENT TYPES
// =============================================================================

type TrancheStatus string

const (
	TranchePending    TrancheStatus = "pending"
	TrancheCalculated TrancheStatus = "calculated"
	TrancheFinalized  TrancheStatus = "finalized"
)

// FnfLine is one settlement line: a payout type amount or the clawback
// carryforward.
type FnfLine struct {
	Type      PayoutType
	AmountUSD Money
	Note      string
}

type SettlementTranche struct {
	Status       TrancheStatus
	Lines        []FnfLine
	TotalUSD     Money
	CalculatedAt *time.Time
	FinalizedAt  *time.Time
}

// FnfSettlement is the departure settlement header.
type FnfSettlement struct {
	ID            string
	EmployeeID    EmployeeID
	DepartureDate time.Time
	GraceDays     int

	Tranche1 SettlementTranche
	Tranche2 SettlementTranche

	// ClawbackCarryforwardUSD from tranche 1, netted against tranche 2.
	ClawbackCarryforwardUSD Money

	CreatedAt time.Time
}

// Tranche2EligibleAt is the earliest instant tranche 2 may calculate.
func (s FnfSettlement) Tranche2EligibleAt() time.Time {
	return s.DepartureDate.AddDate(0, 0, s.GraceDays)
}

// =============================================================================
// SETTLEMENT ENGINE
// =============================================================================

type SettlementEngine struct {
	Store  Store
	Engine *AttributionEngine
}

func NewSettlementEngine(store Store) *SettlementEngine {
	return &SettlementEngine{Store: store, Engine: NewAttributionEngine(NewConverter(store))}
}

// Open creates the settlement header for a departing employee.
func (se *SettlementEngine) Open(ctx context.Context, empID EmployeeID, departure time.Time, graceDays int) (FnfSettlement, error) {
	if _, err := se.Store.GetEmployee(ctx, empID); err != nil {
		return FnfSettlement{}, err
	}
	s := FnfSettlement{
		ID:            uuid.NewString(),
		EmployeeID:    empID,
		DepartureDate: departure,
		GraceDays:     graceDays,
		Tranche1:      SettlementTranche{Status: TranchePending, TotalUSD: USD(0)},
		Tranche2:      SettlementTranche{Status: TranchePending, TotalUSD: USD(0)},
		ClawbackCarryforwardUSD: USD(0),
		CreatedAt:     time.Now().UTC(),
	}
	if err := se.Store.SaveSettlement(ctx, s); err != nil {
		return FnfSettlement{}, err
	}
	return s, nil
}

// CalculateTranche1 settles everything eligible as of departure: the
// standard attribution math restricted to months up to the departure month,
// less amounts already recognized in finalized runs, plus the open clawback
// balance carried forward.
func (se *SettlementEngine) CalculateTranche1(ctx context.Context, id string) (FnfSettlement, error) {
	s, err := se.Store.GetSettlement(ctx, id)
	if err != nil {
		return FnfSettlement{}, err
	}
	emp, err := se.Store.GetEmployee(ctx, s.EmployeeID)
	if err != nil {
		return FnfSettlement{}, err
	}

	depMonth := MonthOf(s.DepartureDate)
	in, err := se.assembleInput(ctx, emp, depMonth)
	if err != nil {
		return FnfSettlement{}, err
	}

	res, err := se.Engine.Compute(*in)
	if err != nil {
		return FnfSettlement{}, err
	}

	carry, err := se.openClawbackBalance(ctx, emp.ID)
	if err != nil {
		return FnfSettlement{}, err
	}

	now := time.Now().UTC()
	lines := []FnfLine{
		{Type: PayoutVariable, AmountUSD: MoneyFromDecimal(res.VariableRecognizedUSD, CurrencyUSD).Round()},
		{Type: PayoutCommission, AmountUSD: MoneyFromDecimal(res.CommissionRecognizedUSD, CurrencyUSD).Round()},
		{Type: PayoutSpiff, AmountUSD: MoneyFromDecimal(res.SpiffRecognizedUSD, CurrencyUSD).Round()},
	}
	total := USD(0)
	for _, l := range lines {
		total = total.Add(l.AmountUSD)
	}
	// Outstanding clawbacks net against the immediate settlement.
	deduction := carry.Min(total)
	if deduction.IsPositive() {
		lines = append(lines, FnfLine{Type: PayoutClawback, AmountUSD: deduction.Neg().Round(), Note: "open clawback balance"})
		total = total.Sub(deduction)
	}

	s.Tranche1 = SettlementTranche{
		Status:       TrancheCalculated,
		Lines:        lines,
		TotalUSD:     total.Round(),
		CalculatedAt: &now,
	}
	s.ClawbackCarryforwardUSD = carry.Sub(deduction).Round()

	if err := se.Store.SaveSettlement(ctx, s); err != nil {
		return FnfSettlement{}, err
	}
	return s, nil
}

// CalculateTranche2 settles collection-tranche amounts for collections
// inside the grace window, net of the tranche-1 carryforward. Rejected
// before the eligibility date.
func (se *SettlementEngine) CalculateTranche2(ctx context.Context, id string, asOf time.Time) (FnfSettlement, error) {
	s, err := se.Store.GetSettlement(ctx, id)
	if err != nil {
		return FnfSettlement{}, err
	}
	if asOf.Before(s.Tranche2EligibleAt()) {
		return FnfSettlement{}, ErrTrancheNotEligible
	}
	if s.Tranche1.Status == TranchePending {
		return FnfSettlement{}, ErrTrancheNotEligible
	}

	fy := FiscalYearOf(MonthOf(s.DepartureDate))
	attributions, err := se.Store.AttributionsForYear(ctx, fy)
	if err != nil {
		return FnfSettlement{}, err
	}
	lines, err := se.Store.CommissionLinesForYear(ctx, fy)
	if err != nil {
		return FnfSettlement{}, err
	}
	snap, err := se.Store.Snapshot(ctx, MonthOf(asOf))
	if err != nil {
		return FnfSettlement{}, err
	}

	graceEnd := s.Tranche2EligibleAt()
	inWindow := func(dealID DealID) bool {
		col, ok := snap.Collections[dealID]
		if !ok || !col.Collected() {
			return false
		}
		// collection event inside (departure, departure+grace]
		return col.CollectedAt.After(s.DepartureDate) && !col.CollectedAt.After(graceEnd)
	}

	collected := decimal.Zero
	for _, a := range attributions {
		if a.EmployeeID == s.EmployeeID && inWindow(a.DealID) {
			collected = collected.Add(a.CollectionUSD.Value)
		}
	}
	for _, l := range lines {
		if l.EmployeeID == s.EmployeeID && l.Eligible() && inWindow(l.DealID) {
			collected = collected.Add(l.CollectionUSD.Value)
		}
	}

	now := time.Now().UTC()
	total := MoneyFromDecimal(collected, CurrencyUSD)
	trancheLines := []FnfLine{{Type: PayoutVariable, AmountUSD: total.Round(), Note: "collection tranches in grace window"}}

	carry := s.ClawbackCarryforwardUSD
	deduction := carry.Min(total)
	if deduction.IsPositive() {
		trancheLines = append(trancheLines, FnfLine{Type: PayoutClawback, AmountUSD: deduction.Neg().Round(), Note: "carryforward from tranche 1"})
		total = total.Sub(deduction)
		s.ClawbackCarryforwardUSD = carry.Sub(deduction).Round()
	}

	s.Tranche2 = SettlementTranche{
		Status:       TrancheCalculated,
		Lines:        trancheLines,
		TotalUSD:     total.Round(),
		CalculatedAt: &now,
	}

	if err := se.Store.SaveSettlement(ctx, s); err != nil {
		return FnfSettlement{}, err
	}
	return s, nil
}

// FinalizeTranche stamps a calculated tranche finalized.
func (se *SettlementEngine) FinalizeTranche(ctx context.Context, id string, tranche int) (FnfSettlement, error) {
	s, err := se.Store.GetSettlement(ctx, id)
	if err != nil {
		return FnfSettlement{}, err
	}
	now := time.Now().UTC()
	var t *SettlementTranche
	switch tranche {
	case 1:
		t = &s.Tranche1
	case 2:
		t = &s.Tranche2
	default:
		return FnfSettlement{}, ErrTrancheNotEligible
	}
	if t.Status != TrancheCalculated {
		return FnfSettlement{}, ErrTrancheNotEligible
	}
	t.Status = TrancheFinalized
	t.FinalizedAt = &now

	if err := se.Store.SaveSettlement(ctx, s); err != nil {
		return FnfSettlement{}, err
	}
	return s, nil
}

// assembleInput mirrors the orchestrator's per-employee input assembly,
// restricted to periods up to the departure month.
func (se *SettlementEngine) assembleInput(ctx context.Context, emp Employee, month Month) (*EmployeeInput, error) {
	snap, err := se.Store.Snapshot(ctx, month)
	if err != nil {
		return nil, err
	}
	var plan CompPlan
	found := false
	for _, t := range snap.Targets {
		if t.EmployeeID == emp.ID && t.Active(month) {
			if p, ok := snap.Plans[t.PlanID]; ok {
				plan, found = p, true
				break
			}
		}
	}
	if !found {
		return nil, ErrPlanNotFound
	}

	var deals []Deal
	for _, d := range snap.Deals {
		if _, ok := d.RoleFor(emp.ID); ok {
			deals = append(deals, d)
		}
	}
	prior, err := se.Store.PriorRecognized(ctx, emp.ID, FiscalYearOf(month), month)
	if err != nil {
		return nil, err
	}
	return &EmployeeInput{
		Plan:        plan,
		Employee:    emp,
		Targets:     snap.Targets,
		Actuals:     snap.Actuals,
		Deals:       deals,
		Collections: snap.Collections,
		Month:       month,
		Prior:       prior,
	}, nil
}

func (se *SettlementEngine) openClawbackBalance(ctx context.Context, emp EmployeeID) (Money, error) {
	open, err := se.Store.OpenClawbacks(ctx, emp)
	if err != nil {
		return Money{}, err
	}
	total := USD(0)
	for _, e := range open {
		total = total.Add(e.Remaining())
	}
	return total, nil
}
