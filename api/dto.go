/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY REPRESENTATION:
  Monetary amounts travel as decimal strings plus an ISO 4217 code
  ({"amount": "1234.50", "currency": "USD"}). Floats would lose cents;
  clients parse the string with their own decimal type.

MONTHS:
  Calendar months travel as "YYYY-MM" strings. Dates are RFC 3339.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - plan/plan.go: PlanYAML, the plan configuration document
*/
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/comp-engine/engine"
	"github.com/warp/comp-engine/plan"
)

// =============================================================================
// SHARED TYPES
// =============================================================================

// MoneyDTO carries an exact decimal amount with its currency.
type MoneyDTO struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func toMoneyDTO(m engine.Money) MoneyDTO {
	return MoneyDTO{Amount: m.Value.StringFixed(2), Currency: m.Currency}
}

func parseMoneyDTO(m MoneyDTO) (engine.Money, error) {
	v, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return engine.Money{}, fmt.Errorf("invalid amount %q: %w", m.Amount, err)
	}
	cur := m.Currency
	if cur == "" {
		cur = engine.CurrencyUSD
	}
	if !engine.ValidCurrency(cur) {
		return engine.Money{}, fmt.Errorf("unknown currency %q", cur)
	}
	return engine.Money{Value: v, Currency: cur}, nil
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// EmployeeDTO represents an employee in API responses.
type EmployeeDTO struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	Currency       string   `json:"currency"`
	OTE            MoneyDTO `json:"ote"`
	TargetBonusPct string   `json:"target_bonus_pct"`
	CompRate       string   `json:"comp_rate"`
	HireDate       string   `json:"hire_date"`
	DepartureDate  *string  `json:"departure_date,omitempty"`
}

// UpsertEmployeeRequest creates or replaces an employee record.
type UpsertEmployeeRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	Currency       string   `json:"currency"`
	OTE            MoneyDTO `json:"ote"`
	TargetBonusPct string   `json:"target_bonus_pct"`
	CompRate       string   `json:"comp_rate"`
	HireDate       string   `json:"hire_date"`
	DepartureDate  *string  `json:"departure_date,omitempty"`
}

func toEmployeeDTO(e engine.Employee) EmployeeDTO {
	dto := EmployeeDTO{
		ID:             string(e.ID),
		Name:           e.Name,
		Email:          e.Email,
		Currency:       e.Currency,
		OTE:            toMoneyDTO(e.OTE),
		TargetBonusPct: e.TargetBonusPct.String(),
		CompRate:       e.CompRate.String(),
		HireDate:       e.HireDate.Format("2006-01-02"),
	}
	if e.DepartureDate != nil {
		dto.DepartureDate = strPtr(e.DepartureDate.Format("2006-01-02"))
	}
	return dto
}

// =============================================================================
// PLANS
// =============================================================================

// PlanDTO wraps the plan configuration document the way it is authored.
type PlanDTO struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Year    int           `json:"year"`
	Config  plan.PlanYAML `json:"config"`
	Version int           `json:"version"`
}

// CreatePlanRequest is the request to register a plan.
type CreatePlanRequest struct {
	Config plan.PlanYAML `json:"config"`
}

func toPlanDTO(p engine.CompPlan) PlanDTO {
	return PlanDTO{
		ID:      string(p.ID),
		Name:    p.Name,
		Year:    p.Year,
		Config:  plan.ToYAML(p),
		Version: p.Version,
	}
}

// =============================================================================
// TARGETS AND ACTUALS
// =============================================================================

// UpsertTargetRequest registers an annual target over an inclusive month range.
type UpsertTargetRequest struct {
	ID           string   `json:"id,omitempty"`
	EmployeeID   string   `json:"employee_id"`
	PlanID       string   `json:"plan_id"`
	MetricID     string   `json:"metric_id,omitempty"`
	AnnualAmount MoneyDTO `json:"annual_amount"`
	From         string   `json:"from"`
	To           string   `json:"to"`
}

// UpsertActualRequest records one achieved value for an employee/metric/month.
type UpsertActualRequest struct {
	EmployeeID string   `json:"employee_id"`
	MetricID   string   `json:"metric_id"`
	Month      string   `json:"month"`
	Amount     MoneyDTO `json:"amount"`
}

// =============================================================================
// DEALS AND COLLECTIONS
// =============================================================================

// DealRoleDTO assigns an employee a split of a deal.
type DealRoleDTO struct {
	EmployeeID string `json:"employee_id"`
	Role       string `json:"role"`
	SplitPct   string `json:"split_pct"`
}

// DealDTO represents a booking event.
type DealDTO struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Type            string        `json:"type"`
	PlanID          string        `json:"plan_id"`
	Currency        string        `json:"currency"`
	BookedAt        string        `json:"booked_at"`
	ARR             MoneyDTO      `json:"arr"`
	TCV             MoneyDTO      `json:"tcv"`
	Implementation  MoneyDTO      `json:"implementation"`
	ManagedServices MoneyDTO      `json:"managed_services"`
	ChangeRequest   MoneyDTO      `json:"change_request"`
	GrossMarginPct  string        `json:"gross_margin_pct"`
	RenewalTermYrs  int           `json:"renewal_term_yrs,omitempty"`
	Roles           []DealRoleDTO `json:"roles"`
}

// UpsertDealRequest creates or replaces a deal. Month locking applies.
type UpsertDealRequest = DealDTO

// CollectionDTO tracks whether/when a deal's value was collected.
type CollectionDTO struct {
	ID          string  `json:"id,omitempty"`
	DealID      string  `json:"deal_id"`
	DueAt       string  `json:"due_at"`
	CollectedAt *string `json:"collected_at,omitempty"`
	Failed      bool    `json:"failed,omitempty"`
	FailedAt    *string `json:"failed_at,omitempty"`
}

func toDealDTO(d engine.Deal) DealDTO {
	roles := make([]DealRoleDTO, len(d.Roles))
	for i, r := range d.Roles {
		roles[i] = DealRoleDTO{
			EmployeeID: string(r.EmployeeID),
			Role:       r.Role,
			SplitPct:   r.SplitPct.String(),
		}
	}
	return DealDTO{
		ID:              string(d.ID),
		Name:            d.Name,
		Type:            string(d.Type),
		PlanID:          string(d.PlanID),
		Currency:        d.Currency,
		BookedAt:        d.BookedAt.Format(time.RFC3339),
		ARR:             toMoneyDTO(d.ARR),
		TCV:             toMoneyDTO(d.TCV),
		Implementation:  toMoneyDTO(d.Implementation),
		ManagedServices: toMoneyDTO(d.ManagedServices),
		ChangeRequest:   toMoneyDTO(d.ChangeRequest),
		GrossMarginPct:  d.GrossMarginPct.String(),
		RenewalTermYrs:  d.RenewalTermYrs,
		Roles:           roles,
	}
}

// =============================================================================
// RATES
// =============================================================================

// UpsertRateRequest sets the market rate (local -> USD) for a currency/month.
type UpsertRateRequest struct {
	Currency string `json:"currency"`
	Month    string `json:"month"`
	Rate     string `json:"rate"`
}

// =============================================================================
// RUNS AND PAYOUTS
// =============================================================================

// TransitionStampDTO records one lifecycle transition.
type TransitionStampDTO struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Actor string `json:"actor"`
	At    string `json:"at"`
}

// FailureDTO is a per-employee calculation failure.
type FailureDTO struct {
	EmployeeID string `json:"employee_id"`
	Reason     string `json:"reason"`
}

// RunDTO represents a monthly payout run.
type RunDTO struct {
	ID              string               `json:"id"`
	Month           string               `json:"month"`
	State           string               `json:"state"`
	IsLocked        bool                 `json:"is_locked"`
	Stamps          []TransitionStampDTO `json:"stamps,omitempty"`
	PartialFailures []FailureDTO         `json:"partial_failures,omitempty"`
	TotalPayout     MoneyDTO             `json:"total_payout_usd"`
	TotalVariable   MoneyDTO             `json:"total_variable_usd"`
	TotalCommission MoneyDTO             `json:"total_commissions_usd"`
	TotalClawbacks  MoneyDTO             `json:"total_clawbacks_usd"`
	CreatedAt       string               `json:"created_at"`
	CalculatedAt    *string              `json:"calculated_at,omitempty"`
}

// CreateRunRequest opens a draft run for a month.
type CreateRunRequest struct {
	Month string `json:"month"`
}

// TransitionRequest advances a run's lifecycle.
type TransitionRequest struct {
	To string `json:"to"`
}

// PayoutDTO is one payout row of a run.
type PayoutDTO struct {
	RunID           string   `json:"run_id"`
	EmployeeID      string   `json:"employee_id"`
	Type            string   `json:"type"`
	CalculatedUSD   MoneyDTO `json:"calculated_usd"`
	CalculatedLocal MoneyDTO `json:"calculated_local"`
	PaidUSD         MoneyDTO `json:"paid_usd"`
	PaidLocal       MoneyDTO `json:"paid_local"`
	ComputedAt      string   `json:"computed_at"`
}

// CalculateResponse reports the run, its payout rows, and any employees
// skipped for missing rates.
type CalculateResponse struct {
	Run      RunDTO       `json:"run"`
	Payouts  []PayoutDTO  `json:"payouts"`
	Failures []FailureDTO `json:"failures,omitempty"`
}

func toRunDTO(r engine.PayoutRun) RunDTO {
	dto := RunDTO{
		ID:              string(r.ID),
		Month:           r.Month.String(),
		State:           string(r.State),
		IsLocked:        r.IsLocked,
		TotalPayout:     toMoneyDTO(r.TotalPayoutUSD),
		TotalVariable:   toMoneyDTO(r.TotalVariableUSD),
		TotalCommission: toMoneyDTO(r.TotalCommissionsUSD),
		TotalClawbacks:  toMoneyDTO(r.TotalClawbacksUSD),
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
	}
	for _, s := range r.Stamps {
		dto.Stamps = append(dto.Stamps, TransitionStampDTO{
			From: string(s.From), To: string(s.To), Actor: s.Actor, At: s.At.Format(time.RFC3339),
		})
	}
	for _, f := range r.PartialFailures {
		dto.PartialFailures = append(dto.PartialFailures, FailureDTO{
			EmployeeID: string(f.EmployeeID), Reason: f.Reason,
		})
	}
	if r.CalculatedAt != nil {
		dto.CalculatedAt = strPtr(r.CalculatedAt.Format(time.RFC3339))
	}
	return dto
}

func toPayoutDTO(p engine.MonthlyPayout) PayoutDTO {
	return PayoutDTO{
		RunID:           string(p.RunID),
		EmployeeID:      string(p.EmployeeID),
		Type:            string(p.Type),
		CalculatedUSD:   toMoneyDTO(p.CalculatedUSD),
		CalculatedLocal: toMoneyDTO(p.CalculatedLocal),
		PaidUSD:         toMoneyDTO(p.PaidUSD),
		PaidLocal:       toMoneyDTO(p.PaidLocal),
		ComputedAt:      p.ComputedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// CLAWBACKS
// =============================================================================

// ClawbackDTO is one ledger entry for a failed collection.
type ClawbackDTO struct {
	ID           string   `json:"id"`
	EmployeeID   string   `json:"employee_id"`
	DealID       string   `json:"deal_id"`
	CollectionID string   `json:"collection_id,omitempty"`
	OriginalUSD  MoneyDTO `json:"original_usd"`
	RecoveredUSD MoneyDTO `json:"recovered_usd"`
	RemainingUSD MoneyDTO `json:"remaining_usd"`
	Status       string   `json:"status"`
	CreatedAt    string   `json:"created_at"`
	WaivedBy     string   `json:"waived_by,omitempty"`
	WaivedAt     *string  `json:"waived_at,omitempty"`
}

func toClawbackDTO(c engine.ClawbackEntry) ClawbackDTO {
	dto := ClawbackDTO{
		ID:           c.ID,
		EmployeeID:   string(c.EmployeeID),
		DealID:       string(c.DealID),
		CollectionID: c.CollectionID,
		OriginalUSD:  toMoneyDTO(c.OriginalUSD),
		RecoveredUSD: toMoneyDTO(c.RecoveredUSD),
		RemainingUSD: toMoneyDTO(c.Remaining()),
		Status:       string(c.Status),
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		WaivedBy:     c.WaivedBy,
	}
	if c.WaivedAt != nil {
		dto.WaivedAt = strPtr(c.WaivedAt.Format(time.RFC3339))
	}
	return dto
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// AdjustmentDTO is a manual correction to a finalized payout.
type AdjustmentDTO struct {
	ID            string   `json:"id"`
	RunID         string   `json:"run_id"`
	EmployeeID    string   `json:"employee_id"`
	PayoutType    string   `json:"payout_type"`
	OriginalUSD   MoneyDTO `json:"original_usd"`
	AdjustedUSD   MoneyDTO `json:"adjusted_usd"`
	DeltaUSD      MoneyDTO `json:"delta_usd"`
	Reason        string   `json:"reason"`
	State         string   `json:"state"`
	AppliedTo     string   `json:"applied_to_month"`
	AppliedRunID  string   `json:"applied_run_id,omitempty"`
	CreatedBy     string   `json:"created_by"`
	CreatedAt     string   `json:"created_at"`
	DecidedBy     string   `json:"decided_by,omitempty"`
	DecidedAt     *string  `json:"decided_at,omitempty"`
}

// CreateAdjustmentRequest proposes a correction against a finalized run.
type CreateAdjustmentRequest struct {
	RunID       string   `json:"run_id"`
	EmployeeID  string   `json:"employee_id"`
	PayoutType  string   `json:"payout_type"`
	AdjustedUSD MoneyDTO `json:"adjusted_usd"`
	Reason      string   `json:"reason"`
	ApplyTo     string   `json:"apply_to_month"`
}

func toAdjustmentDTO(a engine.PayoutAdjustment) AdjustmentDTO {
	dto := AdjustmentDTO{
		ID:           a.ID,
		RunID:        string(a.RunID),
		EmployeeID:   string(a.EmployeeID),
		PayoutType:   string(a.PayoutType),
		OriginalUSD:  toMoneyDTO(a.OriginalUSD),
		AdjustedUSD:  toMoneyDTO(a.AdjustedUSD),
		DeltaUSD:     toMoneyDTO(a.DeltaUSD()),
		Reason:       a.Reason,
		State:        string(a.State),
		AppliedTo:    a.AppliedToMonth.String(),
		AppliedRunID: string(a.AppliedRunID),
		CreatedBy:    a.CreatedBy,
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
		DecidedBy:    a.DecidedBy,
	}
	if a.DecidedAt != nil {
		dto.DecidedAt = strPtr(a.DecidedAt.Format(time.RFC3339))
	}
	return dto
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// FnfLineDTO is one settlement line.
type FnfLineDTO struct {
	Type      string   `json:"type"`
	AmountUSD MoneyDTO `json:"amount_usd"`
	Note      string   `json:"note,omitempty"`
}

// TrancheDTO is one tranche of a departure settlement.
type TrancheDTO struct {
	Status       string       `json:"status"`
	Lines        []FnfLineDTO `json:"lines,omitempty"`
	TotalUSD     MoneyDTO     `json:"total_usd"`
	CalculatedAt *string      `json:"calculated_at,omitempty"`
	FinalizedAt  *string      `json:"finalized_at,omitempty"`
}

// SettlementDTO is the full-and-final settlement header with both tranches.
type SettlementDTO struct {
	ID                   string     `json:"id"`
	EmployeeID           string     `json:"employee_id"`
	DepartureDate        string     `json:"departure_date"`
	GraceDays            int        `json:"grace_days"`
	Tranche1             TrancheDTO `json:"tranche1"`
	Tranche2             TrancheDTO `json:"tranche2"`
	Tranche2EligibleAt   string     `json:"tranche2_eligible_at"`
	ClawbackCarryforward MoneyDTO   `json:"clawback_carryforward_usd"`
	CreatedAt            string     `json:"created_at"`
}

// OpenSettlementRequest opens a departure settlement.
type OpenSettlementRequest struct {
	EmployeeID    string `json:"employee_id"`
	DepartureDate string `json:"departure_date"`
	GraceDays     int    `json:"grace_days,omitempty"`
}

func toTrancheDTO(t engine.SettlementTranche) TrancheDTO {
	dto := TrancheDTO{
		Status:   string(t.Status),
		TotalUSD: toMoneyDTO(t.TotalUSD),
	}
	for _, l := range t.Lines {
		dto.Lines = append(dto.Lines, FnfLineDTO{
			Type: string(l.Type), AmountUSD: toMoneyDTO(l.AmountUSD), Note: l.Note,
		})
	}
	if t.CalculatedAt != nil {
		dto.CalculatedAt = strPtr(t.CalculatedAt.Format(time.RFC3339))
	}
	if t.FinalizedAt != nil {
		dto.FinalizedAt = strPtr(t.FinalizedAt.Format(time.RFC3339))
	}
	return dto
}

func toSettlementDTO(s engine.FnfSettlement) SettlementDTO {
	return SettlementDTO{
		ID:                   s.ID,
		EmployeeID:           string(s.EmployeeID),
		DepartureDate:        s.DepartureDate.Format("2006-01-02"),
		GraceDays:            s.GraceDays,
		Tranche1:             toTrancheDTO(s.Tranche1),
		Tranche2:             toTrancheDTO(s.Tranche2),
		Tranche2EligibleAt:   s.Tranche2EligibleAt().Format("2006-01-02"),
		ClawbackCarryforward: toMoneyDTO(s.ClawbackCarryforwardUSD),
		CreatedAt:            s.CreatedAt.Format(time.RFC3339),
	}
}

// LockDTO reports whether a month's facts are frozen by a finalized run.
type LockDTO struct {
	Month  string `json:"month"`
	Locked bool   `json:"locked"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditEntryDTO is one audit log record.
type AuditEntryDTO struct {
	ID          string `json:"id"`
	At          string `json:"at"`
	ActorID     string `json:"actor_id"`
	Action      string `json:"action"`
	Entity      string `json:"entity"`
	EntityID    string `json:"entity_id"`
	Before      any    `json:"before,omitempty"`
	After       any    `json:"after,omitempty"`
	Retroactive bool   `json:"retroactive,omitempty"`
	Period      string `json:"period,omitempty"`
}

func toAuditDTO(e engine.AuditEntry) AuditEntryDTO {
	dto := AuditEntryDTO{
		ID:          e.ID,
		At:          e.At.Format(time.RFC3339),
		ActorID:     e.ActorID,
		Action:      string(e.Action),
		Entity:      e.Entity,
		EntityID:    e.EntityID,
		Retroactive: e.Retroactive,
	}
	if len(e.Before) > 0 {
		dto.Before = json.RawMessage(e.Before)
	}
	if len(e.After) > 0 {
		dto.After = json.RawMessage(e.After)
	}
	if e.Period != nil {
		dto.Period = e.Period.String()
	}
	return dto
}
