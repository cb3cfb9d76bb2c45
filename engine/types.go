/*
Package engine provides the payout calculation core for sales compensation.

PURPOSE:
  This package contains the domain types and algorithms that turn raw
  business events (bookings, collections, monthly actuals, currency
  movement) into per-employee, per-period monetary obligations: variable
  pay, commissions, spiffs, clawbacks, and departure settlements.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a monetary amount with a currency code
  - Employee: identity plus frozen compensation facts (OTE, comp rate)
  - UserTarget: an annual target valid over a month range
  - MonthlyActual: one achieved value per employee/metric/month
  - Deal / DealRole / DealCollection: the booking and collection facts
  - Attribution: the per-deal, per-employee, per-metric ledger line
  - MonthlyPayout: the materialized, approvable per-employee amount

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every monetary and percentage value
  2. Type safety: strong typing for IDs prevents mixing employees/deals
  3. Derived, not stored: derived figures (collection month, clawback
     remaining) are computed accessors so they can never drift
  4. Replace, never duplicate: recomputation for the same natural key
     replaces the prior row

SEE ALSO:
  - plan.go: compensation plan configuration (metrics, grids, splits)
  - attribution.go: the attribution engine
  - run.go: the payout run orchestrator and its lifecycle
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Amount with currency
// =============================================================================

// CurrencyUSD is the settlement currency. Every figure the engine aggregates
// is normalized to USD; local amounts are kept alongside for payroll export.
const CurrencyUSD = "USD"

type Money struct {
	Value    decimal.Decimal
	Currency string
}

func NewMoney(value float64, currency string) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func USD(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: CurrencyUSD}
}

func MoneyFromDecimal(value decimal.Decimal, currency string) Money {
	return Money{Value: value, Currency: currency}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Arithmetic assumes both operands share a currency; mixing currencies is a
// programming error caught by Add/Sub panicking in tests via same-currency use.
func (m Money) Zero() Money                 { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money           { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money           { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s), Currency: m.Currency} }
func (m Money) Div(s decimal.Decimal) Money { return Money{Value: m.Value.Div(s), Currency: m.Currency} }
func (m Money) Neg() Money                  { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) Round() Money                { return Money{Value: m.Value.Round(2), Currency: m.Currency} }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool    { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool       { return m.Value.LessThan(o.Value) }
func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

func (m Money) String() string { return fmt.Sprintf("%s %s", m.Value.StringFixed(2), m.Currency) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EmployeeID string
type PlanID string
type MetricID string
type DealID string
type RunID string

// =============================================================================
// EMPLOYEE - Identity plus compensation facts
// =============================================================================

// Employee carries the compensation facts the engine needs. CompRate is the
// exchange rate (local -> USD) frozen when OTE was last set; payout math uses
// it instead of live market rates so pay and targets do not drift mid-year.
type Employee struct {
	ID             EmployeeID
	Name           string
	Email          string
	Currency       string // local payroll currency, ISO 4217
	OTE            Money  // on-target earnings, local currency
	TargetBonusPct decimal.Decimal
	CompRate       decimal.Decimal // frozen local->USD rate
	HireDate       time.Time
	DepartureDate  *time.Time
}

// VariablePoolLocal is the annual variable pay pool in local currency.
func (e Employee) VariablePoolLocal() Money {
	return e.OTE.Mul(e.TargetBonusPct).Div(decimal.NewFromInt(100))
}

// =============================================================================
// TARGETS AND ACTUALS
// =============================================================================

// UserTarget is an annual target for a plan, valid over an inclusive month
// range. MetricID may be empty, in which case the target applies to every
// metric of the plan (the usual single-revenue-target setup).
type UserTarget struct {
	ID           string
	EmployeeID   EmployeeID
	PlanID       PlanID
	MetricID     MetricID // empty = all metrics of the plan
	AnnualAmount Money    // local currency
	From         Month
	To           Month
}

// Active reports whether the target's effective range contains the month.
func (t UserTarget) Active(m Month) bool {
	return !m.Before(t.From) && !m.After(t.To)
}

// SpanMonths is the number of calendar months the effective range covers.
func (t UserTarget) SpanMonths() int {
	return MonthsBetween(t.From, t.To) + 1
}

// MonthlyActual is one achieved value per employee/metric/month, local currency.
type MonthlyActual struct {
	EmployeeID EmployeeID
	MetricID   MetricID
	Month      Month
	Amount     Money
}

// =============================================================================
// DEALS
// =============================================================================

type DealType string

const (
	DealNewBusiness     DealType = "new_business"
	DealRenewal         DealType = "renewal"
	DealChangeRequest   DealType = "cr_er"
	DealManagedServices DealType = "managed_services"
)

// ValueBasis names the deal component a metric or rule measures.
type ValueBasis string

const (
	BasisARR             ValueBasis = "arr"
	BasisTCV             ValueBasis = "tcv"
	BasisImplementation  ValueBasis = "implementation"
	BasisManagedServices ValueBasis = "managed_services"
	BasisChangeRequest   ValueBasis = "cr_er"
)

// DealRole assigns an employee to a deal with a split percentage.
// Typical roles: rep, head, se, product_specialist.
type DealRole struct {
	EmployeeID EmployeeID
	Role       string
	SplitPct   decimal.Decimal
}

// Deal is a booking event. Monetary components are in the deal's currency;
// GrossMarginPct feeds commission eligibility gates.
type Deal struct {
	ID              DealID
	Name            string
	Type            DealType
	PlanID          PlanID
	Currency        string
	BookedAt        time.Time
	ARR             Money
	TCV             Money
	Implementation  Money
	ManagedServices Money
	ChangeRequest   Money
	GrossMarginPct  decimal.Decimal
	RenewalTermYrs  int // renewals only; selects the renewal multiplier band
	Roles           []DealRole
}

// BookingMonth is the calculation month the deal belongs to.
func (d Deal) BookingMonth() Month { return MonthOf(d.BookedAt) }

// ValueFor returns the deal component for a basis.
func (d Deal) ValueFor(basis ValueBasis) Money {
	switch basis {
	case BasisARR:
		return d.ARR
	case BasisTCV:
		return d.TCV
	case BasisImplementation:
		return d.Implementation
	case BasisManagedServices:
		return d.ManagedServices
	case BasisChangeRequest:
		return d.ChangeRequest
	default:
		return Money{Value: decimal.Zero, Currency: d.Currency}
	}
}

// RoleFor returns the role assignment for an employee, if any.
func (d Deal) RoleFor(id EmployeeID) (DealRole, bool) {
	for _, r := range d.Roles {
		if r.EmployeeID == id && !r.SplitPct.IsZero() {
			return r, true
		}
	}
	return DealRole{}, false
}

// DealCollection tracks whether/when a deal's value was collected. There is
// exactly one per deal. CollectionMonth is derived from CollectedAt, never
// independently settable.
type DealCollection struct {
	ID          string
	DealID      DealID
	DueAt       time.Time
	CollectedAt *time.Time
	Failed      bool // marked non-collectible / reversed
	FailedAt    *time.Time
}

func (c DealCollection) Collected() bool { return c.CollectedAt != nil && !c.Failed }

// CollectionMonth returns the month the collection landed in, if collected.
func (c DealCollection) CollectionMonth() (Month, bool) {
	if !c.Collected() {
		return Month{}, false
	}
	return MonthOf(*c.CollectedAt), true
}

// =============================================================================
// ATTRIBUTION - The per-deal ledger line
// =============================================================================

// Attribution is one row per (deal, employee, metric, fiscal year): the
// deal's contribution to that employee's variable pay under that metric,
// split into booking/collection/year-end tranches. Amounts are kept in USD
// and local currency. Recomputation for the same key replaces the row.
type Attribution struct {
	DealID     DealID
	EmployeeID EmployeeID
	MetricID   MetricID
	FiscalYear int

	AchievementPct decimal.Decimal
	Multiplier     decimal.Decimal
	SharePct       decimal.Decimal // deal's share of the metric total, percent

	BookingUSD    Money
	CollectionUSD Money
	YearEndUSD    Money
	BookingLocal    Money
	CollectionLocal Money
	YearEndLocal    Money

	// ClawbackEligibleUSD is the booking-tranche amount subject to recovery
	// if the deal later fails to collect inside the plan window.
	ClawbackEligibleUSD Money

	ComputedAt time.Time
}

// Key is the natural key backing replace-never-duplicate semantics.
func (a Attribution) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d", a.DealID, a.EmployeeID, a.MetricID, a.FiscalYear)
}

// TotalUSD is the full tranche sum for the row.
func (a Attribution) TotalUSD() Money {
	return a.BookingUSD.Add(a.CollectionUSD).Add(a.YearEndUSD)
}

// =============================================================================
// COMMISSION / SPIFF LINES
// =============================================================================

type LineKind string

const (
	LineCommission LineKind = "commission"
	LineSpiff      LineKind = "spiff"
)

// Eligibility reason codes. An ineligible deal yields a zero-amount line
// carrying one of these, never a silent omission.
const (
	ReasonBelowMinValue  = "below_min_deal_value"
	ReasonBelowMinMargin = "below_min_gross_margin"
)

// CommissionLine is a deal-scoped payout line that bypasses the weighted
// metric math entirely: deal value x rate%, gated by rule thresholds.
type CommissionLine struct {
	RuleID     string
	Kind       LineKind
	DealID     DealID
	EmployeeID EmployeeID
	FiscalYear int

	ReasonCode string // empty = eligible

	BookingUSD    Money
	CollectionUSD Money
	YearEndUSD    Money

	ComputedAt time.Time
}

func (l CommissionLine) Eligible() bool { return l.ReasonCode == "" }

func (l CommissionLine) TotalUSD() Money {
	return l.BookingUSD.Add(l.CollectionUSD).Add(l.YearEndUSD)
}

// =============================================================================
// MONTHLY PAYOUT - Materialized, approvable amount
// =============================================================================

type PayoutType string

const (
	PayoutVariable   PayoutType = "variable"
	PayoutCommission PayoutType = "commission"
	PayoutSpiff      PayoutType = "spiff"
	PayoutClawback   PayoutType = "clawback"   // negative deduction row
	PayoutAdjustmentType PayoutType = "adjustment" // folded-in approved adjustment
)

// MonthlyPayout is one row per (employee, payout type, run), distinguishing
// calculated vs paid and local vs USD amounts.
type MonthlyPayout struct {
	RunID      RunID
	EmployeeID EmployeeID
	Type       PayoutType

	CalculatedUSD   Money
	CalculatedLocal Money
	PaidUSD         Money
	PaidLocal       Money

	ComputedAt time.Time
}

func (p MonthlyPayout) Key() string {
	return fmt.Sprintf("%s|%s|%s", p.RunID, p.EmployeeID, p.Type)
}
