/*
currency.go - Currency normalization for payout math

PURPOSE:
  Resolves a monetary amount in local currency to USD (and back) using a
  rate valid for a given month and rate class.

RATE CLASSES:
  market:       monthly spot rate from the exchange-rate table, keyed by
                currency+month. Used for reporting and variance checks.
  compensation: the rate frozen on the employee record when OTE was last
                set. Used for all payout math so an employee's pay and
                targets do not retroactively drift with spot rates.

FAILURE MODE:
  A missing rate for a currency/month is a hard error (MissingRateError).
  The engine never silently defaults to 1.0 - except for USD itself,
  which is the identity conversion.

VARIANCE:
  RateVariance compares the compensation rate against the market rate and
  reports the drift percentage. It exists for audit visibility only and
  never blocks a calculation.
*/
package engine

import (
	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE CLASSES AND SOURCES
// =============================================================================

type RateClass string

const (
	RateMarket       RateClass = "market"
	RateCompensation RateClass = "compensation"
)

// RateTable supplies market rates (local -> USD) keyed by currency+month.
// Implementations: store/sqlite exchange_rates table, engine/store memory.
type RateTable interface {
	Rate(currency string, month Month) (decimal.Decimal, error)
}

// ValidCurrency reports whether code is a known ISO 4217 currency.
func ValidCurrency(code string) bool {
	return gomoney.GetCurrency(code) != nil
}

// =============================================================================
// CONVERTER
// =============================================================================

// Converter normalizes amounts between local currencies and USD.
type Converter struct {
	Rates RateTable
}

func NewConverter(rates RateTable) *Converter { return &Converter{Rates: rates} }

// marketRate resolves the spot rate, treating USD as identity.
func (c *Converter) marketRate(currency string, month Month) (decimal.Decimal, error) {
	if currency == CurrencyUSD {
		return decimal.NewFromInt(1), nil
	}
	rate, err := c.Rates.Rate(currency, month)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsZero() {
		return decimal.Zero, &MissingRateError{Currency: currency, Month: month, Class: RateMarket}
	}
	return rate, nil
}

// compRate resolves the employee's frozen compensation rate.
func compRate(emp Employee) (decimal.Decimal, error) {
	if emp.Currency == CurrencyUSD {
		return decimal.NewFromInt(1), nil
	}
	if emp.CompRate.IsZero() {
		return decimal.Zero, &MissingRateError{Currency: emp.Currency, Class: RateCompensation}
	}
	return emp.CompRate, nil
}

// ToUSD converts a local amount using the market rate for the month. A zero
// amount converts to zero USD without a rate lookup: deals with no value for
// a basis carry a zero Money with no currency, and a zero contribution must
// never fail the calculation.
func (c *Converter) ToUSD(amount Money, month Month) (Money, error) {
	if amount.Value.IsZero() {
		return Money{Value: decimal.Zero, Currency: CurrencyUSD}, nil
	}
	rate, err := c.marketRate(amount.Currency, month)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: amount.Value.Mul(rate), Currency: CurrencyUSD}, nil
}

// FromUSD converts a USD amount into a local currency at the market rate.
func (c *Converter) FromUSD(amount Money, currency string, month Month) (Money, error) {
	rate, err := c.marketRate(currency, month)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: amount.Value.Div(rate), Currency: currency}, nil
}

// CompToUSD converts a local amount using the employee's frozen rate.
func (c *Converter) CompToUSD(emp Employee, amount Money) (Money, error) {
	rate, err := compRate(emp)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: amount.Value.Mul(rate), Currency: CurrencyUSD}, nil
}

// CompFromUSD converts a USD amount back to the employee's local currency
// at the frozen rate, for payroll export.
func (c *Converter) CompFromUSD(emp Employee, amount Money) (Money, error) {
	rate, err := compRate(emp)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: amount.Value.Div(rate), Currency: emp.Currency}, nil
}

// =============================================================================
// RATE VARIANCE - Audit signal, never blocking
// =============================================================================

// RateVariance is the comp-vs-market drift for one employee/month.
type RateVariance struct {
	EmployeeID  EmployeeID
	Currency    string
	Month       Month
	CompRate    decimal.Decimal
	MarketRate  decimal.Decimal
	VariancePct decimal.Decimal
}

// Variance computes the drift of the frozen compensation rate from the
// current market rate. A missing market rate yields ok=false rather than an
// error: the signal is advisory and must never block calculation.
func (c *Converter) Variance(emp Employee, month Month) (RateVariance, bool) {
	if emp.Currency == CurrencyUSD {
		return RateVariance{}, false
	}
	frozen, err := compRate(emp)
	if err != nil {
		return RateVariance{}, false
	}
	market, err := c.marketRate(emp.Currency, month)
	if err != nil {
		return RateVariance{}, false
	}
	hundred := decimal.NewFromInt(100)
	variance := frozen.Sub(market).Div(market).Mul(hundred)
	return RateVariance{
		EmployeeID:  emp.ID,
		Currency:    emp.Currency,
		Month:       month,
		CompRate:    frozen,
		MarketRate:  market,
		VariancePct: variance,
	}, true
}
