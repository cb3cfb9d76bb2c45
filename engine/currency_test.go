package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/comp-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeRates is a RateTable backed by a map keyed "CUR|YYYY-MM".
type fakeRates map[string]decimal.Decimal

func (f fakeRates) Rate(currency string, month engine.Month) (decimal.Decimal, error) {
	if r, ok := f[currency+"|"+month.String()]; ok {
		return r, nil
	}
	return decimal.Zero, &engine.MissingRateError{Currency: currency, Month: month, Class: engine.RateMarket}
}

func jan2025() engine.Month { return engine.NewMonth(2025, time.January) }

func usdEmployee(id string) engine.Employee {
	return engine.Employee{
		ID:             engine.EmployeeID(id),
		Name:           id,
		Currency:       engine.CurrencyUSD,
		OTE:            engine.USD(600000),
		TargetBonusPct: decimal.NewFromInt(20),
		HireDate:       time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
}

func eurEmployee(id string, compRate float64) engine.Employee {
	return engine.Employee{
		ID:             engine.EmployeeID(id),
		Name:           id,
		Currency:       "EUR",
		OTE:            engine.NewMoney(500000, "EUR"),
		TargetBonusPct: decimal.NewFromInt(20),
		CompRate:       decimal.NewFromFloat(compRate),
		HireDate:       time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// MARKET RATE CONVERSION TESTS
// =============================================================================

func TestToUSD_USDIsIdentity(t *testing.T) {
	// GIVEN: An empty rate table
	// WHEN: Converting a USD amount
	// THEN: Conversion succeeds with the same value - USD never needs a rate

	c := engine.NewConverter(fakeRates{})
	got, err := c.ToUSD(engine.USD(1000), jan2025())
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, engine.CurrencyUSD, got.Currency)
}

func TestToUSD_UsesMonthRate(t *testing.T) {
	c := engine.NewConverter(fakeRates{"EUR|2025-01": decimal.NewFromFloat(1.1)})

	got, err := c.ToUSD(engine.NewMoney(100, "EUR"), jan2025())
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(decimal.NewFromInt(110)), "got %s", got.Value)
}

func TestToUSD_ZeroAmount_NeedsNoRate(t *testing.T) {
	// GIVEN: An empty rate table and a zero-value amount with no currency,
	//        as a deal with no value for a basis carries
	// WHEN: Converting
	// THEN: Zero USD, not a missing-rate failure

	c := engine.NewConverter(fakeRates{})
	got, err := c.ToUSD(engine.Money{}, jan2025())
	require.NoError(t, err)
	assert.True(t, got.Value.IsZero())
	assert.Equal(t, engine.CurrencyUSD, got.Currency)
}

func TestToUSD_MissingRate_HardError(t *testing.T) {
	// GIVEN: No EUR rate for the month
	// WHEN: Converting EUR
	// THEN: MissingRateError - never a silent 1.0 default

	c := engine.NewConverter(fakeRates{})
	_, err := c.ToUSD(engine.NewMoney(100, "EUR"), jan2025())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrMissingRate)

	var mre *engine.MissingRateError
	require.ErrorAs(t, err, &mre)
	assert.Equal(t, "EUR", mre.Currency)
}

func TestFromUSD_Divides(t *testing.T) {
	c := engine.NewConverter(fakeRates{"EUR|2025-01": decimal.NewFromInt(2)})

	got, err := c.FromUSD(engine.USD(100), "EUR", jan2025())
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "EUR", got.Currency)
}

// =============================================================================
// COMPENSATION RATE TESTS
// =============================================================================

func TestCompToUSD_UsesFrozenRate(t *testing.T) {
	// GIVEN: Employee with a frozen comp rate of 1.2, market rate 1.1
	// WHEN: Converting at the compensation class
	// THEN: The frozen rate wins; the market table is not consulted

	c := engine.NewConverter(fakeRates{"EUR|2025-01": decimal.NewFromFloat(1.1)})
	emp := eurEmployee("emp-1", 1.2)

	got, err := c.CompToUSD(emp, engine.NewMoney(100, "EUR"))
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(decimal.NewFromInt(120)), "got %s", got.Value)
}

func TestCompToUSD_MissingFrozenRate_HardError(t *testing.T) {
	c := engine.NewConverter(fakeRates{})
	emp := eurEmployee("emp-1", 0) // no frozen rate set

	_, err := c.CompToUSD(emp, engine.NewMoney(100, "EUR"))
	assert.ErrorIs(t, err, engine.ErrMissingRate)
}

func TestCompFromUSD_RoundTrips(t *testing.T) {
	c := engine.NewConverter(fakeRates{})
	emp := eurEmployee("emp-1", 1.25)

	local, err := c.CompFromUSD(emp, engine.USD(125))
	require.NoError(t, err)
	assert.True(t, local.Value.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "EUR", local.Currency)
}

// =============================================================================
// VARIANCE TESTS
// =============================================================================

func TestVariance_ReportsDrift(t *testing.T) {
	// GIVEN: Frozen rate 1.2, market rate 1.0
	// WHEN: Computing variance
	// THEN: +20% drift is reported

	c := engine.NewConverter(fakeRates{"EUR|2025-01": decimal.NewFromInt(1)})
	emp := eurEmployee("emp-1", 1.2)

	v, ok := c.Variance(emp, jan2025())
	require.True(t, ok)
	assert.True(t, v.VariancePct.Equal(decimal.NewFromInt(20)), "got %s", v.VariancePct)
}

func TestVariance_USDEmployee_NoSignal(t *testing.T) {
	c := engine.NewConverter(fakeRates{})
	_, ok := c.Variance(usdEmployee("emp-1"), jan2025())
	assert.False(t, ok)
}

func TestVariance_MissingMarketRate_NeverBlocks(t *testing.T) {
	// A missing market rate yields no signal, not an error: the variance is
	// advisory only.
	c := engine.NewConverter(fakeRates{})
	_, ok := c.Variance(eurEmployee("emp-1", 1.2), jan2025())
	assert.False(t, ok)
}

// =============================================================================
// CURRENCY CODE TESTS
// =============================================================================

func TestValidCurrency(t *testing.T) {
	assert.True(t, engine.ValidCurrency("USD"))
	assert.True(t, engine.ValidCurrency("EUR"))
	assert.True(t, engine.ValidCurrency("INR"))
	assert.False(t, engine.ValidCurrency("WRP"))
}
