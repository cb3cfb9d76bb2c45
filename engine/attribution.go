/*
attribution.go - Per-deal, per-employee variable pay attribution

PURPOSE:
  For each deal active in the fiscal year and each employee with a
  non-zero role split on it, computes the deal's contribution to each
  relevant metric, the employee's achievement and multiplier, the
  variable pay share, and the booking/collection/year-end tranche
  amounts. Also produces commission and spiff lines, which bypass the
  weighted-metric math entirely.

THE YTD WATERMARK:
  "This month" recognized amount = cumulative-eligible-to-date minus
  prior-recognized-to-date. Eligibility is event-driven per tranche:
    booking tranche:    eligible once the deal is booked
    collection tranche: eligible once the deal's collection lands
    year-end tranche:   eligible in the fiscal year's final month
  Recalculating a month never double-pays: if achievement moved up the
  difference is recognized, if it moved down the recognized amount goes
  negative (a true-up deduction).

POOL PRORATION:
  The variable pool in the payout formula is the year-to-date share of
  the annual pool (annual pool x elapsed months / 12), so achievement
  against a prorated target pays against a prorated pool.

CURRENCY:
  Deal components convert at the market rate of the deal currency for the
  booking month. Targets, actuals, and the pool convert at the employee's
  frozen compensation rate. Every aggregate is USD.
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// INPUTS AND RESULTS
// =============================================================================

// PriorLedger carries the amounts already recognized for an employee in
// prior finalized runs of the same fiscal year. It is the subtrahend of the
// YTD watermark.
type PriorLedger struct {
	Variable   map[MetricID]decimal.Decimal
	Commission decimal.Decimal
	Spiff      decimal.Decimal
}

// EmployeeInput is everything needed to compute one employee's lines for a
// month. The orchestrator assembles it from one consistent snapshot.
type EmployeeInput struct {
	Plan        CompPlan
	Employee    Employee
	Targets     []UserTarget
	Actuals     []MonthlyActual
	Deals       []Deal // fiscal-year-to-date deals carrying a role for the employee
	Collections map[DealID]DealCollection
	Month       Month
	Prior       PriorLedger
}

// EmployeeResult is the computed output for one employee.
type EmployeeResult struct {
	EmployeeID EmployeeID

	Attributions    []Attribution
	CommissionLines []CommissionLine

	// Tranche-eligible-to-date totals, USD.
	VariableEligibleUSD   decimal.Decimal
	CommissionEligibleUSD decimal.Decimal
	SpiffEligibleUSD      decimal.Decimal

	// Watermarked amounts recognized this month, USD. May be negative when
	// achievement recalculated downward.
	VariableRecognizedUSD   decimal.Decimal
	CommissionRecognizedUSD decimal.Decimal
	SpiffRecognizedUSD      decimal.Decimal

	// Advisory comp-vs-market rate drift, never blocking.
	Variance *RateVariance
}

// =============================================================================
// ATTRIBUTION ENGINE
// =============================================================================

type AttributionEngine struct {
	Converter *Converter
	Resolver  *TargetResolver
}

func NewAttributionEngine(c *Converter) *AttributionEngine {
	return &AttributionEngine{Converter: c, Resolver: NewTargetResolver(c)}
}

// Compute produces all attribution rows and commission/spiff lines for one
// employee in one month. Pure computation over the input snapshot; every
// line is independently derivable, so employees can run in parallel.
func (ae *AttributionEngine) Compute(in EmployeeInput) (*EmployeeResult, error) {
	if err := in.Plan.Validate(); err != nil {
		return nil, err
	}

	res := &EmployeeResult{EmployeeID: in.Employee.ID}
	fy := FiscalYearOf(in.Month)
	now := time.Now().UTC()

	poolYTD, err := ae.poolYTDUSD(in.Employee, in.Month)
	if err != nil {
		return nil, err
	}

	variableEligible := decimal.Zero

	for _, metric := range in.Plan.Metrics {
		rows, eligible, err := ae.computeMetric(in, metric, poolYTD, fy, now)
		if err != nil {
			return nil, err
		}
		res.Attributions = append(res.Attributions, rows...)
		variableEligible = variableEligible.Add(eligible)
	}

	// The watermark runs at plan level: payout rows carry no metric, so the
	// prior ledger cannot be split finer than the variable total.
	priorVariable := decimal.Zero
	for _, v := range in.Prior.Variable {
		priorVariable = priorVariable.Add(v)
	}
	res.VariableEligibleUSD = variableEligible
	res.VariableRecognizedUSD = variableEligible.Sub(priorVariable)

	if err := ae.computeRuleLines(in, fy, now, res); err != nil {
		return nil, err
	}
	res.CommissionRecognizedUSD = res.CommissionEligibleUSD.Sub(in.Prior.Commission)
	res.SpiffRecognizedUSD = res.SpiffEligibleUSD.Sub(in.Prior.Spiff)

	if v, ok := ae.Converter.Variance(in.Employee, in.Month); ok {
		res.Variance = &v
	}
	return res, nil
}

// poolYTDUSD prorates the annual variable pool to the elapsed fiscal months.
func (ae *AttributionEngine) poolYTDUSD(emp Employee, month Month) (decimal.Decimal, error) {
	annual, err := ae.Converter.CompToUSD(emp, emp.VariablePoolLocal())
	if err != nil {
		return decimal.Zero, err
	}
	elapsed := MonthsBetween(FiscalYearStart(FiscalYearOf(month)), month) + 1
	return annual.Value.Mul(decimal.NewFromInt(int64(elapsed))).Div(decimal.NewFromInt(12)), nil
}

// computeMetric builds the per-deal attribution rows for one metric and
// returns the tranche-eligible-to-date total.
func (ae *AttributionEngine) computeMetric(in EmployeeInput, metric PlanMetric, poolYTD decimal.Decimal, fy int, now time.Time) ([]Attribution, decimal.Decimal, error) {
	emp := in.Employee

	achieved, err := ae.Resolver.AchievedUSD(emp, in.Actuals, metric.ID, in.Month)
	if err != nil {
		return nil, decimal.Zero, err
	}
	targetYTD, err := ae.Resolver.YTDTargetUSD(emp, in.Targets, in.Plan.ID, metric.ID, in.Month)
	if err != nil {
		return nil, decimal.Zero, err
	}

	achievementPct := Achievement(achieved, targetYTD)
	multiplier, err := ResolveMultiplier(in.Plan, metric, achievementPct)
	if err != nil {
		return nil, decimal.Zero, err
	}

	// total variable pay for the metric, YTD basis
	totalVariable := poolYTD.Mul(metric.WeightPct).Div(hundred).Mul(multiplier)

	// deal contributions in USD, for proportional shares
	type contribution struct {
		deal Deal
		usd  decimal.Decimal
	}
	var contribs []contribution
	totalContrib := decimal.Zero
	for _, deal := range in.Deals {
		role, ok := deal.RoleFor(emp.ID)
		if !ok {
			continue
		}
		value := deal.ValueFor(metric.Basis).Mul(role.SplitPct).Div(hundred)
		usd, err := ae.Converter.ToUSD(value, deal.BookingMonth())
		if err != nil {
			return nil, decimal.Zero, err
		}
		if usd.Value.IsZero() {
			continue
		}
		contribs = append(contribs, contribution{deal: deal, usd: usd.Value})
		totalContrib = totalContrib.Add(usd.Value)
	}

	var rows []Attribution
	eligible := decimal.Zero

	for _, c := range contribs {
		share := decimal.Zero
		if !totalContrib.IsZero() {
			share = c.usd.Div(totalContrib).Mul(hundred)
		}
		dealVariable := USD(0)
		if !totalContrib.IsZero() {
			dealVariable = MoneyFromDecimal(totalVariable.Mul(c.usd).Div(totalContrib), CurrencyUSD)
		}

		booking, collection, yearEnd := metric.Split.Apply(dealVariable)

		bookingLocal, err := ae.Converter.CompFromUSD(emp, booking)
		if err != nil {
			return nil, decimal.Zero, err
		}
		collectionLocal, err := ae.Converter.CompFromUSD(emp, collection)
		if err != nil {
			return nil, decimal.Zero, err
		}
		yearEndLocal, err := ae.Converter.CompFromUSD(emp, yearEnd)
		if err != nil {
			return nil, decimal.Zero, err
		}

		rows = append(rows, Attribution{
			DealID:              c.deal.ID,
			EmployeeID:          emp.ID,
			MetricID:            metric.ID,
			FiscalYear:          fy,
			AchievementPct:      achievementPct,
			Multiplier:          multiplier,
			SharePct:            share,
			BookingUSD:          booking,
			CollectionUSD:       collection,
			YearEndUSD:          yearEnd,
			BookingLocal:        bookingLocal,
			CollectionLocal:     collectionLocal,
			YearEndLocal:        yearEndLocal,
			ClawbackEligibleUSD: booking,
			ComputedAt:          now,
		})

		eligible = eligible.Add(ae.eligibleForDeal(in, c.deal, booking, collection, yearEnd))
	}

	return rows, eligible, nil
}

// eligibleForDeal gates each tranche on its business event as of the
// calculation month.
func (ae *AttributionEngine) eligibleForDeal(in EmployeeInput, deal Deal, booking, collection, yearEnd Money) decimal.Decimal {
	eligible := decimal.Zero

	if !deal.BookingMonth().After(in.Month) {
		eligible = eligible.Add(booking.Value)
	}
	if col, ok := in.Collections[deal.ID]; ok {
		if cm, collected := col.CollectionMonth(); collected && !cm.After(in.Month) {
			eligible = eligible.Add(collection.Value)
		}
	}
	if in.Month.IsFiscalYearEnd() {
		eligible = eligible.Add(yearEnd.Value)
	}
	return eligible
}

// =============================================================================
// COMMISSION AND SPIFF LINES
// =============================================================================

// ruleSpec is the shared shape of commission and spiff rules.
type ruleSpec struct {
	id        string
	kind      LineKind
	basis     ValueBasis
	ratePct   decimal.Decimal
	minValue  decimal.Decimal
	minMargin decimal.Decimal
	split     TrancheSplit
	covers    func(DealType) bool
}

func (ae *AttributionEngine) computeRuleLines(in EmployeeInput, fy int, now time.Time, res *EmployeeResult) error {
	var rules []ruleSpec
	for _, c := range in.Plan.Commissions {
		c := c
		rules = append(rules, ruleSpec{
			id: c.ID, kind: LineCommission, basis: c.Basis, ratePct: c.RatePct,
			minValue: c.MinDealValueUSD, minMargin: c.MinGrossMarginPct,
			split: c.Split, covers: c.Covers,
		})
	}
	for _, s := range in.Plan.Spiffs {
		s := s
		rules = append(rules, ruleSpec{
			id: s.ID, kind: LineSpiff, basis: s.Basis, ratePct: s.RatePct,
			minValue: s.MinDealValueUSD, minMargin: s.MinGrossMarginPct,
			split: s.Split, covers: s.Covers,
		})
	}

	for _, rule := range rules {
		for _, deal := range in.Deals {
			if !rule.covers(deal.Type) {
				continue
			}
			role, ok := deal.RoleFor(in.Employee.ID)
			if !ok {
				continue
			}

			line, eligibleUSD, err := ae.ruleLine(in, rule, deal, role, fy, now)
			if err != nil {
				return err
			}
			res.CommissionLines = append(res.CommissionLines, line)
			if rule.kind == LineCommission {
				res.CommissionEligibleUSD = res.CommissionEligibleUSD.Add(eligibleUSD)
			} else {
				res.SpiffEligibleUSD = res.SpiffEligibleUSD.Add(eligibleUSD)
			}
		}
	}
	return nil
}

// ruleLine builds one commission/spiff line. Ineligible deals get a
// zero-amount, reason-coded line for audit completeness - never omitted.
func (ae *AttributionEngine) ruleLine(in EmployeeInput, rule ruleSpec, deal Deal, role DealRole, fy int, now time.Time) (CommissionLine, decimal.Decimal, error) {
	line := CommissionLine{
		RuleID:     rule.id,
		Kind:       rule.kind,
		DealID:     deal.ID,
		EmployeeID: in.Employee.ID,
		FiscalYear: fy,
		BookingUSD: USD(0), CollectionUSD: USD(0), YearEndUSD: USD(0),
		ComputedAt: now,
	}

	dealValueUSD, err := ae.Converter.ToUSD(deal.TCV, deal.BookingMonth())
	if err != nil {
		return line, decimal.Zero, err
	}
	if dealValueUSD.Value.LessThan(rule.minValue) {
		line.ReasonCode = ReasonBelowMinValue
		return line, decimal.Zero, nil
	}
	if deal.GrossMarginPct.LessThan(rule.minMargin) {
		line.ReasonCode = ReasonBelowMinMargin
		return line, decimal.Zero, nil
	}

	base := deal.ValueFor(rule.basis).Mul(role.SplitPct).Div(hundred)
	baseUSD, err := ae.Converter.ToUSD(base, deal.BookingMonth())
	if err != nil {
		return line, decimal.Zero, err
	}

	amount := baseUSD.Mul(rule.ratePct).Div(hundred)
	if deal.Type == DealRenewal {
		amount = amount.Mul(in.Plan.RenewalFactor(deal.RenewalTermYrs))
	}

	line.BookingUSD, line.CollectionUSD, line.YearEndUSD = rule.split.Apply(amount)
	eligible := ae.eligibleForDeal(in, deal, line.BookingUSD, line.CollectionUSD, line.YearEndUSD)
	return line, eligible, nil
}
