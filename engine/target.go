/*
target.go - Target resolution and achievement calculation

PURPOSE:
  Computes, for an employee/metric/period, the prorated target and the
  achievement percentage against it.

RESOLUTION:
  The effective target is the UserTarget whose effective range contains
  the period. Metric-scoped targets win over plan-wide rows. If none is
  active, the metric contributes zero achievement - that is a valid
  state, not an error.

PRORATION:
  Whole-month proration: the annual amount is divided by the number of
  calendar months the target's effective range spans, and each month the
  range intersects gets one share. Day-weighting inside a month is not
  applied (a target effective on any day of a month covers that month).

ACHIEVEMENT:
  achievement% = achievedUSD / proratedTargetUSD x 100, with both sides
  converted at the employee's frozen compensation rate. A zero target is
  0% achievement, never a division fault.
*/
package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// TARGET RESOLVER
// =============================================================================

type TargetResolver struct {
	Converter *Converter
}

func NewTargetResolver(c *Converter) *TargetResolver { return &TargetResolver{Converter: c} }

// EffectiveTarget picks the target row active for the metric and month.
// Metric-scoped rows take precedence over plan-wide (empty MetricID) rows.
func (tr *TargetResolver) EffectiveTarget(targets []UserTarget, planID PlanID, metricID MetricID, month Month) (UserTarget, bool) {
	var planWide UserTarget
	var havePlanWide bool
	for _, t := range targets {
		if t.PlanID != planID || !t.Active(month) {
			continue
		}
		if t.MetricID == metricID {
			return t, true
		}
		if t.MetricID == "" && !havePlanWide {
			planWide, havePlanWide = t, true
		}
	}
	return planWide, havePlanWide
}

// ProratedTargetUSD resolves the per-month target in USD at the employee's
// compensation rate. Months covered counts the target's own span, so a
// half-year target prorates over six months, not twelve.
func (tr *TargetResolver) ProratedTargetUSD(emp Employee, targets []UserTarget, planID PlanID, metricID MetricID, month Month) (decimal.Decimal, error) {
	t, ok := tr.EffectiveTarget(targets, planID, metricID, month)
	if !ok {
		return decimal.Zero, nil
	}

	annualUSD, err := tr.Converter.CompToUSD(emp, t.AnnualAmount)
	if err != nil {
		return decimal.Zero, err
	}
	months := t.SpanMonths()
	if months <= 0 {
		return decimal.Zero, nil
	}
	return annualUSD.Value.Div(decimal.NewFromInt(int64(months))), nil
}

// YTDTargetUSD is the cumulative prorated target from fiscal year start
// through the given month. Feeds the YTD watermark.
func (tr *TargetResolver) YTDTargetUSD(emp Employee, targets []UserTarget, planID PlanID, metricID MetricID, through Month) (decimal.Decimal, error) {
	total := decimal.Zero
	for m := FiscalYearStart(FiscalYearOf(through)); !m.After(through); m = m.Next() {
		monthly, err := tr.ProratedTargetUSD(emp, targets, planID, metricID, m)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(monthly)
	}
	return total, nil
}

// Achievement computes achieved/target x 100. Target zero is 0% achievement.
func Achievement(achievedUSD, targetUSD decimal.Decimal) decimal.Decimal {
	if targetUSD.IsZero() {
		return decimal.Zero
	}
	return achievedUSD.Div(targetUSD).Mul(decimal.NewFromInt(100))
}

// AchievedUSD sums an employee's actuals for a metric through a month
// (fiscal year to date), converted at the compensation rate.
func (tr *TargetResolver) AchievedUSD(emp Employee, actuals []MonthlyActual, metricID MetricID, through Month) (decimal.Decimal, error) {
	fyStart := FiscalYearStart(FiscalYearOf(through))
	total := decimal.Zero
	for _, a := range actuals {
		if a.EmployeeID != emp.ID || a.MetricID != metricID {
			continue
		}
		if a.Month.Before(fyStart) || a.Month.After(through) {
			continue
		}
		usd, err := tr.Converter.CompToUSD(emp, a.Amount)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(usd.Value)
	}
	return total, nil
}
