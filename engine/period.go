package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - The calculation period
// =============================================================================

// Month is the unit of work for a payout run. All source facts (deals,
// actuals, collections) are bucketed by month, and month-locking applies at
// this granularity.
type Month struct {
	Year int
	Mon  time.Month
}

func NewMonth(year int, mon time.Month) Month { return Month{Year: year, Mon: mon} }

func MonthOf(t time.Time) Month { return Month{Year: t.Year(), Mon: t.Month()} }

func CurrentMonth() Month { return MonthOf(time.Now().UTC()) }

// ParseMonth parses "2006-01".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Mon)) }

func (m Month) IsZero() bool { return m.Year == 0 }

// ordinal is a total order over months: year*12 + month.
func (m Month) ordinal() int { return m.Year*12 + int(m.Mon) - 1 }

func (m Month) Before(o Month) bool { return m.ordinal() < o.ordinal() }
func (m Month) After(o Month) bool  { return m.ordinal() > o.ordinal() }
func (m Month) Equal(o Month) bool  { return m.ordinal() == o.ordinal() }

func (m Month) Next() Month {
	t := time.Date(m.Year, m.Mon, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return MonthOf(t)
}

func (m Month) Prev() Month {
	t := time.Date(m.Year, m.Mon, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return MonthOf(t)
}

// Start is midnight UTC on the first day; End is the last instant belongs to
// the month (first day of the next month, exclusive bound).
func (m Month) Start() time.Time { return time.Date(m.Year, m.Mon, 1, 0, 0, 0, 0, time.UTC) }
func (m Month) End() time.Time   { return m.Next().Start() }

// Contains reports whether t falls inside the month.
func (m Month) Contains(t time.Time) bool {
	return !t.Before(m.Start()) && t.Before(m.End())
}

// MonthsBetween returns the signed count of month steps from a to b.
func MonthsBetween(a, b Month) int { return b.ordinal() - a.ordinal() }

// FiscalYearOf maps a month to its fiscal year. Fiscal years here run with
// the calendar year; a different fiscal start would shift the bucketing only.
func FiscalYearOf(m Month) int { return m.Year }

// FiscalYearStart and FiscalYearEnd bound the fiscal year containing m.
func FiscalYearStart(fy int) Month { return Month{Year: fy, Mon: time.January} }
func FiscalYearEnd(fy int) Month   { return Month{Year: fy, Mon: time.December} }

// IsFiscalYearEnd reports whether m is the last month of its fiscal year,
// the point where year-end tranches become eligible.
func (m Month) IsFiscalYearEnd() bool { return m.Equal(FiscalYearEnd(FiscalYearOf(m))) }
