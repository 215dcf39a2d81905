package ratetable

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - Calendar-month granularity time point
// =============================================================================

// Month is a calendar month. Rate tables are active for whole months:
// every effective-date comparison in this package happens at month
// granularity, never day granularity.
//
// The zero Month means "unset" (open-ended effectiveTo).
type Month struct {
	Year int
	Mon  time.Month
}

// NewMonth constructs a month value.
func NewMonth(year int, mon time.Month) Month {
	return Month{Year: year, Mon: mon}
}

// MonthOf floors a timestamp to its calendar month.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Mon: t.Month()}
}

// ParseMonth parses "2006-01".
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

func (m Month) IsZero() bool { return m.Year == 0 && m.Mon == 0 }

func (m Month) index() int { return m.Year*12 + int(m.Mon) - 1 }

// Comparison
func (m Month) Before(other Month) bool        { return m.index() < other.index() }
func (m Month) After(other Month) bool         { return m.index() > other.index() }
func (m Month) Equal(other Month) bool         { return m == other }
func (m Month) BeforeOrEqual(other Month) bool { return m.index() <= other.index() }
func (m Month) AfterOrEqual(other Month) bool  { return m.index() >= other.index() }

// Arithmetic
func (m Month) Add(n int) Month {
	i := m.index() + n
	return Month{Year: i / 12, Mon: time.Month(i%12 + 1)}
}

func (m Month) Prev() Month { return m.Add(-1) }
func (m Month) Next() Month { return m.Add(1) }

// Time returns the first instant of the month in UTC.
func (m Month) Time() time.Time {
	return time.Date(m.Year, m.Mon, 1, 0, 0, 0, 0, time.UTC)
}

func (m Month) String() string {
	if m.IsZero() {
		return ""
	}
	return m.Time().Format("2006-01")
}

// =============================================================================
// WINDOW - Effective period shared by all grades of one table version
// =============================================================================

// Window is the [From, To] month range during which a rate-table
// version applies. A zero To means currently open-ended.
type Window struct {
	From Month
	To   Month
}

// Open reports whether the window has no end month.
func (w Window) Open() bool { return w.To.IsZero() }

// Covers reports whether the window is active for the given month.
func (w Window) Covers(m Month) bool {
	if m.Before(w.From) {
		return false
	}
	return w.Open() || m.BeforeOrEqual(w.To)
}

// Validate checks the window is well-formed.
func (w Window) Validate() error {
	if w.From.IsZero() {
		return fmt.Errorf("window requires an effective-from month")
	}
	if !w.Open() && w.To.Before(w.From) {
		return fmt.Errorf("window end %s before start %s", w.To, w.From)
	}
	return nil
}

func (w Window) String() string {
	if w.Open() {
		return "[" + w.From.String() + ", )"
	}
	return "[" + w.From.String() + ", " + w.To.String() + "]"
}
