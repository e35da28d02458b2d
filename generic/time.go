package generic

import (
	"regexp"
	"time"
)

// =============================================================================
// CLOCK & KEYS
// =============================================================================

// Clock returns the current time. Engines take one so tests can pin time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock always returns t.
func FixedClock(t time.Time) Clock { return func() time.Time { return t } }

const (
	dayKeyLayout    = "2006-01-02"
	periodKeyLayout = "2006-01"
)

var periodKeyPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// DayKey is the calendar-day key used for day-books and ledger dates.
func DayKey(t time.Time) string { return t.Format(dayKeyLayout) }

// PeriodKey is the billing-period key (calendar month) for t.
func PeriodKey(t time.Time) string { return t.Format(periodKeyLayout) }

// ValidDayKey reports whether s is a YYYY-MM-DD day key.
func ValidDayKey(s string) bool {
	_, err := time.Parse(dayKeyLayout, s)
	return err == nil
}

// ValidPeriodKey reports whether s is a YYYY-MM period key.
func ValidPeriodKey(s string) bool { return periodKeyPattern.MatchString(s) }
