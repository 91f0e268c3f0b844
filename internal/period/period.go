// Package period provides the calendar arithmetic used to schedule monthly
// recurring entries. A Period is a (year, month) pair; all functions are pure
// and operate on dates normalized to midnight UTC.
package period

import (
	"fmt"
	"time"
)

// keyLayout is the storage representation of a period, e.g. "2024-02".
const keyLayout = "2006-01"

// Period identifies one calendar month.
type Period struct {
	Year  int
	Month time.Month
}

// New returns the period for the given year and month. Out-of-range months
// are normalized the same way time.Date normalizes them.
func New(year int, month time.Month) Period {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Year: t.Year(), Month: t.Month()}
}

// Of returns the period containing t. Only the calendar fields are used;
// the location of t is not converted.
func Of(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParseKey parses a storage key produced by Key.
func ParseKey(key string) (Period, error) {
	t, err := time.Parse(keyLayout, key)
	if err != nil {
		return Period{}, fmt.Errorf("parse period key %q: %w", key, err)
	}
	return Of(t), nil
}

// Key returns the canonical "YYYY-MM" form used in unique indexes.
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// String implements fmt.Stringer.
func (p Period) String() string { return p.Key() }

// Next returns the following month, rolling the year after December.
func (p Period) Next() Period {
	if p.Month == time.December {
		return Period{Year: p.Year + 1, Month: time.January}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Prev returns the preceding month.
func (p Period) Prev() Period {
	if p.Month == time.January {
		return Period{Year: p.Year - 1, Month: time.December}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

// Compare returns -1, 0 or +1 depending on whether p is before, equal to or
// after q.
func (p Period) Compare(q Period) int {
	switch {
	case p.Year < q.Year:
		return -1
	case p.Year > q.Year:
		return 1
	case p.Month < q.Month:
		return -1
	case p.Month > q.Month:
		return 1
	}
	return 0
}

// Before reports whether p is strictly earlier than q.
func (p Period) Before(q Period) bool { return p.Compare(q) < 0 }

// DaysIn returns the number of days in the period.
func (p Period) DaysIn() int {
	return DaysIn(p.Year, p.Month)
}

// ClampDay clamps a nominal day-of-month into the period.
func (p Period) ClampDay(day int) int {
	return ClampDay(p.Year, p.Month, day)
}

// Date returns the entry date for a nominal day-of-month in this period.
func (p Period) Date(day int) time.Time {
	return Date(p.Year, p.Month, p.ClampDay(day))
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampDay returns min(day, DaysIn(year, month)). Values below 1 clamp to 1
// so a malformed template still produces a valid date.
func ClampDay(year int, month time.Month, day int) int {
	if day < 1 {
		return 1
	}
	if last := DaysIn(year, month); day > last {
		return last
	}
	return day
}

// Date builds a midnight-UTC date. The day is not clamped.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Truncate drops the clock part of t and returns its calendar date at
// midnight UTC.
func Truncate(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// Enumerate returns the periods after fromExclusive up to and including
// toInclusive, in ascending order. It returns nil when there is nothing
// between them.
func Enumerate(fromExclusive, toInclusive Period) []Period {
	if fromExclusive.Compare(toInclusive) >= 0 {
		return nil
	}
	months := (toInclusive.Year-fromExclusive.Year)*12 + int(toInclusive.Month) - int(fromExclusive.Month)
	out := make([]Period, 0, months)
	for p := fromExclusive.Next(); p.Compare(toInclusive) <= 0; p = p.Next() {
		out = append(out, p)
	}
	return out
}
