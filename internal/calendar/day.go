// Package calendar works with civil dates used as history keys.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// ErrInvalidDay indicates that a date string is not in YYYY-MM-DD form.
var ErrInvalidDay = errors.New("calendar: invalid day")

// Day is a civil date without a time zone. The zero value is invalid.
type Day struct {
	t time.Time
}

// NewDay builds a Day from its components, normalizing overflow the way time.Date does.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(raw string) (Day, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Day{}, fmt.Errorf("%w: empty", ErrInvalidDay)
	}
	parsed, err := time.Parse(dayLayout, trimmed)
	if err != nil {
		return Day{}, fmt.Errorf("%w: %q", ErrInvalidDay, trimmed)
	}
	return Day{t: parsed}, nil
}

// DayOf returns the civil date of instant in location.
func DayOf(instant time.Time, location *time.Location) Day {
	if location == nil {
		location = time.UTC
	}
	local := instant.In(location)
	return NewDay(local.Year(), local.Month(), local.Day())
}

// Start returns midnight at the beginning of the day in location.
func (d Day) Start(location *time.Location) time.Time {
	if location == nil {
		location = time.UTC
	}
	return time.Date(d.t.Year(), d.t.Month(), d.t.Day(), 0, 0, 0, 0, location)
}

// IsZero reports whether the day was never set.
func (d Day) IsZero() bool {
	return d.t.IsZero()
}

// String formats the day as YYYY-MM-DD.
func (d Day) String() string {
	return d.t.Format(dayLayout)
}

// AddDays returns the day n days later (or earlier for negative n).
func (d Day) AddDays(n int) Day {
	return Day{t: d.t.AddDate(0, 0, n)}
}

func (d Day) Before(other Day) bool { return d.t.Before(other.t) }
func (d Day) After(other Day) bool  { return d.t.After(other.t) }
func (d Day) Equal(other Day) bool  { return d.t.Equal(other.t) }

// Year returns the calendar year.
func (d Day) Year() int { return d.t.Year() }

// Month returns the calendar month.
func (d Day) Month() time.Month { return d.t.Month() }

// MonthStart returns the first day of the day's month.
func (d Day) MonthStart() Day {
	return NewDay(d.t.Year(), d.t.Month(), 1)
}

// MonthEnd returns the last day of the day's month.
func (d Day) MonthEnd() Day {
	return NewDay(d.t.Year(), d.t.Month()+1, 0)
}

// MonthKey formats the month as YYYY-MM.
func (d Day) MonthKey() string {
	return d.t.Format("2006-01")
}

// MonthLabel formats the month for charts, e.g. Sep/24.
func (d Day) MonthLabel() string {
	return d.t.Format("Jan/06")
}

// ShortLabel formats the day as DD/MM.
func (d Day) ShortLabel() string {
	return d.t.Format("02/01")
}

// WeekStart returns the Monday of the day's ISO week.
func (d Day) WeekStart() Day {
	offset := (int(d.t.Weekday()) + 6) % 7
	return d.AddDays(-offset)
}

// WeekKey formats the ISO week as YYYY-Www.
func (d Day) WeekKey() string {
	year, week := d.t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// DaysUntil returns the number of days from d to other.
func (d Day) DaysUntil(other Day) int {
	return int(other.t.Sub(d.t).Hours() / 24)
}

// Range returns every day from start to end inclusive. It returns nil when end is before start.
func Range(start, end Day) []Day {
	if end.Before(start) {
		return nil
	}
	days := make([]Day, 0, start.DaysUntil(end)+1)
	for current := start; !current.After(end); current = current.AddDays(1) {
		days = append(days, current)
	}
	return days
}
