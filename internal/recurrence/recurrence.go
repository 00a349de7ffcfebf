package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Kind names the supported repetition shapes.
type Kind string

const (
	KindDaily        Kind = "daily"
	KindWeekly       Kind = "weekly"
	KindSpecificDays Kind = "specific_days"
	KindInterval     Kind = "interval"
	KindMonthly      Kind = "monthly"
)

// ErrExhausted is returned when the next occurrence would fall past EndAt.
var ErrExhausted = errors.New("recurrence exhausted")

// Rule is a recurrence definition. Interval counts days (daily/interval) or
// weeks (weekly); DaysOfWeek applies to specific_days; DayOfMonth to monthly.
type Rule struct {
	Kind       Kind
	Interval   int
	DaysOfWeek []time.Weekday
	DayOfMonth int
	EndAt      *time.Time
}

// ParseKind maps a raw string onto a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindDaily, KindWeekly, KindSpecificDays, KindInterval, KindMonthly:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("unknown recurrence kind %q", raw)
	}
}

// Next computes the occurrence after from, preserving from's time-of-day in
// its own location so daylight-saving shifts keep the local clock time.
// Returns ErrExhausted when the result would land past rule.EndAt.
func Next(r Rule, from time.Time) (time.Time, error) {
	var next time.Time

	switch r.Kind {
	case KindDaily, KindInterval:
		next = from.AddDate(0, 0, stepOrOne(r.Interval))
	case KindWeekly:
		next = from.AddDate(0, 0, 7*stepOrOne(r.Interval))
	case KindSpecificDays:
		delta, err := daysUntilNext(r.DaysOfWeek, from.Weekday())
		if err != nil {
			return time.Time{}, err
		}
		next = from.AddDate(0, 0, delta)
	case KindMonthly:
		next = nextMonthly(from, r.DayOfMonth)
	default:
		return time.Time{}, fmt.Errorf("unknown recurrence kind %q", r.Kind)
	}

	if r.EndAt != nil && next.After(*r.EndAt) {
		return time.Time{}, ErrExhausted
	}
	return next, nil
}

func stepOrOne(interval int) int {
	if interval < 1 {
		return 1
	}
	return interval
}

// daysUntilNext picks the smallest configured weekday strictly after wd,
// wrapping to next week when none remain.
func daysUntilNext(days []time.Weekday, wd time.Weekday) (int, error) {
	if len(days) == 0 {
		return 0, errors.New("specific_days recurrence has no days configured")
	}
	sorted := make([]time.Weekday, len(days))
	copy(sorted, days)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, d := range sorted {
		if d > wd {
			return int(d - wd), nil
		}
	}
	return 7 - int(wd) + int(sorted[0]), nil
}

// nextMonthly moves to the same day in the following month. When the target
// day does not exist there, it clamps to the month's last day instead of
// skipping the month (Jan 31 -> Feb 28/29).
func nextMonthly(from time.Time, dayOfMonth int) time.Time {
	year, month, _ := from.Date()
	day := dayOfMonth
	if day <= 0 {
		day = from.Day()
	}
	if last := daysInMonth(month+1, year); day > last {
		day = last
	}
	hour, min, sec := from.Clock()
	return time.Date(year, month+1, day, hour, min, sec, from.Nanosecond(), from.Location())
}

func daysInMonth(month time.Month, year int) int {
	// Move to next month, roll back a day.
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	firstOfNextMonth := firstOfMonth.AddDate(0, 1, 0)
	lastOfMonth := firstOfNextMonth.AddDate(0, 0, -1)
	return lastOfMonth.Day()
}
