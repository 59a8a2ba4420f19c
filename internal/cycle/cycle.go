// Package cycle holds the calendar math for billing cycles: weekly cycles
// renew on Mondays, monthly cycles on the 1st, and a cycle always ends the
// day before its renewal date.
package cycle

import (
	"errors"
	"time"
)

type PeriodType string

const (
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

var ErrInvalidPeriodType = errors.New("invalid_period_type")

// Cycle is a derived value object; it is never persisted on its own.
type Cycle struct {
	Start       time.Time
	End         time.Time
	RenewalDate time.Time
}

// From computes the cycle that begins at start. The renewal date is the next
// weekly/monthly boundary strictly after start, so a Monday start still runs
// a full week and a 1st-of-month start a full month.
func From(period PeriodType, start time.Time) (Cycle, error) {
	start = DateOf(start)
	var renewal time.Time
	switch period {
	case PeriodWeekly:
		renewal = nextMonday(start)
	case PeriodMonthly:
		renewal = firstOfNextMonth(start)
	default:
		return Cycle{}, ErrInvalidPeriodType
	}
	return Cycle{
		Start:       start,
		End:         renewal.AddDate(0, 0, -1),
		RenewalDate: renewal,
	}, nil
}

// DateOf truncates t to midnight UTC.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nextMonday(t time.Time) time.Time {
	days := (8 - int(t.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	return t.AddDate(0, 0, days)
}

func firstOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// DatesOnWeekdays enumerates the dates in [start, end] falling on one of the
// given weekdays, ascending. Duplicate weekdays are tolerated.
func DatesOnWeekdays(start, end time.Time, weekdays []int) []time.Time {
	start = DateOf(start)
	end = DateOf(end)
	wanted := map[time.Weekday]bool{}
	for _, d := range weekdays {
		if d >= 0 && d <= 6 {
			wanted[time.Weekday(d)] = true
		}
	}
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wanted[d.Weekday()] {
			dates = append(dates, d)
		}
	}
	return dates
}

// MealsInCycle counts the scheduled meal dates a subscription has inside a
// cycle, honoring a mid-cycle start date.
func MealsInCycle(c Cycle, startDate time.Time, weekdays []int) int {
	from := c.Start
	if s := DateOf(startDate); s.After(from) {
		from = s
	}
	return len(DatesOnWeekdays(from, c.End, weekdays))
}

// ProrationFactor returns the fraction of the cycle that [windowStart,
// windowEnd) covers, clamped to [0, 1].
func ProrationFactor(windowStart, windowEnd, cycleStart, cycleEnd time.Time) float64 {
	total := cycleEnd.Sub(cycleStart).Seconds()
	if total <= 0 {
		return 0
	}
	if windowStart.Before(cycleStart) {
		windowStart = cycleStart
	}
	if windowEnd.After(cycleEnd) {
		windowEnd = cycleEnd
	}
	active := windowEnd.Sub(windowStart).Seconds()
	factor := active / total
	if factor > 1.0 {
		factor = 1.0
	}
	if factor < 0.0 {
		factor = 0.0
	}
	return factor
}
