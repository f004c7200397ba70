// Package recurrence computes occurrence instants for recurring tasks.
//
// Every function here is pure: it reads a validated Rule and a reference
// wall-clock value and returns a new wall-clock value strictly after the
// reference. Callers convert to UTC through civiltime.Zone.
package recurrence

import (
	"time"

	"recurd/internal/civiltime"
)

// Occurrence is one concrete instantiation of a recurring task.
type Occurrence struct {
	Start civiltime.WallClock
	Due   civiltime.WallClock
}

// side is one parameter set of a rule (start or due).
type side struct {
	tod      civiltime.TimeOfDay
	weekdays []time.Weekday
	day      int
}

func (r Rule) start() side {
	return side{tod: r.StartTime, weekdays: r.StartWeekdays, day: r.StartDayOfMonth}
}

func (r Rule) due() side {
	return side{tod: r.DueTime, weekdays: r.DueWeekdays, day: r.DueDayOfMonth}
}

// Next returns the next start instant strictly after reference.
func Next(r Rule, reference civiltime.WallClock) civiltime.WallClock {
	return next(r.Type, r.start(), reference)
}

// NextDue returns the next due instant strictly after reference.
func NextDue(r Rule, reference civiltime.WallClock) civiltime.WallClock {
	return next(r.Type, r.due(), reference)
}

// NextOccurrence pairs Next and NextDue for the same reference.
func NextOccurrence(r Rule, reference civiltime.WallClock) Occurrence {
	return Occurrence{Start: Next(r, reference), Due: NextDue(r, reference)}
}

// Preview returns the next n start instants, each computed from the previous
// one.
func Preview(r Rule, reference civiltime.WallClock, n int) []civiltime.WallClock {
	if n <= 0 {
		return []civiltime.WallClock{}
	}
	out := make([]civiltime.WallClock, 0, n)
	cursor := reference
	for i := 0; i < n; i++ {
		cursor = Next(r, cursor)
		out = append(out, cursor)
	}
	return out
}

func next(t Type, s side, ref civiltime.WallClock) civiltime.WallClock {
	switch t {
	case Weekly:
		return nextWeekly(s, ref)
	case Monthly:
		return nextMonthly(s, ref)
	default:
		return nextDaily(s, ref)
	}
}

func nextDaily(s side, ref civiltime.WallClock) civiltime.WallClock {
	candidate := ref.At(s.tod)
	if !candidate.After(ref) {
		candidate = candidate.AddDays(1)
	}
	return candidate
}

func nextWeekly(s side, ref civiltime.WallClock) civiltime.WallClock {
	today := ref.At(s.tod)
	best := -1
	for _, wd := range s.weekdays {
		delta := (int(wd) - int(ref.Weekday()) + 7) % 7
		if delta == 0 && !today.After(ref) {
			delta = 7
		}
		if best < 0 || delta < best {
			best = delta
		}
	}
	if best < 0 {
		// Unreachable for validated rules; behave like daily so the result
		// still moves forward.
		return nextDaily(s, ref)
	}
	return today.AddDays(best)
}

func nextMonthly(s side, ref civiltime.WallClock) civiltime.WallClock {
	candidate := ref.OnDay(resolveDay(s.day, ref.DaysInMonth()), s.tod)
	if candidate.After(ref) {
		return candidate
	}
	first := ref.FirstOfNextMonth()
	return first.OnDay(resolveDay(s.day, first.DaysInMonth()), s.tod)
}

// resolveDay maps a configured day-of-month onto a month of length n:
// 0 is the last day, anything past the end is clamped.
func resolveDay(day, n int) int {
	if day <= LastDayOfMonth || day > n {
		return n
	}
	return day
}
