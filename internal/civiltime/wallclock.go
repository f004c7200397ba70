package civiltime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a local wall-clock time (hour, minute).
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (00:00..23:59). "H:MM" is accepted too.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	h, m, ok := strings.Cut(s, ":")
	if !ok || len(m) != 2 || len(h) == 0 || len(h) > 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (use HH:MM)", raw)
	}
	hh, err := strconv.Atoi(h)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", raw)
	}
	mm, err := strconv.Atoi(m)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", raw)
	}
	tod := TimeOfDay{Hour: hh, Minute: mm}
	if !tod.Valid() {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", raw)
	}
	return tod, nil
}

// MustTimeOfDay is ParseTimeOfDay for constants and tests.
func MustTimeOfDay(raw string) TimeOfDay {
	tod, err := ParseTimeOfDay(raw)
	if err != nil {
		panic(err)
	}
	return tod
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// WallClock is an immutable local date-time in a Zone.
//
// Methods never mutate the receiver; arithmetic returns a new value.
type WallClock struct {
	t time.Time
}

func (w WallClock) Date() (int, time.Month, int) { return w.t.Date() }

func (w WallClock) Weekday() time.Weekday { return w.t.Weekday() }

func (w WallClock) TimeOfDay() TimeOfDay {
	return TimeOfDay{Hour: w.t.Hour(), Minute: w.t.Minute()}
}

func (w WallClock) IsZero() bool { return w.t.IsZero() }

// At returns the same calendar date at tod (seconds cleared).
func (w WallClock) At(tod TimeOfDay) WallClock {
	y, m, d := w.t.Date()
	return WallClock{t: time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, w.t.Location())}
}

// AddDays moves the calendar date by n days, keeping the wall-clock time.
func (w WallClock) AddDays(n int) WallClock {
	return WallClock{t: w.t.AddDate(0, 0, n)}
}

// OnDay returns the given day of w's month at tod. The caller keeps day
// within DaysInMonth.
func (w WallClock) OnDay(day int, tod TimeOfDay) WallClock {
	y, m, _ := w.t.Date()
	return WallClock{t: time.Date(y, m, day, tod.Hour, tod.Minute, 0, 0, w.t.Location())}
}

// FirstOfNextMonth returns day 1 of the following month at 00:00.
func (w WallClock) FirstOfNextMonth() WallClock {
	y, m, _ := w.t.Date()
	return WallClock{t: time.Date(y, m+1, 1, 0, 0, 0, 0, w.t.Location())}
}

// DaysInMonth reports the length of w's month.
func (w WallClock) DaysInMonth() int {
	y, m, _ := w.t.Date()
	return DaysIn(y, m)
}

func (w WallClock) Before(o WallClock) bool { return w.t.Before(o.t) }
func (w WallClock) After(o WallClock) bool  { return w.t.After(o.t) }
func (w WallClock) Equal(o WallClock) bool  { return w.t.Equal(o.t) }

// Time exposes the underlying time in the zone's location.
func (w WallClock) Time() time.Time { return w.t }

func (w WallClock) String() string { return w.t.Format("2006-01-02 15:04 Mon") }

// DaysIn returns the number of days in month m of year y.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
