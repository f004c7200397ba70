// Package civiltime converts between the system's fixed civil timezone and
// UTC instants.
//
// All wall-clock arithmetic (adding days, reading weekdays, month lengths)
// happens on WallClock values, which are always expressed in the zone's
// location. Conversion to and from UTC only happens through Zone.
package civiltime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultOffset is UTC+05:30.
const DefaultOffset = 5*time.Hour + 30*time.Minute

// Zone is a fixed-offset civil timezone. No daylight-saving rules apply.
//
// Zero value is UTC with the real clock.
type Zone struct {
	offset time.Duration
	loc    *time.Location
	now    func() time.Time
}

// NewZone returns a zone at the given offset from UTC.
func NewZone(offset time.Duration) Zone {
	return Zone{
		offset: offset,
		loc:    time.FixedZone(formatOffset(offset), int(offset/time.Second)),
	}
}

// WithClock returns a copy of z whose Now reads from fn.
func (z Zone) WithClock(fn func() time.Time) Zone {
	z.now = fn
	return z
}

func (z Zone) Offset() time.Duration { return z.offset }

func (z Zone) Location() *time.Location {
	if z.loc == nil {
		return time.UTC
	}
	return z.loc
}

func (z Zone) String() string { return "UTC" + formatOffset(z.offset) }

// ToUTC converts a wall-clock value to its UTC instant.
func (z Zone) ToUTC(w WallClock) time.Time {
	y, mo, d := w.Date()
	tod := w.TimeOfDay()
	return time.Date(y, mo, d, tod.Hour, tod.Minute, w.t.Second(), w.t.Nanosecond(), z.Location()).UTC()
}

// ToLocal converts an instant to wall-clock time in z.
func (z Zone) ToLocal(t time.Time) WallClock {
	return WallClock{t: t.In(z.Location())}
}

// Now returns the current wall-clock time in z.
func (z Zone) Now() WallClock {
	if z.now != nil {
		return z.ToLocal(z.now())
	}
	return z.ToLocal(time.Now())
}

// NowUTC returns the current instant, honouring WithClock.
func (z Zone) NowUTC() time.Time {
	if z.now != nil {
		return z.now().UTC()
	}
	return time.Now().UTC()
}

// Date builds a wall-clock value in z.
func (z Zone) Date(year int, month time.Month, day int, tod TimeOfDay) WallClock {
	return z.ToLocal(time.Date(year, month, day, tod.Hour, tod.Minute, 0, 0, z.Location()))
}

var reOffset = regexp.MustCompile(`^([+-])(\d{1,2}):?(\d{2})$`)

// ParseOffset parses "+05:30", "-0800", "+5:30" or "Z". Empty input yields
// DefaultOffset.
func ParseOffset(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultOffset, nil
	}
	if strings.EqualFold(s, "z") || strings.EqualFold(s, "utc") {
		return 0, nil
	}
	m := reOffset.FindStringSubmatch(s)
	if len(m) != 4 {
		return 0, fmt.Errorf("invalid utc offset %q (use +HH:MM)", raw)
	}
	hh, _ := strconv.Atoi(m[2])
	mm, _ := strconv.Atoi(m[3])
	if hh > 14 || mm > 59 {
		return 0, fmt.Errorf("utc offset %q out of range", raw)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d > 14*time.Hour {
		return 0, fmt.Errorf("utc offset %q out of range", raw)
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

func formatOffset(d time.Duration) string {
	sign := "+"
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%s%02d:%02d", sign, h, m)
}
