package recurrence

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"recurd/internal/civiltime"
	"recurd/internal/validate"
)

var zone = civiltime.NewZone(civiltime.DefaultOffset)

func at(y int, m time.Month, d int, hhmm string) civiltime.WallClock {
	return zone.Date(y, m, d, civiltime.MustTimeOfDay(hhmm))
}

func assertWall(t *testing.T, got, want civiltime.WallClock) {
	t.Helper()
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestNextDaily(t *testing.T) {
	t.Parallel()
	r := Rule{Type: Daily, StartTime: civiltime.MustTimeOfDay("09:00")}

	tests := []struct {
		name string
		ref  civiltime.WallClock
		want civiltime.WallClock
	}{
		{name: "before slot returns today", ref: at(2024, 1, 10, "08:59"), want: at(2024, 1, 10, "09:00")},
		{name: "exactly at slot advances", ref: at(2024, 1, 10, "09:00"), want: at(2024, 1, 11, "09:00")},
		{name: "after slot advances", ref: at(2024, 1, 10, "17:30"), want: at(2024, 1, 11, "09:00")},
		{name: "month rollover", ref: at(2024, 1, 31, "10:00"), want: at(2024, 2, 1, "09:00")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assertWall(t, Next(r, tt.ref), tt.want)
		})
	}
}

func TestNextWeekly(t *testing.T) {
	t.Parallel()
	r := Rule{
		Type:          Weekly,
		StartTime:     civiltime.MustTimeOfDay("09:00"),
		StartWeekdays: []time.Weekday{time.Monday, time.Thursday},
	}

	// 2024-01-10 is a Wednesday.
	assertWall(t, Next(r, at(2024, 1, 10, "08:00")), at(2024, 1, 11, "09:00"))
	// Thursday's own slot already passed: next Monday.
	assertWall(t, Next(r, at(2024, 1, 11, "10:00")), at(2024, 1, 15, "09:00"))
	// Thursday before the slot: same day.
	assertWall(t, Next(r, at(2024, 1, 11, "08:00")), at(2024, 1, 11, "09:00"))
	// Exactly at the slot counts as passed.
	assertWall(t, Next(r, at(2024, 1, 15, "09:00")), at(2024, 1, 18, "09:00"))
}

func TestNextWeeklySingleDayWrapsFullWeek(t *testing.T) {
	t.Parallel()
	r := Rule{
		Type:          Weekly,
		StartTime:     civiltime.MustTimeOfDay("18:00"),
		StartWeekdays: []time.Weekday{time.Wednesday},
	}
	assertWall(t, Next(r, at(2024, 1, 10, "18:01")), at(2024, 1, 17, "18:00"))
}

func TestNextMonthlyClamp(t *testing.T) {
	t.Parallel()
	r := Rule{Type: Monthly, StartTime: civiltime.MustTimeOfDay("09:00"), StartDayOfMonth: 31}

	assertWall(t, Next(r, at(2024, 4, 5, "10:00")), at(2024, 4, 30, "09:00"))
	assertWall(t, Next(r, at(2024, 5, 5, "10:00")), at(2024, 5, 31, "09:00"))
	// After April's clamped slot, May re-resolves to 31.
	assertWall(t, Next(r, at(2024, 4, 30, "09:00")), at(2024, 5, 31, "09:00"))
	// January 31 passed: February clamps to 29 in a leap year.
	assertWall(t, Next(r, at(2024, 1, 31, "12:00")), at(2024, 2, 29, "09:00"))
}

func TestNextMonthlyLastDay(t *testing.T) {
	t.Parallel()
	r := Rule{Type: Monthly, StartTime: civiltime.MustTimeOfDay("09:00"), StartDayOfMonth: LastDayOfMonth}

	assertWall(t, Next(r, at(2024, 2, 10, "10:00")), at(2024, 2, 29, "09:00"))
	assertWall(t, Next(r, at(2023, 2, 10, "10:00")), at(2023, 2, 28, "09:00"))
	assertWall(t, Next(r, at(2024, 2, 29, "10:00")), at(2024, 3, 31, "09:00"))
	assertWall(t, Next(r, at(2024, 12, 31, "09:00")), at(2025, 1, 31, "09:00"))
}

func TestNextMonthlyEarlyDay(t *testing.T) {
	t.Parallel()
	r := Rule{Type: Monthly, StartTime: civiltime.MustTimeOfDay("07:15"), StartDayOfMonth: 5}
	assertWall(t, Next(r, at(2024, 3, 4, "23:00")), at(2024, 3, 5, "07:15"))
	assertWall(t, Next(r, at(2024, 3, 5, "07:15")), at(2024, 4, 5, "07:15"))
}

func TestNextOccurrencePairsIndependently(t *testing.T) {
	t.Parallel()
	// Due earlier than start within the same day is accepted as-is.
	r := Rule{
		Type:      Daily,
		StartTime: civiltime.MustTimeOfDay("10:00"),
		DueTime:   civiltime.MustTimeOfDay("08:00"),
	}
	occ := NextOccurrence(r, at(2024, 1, 10, "09:00"))
	assertWall(t, occ.Start, at(2024, 1, 10, "10:00"))
	assertWall(t, occ.Due, at(2024, 1, 11, "08:00"))
}

func TestNextIsPure(t *testing.T) {
	t.Parallel()
	r := Rule{
		Type:          Weekly,
		StartTime:     civiltime.MustTimeOfDay("09:00"),
		StartWeekdays: []time.Weekday{time.Friday},
	}
	ref := at(2024, 1, 10, "08:00")
	a := Next(r, ref)
	b := Next(r, ref)
	assertWall(t, a, b)
	assertWall(t, ref, at(2024, 1, 10, "08:00"))
}

func TestNextAlwaysAfterReference(t *testing.T) {
	t.Parallel()
	rules := []Rule{
		{Type: Daily, StartTime: civiltime.MustTimeOfDay("00:00")},
		{Type: Daily, StartTime: civiltime.MustTimeOfDay("23:59")},
		{Type: Weekly, StartTime: civiltime.MustTimeOfDay("12:30"), StartWeekdays: []time.Weekday{time.Sunday}},
		{Type: Weekly, StartTime: civiltime.MustTimeOfDay("06:00"), StartWeekdays: []time.Weekday{time.Monday, time.Wednesday, time.Saturday}},
		{Type: Monthly, StartTime: civiltime.MustTimeOfDay("09:00"), StartDayOfMonth: 0},
		{Type: Monthly, StartTime: civiltime.MustTimeOfDay("09:00"), StartDayOfMonth: 1},
		{Type: Monthly, StartTime: civiltime.MustTimeOfDay("09:00"), StartDayOfMonth: 30},
		{Type: Monthly, StartTime: civiltime.MustTimeOfDay("23:59"), StartDayOfMonth: 31},
	}

	rng := rand.New(rand.NewSource(42))
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2000; i++ {
		instant := base.Add(time.Duration(rng.Int63n(int64(3 * 365 * 24 * time.Hour))))
		ref := zone.ToLocal(instant)
		for _, r := range rules {
			got := Next(r, ref)
			if !got.After(ref) {
				t.Fatalf("rule %+v: Next(%s) = %s, not after reference", r, ref, got)
			}
		}
	}
}

func TestPreviewIsMonotonic(t *testing.T) {
	t.Parallel()
	r := Rule{Type: Monthly, StartTime: civiltime.MustTimeOfDay("09:00"), StartDayOfMonth: 31}
	got := Preview(r, at(2024, 1, 1, "00:00"), 4)
	want := []civiltime.WallClock{
		at(2024, 1, 31, "09:00"),
		at(2024, 2, 29, "09:00"),
		at(2024, 3, 31, "09:00"),
		at(2024, 4, 30, "09:00"),
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		assertWall(t, got[i], want[i])
	}
	if len(Preview(r, at(2024, 1, 1, "00:00"), 0)) != 0 {
		t.Fatal("expected empty preview for n=0")
	}
}

func TestRuleValidate(t *testing.T) {
	t.Parallel()
	nine := civiltime.MustTimeOfDay("09:00")
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{name: "daily ok", rule: Rule{Type: Daily, StartTime: nine, DueTime: nine}},
		{name: "unknown type", rule: Rule{Type: "yearly"}, wantErr: true},
		{name: "weekly missing start days", rule: Rule{Type: Weekly, DueWeekdays: []time.Weekday{time.Monday}}, wantErr: true},
		{name: "weekly missing due days", rule: Rule{Type: Weekly, StartWeekdays: []time.Weekday{time.Monday}}, wantErr: true},
		{name: "weekly duplicate", rule: Rule{Type: Weekly, StartWeekdays: []time.Weekday{time.Monday, time.Monday}, DueWeekdays: []time.Weekday{time.Monday}}, wantErr: true},
		{name: "weekly ok", rule: Rule{Type: Weekly, StartWeekdays: []time.Weekday{time.Monday}, DueWeekdays: []time.Weekday{time.Tuesday}}},
		{name: "monthly out of range", rule: Rule{Type: Monthly, StartDayOfMonth: 32}, wantErr: true},
		{name: "monthly negative due", rule: Rule{Type: Monthly, DueDayOfMonth: -1}, wantErr: true},
		{name: "monthly sentinel ok", rule: Rule{Type: Monthly, StartDayOfMonth: 0, DueDayOfMonth: 31}},
		{name: "bad time", rule: Rule{Type: Daily, StartTime: civiltime.TimeOfDay{Hour: 25}}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				if !errors.Is(err, validate.ErrInvalid) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	got, err := ParseWeekdays([]string{"Mon", "thursday", " sat "})
	if err != nil {
		t.Fatalf("ParseWeekdays error: %v", err)
	}
	if len(got) != 3 || got[0] != time.Monday || got[1] != time.Thursday || got[2] != time.Saturday {
		t.Fatalf("unexpected weekdays %v", got)
	}
	if s := FormatWeekdays(got); s != "mon,thu,sat" {
		t.Fatalf("FormatWeekdays = %q", s)
	}
	if _, err := ParseWeekdays([]string{"funday"}); err == nil {
		t.Fatal("expected error for unknown token")
	}
	if _, err := ParseWeekdays([]string{"mon", "monday"}); err == nil {
		t.Fatal("expected error for duplicate token")
	}
}
