package dispatcher

import (
	"testing"
	"time"
)

func TestParseTick(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{in: "30s", every: 30 * time.Second},
		{in: " 1m30s ", every: 90 * time.Second},
		{in: "00:01", every: time.Minute},
		{in: "@every 15s", every: 15 * time.Second},
		{in: "*/10 * * * * *", cron: "*/10 * * * * *"},
		{in: "@hourly", cron: "@hourly"},
		{in: "", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "@every nope", wantErr: true},
		{in: "* * *", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTick(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTick: %v", err)
			}
			if got.Every != tt.every || got.Cron != tt.cron {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestSpreadScheduleFirstRun(t *testing.T) {
	t.Parallel()
	spec := TickSpec{Every: time.Minute}
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	sched, jitter, err := spec.schedule(now, "owner")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter %v out of range", jitter)
	}
	first := sched.Next(now)
	if jitter > 0 && !first.Equal(now.Add(jitter)) {
		t.Fatalf("first run %v, want %v", first, now.Add(jitter))
	}
	if second := sched.Next(first); second.Sub(first) != time.Minute {
		t.Fatalf("second run %v after first", second.Sub(first))
	}
}
