package dispatcher

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// tickParser accepts 5- and 6-field crontab specs plus descriptors.
var tickParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// TickSpec is a parsed dispatcher tick.
//
// Supported forms:
//   - Go duration: "30s", "1m30s"
//   - HH:MM interval: "00:01" (one minute)
//   - robfig/cron spec: "@every 15s", "*/10 * * * * *"
type TickSpec struct {
	Every  time.Duration // zero for cron specs
	Cron   string
	Source string // "duration" | "hhmm" | "cron"
}

func (t TickSpec) String() string {
	if t.Every > 0 {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

// ParseTick parses the dispatcher tick setting.
func ParseTick(raw string) (TickSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return TickSpec{}, fmt.Errorf("tick required")
	}

	if rest, ok := strings.CutPrefix(s, "@every"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return TickSpec{}, fmt.Errorf("invalid tick %q: @every needs a positive duration", raw)
		}
		return TickSpec{Every: d, Source: "duration"}, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		if _, err := tickParser.Parse(s); err != nil {
			return TickSpec{}, fmt.Errorf("invalid tick %q: %w", raw, err)
		}
		return TickSpec{Cron: s, Source: "cron"}, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return TickSpec{}, fmt.Errorf("invalid minutes in tick %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return TickSpec{}, fmt.Errorf("tick must be > 0")
		}
		return TickSpec{Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return TickSpec{}, fmt.Errorf("invalid tick %q (use a duration like '30s', HH:MM like '00:01', or a cron spec)", raw)
	}
	if d <= 0 {
		return TickSpec{}, fmt.Errorf("tick must be > 0")
	}
	return TickSpec{Every: d, Source: "duration"}, nil
}

// schedule builds the cron schedule. Interval ticks get a randomized first
// run so dispatchers started together do not scan in lockstep.
func (t TickSpec) schedule(now time.Time, owner string) (cron.Schedule, time.Duration, error) {
	if t.Every <= 0 {
		sched, err := tickParser.Parse(t.Cron)
		return sched, 0, err
	}
	base := cron.Every(t.Every)
	spread := min(t.Every, maxStartupSpread)
	if spread <= 0 {
		return base, 0, nil
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(fnv64a(owner))))
	jitter := time.Duration(rng.Int63n(int64(spread))).Truncate(time.Second)
	return &spreadSchedule{base: base, first: now.Add(jitter)}, jitter, nil
}

// spreadSchedule overrides the first run time of base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
