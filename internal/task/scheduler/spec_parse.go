package scheduler

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

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// parseSweepSpec turns a sweep spec into a cron schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "@every 1m", "@hourly"
//   - Interval duration: "1m", "90s"
//   - Interval HH:MM: "00:05" (5 minutes)
//
// Intervals get a random first-run delay so replicas do not sweep in lockstep.
func parseSweepSpec(p cron.Parser, raw string, now time.Time) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("sweep spec required")
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return p.Parse(s)
	}

	var every time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", s)
		}
		every = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid sweep spec %q (use cron like '*/5 * * * *', HH:MM like '00:05', or duration like '1m')", raw)
		}
		every = d
	}
	if every < time.Second {
		return nil, fmt.Errorf("sweep interval must be >= 1s")
	}
	return spreadFirstRun(every, now, s), nil
}

// spreadSchedule delays the first run, then follows base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func spreadFirstRun(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spread := every
	if spread > maxStartupSpread {
		spread = maxStartupSpread
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	// cron.Every works in whole seconds; keep the first run on that grid too.
	first := now.Add(every + time.Duration(rng.Int63n(int64(spread)))).Truncate(time.Second)
	return &spreadSchedule{base: base, first: first}
}
