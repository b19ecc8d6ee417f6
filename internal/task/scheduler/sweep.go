package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const sweepTimeout = 30 * time.Second

func (s *Service) addSweepLocked() {
	spec := strings.TrimSpace(s.cfg.Sweep)
	if spec == "" || s.c == nil {
		return
	}
	sched, err := parseSweepSpec(s.parser, spec, time.Now().In(s.loc))
	if err != nil {
		s.log.Error("sweep register failed", logx.String("spec", spec), logx.Err(err))
		return
	}
	s.sweepEntry = s.c.Schedule(sched, cron.FuncJob(s.runSweep))
	s.log.Debug("sweep registered", logx.String("spec", spec), logx.Time("next", sched.Next(time.Now().In(s.loc))))
}

func (s *Service) runSweep() {
	ctx, cancel := context.WithTimeout(s.ctx, sweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Warn("sweep failed", logx.Err(err))
	}
}

// Sweep arms a job for every SCHEDULED post due within the sweep horizon that
// has no live job, such as posts written by another process or fired jobs the
// engine refused. FAILED posts are left to the next boot.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, ErrDisabled
	}
	if s.isStopped() {
		return 0, ErrStopped
	}
	cfg := s.config()
	now := s.clock.Now()
	posts, err := s.store.FindDuePosts(ctx, storage.StatusScheduled, now.Add(cfg.SweepHorizon))
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	admitted := 0
	for _, p := range posts {
		if _, ok := s.armIfAbsent(p.ID, p.ScheduledAt); ok {
			admitted++
			s.log.Info("sweep admitted post", logx.PostID(p.ID), logx.Time("at", p.ScheduledAt))
		}
	}

	s.sweepMu.Lock()
	s.sweepLast.LastRun = now
	s.sweepLast.LastAdmitted = admitted
	s.sweepMu.Unlock()
	if admitted > 0 {
		s.log.Debug("sweep complete", logx.Int("candidates", len(posts)), logx.Int("admitted", admitted))
	}
	return admitted, nil
}
