package scheduler

import (
	"context"
	"fmt"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// RecoveryReport summarises one Recover run.
type RecoveryReport struct {
	Found     int
	Scheduled int
	Immediate int
	Failed    int
}

// Recover re-admits every SCHEDULED or FAILED post, oldest first. Past-due
// posts are dispatched inline and in order, so a FAILED post gets exactly one
// further attempt per boot. Individual delivery errors are recorded on the
// post and do not stop recovery.
func (s *Service) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	posts, err := s.store.FindPostsByStatus(ctx, storage.StatusScheduled, storage.StatusFailed)
	if err != nil {
		return rep, fmt.Errorf("recover: %w", err)
	}
	rep.Found = len(posts)

	for _, p := range posts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		due := !p.ScheduledAt.After(s.clock.Now())
		if err := s.Schedule(ctx, p); err != nil {
			rep.Failed++
			s.log.Warn("recover: post not re-admitted", logx.PostID(p.ID), logx.Err(err))
			continue
		}
		if due {
			rep.Immediate++
		} else {
			rep.Scheduled++
		}
	}
	s.log.Info("recovery complete",
		logx.Int("found", rep.Found),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("immediate", rep.Immediate),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}
