package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// deliver makes one delivery attempt for id. job is nil on the immediate path.
// The caller holds the per-id lock.
func (s *Service) deliver(ctx context.Context, id int64, job *Job) error {
	deferred := job != nil
	log := s.log.With(logx.PostID(id), logx.Bool("deferred", deferred))
	// Status writes must land even if ctx is cancelled after the platform accepted the post.
	storeCtx := context.WithoutCancel(ctx)

	post, err := s.store.GetPost(storeCtx, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("dispatch: post vanished; job discarded")
		s.skipped(id, "", "not_found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch post %d: load: %w", id, err)
	}

	switch {
	case post.Status == storage.StatusPosted:
		log.Info("dispatch: already published; skipped")
		s.skipped(id, "", "already_posted")
		return nil
	case deferred && post.Status != storage.StatusScheduled:
		log.Info("dispatch: post no longer scheduled; skipped", logx.String("status", string(post.Status)))
		s.skipped(id, "", "not_scheduled")
		return nil
	}

	if deferred {
		if now := s.clock.Now(); post.ScheduledAt.After(now) && post.ScheduledAt.After(job.FireAt) {
			// Edited to a later time after this job was armed.
			next := s.arm(id, post.ScheduledAt)
			log.Info("dispatch: post moved later; rescheduled", logx.Time("at", post.ScheduledAt), logx.Uint64("job", next.Seq))
			return nil
		}
	}

	acct, err := s.store.GetAccount(storeCtx, post.AccountID)
	if err != nil {
		return s.recordFailure(storeCtx, log, post, "", fmt.Errorf("load account %d: %w", post.AccountID, err), 0)
	}
	platform := string(acct.Platform)

	dctx, cancel := context.WithTimeout(ctx, s.config().DispatchTimeout)
	start := time.Now()
	res, err := s.dispatcher.Post(dctx, acct, dispatch.MessageFromPost(post))
	took := time.Since(start)
	cancel()

	// Only an explicit cancel leaves the status alone; deadlines are failures.
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		log.Info("dispatch cancelled in flight", logx.String("platform", platform), logx.Duration("took", took))
		s.obs.DispatchDone(platform, "canceled", took)
		s.audit(storeCtx, post.ID, platform, "dispatch.canceled", nil, took)
		return fmt.Errorf("dispatch post %d: %w", id, context.Cause(ctx))
	}
	if err != nil {
		return s.recordFailure(storeCtx, log, post, platform, err, took)
	}

	if err := s.store.UpdatePostStatus(storeCtx, id, storage.StatusPosted, res.ExternalID, ""); err != nil {
		log.Error("dispatch: published but status write failed", logx.String("external_id", res.ExternalID), logx.Err(err))
		return fmt.Errorf("dispatch post %d: mark posted: %w", id, err)
	}
	log.Info("post published", logx.String("platform", platform), logx.String("external_id", res.ExternalID), logx.Duration("took", took))
	s.obs.DispatchDone(platform, "posted", took)
	s.audit(storeCtx, post.ID, platform, "dispatch", nil, took)
	s.publish(eventbus.PostDispatched, eventbus.PostEvent{PostID: id, Platform: platform, At: s.clock.Now(), Took: took})
	return nil
}

func (s *Service) recordFailure(ctx context.Context, log logx.Logger, post storage.Post, platform string, cause error, took time.Duration) error {
	permanent := dispatch.IsPermanent(cause)
	log.Warn("dispatch failed",
		logx.String("platform", platform),
		logx.Bool("permanent", permanent),
		logx.Duration("took", took),
		logx.Err(cause),
	)
	if err := s.store.UpdatePostStatus(ctx, post.ID, storage.StatusFailed, "", cause.Error()); err != nil {
		log.Error("dispatch: status write failed", logx.Err(err))
	}
	s.obs.DispatchDone(platform, "failed", took)
	s.audit(ctx, post.ID, platform, "dispatch", cause, took)
	s.publish(eventbus.PostFailed, eventbus.PostEvent{PostID: post.ID, Platform: platform, At: s.clock.Now(), Took: took, Error: cause.Error()})
	return fmt.Errorf("dispatch post %d: %w", post.ID, cause)
}

func (s *Service) skipped(id int64, platform, reason string) {
	s.obs.DispatchDone(platform, "skipped", 0)
	s.publish(eventbus.PostSkipped, eventbus.PostEvent{PostID: id, Platform: platform, At: s.clock.Now(), Error: reason})
}

func (s *Service) audit(ctx context.Context, postID int64, platform, action string, cause error, took time.Duration) {
	e := storage.AuditEntry{
		At:       s.clock.Now(),
		PostID:   postID,
		Platform: platform,
		Action:   action,
		OK:       cause == nil && action == "dispatch",
		TookMS:   took.Milliseconds(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit append failed", logx.PostID(postID), logx.Err(err))
	}
}
