package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

// Schedule admits post for delivery at post.ScheduledAt.
//
// The stored row is authoritative for existence and status: a missing post is
// logged and ignored, a POSTED post is a no-op. A post that is already due is
// dispatched on the caller's goroutine and the delivery error is returned.
// Otherwise a Job replaces any previous one for the id and Schedule returns nil;
// later failures are recorded on the post, never returned.
func (s *Service) Schedule(ctx context.Context, post storage.Post) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if s.isStopped() {
		return ErrStopped
	}
	log := s.log.With(logx.PostID(post.ID))

	stored, err := s.store.GetPost(ctx, post.ID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("schedule: post not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule post %d: %w", post.ID, err)
	}
	if stored.Status == storage.StatusPosted {
		log.Info("schedule: post already published")
		return nil
	}

	at := post.ScheduledAt
	if at.IsZero() {
		at = stored.ScheduledAt
	}
	now := s.clock.Now()
	if !at.After(now) {
		// Due now: drop any pending job so only this attempt can run.
		s.jobs.Remove(post.ID)
		s.obs.JobsPending(s.jobs.Len())
		return s.dispatchNow(ctx, post.ID)
	}

	// The fired job re-reads the row, so the row must carry the time it was armed for.
	if stored.Status == storage.StatusFailed || !stored.ScheduledAt.Equal(at) {
		upd := stored
		upd.ScheduledAt = at
		upd.Status = storage.StatusScheduled
		if _, err := s.store.UpdatePost(ctx, upd); err != nil {
			return fmt.Errorf("reschedule post %d: %w", post.ID, err)
		}
	}
	job := s.arm(post.ID, at)
	log.Info("post scheduled", logx.Time("at", at), logx.Duration("in", at.Sub(now)), logx.Uint64("job", job.Seq))
	s.publish(eventbus.PostScheduled, eventbus.PostEvent{PostID: post.ID, At: at})
	return nil
}

// Cancel stops the pending timer for postID and cancels its dispatch if it is
// running. A cancelled dispatch leaves the post status untouched.
func (s *Service) Cancel(postID int64) bool {
	ok := s.jobs.Remove(postID)
	if ok {
		s.obs.JobsPending(s.jobs.Len())
		s.log.Info("post cancelled", logx.PostID(postID))
		s.publish(eventbus.PostCancelled, eventbus.PostEvent{PostID: postID, At: s.clock.Now()})
	}
	return ok
}

// arm installs a new Job for id that fires at at, replacing any previous one.
func (s *Service) arm(id int64, at time.Time) *Job {
	job := newJob(id, at, s.seq.Add(1))
	s.jobs.Put(id, job)
	s.startTimer(job)
	return job
}

// armIfAbsent is arm that leaves an existing job alone.
func (s *Service) armIfAbsent(id int64, at time.Time) (*Job, bool) {
	job := newJob(id, at, s.seq.Add(1))
	if !s.jobs.PutIfAbsent(id, job) {
		return nil, false
	}
	s.startTimer(job)
	return job, true
}

func (s *Service) startTimer(job *Job) {
	s.obs.JobsPending(s.jobs.Len())
	delay := job.FireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	job.setTimer(s.clock.AfterFunc(delay, func() { s.fire(job) }))
}

// fire runs on the timer goroutine; it only hands the job to the engine.
func (s *Service) fire(job *Job) {
	if cur, ok := s.jobs.Get(job.PostID); !ok || cur != job || job.Canceled() {
		return
	}
	if s.engine == nil {
		s.jobs.RemoveIf(job.PostID, job)
		s.reportEnqueueError(job.PostID, engine.ErrStopped)
		return
	}

	err := s.engine.Submit(s.ctx, engine.Task{
		ID:     fmt.Sprintf("post-%d-%d", job.PostID, job.Seq),
		Name:   "dispatch",
		Key:    strconv.FormatInt(job.PostID, 10),
		Handle: job.handle,
		Run:    func(ctx context.Context) error { return s.runJob(ctx, job) },
	})
	if err != nil {
		s.jobs.RemoveIf(job.PostID, job)
		s.obs.JobsPending(s.jobs.Len())
		s.reportEnqueueError(job.PostID, err)
		return
	}
	// Covers tasks the engine drops without running them.
	go func() {
		<-job.handle.Done()
		if s.jobs.RemoveIf(job.PostID, job) {
			s.obs.JobsPending(s.jobs.Len())
		}
	}()
}

func (s *Service) runJob(ctx context.Context, job *Job) error {
	defer func() {
		if s.jobs.RemoveIf(job.PostID, job) {
			s.obs.JobsPending(s.jobs.Len())
		}
	}()

	unlock, err := s.locks.lock(ctx, job.PostID)
	if err != nil {
		return nil
	}
	defer unlock()
	if ctx.Err() != nil {
		return nil
	}

	job.running.Store(true)
	defer job.running.Store(false)
	return s.deliver(ctx, job.PostID, job)
}

func (s *Service) dispatchNow(ctx context.Context, id int64) error {
	unlock, err := s.locks.lock(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatch post %d: %w", id, err)
	}
	defer unlock()
	return s.deliver(ctx, id, nil)
}

func (s *Service) publish(typ string, ev eventbus.PostEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}
