package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

type Service struct {
	store storage.Store
	sched Scheduler
	log   logx.Logger
	now   func() time.Time
	tz    string
}

func New(store storage.Store, sched Scheduler, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, sched: sched, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create stores a SCHEDULED post and hands it to the scheduler.
//
// The post is persisted before scheduling, so it is returned even when the
// error is non-nil: a past-due post is dispatched inline and a delivery
// failure is reported here and recorded on the post.
func (s *Service) Create(ctx context.Context, req CreateRequest) (storage.Post, error) {
	if err := s.validate(ctx, req.UserID, req.AccountID, req.Content); err != nil {
		return storage.Post{}, err
	}
	at := req.ScheduledAt
	if at.IsZero() {
		at = s.now()
	}
	post, err := s.store.CreatePost(ctx, storage.Post{
		UserID:      req.UserID,
		AccountID:   req.AccountID,
		Content:     req.Content,
		ScheduledAt: at.UTC(),
		Status:      storage.StatusScheduled,
		ImageURL:    strings.TrimSpace(req.ImageURL),
		Geo:         req.Geo,
		Location:    req.Location,
	})
	if err != nil {
		return storage.Post{}, fmt.Errorf("create post: %w", err)
	}
	s.log.Info("post created", logx.PostID(post.ID), logx.Int64("user_id", post.UserID), logx.Time("at", post.ScheduledAt))
	return s.schedule(ctx, post)
}

// PublishNow stores a post due immediately and dispatches it synchronously.
func (s *Service) PublishNow(ctx context.Context, req CreateRequest) (storage.Post, error) {
	req.ScheduledAt = s.now()
	return s.Create(ctx, req)
}

// Update edits a pending post and reschedules it; the previous job is
// cancelled by the replacement.
func (s *Service) Update(ctx context.Context, userID, id int64, req UpdateRequest) (storage.Post, error) {
	if strings.TrimSpace(req.Content) == "" || req.ScheduledAt.IsZero() {
		return storage.Post{}, fmt.Errorf("%w: content and scheduled time are required", ErrInvalid)
	}
	cur, err := s.owned(ctx, userID, id)
	if err != nil {
		return storage.Post{}, err
	}
	if cur.Status == storage.StatusPosted {
		return cur, ErrAlreadyPosted
	}

	cur.Content = req.Content
	cur.ScheduledAt = req.ScheduledAt.UTC()
	if req.ImageURL != nil {
		cur.ImageURL = strings.TrimSpace(*req.ImageURL)
	}
	if req.Geo != nil {
		cur.Geo = req.Geo
	}
	updated, err := s.store.UpdatePost(ctx, cur)
	if err != nil {
		return storage.Post{}, fmt.Errorf("update post %d: %w", id, err)
	}
	s.log.Info("post updated", logx.PostID(id), logx.Time("at", updated.ScheduledAt))
	return s.schedule(ctx, updated)
}

// Delete cancels the post's job, in-flight dispatch included, and removes it.
func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	cancelled := s.sched.Cancel(id)
	if err := s.store.DeletePost(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete post %d: %w", id, err)
	}
	s.log.Info("post deleted", logx.PostID(id), logx.Bool("job_cancelled", cancelled))
	return nil
}

func (s *Service) Get(ctx context.Context, userID, id int64) (storage.Post, error) {
	return s.owned(ctx, userID, id)
}

// List returns the user's posts ordered by scheduled time.
func (s *Service) List(ctx context.Context, userID int64) ([]storage.Post, error) {
	ps, err := s.store.ListPosts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return ps, nil
}

func (s *Service) schedule(ctx context.Context, post storage.Post) (storage.Post, error) {
	err := s.sched.Schedule(ctx, post)
	switch {
	case errors.Is(err, scheduler.ErrDisabled):
		s.log.Warn("scheduler disabled; post stored but not scheduled", logx.PostID(post.ID))
		return post, nil
	case err != nil:
		// The immediate path may have changed the status.
		if fresh, gerr := s.store.GetPost(context.WithoutCancel(ctx), post.ID); gerr == nil {
			post = fresh
		}
		return post, err
	}
	if fresh, gerr := s.store.GetPost(ctx, post.ID); gerr == nil {
		post = fresh
	}
	return post, nil
}

func (s *Service) validate(ctx context.Context, userID, accountID int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalid)
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: social account %d", ErrNotFound, accountID)
	}
	if err != nil {
		return fmt.Errorf("load account %d: %w", accountID, err)
	}
	if acct.UserID != userID {
		return ErrForbidden
	}
	return nil
}

func (s *Service) owned(ctx context.Context, userID, id int64) (storage.Post, error) {
	p, err := s.store.GetPost(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Post{}, ErrNotFound
	}
	if err != nil {
		return storage.Post{}, fmt.Errorf("load post %d: %w", id, err)
	}
	if p.UserID != userID {
		return storage.Post{}, ErrForbidden
	}
	return p, nil
}
