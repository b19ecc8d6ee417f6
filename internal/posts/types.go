package posts

import (
	"context"
	"errors"
	"time"

	"postbot/internal/storage"
)

var (
	ErrInvalid       = errors.New("posts: invalid request")
	ErrNotFound      = errors.New("posts: not found")
	ErrForbidden     = errors.New("posts: not owned by user")
	ErrAlreadyPosted = errors.New("posts: already published")
)

// DefaultTimezone is the wall-clock zone scheduled times are entered in.
const DefaultTimezone = "Asia/Manila"

// Scheduler is the subset of the scheduler the facade drives.
type Scheduler interface {
	Schedule(ctx context.Context, post storage.Post) error
	Cancel(postID int64) bool
}

// CreateRequest describes a new post. A zero ScheduledAt publishes now.
type CreateRequest struct {
	UserID      int64
	AccountID   int64
	Content     string
	ScheduledAt time.Time
	ImageURL    string
	Geo         *storage.Geo
	Location    string
}

// UpdateRequest edits content and schedule of a pending post. Both are required.
type UpdateRequest struct {
	Content     string
	ScheduledAt time.Time
	// ImageURL and Geo replace the stored values when non-nil.
	ImageURL *string
	Geo      *storage.Geo
}

type Option func(*Service)

// WithNow replaces the clock used for publish-now.
func WithNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithInputTimezone sets the zone ParseTime reads wall-clock input in.
func WithInputTimezone(tz string) Option { return func(s *Service) { s.tz = tz } }
