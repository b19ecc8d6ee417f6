package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "postbot/pkg/logx"
)

// Store is the persistence API used by the scheduler, the post service and
// the sweeper. Implementations are safe for concurrent use.
type Store interface {
	GetPost(ctx context.Context, id int64) (Post, error)
	CreatePost(ctx context.Context, p Post) (Post, error)
	// UpdatePost writes the mutable fields of p (content, schedule, media,
	// geo, account and status).
	UpdatePost(ctx context.Context, p Post) (Post, error)
	DeletePost(ctx context.Context, id int64) error
	UpdatePostStatus(ctx context.Context, id int64, status Status, externalID, lastError string) error
	// FindPostsByStatus returns posts in any of statuses ordered by ScheduledAt ascending.
	FindPostsByStatus(ctx context.Context, statuses ...Status) ([]Post, error)
	// FindDuePosts returns posts with status scheduled at or before the given time.
	FindDuePosts(ctx context.Context, status Status, before time.Time) ([]Post, error)
	ListPosts(ctx context.Context, userID int64) ([]Post, error)

	GetAccount(ctx context.Context, id int64) (Account, error)
	CreateAccount(ctx context.Context, a Account) (Account, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func statusSet(statuses []Status) map[Status]bool {
	m := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}
