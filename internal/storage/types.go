package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// If Driver is empty, the memory driver is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusPosted    Status = "POSTED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPosted, StatusFailed:
		return true
	}
	return false
}

type Platform string

const (
	PlatformTwitter  Platform = "twitter"
	PlatformFacebook Platform = "facebook"
	PlatformTelegram Platform = "telegram"
)

// Geo is an optional location attached to a post.
// PlaceID is a platform place id; Lat/Lng are used when it is empty.
type Geo struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	PlaceID string  `json:"place_id,omitempty"`
}

func (g *Geo) HasCoords() bool {
	return g != nil && (g.Lat != 0 || g.Lng != 0)
}

type Post struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	AccountID   int64     `json:"account_id"`
	Content     string    `json:"content"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
	ImageURL    string    `json:"image_url,omitempty"`
	Geo         *Geo      `json:"geo,omitempty"`
	Location    string    `json:"location,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy; Geo is the only reference field.
func (p Post) Clone() Post {
	if p.Geo != nil {
		g := *p.Geo
		p.Geo = &g
	}
	return p
}

// Account is a linked social account with its credentials.
type Account struct {
	ID                int64    `json:"id"`
	UserID            int64    `json:"user_id"`
	Platform          Platform `json:"platform"`
	ExternalAccountID string   `json:"external_account_id"`
	AccessToken       string   `json:"access_token"`
	AccessTokenSecret string   `json:"access_token_secret,omitempty"`
	RefreshToken      string   `json:"refresh_token,omitempty"`
}

// AuditEntry records one dispatch attempt or operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	PostID   int64     `json:"post_id"`
	Platform string    `json:"platform,omitempty"`
	Action   string    `json:"action"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}
