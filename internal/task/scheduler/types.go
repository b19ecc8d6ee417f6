package scheduler

import (
	"context"
	"errors"
	"time"

	"postbot/internal/dispatch"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
)

var (
	ErrDisabled = errors.New("scheduler disabled")
	ErrStopped  = errors.New("scheduler stopped")
)

const defaultDispatchTimeout = 60 * time.Second

// Config controls the scheduler.
type Config struct {
	Enabled bool
	// DispatchTimeout bounds one outbound platform call. Default 60s.
	DispatchTimeout time.Duration
	// Sweep is a cron spec or interval ("@every 1m", "*/5 * * * *", "1m").
	// Empty disables the sweeper.
	Sweep string
	// SweepHorizon admits posts due within this window. Default 2m.
	SweepHorizon time.Duration
	Timezone     string // IANA TZ for cron specs, e.g. "Asia/Manila"
}

func (c Config) withDefaults() Config {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}
	if c.SweepHorizon <= 0 {
		c.SweepHorizon = 2 * time.Minute
	}
	return c
}

// Dispatcher delivers one message. *dispatch.Registry implements it.
type Dispatcher interface {
	Post(ctx context.Context, acct storage.Account, msg dispatch.Message) (dispatch.Result, error)
}

// Observer receives delivery outcomes for metrics. Outcome is one of
// "posted", "failed", "canceled" or "skipped".
type Observer interface {
	DispatchDone(platform, outcome string, took time.Duration)
	JobsPending(n int)
}

type nopObserver struct{}

func (nopObserver) DispatchDone(string, string, time.Duration) {}
func (nopObserver) JobsPending(int)                            {}

type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithRegistry injects the job registry, e.g. to share it with diagnostics.
func WithRegistry(r *Registry) Option { return func(s *Service) { s.jobs = r } }

func WithObserver(o Observer) Option { return func(s *Service) { s.obs = o } }

type SweepInfo struct {
	Spec         string    `json:"spec,omitempty"`
	Next         time.Time `json:"next,omitempty"`
	Prev         time.Time `json:"prev,omitempty"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastAdmitted int       `json:"last_admitted"`
}

type Snapshot struct {
	Enabled         bool            `json:"enabled"`
	Timezone        string          `json:"timezone"`
	DispatchTimeout time.Duration   `json:"dispatch_timeout"`
	Jobs            []JobInfo       `json:"jobs"`
	Sweep           SweepInfo       `json:"sweep"`
	Engine          engine.Snapshot `json:"engine"`
}
