package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/eventbus"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	obs Observer

	store      storage.Store
	dispatcher Dispatcher
	engine     *engine.Service
	clock      Clock

	jobs  *Registry
	locks idLocks
	seq   atomic.Uint64

	// Lifecycle context for fired work; cancelled by Stop.
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool

	parser     cron.Parser
	c          *cron.Cron
	sweepEntry cron.EntryID
	sweepMu    sync.Mutex
	sweepLast  SweepInfo

	// Submit error throttling, keyed by post id.
	enqMu       sync.Mutex
	lastEnqWarn map[int64]time.Time
}

func New(cfg Config, store storage.Store, dispatcher Dispatcher, eng *engine.Service, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg.withDefaults(),
		log:        log,
		bus:        bus,
		obs:        nopObserver{},
		store:      store,
		dispatcher: dispatcher,
		engine:     eng,
		clock:      realClock{},
		jobs:       NewRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastEnqWarn: map[int64]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Registry exposes the job registry for diagnostics.
func (s *Service) Registry() *Registry { return s.jobs }

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// Apply swaps the config. Pending jobs keep their timers; the sweeper is
// re-registered when its spec or timezone changes.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.restartCronLocked()
		return
	}
	if strings.TrimSpace(prev.Sweep) != strings.TrimSpace(cfg.Sweep) {
		if s.sweepEntry != 0 {
			s.c.Remove(s.sweepEntry)
			s.sweepEntry = 0
		}
		s.addSweepLocked()
	}
}

// Start starts the sweeper. Scheduling works before Start; Start only adds
// cron-driven admission.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.stopped || !s.cfg.Enabled {
		return
	}
	s.startCronLocked()
	s.log.Info("service started",
		logx.String("tz", s.loc.String()),
		logx.Duration("dispatch_timeout", s.cfg.DispatchTimeout),
		logx.String("sweep", s.cfg.Sweep),
	)
}

// Stop stops the sweeper, cancels every job (in-flight dispatches included)
// and refuses further scheduling.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopped = true
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.cancel()
	n := s.jobs.Clear()
	s.obs.JobsPending(0)

	s.log.Info("service stopped", logx.Int("jobs_cancelled", n), logx.Duration("took", time.Since(start)))
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	st := s.stopped
	s.mu.Unlock()
	return st
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.addSweepLocked()
	s.c.Start()
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.sweepEntry = 0
	s.startCronLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	c := s.c
	entry := s.sweepEntry
	s.mu.Unlock()

	tz := cfg.Timezone
	if tz == "" && loc != nil {
		tz = loc.String()
	}

	s.sweepMu.Lock()
	sweep := s.sweepLast
	s.sweepMu.Unlock()
	sweep.Spec = cfg.Sweep
	if c != nil && entry != 0 {
		e := c.Entry(entry)
		sweep.Next = e.Next
		sweep.Prev = e.Prev
	}

	snap := Snapshot{
		Enabled:         cfg.Enabled,
		Timezone:        tz,
		DispatchTimeout: cfg.DispatchTimeout,
		Jobs:            s.jobs.Snapshot(),
		Sweep:           sweep,
	}
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}
