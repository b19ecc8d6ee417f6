// Package app wires the post store, dispatch adapters, worker pool,
// scheduler and admin server together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postbot/internal/config"
	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/observability/admin"
	"postbot/internal/observability/metrics"
	"postbot/internal/posts"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	metrics  *metrics.Metrics
	adapters *dispatch.Registry
	engine   *engine.Service
	sched    *scheduler.Service
	posts    *posts.Service
	admin    *admin.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := mapPlatforms(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.Comp("app"))

	store, err := storage.Open(sc, log.With(logx.Comp("storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	m := metrics.New()

	dlog := log.With(logx.Comp("dispatch"))
	client := func(platform string, hc dispatch.HTTPConfig) *http.Client {
		return dispatch.NewHTTPClient(platform, hc, dlog, m.BreakerChanged)
	}
	adapters := dispatch.NewRegistry(
		dispatch.NewTwitter(pc.twitter, client("twitter", pc.twitter.HTTP), nil, dlog.With(logx.String("platform", "twitter"))),
		dispatch.NewFacebook(pc.facebook, client("facebook", pc.facebook.HTTP)),
		dispatch.NewTelegram(pc.telegram, client("telegram", pc.telegram.HTTP)),
	)
	if pc.twitter.ConsumerKey == "" || pc.twitter.ConsumerSecret == "" {
		appLog.Warn("twitter consumer credentials missing; twitter posts will fail",
			logx.String("env", config.EnvTwitterConsumerKey+","+config.EnvTwitterConsumerSecret))
	}

	eng := engine.New(engCfg, log.With(logx.Comp("taskengine")), bus)
	m.WatchEngine(eng.Snapshot)

	sched := scheduler.New(schedCfg, store, adapters, eng, log.With(logx.Comp("scheduler")), bus,
		scheduler.WithObserver(m))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		metrics:  m,
		adapters: adapters,
		engine:   eng,
		sched:    sched,
		posts:    posts.New(store, sched, log.With(logx.Comp("posts")), posts.WithInputTimezone(cfg.Scheduler.InputTimezone)),
	}

	a.admin = admin.New(adminCfg, admin.Sources{
		Health:  a.health,
		Metrics: m.Handler(),
		Jobs:    func() any { return a.sched.Snapshot() },
	}, log.With(logx.Comp("admin")))
	return a, nil
}

func (a *App) Posts() *posts.Service         { return a.posts }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Admin() *admin.Service         { return a.admin }
func (a *App) Config() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings up the worker pool and scheduler, re-admits stored posts,
// then starts the admin server and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	runCtx := a.sup.Context()
	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	a.sched.Start(runCtx)

	if a.sched.Enabled() {
		rep, err := a.sched.Recover(runCtx)
		if err != nil {
			return fmt.Errorf("recover posts: %w", err)
		}
		a.log.Info("posts recovered",
			logx.Int("found", rep.Found),
			logx.Int("scheduled", rep.Scheduled),
			logx.Int("immediate", rep.Immediate),
			logx.Int("failed", rep.Failed),
		)
	}

	if a.admin.Enabled() {
		a.admin.Start(runCtx)
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128, eventbus.PostPrefix)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// apply pushes a validated config into the running services.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLogConfig(cfg))

	if engCfg, err := mapTaskEngineConfig(cfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(schedCfg)
		if !wasEnabled && schedCfg.Enabled {
			a.sched.Start(ctx)
			if _, err := a.sched.Recover(ctx); err != nil {
				a.log.Warn("recover after enable failed", logx.Err(err))
			}
		}
	}

	if adminCfg, err := mapAdminConfig(cfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, adminCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) health(ctx context.Context) admin.Health {
	h := admin.Health{OK: true, Checks: map[string]any{}}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.store.FindDuePosts(pctx, storage.StatusScheduled, time.Time{}); err != nil {
		h.OK = false
		h.Checks["store"] = err.Error()
	} else {
		h.Checks["store"] = "ok"
	}

	snap := a.engine.Snapshot()
	h.Checks["engine"] = map[string]any{"enabled": snap.Enabled, "queue_len": snap.QueueLen, "in_flight": snap.InFlight}
	h.Checks["jobs_pending"] = a.sched.Registry().Len()
	h.Checks["platforms"] = a.adapters.Platforms()
	h.Checks["events_dropped"] = a.bus.Dropped()
	if a.sup != nil {
		c := a.sup.Counters()
		h.Checks["supervisor"] = c
		if c.FirstErr != "" {
			h.OK = false
		}
	}
	return h
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first so nothing new reaches the pool, then the pool drains.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
