package app

import (
	"fmt"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/dispatch"
	"postbot/internal/observability/admin"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	timeout, err := config.ParseDurationField("scheduler.dispatch_timeout", sc.DispatchTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	horizon, err := config.ParseDurationField("scheduler.sweep_horizon", sc.SweepHorizon)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz, err := config.ParseTimezoneField("scheduler.timezone", sc.Timezone)
	if err != nil {
		return scheduler.Config{}, err
	}
	if _, err := config.ParseTimezoneField("scheduler.input_timezone", sc.InputTimezone); err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:         sc.Enabled,
		DispatchTimeout: timeout,
		Sweep:           strings.TrimSpace(sc.Sweep),
		SweepHorizon:    horizon,
		Timezone:        tz,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.Scheduler.Enabled}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		// Fired posts would pile up with nowhere to run.
		if cfg.Scheduler.Enabled && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Enabled = *te.Enabled
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapHTTPConfig overlays the platform block on the shared block.
func mapHTTPConfig(key string, shared config.HTTPConfig, own *config.HTTPConfig) (dispatch.HTTPConfig, error) {
	hc := shared
	if own != nil {
		if own.Timeout != "" {
			hc.Timeout = own.Timeout
		}
		if own.RatePerSec != 0 {
			hc.RatePerSec = own.RatePerSec
		}
		if own.Burst != 0 {
			hc.Burst = own.Burst
		}
		if own.BreakerFailures != 0 {
			hc.BreakerFailures = own.BreakerFailures
		}
		if own.BreakerWindow != 0 {
			hc.BreakerWindow = own.BreakerWindow
		}
		if own.BreakerDelay != "" {
			hc.BreakerDelay = own.BreakerDelay
		}
	}
	timeout, err := config.ParseDurationField(key+".timeout", hc.Timeout)
	if err != nil {
		return dispatch.HTTPConfig{}, err
	}
	delay, err := config.ParseDurationField(key+".breaker_delay", hc.BreakerDelay)
	if err != nil {
		return dispatch.HTTPConfig{}, err
	}
	return dispatch.HTTPConfig{
		Timeout:         timeout,
		RatePerSec:      hc.RatePerSec,
		Burst:           hc.Burst,
		BreakerFailures: hc.BreakerFailures,
		BreakerWindow:   hc.BreakerWindow,
		BreakerDelay:    delay,
	}, nil
}

type platformConfigs struct {
	twitter  dispatch.TwitterConfig
	facebook dispatch.FacebookConfig
	telegram dispatch.TelegramConfig
}

func mapPlatforms(cfg *config.Config) (platformConfigs, error) {
	p := cfg.Platforms
	var (
		out platformConfigs
		err error
	)
	out.twitter = dispatch.TwitterConfig{
		APIBase:        p.Twitter.APIBase,
		UploadBase:     p.Twitter.UploadBase,
		ConsumerKey:    p.Twitter.ConsumerKey,
		ConsumerSecret: p.Twitter.ConsumerSecret,
		MaxMediaBytes:  p.Twitter.MaxMediaBytes,
	}
	if out.twitter.HTTP, err = mapHTTPConfig("platforms.twitter.http", p.HTTP, p.Twitter.HTTP); err != nil {
		return out, err
	}
	out.facebook = dispatch.FacebookConfig{GraphBase: p.Facebook.GraphBase, Version: p.Facebook.Version}
	if out.facebook.HTTP, err = mapHTTPConfig("platforms.facebook.http", p.HTTP, p.Facebook.HTTP); err != nil {
		return out, err
	}
	out.telegram = dispatch.TelegramConfig{APIBase: p.Telegram.APIBase}
	if out.telegram.HTTP, err = mapHTTPConfig("platforms.telegram.http", p.HTTP, p.Telegram.HTTP); err != nil {
		return out, err
	}
	return out, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", ac.WriteTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// validate rejects configs that cannot be applied; used at boot and before
// committing a hot reload.
func validate(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPlatforms(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	return nil
}
