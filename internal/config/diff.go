package config

import (
	"reflect"
	"strings"

	logx "postbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.dispatch_timeout", strings.TrimSpace(s.DispatchTimeout)),
			logx.String("scheduler.sweep", strings.TrimSpace(s.Sweep)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs,
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
				logx.String("task_engine.max_queue_delay", strings.TrimSpace(te.MaxQueueDelay)),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if st := newCfg.Storage; st != nil {
			attrs = append(attrs, logx.String("storage.driver", st.Driver))
		}
	}

	if !reflect.DeepEqual(oldCfg.Platforms, newCfg.Platforms) {
		changed = append(changed, "platforms")
		tw := newCfg.Platforms.Twitter
		attrs = append(attrs,
			logx.Bool("platforms.twitter.consumer_set", tw.ConsumerKey != "" && tw.ConsumerSecret != ""),
			logx.Float64("platforms.http.rate_per_sec", newCfg.Platforms.HTTP.RatePerSec),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		a := newCfg.Admin
		attrs = append(attrs,
			logx.Bool("admin.enabled", a.Enabled),
			logx.String("admin.addr", strings.TrimSpace(a.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(a.Token) != ""),
			logx.Bool("admin.pprof", a.Pprof),
		)
	}
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if s == "storage" || s == "platforms" {
			out = append(out, s)
		}
	}
	return out
}
