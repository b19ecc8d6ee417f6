package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs fired deliveries.
	// If omitted, defaults apply and the engine follows scheduler.enabled.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage   *StorageConfig  `json:"storage,omitempty"`
	Platforms PlatformsConfig `json:"platforms"`
	Admin     AdminConfig     `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls post scheduling.
//
// Defaults:
//   - dispatch_timeout: "60s"
//   - sweep: "" (disabled); cron spec, "@every 1m", "1m" or "00:05"
//   - sweep_horizon: "2m"
//   - timezone: local
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	Sweep           string `json:"sweep,omitempty"`
	SweepHorizon    string `json:"sweep_horizon,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	// InputTimezone is the zone wall-clock times are entered in. Default "Asia/Manila".
	InputTimezone string `json:"input_timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig selects the post store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls outbound calls to one platform. Zero values take the
// dispatch defaults; platform blocks override the shared block field by field.
type HTTPConfig struct {
	Timeout         string  `json:"timeout,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	Burst           int     `json:"burst,omitempty"`
	BreakerFailures int     `json:"breaker_failures,omitempty"`
	BreakerWindow   int     `json:"breaker_window,omitempty"`
	BreakerDelay    string  `json:"breaker_delay,omitempty"`
}

type PlatformsConfig struct {
	HTTP     HTTPConfig     `json:"http,omitempty"`
	Twitter  TwitterConfig  `json:"twitter"`
	Facebook FacebookConfig `json:"facebook,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// TwitterConfig holds the app credentials; per-user tokens live on the account.
// ConsumerKey/ConsumerSecret fall back to TWITTER_CONSUMER_KEY and
// TWITTER_CONSUMER_SECRET.
type TwitterConfig struct {
	APIBase        string      `json:"api_base,omitempty"`
	UploadBase     string      `json:"upload_base,omitempty"`
	ConsumerKey    string      `json:"consumer_key,omitempty"`
	ConsumerSecret string      `json:"consumer_secret,omitempty"` // do not log
	MaxMediaBytes  int64       `json:"max_media_bytes,omitempty"`
	HTTP           *HTTPConfig `json:"http,omitempty"`
}

type FacebookConfig struct {
	GraphBase string      `json:"graph_base,omitempty"`
	Version   string      `json:"version,omitempty"`
	HTTP      *HTTPConfig `json:"http,omitempty"`
}

type TelegramConfig struct {
	APIBase string      `json:"api_base,omitempty"`
	HTTP    *HTTPConfig `json:"http,omitempty"`
}

// AdminConfig controls the operator HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // bearer token (do not log); env POSTBOT_ADMIN_TOKEN
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
