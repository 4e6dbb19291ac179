package config

// Config is the whole on-disk configuration. JSON and YAML share these keys;
// unknown keys are rejected.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Watcher  WatcherConfig  `json:"watcher"`
	Notifier NotifierConfig `json:"notifier"`
	Storage  StorageConfig  `json:"storage"`
	Ops      OpsConfig      `json:"ops"`

	// Pages replaces the built-in catalog when non-empty.
	Pages  []PageConfig `json:"pages,omitempty"`
	Ignore []IgnoreRule `json:"ignore,omitempty"`
}

type TelegramConfig struct {
	// Token may be supplied via PAGEWATCH_TELEGRAM_TOKEN instead.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines at or above MinLevel into an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// WatcherConfig controls the poll cadence and the per-pass fetch behavior.
//
// Defaults (when fields are omitted/zero):
//   - schedule: "@every 300s"
//   - concurrency: 4
//   - fetch_timeout: "30s"
//   - max_body_bytes: 10 MiB
//   - small_change_threshold: 10
type WatcherConfig struct {
	Schedule             string `json:"schedule"`
	Timezone             string `json:"timezone,omitempty"`
	RunOnStart           bool   `json:"run_on_start"`
	Concurrency          int    `json:"concurrency,omitempty"`
	FetchTimeout         string `json:"fetch_timeout,omitempty"`
	MaxBodyBytes         int64  `json:"max_body_bytes,omitempty"`
	UserAgent            string `json:"user_agent,omitempty"`
	SmallChangeThreshold int    `json:"small_change_threshold,omitempty"`
}

// NotifierConfig controls change fan-out. DiffDocument defaults to true.
type NotifierConfig struct {
	Workers         int    `json:"workers"`
	RatePerSec      int    `json:"rate_per_sec"`
	DeliveryTimeout string `json:"delivery_timeout"`
	DiffDocument    *bool  `json:"diff_document,omitempty"`
}

// StorageConfig selects the snapshot and subscription backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pagewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

// OpsConfig controls the operational HTTP server (/metrics, /healthz,
// POST /fetch).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - Token, when set, is required as a bearer token on POST /fetch.
type OpsConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Token       string `json:"token,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`

	// Pprof exposes /debug/pprof on the same listener (token applies).
	Pprof                bool `json:"pprof,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
}

// PageConfig is one monitored page. Rule is "structural" (default) or
// "text".
type PageConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Rule        string `json:"rule,omitempty"`
	Anchor      string `json:"anchor,omitempty"`
	Description string `json:"description,omitempty"`
}

// IgnoreRule drops changed lines containing FilterString from change
// detection output.
type IgnoreRule struct {
	Type         string `json:"type"`
	FilterString string `json:"filter_string"`
}
