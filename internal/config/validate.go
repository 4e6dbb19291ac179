package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without building
// components. Schedule syntax and page URLs are checked where they are used.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add("telegram.token: required (or set %s)", EnvTelegramToken)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Telegram.Enabled && c.Logging.Telegram.ChatID == 0 {
		add("logging.telegram.chat_id: required when enabled")
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path: required when enabled")
	}

	if c.Watcher.Concurrency < 0 {
		add("watcher.concurrency: must be >= 0")
	}
	if _, err := ParseDurationField("watcher.fetch_timeout", c.Watcher.FetchTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Watcher.SmallChangeThreshold < 0 {
		add("watcher.small_change_threshold: must be >= 0")
	}

	if c.Notifier.Workers < 0 || c.Notifier.RatePerSec < 0 {
		add("notifier: workers and rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("notifier.delivery_timeout", c.Notifier.DeliveryTimeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "memory":
	case "redis":
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			add("storage.redis_addr: required for driver redis")
		}
	default:
		add("storage.driver: unknown %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if _, err := ParseDurationField("ops.read_timeout", c.Ops.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("ops.idle_timeout", c.Ops.IdleTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Ops.BlockProfileRate < 0 || c.Ops.MutexProfileFraction < 0 {
		add("ops: block_profile_rate and mutex_profile_fraction must be >= 0")
	}

	for i, p := range c.Pages {
		switch strings.ToLower(strings.TrimSpace(p.Rule)) {
		case "", "structural", "text", "text_only":
		default:
			add("pages[%d].rule: unknown %q", i, p.Rule)
		}
	}
	for i, r := range c.Ignore {
		if t := strings.ToLower(strings.TrimSpace(r.Type)); t != "" && t != "substring" {
			add("ignore[%d].type: unknown %q", i, r.Type)
		}
		if r.FilterString == "" {
			add("ignore[%d].filter_string: required", i)
		}
	}
	return errors.Join(errs...)
}
