package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"pagewatch/internal/classify"
	"pagewatch/internal/config"
	"pagewatch/internal/fetch"
	"pagewatch/internal/notifier"
	"pagewatch/internal/opshttp"
	"pagewatch/internal/pages"
	"pagewatch/internal/pipeline"
	"pagewatch/internal/scheduler"
	"pagewatch/internal/storage"
	logx "pagewatch/pkg/logx"
)

// DefaultDBPath is used when storage.path is empty.
const DefaultDBPath = "./data/pagewatch.db"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			path = DefaultDBPath
		}
	case "file":
		if path == "" {
			path = "./data/pagewatch.json"
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:        driver,
		Path:          path,
		BusyTimeout:   busy,
		RedisAddr:     strings.TrimSpace(sc.RedisAddr),
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
		KeyPrefix:     strings.TrimSpace(sc.KeyPrefix),
	}, nil
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	to, err := config.ParseDurationField("watcher.fetch_timeout", cfg.Watcher.FetchTimeout)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Timeout:   to,
		MaxBytes:  cfg.Watcher.MaxBodyBytes,
		UserAgent: strings.TrimSpace(cfg.Watcher.UserAgent),
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	to, err := config.ParseDurationField("notifier.delivery_timeout", nc.DeliveryTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	doc := true
	if nc.DiffDocument != nil {
		doc = *nc.DiffDocument
	}
	return notifier.Config{
		Workers:         nc.Workers,
		RatePerSec:      nc.RatePerSec,
		DeliveryTimeout: to,
		DiffDocument:    doc,
	}, nil
}

func mapRunnerOptions(cfg *config.Config) pipeline.Options {
	rules := make([]classify.FilterRule, 0, len(cfg.Ignore))
	for _, r := range cfg.Ignore {
		t := strings.ToLower(strings.TrimSpace(r.Type))
		if t == "" {
			t = "substring"
		}
		rules = append(rules, classify.FilterRule{Type: t, Value: r.FilterString})
	}
	return pipeline.Options{
		Concurrency:          cfg.Watcher.Concurrency,
		SmallChangeThreshold: cfg.Watcher.SmallChangeThreshold,
		Ignore:               rules,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	s := strings.TrimSpace(cfg.Watcher.Schedule)
	if s == "" {
		s = scheduler.DefaultSchedule
	}
	return scheduler.Config{
		Schedule:   s,
		Timezone:   strings.TrimSpace(cfg.Watcher.Timezone),
		RunOnStart: cfg.Watcher.RunOnStart,
	}
}

func mapOpsConfig(cfg *config.Config) (opshttp.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationField("ops.read_timeout", oc.ReadTimeout)
	if err != nil {
		return opshttp.Config{}, err
	}
	idle, err := config.ParseDurationField("ops.idle_timeout", oc.IdleTimeout)
	if err != nil {
		return opshttp.Config{}, err
	}
	token := strings.TrimSpace(oc.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(EnvOpsToken))
	}
	return opshttp.Config{
		Addr:        strings.TrimSpace(oc.Addr),
		Token:       token,
		ReadTimeout: read,
		IdleTimeout: idle,

		Pprof:                oc.Pprof,
		BlockProfileRate:     oc.BlockProfileRate,
		MutexProfileFraction: oc.MutexProfileFraction,
	}, nil
}

// EnvOpsToken overrides ops.token when the config leaves it empty.
const EnvOpsToken = "PAGEWATCH_OPS_TOKEN"

// mapPages builds the catalog; an empty config list means the built-ins.
func mapPages(cfg *config.Config) (*pages.Registry, error) {
	if len(cfg.Pages) == 0 {
		return pages.NewRegistry(pages.Defaults())
	}
	specs := make([]pages.Spec, 0, len(cfg.Pages))
	for i, p := range cfg.Pages {
		kind, err := pages.ParseRuleKind(p.Rule)
		if err != nil {
			return nil, fmt.Errorf("pages[%d]: %w", i, err)
		}
		specs = append(specs, pages.Spec{
			Name:        p.Name,
			URL:         strings.TrimSpace(p.URL),
			Rule:        pages.ExtractRule{Kind: kind, Anchor: strings.TrimSpace(p.Anchor)},
			Description: strings.TrimSpace(p.Description),
		})
	}
	return pages.NewRegistry(specs)
}

// validate is installed as the config manager hook so a bad hot reload is
// rejected before it is published.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPages(cfg); err != nil {
		return err
	}
	if _, err := classify.NewFilter(mapRunnerOptions(cfg).Ignore); err != nil {
		return err
	}
	sc := mapSchedulerConfig(cfg)
	if _, err := scheduler.New(sc, func(ctx context.Context, source string) {}, logx.Nop()); err != nil {
		return fmt.Errorf("watcher.schedule: %w", err)
	}
	return nil
}
