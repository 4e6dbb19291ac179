// Package app wires configuration into the running watcher: transport,
// storage, pipeline, scheduler, chat commands and the ops server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pagewatch/internal/commands"
	"pagewatch/internal/config"
	"pagewatch/internal/fetch"
	"pagewatch/internal/metrics"
	"pagewatch/internal/notifier"
	"pagewatch/internal/opshttp"
	"pagewatch/internal/pages"
	"pagewatch/internal/pipeline"
	"pagewatch/internal/runtime/supervisor"
	"pagewatch/internal/scheduler"
	"pagewatch/internal/storage"
	"pagewatch/internal/transport"
	"pagewatch/internal/transport/telegram"
	logx "pagewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter *telegram.Adapter
	store   storage.Store
	pages   *pages.Registry

	notif  *notifier.Notifier
	runner *pipeline.Runner
	sched  *scheduler.Service
	cmds   *commands.Router
	ops    *opshttp.Server

	fetchCfg fetch.Config
	updates  chan transport.Message
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	// Everything below can fail; close the store on the way out.
	a, err := build(cfg, log, store, ad, reg, m)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	a.log = appLog
	return a, nil
}

func build(cfg *config.Config, log logx.Logger, store storage.Store, ad *telegram.Adapter, reg *prometheus.Registry, m *metrics.Metrics) (*App, error) {
	catalog, err := mapPages(cfg)
	if err != nil {
		return nil, err
	}
	fc, err := mapFetchConfig(cfg)
	if err != nil {
		return nil, err
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		adapter:  ad,
		store:    store,
		pages:    catalog,
		fetchCfg: fc,
		updates:  make(chan transport.Message, 256),
	}

	a.notif = notifier.New(nc, store, ad, log.With(logx.String("comp", "notifier")), m)

	a.runner, err = pipeline.NewRunner(pipeline.Deps{
		Pages:     catalog,
		Fetcher:   fetch.New(fc, nil),
		Snapshots: store,
		Notifier:  a.notif,
		Metrics:   m,
		Log:       log.With(logx.String("comp", "pipeline")),
	}, mapRunnerOptions(cfg))
	if err != nil {
		return nil, err
	}

	a.sched, err = scheduler.New(mapSchedulerConfig(cfg), func(ctx context.Context, source string) {
		a.runner.Trigger(ctx, source)
	}, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return nil, err
	}

	a.cmds = commands.New(commands.Deps{
		Subs:    store,
		Pages:   catalog,
		Sender:  ad,
		Trigger: a.runner.Trigger,
		Owners:  cfg.Telegram.OwnerUserIDs,
		Log:     log.With(logx.String("comp", "commands")),
	})

	if cfg.Ops.Enabled {
		oc, err := mapOpsConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.ops = opshttp.New(oc, opshttp.Deps{
			Passes:     a.runner,
			Gatherer:   reg,
			Supervisor: a.snapshot,
			NextPass:   a.sched.Next,
		}, log.With(logx.String("comp", "ops")))
	}
	return a, nil
}

func (a *App) snapshot() supervisor.Snapshot { return a.sup.Snapshot() }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	menuCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, a.cmds.Menu()); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}
	cancel()

	a.sup.Go0("commands.dispatch", func(c context.Context) {
		a.cmds.Run(c, a.updates)
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	a.sup.Go0("config.reload", func(c context.Context) {
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg := <-a.cfgm.Updates():
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("pages", a.pages.Len()),
		logx.Time("next_pass", a.sched.Next()),
	)
	return nil
}

// applyConfig hot-applies a validated config. Sections that need a restart
// are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.Strs("sections", restart))
	}
	if fc, err := mapFetchConfig(newCfg); err == nil && fc != a.fetchCfg {
		a.log.Warn("watcher fetch settings need a restart to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmds.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}
	if err := a.runner.Apply(mapRunnerOptions(newCfg)); err != nil {
		a.log.Warn("invalid watcher options; keeping previous", logx.Err(err))
	}
	if err := a.sched.Apply(mapSchedulerConfig(newCfg)); err != nil {
		a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error {
		if a.ops == nil {
			return nil
		}
		return a.ops.Stop(c)
	})
	// a /fetch pass may still be delivering
	step("commands", 5*time.Second, func(c context.Context) error { a.cmds.Wait(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
