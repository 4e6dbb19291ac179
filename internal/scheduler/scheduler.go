// Package scheduler fires the watch pass on a recurring schedule.
//
// There is exactly one job. A firing that finds the previous run still
// going is skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "pagewatch/pkg/logx"
)

// DefaultSchedule is the poll cadence used when none is configured.
const DefaultSchedule = "@every 300s"

type Config struct {
	Schedule   string
	Timezone   string // IANA TZ, e.g. "America/Los_Angeles"; empty means local
	RunOnStart bool
}

// Job is the scheduled work; source is "schedule" or "startup".
type Job func(ctx context.Context, source string)

type Service struct {
	mu     sync.Mutex
	cfg    Config
	spec   ParsedSpec
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	entry  cron.EntryID
	runCtx context.Context

	job Job
	log logx.Logger
	wg  sync.WaitGroup
}

func New(cfg Config, job Job, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		job: job,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if err := s.validate(&cfg); err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

func (s *Service) validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec.CronSpec()); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Start registers the job and starts triggering. ctx bounds every run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx = ctx
	if err := s.startLocked(); err != nil {
		return err
	}
	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.job(ctx, "startup")
		}()
	}
	return nil
}

func (s *Service) startLocked() error {
	spec, _ := ParseSchedule(s.cfg.Schedule)
	loc, _ := loadLocation(s.cfg.Timezone)
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := s.runCtx
	id, err := c.AddFunc(spec.CronSpec(), func() {
		if ctx.Err() != nil {
			return
		}
		s.job(ctx, "schedule")
	})
	if err != nil {
		return fmt.Errorf("register schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c, s.entry, s.spec, s.loc = c, id, spec, loc
	s.log.Info("schedule started", logx.String("schedule", spec.CronSpec()), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the config, restarting the cron loop when the schedule or
// timezone changed. A running job is not interrupted.
func (s *Service) Apply(cfg Config) error {
	if err := s.validate(&cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.Schedule != s.cfg.Schedule || cfg.Timezone != s.cfg.Timezone
	s.cfg = cfg
	if s.c == nil || !changed {
		return nil
	}
	s.c.Stop()
	s.c = nil
	return s.startLocked()
}

// Next returns the next firing time, or zero when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Stop stops triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}

	// the startup run is not tracked by cron
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running job")
	}
	s.log.Info("schedule stopped", logx.Duration("took", time.Since(start)))
}

// cronLogger routes robfig/cron's logging into logx. Skipped runs are
// reported at info level by cron itself.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	if msg == "skip" {
		l.log.Info("scheduled run skipped; previous run still in progress")
		return
	}
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
