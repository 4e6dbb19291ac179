// Package pipeline drives watch passes: fetch, normalize, detect, classify
// and notify for every registered page.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagewatch/internal/classify"
	"pagewatch/internal/detect"
	"pagewatch/internal/metrics"
	"pagewatch/internal/notifier"
	"pagewatch/internal/pages"
	"pagewatch/internal/storage"
	logx "pagewatch/pkg/logx"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Notifier interface {
	Notify(ctx context.Context, p classify.Presentation) (notifier.Report, error)
}

// Deps are the long-lived collaborators of a Runner.
type Deps struct {
	Pages     *pages.Registry
	Fetcher   Fetcher
	Snapshots storage.SnapshotStore
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

// Options are the reloadable knobs of a Runner.
type Options struct {
	Concurrency          int
	SmallChangeThreshold int
	Ignore               []classify.FilterRule
}

const defaultConcurrency = 4

type Runner struct {
	// gate is held for the whole duration of a pass.
	gate sync.Mutex

	mu     sync.Mutex
	opts   Options
	filter *classify.Filter
	last   *Report

	deps Deps
	log  logx.Logger
}

func NewRunner(deps Deps, opts Options) (*Runner, error) {
	if deps.Pages == nil || deps.Fetcher == nil || deps.Snapshots == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("pipeline: pages, fetcher, snapshots and notifier are required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	r := &Runner{deps: deps, log: deps.Log}
	if err := r.Apply(opts); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply validates and installs opts. It takes effect on the next pass.
func (r *Runner) Apply(opts Options) error {
	f, err := classify.NewFilter(opts.Ignore)
	if err != nil {
		return err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	r.mu.Lock()
	r.opts, r.filter = opts, f
	r.mu.Unlock()
	return nil
}

// Last returns the report of the most recent finished pass.
func (r *Runner) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

func (r *Runner) newPass(id, source string) *Pass {
	r.mu.Lock()
	opts, filter := r.opts, r.filter
	r.mu.Unlock()

	return &Pass{
		ID:          id,
		Source:      source,
		Pages:       r.deps.Pages.All(),
		Concurrency: opts.Concurrency,
		Fetcher:     r.deps.Fetcher,
		Detector:    detect.New(r.deps.Snapshots),
		Classifier:  classify.New(opts.SmallChangeThreshold, filter),
		Notifier:    r.deps.Notifier,
		Metrics:     r.deps.Metrics,
		Log:         r.log.With(logx.String("pass", id)),
	}
}

// RunPass runs one pass unless another is in flight, in which case it
// returns ErrPassInProgress without waiting. A panic outside the per-target
// units is returned as *FatalError.
func (r *Runner) RunPass(ctx context.Context, source string) (rep Report, err error) {
	if !r.gate.TryLock() {
		r.deps.Metrics.PassSkipped()
		return Report{}, ErrPassInProgress
	}
	defer r.gate.Unlock()

	id := uuid.NewString()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = &FatalError{PassID: id, Panic: rec, Stack: string(debug.Stack())}
			rep = Report{ID: id, Source: source, Started: start, Took: time.Since(start)}
		}
		result := "ok"
		if err != nil {
			result = "fatal"
		}
		r.deps.Metrics.PassFinished(result, time.Since(start))
	}()

	p := r.newPass(id, source)
	p.Log.Debug("pass started", logx.String("source", source), logx.Int("targets", len(p.Pages)))
	rep = p.Run(ctx)

	r.mu.Lock()
	last := rep
	r.last = &last
	r.mu.Unlock()

	fields := []logx.Field{
		logx.String("source", source),
		logx.Int("targets", len(rep.Results)),
		logx.Int("seeded", rep.Count(Seeded)),
		logx.Int("unchanged", rep.Count(Unchanged)),
		logx.Int("changed", rep.Count(Changed)),
		logx.Int("suppressed", rep.Count(Suppressed)),
		logx.Int("skipped", rep.Count(Skipped)),
		logx.Int("notifications", rep.Notifications()),
		logx.Duration("took", rep.Took),
	}
	if s := rep.SkipSummary(); s != "" {
		fields = append(fields, logx.String("skips", s))
		p.Log.Warn("pass finished", fields...)
	} else {
		p.Log.Info("pass finished", fields...)
	}
	return rep, nil
}

// Trigger runs a pass and logs the outcome. It reports false when the
// trigger was dropped because a pass was already running. Used by the
// scheduler and by manual fetch requests.
func (r *Runner) Trigger(ctx context.Context, source string) bool {
	_, err := r.RunPass(ctx, source)
	var fe *FatalError
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrPassInProgress):
		r.log.Info("trigger skipped; pass in progress", logx.String("source", source))
		return false
	case errors.As(err, &fe):
		r.log.Error("pass failed", logx.String("pass", fe.PassID), logx.String("source", source), logx.Any("panic", fe.Panic), logx.Stack(fe.Stack))
	default:
		r.log.Error("pass failed", logx.String("source", source), logx.Err(err))
	}
	return true
}
