package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"pagewatch/internal/classify"
	"pagewatch/internal/detect"
	"pagewatch/internal/metrics"
	"pagewatch/internal/normalize"
	"pagewatch/internal/pages"
	logx "pagewatch/pkg/logx"
)

// Pass carries everything one pass needs. It is built fresh for every pass
// so config reloads apply at pass boundaries.
type Pass struct {
	ID          string
	Source      string
	Pages       []pages.Spec
	Concurrency int

	Fetcher    Fetcher
	Detector   *detect.Detector
	Classifier *classify.Classifier
	Notifier   Notifier
	Metrics    *metrics.Metrics
	Log        logx.Logger
}

// Run processes every page. Targets run concurrently up to Concurrency and
// never affect each other.
func (p *Pass) Run(ctx context.Context) Report {
	rep := Report{ID: p.ID, Source: p.Source, Started: time.Now()}
	results := make([]TargetResult, len(p.Pages))

	var g errgroup.Group
	g.SetLimit(max(p.Concurrency, 1))
	for i, page := range p.Pages {
		g.Go(func() error {
			results[i] = p.runTarget(ctx, page)
			return nil
		})
	}
	_ = g.Wait()

	rep.Results = results
	rep.Took = time.Since(rep.Started)
	return rep
}

func (p *Pass) runTarget(ctx context.Context, page pages.Spec) (res TargetResult) {
	start := time.Now()
	log := p.Log.With(logx.String("page", page.Name))
	res.Page = page.Name
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in target", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = TargetResult{Page: page.Name, Outcome: Skipped, Reason: ReasonPanic, Err: fmt.Errorf("panic: %v", r)}
		}
		res.Took = time.Since(start)
		p.Metrics.Target(page.Name, res.Outcome.String())
	}()

	skip := func(err error) TargetResult {
		reason := skipReason(err)
		switch reason {
		case ReasonTransient, ReasonCanceled:
			log.Info("target skipped", logx.String("reason", reason), logx.Err(err))
		case ReasonExtraction:
			log.Warn("content anchor missing; page layout may have changed", logx.String("anchor", page.Rule.Anchor), logx.Err(err))
		default:
			log.Warn("target skipped", logx.String("reason", reason), logx.Err(err))
		}
		return TargetResult{Page: page.Name, Outcome: Skipped, Reason: reason, Err: err}
	}

	fetchStart := time.Now()
	raw, err := p.Fetcher.Fetch(ctx, page.URL)
	p.Metrics.Fetched(page.Name, time.Since(fetchStart))
	if err != nil {
		return skip(err)
	}

	text, err := normalize.Normalize(raw, page.Rule)
	if err != nil {
		return skip(err)
	}

	outcome, rec, err := p.Detector.Detect(ctx, page, text)
	if err != nil {
		return skip(storeErr(err))
	}
	switch outcome {
	case detect.Seeded:
		log.Info("snapshot seeded", logx.Int("bytes", len(text)))
		return TargetResult{Page: page.Name, Outcome: Seeded}
	case detect.Unchanged:
		log.Debug("unchanged")
		return TargetResult{Page: page.Name, Outcome: Unchanged}
	}

	pres, ok := p.Classifier.Classify(rec)
	if !ok {
		log.Info("change suppressed by ignore rules")
		return TargetResult{Page: page.Name, Outcome: Suppressed}
	}
	log.Info("page changed", logx.String("kind", pres.Kind.String()), logx.Int("changed_lines", pres.Changed), logx.Int("links", len(pres.Links)))

	drep, err := p.Notifier.Notify(ctx, pres)
	if err != nil {
		log.Error("fan-out failed", logx.Err(err))
		return TargetResult{Page: page.Name, Outcome: Changed, Reason: ReasonNotify, Err: err}
	}
	return TargetResult{Page: page.Name, Outcome: Changed, Delivery: &drep}
}

