// Package notifier fans a classified change out to every subscribed chat.
//
// Deliveries run with bounded concurrency behind a shared rate limiter. A
// failed delivery is recorded and logged; it never stops the others and is
// not retried.
package notifier

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pagewatch/internal/classify"
	"pagewatch/internal/metrics"
	"pagewatch/internal/storage"
	"pagewatch/internal/transport"
	logx "pagewatch/pkg/logx"
)

type Notifier struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	subs    storage.SubscriptionStore
	sender  transport.Sender
	log     logx.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, subs storage.SubscriptionStore, sender transport.Sender, log logx.Logger, m *metrics.Metrics) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Notifier{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		subs:    subs,
		sender:  sender,
		log:     log,
		metrics: m,
	}
}

// Apply swaps the config. In-flight fan-outs keep the limiter they started with.
func (n *Notifier) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.RatePerSec != n.cfg.RatePerSec {
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	n.cfg = cfg
}

func (n *Notifier) snapshot() (Config, *rate.Limiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg, n.limiter
}

// Notify delivers p to the subscribers of p.PageName as they are at call
// time. The error is non-nil only when the subscriber list or the message
// itself could not be produced; per-destination failures are in the Report.
func (n *Notifier) Notify(ctx context.Context, p classify.Presentation) (Report, error) {
	start := time.Now()
	cfg, lim := n.snapshot()
	rep := Report{Page: p.PageName, Kind: p.Kind}

	subs, err := n.subs.SubscriptionsForTarget(ctx, p.PageName)
	if err != nil {
		return rep, fmt.Errorf("load subscriptions for %s: %w", p.PageName, err)
	}
	n.metrics.Change(p.PageName, p.Kind.String())
	n.metrics.FanOut(len(subs))
	rep.Destinations = len(subs)
	if len(subs) == 0 {
		n.log.Debug("no subscribers", logx.String("page", p.PageName))
		return rep, nil
	}

	msg, err := Render(p, cfg.DiffDocument)
	if err != nil {
		return rep, err
	}

	var (
		mu  sync.Mutex
		g   errgroup.Group
		log = n.log.With(logx.String("page", p.PageName), logx.String("kind", p.Kind.String()))
	)
	g.SetLimit(cfg.Workers)
	for _, sub := range subs {
		to := transport.ChatTarget{ChatID: sub.ChannelID}
		g.Go(func() error {
			derr := n.deliver(ctx, lim, cfg.DeliveryTimeout, to, msg)
			mu.Lock()
			defer mu.Unlock()
			if derr != nil {
				rep.Failures = append(rep.Failures, derr)
				log.Warn("delivery failed", logx.Int64("chat_id", to.ChatID), logx.String("reason", string(derr.Kind)), logx.Err(derr.Err))
				return nil
			}
			rep.Delivered++
			return nil
		})
	}
	_ = g.Wait()
	rep.Took = time.Since(start)

	fields := []logx.Field{
		logx.Int("destinations", rep.Destinations),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed()),
		logx.Duration("took", rep.Took),
	}
	if rep.Failed() > 0 {
		log.Warn("fan-out finished with failures", fields...)
	} else {
		log.Info("fan-out finished", fields...)
	}
	return rep, nil
}

func (n *Notifier) deliver(ctx context.Context, lim *rate.Limiter, timeout time.Duration, to transport.ChatTarget, msg Message) (derr *DeliveryError) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("panic in delivery", logx.Int64("chat_id", to.ChatID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			derr = &DeliveryError{ChatID: to.ChatID, Kind: FailOther, Err: fmt.Errorf("panic: %v", r)}
		}
		status := "ok"
		if derr != nil {
			status = string(derr.Kind)
		}
		n.metrics.Delivery(status, time.Since(start))
	}()

	if err := lim.Wait(ctx); err != nil {
		return &DeliveryError{ChatID: to.ChatID, Kind: failureKind(err), Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if err := n.sender.SendText(dctx, to, msg.Text, opt); err != nil {
		return &DeliveryError{ChatID: to.ChatID, Kind: failureKind(err), Err: err}
	}
	if msg.Document != nil {
		if err := n.sender.SendDocument(dctx, to, *msg.Document, nil); err != nil {
			return &DeliveryError{ChatID: to.ChatID, Kind: failureKind(err), Err: err}
		}
	}
	return nil
}
