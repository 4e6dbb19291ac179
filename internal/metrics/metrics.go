// Package metrics holds the Prometheus collectors for the watch pipeline.
//
// A nil *Metrics is valid and records nothing, so components can be built in
// tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "pagewatch"
)

type Metrics struct {
	PassesTotal      *prometheus.CounterVec
	PassDuration     prometheus.Histogram
	PassesSkipped    prometheus.Counter
	LastPassUnixTime prometheus.Gauge

	TargetsTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	ChangesTotal       *prometheus.CounterVec
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
	SubscriptionsGauge prometheus.Gauge
}

// New creates and registers all collectors on reg. A nil reg selects the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	m := &Metrics{}

	m.PassesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "passes_total",
		Help:      "Completed pipeline passes by result.",
	}, []string{"result"})
	m.PassDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of a full pipeline pass.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
	})
	m.PassesSkipped = f.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "passes_skipped_total",
		Help:      "Triggers dropped because a pass was already running.",
	})
	m.LastPassUnixTime = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix time the last pass finished.",
	})

	m.TargetsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "pipeline",
		Name:      "targets_total",
		Help:      "Per-target outcomes.",
	}, []string{"page", "outcome"})
	m.FetchDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Page fetch latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~51s
	}, []string{"page"})

	m.ChangesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "notifier",
		Name:      "changes_total",
		Help:      "Classified changes by kind.",
	}, []string{"page", "kind"})
	m.DeliveriesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "notifier",
		Name:      "deliveries_total",
		Help:      "Delivery attempts by status (ok or failure kind).",
	}, []string{"status"})
	m.DeliveryDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "notifier",
		Name:      "delivery_duration_seconds",
		Help:      "Latency of a single delivery.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	m.SubscriptionsGauge = f.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "notifier",
		Name:      "last_fanout_destinations",
		Help:      "Destinations in the most recent fan-out.",
	})
	return m
}

func (m *Metrics) PassFinished(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(result).Inc()
	m.PassDuration.Observe(took.Seconds())
	m.LastPassUnixTime.SetToCurrentTime()
}

func (m *Metrics) PassSkipped() {
	if m == nil {
		return
	}
	m.PassesSkipped.Inc()
}

func (m *Metrics) Target(page, outcome string) {
	if m == nil {
		return
	}
	m.TargetsTotal.WithLabelValues(page, outcome).Inc()
}

func (m *Metrics) Fetched(page string, took time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(page).Observe(took.Seconds())
}

func (m *Metrics) Change(page, kind string) {
	if m == nil {
		return
	}
	m.ChangesTotal.WithLabelValues(page, kind).Inc()
}

func (m *Metrics) FanOut(destinations int) {
	if m == nil {
		return
	}
	m.SubscriptionsGauge.Set(float64(destinations))
}

// Delivery records one delivery; status is "ok" or a failure kind.
func (m *Metrics) Delivery(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(status).Inc()
	m.DeliveryDuration.Observe(took.Seconds())
}
