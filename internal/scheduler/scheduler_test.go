package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pagewatch/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "descriptor", raw: "@every 300s", kind: SpecCron, source: "cron", cron: "@every 300s"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute, cron: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second, cron: "@every 45s"},
		{name: "every prefix", raw: "every:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute, cron: "@every 5m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute, cron: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
			assert.Equal(t, tt.cron, got.CronSpec())
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:61", "-5m", "interval:", "cron:"} {
		t.Run(raw, func(t *testing.T) {
			if _, err := ParseSchedule(raw); err == nil {
				t.Fatalf("ParseSchedule(%q) returned no error", raw)
			}
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short cron", Config{Schedule: "* * *"}},
		{"unknown timezone", Config{Timezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, func(context.Context, string) {}, logx.Nop()); err == nil {
				t.Fatalf("New(%+v) returned no error", tt.cfg)
			}
		})
	}

	s, err := New(Config{}, func(context.Context, string) {}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, s.cfg.Schedule)
}

func TestServiceFiresJob(t *testing.T) {
	var runs atomic.Int32
	sources := make(chan string, 8)
	s, err := New(Config{Schedule: "@every 1s", RunOnStart: true}, func(_ context.Context, source string) {
		runs.Add(1)
		select {
		case sources <- source:
		default:
		}
	}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.False(t, s.Next().IsZero())

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !seen["startup"] || !seen["schedule"] {
		select {
		case src := <-sources:
			seen[src] = true
		case <-deadline:
			t.Fatalf("job not fired, seen=%v", seen)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.True(t, s.Next().IsZero())
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}
