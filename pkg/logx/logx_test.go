package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/transport"
)

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func TestWithFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf).Level(zerolog.InfoLevel)).With(String("comp", "pipeline"))

	log.Debug("hidden")
	log.Info("pass finished", Int("changed", 2), Err(errors.New("boom")), Err(nil), Stack(" "))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	m := decode(t, lines[0])
	assert.Equal(t, "pass finished", m["message"])
	assert.Equal(t, "pipeline", m["comp"])
	assert.Equal(t, float64(2), m["changed"])
	assert.Equal(t, "boom", m[zerolog.ErrorFieldName])
	assert.NotContains(t, m, "stack")
	assert.Contains(t, m["caller"], "logx_test.go:")
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.NotPanics(t, func() { zero.Error("nothing") })

	nop := Nop()
	assert.False(t, nop.IsZero())
	assert.False(t, nop.Enabled(LevelError))
}

func TestFormatTelegramLine(t *testing.T) {
	got := formatTelegramLine([]byte(`{"level":"warn","time":"x","message":"delivery failed","chat_id":5,"comp":"notifier"}`))
	assert.Equal(t, "[WARN] delivery failed\n- chat_id=5\n- comp=notifier", got)

	assert.Equal(t, "not json", formatTelegramLine([]byte("not json\n")))
	assert.Len(t, truncate(strings.Repeat("a", 5000), 3500), 3500)
}

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureSender) SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Document, opt *transport.SendOptions) error {
	return nil
}

func (c *captureSender) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestServiceFileAndTelegramSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagewatch.log")
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     -100,
			MinLevel:   "warn",
			RatePerSec: 5,
		},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("routine")
	log.Warn("page layout changed", String("page", "scout"))

	assert.Eventually(t, func() bool { return len(sender.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(sender.sent()[0], "[WARN] page layout changed"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"routine"`)
	assert.Contains(t, string(data), `"page":"scout"`)

	// a level change applies to loggers handed out earlier
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	assert.False(t, log.Enabled(LevelWarn))
	assert.True(t, log.Enabled(LevelError))
}
