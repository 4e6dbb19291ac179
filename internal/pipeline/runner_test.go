package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/classify"
	"pagewatch/internal/fetch"
	"pagewatch/internal/notifier"
	"pagewatch/internal/pages"
	"pagewatch/internal/storage"
	"pagewatch/internal/transport"
	logx "pagewatch/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]func(ctx context.Context) ([]byte, error)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]func(ctx context.Context) ([]byte, error){}}
}

func (f *fakeFetcher) set(url, body string) {
	f.handle(url, func(context.Context) ([]byte, error) { return []byte(body), nil })
}

func (f *fakeFetcher) handle(url string, fn func(ctx context.Context) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = fn
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	fn := f.pages[url]
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no such page %s", url)
	}
	return fn(ctx)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []classify.Presentation
	err  error
}

func (n *fakeNotifier) Notify(ctx context.Context, p classify.Presentation) (notifier.Report, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return notifier.Report{}, n.err
	}
	n.sent = append(n.sent, p)
	return notifier.Report{Page: p.PageName, Kind: p.Kind, Destinations: 1, Delivered: 1}, nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func structural(name string) pages.Spec {
	return pages.Spec{
		Name: name,
		URL:  "https://mate.test/" + name,
		Rule: pages.ExtractRule{Kind: pages.Structural, Anchor: pages.DefaultAnchor},
	}
}

func page(body string) string {
	return `<html><body><nav>menu</nav><div id="main-content">` + body + `</div></body></html>`
}

func newRunner(t *testing.T, specs []pages.Spec, f Fetcher, n Notifier, opts Options) *Runner {
	t.Helper()
	reg, err := pages.NewRegistry(specs)
	require.NoError(t, err)
	r, err := NewRunner(Deps{Pages: reg, Fetcher: f, Snapshots: storage.NewMemory(), Notifier: n}, opts)
	require.NoError(t, err)
	return r
}

func TestPassSeedsThenDetectsChange(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set("https://mate.test/scout", page("<p>hello</p>"))
	n := &fakeNotifier{}
	r := newRunner(t, []pages.Spec{structural("scout")}, f, n, Options{})

	rep, err := r.RunPass(ctx, "test")
	require.NoError(t, err)
	res, ok := rep.Result("scout")
	require.True(t, ok)
	assert.Equal(t, Seeded, res.Outcome)
	assert.Zero(t, n.count())

	rep, err = r.RunPass(ctx, "test")
	require.NoError(t, err)
	res, _ = rep.Result("scout")
	assert.Equal(t, Unchanged, res.Outcome)
	assert.Zero(t, n.count())

	f.set("https://mate.test/scout", page("<p>hello</p><p>world</p>"))
	rep, err = r.RunPass(ctx, "test")
	require.NoError(t, err)
	res, _ = rep.Result("scout")
	assert.Equal(t, Changed, res.Outcome)
	require.NotNil(t, res.Delivery)
	require.Equal(t, 1, n.count())
	assert.Equal(t, classify.SmallDiff, n.sent[0].Kind)
	assert.Equal(t, "scout", n.sent[0].PageName)
	assert.Equal(t, 1, rep.Notifications())

	// Same content again: already seen, no second notification.
	rep, err = r.RunPass(ctx, "test")
	require.NoError(t, err)
	res, _ = rep.Result("scout")
	assert.Equal(t, Unchanged, res.Outcome)
	assert.Equal(t, 1, n.count())

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, rep.ID, last.ID)
}

func TestFailingTargetsDoNotBlockOthers(t *testing.T) {
	f := newFakeFetcher()
	f.handle("https://mate.test/down", func(context.Context) ([]byte, error) {
		return nil, &fetch.TransientFetchError{URL: "https://mate.test/down", Err: syscall.ECONNREFUSED}
	})
	f.handle("https://mate.test/boom", func(context.Context) ([]byte, error) { panic("boom") })
	f.handle("https://mate.test/gone", func(context.Context) ([]byte, error) {
		return nil, &fetch.StatusError{URL: "https://mate.test/gone", StatusCode: 500}
	})
	f.handle("https://mate.test/big", func(context.Context) ([]byte, error) {
		return nil, fmt.Errorf("fetch https://mate.test/big: %w", fetch.ErrBodyTooLarge)
	})
	f.set("https://mate.test/moved", "<html><body><p>redesigned</p></body></html>")
	f.set("https://mate.test/ok", page("<p>fine</p>"))

	specs := []pages.Spec{structural("down"), structural("boom"), structural("gone"), structural("big"), structural("moved"), structural("ok")}
	r := newRunner(t, specs, f, &fakeNotifier{}, Options{Concurrency: 2})

	rep, err := r.RunPass(context.Background(), "test")
	require.NoError(t, err)
	require.Len(t, rep.Results, 6)

	want := map[string]string{
		"down":  ReasonTransient,
		"boom":  ReasonPanic,
		"gone":  ReasonHTTPStatus,
		"big":   ReasonTooLarge,
		"moved": ReasonExtraction,
	}
	for name, reason := range want {
		res, ok := rep.Result(name)
		require.True(t, ok, name)
		assert.Equal(t, Skipped, res.Outcome, name)
		assert.Equal(t, reason, res.Reason, name)
		assert.Error(t, res.Err, name)
	}
	res, _ := rep.Result("ok")
	assert.Equal(t, Seeded, res.Outcome)
	assert.Equal(t, 5, rep.Count(Skipped))
	assert.Equal(t, "big:body_too_large,boom:panic,down:fetch_transient,gone:http_status,moved:extraction", rep.SkipSummary())
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFakeFetcher()
	f.handle("https://mate.test/slow", func(ctx context.Context) ([]byte, error) {
		close(entered)
		<-release
		return []byte(page("<p>slow</p>")), nil
	})
	r := newRunner(t, []pages.Spec{structural("slow")}, f, &fakeNotifier{}, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := r.RunPass(context.Background(), "timer")
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never started")
	}

	_, err := r.RunPass(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrPassInProgress)
	assert.False(t, r.Trigger(context.Background(), "manual"))

	close(release)
	require.NoError(t, <-done)
}

func TestIgnoredChangeIsSuppressedButAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set("https://mate.test/scout", page("<p>Rules</p><p>Last updated: Monday</p>"))
	n := &fakeNotifier{}
	r := newRunner(t, []pages.Spec{structural("scout")}, f, n, Options{
		Ignore: []classify.FilterRule{{Type: "substring", Value: "Last updated"}},
	})

	_, err := r.RunPass(ctx, "test")
	require.NoError(t, err)

	f.set("https://mate.test/scout", page("<p>Rules</p><p>Last updated: Tuesday</p>"))
	rep, err := r.RunPass(ctx, "test")
	require.NoError(t, err)
	res, _ := rep.Result("scout")
	assert.Equal(t, Suppressed, res.Outcome)
	assert.Zero(t, n.count())

	rep, err = r.RunPass(ctx, "test")
	require.NoError(t, err)
	res, _ = rep.Result("scout")
	assert.Equal(t, Unchanged, res.Outcome)
}

func TestNotifyFailureKeepsChangedOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.set("https://mate.test/scout", page("<p>a</p>"))
	n := &fakeNotifier{}
	r := newRunner(t, []pages.Spec{structural("scout")}, f, n, Options{})
	_, err := r.RunPass(ctx, "test")
	require.NoError(t, err)

	n.err = errors.New("store offline")
	f.set("https://mate.test/scout", page("<p>b</p>"))
	rep, err := r.RunPass(ctx, "test")
	require.NoError(t, err)
	res, _ := rep.Result("scout")
	assert.Equal(t, Changed, res.Outcome)
	assert.Equal(t, ReasonNotify, res.Reason)
}

func TestFatalPassIsRecoveredAndNextPassRuns(t *testing.T) {
	f := newFakeFetcher()
	f.set("https://mate.test/scout", page("<p>a</p>"))
	r := newRunner(t, []pages.Spec{structural("scout")}, f, &fakeNotifier{}, Options{})

	reg := r.deps.Pages
	r.deps.Pages = nil
	_, err := r.RunPass(context.Background(), "test")
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.NotEmpty(t, fe.PassID)
	assert.NotEmpty(t, fe.Stack)

	r.deps.Pages = reg
	assert.True(t, r.Trigger(context.Background(), "test"))
	last, ok := r.Last()
	require.True(t, ok)
	res, _ := last.Result("scout")
	assert.Equal(t, Seeded, res.Outcome)
}

func TestEndToEndFanOut(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	for _, ch := range []int64{11, 12} {
		_, err := st.AddSubscription(ctx, storage.Subscription{GuildID: 1, ChannelID: ch, Target: "rulings"})
		require.NoError(t, err)
	}
	s := &recordingSender{}
	n := notifier.New(notifier.Config{}, st, s, nilLog(), nil)

	f := newFakeFetcher()
	f.set("https://mate.test/rulings", `<div id="contents"><p>A</p><p>B</p><p>C</p></div>`)
	reg, err := pages.NewRegistry([]pages.Spec{{
		Name: "rulings",
		URL:  "https://mate.test/rulings",
		Rule: pages.ExtractRule{Kind: pages.TextOnly, Anchor: "contents"},
	}})
	require.NoError(t, err)
	r, err := NewRunner(Deps{Pages: reg, Fetcher: f, Snapshots: st, Notifier: n}, Options{})
	require.NoError(t, err)

	_, err = r.RunPass(ctx, "test")
	require.NoError(t, err)
	assert.Zero(t, s.len())

	f.set("https://mate.test/rulings", `<div id="contents"><p>A</p><p>B</p><p>C</p><p>D</p></div>`)
	rep, err := r.RunPass(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Notifications())
	assert.Equal(t, 2, s.len())
	for _, text := range s.texts() {
		assert.Contains(t, text, "+ D")
	}
}

type recordingSender struct {
	mu  sync.Mutex
	out []string
}

func (s *recordingSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, text)
	return nil
}

func (s *recordingSender) SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Document, opt *transport.SendOptions) error {
	return nil
}

func (s *recordingSender) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.out...)
}

func nilLog() logx.Logger { return logx.Nop() }
