// Package opshttp serves the operational HTTP endpoints: Prometheus
// metrics, a health summary and a manual fetch trigger.
package opshttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pagewatch/internal/pipeline"
	"pagewatch/internal/runtime/supervisor"
	logx "pagewatch/pkg/logx"
)

type Config struct {
	Addr        string
	Token       string
	ReadTimeout time.Duration
	IdleTimeout time.Duration

	// Pprof mounts net/http/pprof under /debug. The rates are applied
	// process-wide on Start.
	Pprof                bool
	BlockProfileRate     int
	MutexProfileFraction int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9090"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	return c
}

// Passes is the slice of the pipeline runner the server needs.
type Passes interface {
	RunPass(ctx context.Context, source string) (pipeline.Report, error)
	Last() (pipeline.Report, bool)
}

type Deps struct {
	Passes   Passes
	Gatherer prometheus.Gatherer
	// Supervisor and NextPass are optional.
	Supervisor func() supervisor.Snapshot
	NextPass   func() time.Time
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
	done chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg.withDefaults(), deps: deps, log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/fetch", s.handleFetch)
	})
	if s.cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	if s.cfg.Pprof {
		runtime.SetBlockProfileRate(s.cfg.BlockProfileRate)
		runtime.SetMutexProfileFraction(s.cfg.MutexProfileFraction)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server error", logx.String("addr", ln.Addr().String()), logx.Err(err))
		}
	}(s.done)
	s.log.Info("ops server listening", logx.String("addr", s.addr))
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done, addr := s.srv, s.done, s.addr
	s.srv, s.ln, s.addr, s.done = nil, nil, "", nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Close()
	} else {
		err = nil
	}
	<-done
	s.log.Info("ops server stopped", logx.String("addr", addr))
	return err
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type passView struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	Started       time.Time      `json:"started"`
	TookMS        int64          `json:"took_ms"`
	Outcomes      map[string]int `json:"outcomes"`
	Notifications int            `json:"notifications"`
	Skips         string         `json:"skips,omitempty"`
}

func viewOf(rep pipeline.Report) *passView {
	v := &passView{
		ID:            rep.ID,
		Source:        rep.Source,
		Started:       rep.Started,
		TookMS:        rep.Took.Milliseconds(),
		Outcomes:      map[string]int{},
		Notifications: rep.Notifications(),
		Skips:         rep.SkipSummary(),
	}
	for _, res := range rep.Results {
		v.Outcomes[res.Outcome.String()]++
	}
	return v
}

type health struct {
	Status     string               `json:"status"`
	LastPass   *passView            `json:"last_pass,omitempty"`
	NextPass   *time.Time           `json:"next_pass,omitempty"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok"}
	if rep, ok := s.deps.Passes.Last(); ok {
		h.LastPass = viewOf(rep)
	}
	if s.deps.NextPass != nil {
		if t := s.deps.NextPass(); !t.IsZero() {
			h.NextPass = &t
		}
	}
	code := http.StatusOK
	if s.deps.Supervisor != nil {
		snap := s.deps.Supervisor()
		h.Supervisor = &snap
		if snap.FirstError != "" {
			h.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, h)
}

// handleFetch runs a pass synchronously. The pass is detached from the
// request so a dropped client does not abort it half way.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Passes.RunPass(context.WithoutCancel(r.Context()), "http")
	switch {
	case errors.Is(err, pipeline.ErrPassInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a pass is already running"})
	case err != nil:
		s.log.Error("manual pass failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, viewOf(rep))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
