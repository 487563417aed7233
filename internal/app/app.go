// Package app wires the call server together.
//
// The App struct owns the full lifecycle: New creates the call store, the
// session manager and the HTTP routes, Run serves until ctx is cancelled, and
// Shutdown drains live calls before tearing everything down in order.
//
// For testing, inject doubles via functional options (WithCallStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/health"
	"github.com/MrWong99/switchboard/internal/observe"
	"github.com/MrWong99/switchboard/internal/pipeline"
	"github.com/MrWong99/switchboard/internal/resilience"
	"github.com/MrWong99/switchboard/pkg/audio"
	"github.com/MrWong99/switchboard/pkg/callstore"
	"github.com/MrWong99/switchboard/pkg/callstore/postgres"
	"github.com/MrWong99/switchboard/pkg/provider/llm"
	"github.com/MrWong99/switchboard/pkg/provider/stt"
	"github.com/MrWong99/switchboard/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	STT       stt.Provider
	LLM       llm.Provider
	TTS       tts.Provider
	Telephony audio.Platform

	// Names label metrics and logs.
	Names pipeline.ProviderNames
}

func (p *Providers) validate() error {
	var errs []error
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if p.Telephony == nil {
		errs = append(errs, errors.New("telephony platform is required"))
	}
	return errors.Join(errs...)
}

// App owns all subsystem lifetimes of the call server.
type App struct {
	cfg       *config.Config
	providers *Providers

	log      *slog.Logger
	metrics  *observe.Metrics
	store    callstore.Store
	maxCalls int

	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler

	// callCtx is the base context of every request. Cancelling it hangs up
	// calls that outlive the drain deadline.
	callCtx     context.Context
	cancelCalls context.CancelFunc

	srvMu  sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallStore injects a call store instead of connecting to
// storage.postgres_dsn.
func WithCallStore(s callstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMaxCalls caps the number of concurrent calls. Zero means no limit.
func WithMaxCalls(n int) Option {
	return func(a *App) { a.maxCalls = n }
}

// New creates an App from cfg and the providers built by main.go.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init call store: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Store:     a.store,
		MaxCalls:  a.maxCalls,
		Logger:    a.log,
		Metrics:   a.metrics,
	})

	a.initHealth()

	streamURL, err := cfg.StreamURL()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.handler = a.routes(streamURL)
	a.callCtx, a.cancelCalls = context.WithCancel(context.Background())
	return a, nil
}

// initStore connects the PostgreSQL call store unless one was injected or
// none is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.log.Info("call records disabled, storage.postgres_dsn is empty")
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initHealth() {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "callstore", Check: a.store.Ping})
	}
	checkers = append(checkers, health.Checker{
		Name: "tts",
		Check: func(ctx context.Context) error {
			_, err := a.providers.TTS.ListVoices(ctx)
			return err
		},
	})
	for _, slot := range []struct {
		kind string
		p    any
	}{{"stt", a.providers.STT}, {"llm", a.providers.LLM}, {"tts", a.providers.TTS}} {
		if group, ok := slot.p.(resilience.Stateful); ok {
			checkers = append(checkers, health.Checker{
				Name:  slot.kind + "_circuits",
				Check: func(context.Context) error { return anyCircuitUsable(group) },
			})
		}
	}
	a.health = health.New(checkers...)
	a.health.ReportActiveCalls(a.sessions.ActiveCount)
}

// anyCircuitUsable fails when every backend of a provider group has its
// circuit open, so no new call could be served.
func anyCircuitUsable(group resilience.Stateful) error {
	states := group.States()
	for _, st := range states {
		if st != resilience.StateOpen {
			return nil
		}
	}
	names := slices.Sorted(maps.Keys(states))
	return fmt.Errorf("all circuits open: %s", strings.Join(names, ", "))
}

// routes builds the HTTP surface of the server.
func (a *App) routes(streamURL string) http.Handler {
	mw := observe.Middleware(a.metrics)
	tel := a.cfg.Telephony

	mux := http.NewServeMux()
	mux.Handle(tel.AnswerPath, mw(a.providers.Telephony.AnswerHandler(streamURL)))
	mux.Handle(tel.StreamPath, mw(a.providers.Telephony.MediaHandler(a.sessions.HandleCall)))
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /voices", mw(http.HandlerFunc(a.listVoices)))
	mux.Handle("GET /calls", mw(http.HandlerFunc(a.listCalls)))
	mux.Handle("GET /calls/history", mw(http.HandlerFunc(a.callHistory)))
	mux.Handle("GET /calls/{id}", mw(http.HandlerFunc(a.getCall)))
	return mux
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager. main.go hands its ApplyReload to the
// config watcher.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── HTTP handlers ───────────────────────────────────────────────────────────

func (a *App) listVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := a.providers.TTS.ListVoices(r.Context())
	if err != nil {
		a.log.Warn("list voices failed", "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

func (a *App) listCalls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Calls())
}

func (a *App) callHistory(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotFound, errors.New("call records are disabled"))
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := a.store.List(r.Context(), opts)
	if err != nil {
		a.log.Error("list call records failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *App) getCall(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotFound, errors.New("call records are disabled"))
		return
	}
	rec, err := a.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, callstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		a.log.Error("get call record failed", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// listOptions parses the query of GET /calls/history: from, outcome, limit
// and RFC 3339 after/before bounds.
func listOptions(r *http.Request) (callstore.ListOptions, error) {
	q := r.URL.Query()
	opts := callstore.ListOptions{
		From:    q.Get("from"),
		Outcome: callstore.Outcome(q.Get("outcome")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = n
	}
	for _, b := range []struct {
		key string
		dst *time.Time
	}{
		{"after", &opts.After},
		{"before", &opts.Before},
	} {
		v := q.Get(b.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s: %w", b.key, err)
		}
		*b.dst = t
	}
	return opts, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on server.listen_addr and blocks until ctx is cancelled or
// the server fails. After cancellation it returns ctx.Err(); call Shutdown
// to drain live calls.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.callCtx },
	}
	a.srvMu.Lock()
	a.server = srv
	a.srvMu.Unlock()

	tls := a.cfg.Server.TLS
	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	a.log.Info("call server listening",
		"addr", ln.Addr().String(),
		"telephony", a.providers.Telephony.Name(),
		"answer_path", a.cfg.Telephony.AnswerPath,
		"stream_path", a.cfg.Telephony.StreamPath,
		"tls", tls != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, waits for live calls to end and then tears
// down the HTTP server and the remaining subsystems. Calls still running when
// ctx expires are hung up.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_calls", a.sessions.ActiveCount())
		a.health.SetDraining(true)

		if err := a.sessions.Drain(ctx); err != nil {
			a.log.Warn("drain deadline exceeded, hanging up", "active_calls", a.sessions.ActiveCount())
			shutdownErr = err
		}
		a.cancelCalls()

		a.srvMu.Lock()
		srv := a.server
		a.srvMu.Unlock()
		if srv != nil {
			// Shutdown does not wait for hijacked media sockets; the drain
			// above covers those.
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := srv.Shutdown(sctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
			cancel()
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
