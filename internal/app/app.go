// Package app wires all murmurlink subsystems into a running service.
//
// The App struct owns the full lifecycle: New connects the archive, the
// relay hub and the capture manager, Run serves the control API until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRelayHub,
// WithArchiveStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/murmurlink/murmurlink/internal/archive"
	"github.com/murmurlink/murmurlink/internal/config"
	"github.com/murmurlink/murmurlink/internal/health"
	"github.com/murmurlink/murmurlink/internal/observe"
	"github.com/murmurlink/murmurlink/internal/relay"
	"github.com/murmurlink/murmurlink/pkg/audio"
	"github.com/murmurlink/murmurlink/pkg/provider/speech"
)

// shutdownTimeout bounds the HTTP server drain when Run's context ends.
const shutdownTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Audio is required;
// a nil Speech disables upstream forwarding. Populated by main.go via the
// config registry.
type Providers struct {
	Audio  audio.Platform
	Speech speech.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	manager *CaptureManager
	hub     *relay.Hub
	store   *archive.Store
	metrics *observe.Metrics
	server  *http.Server

	// logLevel, when set, lets hot reloads adjust the logger verbosity.
	logLevel *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRelayHub injects a relay hub instead of creating one from config.
func WithRelayHub(h *relay.Hub) Option {
	return func(a *App) { a.hub = h }
}

// WithArchiveStore injects an archive store instead of connecting from config.
func WithArchiveStore(s *archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics bundle instead of using the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar wires the logger's level variable so config hot reloads
// can change verbosity at runtime.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Audio == nil {
		return nil, errors.New("app: audio platform is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.store == nil && cfg.Archive.PostgresDSN != "" {
		store, err := archive.NewStore(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect archive: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	if a.hub == nil && cfg.Relay.Enabled {
		hub, err := relay.New(relay.Config{
			Encoding:     relay.Encoding(cfg.Relay.Encoding),
			SampleRate:   cfg.Capture.SampleRate,
			ClientBuffer: cfg.Relay.ClientBuffer,
			Metrics:      a.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("app: create relay hub: %w", err)
		}
		a.hub = hub
		a.closers = append(a.closers, hub.Close)
	}

	a.manager = NewCaptureManager(cfg, ManagerDeps{
		Platform: providers.Audio,
		Speech:   providers.Speech,
		Relay:    a.hub,
		Archive:  a.store,
		Metrics:  a.metrics,
	})

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// Manager returns the capture manager, mainly for tests.
func (a *App) Manager() *CaptureManager {
	return a.manager
}

// Handler returns the root HTTP handler, mainly for httptest servers.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	checks := []health.Check{
		{Name: "uplink", Probe: func(ctx context.Context) error {
			return a.manager.UplinkErr()
		}},
	}
	if a.store != nil {
		checks = append(checks, health.Check{Name: "archive", Probe: a.store.Ping})
	}
	health.New(checks...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	NewAPI(a.manager, a.store).Register(mux)

	// The relay endpoint bypasses the request middleware: a WebSocket
	// stream is one request that lives for the whole client session.
	root := http.NewServeMux()
	if a.hub != nil {
		root.Handle("/ws", a.hub)
	}
	root.Handle("/", observe.Middleware(a.metrics)(mux))
	return root
}

// Run serves the control API and blocks until ctx is cancelled or the server
// fails. The capture pipeline is started via the API (or by the caller
// through Manager), not by Run itself.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control server listening",
			"addr", a.server.Addr,
			"tls", a.cfg.Server.TLS != nil,
			"relay", a.hub != nil,
			"archive", a.store != nil)

		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: control server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("control server shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// ApplyConfig applies a hot-reloaded configuration. Intended as the change
// callback of a [config.Watcher]. Only the hot-reloadable subset is applied;
// everything else takes effect on restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.SensitivityChanged {
		a.manager.ApplySensitivity(d.NewSensitivity)
	}

	if d.RelayChanged && a.hub != nil {
		if err := a.hub.Reconfigure(relay.Config{
			Encoding:     relay.Encoding(d.NewRelay.Encoding),
			SampleRate:   a.cfg.Capture.SampleRate,
			ClientBuffer: d.NewRelay.ClientBuffer,
		}); err != nil {
			slog.Warn("relay reconfigure failed", "error", err)
		} else {
			slog.Info("relay reconfigured",
				"encoding", d.NewRelay.Encoding,
				"client_buffer", d.NewRelay.ClientBuffer)
		}
	}
}

// Shutdown stops an active capture session and tears down all subsystems in
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.manager.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			slog.Warn("capture stop during shutdown", "error", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
