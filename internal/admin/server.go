// Package admin serves the operator HTTP surface: manual triggers, run
// lookup, health and metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/livinlefevreloca/digestd/internal/archive"
	"github.com/livinlefevreloca/digestd/internal/ledger"
	"github.com/livinlefevreloca/digestd/internal/scheduler"
)

// Config holds admin server settings
type Config struct {
	Enabled           bool          `toml:"enabled"`
	Address           string        `toml:"address"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
	DefaultRunLimit   int           `toml:"default_run_limit"`
	MaxRunLimit       int           `toml:"max_run_limit"`
}

// DefaultConfig returns the admin defaults
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		DefaultRunLimit:   20,
		MaxRunLimit:       200,
	}
}

// Validate checks the admin settings
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("admin address %q: %w", c.Address, err)
	}
	if c.DefaultRunLimit <= 0 || c.MaxRunLimit <= 0 {
		return fmt.Errorf("admin run limits must be positive")
	}
	if c.DefaultRunLimit > c.MaxRunLimit {
		return fmt.Errorf("admin default_run_limit must not exceed max_run_limit")
	}
	return nil
}

// Scheduler is the part of the scheduler the admin surface drives
type Scheduler interface {
	Trigger(ctx context.Context, configurationID string) (*scheduler.TriggerResult, error)
	Health(ctx context.Context) (scheduler.HealthReport, error)
}

// RunReader looks up run records
type RunReader interface {
	Get(ctx context.Context, key string) (*ledger.Run, error)
	Recent(ctx context.Context, configurationID string, limit int) ([]*ledger.Run, error)
}

// DigestArchive reads archived digests
type DigestArchive interface {
	Get(ctx context.Context, runKey string) (*archive.Entry, error)
	Latest(ctx context.Context, configurationID string) (*archive.Entry, error)
}

// Deps are the collaborators of the admin server
type Deps struct {
	Scheduler Scheduler
	Runs      RunReader
	Archive   DigestArchive // may be nil
	Metrics   http.Handler  // may be nil
}

// Server is the admin HTTP server
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

// New builds the router
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		config: config,
		deps:   deps,
		logger: logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.CleanPath)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/configurations/{id}", func(r chi.Router) {
			r.Post("/trigger", s.handleTrigger)
			r.Get("/runs", s.handleRecentRuns)
			r.Get("/digest", s.handleLatestDigest)
		})
		r.Route("/runs/{key}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/digest", s.handleRunDigest)
		})
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "address", s.config.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

// requestLogger logs one line per request with the chi request id
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			s.logger.LogAttrs(r.Context(), level, "admin request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		}()

		next.ServeHTTP(ww, r)
	})
}
