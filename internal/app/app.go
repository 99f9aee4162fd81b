// Package app wires configuration, logging, the key store, the
// license manager and the HTTP surfaces into a runnable server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keyforge/internal/config"
	"keyforge/internal/infrastructure"
	"keyforge/internal/license"
	custommw "keyforge/internal/middleware"
	"keyforge/internal/store"
	handlers "keyforge/internal/transport/http"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Application is the dependency container for the server
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   *store.Store
	Manager *license.Manager
	Metrics *infrastructure.Metrics
	Router  *chi.Mux
	Server  *http.Server

	tracingShutdown infrastructure.TracerProviderShutdown
}

// New builds the application from configuration
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds the application from an explicit configuration,
// used by tests
func NewWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", "keyforge"),
		slog.String("version", Version),
		slog.String("store_path", cfg.Store.Path))

	tracingShutdown, err := infrastructure.InitTracing(cfg.Tracing, "keyforge", Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	metrics := infrastructure.NewMetrics()

	st := store.Open(cfg.Store.Path, store.Settings{
		KeyRole:       "KeyManager",
		DefaultResets: cfg.Store.DefaultResets,
	}, logger)

	mirror := license.NewMirror(cfg.Mirror, metrics, logger)
	if mirror == nil {
		logger.Info("external key mirror disabled")
	}

	manager := license.NewManager(st, mirror, metrics, logger)

	app := &Application{
		Config:          cfg,
		Logger:          logger,
		Store:           st,
		Manager:         manager,
		Metrics:         metrics,
		tracingShutdown: tracingShutdown,
	}

	app.setupRouter()
	app.Server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	health := handlers.NewHealthHandler(Version, a.Store, a.Logger)
	r.Get("/", health.Root)
	r.Get("/healthz", health.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		a.Metrics.Registry, promhttp.HandlerOpts{}))

	// Public validation surface, rate limited
	validation := handlers.NewValidationHandler(a.Manager, a.Metrics, a.Logger)
	r.Group(func(r chi.Router) {
		if a.Config.Server.RateLimit.Enabled {
			rl := custommw.NewRateLimiter(
				a.Config.Server.RateLimit.RPS,
				a.Config.Server.RateLimit.Burst,
				a.Logger)
			r.Use(rl.Handler)
		}
		r.Post("/check", validation.Check)
		r.Post("/activate", validation.Activate)
	})

	// Administrative command surface
	admin := handlers.NewAdminHandler(a.Manager, a.Logger)
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(custommw.AdminAuth(a.Config.Admin.Token, a.Logger))
		r.Mount("/", admin.Routes())
	})

	a.Router = r
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then
// shuts down gracefully
func (a *Application) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-stop:
		a.Logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	return a.Shutdown()
}

// Shutdown stops the server, flushes traces and closes the log file
func (a *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("http server shutdown failed", slog.String("error", err.Error()))
	}
	if a.tracingShutdown != nil {
		if err := a.tracingShutdown(ctx); err != nil {
			a.Logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}

	a.Logger.Info("application stopped")
	return infrastructure.CloseLogFile()
}
