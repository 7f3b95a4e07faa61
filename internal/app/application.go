// Package app wires the service together. Components are initialized in
// dependency order (store, multiplexer, notifier, coordinator, reaper,
// API, HTTP server) and shut down in reverse.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"spotter/internal/api"
	"spotter/internal/channel"
	"spotter/internal/config"
	"spotter/internal/coordinator"
	"spotter/internal/metrics"
	"spotter/internal/notify"
	"spotter/internal/reaper"
	"spotter/internal/store"
)

// Application holds every long-lived component of the coordinator service.
type Application struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      store.Store
	notifier   notify.Notifier
	reaper     *reaper.Reaper
	httpServer *http.Server

	cancel context.CancelFunc
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.New(store.Config{
		Backend: store.Backend(cfg.Store.Backend),
		SQLite: store.SQLiteConfig{
			Path:           cfg.Store.SQLite.Path,
			MaxConnections: cfg.Store.SQLite.MaxConnections,
			WriteTimeout:   cfg.Store.SQLite.WriteTimeout,
		},
		Redis: store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	mux := channel.NewMultiplexer(logger, m)

	notifier, err := newNotifier(cfg.Notifier, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	coord := coordinator.New(st, mux, notifier, logger, m)

	rpr := reaper.New(coord, reaper.Config{
		Interval:          cfg.Reaper.Interval,
		AcceptanceTimeout: cfg.Session.AcceptanceTimeout,
		HeartbeatTimeout:  cfg.Session.HeartbeatTimeout,
	}, logger, m)

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	apiServer := api.NewServer(coord, mux, st, cfg.WebSocket, metricsHandler, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		notifier:   notifier,
		reaper:     rpr,
		httpServer: httpServer,
	}, nil
}

func newNotifier(cfg config.NotifierConfig, logger *zap.Logger) (notify.Notifier, error) {
	if cfg.Backend == "amqp" {
		return notify.NewAMQPNotifier(cfg.AMQPURL, cfg.Exchange)
	}
	return notify.NewLogNotifier(logger), nil
}

// Start launches the reaper and the HTTP listener. It returns once the
// listener is accepting connections or startup failed.
func (app *Application) Start(ctx context.Context) error {
	ctx, app.cancel = context.WithCancel(ctx)
	app.reaper.Start(ctx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.reaper.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("spotter started", zap.String("addr", app.httpServer.Addr))
		return nil
	case <-ctx.Done():
		app.reaper.Stop()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse dependency order: listener,
// reaper, notifier, store.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("http server shutdown error", zap.Error(err))
	}
	app.reaper.Stop()
	if app.cancel != nil {
		app.cancel()
	}
	if err := app.notifier.Close(); err != nil {
		app.logger.Warn("notifier shutdown error", zap.Error(err))
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("store shutdown error", zap.Error(err))
	}

	app.logger.Info("shutdown complete")
	return nil
}

// Addr returns the listen address, for tests and logs.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
