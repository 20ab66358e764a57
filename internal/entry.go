// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/starford/scoreroom/internal/api"
	"github.com/starford/scoreroom/internal/collab"
	"github.com/starford/scoreroom/internal/identity"
	"github.com/starford/scoreroom/internal/scoreservice"
	"github.com/starford/scoreroom/internal/session"
	"github.com/starford/scoreroom/internal/stats"
	"github.com/starford/scoreroom/internal/store"
	"github.com/starford/scoreroom/internal/store/postgres"
	"github.com/starford/scoreroom/internal/store/sqlite"
	"github.com/starford/scoreroom/internal/transport/ws"
	pkgconfig "github.com/starford/scoreroom/pkg/config"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger. The level can change at runtime.
	level := new(slog.LevelVar)
	level.Set(cfg.App.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("stats_driver", cfg.Stats.Driver),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Initialize composition store.
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	// Initialize counters.
	counter, closeCounter, err := newCounter(ctx, cfg.Stats, st)
	if err != nil {
		return fmt.Errorf("init stats: %w", err)
	}
	defer closeCounter()

	verifier := identity.NewVerifier(st, []byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)

	// Collaboration core.
	registry := session.NewRegistry()
	broker := collab.NewBroker(registry, st, verifier,
		collab.WithCounter(counter),
		collab.WithLogger(logger),
		collab.WithOutboundBuffer(cfg.App.WS.OutboundBuffer))

	wsSettings := ws.DefaultSettings()
	wsSettings.AllowedOrigins = cfg.App.WS.AllowedOrigins
	wsSettings.ReadLimit = cfg.App.WS.ReadLimit
	wsSettings.WriteTimeout = cfg.App.WS.WriteTimeout
	wsSettings.PongTimeout = cfg.App.WS.PongTimeout
	wsSettings.PingInterval = cfg.App.WS.PongTimeout * 9 / 10
	wsHandler := ws.NewHandler(broker, logger, wsSettings)

	// Build API service and router.
	svc := scoreservice.NewService(st, counter, logger)
	apiRouter := api.NewRouter(svc, verifier)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", api.Live)
	r.Get("/health/ready", api.Ready(st))

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	// Collaboration endpoint; the handshake authenticates itself.
	r.Handle("/ws", wsHandler)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: cfg.App.HTTP.ReadHeaderTimeout,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Reload the log level when the config file changes.
	if app.configPath != "" {
		g.Go(func() error {
			err := pkgconfig.Watch(gCtx, app.configPath, logger, func() {
				next, err := pkgconfig.Reload(app.configPath, NewDefaultConfig)
				if err != nil {
					logger.Warn("config reload failed", slog.String("error", err.Error()))
					return
				}
				level.Set(next.App.LogLevel)
				logger.Info("config reloaded", slog.String("log_level", next.App.LogLevel.String()))
			})
			if err != nil {
				logger.Warn("config watcher disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// Hijacked WebSocket connections are not tracked by Shutdown; closing
		// the registry closes the queue of every attached participant, in a room
		// or not, which ends them.
		registry.Close()

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the errgroup context so the watcher stops with the server.
var errShutdown = errors.New("shutdown")

// Migrate applies the store schema and exits.
func Migrate(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config.Store
	switch cfg.Driver {
	case StoreDriverPostgres:
		if err := postgres.Migrate(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	default:
		// Opening applies the schema.
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		if err := db.Close(); err != nil {
			return err
		}
	}
	slog.Info("migrations applied", slog.String("store_driver", cfg.Driver))
	return nil
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case StoreDriverPostgres:
		return postgres.Open(ctx, cfg.Postgres.DSN)
	default:
		return sqlite.Open(cfg.SQLite.Path)
	}
}

func newCounter(ctx context.Context, cfg StatsConfig, st store.Store) (stats.Counter, func(), error) {
	if cfg.Driver != StatsDriverRedis {
		return stats.NewStoreCounter(st), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	return stats.NewRedis(client, cfg.Redis.Prefix), func() { client.Close() }, nil
}
