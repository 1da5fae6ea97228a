// Package app wires the application together: configuration, storage,
// per-tenant chat clients, the domain event subscriber, and the HTTP
// server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/config"
	"github.com/example/roomsync/internal/events"
	"github.com/example/roomsync/internal/server"
	"github.com/example/roomsync/internal/sqlite"
	"github.com/example/roomsync/pkg/logger"
)

// App holds the application's dependencies.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	SQLite  *sqlite.DB
	ChatMgr *chat.Manager
	Version string

	server     *server.Server
	subscriber *events.Subscriber
}

// Options contains configuration needed when creating a new App instance.
type Options struct {
	ConfigPath string
	Version    string
}

// New loads configuration and prepares an App.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &App{
		Config:  cfg,
		Logger:  logger.New(cfg.Logging.Level == "debug"),
		Version: opts.Version,
	}, nil
}

// Initialize sets up storage, chat clients, the event subscriber, and
// the HTTP server.
func (a *App) Initialize(_ context.Context) error {
	var err error

	a.SQLite, err = sqlite.New(sqlite.Options{
		Config: a.Config.SQLite,
		Logger: a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sqlite: %w", err)
	}

	a.ChatMgr, err = chat.NewManager(a.Config.Chat, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize chat clients: %w", err)
	}
	a.ChatMgr.StartBackgroundHealthChecks(a.Config.Chat.HealthCheckInterval)

	if a.Config.NATS.Enabled {
		adapter := events.NewAdapter(a.SQLite, a.ChatMgr, a.Logger)
		a.subscriber, err = events.NewSubscriber(a.Config.NATS, adapter, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect event subscriber: %w", err)
		}
		if err := a.subscriber.Start(); err != nil {
			return fmt.Errorf("failed to subscribe to domain events: %w", err)
		}
	} else {
		a.Logger.Warn("NATS disabled, domain events will not be consumed")
	}

	a.server = server.New(server.Options{
		Config:  a.Config,
		Logger:  a.Logger,
		SQLite:  a.SQLite,
		ChatMgr: a.ChatMgr,
		Version: a.Version,
	})

	return nil
}

// Start begins serving HTTP. Blocks until Shutdown.
func (a *App) Start() error {
	if a.server == nil {
		return fmt.Errorf("server not initialized")
	}
	a.Logger.Info("starting server", "version", a.Version)
	return a.server.Start()
}

// Shutdown stops all components: subscriber first so no new events
// arrive, then the HTTP server, then clients and storage.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if a.subscriber != nil {
		a.Logger.Info("draining event subscriptions")
		if err := a.subscriber.Close(); err != nil {
			a.Logger.Error("error draining event subscriptions", "error", err)
		}
	}

	if a.server != nil {
		serverDone := make(chan error, 1)
		go func() {
			serverDone <- a.server.Shutdown()
		}()
		select {
		case err := <-serverDone:
			if err != nil {
				a.Logger.Error("error shutting down server", "error", err)
			}
		case <-ctx.Done():
			a.Logger.Warn("timeout shutting down HTTP server, continuing")
		}
	}

	if a.ChatMgr != nil {
		if err := a.ChatMgr.Close(); err != nil {
			a.Logger.Error("error closing chat clients", "error", err)
		}
	}

	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Logger.Error("error closing sqlite", "error", err)
		}
	}

	a.Logger.Info("application shutdown complete")
	return nil
}
