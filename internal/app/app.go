// Package app initializes and orchestrates the main components of the
// HookCI service: configuration, state, dispatching, execution, and the
// HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sevigo/hookci/internal/catalog"
	"github.com/sevigo/hookci/internal/config"
	"github.com/sevigo/hookci/internal/core"
	"github.com/sevigo/hookci/internal/db"
	"github.com/sevigo/hookci/internal/dispatch"
	"github.com/sevigo/hookci/internal/github"
	"github.com/sevigo/hookci/internal/gitutil"
	"github.com/sevigo/hookci/internal/runner"
	"github.com/sevigo/hookci/internal/server"
	"github.com/sevigo/hookci/internal/state"
	"github.com/sevigo/hookci/internal/storage"
)

// App holds the main application components.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	server     *server.Server
	dispatcher *dispatch.Dispatcher
	pool       *dispatch.Pool
	dbClose    func()
}

// NewApp sets up the application with all its dependencies and, when
// persistence is enabled, rehydrates PR state from the database.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("initializing HookCI",
		"workers", cfg.Workers,
		"worker_concurrency", cfg.WorkerConcurrency,
		"queue_size", cfg.QueueSize,
		"retention", cfg.Retention,
		"persistence", cfg.Persistence)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load job catalog: %w", err)
	}

	provider, err := newClientProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(cfg.Retention)

	var persister dispatch.Persister
	var dbClose func()
	if cfg.Persistence {
		dbConn, closeDB, err := db.NewDatabase(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		dbClose = closeDB

		snapshots := storage.NewSnapshotStore(dbConn.DB)
		persister = snapshots

		states, err := snapshots.LoadAll(ctx)
		if err != nil {
			dbClose()
			return nil, fmt.Errorf("failed to rehydrate PR state: %w", err)
		}
		for _, st := range states {
			store.Restore(st)
		}
		logger.Info("rehydrated PR state from database", "tracked_prs", len(states))
	}

	reporter := github.NewReporter(provider, logger)
	labels := github.NewLabelFetcher(provider)
	jobRunner := runner.NewCommandRunner(gitutil.NewClient(logger), provider, logger)

	pool := dispatch.NewPool(cfg.Workers, cfg.WorkerConcurrency, cfg.QueueSize, jobRunner, logger)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		EventBuffer:      cfg.EventBuffer,
		Retention:        cfg.Retention,
		ReporterAttempts: cfg.ReporterAttempts,
		ReporterBackoff: core.Backoff{
			Initial: cfg.ReporterBackoffInitial,
			Max:     cfg.ReporterBackoffMax,
			Factor:  2,
		},
	}, store, cat, pool, reporter, labels, persister, logger)

	dispatcher.Start(ctx)

	httpServer := server.NewServer(cfg.ServerPort, cfg.GitHubWebhookSecret, dispatcher, dispatcher, logger)

	logger.Info("HookCI initialized successfully")
	return &App{
		cfg:        cfg,
		logger:     logger,
		server:     httpServer,
		dispatcher: dispatcher,
		pool:       pool,
		dbClose:    dbClose,
	}, nil
}

// Start runs the HTTP server and blocks until it stops.
func (a *App) Start() error {
	a.logger.Info("starting HookCI", "server_port", a.cfg.ServerPort)
	return a.server.Start()
}

// Stop shuts the service down cleanly: stop accepting deliveries, drain the
// event queue, let busy slots finish, then release external resources.
func (a *App) Stop() error {
	a.logger.Info("shutting down HookCI services")

	serverErr := a.server.Stop()
	if serverErr != nil {
		a.logger.Error("error during HTTP server shutdown", "error", serverErr)
	}

	a.dispatcher.Stop()
	a.pool.Stop()

	if a.dbClose != nil {
		a.logger.Info("closing database connection")
		a.dbClose()
	}

	if serverErr != nil {
		return serverErr
	}
	a.logger.Info("HookCI stopped successfully")
	return nil
}

func newClientProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (github.ClientProvider, error) {
	if cfg.GitHubToken != "" {
		logger.Info("using personal access token authentication")
		return github.NewPATClientProvider(ctx, cfg.GitHubToken, logger), nil
	}

	logger.Info("using GitHub App authentication", "app_id", cfg.GitHubAppID)
	provider, err := github.NewAppClientProvider(cfg.GitHubAppID, cfg.GitHubPrivateKeyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub App client provider: %w", err)
	}
	return provider, nil
}
