// File: cmd/app.go
// Description: Shared component bootstrap for the subcommands. Builds the
// database pool and the sync components from loaded configuration and tears
// them down in reverse order.
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/internal/config"
	"github.com/taxokit/kwsync/internal/exporter"
	"github.com/taxokit/kwsync/internal/orchestrator"
	"github.com/taxokit/kwsync/internal/reconciler"
	"github.com/taxokit/kwsync/internal/store"
	"github.com/taxokit/kwsync/internal/transport"
)

// app holds the wired component graph for one command invocation.
type app struct {
	cfg          *config.Config
	log          *zap.Logger
	pool         *pgxpool.Pool
	store        *store.Store
	exporter     *exporter.Exporter
	reconciler   *reconciler.Reconciler
	orchestrator *orchestrator.Orchestrator
}

// newApp connects to the database and wires every sync component.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL is not configured (set KWSYNC_DATABASE_URL or database.url)")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	exp := exporter.New(st, cfg.Sync.Source, cfg.Sync.StoreTimeout, logger)
	rec := reconciler.New(st, reconciler.Options{
		BatchSize:          cfg.Sync.BatchSize,
		PruneSubcategories: cfg.Sync.PruneSubcategories,
		Timeout:            cfg.Sync.StoreTimeout,
	}, logger)

	clients := make([]orchestrator.TargetClient, 0, len(cfg.Sync.Targets))
	for _, target := range cfg.Sync.Targets {
		clients = append(clients, transport.NewClient(cfg.Sync, target, logger))
	}
	orch := orchestrator.New(exp, clients, cfg.Sync.TransportTimeout, logger)

	return &app{
		cfg:          cfg,
		log:          logger,
		pool:         pool,
		store:        st,
		exporter:     exp,
		reconciler:   rec,
		orchestrator: orch,
	}, nil
}

// Close drains background runs and releases the pool.
func (a *app) Close() {
	a.orchestrator.Close()
	a.pool.Close()
}
