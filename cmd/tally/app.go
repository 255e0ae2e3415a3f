package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/Veraticus/tally/internal/config"
	"github.com/Veraticus/tally/internal/engine"
	"github.com/Veraticus/tally/internal/recurrence"
	"github.com/Veraticus/tally/internal/repository"
	"github.com/Veraticus/tally/internal/storage"
	"github.com/Veraticus/tally/internal/templatesync"
)

// app wires the store, repository, generator and engine for one command.
type app struct {
	cfg       *config.Config
	store     *storage.SQLiteStorage
	repo      *repository.Repository
	generator *recurrence.Generator
	engine    *engine.ExpenseEngine
}

// openApp opens the configured database, applies pending migrations and
// builds the engine. A non-empty policy overrides sync.policy.
func openApp(ctx context.Context, policy string) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if policy != "" {
		cfg.Sync.Policy = policy
		if _, err := templatesync.ParsePolicy(policy); err != nil {
			return nil, err
		}
	}

	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}
	recCfg, err := cfg.RecurrenceConfig()
	if err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	repo := repository.New(store,
		repository.WithLimits(limits),
		repository.WithRetry(cfg.RetryOptions()),
	)
	generator := recurrence.NewGenerator(repo, recCfg)
	synchronizer := templatesync.New(repo, cfg.SyncPolicy())

	slog.Debug("opened expense store", "database", cfg.Database.Path, "policy", synchronizer.Policy())

	return &app{
		cfg:       cfg,
		store:     store,
		repo:      repo,
		generator: generator,
		engine:    engine.NewWithConfig(repo, generator, synchronizer, cfg.EngineConfig()),
	}, nil
}

// Close waits for background work and closes the database.
func (a *app) Close() {
	a.engine.Stop()
	a.repo.Wait()
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}
