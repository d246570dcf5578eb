package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/config"
	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/internal/graph/inmem"
	"github.com/scrypster/graphsync/internal/graph/neo4j"
	"github.com/scrypster/graphsync/internal/notify"
	"github.com/scrypster/graphsync/internal/orphan"
	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/internal/storage/postgres"
	"github.com/scrypster/graphsync/internal/storage/sqlite"
	"github.com/scrypster/graphsync/internal/worker"
)

// backend is an opened system of record with the notifier that wakes its
// workers.
type backend struct {
	store    storage.Store
	notifier storage.Notifier
}

func (b *backend) Close() error {
	var errs []error
	if b.notifier != nil {
		errs = append(errs, b.notifier.Close())
	}
	errs = append(errs, b.store.Close())
	return errors.Join(errs...)
}

// wakeSource resolves which notifier wakes workers of the engine. PostgreSQL
// enqueues never reach an in-process notifier, so that engine always listens
// on its queue channel; "local", the default mode, is upgraded to it.
func wakeSource(engine, mode string) (string, error) {
	switch engine {
	case "sqlite":
		if mode == "local" || mode == "file" {
			return mode, nil
		}
		return "", fmt.Errorf("notify mode %q requires the postgres store", mode)
	case "postgres":
		if mode == "local" || mode == "postgres" {
			return "postgres", nil
		}
		return "", fmt.Errorf("notify mode %q is not supported with the postgres store", mode)
	}
	return "", fmt.Errorf("unknown store engine %q", engine)
}

// openBackend opens the configured store. SQLite stores signal the notifier
// themselves; PostgreSQL signals through its queue trigger.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	source, err := wakeSource(cfg.Store.Engine, cfg.Notify.Mode)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Engine == "postgres" {
		store, err := postgres.Open(ctx, cfg.Store.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		l, err := store.Listen()
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		return &backend{store: store, notifier: l}, nil
	}

	var n storage.Notifier
	if source == "file" {
		fn, err := notify.NewFileNotifier(cfg.Notify.Dir, notify.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		n = fn
	} else {
		n = notify.NewLocal()
	}
	if dir := filepath.Dir(cfg.Store.DSN); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	store, err := sqlite.Open(ctx, cfg.Store.DSN, sqlite.WithNotifier(n), sqlite.WithLogger(logger))
	if err != nil {
		_ = n.Close()
		return nil, err
	}
	return &backend{store: store, notifier: n}, nil
}

// openGraph connects the configured adapter behind a circuit breaker.
func openGraph(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*graph.Breaker, error) {
	var adapter graph.Adapter
	switch cfg.Graph.Adapter {
	case "memory":
		adapter = inmem.New()
	case "neo4j":
		adapter = neo4j.New(neo4j.Config{
			URI:         cfg.Graph.URI,
			Username:    cfg.Graph.Username,
			Password:    cfg.Graph.Password,
			Database:    cfg.Graph.Database,
			Dialect:     neo4j.Dialect(cfg.Graph.Dialect),
			MaxPoolSize: cfg.Graph.MaxPoolSize,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown graph adapter %q", cfg.Graph.Adapter)
	}

	b := graph.NewBreaker(adapter, graph.BreakerConfig{MaxFailures: cfg.Graph.BreakerFailures}, logger)
	if err := b.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect graph: %w", err)
	}
	return b, nil
}

func workerConfig(cfg *config.Config) worker.Config {
	wc := worker.DefaultConfig()
	wc.BatchSize = cfg.Sync.BatchSize
	wc.MaxAttempts = cfg.Sync.RetryAttempts
	wc.Backoff = worker.Backoff{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax}
	wc.StaleAfter = cfg.Sync.StaleAfter
	wc.WritesPerSecond = cfg.Sync.WritesPerSecond
	wc.ShutdownTimeout = cfg.Sync.ShutdownTimeout
	wc.Orphan.Cleanup = cfg.Sync.OrphanCleanup
	wc.Orphan.Bounds = orphan.Bounds{MaxHops: cfg.Sync.MaxHops}
	return wc
}
