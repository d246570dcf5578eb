// Package sqlite implements the system of record on an embedded SQLite
// database: canonical documents, the durable sync queue and its migrations.
// It is CGO-free (modernc.org/sqlite).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/graphsync/internal/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements storage.Store on SQLite.
type Store struct {
	db       *sql.DB
	notifier storage.Notifier
	now      func() time.Time
	logger   *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNotifier signals n after every write that makes entries pending.
func WithNotifier(n storage.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens the database, recovering from stale WAL files left by a crashed
// process, and applies pending migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{now: time.Now, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}

	db, err := open(ctx, dsn)
	if err != nil && isRecoverableWALError(err) {
		if path := dbPathFromDSN(dsn); path != "" && isWALStale(path) {
			removeStaleWAL(path, s.logger)
			var retryErr error
			db, retryErr = open(ctx, dsn)
			if retryErr != nil {
				return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
			}
			s.logger.Warn("sqlite: recovered from stale WAL files", zap.String("path", path))
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}
	s.db = db

	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrations: %w", err)
	}
	mgr, err := storage.NewMigrationManager(ctx, db, sub, storage.PlaceholderQuestion)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if applied > 0 {
		s.logger.Info("sqlite: migrations applied", zap.Int("count", applied))
	}
	return s, nil
}

func open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// One writer at a time; a single connection serialises writes and makes
	// the claim UPDATE atomic with respect to other claimers in the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return db, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// signal wakes workers. Failures only delay processing until the next wake,
// so they are logged, not returned.
func (s *Store) signal(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx); err != nil {
		s.logger.Warn("sqlite: queue notification failed", zap.Error(err))
	}
}

func (s *Store) nowMillis() int64 { return toMillis(s.now()) }

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
