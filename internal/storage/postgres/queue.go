package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/pkg/types"
)

// DefaultListLimit applies when List is called without a limit.
const DefaultListLimit = 100

const entryColumns = `seq, entry_id, operation, entity_type, entity_id, payload_snapshot,
	enqueued_at, attempts, status, last_error, visible_at, claimed_by, claimed_at, updated_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*types.QueueEntry, int64, error) {
	var (
		e         types.QueueEntry
		seq       int64
		snapshot  []byte
		claimedAt sql.NullTime
	)
	err := sc.Scan(&seq, &e.EntryID, &e.Operation, &e.EntityType, &e.EntityID, &snapshot,
		&e.EnqueuedAt, &e.Attempts, &e.Status, &e.LastError, &e.VisibleAt, &e.ClaimedBy, &claimedAt, &e.UpdatedAt)
	if err != nil {
		return nil, 0, err
	}
	if len(snapshot) > 0 {
		e.PayloadSnapshot = snapshot
	}
	e.EnqueuedAt = e.EnqueuedAt.UTC()
	e.VisibleAt = e.VisibleAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		e.ClaimedAt = &t
	}
	return &e, seq, nil
}

func scanEntries(rows *sql.Rows) ([]*types.QueueEntry, error) {
	defer rows.Close()
	var out []*types.QueueEntry
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) enqueue(ctx context.Context, q querier, req storage.EnqueueRequest) (*types.QueueEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.utcNow()
	var snapshot any
	if len(req.PayloadSnapshot) > 0 {
		snapshot = string(req.PayloadSnapshot)
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO sync_queue (entry_id, operation, entity_type, entity_id, payload_snapshot,
			enqueued_at, attempts, status, visible_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, 0, 'pending', $6, $6)
		RETURNING `+entryColumns,
		uuid.NewString(), req.Operation, req.EntityType, req.EntityID, snapshot, now)
	e, _, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: enqueue %s %s/%s: %w", req.Operation, req.EntityType, req.EntityID, err)
	}
	return e, nil
}

func (s *Store) Enqueue(ctx context.Context, req storage.EnqueueRequest) (*types.QueueEntry, error) {
	return s.enqueue(ctx, s.db, req)
}

func (s *Store) Claim(ctx context.Context, workerID string, limit int) ([]*types.QueueEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: claim limit must be positive", storage.ErrInvalidInput)
	}
	now := s.utcNow()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sync_queue
		SET status = 'processing', claimed_by = $1, claimed_at = $3, updated_at = $3
		WHERE seq IN (
			SELECT seq FROM sync_queue
			WHERE status = 'pending' AND visible_at <= $3
			ORDER BY seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns,
		workerID, limit, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		seq   int64
		entry *types.QueueEntry
	}
	var out []claimed
	for rows.Next() {
		e, seq, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: claim scan: %w", err)
		}
		out = append(out, claimed{seq, e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: claim: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	entries := make([]*types.QueueEntry, len(out))
	for i, c := range out {
		entries[i] = c.entry
	}
	return entries, nil
}

// transition runs a conditional status update. set is appended after the
// status assignment and may reference $4 onwards.
func (s *Store) transition(ctx context.Context, entryID string, from, to types.EntryStatus, set string, args ...any) error {
	if !types.IsValidStatusTransition(from, to) {
		return storage.TransitionError(entryID, true, from, to)
	}
	if _, err := uuid.Parse(entryID); err != nil {
		return storage.TransitionError(entryID, false, from, to)
	}
	args = append([]any{entryID, string(from), s.utcNow()}, args...)
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = '"+string(to)+"', updated_at = $3"+set+" WHERE entry_id = $1 AND status = $2",
		args...)
	if err != nil {
		return fmt.Errorf("postgres: %s -> %s %s: %w", from, to, entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return storage.TransitionError(entryID, s.exists(ctx, entryID), from, to)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, entryID string) bool {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1 FROM sync_queue WHERE entry_id = $1", entryID).Scan(&one) == nil
}

func (s *Store) Complete(ctx context.Context, entryID string) error {
	return s.transition(ctx, entryID, types.EntryProcessing, types.EntryDone, ", last_error = ''")
}

func (s *Store) Retry(ctx context.Context, entryID, lastErr string, visibleAt time.Time) error {
	return s.transition(ctx, entryID, types.EntryProcessing, types.EntryPending,
		", attempts = attempts + 1, last_error = $4, visible_at = $5, claimed_by = '', claimed_at = NULL",
		lastErr, visibleAt.UTC())
}

func (s *Store) Fail(ctx context.Context, entryID, lastErr string) error {
	return s.transition(ctx, entryID, types.EntryProcessing, types.EntryFailed,
		", attempts = attempts + 1, last_error = $4, claimed_at = NULL", lastErr)
}

func (s *Store) Release(ctx context.Context, entryID string) error {
	return s.transition(ctx, entryID, types.EntryProcessing, types.EntryPending,
		", visible_at = $3, claimed_by = '', claimed_at = NULL")
}

func (s *Store) Requeue(ctx context.Context, entryID string) error {
	return s.transition(ctx, entryID, types.EntryFailed, types.EntryPending,
		", attempts = 0, visible_at = $3, claimed_by = '', claimed_at = NULL")
}

func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.utcNow()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', claimed_by = '', claimed_at = NULL, visible_at = $1, updated_at = $1
		WHERE status = 'processing' AND claimed_at < $2`,
		now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("postgres: recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) Get(ctx context.Context, entryID string) (*types.QueueEntry, error) {
	if _, err := uuid.Parse(entryID); err != nil {
		return nil, fmt.Errorf("entry %s: %w", entryID, storage.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM sync_queue WHERE entry_id = $1", entryID)
	e, _, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", entryID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get entry %s: %w", entryID, err)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, status types.EntryStatus, limit int) ([]*types.QueueEntry, error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", storage.ErrInvalidInput, status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM sync_queue WHERE ($1 = '' OR status = $1) ORDER BY seq LIMIT $2",
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries: %w", err)
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list entries: %w", err)
	}
	return out, nil
}

func (s *Store) Counts(ctx context.Context) (types.QueueCounts, error) {
	var c types.QueueCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'done'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM sync_queue`).Scan(&c.Pending, &c.Processing, &c.Done, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("postgres: counts: %w", err)
	}
	return c, nil
}

func (s *Store) NextVisibleAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(visible_at) FROM sync_queue WHERE status = 'pending' AND visible_at > $1",
		s.utcNow()).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: next visible: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return next.Time.UTC(), true, nil
}
