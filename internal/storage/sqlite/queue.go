package sqlite

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

// querier is satisfied by *sql.DB and *sql.Tx.
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
		e          types.QueueEntry
		seq        int64
		snapshot   sql.NullString
		enqueuedAt int64
		visibleAt  int64
		claimedAt  sql.NullInt64
		updatedAt  int64
	)
	err := sc.Scan(&seq, &e.EntryID, &e.Operation, &e.EntityType, &e.EntityID, &snapshot,
		&enqueuedAt, &e.Attempts, &e.Status, &e.LastError, &visibleAt, &e.ClaimedBy, &claimedAt, &updatedAt)
	if err != nil {
		return nil, 0, err
	}
	if snapshot.Valid && snapshot.String != "" {
		e.PayloadSnapshot = []byte(snapshot.String)
	}
	e.EnqueuedAt = fromMillis(enqueuedAt)
	e.VisibleAt = fromMillis(visibleAt)
	e.UpdatedAt = fromMillis(updatedAt)
	if claimedAt.Valid {
		t := fromMillis(claimedAt.Int64)
		e.ClaimedAt = &t
	}
	return &e, seq, nil
}

func (s *Store) enqueue(ctx context.Context, q querier, req storage.EnqueueRequest) (*types.QueueEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.nowMillis()
	var snapshot any
	if len(req.PayloadSnapshot) > 0 {
		snapshot = string(req.PayloadSnapshot)
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO sync_queue (entry_id, operation, entity_type, entity_id, payload_snapshot,
			enqueued_at, attempts, status, visible_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 'pending', ?, ?)
		RETURNING `+entryColumns,
		uuid.NewString(), req.Operation, req.EntityType, req.EntityID, snapshot, now, now, now)
	e, _, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: enqueue %s %s/%s: %w", req.Operation, req.EntityType, req.EntityID, err)
	}
	return e, nil
}

func (s *Store) Enqueue(ctx context.Context, req storage.EnqueueRequest) (*types.QueueEntry, error) {
	e, err := s.enqueue(ctx, s.db, req)
	if err != nil {
		return nil, err
	}
	s.signal(ctx)
	return e, nil
}

func (s *Store) Claim(ctx context.Context, workerID string, limit int) ([]*types.QueueEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: claim limit must be positive", storage.ErrInvalidInput)
	}
	now := s.nowMillis()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sync_queue
		SET status = 'processing', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE seq IN (
			SELECT seq FROM sync_queue
			WHERE status = 'pending' AND visible_at <= ?
			ORDER BY seq
			LIMIT ?
		)
		RETURNING `+entryColumns,
		workerID, now, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim: %w", err)
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
			return nil, fmt.Errorf("sqlite: claim scan: %w", err)
		}
		out = append(out, claimed{seq, e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: claim: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	entries := make([]*types.QueueEntry, len(out))
	for i, c := range out {
		entries[i] = c.entry
	}
	return entries, nil
}

// transition runs a conditional status update. set is the SET clause body
// after status; its arguments come before the entry id.
func (s *Store) transition(ctx context.Context, entryID string, from, to types.EntryStatus, set string, args ...any) error {
	if !types.IsValidStatusTransition(from, to) {
		return storage.TransitionError(entryID, true, from, to)
	}
	args = append(args, s.nowMillis(), entryID, from)
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET status = '"+string(to)+"'"+set+", updated_at = ? WHERE entry_id = ? AND status = ?",
		args...)
	if err != nil {
		return fmt.Errorf("sqlite: %s -> %s %s: %w", from, to, entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return storage.TransitionError(entryID, s.exists(ctx, entryID), from, to)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, entryID string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sync_queue WHERE entry_id = ?", entryID).Scan(&one)
	return err == nil
}

func (s *Store) Complete(ctx context.Context, entryID string) error {
	return s.transition(ctx, entryID, types.EntryProcessing, types.EntryDone, ", last_error = ''")
}

func (s *Store) Retry(ctx context.Context, entryID, lastErr string, visibleAt time.Time) error {
	err := s.transition(ctx, entryID, types.EntryProcessing, types.EntryPending,
		", attempts = attempts + 1, last_error = ?, visible_at = ?, claimed_by = '', claimed_at = NULL",
		lastErr, toMillis(visibleAt))
	if err == nil {
		s.signal(ctx)
	}
	return err
}

func (s *Store) Fail(ctx context.Context, entryID, lastErr string) error {
	return s.transition(ctx, entryID, types.EntryProcessing, types.EntryFailed,
		", attempts = attempts + 1, last_error = ?, claimed_at = NULL", lastErr)
}

func (s *Store) Release(ctx context.Context, entryID string) error {
	err := s.transition(ctx, entryID, types.EntryProcessing, types.EntryPending,
		", visible_at = ?, claimed_by = '', claimed_at = NULL", s.nowMillis())
	if err == nil {
		s.signal(ctx)
	}
	return err
}

func (s *Store) Requeue(ctx context.Context, entryID string) error {
	err := s.transition(ctx, entryID, types.EntryFailed, types.EntryPending,
		", attempts = 0, visible_at = ?, claimed_by = '', claimed_at = NULL", s.nowMillis())
	if err == nil {
		s.signal(ctx)
	}
	return err
}

func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', claimed_by = '', claimed_at = NULL, visible_at = ?, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?`,
		toMillis(now), toMillis(now), toMillis(now.Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n > 0 {
		s.signal(ctx)
	}
	return int(n), nil
}

func (s *Store) Get(ctx context.Context, entryID string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM sync_queue WHERE entry_id = ?", entryID)
	e, _, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", entryID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get entry %s: %w", entryID, err)
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

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT "+entryColumns+" FROM sync_queue ORDER BY seq LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT "+entryColumns+" FROM sync_queue WHERE status = ? ORDER BY seq LIMIT ?", status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entries: %w", err)
	}
	defer rows.Close()

	var out []*types.QueueEntry
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Counts(ctx context.Context) (types.QueueCounts, error) {
	var c types.QueueCounts
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return c, fmt.Errorf("sqlite: counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status types.EntryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("sqlite: counts scan: %w", err)
		}
		switch status {
		case types.EntryPending:
			c.Pending = n
		case types.EntryProcessing:
			c.Processing = n
		case types.EntryDone:
			c.Done = n
		case types.EntryFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

func (s *Store) NextVisibleAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(visible_at) FROM sync_queue WHERE status = 'pending' AND visible_at > ?",
		s.nowMillis()).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite: next visible: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(next.Int64), true, nil
}
