package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/pkg/types"
)

func (s *Store) GetDocument(ctx context.Context, entityType types.EntityType, id string) (*types.Document, error) {
	var (
		body      string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT body, updated_at FROM documents WHERE entity_type = ? AND entity_id = ?",
		entityType, id).Scan(&body, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s/%s: %w", entityType, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get document %s/%s: %w", entityType, id, err)
	}
	return &types.Document{EntityType: entityType, EntityID: id, Body: []byte(body), UpdatedAt: fromMillis(updatedAt)}, nil
}

func (s *Store) putDocument(ctx context.Context, q querier, doc *types.Document) error {
	if err := storage.ValidateDocument(doc); err != nil {
		return err
	}
	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (entity_type, entity_id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		doc.EntityType, doc.EntityID, string(doc.Body), toMillis(updated))
	if err != nil {
		return fmt.Errorf("sqlite: put document %s/%s: %w", doc.EntityType, doc.EntityID, err)
	}
	return nil
}

func (s *Store) PutDocument(ctx context.Context, doc *types.Document) error {
	return s.putDocument(ctx, s.db, doc)
}

func (s *Store) DeleteDocument(ctx context.Context, entityType types.EntityType, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE entity_type = ? AND entity_id = ?", entityType, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete document %s/%s: %w", entityType, id, err)
	}
	return nil
}

func (s *Store) PutAndEnqueue(ctx context.Context, doc *types.Document) (*types.QueueEntry, error) {
	if err := storage.ValidateDocument(doc); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.putDocument(ctx, tx, doc); err != nil {
		return nil, err
	}
	e, err := s.enqueue(ctx, tx, storage.EnqueueRequest{
		Operation:  types.OperationUpsert,
		EntityType: doc.EntityType,
		EntityID:   doc.EntityID,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	s.signal(ctx)
	return e, nil
}

func (s *Store) DeleteAndEnqueue(ctx context.Context, entityType types.EntityType, id string) (*types.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snapshot []byte
	var body string
	err = tx.QueryRowContext(ctx,
		"DELETE FROM documents WHERE entity_type = ? AND entity_id = ? RETURNING body",
		entityType, id).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("sqlite: delete document %s/%s: %w", entityType, id, err)
	default:
		snapshot = []byte(body)
	}

	e, err := s.enqueue(ctx, tx, storage.EnqueueRequest{
		Operation:       types.OperationDelete,
		EntityType:      entityType,
		EntityID:        id,
		PayloadSnapshot: snapshot,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	s.signal(ctx)
	return e, nil
}
