package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/pkg/types"
)

func (s *Store) GetDocument(ctx context.Context, entityType types.EntityType, id string) (*types.Document, error) {
	doc := &types.Document{EntityType: entityType, EntityID: id}
	var body []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT body, updated_at FROM documents WHERE entity_type = $1 AND entity_id = $2",
		entityType, id).Scan(&body, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s/%s: %w", entityType, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get document %s/%s: %w", entityType, id, err)
	}
	doc.Body = body
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func (s *Store) putDocument(ctx context.Context, q querier, doc *types.Document) error {
	if err := storage.ValidateDocument(doc); err != nil {
		return err
	}
	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = s.utcNow()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (entity_type, entity_id, body, updated_at)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`,
		doc.EntityType, doc.EntityID, string(doc.Body), updated.UTC())
	if err != nil {
		return fmt.Errorf("postgres: put document %s/%s: %w", doc.EntityType, doc.EntityID, err)
	}
	return nil
}

func (s *Store) PutDocument(ctx context.Context, doc *types.Document) error {
	return s.putDocument(ctx, s.db, doc)
}

func (s *Store) DeleteDocument(ctx context.Context, entityType types.EntityType, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE entity_type = $1 AND entity_id = $2", entityType, id)
	if err != nil {
		return fmt.Errorf("postgres: delete document %s/%s: %w", entityType, id, err)
	}
	return nil
}

// PutAndEnqueue stores the document and its upsert entry in one transaction.
// The queue trigger announces the entry once the transaction commits.
func (s *Store) PutAndEnqueue(ctx context.Context, doc *types.Document) (*types.QueueEntry, error) {
	if err := storage.ValidateDocument(doc); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
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
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return e, nil
}

// DeleteAndEnqueue removes the document and enqueues a delete entry carrying
// its last body as the snapshot.
func (s *Store) DeleteAndEnqueue(ctx context.Context, entityType types.EntityType, id string) (*types.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snapshot []byte
	err = tx.QueryRowContext(ctx,
		"DELETE FROM documents WHERE entity_type = $1 AND entity_id = $2 RETURNING body",
		entityType, id).Scan(&snapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: delete document %s/%s: %w", entityType, id, err)
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
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return e, nil
}
