// Package storage defines the system-of-record contracts the sync engine
// depends on: the durable sync queue, the canonical document store and the
// change notifier that wakes workers.
//
// Interfaces are kept small so a backend can be swapped per concern; the
// sqlite and postgres subpackages implement all of them.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/graphsync/pkg/types"
)

var (
	// ErrNotFound indicates that the requested entry or document does not
	// exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidTransition indicates a queue status change that the entry's
	// current status does not allow.
	ErrInvalidTransition = errors.New("storage: invalid status transition")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// EnqueueRequest describes a sync job to append to the queue.
type EnqueueRequest struct {
	Operation  types.SyncOperation
	EntityType types.EntityType
	EntityID   string

	// PayloadSnapshot is the last known document body. Required for deletes
	// of facts so their assertions can be withdrawn after the source is gone.
	PayloadSnapshot json.RawMessage
}

// Validate checks the request.
func (r EnqueueRequest) Validate() error {
	if !r.Operation.IsValid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, r.Operation)
	}
	if !r.EntityType.IsValid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, r.EntityType)
	}
	if r.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if len(r.PayloadSnapshot) > 0 && !json.Valid(r.PayloadSnapshot) {
		return fmt.Errorf("%w: payload snapshot is not valid JSON", ErrInvalidInput)
	}
	return nil
}

// SyncQueue is the durable at-least-once queue of sync jobs.
//
// Status changes are conditional writes: a change whose source status does
// not match returns ErrInvalidTransition, a missing entry ErrNotFound.
type SyncQueue interface {
	// Enqueue appends a pending entry visible immediately.
	Enqueue(ctx context.Context, req EnqueueRequest) (*types.QueueEntry, error)

	// Claim atomically moves up to limit visible pending entries to
	// processing, oldest first, recording workerID. Concurrent claimers never
	// receive the same entry.
	Claim(ctx context.Context, workerID string, limit int) ([]*types.QueueEntry, error)

	// Complete marks a processing entry done.
	Complete(ctx context.Context, entryID string) error

	// Retry returns a processing entry to pending, incrementing attempts and
	// hiding it until visibleAt.
	Retry(ctx context.Context, entryID, lastErr string, visibleAt time.Time) error

	// Fail marks a processing entry failed, incrementing attempts.
	Fail(ctx context.Context, entryID, lastErr string) error

	// Release hands a processing entry back as pending without counting an
	// attempt. Used on shutdown.
	Release(ctx context.Context, entryID string) error

	// Requeue moves a failed entry back to pending with its attempts reset.
	Requeue(ctx context.Context, entryID string) error

	// RecoverStale re-queues processing entries claimed before now-olderThan
	// and returns how many were recovered.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)

	Get(ctx context.Context, entryID string) (*types.QueueEntry, error)

	// List returns entries with the status, oldest first. An empty status
	// lists every entry.
	List(ctx context.Context, status types.EntryStatus, limit int) ([]*types.QueueEntry, error)

	Counts(ctx context.Context) (types.QueueCounts, error)

	// NextVisibleAt returns the earliest visibleAt of a pending entry that is
	// not visible yet. The boolean is false when there is none.
	NextVisibleAt(ctx context.Context) (time.Time, bool, error)
}

// DocumentStore exposes the canonical entity documents.
type DocumentStore interface {
	// GetDocument returns ErrNotFound when the document does not exist.
	GetDocument(ctx context.Context, entityType types.EntityType, id string) (*types.Document, error)

	PutDocument(ctx context.Context, doc *types.Document) error

	// DeleteDocument removes a document. Deleting a missing document is not
	// an error.
	DeleteDocument(ctx context.Context, entityType types.EntityType, id string) error
}

// Notifier wakes workers when entries become pending. Signals carry no data
// and coalesce: a subscriber that is busy sees at most one pending signal.
type Notifier interface {
	Notify(ctx context.Context) error

	// Subscribe returns a channel that receives a value after every Notify.
	// The subscription ends when ctx is done.
	Subscribe(ctx context.Context) (<-chan struct{}, error)

	Close() error
}

// Store is a complete system of record.
type Store interface {
	SyncQueue
	DocumentStore

	// PutAndEnqueue writes the document and enqueues its upsert in one
	// transaction.
	PutAndEnqueue(ctx context.Context, doc *types.Document) (*types.QueueEntry, error)

	// DeleteAndEnqueue removes the document and enqueues its delete in one
	// transaction, using the removed body as the payload snapshot.
	DeleteAndEnqueue(ctx context.Context, entityType types.EntityType, id string) (*types.QueueEntry, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// ValidateDocument checks a document before it is written.
func ValidateDocument(doc *types.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrInvalidInput)
	}
	if !doc.EntityType.IsValid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, doc.EntityType)
	}
	if doc.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if !json.Valid(doc.Body) {
		return fmt.Errorf("%w: document body is not valid JSON", ErrInvalidInput)
	}
	return nil
}

// TransitionError builds the error for a conditional status change that
// matched no row. exists reports whether the entry is present at all.
func TransitionError(entryID string, exists bool, from types.EntryStatus, to types.EntryStatus) error {
	if !exists {
		return fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	return fmt.Errorf("entry %s %s -> %s: %w", entryID, from, to, ErrInvalidTransition)
}
