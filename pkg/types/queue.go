package types

import (
	"encoding/json"
	"time"
)

// SyncOperation is the kind of graph mutation a queue entry requests.
type SyncOperation string

const (
	OperationUpsert SyncOperation = "upsert"
	OperationDelete SyncOperation = "delete"
)

// IsValid reports whether op is a known operation.
func (op SyncOperation) IsValid() bool {
	return op == OperationUpsert || op == OperationDelete
}

// EntryStatus is the lifecycle state of a sync queue entry.
type EntryStatus string

const (
	// EntryPending is waiting to be claimed (possibly not yet visible
	// because of retry backoff).
	EntryPending EntryStatus = "pending"

	// EntryProcessing has been claimed by exactly one worker.
	EntryProcessing EntryStatus = "processing"

	// EntryDone was applied to the graph. Terminal.
	EntryDone EntryStatus = "done"

	// EntryFailed exhausted its attempts and needs operator action.
	EntryFailed EntryStatus = "failed"
)

// ValidEntryStatuses contains every queue entry status.
var ValidEntryStatuses = []EntryStatus{EntryPending, EntryProcessing, EntryDone, EntryFailed}

// IsValid reports whether s is a known status.
func (s EntryStatus) IsValid() bool {
	for _, v := range ValidEntryStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsValidStatusTransition validates queue entry transitions.
//
// Valid transitions:
//
//	pending    -> processing            (claim)
//	processing -> done | failed         (outcome)
//	processing -> pending               (retry or shutdown release)
//	failed     -> pending               (operator re-queue)
//	done       -> (terminal)
func IsValidStatusTransition(from, to EntryStatus) bool {
	switch from {
	case EntryPending:
		return to == EntryProcessing
	case EntryProcessing:
		return to == EntryDone || to == EntryFailed || to == EntryPending
	case EntryFailed:
		return to == EntryPending
	}
	return false
}

// QueueEntry is one durable sync job.
type QueueEntry struct {
	EntryID         string          `json:"entryId"`
	Operation       SyncOperation   `json:"operation"`
	EntityType      EntityType      `json:"entityType"`
	EntityID        string          `json:"entityId"`
	PayloadSnapshot json.RawMessage `json:"payloadSnapshot,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueuedAt"`
	Attempts        int             `json:"attempts"`
	Status          EntryStatus     `json:"status"`
	LastError       string          `json:"lastError,omitempty"`

	// VisibleAt delays a retried entry until its backoff has elapsed.
	VisibleAt time.Time  `json:"visibleAt"`
	ClaimedBy string     `json:"claimedBy,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Ref returns the graph reference of the entity the entry targets.
func (e *QueueEntry) Ref() NodeRef {
	return e.EntityType.Ref(e.EntityID)
}

// QueueCounts holds the number of entries per status.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// Depth is the number of entries not yet in a terminal state.
func (c QueueCounts) Depth() int {
	return c.Pending + c.Processing
}
