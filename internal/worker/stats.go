package worker

import (
	"sync"
	"time"

	"github.com/scrypster/graphsync/pkg/types"
)

// Outcome is what happened to a claimed entry.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeRetry    Outcome = "retry"
	OutcomeFailed   Outcome = "failed"
	OutcomeReleased Outcome = "released"
)

// Event describes one processed entry. Observers receive it synchronously
// after the queue transition has been recorded.
type Event struct {
	EntryID    string              `json:"entryId"`
	WorkerID   string              `json:"workerId"`
	Operation  types.SyncOperation `json:"operation"`
	EntityType types.EntityType    `json:"entityType"`
	EntityID   string              `json:"entityId"`
	Outcome    Outcome             `json:"outcome"`
	Attempts   int                 `json:"attempts"`
	Error      string              `json:"error,omitempty"`
	Warning    string              `json:"warning,omitempty"`
	Orphans    int                 `json:"orphans,omitempty"`
	Duration   time.Duration       `json:"duration"`
	Time       time.Time           `json:"time"`
}

// Snapshot is a point-in-time view of worker health.
type Snapshot struct {
	WorkerID    string            `json:"workerId"`
	Running     bool              `json:"running"`
	QueueDepth  int               `json:"queueDepth"`
	Counts      types.QueueCounts `json:"counts"`
	Processed   int64             `json:"processed"`
	Retries     int64             `json:"retries"`
	Failures    int64             `json:"failures"`
	AvgLatency  time.Duration     `json:"avgLatency"`
	LastSuccess *time.Time        `json:"lastSuccess,omitempty"`
}

type stats struct {
	mu           sync.Mutex
	processed    int64
	retries      int64
	failures     int64
	totalLatency time.Duration
	lastSuccess  time.Time
}

func (s *stats) record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Outcome {
	case OutcomeDone:
		s.processed++
		s.totalLatency += ev.Duration
		s.lastSuccess = ev.Time
	case OutcomeRetry:
		s.retries++
	case OutcomeFailed:
		s.failures++
	}
}

func (s *stats) fill(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Processed = s.processed
	snap.Retries = s.retries
	snap.Failures = s.failures
	if s.processed > 0 {
		snap.AvgLatency = s.totalLatency / time.Duration(s.processed)
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		snap.LastSuccess = &t
	}
}
