package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/internal/graph/inmem"
	"github.com/scrypster/graphsync/internal/worker"
	"github.com/scrypster/graphsync/pkg/types"
)

func TestObserve(t *testing.T) {
	c := New("test")
	at := time.Unix(1_700_000_000, 0)

	c.Observe(worker.Event{Operation: types.OperationDelete, Outcome: worker.OutcomeDone,
		Orphans: 3, Warning: "maxHops", Duration: 20 * time.Millisecond, Time: at})
	c.Observe(worker.Event{Operation: types.OperationUpsert, Outcome: worker.OutcomeRetry})
	c.Observe(worker.Event{Operation: types.OperationUpsert, Outcome: worker.OutcomeFailed})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Entries.WithLabelValues("delete", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Entries.WithLabelValues("upsert", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Entries.WithLabelValues("upsert", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Orphans))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DepthWarnings))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(c.LastSuccess))
}

func TestWatchQueue(t *testing.T) {
	c := New("test")
	c.WatchQueue("test", func(context.Context) (types.QueueCounts, error) {
		return types.QueueCounts{Pending: 4, Failed: 1}, nil
	}, nil)

	expected := `
# HELP test_queue_entries Queue entries by status
# TYPE test_queue_entries gauge
test_queue_entries{status="done"} 0
test_queue_entries{status="failed"} 1
test_queue_entries{status="pending"} 4
test_queue_entries{status="processing"} 0
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "test_queue_entries"))
}

func TestWatchQueueSkipsOnError(t *testing.T) {
	c := New("test")
	c.WatchQueue("test", func(context.Context) (types.QueueCounts, error) {
		return types.QueueCounts{}, errors.New("database is locked")
	}, nil)

	n, err := testutil.GatherAndCount(c.Registry(), "test_queue_entries")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWatchBreaker(t *testing.T) {
	c := New("test")
	b := graph.NewBreaker(inmem.New(), graph.BreakerConfig{}, nil)
	c.WatchBreaker("test", b)

	n, err := testutil.GatherAndCount(c.Registry(), "test_graph_breaker_state")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0.0, breakerState("closed"))
	assert.Equal(t, 1.0, breakerState("half-open"))
	assert.Equal(t, 2.0, breakerState("open"))
}

func TestHandler(t *testing.T) {
	c := New("test")
	c.Observe(worker.Event{Operation: types.OperationUpsert, Outcome: worker.OutcomeDone, Time: time.Now()})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_sync_entries_total{operation="upsert",outcome="done"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
