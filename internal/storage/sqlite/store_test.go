package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(context.Context) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func (c *countingNotifier) Subscribe(context.Context) (<-chan struct{}, error) {
	return make(chan struct{}), nil
}

func (c *countingNotifier) Close() error { return nil }

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "graphsync.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clk
}

func upsert(id string) storage.EnqueueRequest {
	return storage.EnqueueRequest{Operation: types.OperationUpsert, EntityType: types.EntityTypeMemory, EntityID: id}
}

func TestEnqueueAndClaimOldestFirst(t *testing.T) {
	ctx := context.Background()
	store, clk := newTestStore(t)

	var ids []string
	for _, id := range []string{"m1", "m2", "m3"} {
		e, err := store.Enqueue(ctx, upsert(id))
		require.NoError(t, err)
		assert.Equal(t, types.EntryPending, e.Status)
		assert.Zero(t, e.Attempts)
		assert.NotEmpty(t, e.EntryID)
		ids = append(ids, e.EntryID)
		clk.advance(time.Millisecond)
	}

	claimed, err := store.Claim(ctx, "worker-a", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].EntryID)
	assert.Equal(t, ids[1], claimed[1].EntryID)
	assert.Equal(t, types.EntryProcessing, claimed[0].Status)
	assert.Equal(t, "worker-a", claimed[0].ClaimedBy)
	require.NotNil(t, claimed[0].ClaimedAt)

	claimed, err = store.Claim(ctx, "worker-b", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[2], claimed[0].EntryID)

	claimed, err = store.Claim(ctx, "worker-b", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for i := 0; i < 40; i++ {
		_, err := store.Enqueue(ctx, upsert("m"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				claimed, err := store.Claim(ctx, worker, 3)
				if err != nil || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, e := range claimed {
					seen[e.EntryID]++
				}
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRetryHidesEntryUntilVisible(t *testing.T) {
	ctx := context.Background()
	store, clk := newTestStore(t)
	e, err := store.Enqueue(ctx, upsert("m1"))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "w", 1)
	require.NoError(t, err)

	require.NoError(t, store.Retry(ctx, e.EntryID, "connection refused", clk.now().Add(2*time.Second)))

	got, err := store.Get(ctx, e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "connection refused", got.LastError)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)

	claimed, err := store.Claim(ctx, "w", 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "entry must stay hidden during backoff")

	next, ok, err := store.NextVisibleAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clk.now().Add(2*time.Second), next)

	clk.advance(2 * time.Second)
	claimed, err = store.Claim(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	_, ok, err = store.NextVisibleAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	e, err := store.Enqueue(ctx, upsert("m1"))
	require.NoError(t, err)

	assert.ErrorIs(t, store.Complete(ctx, e.EntryID), storage.ErrInvalidTransition, "pending cannot complete")
	assert.ErrorIs(t, store.Complete(ctx, "missing"), storage.ErrNotFound)

	_, err = store.Claim(ctx, "w", 1)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, e.EntryID, "boom"))

	got, err := store.Get(ctx, e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)

	assert.ErrorIs(t, store.Release(ctx, e.EntryID), storage.ErrInvalidTransition)
	require.NoError(t, store.Requeue(ctx, e.EntryID))

	got, err = store.Get(ctx, e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, "boom", got.LastError)

	_, err = store.Claim(ctx, "w", 1)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, e.EntryID))
	assert.ErrorIs(t, store.Requeue(ctx, e.EntryID), storage.ErrInvalidTransition, "done is terminal")
}

func TestReleaseDoesNotCountAttempt(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	e, err := store.Enqueue(ctx, upsert("m1"))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "w", 1)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, e.EntryID))
	got, err := store.Get(ctx, e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPending, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	store, clk := newTestStore(t)
	old, err := store.Enqueue(ctx, upsert("m1"))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "crashed", 1)
	require.NoError(t, err)

	clk.advance(10 * time.Minute)
	fresh, err := store.Enqueue(ctx, upsert("m2"))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "alive", 1)
	require.NoError(t, err)

	n, err := store.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, old.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPending, got.Status)
	got, err = store.Get(ctx, fresh.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryProcessing, got.Status)
}

func TestCountsAndList(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Enqueue(ctx, upsert(id))
		require.NoError(t, err)
	}
	claimed, err := store.Claim(ctx, "w", 2)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, claimed[0].EntryID))
	require.NoError(t, store.Fail(ctx, claimed[1].EntryID, "x"))

	c, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueCounts{Pending: 1, Done: 1, Failed: 1}, c)
	assert.Equal(t, 1, c.Depth())

	failed, err := store.List(ctx, types.EntryFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].EntityID)

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = store.List(ctx, "bogus", 10)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	bad := []storage.EnqueueRequest{
		{Operation: "merge", EntityType: types.EntityTypeFact, EntityID: "f"},
		{Operation: types.OperationUpsert, EntityType: "widget", EntityID: "f"},
		{Operation: types.OperationUpsert, EntityType: types.EntityTypeFact},
		{Operation: types.OperationDelete, EntityType: types.EntityTypeFact, EntityID: "f", PayloadSnapshot: []byte("{")},
	}
	for _, req := range bad {
		_, err := store.Enqueue(ctx, req)
		assert.ErrorIs(t, err, storage.ErrInvalidInput)
	}
}

func TestPutAndEnqueue(t *testing.T) {
	ctx := context.Background()
	notifier := &countingNotifier{}
	store, _ := newTestStore(t, WithNotifier(notifier))

	doc, err := types.NewDocument(types.EntityTypeFact, "f1", &types.Fact{ID: "f1", Fact: "x"})
	require.NoError(t, err)
	e, err := store.PutAndEnqueue(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, types.OperationUpsert, e.Operation)
	assert.Empty(t, e.PayloadSnapshot)
	assert.Equal(t, 1, notifier.count())

	got, err := store.GetDocument(ctx, types.EntityTypeFact, "f1")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc.Body), string(got.Body))

	del, err := store.DeleteAndEnqueue(ctx, types.EntityTypeFact, "f1")
	require.NoError(t, err)
	assert.Equal(t, types.OperationDelete, del.Operation)
	assert.JSONEq(t, string(doc.Body), string(del.PayloadSnapshot))
	assert.Equal(t, 2, notifier.count())

	_, err = store.GetDocument(ctx, types.EntityTypeFact, "f1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	del, err = store.DeleteAndEnqueue(ctx, types.EntityTypeFact, "f1")
	require.NoError(t, err)
	assert.Empty(t, del.PayloadSnapshot)
}

func TestPutAndEnqueueRejectsInvalidDocument(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.PutAndEnqueue(ctx, &types.Document{EntityType: types.EntityTypeFact, EntityID: "f1", Body: json.RawMessage("not json")})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	c, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.Pending)
}

func TestReopenKeepsQueue(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graphsync.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	e, err := store.Enqueue(ctx, upsert("m1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(ctx, e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPending, got.Status)
}

func TestDBPathFromDSN(t *testing.T) {
	assert.Equal(t, "", dbPathFromDSN(":memory:"))
	assert.Equal(t, "/tmp/x.db", dbPathFromDSN("/tmp/x.db"))
	assert.Equal(t, "/tmp/x.db", dbPathFromDSN("file:/tmp/x.db?_pragma=busy_timeout(5000)"))
	assert.Equal(t, "/tmp/x.db", dbPathFromDSN("/tmp/x.db?mode=rwc"))
}
