package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/internal/storage/postgres"
	"github.com/scrypster/graphsync/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

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

func newTestStore(t *testing.T) (*postgres.Store, *clock) {
	t.Helper()
	dsn := postgresTestDSN(t)
	clk := &clock{t: time.Now().UTC().Truncate(time.Millisecond)}

	store, err := postgres.Open(context.Background(), dsn, postgres.WithClock(clk.now))
	require.NoError(t, err)
	require.NoError(t, store.TruncateForTest(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store, clk
}

func upsert(id string) storage.EnqueueRequest {
	return storage.EnqueueRequest{Operation: types.OperationUpsert, EntityType: types.EntityTypeMemory, EntityID: id}
}

func TestClaimOldestFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	var ids []string
	for _, id := range []string{"m1", "m2", "m3"} {
		e, err := store.Enqueue(ctx, upsert(id))
		require.NoError(t, err)
		ids = append(ids, e.EntryID)
	}

	claimed, err := store.Claim(ctx, "worker-a", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].EntryID)
	assert.Equal(t, ids[1], claimed[1].EntryID)
	assert.Equal(t, "worker-a", claimed[0].ClaimedBy)
}

func TestConcurrentClaimsSkipLocked(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for i := 0; i < 50; i++ {
		_, err := store.Enqueue(ctx, upsert("m"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				claimed, err := store.Claim(ctx, worker, 4)
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

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRetryAndTransitions(t *testing.T) {
	ctx := context.Background()
	store, clk := newTestStore(t)
	e, err := store.Enqueue(ctx, upsert("m1"))
	require.NoError(t, err)

	assert.ErrorIs(t, store.Complete(ctx, e.EntryID), storage.ErrInvalidTransition)
	assert.ErrorIs(t, store.Complete(ctx, "not-a-uuid"), storage.ErrNotFound)

	_, err = store.Claim(ctx, "w", 1)
	require.NoError(t, err)
	require.NoError(t, store.Retry(ctx, e.EntryID, "timeout", clk.now().Add(time.Minute)))

	claimed, err := store.Claim(ctx, "w", 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	next, ok, err := store.NextVisibleAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, clk.now().Add(time.Minute), next, time.Millisecond)

	clk.advance(time.Minute)
	claimed, err = store.Claim(ctx, "w", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	require.NoError(t, store.Fail(ctx, e.EntryID, "boom"))
	require.NoError(t, store.Requeue(ctx, e.EntryID))
	got, err := store.Get(ctx, e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPending, got.Status)
	assert.Zero(t, got.Attempts)

	c, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.QueueCounts{Pending: 1}, c)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	store, clk := newTestStore(t)
	e, err := store.Enqueue(ctx, upsert("m1"))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "crashed", 1)
	require.NoError(t, err)

	clk.advance(10 * time.Minute)
	n, err := store.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
}

func TestDocumentsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	doc, err := types.NewDocument(types.EntityTypeFact, "f1", &types.Fact{ID: "f1", Fact: "x"})
	require.NoError(t, err)
	_, err = store.PutAndEnqueue(ctx, doc)
	require.NoError(t, err)

	got, err := store.GetDocument(ctx, types.EntityTypeFact, "f1")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc.Body), string(got.Body))

	del, err := store.DeleteAndEnqueue(ctx, types.EntityTypeFact, "f1")
	require.NoError(t, err)
	assert.JSONEq(t, string(doc.Body), string(del.PayloadSnapshot))

	_, err = store.GetDocument(ctx, types.EntityTypeFact, "f1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := store.List(ctx, types.EntryPending, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestListenerWakesOnEnqueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, _ := newTestStore(t)

	l, err := store.Listen()
	require.NoError(t, err)
	defer l.Close()

	ch, err := l.Subscribe(ctx)
	require.NoError(t, err)

	_, err = store.Enqueue(ctx, upsert("m1"))
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after enqueue")
	}

	require.NoError(t, l.Notify(ctx))
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after explicit notify")
	}
}
