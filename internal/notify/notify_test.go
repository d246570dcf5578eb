package notify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.True(t, ok, "channel closed")
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for signal")
	}
}

func TestLocalBroadcastsToAllSubscribers(t *testing.T) {
	l := NewLocal()
	defer l.Close()
	ctx := context.Background()

	a, err := l.Subscribe(ctx)
	require.NoError(t, err)
	b, err := l.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, l.Notify(ctx))
	receive(t, a)
	receive(t, b)
}

func TestLocalCoalesces(t *testing.T) {
	l := NewLocal()
	defer l.Close()
	ctx := context.Background()

	ch, err := l.Subscribe(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Notify(ctx))
	}
	receive(t, ch)
	select {
	case <-ch:
		t.Fatal("expected signals to coalesce")
	default:
	}
}

func TestLocalSubscriptionEndsWithContext(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := l.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Equal(t, 0, l.Subscribers())
}

func TestLocalClose(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	ch, err := l.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	_, ok := <-ch
	assert.False(t, ok)

	assert.ErrorIs(t, l.Notify(ctx), ErrClosed)
	_, err = l.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, l.Close())
}

func TestFileNotifierWakesOtherProcess(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")

	// Two notifiers on one directory stand in for two processes.
	writer, err := NewFileNotifier(dir)
	require.NoError(t, err)
	defer writer.Close()
	reader, err := NewFileNotifier(dir)
	require.NoError(t, err)
	defer reader.Close()

	ctx := context.Background()
	fromReader, err := reader.Subscribe(ctx)
	require.NoError(t, err)
	fromWriter, err := writer.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, writer.Notify(ctx))
	receive(t, fromReader)
	receive(t, fromWriter)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, eventExt, filepath.Ext(entries[0].Name()))
}

func TestFileNotifierPrunesOldEvents(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "1-old"+eventExt)
	require.NoError(t, os.WriteFile(old, nil, 0o600))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	keep := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(keep, nil, 0o600))

	f, err := NewFileNotifier(dir)
	require.NoError(t, err)
	defer f.Close()

	assert.NoFileExists(t, old)
	assert.FileExists(t, keep)
}

func TestFileNotifierNotifyHonoursContext(t *testing.T) {
	f, err := NewFileNotifier(t.TempDir())
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Notify(ctx), context.Canceled)
}

func TestIsEventFile(t *testing.T) {
	assert.True(t, isEventFile("/x/123-abc.event"))
	assert.False(t, isEventFile("/x/.123-abc.event.tmp"))
	assert.False(t, isEventFile("/x/readme"))
}
