// Package notify wakes sync workers when queue entries become pending.
// Local broadcasts inside one process; FileNotifier carries the same
// data-less signal across processes through an event directory.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/scrypster/graphsync/internal/storage"
)

// ErrClosed is returned by operations on a closed notifier.
var ErrClosed = errors.New("notify: closed")

// Local is an in-process broadcaster. Every subscriber owns a one-slot
// channel, so signals that arrive while it is busy collapse into one.
type Local struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

var _ storage.Notifier = (*Local)(nil)

func NewLocal() *Local {
	return &Local{subs: make(map[chan struct{}]struct{})}
}

// Notify never blocks.
func (l *Local) Notify(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	ch := make(chan struct{}, 1)
	l.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		l.unsubscribe(ch)
	}()
	return ch, nil
}

func (l *Local) unsubscribe(ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
}

// Subscribers reports the live subscription count.
func (l *Local) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Close ends every subscription.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
	return nil
}
