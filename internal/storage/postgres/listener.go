package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/notify"
	"github.com/scrypster/graphsync/internal/storage"
)

// Channel is the NOTIFY channel the queue trigger publishes on.
const Channel = "graphsync_queue"

const (
	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

// Listener is a storage.Notifier backed by LISTEN/NOTIFY. The queue trigger
// fires on every transition to pending, so writers need not call Notify.
type Listener struct {
	db       *sql.DB
	listener *pq.Listener
	local    *notify.Local
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var _ storage.Notifier = (*Listener)(nil)

// NewListener opens a dedicated LISTEN connection on dsn. db is used for
// explicit Notify calls.
func NewListener(dsn string, db *sql.DB, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{
		db:     db,
		local:  notify.NewLocal(),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.listener = pq.NewListener(dsn, minReconnect, maxReconnect, l.onEvent)
	if err := l.listener.Listen(Channel); err != nil {
		_ = l.listener.Close()
		return nil, fmt.Errorf("postgres: listen %s: %w", Channel, err)
	}
	go l.loop()
	return l, nil
}

func (l *Listener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		l.logger.Warn("postgres: listener disconnected", zap.Error(err))
	case pq.ListenerEventReconnected:
		l.logger.Info("postgres: listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("postgres: listener reconnect failed", zap.Error(err))
	}
}

func (l *Listener) loop() {
	defer close(l.done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// n is nil after a reconnect; notifications may have been lost,
			// so wake subscribers anyway.
			if n == nil {
				l.logger.Debug("postgres: listener resync")
			}
			_ = l.local.Notify(context.Background())
		case <-ticker.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("postgres: listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

// Notify publishes a signal on the channel. Every listening process wakes,
// including this one.
func (l *Listener) Notify(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "SELECT pg_notify($1, '')", Channel); err != nil {
		return fmt.Errorf("postgres: notify: %w", err)
	}
	return nil
}

func (l *Listener) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return l.local.Subscribe(ctx)
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.listener.Close()
		_ = l.local.Close()
	})
	return err
}
