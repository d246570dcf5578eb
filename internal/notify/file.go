package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/storage"
)

const eventExt = ".event"

// DefaultEventTTL is how long event files stay on disk before pruning.
const DefaultEventTTL = time.Minute

// FileNotifier signals across processes sharing a directory. Notify writes
// an event file; every process watching the directory wakes its local
// subscribers on the Create event. Files are not consumed on read, so all
// watchers see every signal. Old files are pruned instead.
type FileNotifier struct {
	dir    string
	ttl    time.Duration
	local  *Local
	logger *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

var _ storage.Notifier = (*FileNotifier)(nil)

// FileOption configures a FileNotifier.
type FileOption func(*FileNotifier)

// WithTTL sets the event file retention.
func WithTTL(d time.Duration) FileOption {
	return func(f *FileNotifier) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FileOption {
	return func(f *FileNotifier) { f.logger = l }
}

// NewFileNotifier creates dir if needed and starts watching it.
func NewFileNotifier(dir string, opts ...FileOption) (*FileNotifier, error) {
	f := &FileNotifier{
		dir:    dir,
		ttl:    DefaultEventTTL,
		local:  NewLocal(),
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("notify: mkdir %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("notify: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("notify: watch %s: %w", dir, err)
	}
	f.watcher = w
	f.prune()

	go f.loop()
	f.logger.Info("notify: watching event directory", zap.String("dir", dir))
	return f, nil
}

// Notify writes a new event file. The file name is unique per call so
// concurrent writers never collide.
func (f *FileNotifier) Notify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.NewString(), eventExt)
	tmp := filepath.Join(f.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, nil, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish event: %w", err)
	}
	return nil
}

func (f *FileNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	return f.local.Subscribe(ctx)
}

func (f *FileNotifier) Close() error {
	var err error
	f.once.Do(func() {
		err = f.watcher.Close()
		<-f.done
		_ = f.local.Close()
	})
	return err
}

func (f *FileNotifier) loop() {
	defer close(f.done)
	pruneTick := time.NewTicker(f.ttl)
	defer pruneTick.Stop()

	for {
		select {
		case evt, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isEventFile(evt.Name) {
				_ = f.local.Notify(context.Background())
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("notify: watcher error", zap.Error(err))
			// Overflow may have dropped events.
			_ = f.local.Notify(context.Background())
		case <-pruneTick.C:
			f.prune()
		}
	}
}

func isEventFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, eventExt) && !strings.HasPrefix(base, ".")
}

// prune removes event files older than the ttl.
func (f *FileNotifier) prune() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-f.ttl)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), eventExt) && !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(f.dir, e.Name()))
		}
	}
}
