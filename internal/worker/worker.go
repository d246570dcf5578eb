// Package worker drains the sync queue into the graph. A worker sleeps until
// its notifier signals new pending entries (or until the earliest delayed
// retry becomes visible), then claims and applies entries oldest-first.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/internal/orphan"
	"github.com/scrypster/graphsync/internal/schema"
	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/internal/translator"
	"github.com/scrypster/graphsync/pkg/types"
)

const (
	DefaultBatchSize       = 50
	DefaultMaxAttempts     = 3
	DefaultStaleAfter      = 5 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second

	// releaseTimeout bounds queue writes made after the run context ended.
	releaseTimeout = 5 * time.Second
)

// Config controls batching, retries and the orphan pass.
type Config struct {
	BatchSize   int
	MaxAttempts int
	Backoff     Backoff

	// StaleAfter is the claim age after which a processing entry is assumed
	// abandoned by a crashed worker.
	StaleAfter time.Duration

	// WritesPerSecond throttles graph batches. Zero means unlimited.
	WritesPerSecond float64

	// ShutdownTimeout is how long in-flight entries may keep running after
	// the run context is cancelled.
	ShutdownTimeout time.Duration

	Orphan orphan.Config
	Schema schema.Schema
}

// DefaultConfig returns the stock worker configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       DefaultBatchSize,
		MaxAttempts:     DefaultMaxAttempts,
		Backoff:         Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax},
		StaleAfter:      DefaultStaleAfter,
		ShutdownTimeout: DefaultShutdownTimeout,
		Orphan:          orphan.DefaultConfig(),
		Schema:          schema.Default(),
	}
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Schema.Labels == nil {
		c.Schema = schema.Default()
	}
	if c.Orphan.Rules.Labels == nil {
		c.Orphan.Rules = orphan.DefaultRules()
	}
}

// Queue is the part of the system of record the worker needs.
type Queue interface {
	storage.SyncQueue
	storage.DocumentStore
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithID overrides the generated worker id.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithClock replaces the time source used for backoff and latency.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithObserver registers a callback for every processed entry.
func WithObserver(fn func(Event)) Option {
	return func(w *Worker) { w.observers = append(w.observers, fn) }
}

// Worker applies queue entries to the graph.
type Worker struct {
	id         string
	cfg        Config
	queue      Queue
	graph      orphan.Graph
	notifier   storage.Notifier
	translator *translator.Translator
	executor   *orphan.Executor
	logger     *zap.Logger
	now        func() time.Time
	observers  []func(Event)

	stats   stats
	running atomic.Bool
	mu      sync.Mutex
}

// New builds a worker. notifier may be nil, in which case the worker only
// wakes for delayed retries and explicit Drain calls.
func New(q Queue, g orphan.Graph, notifier storage.Notifier, cfg Config, opts ...Option) *Worker {
	cfg.normalize()
	w := &Worker{
		id:       uuid.NewString(),
		cfg:      cfg,
		queue:    q,
		notifier: notifier,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}

	w.graph = g
	if cfg.WritesPerSecond > 0 {
		burst := int(cfg.WritesPerSecond)
		if burst < 1 {
			burst = 1
		}
		w.graph = &throttled{Graph: g, limiter: rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), burst)}
	}
	w.translator = translator.New(cfg.Schema)
	w.executor = orphan.NewExecutor(w.graph, cfg.Orphan, w.logger)
	return w
}

// ID returns the worker id recorded on claimed entries.
func (w *Worker) ID() string { return w.id }

// Running reports whether Run is active.
func (w *Worker) Running() bool { return w.running.Load() }

// Run processes entries until ctx is cancelled. In-flight entries are given
// ShutdownTimeout to finish; entries claimed but not started are released.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("worker: already running")
	}
	defer w.running.Store(false)

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()

	var wake <-chan struct{}
	if w.notifier != nil {
		ch, err := w.notifier.Subscribe(subCtx)
		if err != nil {
			return fmt.Errorf("worker: subscribe: %w", err)
		}
		wake = ch
	}

	w.logger.Info("worker started",
		zap.String("worker_id", w.id),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("max_attempts", w.cfg.MaxAttempts),
		zap.Bool("orphan_cleanup", w.cfg.Orphan.Cleanup))

	w.recoverStale(ctx)
	staleTick := time.NewTicker(w.cfg.StaleAfter)
	defer staleTick.Stop()

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("worker: drain failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			break
		}
		w.armRetry(ctx, retry)

		select {
		case <-ctx.Done():
		case _, ok := <-wake:
			if !ok {
				wake = nil
				w.logger.Warn("worker: notifier closed, waking on retries only")
			}
		case <-retry.C:
		case <-staleTick.C:
			w.recoverStale(ctx)
		}
		if ctx.Err() != nil {
			break
		}
	}

	w.logger.Info("worker stopped", zap.String("worker_id", w.id))
	return nil
}

// armRetry schedules a one-shot wake for the earliest delayed retry.
func (w *Worker) armRetry(ctx context.Context, t *time.Timer) {
	t.Stop()
	select {
	case <-t.C:
	default:
	}
	next, ok, err := w.queue.NextVisibleAt(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("worker: next visible lookup failed", zap.Error(err))
		}
		return
	}
	if !ok {
		return
	}
	d := next.Sub(w.now())
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}

func (w *Worker) recoverStale(ctx context.Context) {
	n, err := w.queue.RecoverStale(ctx, w.cfg.StaleAfter)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("worker: stale recovery failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		w.logger.Warn("worker: recovered stale entries", zap.Int("count", n))
	}
}

// Drain processes batches until no visible pending entry remains. It
// returns the number of entries handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.ProcessBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < w.cfg.BatchSize || ctx.Err() != nil {
			return total, nil
		}
	}
}

// ProcessBatch claims up to BatchSize entries and handles them in order.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := w.queue.Claim(ctx, w.id, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("worker: claim: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	work, stop := w.drainContext(ctx)
	defer stop()

	for i, e := range entries {
		if ctx.Err() != nil {
			w.release(entries[i:])
			return i, nil
		}
		w.handle(work, e)
	}
	return len(entries), nil
}

// drainContext detaches entry processing from ctx so a shutdown lets the
// current entry finish. The work context is cancelled ShutdownTimeout after
// ctx ends.
func (w *Worker) drainContext(ctx context.Context) (context.Context, func()) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var timer *time.Timer
	var mu sync.Mutex
	stopAfter := context.AfterFunc(ctx, func() {
		mu.Lock()
		timer = time.AfterFunc(w.cfg.ShutdownTimeout, cancel)
		mu.Unlock()
	})
	return work, func() {
		stopAfter()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

func (w *Worker) release(entries []*types.QueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for _, e := range entries {
		if err := w.queue.Release(ctx, e.EntryID); err != nil {
			w.logger.Error("worker: release failed", zap.String("entry_id", e.EntryID), zap.Error(err))
			continue
		}
		w.emit(Event{EntryID: e.EntryID, Operation: e.Operation, EntityType: e.EntityType,
			EntityID: e.EntityID, Outcome: OutcomeReleased, Attempts: e.Attempts, Time: w.now()})
	}
}

// handle applies one entry and records its outcome.
func (w *Worker) handle(ctx context.Context, e *types.QueueEntry) {
	start := w.now()
	res, err := w.apply(ctx, e)
	if err != nil && graph.IsConstraintViolation(err) {
		// A concurrent writer created the same key first. The batch is all
		// MERGEs, so a replay finds and updates it.
		w.logger.Debug("worker: constraint collision, replaying",
			zap.String("entry_id", e.EntryID), zap.Error(err))
		res, err = w.apply(ctx, e)
	}

	ev := Event{
		EntryID:    e.EntryID,
		Operation:  e.Operation,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Attempts:   e.Attempts,
		Duration:   w.now().Sub(start),
	}
	if res != nil {
		ev.Orphans = res.orphans
		if res.warning != nil {
			ev.Warning = res.warning.Error()
		}
	}

	// Queue writes must land even when shutdown cancelled the work context.
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("entry_id", e.EntryID),
		zap.String("operation", string(e.Operation)),
		zap.String("entity", e.Ref().String()),
	}

	switch {
	case err == nil:
		if qerr := w.queue.Complete(qctx, e.EntryID); qerr != nil {
			w.logger.Error("worker: complete failed", append(fields, zap.Error(qerr))...)
			return
		}
		ev.Outcome = OutcomeDone
		w.logger.Debug("worker: entry applied", append(fields, zap.Duration("duration", ev.Duration))...)

	case errors.Is(err, context.Canceled):
		if qerr := w.queue.Release(qctx, e.EntryID); qerr != nil {
			w.logger.Error("worker: release failed", append(fields, zap.Error(qerr))...)
			return
		}
		ev.Outcome = OutcomeReleased
		ev.Error = err.Error()

	case retryable(err) && e.Attempts+1 < w.cfg.MaxAttempts:
		delay := w.cfg.Backoff.Delay(e.Attempts + 1)
		if qerr := w.queue.Retry(qctx, e.EntryID, err.Error(), w.now().Add(delay)); qerr != nil {
			w.logger.Error("worker: retry failed", append(fields, zap.Error(qerr))...)
			return
		}
		ev.Outcome = OutcomeRetry
		ev.Attempts = e.Attempts + 1
		ev.Error = err.Error()
		w.logger.Warn("worker: entry will be retried",
			append(fields, zap.Int("attempts", ev.Attempts), zap.Duration("backoff", delay), zap.Error(err))...)

	default:
		perr := &PermanentFailureError{EntryID: e.EntryID, Attempts: e.Attempts + 1, Err: err}
		if qerr := w.queue.Fail(qctx, e.EntryID, err.Error()); qerr != nil {
			w.logger.Error("worker: fail failed", append(fields, zap.Error(qerr))...)
			return
		}
		ev.Outcome = OutcomeFailed
		ev.Attempts = e.Attempts + 1
		ev.Error = err.Error()
		w.logger.Error("worker: entry failed", append(fields, zap.Error(perr))...)
	}

	ev.Time = w.now()
	w.emit(ev)
}

type applied struct {
	orphans int
	warning error
}

func (w *Worker) apply(ctx context.Context, e *types.QueueEntry) (*applied, error) {
	switch e.Operation {
	case types.OperationUpsert:
		return w.applyUpsert(ctx, e)
	case types.OperationDelete:
		return w.applyDelete(ctx, e)
	}
	return nil, &graph.InvalidPropertyError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", e.Operation)}
}

func (w *Worker) applyUpsert(ctx context.Context, e *types.QueueEntry) (*applied, error) {
	doc, err := w.queue.GetDocument(ctx, e.EntityType, e.EntityID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted after it was enqueued; its delete entry follows.
		w.logger.Debug("worker: document gone, skipping upsert", zap.String("entity", e.Ref().String()))
		return &applied{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", e.Ref(), err)
	}
	plan, err := w.translator.Upsert(doc)
	if err != nil {
		return nil, err
	}
	// Neighbours the new references no longer reach go in the same batch;
	// no later delete job could find them.
	detached, err := w.executor.PlanDetached(ctx, plan.Ref, plan.Ops)
	if err != nil {
		return nil, err
	}
	ops := append(plan.Ops, detached.Ops...)
	if err := w.graph.RunBatch(ctx, ops); err != nil {
		return nil, fmt.Errorf("sync %s: %w", plan.Ref, err)
	}
	if len(detached.Orphans) > 0 {
		w.logger.Info("worker: upsert removed detached nodes",
			zap.String("entity", plan.Ref.String()),
			zap.Int("orphans", len(detached.Orphans)))
	}
	return &applied{orphans: len(detached.Orphans), warning: detached.Warning}, nil
}

func (w *Worker) applyDelete(ctx context.Context, e *types.QueueEntry) (*applied, error) {
	prelude, err := w.translator.DeletePrelude(e.EntityType, e.EntityID, e.PayloadSnapshot)
	if err != nil {
		return nil, err
	}
	plan, err := w.executor.Execute(ctx, e.Ref(), prelude)
	if err != nil {
		return nil, err
	}
	return &applied{orphans: len(plan.Orphans), warning: plan.Warning}, nil
}

func (w *Worker) emit(ev Event) {
	ev.WorkerID = w.id
	w.stats.record(ev)
	for _, fn := range w.observers {
		fn(ev)
	}
}

// Snapshot reports queue depth and throughput.
func (w *Worker) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{WorkerID: w.id, Running: w.Running()}
	w.stats.fill(&snap)
	counts, err := w.queue.Counts(ctx)
	if err != nil {
		return snap, fmt.Errorf("worker: counts: %w", err)
	}
	snap.Counts = counts
	snap.QueueDepth = counts.Depth()
	return snap, nil
}

// throttled rate-limits graph batches.
type throttled struct {
	orphan.Graph
	limiter *rate.Limiter
}

func (t *throttled) RunBatch(ctx context.Context, ops []graph.Operation) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Graph.RunBatch(ctx, ops)
}
