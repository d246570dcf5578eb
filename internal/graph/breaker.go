package graph

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/scrypster/graphsync/pkg/types"
)

// BreakerConfig configures the circuit breaker decorator.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transient failures that trip
	// the breaker. Default: 5
	MaxFailures uint32

	// Timeout is how long the breaker stays open before probing. Default: 30s
	Timeout time.Duration

	// HalfOpenMaxRequests is the number of probe calls allowed while
	// half-open. Default: 1
	HalfOpenMaxRequests uint32
}

// BreakerMetrics holds call counters for the breaker.
type BreakerMetrics struct {
	TotalRequests       uint64
	TotalFailures       uint64
	Rejected            uint64
	ConsecutiveFailures uint32
	State               string
}

// Breaker decorates an Adapter with a circuit breaker. Only transient errors
// count as failures; not-found, validation and constraint errors are normal
// outcomes and never trip it. Rejected calls return a TransientError wrapping
// ErrCircuitOpen so the worker schedules a retry.
type Breaker struct {
	next    Adapter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	mu      sync.Mutex
	metrics BreakerMetrics
}

var _ Adapter = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next Adapter, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{next: next, logger: logger}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-adapter",
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("graph circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})
	return b
}

// Unwrap returns the decorated adapter.
func (b *Breaker) Unwrap() Adapter { return b.next }

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// Metrics returns a snapshot of the breaker counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metrics
	m.ConsecutiveFailures = b.breaker.Counts().ConsecutiveFailures
	m.State = b.State()
	return m
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.TotalRequests++
	switch {
	case errors.Is(err, ErrCircuitOpen):
		b.metrics.Rejected++
	case err != nil && IsTransient(err):
		b.metrics.TotalFailures++
	}
}

func (b *Breaker) call(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &TransientError{Op: op, Err: ErrCircuitOpen}
	}
	b.record(err)
	return err
}

// Connect and Disconnect bypass the breaker: they manage the connection the
// breaker protects.
func (b *Breaker) Connect(ctx context.Context) error    { return b.next.Connect(ctx) }
func (b *Breaker) Disconnect(ctx context.Context) error { return b.next.Disconnect(ctx) }
func (b *Breaker) Capabilities() Capabilities          { return b.next.Capabilities() }

func (b *Breaker) HealthCheck(ctx context.Context) error {
	return b.call(ctx, "health_check", func() error { return b.next.HealthCheck(ctx) })
}

func (b *Breaker) CreateNode(ctx context.Context, labels []string, props types.Properties) (id string, err error) {
	err = b.call(ctx, "create_node", func() (e error) {
		id, e = b.next.CreateNode(ctx, labels, props)
		return e
	})
	return id, err
}

func (b *Breaker) GetNode(ctx context.Context, id string) (n *types.Node, err error) {
	err = b.call(ctx, "get_node", func() (e error) {
		n, e = b.next.GetNode(ctx, id)
		return e
	})
	return n, err
}

func (b *Breaker) UpdateNode(ctx context.Context, id string, props types.Properties) error {
	return b.call(ctx, "update_node", func() error { return b.next.UpdateNode(ctx, id, props) })
}

func (b *Breaker) DeleteNode(ctx context.Context, id string) error {
	return b.call(ctx, "delete_node", func() error { return b.next.DeleteNode(ctx, id) })
}

func (b *Breaker) FindNodes(ctx context.Context, label string, filter types.Properties) (nodes []types.Node, err error) {
	err = b.call(ctx, "find_nodes", func() (e error) {
		nodes, e = b.next.FindNodes(ctx, label, filter)
		return e
	})
	return nodes, err
}

func (b *Breaker) FindNode(ctx context.Context, ref types.NodeRef) (n *types.Node, err error) {
	err = b.call(ctx, "find_node", func() (e error) {
		n, e = b.next.FindNode(ctx, ref)
		return e
	})
	return n, err
}

func (b *Breaker) CreateEdge(ctx context.Context, fromID, toID, relType string, props types.Properties) (id string, err error) {
	err = b.call(ctx, "create_edge", func() (e error) {
		id, e = b.next.CreateEdge(ctx, fromID, toID, relType, props)
		return e
	})
	return id, err
}

func (b *Breaker) DeleteEdge(ctx context.Context, id string) error {
	return b.call(ctx, "delete_edge", func() error { return b.next.DeleteEdge(ctx, id) })
}

func (b *Breaker) Incident(ctx context.Context, nodeID string, dir types.Direction, relTypes []string) (inc []types.Incidence, err error) {
	err = b.call(ctx, "incident", func() (e error) {
		inc, e = b.next.Incident(ctx, nodeID, dir, relTypes)
		return e
	})
	return inc, err
}

func (b *Breaker) Query(ctx context.Context, query string, params map[string]any) (recs []Record, err error) {
	err = b.call(ctx, "query", func() (e error) {
		recs, e = b.next.Query(ctx, query, params)
		return e
	})
	return recs, err
}

func (b *Breaker) Traverse(ctx context.Context, startID string, relTypes []string, maxHops int, dir types.Direction) (nodes []types.Node, err error) {
	err = b.call(ctx, "traverse", func() (e error) {
		nodes, e = b.next.Traverse(ctx, startID, relTypes, maxHops, dir)
		return e
	})
	return nodes, err
}

func (b *Breaker) ShortestPath(ctx context.Context, fromID, toID string) (nodes []types.Node, err error) {
	err = b.call(ctx, "shortest_path", func() (e error) {
		nodes, e = b.next.ShortestPath(ctx, fromID, toID)
		return e
	})
	return nodes, err
}

func (b *Breaker) RunBatch(ctx context.Context, ops []Operation) error {
	return b.call(ctx, "run_batch", func() error { return b.next.RunBatch(ctx, ops) })
}

func (b *Breaker) EnsureConstraint(ctx context.Context, label, property string, unique bool) error {
	return b.call(ctx, "ensure_constraint", func() error { return b.next.EnsureConstraint(ctx, label, property, unique) })
}

func (b *Breaker) EnsureIndex(ctx context.Context, label, property string) error {
	return b.call(ctx, "ensure_index", func() error { return b.next.EnsureIndex(ctx, label, property) })
}
