package orphan

import (
	"context"
	"fmt"
	"time"
)

// Default traversal bounds.
const (
	DefaultMaxHops  = 10
	DefaultMaxNodes = 10000
	DefaultTimeout  = 30 * time.Second
)

// Bounds limits one detection pass.
type Bounds struct {
	// MaxHops is the number of dependency edges followed from the seed.
	MaxHops int

	// MaxNodes caps the size of the explored region.
	MaxNodes int

	// Timeout caps the wall time of a pass.
	Timeout time.Duration
}

// Normalize fills zero fields with defaults.
func (b *Bounds) Normalize() {
	if b.MaxHops <= 0 {
		b.MaxHops = DefaultMaxHops
	}
	if b.MaxNodes <= 0 {
		b.MaxNodes = DefaultMaxNodes
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultTimeout
	}
}

// DepthExceededError reports that a detection pass stopped at a bound. The
// pass stays conservative: everything past the bound is treated as
// supported, so it is a warning rather than a failure.
type DepthExceededError struct {
	Bound    string
	Limit    int
	Frontier int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("orphan detection stopped at %s bound %d with %d unexplored nodes", e.Bound, e.Limit, e.Frontier)
}

// checker tracks the progress of one pass against its bounds.
type checker struct {
	bounds  Bounds
	nodes   int
	edges   int
	started time.Time
}

func newChecker(b Bounds) *checker {
	b.Normalize()
	return &checker{bounds: b, started: time.Now()}
}

// canContinue returns the context error when the pass was cancelled or timed
// out.
func (c *checker) canContinue(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("orphan detection cancelled: %w", ctx.Err())
	default:
	}
	if elapsed := time.Since(c.started); elapsed >= c.bounds.Timeout {
		return fmt.Errorf("orphan detection timed out after %v: %w", elapsed, context.DeadlineExceeded)
	}
	return nil
}

func (c *checker) canVisit() bool { return c.nodes < c.bounds.MaxNodes }

func (c *checker) recordNode() { c.nodes++ }

func (c *checker) recordEdge() { c.edges++ }
