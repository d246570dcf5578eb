package graph_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/internal/graph/inmem"
	"github.com/scrypster/graphsync/pkg/types"
)

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"WORKS_AT", "Entity", "_x", "A1"} {
		assert.NoError(t, graph.ValidateIdentifier(ok), ok)
	}
	for _, bad := range []string{"", "1A", "WORKS AT", "a`b", "x-y", "n) DETACH DELETE (m"} {
		assert.Error(t, graph.ValidateIdentifier(bad), bad)
	}
}

func TestOperationValidate(t *testing.T) {
	fact := types.NodeRef{Label: types.LabelFact, Key: "f1"}
	tests := []struct {
		name    string
		op      graph.Operation
		wantErr bool
	}{
		{"merge node", graph.MergeNode(fact, nil), false},
		{"empty key", graph.MergeNode(types.NodeRef{Label: types.LabelFact}, nil), true},
		{"unmanaged label", graph.DeleteNode(types.NodeRef{Label: "Widget", Key: "w"}), true},
		{"bad edge type", graph.MergeEdge(fact, fact, "bad type", nil), true},
		{"delete outgoing without types", graph.DeleteOutgoing(fact), true},
		{"delete incoming", graph.DeleteIncoming(fact, types.RelSupersedes), false},
		{"delete incident without direction", graph.Operation{Kind: graph.OpDeleteIncident, Node: fact, EdgeTypes: []string{"X"}}, true},
		{"retract", graph.Retract("f1"), false},
		{"retract empty", graph.Retract(""), true},
		{"unknown kind", graph.Operation{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	transient := fmt.Errorf("wrapped: %w", &graph.TransientError{Op: "run_batch", Err: errors.New("reset")})
	assert.True(t, graph.IsTransient(transient))
	assert.True(t, graph.IsRetryable(transient))
	assert.True(t, graph.IsTransient(context.DeadlineExceeded))

	invalid := &graph.InvalidPropertyError{Label: "Fact", Field: "confidence", Reason: "want int"}
	assert.True(t, graph.IsPermanent(invalid))
	assert.False(t, graph.IsRetryable(invalid))
	assert.Equal(t, "invalid property Fact.confidence: want int", invalid.Error())

	missing := &graph.MissingEndpointError{Ref: types.NodeRef{Label: "Space", Key: "s"}}
	assert.True(t, graph.IsRetryable(missing))
	assert.False(t, graph.IsRetryable(context.Canceled))
	assert.False(t, graph.IsRetryable(nil))

	assert.True(t, graph.IsConstraintViolation(&graph.ConstraintViolationError{Err: errors.New("dup")}))
	assert.True(t, graph.IsUnsupported(&graph.UnsupportedCapabilityError{Capability: "shortest path", Dialect: "memgraph"}))
}

// flaky wraps an adapter and fails health checks with a configurable error.
type flaky struct {
	*inmem.Adapter
	err error
}

func (f *flaky) HealthCheck(ctx context.Context) error { return f.err }

func TestBreakerTripsOnTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{Adapter: inmem.New(), err: &graph.TransientError{Op: "health", Err: errors.New("down")}}
	b := graph.NewBreaker(inner, graph.BreakerConfig{MaxFailures: 2, Timeout: time.Hour}, nil)

	require.Error(t, b.HealthCheck(ctx))
	require.Error(t, b.HealthCheck(ctx))
	assert.Equal(t, "open", b.State())

	err := b.HealthCheck(ctx)
	assert.ErrorIs(t, err, graph.ErrCircuitOpen)
	assert.True(t, graph.IsTransient(err), "rejections must be retried by the worker")

	m := b.Metrics()
	assert.Equal(t, uint64(3), m.TotalRequests)
	assert.Equal(t, uint64(2), m.TotalFailures)
	assert.Equal(t, uint64(1), m.Rejected)
}

func TestBreakerIgnoresNonTransientErrors(t *testing.T) {
	ctx := context.Background()
	b := graph.NewBreaker(inmem.New(), graph.BreakerConfig{MaxFailures: 1, Timeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		_, err := b.FindNode(ctx, types.NodeRef{Label: types.LabelFact, Key: "nope"})
		require.ErrorIs(t, err, graph.ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())

	err := b.RunBatch(ctx, []graph.Operation{graph.MergeNode(types.NodeRef{Label: types.LabelFact, Key: "f"}, nil)})
	require.NoError(t, err)
	n, err := b.FindNode(ctx, types.NodeRef{Label: types.LabelFact, Key: "f"})
	require.NoError(t, err)
	assert.Equal(t, "f", n.Properties.String(types.KeyFact))
}

func TestBFSPathNotFound(t *testing.T) {
	ctx := context.Background()
	a := inmem.New()
	x, _ := a.CreateNode(ctx, []string{types.LabelEntity}, types.Properties{types.KeyEntity: types.StringValue("x")})
	y, _ := a.CreateNode(ctx, []string{types.LabelEntity}, types.Properties{types.KeyEntity: types.StringValue("y")})

	_, err := graph.BFSPath(ctx, a, x, y, 3)
	assert.ErrorIs(t, err, graph.ErrNotFound)

	path, err := graph.BFSPath(ctx, a, x, x, 3)
	require.NoError(t, err)
	assert.Len(t, path, 1)
}
