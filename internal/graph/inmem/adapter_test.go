package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

func ref(label, key string) types.NodeRef { return types.NodeRef{Label: label, Key: key} }

func TestMergeNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := New()
	mem := ref(types.LabelMemory, "mem-1")
	conv := ref(types.LabelConversation, "conv-1")

	batch := []graph.Operation{
		graph.MergeNode(mem, types.Properties{"preview": types.StringValue("hello")}),
		graph.MergeStub(conv),
		graph.MergeEdge(mem, conv, types.RelReferences, nil),
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, a.RunBatch(ctx, batch))
	}

	nodes, edges := a.Stats()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)

	n, err := a.FindNode(ctx, conv)
	require.NoError(t, err)
	stub, _ := n.Properties[graph.StubProperty].AsBool()
	assert.True(t, stub, "key-only merge should mark the node as a stub")
}

func TestStubIsFilledByLaterMerge(t *testing.T) {
	ctx := context.Background()
	a := New()
	conv := ref(types.LabelConversation, "conv-1")

	require.NoError(t, a.RunBatch(ctx, []graph.Operation{graph.MergeStub(conv)}))
	require.NoError(t, a.RunBatch(ctx, []graph.Operation{graph.MergeNode(conv, types.Properties{
		graph.StubProperty: types.BoolValue(false),
		"type":             types.StringValue("user-agent"),
	})}))
	require.NoError(t, a.RunBatch(ctx, []graph.Operation{graph.MergeStub(conv)}))

	n, err := a.FindNode(ctx, conv)
	require.NoError(t, err)
	stub, _ := n.Properties[graph.StubProperty].AsBool()
	assert.False(t, stub)
	assert.Equal(t, "user-agent", n.Properties.String("type"))
}

func TestMergeEdgeMissingEndpoint(t *testing.T) {
	ctx := context.Background()
	a := New()
	mem := ref(types.LabelMemory, "mem-1")

	err := a.RunBatch(ctx, []graph.Operation{
		graph.MergeNode(mem, types.Properties{"preview": types.StringValue("x")}),
		graph.MergeEdge(mem, ref(types.LabelConversation, "missing"), types.RelReferences, nil),
	})
	require.Error(t, err)
	assert.True(t, graph.IsMissingEndpoint(err))

	nodes, _ := a.Stats()
	assert.Equal(t, 0, nodes, "failed batch must not leave the merged node behind")
}

func TestRunBatchFaultLeavesGraphUnchanged(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	a := New(WithFault(func(op graph.Operation, i int) error {
		if op.Kind == graph.OpDeleteNode && op.Node.Key == "b" {
			return boom
		}
		return nil
	}))
	require.NoError(t, a.RunBatch(ctx, []graph.Operation{
		graph.MergeNode(ref(types.LabelEntity, "a"), types.Properties{"name": types.StringValue("a")}),
		graph.MergeNode(ref(types.LabelEntity, "b"), types.Properties{"name": types.StringValue("b")}),
	}))

	err := a.RunBatch(ctx, []graph.Operation{
		graph.DeleteNode(ref(types.LabelEntity, "a")),
		graph.DeleteNode(ref(types.LabelEntity, "b")),
	})
	require.ErrorIs(t, err, boom)

	nodes, _ := a.Stats()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, a.Batches())
}

func TestAssertAndRetract(t *testing.T) {
	ctx := context.Background()
	a := New()
	alice, acme := ref(types.LabelEntity, "alice"), ref(types.LabelEntity, "acme")

	require.NoError(t, a.RunBatch(ctx, []graph.Operation{
		graph.MergeStub(alice),
		graph.MergeStub(acme),
		graph.AssertEdge(alice, acme, "WORKS_AT", "fact-1", nil),
		graph.AssertEdge(alice, acme, "WORKS_AT", "fact-2", nil),
		graph.AssertEdge(alice, acme, "WORKS_AT", "fact-1", nil),
	}))
	edges := a.Edges("WORKS_AT")
	require.Len(t, edges, 1)
	list, _ := edges[0].Properties[graph.AssertedByProperty].AsStringList()
	assert.Equal(t, []string{"fact-1", "fact-2"}, list)

	require.NoError(t, a.RunBatch(ctx, []graph.Operation{graph.Retract("fact-1")}))
	require.Len(t, a.Edges("WORKS_AT"), 1)

	require.NoError(t, a.RunBatch(ctx, []graph.Operation{graph.Retract("fact-2")}))
	assert.Empty(t, a.Edges("WORKS_AT"))
}

func TestDeleteOutgoing(t *testing.T) {
	ctx := context.Background()
	a := New()
	mem := ref(types.LabelMemory, "m")
	c1, c2 := ref(types.LabelConversation, "c1"), ref(types.LabelConversation, "c2")
	space := ref(types.LabelSpace, "s")

	require.NoError(t, a.RunBatch(ctx, []graph.Operation{
		graph.MergeStub(mem), graph.MergeStub(c1), graph.MergeStub(space),
		graph.MergeEdge(mem, c1, types.RelReferences, nil),
		graph.MergeEdge(mem, space, types.RelInSpace, nil),
	}))
	require.NoError(t, a.RunBatch(ctx, []graph.Operation{
		graph.DeleteOutgoing(mem, types.RelReferences),
		graph.MergeStub(c2),
		graph.MergeEdge(mem, c2, types.RelReferences, nil),
	}))

	refs := a.Edges(types.RelReferences)
	require.Len(t, refs, 1)
	n, err := a.GetNode(ctx, refs[0].ToID)
	require.NoError(t, err)
	assert.Equal(t, "c2", n.Properties.String(types.KeyConversation))
	assert.Len(t, a.Edges(types.RelInSpace), 1)
}

func TestUniqueConstraint(t *testing.T) {
	ctx := context.Background()
	a := New()
	require.NoError(t, a.EnsureConstraint(ctx, types.LabelFact, types.KeyFact, true))
	assert.True(t, a.HasConstraint(types.LabelFact, types.KeyFact))

	props := types.Properties{types.KeyFact: types.StringValue("f1")}
	_, err := a.CreateNode(ctx, []string{types.LabelFact}, props)
	require.NoError(t, err)

	_, err = a.CreateNode(ctx, []string{types.LabelFact}, props)
	require.Error(t, err)
	assert.True(t, graph.IsConstraintViolation(err))

	nodes, _ := a.Stats()
	assert.Equal(t, 1, nodes)
}

func TestEnsureConstraintRejectsExistingDuplicates(t *testing.T) {
	ctx := context.Background()
	a := New()
	props := types.Properties{"name": types.StringValue("dup")}
	_, err := a.CreateNode(ctx, []string{types.LabelEntity}, props)
	require.NoError(t, err)
	_, err = a.CreateNode(ctx, []string{types.LabelEntity}, props)
	require.NoError(t, err)

	err = a.EnsureConstraint(ctx, types.LabelEntity, "name", true)
	assert.True(t, graph.IsConstraintViolation(err))
}

func TestCRUDAndIncident(t *testing.T) {
	ctx := context.Background()
	a := New()

	x, err := a.CreateNode(ctx, []string{types.LabelEntity}, types.Properties{types.KeyEntity: types.StringValue("x")})
	require.NoError(t, err)
	y, err := a.CreateNode(ctx, []string{types.LabelEntity}, types.Properties{types.KeyEntity: types.StringValue("y")})
	require.NoError(t, err)
	eid, err := a.CreateEdge(ctx, x, y, "KNOWS", nil)
	require.NoError(t, err)

	out, err := a.Incident(ctx, x, types.DirectionOutgoing, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Outgoing)
	assert.Equal(t, y, out[0].Neighbor.ID)

	in, err := a.Incident(ctx, x, types.DirectionIncoming, nil)
	require.NoError(t, err)
	assert.Empty(t, in)

	require.NoError(t, a.UpdateNode(ctx, x, types.Properties{"name": types.StringValue("X")}))
	found, err := a.FindNodes(ctx, types.LabelEntity, types.Properties{"name": types.StringValue("X")})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, x, found[0].ID)

	require.NoError(t, a.DeleteEdge(ctx, eid))
	require.NoError(t, a.DeleteEdge(ctx, eid))
	require.NoError(t, a.DeleteNode(ctx, y))

	_, err = a.GetNode(ctx, y)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	assert.ErrorIs(t, a.UpdateNode(ctx, y, nil), graph.ErrNotFound)
}

func TestTraverseHandlesCycles(t *testing.T) {
	ctx := context.Background()
	a := New()
	ids := make([]string, 4)
	for i := range ids {
		id, err := a.CreateNode(ctx, []string{types.LabelEntity}, types.Properties{types.KeyEntity: types.StringValue(string(rune('a' + i)))})
		require.NoError(t, err)
		ids[i] = id
	}
	// a -> b -> c -> a, c -> d
	for _, e := range [][2]int{{0, 1}, {1, 2}, {2, 0}, {2, 3}} {
		_, err := a.CreateEdge(ctx, ids[e[0]], ids[e[1]], "RELATED", nil)
		require.NoError(t, err)
	}

	nodes, err := a.Traverse(ctx, ids[0], nil, 10, types.DirectionOutgoing)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	nodes, err = a.Traverse(ctx, ids[0], nil, 1, types.DirectionOutgoing)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	path, err := a.ShortestPath(ctx, ids[0], ids[3])
	require.NoError(t, err)
	assert.Len(t, path, 3, "a-c-d over the undirected cycle")
}

func TestShortestPathUnsupportedFallsBack(t *testing.T) {
	ctx := context.Background()
	a := New(WithoutShortestPath())
	x, _ := a.CreateNode(ctx, []string{types.LabelEntity}, types.Properties{types.KeyEntity: types.StringValue("x")})
	y, _ := a.CreateNode(ctx, []string{types.LabelEntity}, types.Properties{types.KeyEntity: types.StringValue("y")})
	z, _ := a.CreateNode(ctx, []string{types.LabelEntity}, types.Properties{types.KeyEntity: types.StringValue("z")})
	_, _ = a.CreateEdge(ctx, x, y, "KNOWS", nil)
	_, _ = a.CreateEdge(ctx, z, y, "KNOWS", nil)

	_, err := a.ShortestPath(ctx, x, z)
	assert.True(t, graph.IsUnsupported(err))
	assert.False(t, a.Capabilities().ShortestPath)

	path, err := graph.ShortestPath(ctx, a, x, z, 5)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, y, path[1].ID)

	_, err = a.Query(ctx, "MATCH (n) RETURN n", nil)
	assert.True(t, graph.IsUnsupported(err))
}

func TestDisconnected(t *testing.T) {
	ctx := context.Background()
	a := New()
	require.NoError(t, a.HealthCheck(ctx))
	require.NoError(t, a.Disconnect(ctx))
	assert.ErrorIs(t, a.HealthCheck(ctx), graph.ErrNotConnected)
	assert.ErrorIs(t, a.RunBatch(ctx, nil), graph.ErrNotConnected)
	require.NoError(t, a.Connect(ctx))
	assert.NoError(t, a.HealthCheck(ctx))
}
