package orphan_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/internal/graph/inmem"
	"github.com/scrypster/graphsync/internal/orphan"
	"github.com/scrypster/graphsync/internal/schema"
	"github.com/scrypster/graphsync/internal/translator"
	"github.com/scrypster/graphsync/pkg/types"
)

func entity(key string) types.NodeRef { return types.NodeRef{Label: types.LabelEntity, Key: key} }
func fact(key string) types.NodeRef   { return types.NodeRef{Label: types.LabelFact, Key: key} }

func named(ref types.NodeRef) graph.Operation {
	return graph.MergeNode(ref, types.Properties{"name": types.StringValue(ref.Key)})
}

func factNode(ref types.NodeRef) graph.Operation {
	return graph.MergeNode(ref, types.Properties{"fact": types.StringValue(ref.Key)})
}

func exists(t *testing.T, a *inmem.Adapter, ref types.NodeRef) bool {
	t.Helper()
	_, err := a.FindNode(context.Background(), ref)
	if errors.Is(err, graph.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func syncDocs(t *testing.T, a *inmem.Adapter, docs ...any) {
	t.Helper()
	tr := translator.New(schema.Default())
	for _, d := range docs {
		plan, err := tr.UpsertEntity(d)
		require.NoError(t, err)
		require.NoError(t, a.RunBatch(context.Background(), plan.Ops))
	}
}

func deleteFact(t *testing.T, ex *orphan.Executor, id string) *orphan.Plan {
	t.Helper()
	plan, err := ex.Execute(context.Background(), fact(id), []graph.Operation{graph.Retract(id)})
	require.NoError(t, err)
	return plan
}

func TestDeleteFactRemovesItsEntities(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a, &types.Fact{ID: "fact-1", Fact: "Alice works at Acme", Subject: "Alice", Predicate: "WORKS_AT", Object: "Acme"})

	require.True(t, exists(t, a, entity("alice")))
	require.Len(t, a.Edges("WORKS_AT"), 1)
	require.Len(t, a.Edges(types.RelMentions), 2)

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	plan := deleteFact(t, ex, "fact-1")

	assert.True(t, plan.Found)
	assert.ElementsMatch(t, []types.NodeRef{entity("alice"), entity("acme")}, plan.Orphans)
	assert.NoError(t, plan.Warning)

	nodes, edges := a.Stats()
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestDeleteFactKeepsSharedEntity(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a,
		&types.Fact{ID: "fact-1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Acme"},
		&types.Fact{ID: "fact-2", Fact: "y", Subject: "alice", Predicate: "knows", Object: "Bob"},
	)

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	plan := deleteFact(t, ex, "fact-1")

	assert.Equal(t, []types.NodeRef{entity("acme")}, plan.Orphans)
	assert.True(t, exists(t, a, entity("alice")))
	assert.True(t, exists(t, a, entity("bob")))
	assert.False(t, exists(t, a, entity("acme")))
	assert.Empty(t, a.Edges("WORKS_AT"))
	assert.Len(t, a.Edges("KNOWS"), 1)
}

func TestSemanticEdgeAssertedByOtherFactKeepsTarget(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a,
		&types.Fact{ID: "fact-1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Acme"},
		&types.Fact{ID: "fact-2", Fact: "y", Subject: "Alice", Predicate: "works at", Object: "Acme"},
	)
	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	plan := deleteFact(t, ex, "fact-1")

	assert.Empty(t, plan.Orphans)
	require.Len(t, a.Edges("WORKS_AT"), 1)
	asserted, _ := a.Edges("WORKS_AT")[0].Properties[graph.AssertedByProperty].AsStringList()
	assert.Equal(t, []string{"fact-2"}, asserted)
}

func TestOrphanIslandIsRemoved(t *testing.T) {
	ctx := context.Background()
	a := inmem.New()
	require.NoError(t, a.RunBatch(ctx, []graph.Operation{
		factNode(fact("f1")),
		named(entity("a")),
		named(entity("b")),
		graph.MergeEdge(fact("f1"), entity("a"), types.RelMentions, nil),
		graph.MergeEdge(entity("a"), entity("b"), "KNOWS", nil),
		graph.MergeEdge(entity("b"), entity("a"), "KNOWS", nil),
	}))

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	plan, err := ex.Execute(ctx, fact("f1"), nil)
	require.NoError(t, err)

	assert.Equal(t, []types.NodeRef{entity("a"), entity("b")}, plan.Orphans)
	nodes, edges := a.Stats()
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestIslandWithExternalAnchorSurvives(t *testing.T) {
	ctx := context.Background()
	a := inmem.New()
	require.NoError(t, a.RunBatch(ctx, []graph.Operation{
		factNode(fact("f1")),
		factNode(fact("f2")),
		named(entity("a")),
		named(entity("b")),
		graph.MergeEdge(fact("f1"), entity("a"), types.RelMentions, nil),
		graph.MergeEdge(entity("a"), entity("b"), "KNOWS", nil),
		graph.MergeEdge(entity("b"), entity("a"), "KNOWS", nil),
		graph.MergeEdge(fact("f2"), entity("b"), types.RelMentions, nil),
	}))

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	plan, err := ex.Execute(ctx, fact("f1"), nil)
	require.NoError(t, err)

	assert.Empty(t, plan.Orphans)
	assert.True(t, exists(t, a, entity("a")))
	assert.True(t, exists(t, a, entity("b")))
	assert.False(t, exists(t, a, fact("f1")))
}

func TestAnchorsAreNeverOrphaned(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a,
		&types.Space{ID: "space-1", Name: "Home"},
		&types.Conversation{ID: "conv-1", SpaceID: "space-1"},
		&types.Memory{ID: "mem-1", Content: "x", ConversationID: "conv-1", SpaceID: "space-1"},
		&types.Fact{ID: "fact-1", Fact: "x", Subject: "Alice", Predicate: "uses", Object: "Go",
			SourceMemoryID: "mem-1", SourceConversationID: "conv-1", SpaceID: "space-1"},
	)

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	plan := deleteFact(t, ex, "fact-1")

	assert.ElementsMatch(t, []types.NodeRef{entity("alice"), entity("go")}, plan.Orphans)
	assert.True(t, exists(t, a, types.EntityTypeMemory.Ref("mem-1")))
	assert.True(t, exists(t, a, types.EntityTypeConversation.Ref("conv-1")))
	assert.True(t, exists(t, a, types.EntityTypeSpace.Ref("space-1")))
}

func TestStubEndpointsAreRemovable(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a, &types.Memory{ID: "mem-1", Content: "x", ConversationID: "conv-9", UserID: "user-1"})

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	plan, err := ex.Execute(context.Background(), types.EntityTypeMemory.Ref("mem-1"), nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []types.NodeRef{
		types.EntityTypeConversation.Ref("conv-9"),
		types.EntityTypeUser.Ref("user-1"),
	}, plan.Orphans)
	nodes, _ := a.Stats()
	assert.Zero(t, nodes)
}

func TestSyncedConversationIsExplicit(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a,
		&types.Conversation{ID: "conv-1"},
		&types.Memory{ID: "mem-1", Content: "x", ConversationID: "conv-1"},
	)

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	plan, err := ex.Execute(context.Background(), types.EntityTypeMemory.Ref("mem-1"), nil)
	require.NoError(t, err)

	assert.Empty(t, plan.Orphans)
	assert.True(t, exists(t, a, types.EntityTypeConversation.Ref("conv-1")))
}

func TestDeleteContextWithTwoChildren(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a,
		&types.Context{ID: "parent", Purpose: "plan"},
		&types.Context{ID: "child-1", ParentID: "parent", Purpose: "a", Depth: 1},
		&types.Context{ID: "child-2", ParentID: "parent", Purpose: "b", Depth: 1},
	)
	require.Len(t, a.Edges(types.RelChildOf), 2)
	require.Len(t, a.Edges(types.RelParentOf), 2)

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	parent := types.EntityTypeContext.Ref("parent")
	plan, err := ex.Execute(context.Background(), parent, nil)
	require.NoError(t, err)

	require.Len(t, plan.Ops, 3)
	assert.Equal(t, graph.DeleteOutgoing(parent, types.RelParentOf), plan.Ops[0])
	assert.Equal(t, graph.DeleteIncoming(parent, types.RelChildOf), plan.Ops[1])
	assert.Equal(t, graph.DeleteNode(parent), plan.Ops[2])

	assert.Empty(t, plan.Orphans)
	assert.True(t, exists(t, a, types.EntityTypeContext.Ref("child-1")))
	assert.True(t, exists(t, a, types.EntityTypeContext.Ref("child-2")))
	assert.Empty(t, a.Edges(types.RelChildOf))
	assert.Empty(t, a.Edges(types.RelParentOf))
}

func TestFailedBatchLeavesGraphUnchanged(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a, &types.Fact{ID: "fact-1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Acme"})
	nodesBefore, edgesBefore := a.Stats()

	boom := errors.New("connection reset")
	a.SetFault(func(op graph.Operation, i int) error {
		if op.Kind == graph.OpDeleteNode && op.Node == entity("acme") {
			return boom
		}
		return nil
	})

	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	_, err := ex.Execute(context.Background(), fact("fact-1"), []graph.Operation{graph.Retract("fact-1")})
	require.ErrorIs(t, err, boom)

	nodes, edges := a.Stats()
	assert.Equal(t, nodesBefore, nodes)
	assert.Equal(t, edgesBefore, edges)
	assert.Len(t, a.Edges("WORKS_AT"), 1)

	a.SetFault(nil)
	plan := deleteFact(t, ex, "fact-1")
	assert.Len(t, plan.Orphans, 2)
	nodes, _ = a.Stats()
	assert.Zero(t, nodes)
}

func TestHopBoundIsConservative(t *testing.T) {
	ctx := context.Background()
	a := inmem.New()
	ops := []graph.Operation{factNode(fact("f1"))}
	chain := []string{"e1", "e2", "e3", "e4"}
	prev := fact("f1")
	for _, k := range chain {
		ops = append(ops, named(entity(k)), graph.MergeEdge(prev, entity(k), "LEADS_TO", nil))
		prev = entity(k)
	}
	require.NoError(t, a.RunBatch(ctx, ops))

	cfg := orphan.DefaultConfig()
	cfg.Bounds = orphan.Bounds{MaxHops: 2}
	ex := orphan.NewExecutor(a, cfg, nil)
	plan, err := ex.Execute(ctx, fact("f1"), nil)
	require.NoError(t, err)

	assert.Equal(t, []types.NodeRef{entity("e1"), entity("e2")}, plan.Orphans)
	var depthErr *orphan.DepthExceededError
	require.ErrorAs(t, plan.Warning, &depthErr)
	assert.Equal(t, "maxHops", depthErr.Bound)
	assert.Equal(t, 1, depthErr.Frontier)
	assert.True(t, exists(t, a, entity("e3")))
	assert.True(t, exists(t, a, entity("e4")))
}

func TestMissingSeed(t *testing.T) {
	a := inmem.New()
	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)

	plan, err := ex.Execute(context.Background(), fact("gone"), nil)
	require.NoError(t, err)
	assert.False(t, plan.Found)
	assert.Zero(t, a.Batches())

	plan, err = ex.Execute(context.Background(), fact("gone"), []graph.Operation{graph.Retract("gone")})
	require.NoError(t, err)
	assert.False(t, plan.Found)
	assert.Equal(t, 1, a.Batches())
}

func TestDeleteTwiceConverges(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a, &types.Fact{ID: "fact-1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Acme"})
	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)

	first := deleteFact(t, ex, "fact-1")
	second := deleteFact(t, ex, "fact-1")
	assert.True(t, first.Found)
	assert.False(t, second.Found)

	nodes, edges := a.Stats()
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestCleanupDisabled(t *testing.T) {
	a := inmem.New()
	syncDocs(t, a, &types.Fact{ID: "fact-1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Acme"})

	cfg := orphan.DefaultConfig()
	cfg.Cleanup = false
	ex := orphan.NewExecutor(a, cfg, nil)
	plan := deleteFact(t, ex, "fact-1")

	assert.Empty(t, plan.Orphans)
	assert.False(t, exists(t, a, fact("fact-1")))
	assert.True(t, exists(t, a, entity("alice")))
	assert.True(t, exists(t, a, entity("acme")))
	assert.Empty(t, a.Edges("WORKS_AT"))
}

func TestKeepIfReferencedBy(t *testing.T) {
	ctx := context.Background()
	a := inmem.New()
	require.NoError(t, a.RunBatch(ctx, []graph.Operation{
		factNode(fact("f1")),
		factNode(fact("f2")),
		named(entity("x")),
		named(entity("y")),
		graph.MergeEdge(fact("f1"), entity("y"), types.RelMentions, nil),
		graph.MergeEdge(fact("f2"), entity("x"), types.RelMentions, nil),
		graph.MergeEdge(entity("x"), entity("y"), "KNOWS", nil),
	}))

	cfg := orphan.DefaultConfig()
	cfg.Rules.Labels[types.LabelEntity] = orphan.Rule{Role: orphan.RoleEligible, KeepIfReferencedBy: []string{types.RelMentions}}
	ex := orphan.NewExecutor(a, cfg, nil)
	plan, err := ex.Plan(ctx, fact("f1"), nil)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeRef{entity("y")}, plan.Orphans)

	plan, err = orphan.NewExecutor(a, orphan.DefaultConfig(), nil).Plan(ctx, fact("f1"), nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Orphans, "KNOWS from a live entity supports y by default")
}

// resync applies an upsert together with the removal of the neighbours it
// detaches, the way the worker does.
func resync(t *testing.T, a *inmem.Adapter, ex *orphan.Executor, doc any) *orphan.Plan {
	t.Helper()
	ctx := context.Background()
	up, err := translator.New(schema.Default()).UpsertEntity(doc)
	require.NoError(t, err)
	plan, err := ex.PlanDetached(ctx, up.Ref, up.Ops)
	require.NoError(t, err)
	require.NoError(t, a.RunBatch(ctx, append(up.Ops, plan.Ops...)))
	return plan
}

func TestChangedObjectDropsOldEntity(t *testing.T) {
	a := inmem.New()
	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	resync(t, a, ex, &types.Fact{ID: "f1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Acme"})

	plan := resync(t, a, ex, &types.Fact{ID: "f1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Globex"})
	assert.True(t, plan.Found)
	assert.Equal(t, []types.NodeRef{entity("acme")}, plan.Orphans)
	assert.False(t, exists(t, a, entity("acme")))
	assert.True(t, exists(t, a, entity("alice")))
	assert.True(t, exists(t, a, entity("globex")))
	require.Len(t, a.Edges("WORKS_AT"), 1)

	deleteFact(t, ex, "f1")
	nodes, edges := a.Stats()
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestChangedObjectKeepsSharedEntity(t *testing.T) {
	a := inmem.New()
	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	resync(t, a, ex, &types.Fact{ID: "f1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Acme"})
	resync(t, a, ex, &types.Fact{ID: "f2", Fact: "y", Subject: "Bob", Predicate: "works at", Object: "Acme"})

	plan := resync(t, a, ex, &types.Fact{ID: "f1", Fact: "x", Subject: "Alice", Predicate: "works at", Object: "Globex"})
	assert.Empty(t, plan.Orphans)
	assert.True(t, exists(t, a, entity("acme")))
}

func TestChangedReferencesDropOldStubs(t *testing.T) {
	a := inmem.New()
	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	resync(t, a, ex, &types.Memory{ID: "m1", Content: "x", ConversationID: "c1", UserID: "u1"})

	plan := resync(t, a, ex, &types.Memory{ID: "m1", Content: "x", ConversationID: "c2", UserID: "u2"})
	assert.ElementsMatch(t, []types.NodeRef{
		types.EntityTypeConversation.Ref("c1"),
		types.EntityTypeUser.Ref("u1"),
	}, plan.Orphans)
	assert.True(t, exists(t, a, types.EntityTypeConversation.Ref("c2")))
	assert.True(t, exists(t, a, types.EntityTypeUser.Ref("u2")))

	_, err := ex.Execute(context.Background(), types.EntityTypeMemory.Ref("m1"), nil)
	require.NoError(t, err)
	nodes, edges := a.Stats()
	assert.Zero(t, nodes)
	assert.Zero(t, edges)
}

func TestUnchangedResyncDropsNothing(t *testing.T) {
	a := inmem.New()
	ex := orphan.NewExecutor(a, orphan.DefaultConfig(), nil)
	doc := &types.Memory{ID: "m1", Content: "x", ConversationID: "c1", UserID: "u1"}

	first := resync(t, a, ex, doc)
	assert.False(t, first.Found, "a new node detaches nothing")
	assert.Empty(t, first.Ops)

	second := resync(t, a, ex, doc)
	assert.True(t, second.Found)
	assert.Empty(t, second.Orphans)
	nodes, _ := a.Stats()
	assert.Equal(t, 3, nodes)
}

func TestPlanDetachedWithCleanupDisabled(t *testing.T) {
	a := inmem.New()
	cfg := orphan.DefaultConfig()
	cfg.Cleanup = false
	ex := orphan.NewExecutor(a, cfg, nil)
	resync(t, a, ex, &types.Memory{ID: "m1", Content: "x", UserID: "u1"})

	plan := resync(t, a, ex, &types.Memory{ID: "m1", Content: "x", UserID: "u2"})
	assert.Empty(t, plan.Ops)
	assert.True(t, exists(t, a, types.EntityTypeUser.Ref("u1")))
}

func TestRules(t *testing.T) {
	rules := orphan.DefaultRules()

	for _, label := range []string{types.LabelMemory, types.LabelFact, types.LabelContext, types.LabelSpace, types.LabelConversation} {
		n := &types.Node{Labels: []string{label}}
		assert.False(t, rules.Eligible(n), label)
	}
	for _, label := range []string{types.LabelEntity, types.LabelUser} {
		n := &types.Node{Labels: []string{label}}
		assert.True(t, rules.Eligible(n), label)
	}

	stub := &types.Node{Labels: []string{types.LabelSpace}, Properties: types.Properties{graph.StubProperty: types.BoolValue(true)}}
	assert.True(t, rules.Eligible(stub))
	rules.StubsEligible = false
	assert.False(t, rules.Eligible(stub))

	assert.False(t, rules.Eligible(&types.Node{Labels: []string{"Unmanaged"}}))

	for _, rel := range orphan.NonDependencyTypes {
		assert.False(t, rules.IsDependency(rel), rel)
	}
	assert.True(t, rules.IsDependency(types.RelMentions))

	role, err := orphan.ParseRole("Anchor")
	require.NoError(t, err)
	assert.Equal(t, orphan.RoleAnchor, role)
	_, err = orphan.ParseRole("sometimes")
	assert.Error(t, err)
}
