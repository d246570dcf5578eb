package neo4j

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

// newTestAdapter connects to the database named by GRAPHSYNC_TEST_NEO4J_URI
// and skips the test when it is unset.
func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	uri := os.Getenv("GRAPHSYNC_TEST_NEO4J_URI")
	if uri == "" || testing.Short() {
		t.Skip("GRAPHSYNC_TEST_NEO4J_URI not set; skipping graph database integration test")
	}
	a := New(Config{
		URI:      uri,
		Username: envOr("GRAPHSYNC_TEST_NEO4J_USERNAME", "neo4j"),
		Password: envOr("GRAPHSYNC_TEST_NEO4J_PASSWORD", "password"),
		Dialect:  DialectAuto,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx))
	t.Cleanup(func() {
		_, _ = a.Query(context.Background(), "MATCH (n) WHERE n.testRun = $run DETACH DELETE n", map[string]any{"run": t.Name()})
		_ = a.Disconnect(context.Background())
	})
	return a
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestIntegrationBatchIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	run := types.StringValue(t.Name())

	require.NoError(t, a.EnsureConstraint(ctx, types.LabelEntity, types.KeyEntity, true))
	require.NoError(t, a.EnsureConstraint(ctx, types.LabelEntity, types.KeyEntity, true))

	alice := types.NodeRef{Label: types.LabelEntity, Key: "it-alice"}
	acme := types.NodeRef{Label: types.LabelEntity, Key: "it-acme"}
	batch := []graph.Operation{
		graph.MergeNode(alice, types.Properties{"name": types.StringValue("Alice"), "testRun": run}),
		graph.MergeNode(acme, types.Properties{"name": types.StringValue("Acme"), "testRun": run}),
		graph.AssertEdge(alice, acme, "WORKS_AT", "it-fact", nil),
	}
	require.NoError(t, a.RunBatch(ctx, batch))
	require.NoError(t, a.RunBatch(ctx, batch))

	n, err := a.FindNode(ctx, alice)
	require.NoError(t, err)
	inc, err := a.Incident(ctx, n.ID, types.DirectionOutgoing, []string{"WORKS_AT"})
	require.NoError(t, err)
	require.Len(t, inc, 1)
	list, _ := inc[0].Edge.Properties[graph.AssertedByProperty].AsStringList()
	assert.Equal(t, []string{"it-fact"}, list)

	err = a.RunBatch(ctx, []graph.Operation{
		graph.DeleteNode(alice),
		graph.MergeEdge(acme, types.NodeRef{Label: types.LabelEntity, Key: "it-missing"}, "KNOWS", nil),
	})
	assert.True(t, graph.IsMissingEndpoint(err))
	_, err = a.FindNode(ctx, alice)
	assert.NoError(t, err, "failed batch must roll back the delete")
}
