package neo4j

import (
	"fmt"
	"strconv"

	neo "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

// nativeID prefers the element id and falls back to the legacy integer id
// for servers that do not report element ids.
func nativeID(elementID string, legacy int64) string {
	if elementID != "" {
		return elementID
	}
	return strconv.FormatInt(legacy, 10)
}

func toProperties(raw map[string]any) types.Properties {
	props := make(types.Properties, len(raw))
	for k, v := range raw {
		val, err := types.ValueOf(v)
		if err != nil {
			// Properties written by other tools may use types the engine
			// does not model; keep a readable form instead of failing reads.
			val = types.StringValue(fmt.Sprint(v))
		}
		if !val.IsNull() {
			props[k] = val
		}
	}
	return props
}

func toNode(n neo.Node) types.Node {
	props := toProperties(n.Props)
	return types.Node{
		ID:         nativeID(n.ElementId, n.Id), //nolint:staticcheck
		Labels:     append([]string(nil), n.Labels...),
		Properties: props,
	}
}

func toEdge(r neo.Relationship) types.Edge {
	props := toProperties(r.Props)
	return types.Edge{
		ID:         nativeID(r.ElementId, r.Id),           //nolint:staticcheck
		FromID:     nativeID(r.StartElementId, r.StartId), //nolint:staticcheck
		ToID:       nativeID(r.EndElementId, r.EndId),     //nolint:staticcheck
		Type:       r.Type,
		Properties: props,
	}
}

// convertValue maps driver graph types onto engine types, leaving scalars as
// they are.
func convertValue(v any) any {
	switch t := v.(type) {
	case neo.Node:
		return toNode(t)
	case neo.Relationship:
		return toEdge(t)
	case neo.Path:
		nodes := make([]types.Node, len(t.Nodes))
		for i, n := range t.Nodes {
			nodes[i] = toNode(n)
		}
		return nodes
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = convertValue(item)
		}
		return out
	}
	return v
}

func toRecord(rec *neo.Record) graph.Record {
	out := make(graph.Record, len(rec.Keys))
	for i, k := range rec.Keys {
		out[k] = convertValue(rec.Values[i])
	}
	return out
}

func recordNode(rec *neo.Record, key string) (types.Node, error) {
	raw, ok := rec.Get(key)
	if !ok {
		return types.Node{}, fmt.Errorf("record has no column %q", key)
	}
	n, ok := raw.(neo.Node)
	if !ok {
		return types.Node{}, fmt.Errorf("column %q is %T, not a node", key, raw)
	}
	return toNode(n), nil
}

func recordInt(rec *neo.Record, key string) int64 {
	raw, ok := rec.Get(key)
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func recordBool(rec *neo.Record, key string) bool {
	raw, _ := rec.Get(key)
	b, _ := raw.(bool)
	return b
}
