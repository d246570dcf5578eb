package graph

import (
	"context"
	"fmt"

	"github.com/scrypster/graphsync/pkg/types"
)

// DefaultMaxPathHops bounds the fallback shortest-path search.
const DefaultMaxPathHops = 15

// ShortestPath asks the adapter for a shortest path between two nodes and
// falls back to a bounded breadth-first search over Incident when the adapter
// reports the capability as unsupported.
func ShortestPath(ctx context.Context, a interface {
	Querier
	Reader
}, fromID, toID string, maxHops int) ([]types.Node, error) {
	path, err := a.ShortestPath(ctx, fromID, toID)
	if err == nil || !IsUnsupported(err) {
		return path, err
	}
	return BFSPath(ctx, a, fromID, toID, maxHops)
}

// BFSPath finds a shortest undirected path using only Incident lookups.
func BFSPath(ctx context.Context, r Reader, fromID, toID string, maxHops int) ([]types.Node, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxPathHops
	}

	start, err := r.GetNode(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("shortest path start: %w", err)
	}
	if fromID == toID {
		return []types.Node{*start}, nil
	}

	nodes := map[string]types.Node{fromID: *start}
	parent := map[string]string{fromID: ""}
	frontier := []string{fromID}

	for depth := 0; depth < maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			inc, err := r.Incident(ctx, id, types.DirectionBoth, nil)
			if err != nil {
				return nil, fmt.Errorf("shortest path expand %s: %w", id, err)
			}
			for _, in := range inc {
				nid := in.Neighbor.ID
				if _, seen := parent[nid]; seen {
					continue
				}
				parent[nid] = id
				nodes[nid] = in.Neighbor
				if nid == toID {
					return unwind(nid, parent, nodes), nil
				}
				next = append(next, nid)
			}
		}
		frontier = next
	}
	return nil, ErrNotFound
}

func unwind(id string, parent map[string]string, nodes map[string]types.Node) []types.Node {
	var rev []types.Node
	for cur := id; cur != ""; cur = parent[cur] {
		rev = append(rev, nodes[cur])
	}
	path := make([]types.Node, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path
}
