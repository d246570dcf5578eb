// Package graph defines the database-agnostic contract the sync engine uses
// to talk to a property-graph database.
//
// The contract is split into small interfaces that are composed into
// Adapter. Callers should depend on the narrowest interface they need: the
// orphan detector only reads incidences, the worker only runs batches.
//
// Native node and edge identifiers (Node.ID, Edge.ID) are only meaningful
// within a single connection. Anything that must be idempotent addresses
// nodes through types.NodeRef, the label plus domain key.
package graph

import (
	"context"

	"github.com/scrypster/graphsync/pkg/types"
)

// Record is one row returned by a raw query.
type Record map[string]any

// Capabilities describes optional features and identifier semantics of a
// connected adapter.
type Capabilities struct {
	// Dialect names the concrete database flavour ("neo4j", "memgraph",
	// "memory").
	Dialect string

	// ShortestPath is false when ShortestPath always returns
	// UnsupportedCapabilityError.
	ShortestPath bool

	// RawQuery is false when Query always returns UnsupportedCapabilityError.
	RawQuery bool

	// StableIDs reports whether native ids survive restarts. Informational
	// only; the engine never matches on native ids.
	StableIDs bool
}

// Lifecycle manages the connection to the database.
type Lifecycle interface {
	// Connect opens the connection and detects database specifics.
	Connect(ctx context.Context) error

	// Disconnect releases all resources. Safe to call more than once.
	Disconnect(ctx context.Context) error

	// HealthCheck verifies the database is reachable.
	HealthCheck(ctx context.Context) error

	// Capabilities reports what the connected database supports.
	Capabilities() Capabilities
}

// NodeStore provides node CRUD.
type NodeStore interface {
	CreateNode(ctx context.Context, labels []string, props types.Properties) (string, error)

	// GetNode returns ErrNotFound when no node has the id.
	GetNode(ctx context.Context, id string) (*types.Node, error)

	// UpdateNode overlays props onto the node. Returns ErrNotFound when the
	// node does not exist.
	UpdateNode(ctx context.Context, id string, props types.Properties) error

	// DeleteNode removes the node together with its incident edges.
	// Deleting a missing node is not an error.
	DeleteNode(ctx context.Context, id string) error

	// FindNodes returns nodes with the label whose properties equal every
	// entry of filter.
	FindNodes(ctx context.Context, label string, filter types.Properties) ([]types.Node, error)

	// FindNode looks a node up by domain key. Returns ErrNotFound when absent.
	FindNode(ctx context.Context, ref types.NodeRef) (*types.Node, error)
}

// EdgeStore provides edge CRUD and adjacency.
type EdgeStore interface {
	CreateEdge(ctx context.Context, fromID, toID, relType string, props types.Properties) (string, error)

	// DeleteEdge removes an edge by native id. Deleting a missing edge is not
	// an error.
	DeleteEdge(ctx context.Context, id string) error

	// Incident lists the edges touching the node in the given direction,
	// restricted to relTypes when non-empty.
	Incident(ctx context.Context, nodeID string, dir types.Direction, relTypes []string) ([]types.Incidence, error)
}

// Querier provides multi-hop reads.
type Querier interface {
	// Query runs a raw parameterized query. Adapters without a query
	// language return UnsupportedCapabilityError.
	Query(ctx context.Context, query string, params map[string]any) ([]Record, error)

	// Traverse returns the distinct nodes reachable from startID within
	// maxHops, excluding the start node, in breadth-first order.
	Traverse(ctx context.Context, startID string, relTypes []string, maxHops int, dir types.Direction) ([]types.Node, error)

	// ShortestPath returns the nodes on a shortest undirected path, both ends
	// included. Returns ErrNotFound when no path exists and
	// UnsupportedCapabilityError when the database cannot compute it.
	ShortestPath(ctx context.Context, fromID, toID string) ([]types.Node, error)
}

// BatchWriter applies a list of operations all-or-nothing.
type BatchWriter interface {
	RunBatch(ctx context.Context, ops []Operation) error
}

// SchemaManager creates constraints and indexes idempotently.
type SchemaManager interface {
	EnsureConstraint(ctx context.Context, label, property string, unique bool) error
	EnsureIndex(ctx context.Context, label, property string) error
}

// Reader is the read side used by orphan detection and diagnostics.
type Reader interface {
	NodeStore
	EdgeStore
}

// Adapter is the full graph database contract.
type Adapter interface {
	Lifecycle
	NodeStore
	EdgeStore
	Querier
	BatchWriter
	SchemaManager
}
