// Package inmem is an in-process graph adapter backed by maps. It honours the
// full graph.Adapter contract, including all-or-nothing batches and unique
// constraints, and is used for tests, embedded use and dry runs.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

const dialect = "memory"

// FaultFunc is consulted before each operation of a batch. A non-nil error
// aborts the batch, leaving the graph unchanged.
type FaultFunc func(op graph.Operation, index int) error

// Option configures an Adapter.
type Option func(*Adapter)

// WithFault installs a fault injector for RunBatch.
func WithFault(f FaultFunc) Option {
	return func(a *Adapter) { a.fault = f }
}

// WithoutShortestPath makes ShortestPath report UnsupportedCapabilityError,
// mimicking databases without a native path algorithm.
func WithoutShortestPath() Option {
	return func(a *Adapter) { a.noShortestPath = true }
}

// Adapter is a map-backed graph database.
type Adapter struct {
	mu             sync.RWMutex
	st             *state
	closed         bool
	unique         map[string]map[string]bool
	indexes        map[string]map[string]bool
	fault          FaultFunc
	noShortestPath bool
	batches        int
}

var _ graph.Adapter = (*Adapter)(nil)

// New returns an empty, connected adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		st:      newState(),
		unique:  make(map[string]map[string]bool),
		indexes: make(map[string]map[string]bool),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetFault replaces the fault injector. Pass nil to clear it.
func (a *Adapter) SetFault(f FaultFunc) {
	a.mu.Lock()
	a.fault = f
	a.mu.Unlock()
}

// Stats returns the number of nodes and edges.
func (a *Adapter) Stats() (nodes, edges int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.st.nodes), len(a.st.edges)
}

// Batches returns the number of successfully committed batches.
func (a *Adapter) Batches() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.batches
}

// Edges returns every edge of the given type, or all edges when relType is
// empty, ordered by id.
func (a *Adapter) Edges(relType string) []types.Edge {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []types.Edge
	for _, e := range a.st.edges {
		if relType == "" || e.typ == relType {
			out = append(out, e.export())
		}
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.closed = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return graph.ErrNotConnected
	}
	return ctx.Err()
}

func (a *Adapter) Capabilities() graph.Capabilities {
	return graph.Capabilities{
		Dialect:      dialect,
		ShortestPath: !a.noShortestPath,
		RawQuery:     false,
		StableIDs:    true,
	}
}

func (a *Adapter) read(ctx context.Context) error {
	if a.closed {
		return graph.ErrNotConnected
	}
	return ctx.Err()
}

func (a *Adapter) CreateNode(ctx context.Context, labels []string, props types.Properties) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.read(ctx); err != nil {
		return "", err
	}
	for _, l := range labels {
		if err := graph.ValidateIdentifier(l); err != nil {
			return "", err
		}
	}
	n := a.st.addNode(labels, overlay(nil, props))
	if err := a.checkUnique(a.st, n); err != nil {
		a.st.removeNode(n.id)
		return "", err
	}
	return n.id, nil
}

func (a *Adapter) GetNode(ctx context.Context, id string) (*types.Node, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.read(ctx); err != nil {
		return nil, err
	}
	n, ok := a.st.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, graph.ErrNotFound)
	}
	out := n.export()
	return &out, nil
}

func (a *Adapter) UpdateNode(ctx context.Context, id string, props types.Properties) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.read(ctx); err != nil {
		return err
	}
	n, ok := a.st.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, graph.ErrNotFound)
	}
	prev := n.props
	a.st.setProps(n, overlay(prev, props))
	if err := a.checkUnique(a.st, n); err != nil {
		a.st.setProps(n, prev)
		return err
	}
	return nil
}

func (a *Adapter) DeleteNode(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.read(ctx); err != nil {
		return err
	}
	a.st.removeNode(id)
	return nil
}

func (a *Adapter) FindNodes(ctx context.Context, label string, filter types.Properties) ([]types.Node, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.read(ctx); err != nil {
		return nil, err
	}
	var out []types.Node
	for _, n := range a.st.nodes {
		if !n.hasLabel(label) {
			continue
		}
		match := true
		for k, v := range filter {
			if !n.props[k].Equal(v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, n.export())
		}
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out, nil
}

func (a *Adapter) FindNode(ctx context.Context, ref types.NodeRef) (*types.Node, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.read(ctx); err != nil {
		return nil, err
	}
	n := a.st.lookup(ref)
	if n == nil {
		return nil, fmt.Errorf("node %s: %w", ref, graph.ErrNotFound)
	}
	out := n.export()
	return &out, nil
}

func (a *Adapter) CreateEdge(ctx context.Context, fromID, toID, relType string, props types.Properties) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.read(ctx); err != nil {
		return "", err
	}
	if err := graph.ValidateIdentifier(relType); err != nil {
		return "", err
	}
	if _, ok := a.st.nodes[fromID]; !ok {
		return "", fmt.Errorf("edge start %s: %w", fromID, graph.ErrNotFound)
	}
	if _, ok := a.st.nodes[toID]; !ok {
		return "", fmt.Errorf("edge end %s: %w", toID, graph.ErrNotFound)
	}
	return a.st.addEdge(fromID, toID, relType, overlay(nil, props)).id, nil
}

func (a *Adapter) DeleteEdge(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.read(ctx); err != nil {
		return err
	}
	a.st.removeEdge(id)
	return nil
}

func (a *Adapter) Incident(ctx context.Context, nodeID string, dir types.Direction, relTypes []string) ([]types.Incidence, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.read(ctx); err != nil {
		return nil, err
	}
	if _, ok := a.st.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, graph.ErrNotFound)
	}
	return a.st.incident(nodeID, dir, relTypes), nil
}

func (a *Adapter) Query(ctx context.Context, query string, params map[string]any) ([]graph.Record, error) {
	return nil, &graph.UnsupportedCapabilityError{Capability: "query", Dialect: dialect}
}

func (a *Adapter) Traverse(ctx context.Context, startID string, relTypes []string, maxHops int, dir types.Direction) ([]types.Node, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.read(ctx); err != nil {
		return nil, err
	}
	if _, ok := a.st.nodes[startID]; !ok {
		return nil, fmt.Errorf("node %s: %w", startID, graph.ErrNotFound)
	}

	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	var out []types.Node
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, in := range a.st.incident(id, dir, relTypes) {
				nid := in.Neighbor.ID
				if visited[nid] {
					continue
				}
				visited[nid] = true
				out = append(out, in.Neighbor)
				next = append(next, nid)
			}
		}
		frontier = next
	}
	return out, nil
}

func (a *Adapter) ShortestPath(ctx context.Context, fromID, toID string) ([]types.Node, error) {
	if a.noShortestPath {
		return nil, &graph.UnsupportedCapabilityError{Capability: "shortest path", Dialect: dialect}
	}
	a.mu.RLock()
	bound := len(a.st.nodes) + 1
	a.mu.RUnlock()
	return graph.BFSPath(ctx, a, fromID, toID, bound)
}

// RunBatch applies ops to a copy of the graph and swaps it in only when every
// operation succeeds.
func (a *Adapter) RunBatch(ctx context.Context, ops []graph.Operation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.read(ctx); err != nil {
		return err
	}

	work := a.st.clone()
	for i, op := range ops {
		if a.fault != nil {
			if err := a.fault(op, i); err != nil {
				return err
			}
		}
		if err := a.apply(work, op); err != nil {
			return fmt.Errorf("batch op %d %s: %w", i, op, err)
		}
	}
	a.st = work
	a.batches++
	return nil
}

func (a *Adapter) apply(st *state, op graph.Operation) error {
	switch op.Kind {
	case graph.OpMergeNode:
		n := st.lookup(op.Node)
		if n == nil {
			props := types.Properties{op.Node.KeyProperty(): types.StringValue(op.Node.Key)}
			if len(op.Properties) == 0 {
				props[graph.StubProperty] = types.BoolValue(true)
			}
			n = st.addNode([]string{op.Node.Label}, props)
		}
		if len(op.Properties) > 0 {
			merged := overlay(n.props, op.Properties)
			merged[op.Node.KeyProperty()] = types.StringValue(op.Node.Key)
			st.setProps(n, merged)
		}
		return a.checkUnique(st, n)

	case graph.OpUpdateNode:
		n := st.lookup(op.Node)
		if n == nil {
			return fmt.Errorf("node %s: %w", op.Node, graph.ErrNotFound)
		}
		merged := overlay(n.props, op.Properties)
		merged[op.Node.KeyProperty()] = types.StringValue(op.Node.Key)
		st.setProps(n, merged)
		return a.checkUnique(st, n)

	case graph.OpDeleteNode:
		if n := st.lookup(op.Node); n != nil {
			st.removeNode(n.id)
		}
		return nil

	case graph.OpMergeEdge:
		from := st.lookup(op.From)
		if from == nil {
			return &graph.MissingEndpointError{Ref: op.From}
		}
		to := st.lookup(op.To)
		if to == nil {
			return &graph.MissingEndpointError{Ref: op.To}
		}
		e := st.findEdge(from.id, to.id, op.EdgeType)
		if e == nil {
			e = st.addEdge(from.id, to.id, op.EdgeType, nil)
		}
		props := overlay(e.props, op.Properties)
		if op.AssertedBy != "" {
			props[graph.AssertedByProperty] = types.StringListValue(addUnique(assertions(e.props), op.AssertedBy))
		}
		e.props = props
		return nil

	case graph.OpDeleteEdge:
		from, to := st.lookup(op.From), st.lookup(op.To)
		if from == nil || to == nil {
			return nil
		}
		if e := st.findEdge(from.id, to.id, op.EdgeType); e != nil {
			st.removeEdge(e.id)
		}
		return nil

	case graph.OpDeleteIncident:
		n := st.lookup(op.Node)
		if n == nil {
			return nil
		}
		for _, in := range st.incident(n.id, op.Direction, op.EdgeTypes) {
			st.removeEdge(in.Edge.ID)
		}
		return nil

	case graph.OpRetract:
		for id, e := range st.edges {
			list := assertions(e.props)
			if !contains(list, op.AssertedBy) {
				continue
			}
			remaining := remove(list, op.AssertedBy)
			if len(remaining) == 0 {
				st.removeEdge(id)
				continue
			}
			props := e.props.Clone()
			props[graph.AssertedByProperty] = types.StringListValue(remaining)
			e.props = props
		}
		return nil
	}
	return fmt.Errorf("unknown operation kind %d", int(op.Kind))
}

func (a *Adapter) EnsureConstraint(ctx context.Context, label, property string, unique bool) error {
	if err := graph.ValidateIdentifier(label); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.read(ctx); err != nil {
		return err
	}
	if !unique {
		return nil
	}
	// Existing duplicates make the constraint impossible, as on a real server.
	seen := make(map[string]string)
	for _, n := range a.st.nodes {
		if !n.hasLabel(label) {
			continue
		}
		v, ok := n.props[property]
		if !ok {
			continue
		}
		k := v.String()
		if other, dup := seen[k]; dup {
			return &graph.ConstraintViolationError{Label: label, Property: property,
				Err: fmt.Errorf("nodes %s and %s share %q", other, n.id, k)}
		}
		seen[k] = n.id
	}
	if a.unique[label] == nil {
		a.unique[label] = make(map[string]bool)
	}
	a.unique[label][property] = true
	return nil
}

func (a *Adapter) EnsureIndex(ctx context.Context, label, property string) error {
	if err := graph.ValidateIdentifier(label); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.read(ctx); err != nil {
		return err
	}
	if a.indexes[label] == nil {
		a.indexes[label] = make(map[string]bool)
	}
	a.indexes[label][property] = true
	return nil
}

// HasConstraint reports whether a unique constraint exists.
func (a *Adapter) HasConstraint(label, property string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.unique[label][property]
}

// HasIndex reports whether an index exists.
func (a *Adapter) HasIndex(label, property string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.indexes[label][property]
}

func (a *Adapter) checkUnique(st *state, n *node) error {
	for _, label := range n.labels {
		for prop := range a.unique[label] {
			v, ok := n.props[prop]
			if !ok {
				continue
			}
			for _, other := range st.nodes {
				if other.id == n.id || !other.hasLabel(label) {
					continue
				}
				if other.props[prop].Equal(v) {
					return &graph.ConstraintViolationError{Label: label, Property: prop,
						Err: fmt.Errorf("value %q already used by node %s", v.String(), other.id)}
				}
			}
		}
	}
	return nil
}

// overlay mirrors Cypher's "SET n += $props": null values remove the key.
func overlay(base, over types.Properties) types.Properties {
	out := base.Merge(over)
	for k, v := range out {
		if v.IsNull() {
			delete(out, k)
		}
	}
	return out
}

func assertions(p types.Properties) []string {
	l, _ := p[graph.AssertedByProperty].AsStringList()
	return l
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func addUnique(list []string, s string) []string {
	if contains(list, s) {
		return list
	}
	return append(append([]string(nil), list...), s)
}

func remove(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func idLess(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}
