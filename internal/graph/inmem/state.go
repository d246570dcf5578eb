package inmem

import (
	"sort"
	"strconv"

	"github.com/scrypster/graphsync/pkg/types"
)

type node struct {
	id     string
	labels []string
	props  types.Properties
}

func (n *node) hasLabel(label string) bool {
	for _, l := range n.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (n *node) export() types.Node {
	return types.Node{
		ID:         n.id,
		Labels:     append([]string(nil), n.labels...),
		Properties: n.props.Clone(),
	}
}

type edge struct {
	id    string
	from  string
	to    string
	typ   string
	props types.Properties
}

func (e *edge) export() types.Edge {
	return types.Edge{ID: e.id, FromID: e.from, ToID: e.to, Type: e.typ, Properties: e.props.Clone()}
}

// state is one immutable-by-convention snapshot of the graph. Batches mutate
// a clone and swap it in on success.
type state struct {
	seq   int64
	nodes map[string]*node
	edges map[string]*edge
	out   map[string]map[string]struct{}
	in    map[string]map[string]struct{}
	keys  map[types.NodeRef]string
}

func newState() *state {
	return &state{
		nodes: make(map[string]*node),
		edges: make(map[string]*edge),
		out:   make(map[string]map[string]struct{}),
		in:    make(map[string]map[string]struct{}),
		keys:  make(map[types.NodeRef]string),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.seq = s.seq
	for id, n := range s.nodes {
		cp := *n
		cp.labels = append([]string(nil), n.labels...)
		c.nodes[id] = &cp
	}
	for id, e := range s.edges {
		cp := *e
		c.edges[id] = &cp
	}
	for id, set := range s.out {
		c.out[id] = cloneSet(set)
	}
	for id, set := range s.in {
		c.in[id] = cloneSet(set)
	}
	for ref, id := range s.keys {
		c.keys[ref] = id
	}
	return c
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func (s *state) nextID() string {
	s.seq++
	return strconv.FormatInt(s.seq, 10)
}

func (s *state) lookup(ref types.NodeRef) *node {
	id, ok := s.keys[ref]
	if !ok {
		return nil
	}
	return s.nodes[id]
}

func (s *state) refs(n *node) []types.NodeRef {
	var refs []types.NodeRef
	for _, l := range n.labels {
		prop, ok := types.KeyProperty(l)
		if !ok {
			continue
		}
		if key := n.props.String(prop); key != "" {
			refs = append(refs, types.NodeRef{Label: l, Key: key})
		}
	}
	return refs
}

func (s *state) addNode(labels []string, props types.Properties) *node {
	if props == nil {
		props = types.Properties{}
	}
	n := &node{id: s.nextID(), labels: append([]string(nil), labels...), props: props}
	s.nodes[n.id] = n
	s.index(n)
	return n
}

// index registers the node's domain keys. A key already held by another node
// is left pointing at the older node; the unique constraint check reports the
// collision.
func (s *state) index(n *node) {
	for _, ref := range s.refs(n) {
		if _, taken := s.keys[ref]; !taken {
			s.keys[ref] = n.id
		}
	}
}

func (s *state) unindex(n *node) {
	for _, ref := range s.refs(n) {
		if s.keys[ref] == n.id {
			delete(s.keys, ref)
		}
	}
}

func (s *state) setProps(n *node, props types.Properties) {
	s.unindex(n)
	n.props = props
	s.index(n)
}

func (s *state) removeNode(id string) {
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	for eid := range s.out[id] {
		s.removeEdge(eid)
	}
	for eid := range s.in[id] {
		s.removeEdge(eid)
	}
	s.unindex(n)
	delete(s.nodes, id)
	delete(s.out, id)
	delete(s.in, id)
}

func (s *state) addEdge(from, to, typ string, props types.Properties) *edge {
	if props == nil {
		props = types.Properties{}
	}
	e := &edge{id: s.nextID(), from: from, to: to, typ: typ, props: props}
	s.edges[e.id] = e
	if s.out[from] == nil {
		s.out[from] = make(map[string]struct{})
	}
	if s.in[to] == nil {
		s.in[to] = make(map[string]struct{})
	}
	s.out[from][e.id] = struct{}{}
	s.in[to][e.id] = struct{}{}
	return e
}

func (s *state) removeEdge(id string) {
	e, ok := s.edges[id]
	if !ok {
		return
	}
	delete(s.out[e.from], id)
	delete(s.in[e.to], id)
	delete(s.edges, id)
}

func (s *state) findEdge(from, to, typ string) *edge {
	for eid := range s.out[from] {
		e := s.edges[eid]
		if e.to == to && e.typ == typ {
			return e
		}
	}
	return nil
}

func (s *state) incident(id string, dir types.Direction, relTypes []string) []types.Incidence {
	allowed := func(t string) bool {
		if len(relTypes) == 0 {
			return true
		}
		for _, r := range relTypes {
			if r == t {
				return true
			}
		}
		return false
	}

	var out []types.Incidence
	if dir == types.DirectionOutgoing || dir == types.DirectionBoth {
		for eid := range s.out[id] {
			e := s.edges[eid]
			if allowed(e.typ) {
				out = append(out, types.Incidence{Edge: e.export(), Neighbor: s.nodes[e.to].export(), Outgoing: true})
			}
		}
	}
	if dir == types.DirectionIncoming || dir == types.DirectionBoth {
		for eid := range s.in[id] {
			e := s.edges[eid]
			// A self loop was already reported as outgoing.
			if dir == types.DirectionBoth && e.from == id {
				continue
			}
			if allowed(e.typ) {
				out = append(out, types.Incidence{Edge: e.export(), Neighbor: s.nodes[e.from].export(), Outgoing: false})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].Edge.ID, out[j].Edge.ID) })
	return out
}
