package orphan

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

// Result is the outcome of one detection pass.
type Result struct {
	// Seed is nil when the seed node does not exist.
	Seed *types.Node

	// Incident holds every edge touching the seed.
	Incident []types.Incidence

	// Orphans are the nodes that lose all support once the seed is gone,
	// in discovery order.
	Orphans []types.Node

	// Explored is the number of candidate nodes examined.
	Explored int

	// Warning is a *DepthExceededError when a bound cut the pass short.
	Warning error
}

// Detector computes orphan sets. It only reads the graph.
type Detector struct {
	reader graph.Reader
	rules  Rules
	bounds Bounds
	logger *zap.Logger
}

// NewDetector returns a detector over r.
func NewDetector(r graph.Reader, rules Rules, bounds Bounds, logger *zap.Logger) *Detector {
	bounds.Normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{reader: r, rules: rules, bounds: bounds, logger: logger}
}

// pass holds the state of one detection run. Node ids are only used within
// the pass.
type pass struct {
	d          *Detector
	check      *checker
	retracting map[string]bool

	doomed   map[string]bool
	region   map[string]*types.Node
	order    []string
	incident map[string][]types.Incidence
	frontier map[string]bool
	bound    string

	// Set for a detached pass: the surviving origin node, the edge types
	// cut from it and the nodes that gain support in the same batch.
	origin string
	cut    map[string]bool
	kept   map[types.NodeRef]bool
}

func (d *Detector) newPass(retracting []string) *pass {
	p := &pass{
		d:          d,
		check:      newChecker(d.bounds),
		retracting: make(map[string]bool, len(retracting)),
		doomed:     make(map[string]bool),
		region:     make(map[string]*types.Node),
		incident:   make(map[string][]types.Incidence),
		frontier:   make(map[string]bool),
	}
	for _, id := range retracting {
		p.retracting[id] = true
	}
	return p
}

// Detect finds the nodes orphaned by deleting seed. retracting lists fact ids
// whose assertions are withdrawn in the same batch; edges asserted only by
// them give no support.
//
// The pass works in two phases. First it collects the region: every eligible
// node reachable from the seed over outgoing dependency edges, breadth first
// and within the hop bound. Then it marks as anchored each region node that
// has support from outside the region and the deletion set, and spreads that
// mark along dependency edges inside the region. What remains unanchored is
// orphaned. Mutually referencing nodes therefore cannot keep each other
// alive.
func (d *Detector) Detect(ctx context.Context, seed types.NodeRef, retracting []string) (*Result, error) {
	node, err := d.reader.FindNode(ctx, seed)
	if errors.Is(err, graph.ErrNotFound) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find seed %s: %w", seed, err)
	}

	p := d.newPass(retracting)
	p.doomed[node.ID] = true
	return p.run(ctx, seed, node)
}

// DetectDetached finds the nodes orphaned when the outgoing edges of cutTypes
// are removed from seed while seed itself stays. kept lists nodes that
// receive new support in the same batch; they are never reported.
func (d *Detector) DetectDetached(ctx context.Context, seed types.NodeRef, cutTypes, retracting []string, kept []types.NodeRef) (*Result, error) {
	node, err := d.reader.FindNode(ctx, seed)
	if errors.Is(err, graph.ErrNotFound) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find seed %s: %w", seed, err)
	}

	p := d.newPass(retracting)
	p.origin = node.ID
	p.cut = make(map[string]bool, len(cutTypes))
	for _, t := range cutTypes {
		p.cut[t] = true
	}
	p.kept = make(map[types.NodeRef]bool, len(kept)+1)
	p.kept[seed] = true
	for _, ref := range kept {
		p.kept[ref] = true
	}
	return p.run(ctx, seed, node)
}

func (p *pass) run(ctx context.Context, seed types.NodeRef, node *types.Node) (*Result, error) {
	d := p.d
	if err := p.collect(ctx, node.ID); err != nil {
		return nil, err
	}
	anchored, err := p.anchor(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Seed: node, Incident: p.incident[node.ID], Explored: len(p.region)}
	for _, id := range p.order {
		if !anchored[id] {
			res.Orphans = append(res.Orphans, *p.region[id])
		}
	}
	if len(p.frontier) > 0 {
		limit := d.bounds.MaxHops
		if p.bound == "maxNodes" {
			limit = d.bounds.MaxNodes
		}
		res.Warning = &DepthExceededError{Bound: p.bound, Limit: limit, Frontier: len(p.frontier)}
		d.logger.Warn("orphan detection hit a bound, leaving the rest of the subgraph in place",
			zap.String("seed", seed.String()),
			zap.String("bound", p.bound),
			zap.Int("frontier", len(p.frontier)))
	}
	return res, nil
}

func (p *pass) edges(ctx context.Context, id string) ([]types.Incidence, error) {
	if inc, ok := p.incident[id]; ok {
		return inc, nil
	}
	inc, err := p.d.reader.Incident(ctx, id, types.DirectionBoth, nil)
	if err != nil {
		return nil, fmt.Errorf("incident edges of %s: %w", id, err)
	}
	p.incident[id] = inc
	return inc, nil
}

// collect walks outgoing dependency edges from the seed through eligible
// nodes. Nodes left out because of a bound are recorded in frontier.
func (p *pass) collect(ctx context.Context, seedID string) error {
	type item struct {
		id    string
		depth int
	}
	queue := []item{{seedID, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if err := p.check.canContinue(ctx); err != nil {
			return err
		}
		inc, err := p.edges(ctx, cur.id)
		if err != nil {
			return err
		}

		for _, in := range inc {
			if !in.Outgoing || !p.d.rules.IsDependency(in.Edge.Type) {
				continue
			}
			if cur.id == p.origin && !p.severed(in.Edge) {
				continue
			}
			next := in.Neighbor
			if p.doomed[next.ID] || p.region[next.ID] != nil || !p.d.rules.Eligible(&next) || p.isKept(&next) {
				continue
			}
			p.check.recordEdge()
			if cur.depth >= p.d.bounds.MaxHops {
				p.cutAt(next.ID, "maxHops")
				continue
			}
			if !p.check.canVisit() {
				p.cutAt(next.ID, "maxNodes")
				continue
			}
			p.check.recordNode()
			delete(p.frontier, next.ID)
			p.region[next.ID] = &next
			p.order = append(p.order, next.ID)
			queue = append(queue, item{next.ID, cur.depth + 1})
		}
	}
	return nil
}

// severed reports whether e leaves the origin of a detached pass and is
// removed by the batch.
func (p *pass) severed(e types.Edge) bool {
	if p.origin == "" || e.FromID != p.origin {
		return false
	}
	return p.cut[e.Type]
}

func (p *pass) isKept(n *types.Node) bool {
	if len(p.kept) == 0 {
		return false
	}
	ref, ok := n.Ref()
	return ok && p.kept[ref]
}

func (p *pass) cutAt(id, bound string) {
	p.frontier[id] = true
	if p.bound == "" {
		p.bound = bound
	}
}

// retracted reports whether every assertion behind the edge is being
// withdrawn. Edges without assertions are structural and never retracted.
func (p *pass) retracted(e types.Edge) bool {
	if len(p.retracting) == 0 {
		return false
	}
	facts, ok := e.Properties[graph.AssertedByProperty].AsStringList()
	if !ok || len(facts) == 0 {
		return false
	}
	for _, f := range facts {
		if !p.retracting[f] {
			return false
		}
	}
	return true
}

func (p *pass) supports(target *types.Node, e types.Edge) bool {
	return p.d.rules.Supports(target.Label(), e.Type) && !p.retracted(e) && !p.severed(e)
}

// anchor returns the region nodes that keep support after the deletion.
func (p *pass) anchor(ctx context.Context) (map[string]bool, error) {
	anchored := make(map[string]bool)
	var queue []string

	for _, id := range p.order {
		if err := p.check.canContinue(ctx); err != nil {
			return nil, err
		}
		n := p.region[id]
		for _, in := range p.incident[id] {
			if in.Outgoing {
				continue
			}
			from := in.Neighbor.ID
			if p.doomed[from] || p.region[from] != nil {
				continue
			}
			if p.supports(n, in.Edge) {
				anchored[id] = true
				queue = append(queue, id)
				break
			}
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, in := range p.incident[id] {
			if !in.Outgoing {
				continue
			}
			to := p.region[in.Neighbor.ID]
			if to == nil || anchored[to.ID] || !p.supports(to, in.Edge) {
				continue
			}
			anchored[to.ID] = true
			queue = append(queue, to.ID)
		}
	}
	return anchored, nil
}
