package orphan

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

// Graph is the part of the adapter the executor needs.
type Graph interface {
	graph.Reader
	graph.BatchWriter
}

// Config configures an Executor.
type Config struct {
	Rules  Rules
	Bounds Bounds

	// Cleanup enables the orphan pass. When false a delete removes only the
	// seed node and its edges.
	Cleanup bool
}

// DefaultConfig enables cleanup with the default rules and bounds.
func DefaultConfig() Config {
	return Config{Rules: DefaultRules(), Cleanup: true}
}

// Plan is the batch that deletes a node and everything it orphans.
type Plan struct {
	Seed types.NodeRef

	// Found is false when the seed was already gone.
	Found bool

	Orphans []types.NodeRef
	Ops     []graph.Operation

	// Warning is set when detection stopped at a bound.
	Warning error
}

// Executor plans and applies cascading deletes.
type Executor struct {
	graph    Graph
	detector *Detector
	cleanup  bool
	logger   *zap.Logger
}

// NewExecutor returns an executor over g.
func NewExecutor(g Graph, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		graph:    g,
		detector: NewDetector(g, cfg.Rules, cfg.Bounds, logger),
		cleanup:  cfg.Cleanup,
		logger:   logger,
	}
}

// Plan builds the delete batch for seed. prelude runs first in the same
// batch; fact ids it retracts are taken into account by detection.
func (e *Executor) Plan(ctx context.Context, seed types.NodeRef, prelude []graph.Operation) (*Plan, error) {
	plan := &Plan{Seed: seed}
	plan.Ops = append(plan.Ops, prelude...)

	var retracting []string
	for _, op := range prelude {
		if op.Kind == graph.OpRetract {
			retracting = append(retracting, op.AssertedBy)
		}
	}

	var res *Result
	var err error
	if e.cleanup {
		res, err = e.detector.Detect(ctx, seed, retracting)
	} else {
		res, err = e.seedOnly(ctx, seed)
	}
	if err != nil {
		return nil, err
	}
	if res.Seed == nil {
		return plan, nil
	}
	plan.Found = true
	plan.Warning = res.Warning

	// Seed edges first, then orphans, then the seed itself.
	out, in := incidentTypes(res.Incident)
	if len(out) > 0 {
		plan.Ops = append(plan.Ops, graph.DeleteOutgoing(seed, out...))
	}
	if len(in) > 0 {
		plan.Ops = append(plan.Ops, graph.DeleteIncoming(seed, in...))
	}
	for i := range res.Orphans {
		ref, ok := res.Orphans[i].Ref()
		if !ok {
			e.logger.Warn("orphan without domain key left in place", zap.String("node_id", res.Orphans[i].ID))
			continue
		}
		plan.Orphans = append(plan.Orphans, ref)
		plan.Ops = append(plan.Ops, graph.DeleteNode(ref))
	}
	plan.Ops = append(plan.Ops, graph.DeleteNode(seed))
	return plan, nil
}

// PlanDetached returns the deletions for neighbours that upsert, a batch
// rewriting seed's outgoing edges, leaves without support. The returned Ops
// go after upsert in the same batch. Nothing is planned when cleanup is
// disabled or the seed does not exist yet.
func (e *Executor) PlanDetached(ctx context.Context, seed types.NodeRef, upsert []graph.Operation) (*Plan, error) {
	plan := &Plan{Seed: seed}
	if !e.cleanup {
		return plan, nil
	}

	var cut, retracting []string
	var kept []types.NodeRef
	for _, op := range upsert {
		switch op.Kind {
		case graph.OpDeleteIncident:
			if op.Node == seed && op.Direction == types.DirectionOutgoing {
				cut = append(cut, op.EdgeTypes...)
			}
		case graph.OpRetract:
			retracting = append(retracting, op.AssertedBy)
		case graph.OpMergeEdge:
			kept = append(kept, op.To)
		}
	}
	if len(cut) == 0 {
		return plan, nil
	}

	res, err := e.detector.DetectDetached(ctx, seed, cut, retracting, kept)
	if err != nil {
		return nil, err
	}
	if res.Seed == nil {
		return plan, nil
	}
	plan.Found = true
	plan.Warning = res.Warning
	for i := range res.Orphans {
		ref, ok := res.Orphans[i].Ref()
		if !ok {
			e.logger.Warn("orphan without domain key left in place", zap.String("node_id", res.Orphans[i].ID))
			continue
		}
		plan.Orphans = append(plan.Orphans, ref)
		plan.Ops = append(plan.Ops, graph.DeleteNode(ref))
	}
	return plan, nil
}

func (e *Executor) seedOnly(ctx context.Context, seed types.NodeRef) (*Result, error) {
	node, err := e.graph.FindNode(ctx, seed)
	if errors.Is(err, graph.ErrNotFound) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find seed %s: %w", seed, err)
	}
	inc, err := e.graph.Incident(ctx, node.ID, types.DirectionBoth, nil)
	if err != nil {
		return nil, fmt.Errorf("incident edges of %s: %w", seed, err)
	}
	return &Result{Seed: node, Incident: inc}, nil
}

// Execute plans the cascade for seed and applies it as one batch. A missing
// seed only runs the prelude.
func (e *Executor) Execute(ctx context.Context, seed types.NodeRef, prelude []graph.Operation) (*Plan, error) {
	plan, err := e.Plan(ctx, seed, prelude)
	if err != nil {
		return nil, err
	}
	if len(plan.Ops) == 0 {
		e.logger.Debug("delete target already gone", zap.String("seed", seed.String()))
		return plan, nil
	}
	if err := e.graph.RunBatch(ctx, plan.Ops); err != nil {
		return nil, fmt.Errorf("cascade delete %s: %w", seed, err)
	}
	e.logger.Info("cascade delete applied",
		zap.String("seed", seed.String()),
		zap.Bool("found", plan.Found),
		zap.Int("orphans", len(plan.Orphans)),
		zap.Int("ops", len(plan.Ops)))
	return plan, nil
}

// incidentTypes returns the sorted distinct outgoing and incoming edge types.
func incidentTypes(inc []types.Incidence) (out, in []string) {
	seenOut := make(map[string]bool)
	seenIn := make(map[string]bool)
	for _, i := range inc {
		if i.Outgoing {
			if !seenOut[i.Edge.Type] {
				seenOut[i.Edge.Type] = true
				out = append(out, i.Edge.Type)
			}
			continue
		}
		if !seenIn[i.Edge.Type] {
			seenIn[i.Edge.Type] = true
			in = append(in, i.Edge.Type)
		}
	}
	sort.Strings(out)
	sort.Strings(in)
	return out, in
}
