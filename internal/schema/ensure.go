package schema

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/graphsync/internal/graph"
)

// maxConcurrentDDL bounds parallel schema statements.
const maxConcurrentDDL = 4

// Ensure creates the unique domain-key constraint and the secondary indexes
// for every label. It is idempotent and safe to run on every start.
func Ensure(ctx context.Context, sm graph.SchemaManager, s Schema, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	labels := make([]string, 0, len(s.Labels))
	for name := range s.Labels {
		labels = append(labels, name)
	}
	sort.Strings(labels)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDDL)

	for _, name := range labels {
		ls := s.Labels[name]
		g.Go(func() error {
			if err := sm.EnsureConstraint(gctx, ls.Name, ls.Key, true); err != nil {
				return fmt.Errorf("constraint %s.%s: %w", ls.Name, ls.Key, err)
			}
			for _, prop := range ls.Indexes {
				if err := sm.EnsureIndex(gctx, ls.Name, prop); err != nil {
					return fmt.Errorf("index %s.%s: %w", ls.Name, prop, err)
				}
			}
			logger.Debug("schema ensured", zap.String("label", ls.Name), zap.Int("indexes", len(ls.Indexes)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("graph schema ensured", zap.Int("labels", len(labels)))
	return nil
}
