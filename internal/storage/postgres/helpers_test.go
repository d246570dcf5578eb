package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest empties the queue and the document table. It lives in the
// postgres package so the postgres_test package can reach the unexported db.
func (s *Store) TruncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE sync_queue, documents RESTART IDENTITY"); err != nil {
		return fmt.Errorf("postgres: truncate: %w", err)
	}
	return nil
}
