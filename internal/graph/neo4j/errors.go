package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"

	neo "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/scrypster/graphsync/internal/graph"
)

const codeConstraintFailed = "Neo.ClientError.Schema.ConstraintValidationFailed"

// classify maps driver errors onto the graph error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Errors produced by our own code inside a transaction are already
	// classified.
	if graph.IsMissingEndpoint(err) || graph.IsPermanent(err) || errors.Is(err, graph.ErrNotFound) {
		return err
	}

	var nerr *neo.Neo4jError
	if errors.As(err, &nerr) {
		msg := strings.ToLower(nerr.Msg)
		switch {
		case nerr.Code == codeConstraintFailed, strings.Contains(msg, "unique constraint violation"):
			return &graph.ConstraintViolationError{Err: err}
		case strings.HasPrefix(nerr.Code, "Neo.TransientError."),
			strings.Contains(msg, "conflicting transactions"):
			return &graph.TransientError{Op: op, Err: err}
		case strings.HasPrefix(nerr.Code, "Neo.ClientError.Statement.SyntaxError"):
			return &graph.InvalidPropertyError{Field: "query", Reason: nerr.Msg}
		}
	}

	if neo.IsConnectivityError(err) || neo.IsRetryable(err) {
		return &graph.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// alreadyExists reports schema errors raised when the object exists, which
// Memgraph reports instead of honouring IF NOT EXISTS.
func alreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "equivalentschemarulealreadyexists")
}
