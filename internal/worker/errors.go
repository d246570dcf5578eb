package worker

import (
	"errors"
	"fmt"

	"github.com/scrypster/graphsync/internal/graph"
)

// PermanentFailureError is recorded when an entry is marked failed, either
// because its attempts ran out or because the error can never succeed.
type PermanentFailureError struct {
	EntryID  string
	Attempts int
	Err      error
}

func (e *PermanentFailureError) Error() string {
	return fmt.Sprintf("entry %s failed permanently after %d attempt(s): %v", e.EntryID, e.Attempts, e.Err)
}

func (e *PermanentFailureError) Unwrap() error { return e.Err }

// IsPermanentFailure reports whether err is a PermanentFailureError.
func IsPermanentFailure(err error) bool {
	var pe *PermanentFailureError
	return errors.As(err, &pe)
}

// retryable decides whether a failed entry gets another attempt.
func retryable(err error) bool {
	return graph.IsRetryable(err)
}
