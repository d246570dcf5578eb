package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/graphsync/pkg/types"
)

var (
	// ErrNotFound indicates the requested node, edge or path does not exist.
	ErrNotFound = errors.New("graph: not found")

	// ErrNotConnected is returned by adapters used before Connect.
	ErrNotConnected = errors.New("graph: not connected")

	// ErrCircuitOpen is returned when the breaker rejects a call.
	ErrCircuitOpen = errors.New("graph: circuit breaker is open")
)

// TransientError wraps failures that are expected to go away on retry:
// network errors, timeouts, pool exhaustion, deadlocks.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient graph error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConstraintViolationError reports a domain-key collision. It happens when two
// writers MERGE the same key concurrently; the losing batch is safe to replay.
type ConstraintViolationError struct {
	Label    string
	Property string
	Err      error
}

func (e *ConstraintViolationError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("constraint violation on %s.%s: %v", e.Label, e.Property, e.Err)
	}
	return fmt.Sprintf("constraint violation: %v", e.Err)
}

func (e *ConstraintViolationError) Unwrap() error { return e.Err }

// UnsupportedCapabilityError reports an optional operation the adapter does
// not implement. Callers fall back to a traversal-based equivalent.
type UnsupportedCapabilityError struct {
	Capability string
	Dialect    string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("%s is not supported by the %s adapter", e.Capability, e.Dialect)
}

// MissingEndpointError reports an edge whose endpoint node does not exist.
type MissingEndpointError struct {
	Ref types.NodeRef
}

func (e *MissingEndpointError) Error() string {
	return fmt.Sprintf("edge endpoint %s does not exist", e.Ref)
}

// InvalidPropertyError reports a property, label or identifier rejected by
// validation. It is permanent: retrying will not help.
type InvalidPropertyError struct {
	Label  string
	Field  string
	Reason string
}

func (e *InvalidPropertyError) Error() string {
	switch {
	case e.Label != "" && e.Field != "":
		return fmt.Sprintf("invalid property %s.%s: %s", e.Label, e.Field, e.Reason)
	case e.Label != "":
		return fmt.Sprintf("invalid node %s: %s", e.Label, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return "invalid property: " + e.Reason
}

// IsTransient reports whether err is a TransientError or a context deadline.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// IsConstraintViolation reports whether err is a domain-key collision.
func IsConstraintViolation(err error) bool {
	var ce *ConstraintViolationError
	return errors.As(err, &ce)
}

// IsUnsupported reports whether err is an UnsupportedCapabilityError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedCapabilityError
	return errors.As(err, &ue)
}

// IsMissingEndpoint reports whether err is a MissingEndpointError.
func IsMissingEndpoint(err error) bool {
	var me *MissingEndpointError
	return errors.As(err, &me)
}

// IsPermanent reports errors that will fail identically on every retry.
func IsPermanent(err error) bool {
	var ie *InvalidPropertyError
	return errors.As(err, &ie) || IsUnsupported(err)
}

// IsRetryable reports whether a failed batch is worth another attempt. A
// missing endpoint is retryable because the endpoint's own sync job may not
// have been applied yet.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
