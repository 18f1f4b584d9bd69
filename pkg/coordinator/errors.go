package coordinator

import (
	"errors"
	"fmt"

	"github.com/streamcache/streamcache/internal/keys"
)

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("invalid argument")

	// ErrCapacity is wrapped by every CapacityError.
	ErrCapacity = errors.New("execution capacity reached")

	// ErrWaitTimeout is returned when an in-flight execution did not complete within the
	// caller's timeout. The execution itself is unaffected.
	ErrWaitTimeout = errors.New("timed out waiting for in-flight execution")

	// ErrExecutionFailed wraps the failure of an execution, or reports the failed marker of an
	// execution that ran in another process.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrClosed is returned when an execution is requested after Close.
	ErrClosed = errors.New("coordinator closed")
)

// ValidationError is returned before any I/O when an argument of RunAndResolve is malformed.
type ValidationError struct {
	Argument string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Argument, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// CapacityError is returned when this process already runs the maximum number of executions.
// Requests are never queued; the caller retries later.
type CapacityError struct {
	Fingerprint keys.Fingerprint
	Limit       int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("cannot start execution %s: %d executions already running, retry later", e.Fingerprint, e.Limit)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacity
}
