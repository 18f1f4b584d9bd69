package expression

import (
	"errors"
	"fmt"

	"github.com/streamcache/streamcache/pkg/query"
)

var ErrEvaluationFailed = errors.New("failed to evaluate document expression")

type CompilationError struct {
	Kind  query.Kind
	Field string
	Cause error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile '%s' expression of %s operation: %v", e.Field, e.Kind, e.Cause)
}

func (e *CompilationError) Unwrap() error {
	return e.Cause
}

type EvaluationError struct {
	Kind  query.Kind
	Cause error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate %s expression: %v", e.Kind, e.Cause)
}

func (e *EvaluationError) Unwrap() []error {
	return []error{ErrEvaluationFailed, e.Cause}
}
