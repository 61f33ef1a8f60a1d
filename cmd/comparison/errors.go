package comparison

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. The typed errors below match their sentinel.
var (
	ErrSchemaFetch        = errors.New("schema fetch failed")
	ErrValidation         = errors.New("invalid comparison configuration")
	ErrBucketQuery        = errors.New("bucket query failed")
	ErrExecutionFailed    = errors.New("comparison execution failed")
	ErrCancelled          = errors.New("comparison cancelled")
	ErrPartialResult      = errors.New("comparison stopped early with partial results")
	ErrInvalidTransition  = errors.New("invalid stage transition")
	ErrUnsupportedOptions = errors.New("unsupported executor options")
)

// Outcome maps a terminal stage to its sentinel. Completed maps to nil, and so does
// every non-terminal stage. ErrPartialResult is an outcome, never a run error.
func Outcome(stage Stage) error {
	switch stage { //nolint:exhaustive // non-terminal stages have no outcome
	case StagePartial:
		return ErrPartialResult
	case StageCancelled:
		return ErrCancelled
	case StageFailed:
		return ErrExecutionFailed
	}
	return nil
}

// SchemaFetchError reports that one side could not be introspected.
type SchemaFetchError struct {
	Side   string
	Source string
	Err    error
}

func (e *SchemaFetchError) Error() string {
	return fmt.Sprintf("failed to fetch schema of source %s (%s): %v", e.Side, e.Source, e.Err)
}

func (e *SchemaFetchError) Unwrap() error        { return e.Err }
func (e *SchemaFetchError) Is(target error) bool { return target == ErrSchemaFetch }

// ValidationError blocks a run before any diff SQL is issued.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error        { return e.Err }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func validationErr(field, reason string, err error) error {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

// BucketQueryError is a failed statement for one bucket.
type BucketQueryError struct {
	Bucket   Bucket
	Op       string
	Attempts int
	Err      error
}

func (e *BucketQueryError) Error() string {
	return fmt.Sprintf("%s failed for bucket (%s) after %d attempt(s): %v", e.Op, e.Bucket.String(), e.Attempts, e.Err)
}

func (e *BucketQueryError) Unwrap() error        { return e.Err }
func (e *BucketQueryError) Is(target error) bool { return target == ErrBucketQuery }

// ExecutionFailed means a bucket exhausted its retry budget.
type ExecutionFailed struct {
	Last *BucketQueryError
}

func (e *ExecutionFailed) Error() string {
	return fmt.Sprintf("%v: %v", ErrExecutionFailed, e.Last)
}

func (e *ExecutionFailed) Unwrap() error        { return e.Last }
func (e *ExecutionFailed) Is(target error) bool { return target == ErrExecutionFailed }
