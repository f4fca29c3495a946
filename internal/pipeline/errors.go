package pipeline

import (
	"errors"
	"fmt"
)

// TransientError wraps a failure worth retrying with backoff: timeouts,
// rate limits, 5xx responses. Anything not wrapped in it is treated as
// definitive by the scheduler.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SchemaError reports that model output never reached schema conformance
// within the retry budget. RawResponse carries the last raw model output
// for diagnostics.
type SchemaError struct {
	Schema      SchemaName
	Detail      string
	RawResponse string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("output for schema %q invalid: %s", e.Schema, e.Detail)
}

// IsSchemaViolation reports whether err is a schema conformance failure.
func IsSchemaViolation(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
