package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for the query pipeline. Schema validation failures are
// recovered internally (structured plans degrade to semantic intent);
// only upstream unavailability surfaces to the caller.
var (
	// ErrUpstreamTimeout means the embedding or advisory service did not
	// answer in time. Surfaced to the caller as retryable.
	ErrUpstreamTimeout = errors.New("upstream service timed out")

	// ErrExecution means the row store could not be read. Surfaced to the
	// caller as retryable.
	ErrExecution = errors.New("row store execution failed")
)

// SchemaValidationError marks a plan that referenced a column, document or
// operation unknown to the target schema. It never reaches the caller; the
// coordinator recovers by falling back to semantic intent.
type SchemaValidationError struct {
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %s", e.Reason)
}

func schemaErrorf(format string, args ...any) error {
	return &SchemaValidationError{Reason: fmt.Sprintf(format, args...)}
}
