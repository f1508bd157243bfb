package exec

import "errors"

// Sentinel errors shared across the execution surface. Callers match them
// with errors.Is; wrapped forms carry per-run context.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionTimeout  = errors.New("execution timeout")
	ErrExecutionFailed   = errors.New("execution failed")
)
