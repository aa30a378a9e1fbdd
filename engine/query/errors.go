package query

import (
	"fmt"
)

// Operation labels prefixed to every execution error message.
const (
	LabelQuery       = "Query execution failed"
	LabelProcedure   = "Stored procedure execution failed"
	LabelTables      = "Failed to get tables"
	LabelTableSchema = "Failed to get table schema"
)

// ExecutionError is returned once an operation fails for good, either because
// the failure was not transient or because attempts ran out.
type ExecutionError struct {
	Label    string
	Attempts int
	Kind     FailureKind
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Label, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
