package tools

import (
	"fmt"
	"strings"
)

// UnknownToolError is returned when a plan references a tool that is not
// in the registry. Nothing is dispatched.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Tool)
}

// ValidationError is returned when an action's parameters fail schema
// validation. Nothing is dispatched.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// ExecutionError is returned when a dispatched tool call fails. Timeout
// distinguishes deadline expiry from the tool reporting failure.
type ExecutionError struct {
	Tool    string
	Attempt int
	Timeout bool
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tool %s timed out on attempt %d: %v", e.Tool, e.Attempt, e.Err)
	}
	return fmt.Sprintf("tool %s failed on attempt %d: %v", e.Tool, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
