package domain

import "fmt"

// ValidationError rejects a bad transition or missing field. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// DependencyError rejects starting a task whose hard prerequisites are incomplete.
type DependencyError struct {
	TaskID  string
	Missing []string
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("task %s has incomplete dependencies %v", e.TaskID, e.Missing)
}

// ConflictError marks a concurrent edit detected during portal sync. Resolved
// per policy and logged, never surfaced to the caller as a failure.
type ConflictError struct {
	Field      string
	Resolution string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s resolved in favour of %s", e.Field, e.Resolution)
}

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// TemplateInvalidError marks a template whose dependency graph is unusable.
type TemplateInvalidError struct {
	TemplateID string
	Reason     string
}

func (e TemplateInvalidError) Error() string {
	return fmt.Sprintf("template %s invalid: %s", e.TemplateID, e.Reason)
}
