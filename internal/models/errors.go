package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrNotActive           = errors.New("session not active")
	ErrNoActiveStage       = errors.New("no active stage instance")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrInvalidVersion      = errors.New("invalid workflow version")
	ErrChecklistIncomplete = errors.New("checklist incomplete")
	ErrActiveStageExists   = errors.New("session already has an active stage instance")
	ErrVersionInUse        = errors.New("workflow version referenced by sessions")
)

// ValidationError carries every problem found in one pass.
type ValidationError struct {
	Subject    string
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("invalid %s: %s", e.Subject, e.Violations[0])
	}
	return fmt.Sprintf("invalid %s: %d problems:\n  - %s",
		e.Subject, len(e.Violations), strings.Join(e.Violations, "\n  - "))
}

func (e *ValidationError) Add(format string, args ...any) {
	e.Violations = append(e.Violations, fmt.Sprintf(format, args...))
}

// Err returns nil when no violations were recorded.
func (e *ValidationError) Err() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// StateError names the state a session was in and what the caller tried to do.
type StateError struct {
	SessionID string
	Current   SessionStatus
	Attempted string
	Kind      error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s is %s: cannot %s: %v", e.SessionID, e.Current, e.Attempted, e.Kind)
}

func (e *StateError) Unwrap() error {
	return e.Kind
}

// NotFoundError wraps ErrNotFound with the kind and id that was looked up.
func NotFoundError(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
