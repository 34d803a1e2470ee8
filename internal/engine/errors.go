package engine

import (
	"errors"
	"fmt"
	"strings"

	"rollup/internal/domain"
	"rollup/internal/repo"
)

// SequenceConflictError indicates another sibling already holds the sequence.
type SequenceConflictError struct {
	Kind     domain.Kind
	ParentID string
	Sequence int
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence %d is already used by another %s under %s", e.Sequence, e.Kind, e.ParentID)
}

// ValidationError rejects input before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
	Allowed []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	if len(e.Allowed) > 0 {
		msg += " (allowed: " + strings.Join(e.Allowed, ", ") + ")"
	}
	return msg
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind domain.Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return repo.ErrNotFound }

// VersionConflictError indicates the row changed since the caller read it.
type VersionConflictError struct {
	Kind     domain.Kind
	ID       string
	Expected int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently (expected version %d)", e.Kind, e.ID, e.Expected)
}

func (e *VersionConflictError) Unwrap() error { return repo.ErrConflict }

// CascadeFailure reports a parent recomputation that failed after the
// triggering write had already committed. The stored progress stays stale
// until the next cascade or recalculation touches the parent.
type CascadeFailure struct {
	Step     domain.Kind
	EntityID string
	Err      error
}

func (e *CascadeFailure) Error() string {
	return fmt.Sprintf("cascade %s %s: %v", e.Step, e.EntityID, e.Err)
}

func (e *CascadeFailure) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// storeErr turns repository sentinels into typed engine errors.
func storeErr(kind domain.Kind, id string, expected int, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return &NotFoundError{Kind: kind, ID: id}
	case errors.Is(err, repo.ErrConflict):
		return &VersionConflictError{Kind: kind, ID: id, Expected: expected}
	}
	return err
}
