package engine

import (
	"context"
	"errors"

	"rollup/internal/domain"
	"rollup/internal/repo"
)

// ValidateSequence checks that no sibling other than excludeID holds
// candidate under parentID. Tasks are siblings within a customer, subtasks
// within a task. It never writes.
func (e Engine) ValidateSequence(ctx context.Context, q repo.DBTX, kind domain.Kind, parentID string, candidate int, excludeID string) error {
	if candidate <= 0 {
		return invalid("sequence", "must be a positive integer, got %d", candidate)
	}
	var (
		holder string
		err    error
	)
	switch kind {
	case domain.KindTask:
		holder, err = e.Tasks.TaskAtSequence(ctx, q, parentID, candidate)
	case domain.KindSubtask:
		holder, err = e.Subtasks.SubtaskAtSequence(ctx, q, parentID, candidate)
	default:
		return invalid("kind", "%s has no sibling sequence", kind)
	}
	if err != nil {
		return err
	}
	if holder != "" && holder != excludeID {
		return &SequenceConflictError{Kind: kind, ParentID: parentID, Sequence: candidate}
	}
	return nil
}

// resolveSequence validates an explicit sequence or assigns the next free
// one when requested is 0.
func (e Engine) resolveSequence(ctx context.Context, q repo.DBTX, kind domain.Kind, parentID string, requested int, excludeID string) (int, error) {
	if requested == 0 {
		switch kind {
		case domain.KindTask:
			return e.Tasks.NextTaskSequence(ctx, q, parentID)
		case domain.KindSubtask:
			return e.Subtasks.NextSubtaskSequence(ctx, q, parentID)
		}
	}
	if err := e.ValidateSequence(ctx, q, kind, parentID, requested, excludeID); err != nil {
		return 0, err
	}
	return requested, nil
}

// sequenceErr reports a unique index violation from a racing writer as the
// same conflict ValidateSequence would have returned.
func sequenceErr(kind domain.Kind, parentID string, sequence int, err error) error {
	if errors.Is(err, repo.ErrDuplicate) {
		return &SequenceConflictError{Kind: kind, ParentID: parentID, Sequence: sequence}
	}
	return err
}
