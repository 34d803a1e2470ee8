package engine

import (
	"fmt"
	"time"

	"rollup/internal/domain"
)

// Completion is the status-dependent slice of a task or subtask.
type Completion struct {
	Status      domain.WorkStatus
	CompletedAt *string
	CompletedBy *string
}

// ApplyStatusTransition moves c to next. Entering completed stamps the time
// and actor, leaving completed clears both, and any other move leaves them
// untouched. Every status is reachable from every other.
func ApplyStatusTransition(c *Completion, next domain.WorkStatus, actorID string, now time.Time) {
	was := c.Status.Completed()
	c.Status = next
	switch {
	case next.Completed() && !was:
		ts := now.UTC().Format(time.RFC3339)
		c.CompletedAt = &ts
		if actorID != "" {
			actor := actorID
			c.CompletedBy = &actor
		} else {
			c.CompletedBy = nil
		}
	case !next.Completed():
		c.CompletedAt = nil
		c.CompletedBy = nil
	}
}

func applyCustomerStatus(c *domain.Customer, next domain.CustomerStatus, now time.Time) {
	was := c.Status == domain.CustomerCompleted
	c.Status = next
	switch {
	case next == domain.CustomerCompleted && !was:
		ts := now.UTC().Format(time.RFC3339)
		c.CompletedAt = &ts
	case next != domain.CustomerCompleted:
		c.CompletedAt = nil
	}
}

func taskCompletion(t *domain.Task) Completion {
	return Completion{Status: t.Status, CompletedAt: t.CompletedAt, CompletedBy: t.CompletedBy}
}

func (c Completion) applyTask(t *domain.Task) {
	t.Status, t.CompletedAt, t.CompletedBy = c.Status, c.CompletedAt, c.CompletedBy
}

func subtaskCompletion(st *domain.Subtask) Completion {
	return Completion{Status: st.Status, CompletedAt: st.CompletedAt, CompletedBy: st.CompletedBy}
}

func (c Completion) applySubtask(st *domain.Subtask) {
	st.Status, st.CompletedAt, st.CompletedBy = c.Status, c.CompletedAt, c.CompletedBy
}

// ParseWorkStatus converts boundary input into a WorkStatus.
func ParseWorkStatus(s string) (domain.WorkStatus, error) {
	st := domain.WorkStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s), Allowed: domain.Strings(domain.WorkStatuses)}
	}
	return st, nil
}

func ParseCustomerStatus(s string) (domain.CustomerStatus, error) {
	st := domain.CustomerStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s), Allowed: domain.Strings(domain.CustomerStatuses)}
	}
	return st, nil
}

func ParsePriority(s string) (domain.Priority, error) {
	p := domain.Priority(s)
	if !p.Valid() {
		return "", &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", s), Allowed: domain.Strings(domain.Priorities)}
	}
	return p, nil
}

func ParseKind(s string) (domain.Kind, error) {
	k := domain.Kind(s)
	if !k.Valid() {
		return "", &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", s), Allowed: []string{string(domain.KindCustomer), string(domain.KindTask), string(domain.KindSubtask)}}
	}
	return k, nil
}
