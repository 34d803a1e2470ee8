package domain

// WorkStatus is the lifecycle state shared by tasks and subtasks. Any state
// may move to any other; only entry into and exit from completed carry side
// effects (see engine.ApplyStatusTransition).
type WorkStatus string

const (
	StatusPending    WorkStatus = "pending"
	StatusInProgress WorkStatus = "in-progress"
	StatusCompleted  WorkStatus = "completed"
	StatusCancelled  WorkStatus = "cancelled"
)

// WorkStatuses lists every valid WorkStatus in display order.
var WorkStatuses = []WorkStatus{StatusPending, StatusInProgress, StatusCompleted, StatusCancelled}

func (s WorkStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s WorkStatus) Completed() bool { return s == StatusCompleted }

type CustomerStatus string

const (
	CustomerPlanning  CustomerStatus = "planning"
	CustomerActive    CustomerStatus = "active"
	CustomerOnHold    CustomerStatus = "on-hold"
	CustomerCompleted CustomerStatus = "completed"
	CustomerCancelled CustomerStatus = "cancelled"
)

var CustomerStatuses = []CustomerStatus{CustomerPlanning, CustomerActive, CustomerOnHold, CustomerCompleted, CustomerCancelled}

func (s CustomerStatus) Valid() bool {
	switch s {
	case CustomerPlanning, CustomerActive, CustomerOnHold, CustomerCompleted, CustomerCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Kind names an entity level in the hierarchy.
type Kind string

const (
	KindCustomer Kind = "customer"
	KindTask     Kind = "task"
	KindSubtask  Kind = "subtask"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCustomer, KindTask, KindSubtask:
		return true
	}
	return false
}

// Strings converts an enum list to plain strings, e.g. for error messages.
func Strings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
