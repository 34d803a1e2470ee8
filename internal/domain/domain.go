package domain

// Customer is the top-level work container. Progress is owned by the engine.
type Customer struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      CustomerStatus `json:"status" enum:"planning,active,on-hold,completed,cancelled"`
	Priority    Priority       `json:"priority" enum:"low,medium,high,urgent"`
	StartDate   *string        `json:"start_date,omitempty" format:"date-time"`
	DueDate     *string        `json:"due_date,omitempty" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
	Progress    int            `json:"progress" minimum:"0" maximum:"100"`
	Version     int            `json:"version"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID          string     `json:"id"`
	CustomerID  string     `json:"customer_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      WorkStatus `json:"status" enum:"pending,in-progress,completed,cancelled"`
	Priority    Priority   `json:"priority" enum:"low,medium,high,urgent"`
	DueDate     string     `json:"due_date" format:"date-time"`
	Sequence    int        `json:"sequence" minimum:"1"`
	Progress    int        `json:"progress" minimum:"0" maximum:"100"`
	CompletedAt *string    `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy *string    `json:"completed_by,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// Subtask is a leaf unit. CustomerID mirrors the owning task's customer and is
// kept for lookups only.
type Subtask struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	CustomerID  string     `json:"customer_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      WorkStatus `json:"status" enum:"pending,in-progress,completed,cancelled"`
	Priority    Priority   `json:"priority" enum:"low,medium,high,urgent"`
	DueDate     string     `json:"due_date" format:"date-time"`
	Sequence    int        `json:"sequence" minimum:"1"`
	CompletedAt *string    `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy *string    `json:"completed_by,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CustomerID string `json:"customer_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
