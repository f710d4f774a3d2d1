package v1

import "time"

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateScheduled TaskState = "SCHEDULED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateRetrying  TaskState = "RETRYING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateCancelled TaskState = "CANCELLED"
	TaskStateSkipped   TaskState = "SKIPPED"
)

// Terminal reports whether a task in this state can never transition again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateSkipped:
		return true
	}
	return false
}

// TaskPriority orders tasks within an agent's queue.
// Lower values are more urgent.
type TaskPriority int

const (
	PriorityCritical   TaskPriority = 0
	PriorityHigh       TaskPriority = 1
	PriorityNormal     TaskPriority = 2
	PriorityLow        TaskPriority = 3
	PriorityBackground TaskPriority = 4
)

// String returns the canonical name of the priority.
func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority converts a priority name to its value. Unknown names map to NORMAL.
func ParsePriority(name string) TaskPriority {
	switch name {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	case "BACKGROUND":
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

// TaskResult carries the structured outcome of a completed task.
type TaskResult struct {
	Output string                 `json:"output"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Task is a unit of work targeted at exactly one agent.
type Task struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Agent          string                 `json:"agent"`
	Kind           string                 `json:"kind"` // command kind, e.g. "shell" or "prompt"
	Command        string                 `json:"command"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Priority       TaskPriority           `json:"priority"`
	State          TaskState              `json:"state"`
	MaxRetries     int                    `json:"max_retries"`
	RetryCount     int                    `json:"retry_count"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	TTLSeconds     int                    `json:"ttl_seconds"`
	Dependencies   []string               `json:"dependencies,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
	Result         *TaskResult            `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a copy of the task safe to hand to external readers.
// Callers never observe queue-internal mutations through a clone.
func (t *Task) Clone() *Task {
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]interface{}, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.ScheduledAt != nil {
		ts := *t.ScheduledAt
		c.ScheduledAt = &ts
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// SubmitTaskRequest creates a new task.
type SubmitTaskRequest struct {
	Agent          string                 `json:"agent" binding:"required"`
	Name           string                 `json:"name,omitempty"`
	Kind           string                 `json:"kind,omitempty"`
	Command        string                 `json:"command" binding:"required"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Priority       string                 `json:"priority,omitempty"`
	MaxRetries     *int                   `json:"max_retries,omitempty"`
	TimeoutSeconds *int                   `json:"timeout_seconds,omitempty"`
	TTLSeconds     *int                   `json:"ttl_seconds,omitempty"`
	Dependencies   []string               `json:"dependencies,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
}

// SubmitTaskResponse is returned when a task is accepted.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse reports the current state of a task.
type TaskStatusResponse struct {
	Task *Task `json:"task"`
}
