package workflow

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending means the task is registered and waiting for its dependencies.
	TaskPending TaskStatus = "PENDING"
	// TaskRunning means the task has been handed to a dispatch handler.
	TaskRunning TaskStatus = "RUNNING"
	// TaskCompleted means the task finished successfully.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed means the task's handler returned an error.
	TaskFailed TaskStatus = "FAILED"
	// TaskSkipped means the task was abandoned after exhausting retries
	// while the engine was configured to continue past failures.
	TaskSkipped TaskStatus = "SKIPPED"
)

// TaskType is an open tag the engine dispatches on. Handlers are registered
// per type; unknown types fail the run immediately.
type TaskType string

// Canonical task types of the content pipeline. Callers may define their own.
const (
	TaskTypeFileOperation   TaskType = "FILE_OPERATION"
	TaskTypeAPICall         TaskType = "API_CALL"
	TaskTypeGitHubOperation TaskType = "GITHUB_OPERATION"
	TaskTypeS3Operation     TaskType = "S3_OPERATION"
	TaskTypeImageProcessing TaskType = "IMAGE_PROCESSING"
)

// DefaultMaxRetries is the retry budget NewTask assigns.
const DefaultMaxRetries = 3

// Task is a unit of orchestrated work. The ID is assigned by the
// TaskManager at registration time and is immutable afterwards.
type Task struct {
	ID           string         `json:"id"`
	Type         TaskType       `json:"type"`
	Status       TaskStatus     `json:"status"`
	Dependencies []string       `json:"dependencies,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Params       map[string]any `json:"params,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	FinishedAt   time.Time      `json:"finished_at,omitempty"`
}

// NewTask creates a PENDING task with the default retry budget.
func NewTask(taskType TaskType, params map[string]any, dependencies ...string) *Task {
	return &Task{
		Type:         taskType,
		Status:       TaskPending,
		Dependencies: dependencies,
		MaxRetries:   DefaultMaxRetries,
		Params:       params,
	}
}

// WithMaxRetries overrides the retry budget. A budget of zero means the
// first failure is terminal.
func (t *Task) WithMaxRetries(n int) *Task {
	t.MaxRetries = n
	return t
}

// IsTerminal reports whether the task can no longer transition.
// FAILED is only semi-terminal: Retry may move it back to PENDING.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskSkipped
}

// clone returns a copy safe to hand outside the TaskManager lock.
func (t *Task) clone() *Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// GraphSnapshot is a serializable view of the task graph, captured into
// checkpoints and re-hydrated on resume.
type GraphSnapshot struct {
	Tasks   []*Task `json:"tasks"`
	Counter int     `json:"counter"`
}
