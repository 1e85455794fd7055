package workflow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskManager maintains the task graph and answers "what can run now".
// All methods are safe for concurrent use; the graph is mutated by the
// engine's control loop while readers (metrics, checkpointing) observe it.
type TaskManager struct {
	tasks   map[string]*Task
	order   []string // registration order, drives the FIFO tie-break
	counter int
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewTaskManager creates an empty task graph.
func NewTaskManager(logger *zap.Logger) *TaskManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskManager{
		tasks:  make(map[string]*Task),
		logger: logger.With(zap.String("component", "task_manager")),
	}
}

// Register validates and stores a task, assigning a fresh ID.
// Every dependency must reference an already-registered task: an unknown
// dependency would silently block the task forever at scheduling time, so
// it is rejected here as a caller bug.
func (m *TaskManager) Register(t *Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("task cannot be nil")
	}
	if t.Type == "" {
		return "", fmt.Errorf("task type cannot be empty")
	}
	if t.MaxRetries < 0 {
		return "", fmt.Errorf("max retries cannot be negative: %d", t.MaxRetries)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dep := range t.Dependencies {
		if _, ok := m.tasks[dep]; !ok {
			return "", fmt.Errorf("unknown dependency %q", dep)
		}
	}

	m.counter++
	t.ID = fmt.Sprintf("task-%03d", m.counter)
	t.Status = TaskPending
	t.CreatedAt = time.Now()
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)

	m.logger.Debug("task registered",
		zap.String("task_id", t.ID),
		zap.String("task_type", string(t.Type)),
		zap.Strings("dependencies", t.Dependencies))

	return t.ID, nil
}

// NextExecutable returns the first PENDING task, in registration order,
// whose dependencies are all COMPLETED. It returns nil when no task is
// ready; the caller distinguishes "nothing ready now" from "workflow
// finished" via PendingCount.
func (m *TaskManager) NextExecutable() *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		t := m.tasks[id]
		if t.Status != TaskPending {
			continue
		}
		if m.dependenciesCompleted(t) {
			return t.clone()
		}
	}
	return nil
}

// dependenciesCompleted must be called with the lock held. A missing
// dependency ID never satisfies the check (fail-closed), though Register
// should have rejected it already.
func (m *TaskManager) dependenciesCompleted(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := m.tasks[dep]
		if !ok || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// MarkRunning records that a task was handed to a handler.
// Unknown IDs are a no-op so checkpoint replays stay idempotent.
func (m *TaskManager) MarkRunning(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = TaskRunning
		t.StartedAt = time.Now()
	}
}

// MarkCompleted records a successful terminal transition.
func (m *TaskManager) MarkCompleted(id string, result any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = TaskCompleted
		t.Result = result
		t.Error = ""
		t.FinishedAt = time.Now()
	}
}

// MarkFailed records a failed transition. The task may still come back
// via Retry while its budget lasts.
func (m *TaskManager) MarkFailed(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = TaskFailed
		if err != nil {
			t.Error = err.Error()
		}
		t.FinishedAt = time.Now()
	}
}

// MarkSkipped maps an unrecoverable task to SKIPPED when the engine
// chooses to continue past it.
func (m *TaskManager) MarkSkipped(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Status = TaskSkipped
		t.FinishedAt = time.Now()
	}
}

// Requeue puts a RUNNING task back to PENDING without touching its retry
// budget. Used when a dispatch was cancelled before the task could finish
// or fail on its own.
func (m *TaskManager) Requeue(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && t.Status == TaskRunning {
		t.Status = TaskPending
		t.StartedAt = time.Time{}
	}
}

// Retry moves a task back to PENDING if its retry budget allows.
// It returns false, leaving the task untouched, once
// RetryCount == MaxRetries.
func (m *TaskManager) Retry(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return false
	}
	if t.RetryCount >= t.MaxRetries {
		return false
	}

	t.RetryCount++
	t.Status = TaskPending
	t.Error = ""

	m.logger.Debug("task scheduled for retry",
		zap.String("task_id", id),
		zap.Int("retry_count", t.RetryCount),
		zap.Int("max_retries", t.MaxRetries))

	return true
}

// Get returns a copy of the task with the given ID.
func (m *TaskManager) Get(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks in registration order.
func (m *TaskManager) Tasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].clone())
	}
	return out
}

// PendingCount returns the number of tasks still PENDING.
func (m *TaskManager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == TaskPending {
			n++
		}
	}
	return n
}

// PendingIDs returns the IDs of PENDING tasks in registration order.
func (m *TaskManager) PendingIDs() []string {
	return m.idsWithStatus(TaskPending)
}

// CompletedIDs returns the IDs of COMPLETED tasks in registration order.
func (m *TaskManager) CompletedIDs() []string {
	return m.idsWithStatus(TaskCompleted)
}

func (m *TaskManager) idsWithStatus(status TaskStatus) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, id := range m.order {
		if m.tasks[id].Status == status {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot captures the full graph for checkpointing.
func (m *TaskManager) Snapshot() *GraphSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := &GraphSnapshot{
		Tasks:   make([]*Task, 0, len(m.order)),
		Counter: m.counter,
	}
	for _, id := range m.order {
		snap.Tasks = append(snap.Tasks, m.tasks[id].clone())
	}
	return snap
}

// Restore replaces the graph with a checkpoint snapshot. Tasks captured
// as RUNNING never finished, so they come back PENDING and will be
// dispatched again.
func (m *TaskManager) Restore(snap *GraphSnapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make(map[string]*Task, len(snap.Tasks))
	order := make([]string, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" {
			return fmt.Errorf("snapshot contains a task without an id")
		}
		if _, dup := tasks[t.ID]; dup {
			return fmt.Errorf("snapshot contains duplicate task id %q", t.ID)
		}
		c := t.clone()
		if c.Status == TaskRunning {
			c.Status = TaskPending
		}
		tasks[c.ID] = c
		order = append(order, c.ID)
	}

	m.tasks = tasks
	m.order = order
	if snap.Counter > 0 {
		m.counter = snap.Counter
	} else {
		m.counter = len(order)
	}

	m.logger.Info("task graph restored",
		zap.Int("tasks", len(order)),
		zap.Int("counter", m.counter))

	return nil
}
