package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))

	id1, err := m.Register(NewTask(TaskTypeFileOperation, nil))
	require.NoError(t, err)
	id2, err := m.Register(NewTask(TaskTypeAPICall, nil))
	require.NoError(t, err)

	assert.Equal(t, "task-001", id1)
	assert.Equal(t, "task-002", id2)

	got, ok := m.Get(id1)
	require.True(t, ok)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, DefaultMaxRetries, got.MaxRetries)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRegisterValidation(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))

	_, err := m.Register(nil)
	assert.Error(t, err)

	_, err = m.Register(&Task{Type: ""})
	assert.Error(t, err)

	_, err = m.Register(NewTask(TaskTypeAPICall, nil).WithMaxRetries(-1))
	assert.Error(t, err)

	_, err = m.Register(NewTask(TaskTypeAPICall, nil, "task-999"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task-999")

	// Nothing leaked into the graph.
	assert.Empty(t, m.Tasks())
}

func TestRequeueRestoresPendingWithoutBurningBudget(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))

	id, err := m.Register(NewTask(TaskTypeAPICall, nil).WithMaxRetries(2))
	require.NoError(t, err)
	m.MarkRunning(id)

	m.Requeue(id)

	got, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, TaskPending, got.Status)
	assert.Zero(t, got.RetryCount, "a requeue is not a retry")
	assert.True(t, got.StartedAt.IsZero())
}

func TestRequeueOnlyAffectsRunningTasks(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))

	id, err := m.Register(NewTask(TaskTypeAPICall, nil))
	require.NoError(t, err)
	m.MarkRunning(id)
	m.MarkCompleted(id, "ok")

	m.Requeue(id)
	m.Requeue("task-999")

	got, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, got.Status, "terminal tasks never come back")
}

func TestNextExecutableRespectsDependencies(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))

	a, err := m.Register(NewTask(TaskTypeFileOperation, nil))
	require.NoError(t, err)
	b, err := m.Register(NewTask(TaskTypeAPICall, nil, a))
	require.NoError(t, err)

	next := m.NextExecutable()
	require.NotNil(t, next)
	assert.Equal(t, a, next.ID)

	// b stays blocked until a completes.
	m.MarkRunning(a)
	assert.Nil(t, m.NextExecutable())

	m.MarkCompleted(a, "done")
	next = m.NextExecutable()
	require.NotNil(t, next)
	assert.Equal(t, b, next.ID)
}

func TestDiamondDependencyOrder(t *testing.T) {
	// a -> (b, c) -> d: d runs only after both branches complete, and
	// ready tasks come back in registration order.
	m := NewTaskManager(zaptest.NewLogger(t))

	a, _ := m.Register(NewTask(TaskTypeFileOperation, nil))
	b, _ := m.Register(NewTask(TaskTypeAPICall, nil, a))
	c, _ := m.Register(NewTask(TaskTypeImageProcessing, nil, a))
	d, _ := m.Register(NewTask(TaskTypeS3Operation, nil, b, c))

	var order []string
	for {
		next := m.NextExecutable()
		if next == nil {
			break
		}
		m.MarkRunning(next.ID)
		m.MarkCompleted(next.ID, nil)
		order = append(order, next.ID)
	}

	require.Equal(t, []string{a, b, c, d}, order)
	assert.Zero(t, m.PendingCount())
}

func TestRetryBudget(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))
	id, err := m.Register(NewTask(TaskTypeAPICall, nil).WithMaxRetries(2))
	require.NoError(t, err)

	boom := errors.New("boom")
	for i := 1; i <= 2; i++ {
		m.MarkRunning(id)
		m.MarkFailed(id, boom)
		require.True(t, m.Retry(id), "retry %d should be granted", i)

		got, _ := m.Get(id)
		assert.Equal(t, TaskPending, got.Status)
		assert.Equal(t, i, got.RetryCount)
		assert.Empty(t, got.Error)
	}

	m.MarkRunning(id)
	m.MarkFailed(id, boom)
	assert.False(t, m.Retry(id), "budget exhausted")

	got, _ := m.Get(id)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestMarkUnknownIDIsNoOp(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))
	id, _ := m.Register(NewTask(TaskTypeFileOperation, nil))

	m.MarkRunning("task-999")
	m.MarkCompleted("task-999", nil)
	m.MarkFailed("task-999", errors.New("x"))
	m.MarkSkipped("task-999")
	assert.False(t, m.Retry("task-999"))

	got, _ := m.Get(id)
	assert.Equal(t, TaskPending, got.Status)
	assert.Len(t, m.Tasks(), 1)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))
	a, _ := m.Register(NewTask(TaskTypeFileOperation, map[string]any{"path": "x"}))
	b, _ := m.Register(NewTask(TaskTypeAPICall, nil, a))

	m.MarkRunning(a)
	m.MarkCompleted(a, "result-a")
	m.MarkRunning(b)

	snap := m.Snapshot()
	require.Len(t, snap.Tasks, 2)

	restored := NewTaskManager(zaptest.NewLogger(t))
	require.NoError(t, restored.Restore(snap))

	// a keeps its result; b was mid-flight and comes back pending.
	gotA, _ := restored.Get(a)
	assert.Equal(t, TaskCompleted, gotA.Status)
	assert.Equal(t, "result-a", gotA.Result)
	gotB, _ := restored.Get(b)
	assert.Equal(t, TaskPending, gotB.Status)

	// The ID counter continues rather than reusing IDs.
	c, err := restored.Register(NewTask(TaskTypeS3Operation, nil))
	require.NoError(t, err)
	assert.Equal(t, "task-003", c)
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))

	assert.Error(t, m.Restore(nil))
	assert.Error(t, m.Restore(&GraphSnapshot{Tasks: []*Task{{ID: ""}}}))
	assert.Error(t, m.Restore(&GraphSnapshot{Tasks: []*Task{
		{ID: "task-001", Type: TaskTypeAPICall},
		{ID: "task-001", Type: TaskTypeAPICall},
	}}))
}

func TestTasksReturnsCopies(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))
	id, _ := m.Register(NewTask(TaskTypeFileOperation, map[string]any{"k": "v"}))

	out := m.Tasks()[0]
	out.Status = TaskFailed
	out.Params["k"] = "mutated"

	got, _ := m.Get(id)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, "v", got.Params["k"])
}

func TestPendingAndCompletedIDs(t *testing.T) {
	m := NewTaskManager(zaptest.NewLogger(t))
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Register(NewTask(TaskTypeFileOperation, map[string]any{"n": i}))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	m.MarkCompleted(ids[0], nil)
	m.MarkCompleted(ids[2], nil)

	assert.Equal(t, []string{ids[1], ids[3]}, m.PendingIDs())
	assert.Equal(t, []string{ids[0], ids[2]}, m.CompletedIDs())
	assert.Equal(t, 2, m.PendingCount())
}
