package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestDispatchRoutesByType(t *testing.T) {
	r := NewHandlerRegistry()
	r.RegisterFunc(TaskTypeFileOperation, func(ctx context.Context, task *Task) (any, error) {
		return "file:" + task.ID, nil
	})
	r.RegisterFunc(TaskTypeAPICall, func(ctx context.Context, task *Task) (any, error) {
		return "api:" + task.ID, nil
	})

	result, err := r.Dispatch(context.Background(), &Task{ID: "task-001", Type: TaskTypeAPICall})
	require.NoError(t, err)
	assert.Equal(t, "api:task-001", result)
}

func TestDispatchUnknownType(t *testing.T) {
	r := NewHandlerRegistry()

	_, err := r.Dispatch(context.Background(), &Task{ID: "task-001", Type: "TELEPORT"})
	require.ErrorIs(t, err, ErrUnknownTaskType)
	assert.Contains(t, err.Error(), "TELEPORT")
}

func TestRegisterReplacesHandler(t *testing.T) {
	r := NewHandlerRegistry()
	r.RegisterFunc(TaskTypeS3Operation, func(ctx context.Context, task *Task) (any, error) {
		return "old", nil
	})
	r.RegisterFunc(TaskTypeS3Operation, func(ctx context.Context, task *Task) (any, error) {
		return "new", nil
	})

	result, err := r.Dispatch(context.Background(), &Task{Type: TaskTypeS3Operation})
	require.NoError(t, err)
	assert.Equal(t, "new", result)
	assert.Len(t, r.Types(), 1)
}

func TestDispatchAppliesRateLimit(t *testing.T) {
	r := NewHandlerRegistry()
	r.RegisterFunc(TaskTypeAPICall, func(ctx context.Context, task *Task) (any, error) {
		return nil, nil
	})
	// 100/s with burst 1: the second dispatch must wait ~10ms.
	r.SetRateLimit(TaskTypeAPICall, rate.Limit(100), 1)

	task := &Task{Type: TaskTypeAPICall}
	start := time.Now()
	_, err := r.Dispatch(context.Background(), task)
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), task)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestDispatchRateLimitCancellation(t *testing.T) {
	r := NewHandlerRegistry()
	r.RegisterFunc(TaskTypeAPICall, func(ctx context.Context, task *Task) (any, error) {
		return nil, nil
	})
	r.SetRateLimit(TaskTypeAPICall, rate.Limit(0.001), 1)

	task := &Task{Type: TaskTypeAPICall}
	_, err := r.Dispatch(context.Background(), task)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Dispatch(ctx, task)
	assert.Error(t, err)
}
