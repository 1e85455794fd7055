package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestManagerSaveAndLoad(t *testing.T) {
	manager := NewManager(NewMemoryStore(), zaptest.NewLogger(t))
	ctx := context.Background()

	id, err := manager.Save(ctx, TypeInitial, map[string]any{"run_id": "r-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := manager.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TypeInitial, got.Type)
	assert.Equal(t, "r-1", got.State["run_id"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestManagerSaveSnapshot(t *testing.T) {
	manager := NewManager(NewMemoryStore(), zaptest.NewLogger(t))
	ctx := context.Background()

	snapshot := json.RawMessage(`{"tasks":[{"id":"task-001"}],"counter":1}`)
	id, err := manager.SaveSnapshot(ctx, TypeTask,
		map[string]any{"last_completed_task": "task-001"},
		[]string{"task-001"}, []string{"task-002"}, snapshot)
	require.NoError(t, err)

	got, err := manager.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-001"}, got.CompletedTasks)
	assert.Equal(t, []string{"task-002"}, got.PendingTasks)
	assert.JSONEq(t, string(snapshot), string(got.Snapshot))
}

func TestManagerSaveOrdersAfterRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// A record left behind by a previous process whose sequence suffix is
	// ahead of this process's counter. Without seeding from the store, a
	// save within the same wall-clock second would sort before it.
	prev := fmt.Sprintf("checkpoint-%s-%06d",
		time.Now().UTC().Format(idTimeLayout), idSeq.Load()+50)
	require.NoError(t, store.Save(ctx, &Checkpoint{
		ID:        prev,
		Type:      TypeTask,
		Timestamp: time.Now().UTC(),
	}))

	manager := NewManager(store, zaptest.NewLogger(t))
	id, err := manager.Save(ctx, TypeTask, nil)
	require.NoError(t, err)
	assert.Greater(t, id, prev, "new IDs stay lexically greater across restarts")

	latest, err := manager.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, latest.ID)
}

func TestManagerRestoreLatestByDefault(t *testing.T) {
	manager := NewManager(NewMemoryStore(), zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := manager.Save(ctx, TypeInitial, map[string]any{"n": 1})
	require.NoError(t, err)
	last, err := manager.Save(ctx, TypeTask, map[string]any{"n": 2})
	require.NoError(t, err)

	cp, ok := manager.Restore(ctx, "")
	require.True(t, ok)
	assert.Equal(t, last, cp.ID)
}

func TestManagerRestoreMissingIsCleanFalse(t *testing.T) {
	manager := NewManager(NewMemoryStore(), zaptest.NewLogger(t))

	cp, ok := manager.Restore(context.Background(), "")
	assert.False(t, ok)
	assert.Nil(t, cp)

	cp, ok = manager.Restore(context.Background(), "checkpoint-19700101000000-000000")
	assert.False(t, ok)
	assert.Nil(t, cp)
}

func TestManagerRestoreCorruptIsCleanFalse(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	store, err := NewFileStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	manager := NewManager(store, zaptest.NewLogger(t))
	ctx := context.Background()

	id, err := manager.Save(ctx, TypeTask, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte("garbage"), 0o644))

	cp, ok := manager.Restore(ctx, id)
	assert.False(t, ok)
	assert.Nil(t, cp)
}

func TestManagerCleanupKeepsNewest(t *testing.T) {
	manager := NewManager(NewMemoryStore(), zaptest.NewLogger(t))
	ctx := context.Background()

	// Backdate records by writing directly to the store.
	old := time.Now().Add(-48 * time.Hour).UTC()
	for i := 0; i < 3; i++ {
		cp := &Checkpoint{
			ID:        NewID(old.Add(time.Duration(i) * time.Minute)),
			Type:      TypeTask,
			Timestamp: old.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, manager.Store().Save(ctx, cp))
	}

	deleted, err := manager.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// The newest record survives even though it is past retention.
	ids, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	cp, err := manager.Load(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, cp.Timestamp.Before(time.Now().Add(-24*time.Hour)))
}

func TestManagerCleanupSkipsFreshRecords(t *testing.T) {
	manager := NewManager(NewMemoryStore(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := manager.Save(ctx, TypeTask, nil)
		require.NoError(t, err)
	}

	deleted, err := manager.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	ids, err := manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestManagerCleanupAgesCorruptRecordsByID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	store, err := NewFileStore(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	manager := NewManager(store, zaptest.NewLogger(t))
	ctx := context.Background()

	// A corrupt record whose ID says it is two days old.
	oldID := NewID(time.Now().Add(-48 * time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, oldID+".json"), []byte("garbage"), 0o644))
	// A fresh, valid record that must survive.
	_, err = manager.Save(ctx, TypeTask, nil)
	require.NoError(t, err)

	deleted, err := manager.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	ids, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotEqual(t, oldID, ids[0])
}

func TestManagerCleanupEmptyStore(t *testing.T) {
	manager := NewManager(NewMemoryStore(), zaptest.NewLogger(t))
	deleted, err := manager.Cleanup(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
