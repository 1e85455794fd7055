package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager layers checkpoint construction, recovery, and retention on top
// of a Store.
type Manager struct {
	store    Store
	logger   *zap.Logger
	seedOnce sync.Once
}

// NewManager wraps a store. A nil logger disables logging.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger.With(zap.String("component", "checkpoint_manager")),
	}
}

// Store exposes the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Save persists a checkpoint carrying only a state map and returns its
// generated ID.
func (m *Manager) Save(ctx context.Context, cpType string, state map[string]any) (string, error) {
	return m.SaveSnapshot(ctx, cpType, state, nil, nil, nil)
}

// SaveSnapshot persists a full checkpoint: state map, completed/pending
// task IDs, and the serialized task graph.
func (m *Manager) SaveSnapshot(ctx context.Context, cpType string, state map[string]any, completed, pending []string, snapshot json.RawMessage) (string, error) {
	m.seedOnce.Do(func() {
		ids, err := m.store.List(ctx)
		if err == nil && len(ids) > 0 {
			seedSequence(ids[len(ids)-1])
		}
	})

	now := time.Now()
	cp := &Checkpoint{
		ID:             NewID(now),
		Type:           cpType,
		Timestamp:      now.UTC(),
		State:          state,
		CompletedTasks: completed,
		PendingTasks:   pending,
		Snapshot:       snapshot,
	}
	if err := m.store.Save(ctx, cp); err != nil {
		return "", fmt.Errorf("save %s checkpoint: %w", cpType, err)
	}

	m.logger.Info("checkpoint saved",
		zap.String("id", cp.ID),
		zap.String("type", cpType),
		zap.Int("completed", len(completed)),
		zap.Int("pending", len(pending)))
	return cp.ID, nil
}

// Load returns the checkpoint with the given ID.
func (m *Manager) Load(ctx context.Context, id string) (*Checkpoint, error) {
	return m.store.Load(ctx, id)
}

// LoadLatest returns the most recent checkpoint.
func (m *Manager) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	return m.store.LoadLatest(ctx)
}

// List returns all checkpoint IDs, oldest first.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Restore fetches the checkpoint with the given ID, or the latest when id
// is empty. A missing or corrupt record yields (nil, false) rather than
// an error; recovery is best-effort and the caller decides whether a cold
// start is acceptable.
func (m *Manager) Restore(ctx context.Context, id string) (*Checkpoint, bool) {
	var (
		cp  *Checkpoint
		err error
	)
	if id == "" {
		cp, err = m.store.LoadLatest(ctx)
	} else {
		cp, err = m.store.Load(ctx, id)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Info("no checkpoint to restore", zap.String("id", id))
		} else {
			m.logger.Warn("checkpoint restore failed",
				zap.String("id", id),
				zap.Error(err))
		}
		return nil, false
	}

	m.logger.Info("checkpoint restored",
		zap.String("id", cp.ID),
		zap.String("type", cp.Type),
		zap.Time("taken_at", cp.Timestamp))
	return cp, true
}

// Cleanup deletes checkpoints older than the retention window and returns
// how many were removed. The newest checkpoint always survives, whatever
// its age, so a resume point remains available. Records whose payload is
// unreadable are aged by the timestamp embedded in their ID.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints for cleanup: %w", err)
	}
	if len(ids) <= 1 {
		return 0, nil
	}

	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	// ids[len-1] is the newest; never delete it.
	for _, id := range ids[:len(ids)-1] {
		ts, ok := m.checkpointTime(ctx, id)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, id); err != nil {
			return deleted, fmt.Errorf("cleanup checkpoint %s: %w", id, err)
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.Info("checkpoint cleanup",
			zap.Int("deleted", deleted),
			zap.Duration("older_than", olderThan))
	}
	return deleted, nil
}

func (m *Manager) checkpointTime(ctx context.Context, id string) (time.Time, bool) {
	cp, err := m.store.Load(ctx, id)
	if err == nil {
		return cp.Timestamp, true
	}
	if errors.Is(err, ErrCorrupt) {
		return TimeFromID(id)
	}
	return time.Time{}, false
}
