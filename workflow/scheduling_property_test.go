package workflow

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomGraph registers n tasks where each depends on a random subset of
// its predecessors, which keeps the graph acyclic by construction.
func randomGraph(m *TaskManager, n int, seed int64) ([]string, map[string][]string, error) {
	rng := rand.New(rand.NewSource(seed))
	ids := make([]string, 0, n)
	deps := make(map[string][]string, n)

	for i := 0; i < n; i++ {
		var taskDeps []string
		for _, prev := range ids {
			if rng.Intn(3) == 0 {
				taskDeps = append(taskDeps, prev)
			}
		}
		id, err := m.Register(NewTask(TaskTypeFileOperation, nil, taskDeps...))
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		deps[id] = taskDeps
	}
	return ids, deps, nil
}

// drain runs the scheduling loop to exhaustion and returns the execution
// order.
func drain(m *TaskManager) []string {
	var order []string
	for {
		next := m.NextExecutable()
		if next == nil {
			return order
		}
		m.MarkRunning(next.ID)
		m.MarkCompleted(next.ID, nil)
		order = append(order, next.ID)
	}
}

func TestSchedulingProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every task runs exactly once, after its dependencies", prop.ForAll(
		func(n int, seed int64) bool {
			m := NewTaskManager(nil)
			ids, deps, err := randomGraph(m, n, seed)
			if err != nil {
				return false
			}

			order := drain(m)
			if len(order) != len(ids) {
				return false
			}

			position := make(map[string]int, len(order))
			for i, id := range order {
				if _, dup := position[id]; dup {
					return false
				}
				position[id] = i
			}
			for id, taskDeps := range deps {
				for _, dep := range taskDeps {
					if position[dep] >= position[id] {
						return false
					}
				}
			}
			return m.PendingCount() == 0
		},
		gen.IntRange(1, 20),
		gen.Int64(),
	))

	properties.Property("ready tasks run in registration order", prop.ForAll(
		func(n int) bool {
			// No dependencies at all: the order must be exactly the
			// registration order.
			m := NewTaskManager(nil)
			var ids []string
			for i := 0; i < n; i++ {
				id, err := m.Register(NewTask(TaskTypeAPICall, nil))
				if err != nil {
					return false
				}
				ids = append(ids, id)
			}

			order := drain(m)
			if len(order) != len(ids) {
				return false
			}
			for i := range ids {
				if order[i] != ids[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 30),
	))

	properties.Property("snapshot and restore preserve the remaining schedule", prop.ForAll(
		func(n int, seed int64, stopAfter int) bool {
			m := NewTaskManager(nil)
			if _, _, err := randomGraph(m, n, seed); err != nil {
				return false
			}

			// Run the reference schedule to completion.
			reference := NewTaskManager(nil)
			if _, _, err := randomGraph(reference, n, seed); err != nil {
				return false
			}
			full := drain(reference)

			// Run partially, snapshot, restore into a fresh manager, finish.
			var prefix []string
			for i := 0; i < stopAfter%n; i++ {
				next := m.NextExecutable()
				if next == nil {
					break
				}
				m.MarkRunning(next.ID)
				m.MarkCompleted(next.ID, nil)
				prefix = append(prefix, next.ID)
			}

			restored := NewTaskManager(nil)
			if err := restored.Restore(m.Snapshot()); err != nil {
				return false
			}
			combined := append(prefix, drain(restored)...)

			if len(combined) != len(full) {
				return false
			}
			for i := range full {
				if combined[i] != full[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 15),
		gen.Int64(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
