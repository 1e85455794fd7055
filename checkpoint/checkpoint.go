package checkpoint

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Canonical checkpoint types written by the engine. Type is a free-form
// label; callers may supply their own tags.
const (
	TypeInitial = "INITIAL"
	TypeTask    = "TASK"
	TypeError   = "ERROR"
)

// Checkpoint is an immutable, timestamped snapshot of workflow progress.
// A record is written once under its ID and never mutated; only the
// retention cleanup deletes records.
type Checkpoint struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	State          map[string]any  `json:"state,omitempty"`
	CompletedTasks []string        `json:"completed_tasks,omitempty"`
	PendingTasks   []string        `json:"pending_tasks,omitempty"`
	// Snapshot carries the serialized task graph. It is opaque to this
	// package; the engine owns its schema.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

const idTimeLayout = "20060102150405"

var idSeq atomic.Int64

// NewID builds a lexically sortable checkpoint ID from a UTC timestamp
// component plus a process-wide sequence suffix. Two calls within the
// same second still produce distinct, correctly ordered IDs.
func NewID(now time.Time) string {
	return fmt.Sprintf("checkpoint-%s-%06d", now.UTC().Format(idTimeLayout), idSeq.Add(1))
}

// seedSequence advances the ID sequence past the one embedded in an
// existing ID. A fresh process seeds from the store's greatest ID before
// its first save, so a restart within the same wall-clock second as the
// previous process's last save still mints lexically greater IDs.
func seedSequence(id string) {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return
	}
	for {
		cur := idSeq.Load()
		if cur >= n || idSeq.CompareAndSwap(cur, n) {
			return
		}
	}
}

// TimeFromID recovers the timestamp component of a checkpoint ID.
// Used by retention cleanup when a record's payload is unreadable.
func TimeFromID(id string) (time.Time, bool) {
	const prefix = "checkpoint-"
	if len(id) < len(prefix)+len(idTimeLayout) || id[:len(prefix)] != prefix {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(idTimeLayout, id[len(prefix):len(prefix)+len(idTimeLayout)], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
