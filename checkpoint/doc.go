// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package checkpoint persists workflow progress as immutable, timestamped
records.

# Overview

A checkpoint captures the engine's state at one moment: a free-form
state map, the completed and pending task IDs, and an opaque snapshot of
the task graph. Records are write-once; IDs embed a UTC timestamp plus a
sequence number, so lexical order is chronological order and "latest" is
simply the greatest ID.

# Stores

  - FileStore   — one JSON file per record, atomic via temp-file rename
  - MemoryStore — in-process, for tests and ephemeral runs
  - SQLiteStore — single-file database via GORM
  - RedisStore  — keys plus a sorted-set index for ordered listing

# Manager

Manager layers recovery and retention on a Store: Restore falls back to
a cold start on missing or corrupt records, and Cleanup enforces a
retention window while always keeping the newest record as a resume
point.
*/
package checkpoint
