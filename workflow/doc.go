// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package workflow provides the task orchestration and execution engine.

# Overview

The workflow package schedules a dependency graph of tasks and drives it
to completion. Tasks run strictly after their dependencies complete, in
registration order among equally ready tasks, optionally in bounded
parallel rounds. Every completion is checkpointed, so an interrupted run
can resume from its last consistent state.

# Core types

  - Task / TaskManager       — the task graph: registration, scheduling,
    status transitions, snapshot and restore
  - Handler / HandlerRegistry — per-type task execution with optional
    rate limiting
  - Engine                   — the control loop: seed, schedule, dispatch,
    checkpoint, resume
  - Seeder / Planner         — hooks that register initial and follow-up
    tasks
  - CircuitBreaker           — per-task-type failure isolation
    (Closed/Open/HalfOpen)
  - RetryPolicy              — exponential backoff with jitter around
    dispatches
  - ParallelExecutor         — bounded fan-out/fan-in with order-preserving
    results

# Failure handling

  - Dispatch-level retry: RetryOnError reruns a failing dispatch with
    exponential backoff; breaker rejections are never retried.
  - Task-level retry: a failed task returns to PENDING while its retry
    budget lasts, then is skipped or fails the run.
  - Deadlock detection: pending tasks that can never run fail the run
    with ErrDeadlock instead of reporting success.
  - Every run-level failure writes an ERROR checkpoint and alerts the
    configured Notifier.
*/
package workflow
