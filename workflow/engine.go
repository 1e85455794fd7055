package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tako-labs/taskflow/checkpoint"
	"github.com/tako-labs/taskflow/internal/metrics"
)

// Stage is the coarse lifecycle of an engine run.
type Stage string

const (
	StageInitialized Stage = "INITIALIZED"
	StageRunning     Stage = "RUNNING"
	StageCompleted   Stage = "COMPLETED"
	StageFailed      Stage = "FAILED"
	StageSuspended   Stage = "SUSPENDED"
)

var (
	// ErrDeadlock is returned when pending tasks remain but none can ever
	// become executable. The engine reports it instead of pretending the
	// run finished.
	ErrDeadlock = errors.New("workflow deadlocked")
	// ErrNoCheckpoint is returned by Resume when no usable checkpoint
	// exists.
	ErrNoCheckpoint = errors.New("no checkpoint to resume from")
	// ErrNoTasks is returned by Start when, after seeding, the graph is
	// empty.
	ErrNoTasks = errors.New("no tasks to execute")
)

// Seeder registers the initial tasks of a run from the workflow input.
type Seeder interface {
	Seed(ctx context.Context, tasks *TaskManager, input map[string]any) error
}

// SeederFunc adapts a function to the Seeder interface.
type SeederFunc func(ctx context.Context, tasks *TaskManager, input map[string]any) error

// Seed implements Seeder.
func (f SeederFunc) Seed(ctx context.Context, tasks *TaskManager, input map[string]any) error {
	return f(ctx, tasks, input)
}

// Planner registers follow-up tasks after each completion, letting the
// graph grow as results come in.
type Planner interface {
	Plan(ctx context.Context, completed *Task, tasks *TaskManager) error
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, completed *Task, tasks *TaskManager) error

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, completed *Task, tasks *TaskManager) error {
	return f(ctx, completed, tasks)
}

// ErrorNotice describes a run-level failure for external alerting.
type ErrorNotice struct {
	RunID        string    `json:"run_id"`
	Stage        Stage     `json:"stage"`
	Error        string    `json:"error"`
	TaskID       string    `json:"task_id,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier receives error notices. Delivery is best-effort: a notifier
// error is logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, notice ErrorNotice) error
}

// EngineConfig tunes one engine instance. There is no process-global
// configuration; two engines in one process can run with different
// settings.
type EngineConfig struct {
	// TaskTimeout bounds a single handler invocation. Zero means no bound.
	TaskTimeout time.Duration `json:"task_timeout"`
	// MaxParallel is how many ready tasks run concurrently per round.
	// Values below 2 mean strictly sequential execution.
	MaxParallel int `json:"max_parallel"`
	// ContinueOnFailure skips permanently failed tasks instead of
	// aborting the run. Tasks depending on a skipped task deadlock the
	// run, which is then reported as such.
	ContinueOnFailure bool `json:"continue_on_failure"`
	// DispatchRetry wraps each handler invocation. This is in-dispatch
	// retry with backoff; task-level retry budgets are tracked separately
	// on the task itself.
	DispatchRetry RetryPolicy `json:"dispatch_retry"`
	// Breaker configures the per-task-type circuit breakers.
	Breaker CircuitBreakerConfig `json:"breaker"`
	// ValidateInput, when set, vets the workflow input before seeding.
	ValidateInput func(input map[string]any) error `json:"-"`
}

// DefaultEngineConfig returns sequential execution with the default
// retry and breaker settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TaskTimeout:   5 * time.Minute,
		MaxParallel:   1,
		DispatchRetry: DefaultRetryPolicy(),
		Breaker:       DefaultCircuitBreakerConfig(),
	}
}

// Engine drives a task graph to completion: it schedules ready tasks,
// dispatches them through the handler registry under retry and breaker
// protection, checkpoints after every completion, and can resume a run
// from any checkpoint.
type Engine struct {
	config      EngineConfig
	tasks       *TaskManager
	handlers    *HandlerRegistry
	checkpoints *checkpoint.Manager
	breakers    *CircuitBreakerRegistry
	parallel    *ParallelExecutor
	seeder      Seeder
	planner     Planner
	notifier    Notifier
	collector   *metrics.Collector
	tracer      trace.Tracer
	logger      *zap.Logger

	mu               sync.RWMutex
	runID            string
	stage            Stage
	input            map[string]any
	lastCheckpointID string
}

// EngineOption customizes an Engine at construction time.
type EngineOption func(*Engine)

// WithSeeder sets the initial-task seeder.
func WithSeeder(s Seeder) EngineOption {
	return func(e *Engine) { e.seeder = s }
}

// WithPlanner sets the follow-up task planner.
func WithPlanner(p Planner) EngineOption {
	return func(e *Engine) { e.planner = p }
}

// WithNotifier sets the error notifier.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics sets the Prometheus collector. Nil disables metrics.
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.collector = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine wires an engine from its collaborators. The handler registry
// and checkpoint manager are required; everything else has a default.
func NewEngine(config EngineConfig, handlers *HandlerRegistry, checkpoints *checkpoint.Manager, opts ...EngineOption) (*Engine, error) {
	if handlers == nil {
		return nil, fmt.Errorf("handler registry is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}

	e := &Engine{
		config:      config,
		handlers:    handlers,
		checkpoints: checkpoints,
		tracer:      otel.Tracer("taskflow/workflow"),
		stage:       StageInitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("component", "engine"))

	e.tasks = NewTaskManager(e.logger)
	e.breakers = NewCircuitBreakerRegistry(config.Breaker, nil, e.logger)
	e.parallel = NewParallelExecutor(config.MaxParallel, e.logger)
	return e, nil
}

// TaskManager exposes the engine's task graph, mainly for seeding tasks
// up front instead of via a Seeder.
func (e *Engine) TaskManager() *TaskManager {
	return e.tasks
}

// Breakers exposes the per-task-type circuit breakers.
func (e *Engine) Breakers() *CircuitBreakerRegistry {
	return e.breakers
}

// RunID returns the identifier of the current run.
func (e *Engine) RunID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// Input returns the workflow input of the current run, as provided to
// Start or recovered from the resumed checkpoint.
func (e *Engine) Input() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.input
}

// Stage returns the current lifecycle stage.
func (e *Engine) Stage() Stage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stage
}

// LastCheckpointID returns the ID of the most recently written
// checkpoint, empty before the first save.
func (e *Engine) LastCheckpointID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCheckpointID
}

func (e *Engine) setStage(s Stage) {
	e.mu.Lock()
	e.stage = s
	e.mu.Unlock()
}

// Start begins a fresh run: validates the input, seeds the initial
// tasks, writes the initial checkpoint, and drives the graph until it
// completes, fails, or deadlocks.
func (e *Engine) Start(ctx context.Context, input map[string]any) error {
	if e.config.ValidateInput != nil {
		if err := e.config.ValidateInput(input); err != nil {
			return fmt.Errorf("invalid workflow input: %w", err)
		}
	}

	e.mu.Lock()
	e.runID = uuid.NewString()
	e.input = input
	e.stage = StageRunning
	runID := e.runID
	e.mu.Unlock()

	e.logger.Info("workflow starting", zap.String("run_id", runID))

	if e.seeder != nil {
		if err := e.seeder.Seed(ctx, e.tasks, input); err != nil {
			e.setStage(StageFailed)
			return fmt.Errorf("seed initial tasks: %w", err)
		}
	}
	if len(e.tasks.Tasks()) == 0 {
		e.setStage(StageFailed)
		return ErrNoTasks
	}

	if err := e.saveCheckpoint(ctx, checkpoint.TypeInitial, map[string]any{
		"run_id": runID,
		"stage":  string(StageInitialized),
		"input":  input,
	}); err != nil {
		e.setStage(StageFailed)
		return err
	}

	return e.runLoop(ctx)
}

// Resume restores the task graph from a checkpoint and continues the
// run. An empty checkpointID resumes from the latest checkpoint. Tasks
// captured mid-flight come back pending and are dispatched again.
func (e *Engine) Resume(ctx context.Context, checkpointID string) error {
	cp, ok := e.checkpoints.Restore(ctx, checkpointID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoCheckpoint, checkpointID)
	}
	if len(cp.Snapshot) == 0 {
		return fmt.Errorf("%w: checkpoint %s has no task snapshot", ErrNoCheckpoint, cp.ID)
	}

	var snap GraphSnapshot
	if err := json.Unmarshal(cp.Snapshot, &snap); err != nil {
		return fmt.Errorf("decode task snapshot from %s: %w", cp.ID, err)
	}
	if err := e.tasks.Restore(&snap); err != nil {
		return fmt.Errorf("restore task graph from %s: %w", cp.ID, err)
	}

	e.mu.Lock()
	if runID, ok := cp.State["run_id"].(string); ok && runID != "" {
		e.runID = runID
	} else if e.runID == "" {
		e.runID = uuid.NewString()
	}
	if input, ok := cp.State["input"].(map[string]any); ok {
		e.input = input
	}
	e.stage = StageRunning
	e.lastCheckpointID = cp.ID
	runID := e.runID
	e.mu.Unlock()

	e.logger.Info("workflow resuming",
		zap.String("run_id", runID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("pending", e.tasks.PendingCount()))

	return e.runLoop(ctx)
}

// runLoop repeatedly collects ready tasks and executes them, one round
// at a time, until nothing is pending or the run fails.
func (e *Engine) runLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			e.setStage(StageSuspended)
			return err
		}

		pending := e.tasks.PendingCount()
		e.collector.SetPendingTasks(pending)
		if pending == 0 {
			e.setStage(StageCompleted)
			e.logger.Info("workflow completed",
				zap.String("run_id", e.RunID()),
				zap.Int("completed", len(e.tasks.CompletedIDs())))
			return nil
		}

		batch := e.collectReady()
		if len(batch) == 0 {
			stuck := e.tasks.PendingIDs()
			err := fmt.Errorf("%w: %d pending tasks can never run: %v", ErrDeadlock, len(stuck), stuck)
			e.handleError(ctx, err, "")
			e.setStage(StageFailed)
			return err
		}

		if err := e.executeRound(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.setStage(StageSuspended)
			}
			return err
		}
	}
}

// collectReady claims up to MaxParallel ready tasks, marking each RUNNING
// so the next claim skips it.
func (e *Engine) collectReady() []*Task {
	limit := e.config.MaxParallel
	if limit < 1 {
		limit = 1
	}
	var batch []*Task
	for len(batch) < limit {
		t := e.tasks.NextExecutable()
		if t == nil {
			break
		}
		e.tasks.MarkRunning(t.ID)
		batch = append(batch, t)
	}
	return batch
}

// executeRound runs one batch. A fatal error from any task aborts the
// round and the run; ordinary task failures are absorbed into retry or
// skip bookkeeping and return nil.
func (e *Engine) executeRound(ctx context.Context, batch []*Task) error {
	if len(batch) == 1 {
		return e.executeOne(ctx, batch[0])
	}

	calls := make([]ParallelTask, len(batch))
	for i, t := range batch {
		calls[i] = func(ctx context.Context) (any, error) {
			return nil, e.executeOne(ctx, t)
		}
	}
	_, _, err := e.parallel.Execute(ctx, calls, false)
	return err
}

// executeOne dispatches a single task through the breaker and retry
// wrappers, then records the outcome. The returned error is fatal to the
// run; retryable and skippable failures return nil.
func (e *Engine) executeOne(ctx context.Context, task *Task) error {
	ctx, span := e.tracer.Start(ctx, "taskflow.dispatch",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", string(task.Type)),
			attribute.Int("task.retry_count", task.RetryCount),
		))
	defer span.End()

	started := time.Now()

	dispatchCtx := ctx
	if e.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, e.config.TaskTimeout)
		defer cancel()
	}

	var result any
	var err error
	if _, ok := e.handlers.Handler(task.Type); !ok {
		// A missing handler is a validation error: it never reaches the
		// breaker or the retry wrapper.
		err = fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	} else {
		breaker := e.breakers.GetOrCreate(string(task.Type))
		result, err = RetryOnError(dispatchCtx, e.config.DispatchRetry, func(ctx context.Context) (any, error) {
			return breaker.Do(ctx, func(ctx context.Context) (any, error) {
				return e.handlers.Dispatch(ctx, task)
			})
		})
		e.collector.SetBreakerState(string(task.Type), int(breaker.State()))
	}

	if err == nil {
		e.tasks.MarkCompleted(task.ID, result)
		e.collector.ObserveTask(string(task.Type), string(TaskCompleted), time.Since(started))
		e.logger.Info("task completed",
			zap.String("task_id", task.ID),
			zap.String("task_type", string(task.Type)),
			zap.Duration("duration", time.Since(started)))

		if e.planner != nil {
			completed, _ := e.tasks.Get(task.ID)
			if err := e.planner.Plan(ctx, completed, e.tasks); err != nil {
				planErr := fmt.Errorf("plan follow-up tasks after %s: %w", task.ID, err)
				e.handleError(ctx, planErr, task.ID)
				e.setStage(StageFailed)
				return planErr
			}
		}

		if err := e.saveCheckpoint(ctx, checkpoint.TypeTask, map[string]any{
			"run_id":              e.RunID(),
			"last_completed_task": task.ID,
			"task_type":           string(task.Type),
		}); err != nil {
			e.logger.Warn("checkpoint save failed after task completion",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		return nil
	}

	// Missing handler is a configuration bug: retrying or skipping would
	// just hide it.
	if errors.Is(err, ErrUnknownTaskType) {
		e.tasks.MarkFailed(task.ID, err)
		e.collector.ObserveTask(string(task.Type), string(TaskFailed), time.Since(started))
		e.handleError(ctx, err, task.ID)
		e.setStage(StageFailed)
		return err
	}

	// The surrounding round or run was cancelled: the task did not fail
	// on its own. Put it back untouched for the next loop or a resume;
	// the stage transition belongs to whoever caused the cancellation.
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		e.tasks.Requeue(task.ID)
		return ctx.Err()
	}

	e.tasks.MarkFailed(task.ID, err)
	e.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("task_type", string(task.Type)),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(err))

	if e.tasks.Retry(task.ID) {
		e.collector.IncRetry(string(task.Type))
		retried, _ := e.tasks.Get(task.ID)
		wait := ExponentialBackoff(retried.RetryCount, e.config.DispatchRetry.BackoffFactor)
		e.logger.Info("task requeued",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", retried.RetryCount),
			zap.Duration("backoff", wait))
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
		return nil
	}

	// Retry budget exhausted.
	if e.config.ContinueOnFailure {
		e.tasks.MarkSkipped(task.ID)
		e.collector.ObserveTask(string(task.Type), string(TaskSkipped), time.Since(started))
		e.logger.Warn("task skipped after exhausting retries",
			zap.String("task_id", task.ID),
			zap.String("task_type", string(task.Type)))
		return nil
	}

	e.collector.ObserveTask(string(task.Type), string(TaskFailed), time.Since(started))
	finalErr := fmt.Errorf("task %s (%s) failed permanently: %w", task.ID, task.Type, err)
	e.handleError(ctx, finalErr, task.ID)
	e.setStage(StageFailed)
	return finalErr
}

// saveCheckpoint snapshots the task graph and writes a checkpoint of the
// given type, tracking its ID.
func (e *Engine) saveCheckpoint(ctx context.Context, cpType string, state map[string]any) error {
	snap, err := json.Marshal(e.tasks.Snapshot())
	if err != nil {
		return fmt.Errorf("encode task snapshot: %w", err)
	}

	id, err := e.checkpoints.SaveSnapshot(ctx, cpType, state,
		e.tasks.CompletedIDs(), e.tasks.PendingIDs(), snap)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.lastCheckpointID = id
	e.mu.Unlock()
	e.collector.IncCheckpoint(cpType)
	return nil
}

// handleError records a run-level failure: it writes an ERROR checkpoint
// and alerts the notifier. Error handling never fails the caller; both
// steps are best-effort and merely logged when they go wrong.
func (e *Engine) handleError(ctx context.Context, cause error, taskID string) {
	state := map[string]any{
		"run_id": e.RunID(),
		"error":  cause.Error(),
	}
	if taskID != "" {
		state["task_id"] = taskID
	}

	if err := e.saveCheckpoint(ctx, checkpoint.TypeError, state); err != nil {
		e.logger.Error("error checkpoint save failed",
			zap.NamedError("cause", cause),
			zap.Error(err))
	}

	if e.notifier != nil {
		notice := ErrorNotice{
			RunID:        e.RunID(),
			Stage:        StageFailed,
			Error:        cause.Error(),
			TaskID:       taskID,
			CheckpointID: e.LastCheckpointID(),
			Timestamp:    time.Now().UTC(),
		}
		if err := e.notifier.Notify(ctx, notice); err != nil {
			e.logger.Warn("error notification failed", zap.Error(err))
		}
	}
}
