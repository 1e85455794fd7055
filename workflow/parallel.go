package workflow

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ParallelTask is an independent unit of work for batch execution.
type ParallelTask func(ctx context.Context) (any, error)

// ParallelExecutor fans independent callables out over a bounded worker
// set and fans the results back in, preserving input order.
type ParallelExecutor struct {
	maxWorkers int
	logger     *zap.Logger
}

// NewParallelExecutor creates an executor with the given concurrency
// bound. A bound of zero or less falls back to GOMAXPROCS.
func NewParallelExecutor(maxWorkers int, logger *zap.Logger) *ParallelExecutor {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParallelExecutor{
		maxWorkers: maxWorkers,
		logger:     logger.With(zap.String("component", "parallel_executor")),
	}
}

// MaxWorkers returns the concurrency bound.
func (p *ParallelExecutor) MaxWorkers() int {
	return p.maxWorkers
}

// Execute runs all tasks with bounded concurrency and returns their
// results in input order.
//
// With ignoreErrors false, the first failure cancels the remaining tasks
// and is returned; the result slice is nil. With ignoreErrors true, a
// failing task leaves a nil slot while its siblings continue, and the
// per-slot errors are returned alongside the results.
func (p *ParallelExecutor) Execute(ctx context.Context, tasks []ParallelTask, ignoreErrors bool) ([]any, []error, error) {
	if len(tasks) == 0 {
		return nil, nil, nil
	}

	results := make([]any, len(tasks))

	if ignoreErrors {
		errs := make([]error, len(tasks))
		sem := semaphore.NewWeighted(int64(p.maxWorkers))
		var wg sync.WaitGroup
		for i, task := range tasks {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return results, errs, err
			}
			wg.Add(1)
			go func(i int, task ParallelTask) {
				defer wg.Done()
				defer sem.Release(1)
				result, err := task(ctx)
				if err != nil {
					errs[i] = err
					p.logger.Warn("parallel task failed, continuing",
						zap.Int("index", i),
						zap.Error(err))
					return
				}
				results[i] = result
			}(i, task)
		}
		wg.Wait()
		return results, errs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)
	for i, task := range tasks {
		g.Go(func() error {
			result, err := task(gctx)
			if err != nil {
				return fmt.Errorf("parallel task %d: %w", i, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return results, nil, nil
}

// Map applies fn to every item with bounded concurrency, returning the
// outputs in item order. The first failure aborts the batch.
func (p *ParallelExecutor) Map(ctx context.Context, items []any, fn func(ctx context.Context, item any) (any, error)) ([]any, error) {
	tasks := make([]ParallelTask, len(items))
	for i, item := range items {
		tasks[i] = func(ctx context.Context) (any, error) {
			return fn(ctx, item)
		}
	}
	results, _, err := p.Execute(ctx, tasks, false)
	return results, err
}
