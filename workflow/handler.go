package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ErrUnknownTaskType is returned when no handler is registered for a
// task's type. This is a configuration bug: the engine surfaces it as a
// hard failure and never retries it.
var ErrUnknownTaskType = errors.New("unknown task type")

// Handler executes tasks of one type. It receives a copy of the task and
// must not assume it can mutate graph state; results flow back through
// the return value.
type Handler interface {
	Execute(ctx context.Context, task *Task) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task *Task) (any, error) {
	return f(ctx, task)
}

// HandlerRegistry maps task types to handlers. Registration happens at
// startup; Dispatch resolves the handler and applies the type's rate
// limiter, if one is configured, before invoking it.
type HandlerRegistry struct {
	handlers map[TaskType]Handler
	limiters map[TaskType]*rate.Limiter
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[TaskType]Handler),
		limiters: make(map[TaskType]*rate.Limiter),
	}
}

// Register binds a handler to a task type, replacing any previous binding.
func (r *HandlerRegistry) Register(taskType TaskType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// RegisterFunc is a convenience wrapper around Register.
func (r *HandlerRegistry) RegisterFunc(taskType TaskType, fn HandlerFunc) {
	r.Register(taskType, fn)
}

// SetRateLimit throttles dispatches of the given type to limit events per
// second with the given burst. Useful for handlers wrapping rate-limited
// remote APIs.
func (r *HandlerRegistry) SetRateLimit(taskType TaskType, limit rate.Limit, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[taskType] = rate.NewLimiter(limit, burst)
}

// Handler returns the handler bound to the task type.
func (r *HandlerRegistry) Handler(taskType TaskType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns all registered task types.
func (r *HandlerRegistry) Types() []TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskType, 0, len(r.handlers))
	for tt := range r.handlers {
		out = append(out, tt)
	}
	return out
}

// Dispatch resolves and invokes the handler for the task's type.
func (r *HandlerRegistry) Dispatch(ctx context.Context, task *Task) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[task.Type]
	limiter := r.limiters[task.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait for %s: %w", task.Type, err)
		}
	}
	return h.Execute(ctx, task)
}
