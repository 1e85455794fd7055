package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBreakerOpen is returned, without invoking the guarded callable, while
// the breaker rejects calls. Retry wrappers treat it as non-retryable.
var ErrBreakerOpen = errors.New("circuit breaker open")

// CircuitState is the breaker state.
type CircuitState int

const (
	// CircuitClosed allows calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows probe calls through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int `json:"failure_threshold"`
	// ResetTimeout is how long the breaker stays open before allowing a
	// probe through.
	ResetTimeout time.Duration `json:"reset_timeout"`
	// HalfOpenMaxProbes is the number of probe calls allowed while
	// half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes"`
	// SuccessThreshold is the number of consecutive probe successes that
	// closes the breaker again.
	SuccessThreshold int `json:"success_threshold"`
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures, waits
// 60 seconds, then lets exactly one probe through.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      60 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// CircuitBreakerEvent describes a state transition.
type CircuitBreakerEvent struct {
	Name      string       `json:"name"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler receives state transition events.
type CircuitBreakerEventHandler interface {
	OnStateChange(event CircuitBreakerEvent)
}

// CircuitBreaker guards one callable (one task type, in the engine's use)
// against repeated failures. State is owned exclusively by the instance.
type CircuitBreaker struct {
	name            string
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int
	successes       int
	probeCount      int
	lastFailureTime time.Time
	eventHandler    CircuitBreakerEventHandler
	logger          *zap.Logger
	mu              sync.Mutex
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, eventHandler CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:         name,
		config:       config,
		state:        CircuitClosed,
		eventHandler: eventHandler,
		logger:       logger.With(zap.String("breaker", name)),
	}
}

// AllowRequest reports whether a call may proceed. While open and before
// the reset timeout it returns an error wrapping ErrBreakerOpen. Once the
// timeout elapses the breaker moves to half-open and admits probes up to
// HalfOpenMaxProbes.
func (cb *CircuitBreaker) AllowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.ResetTimeout {
			cb.transitionTo(CircuitHalfOpen, "reset timeout elapsed")
			cb.successes = 0
			cb.probeCount = 1
			return nil
		}
		return fmt.Errorf("%w: %s rejected after %d consecutive failures, retry in %v",
			ErrBreakerOpen, cb.name, cb.failures,
			cb.config.ResetTimeout-time.Since(cb.lastFailureTime))

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return fmt.Errorf("%w: %s half-open, max probes (%d) in flight",
			ErrBreakerOpen, cb.name, cb.config.HalfOpenMaxProbes)

	default:
		return fmt.Errorf("%w: %s in unknown state %d", ErrBreakerOpen, cb.name, cb.state)
	}
}

// RecordSuccess resets the failure counter in closed state and, in
// half-open state, closes the breaker once SuccessThreshold probes
// succeed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d successful probes", cb.successes))
			cb.failures = 0
			cb.successes = 0
			cb.probeCount = 0
		}
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold.
// Any failure while half-open re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}

	case CircuitHalfOpen:
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "probe failed")
	}
}

// Do runs fn under the breaker: the admission check happens before the
// call and the outcome feeds the failure counter.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := cb.AllowRequest(); err != nil {
		return nil, err
	}
	result, err := fn(ctx)
	if err != nil {
		cb.RecordFailure()
		return nil, err
	}
	cb.RecordSuccess()
	return result, nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	if oldState != CircuitClosed {
		cb.emitEvent(oldState, CircuitClosed, "manual reset")
	}
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emitEvent(oldState, newState, reason)
}

// emitEvent must be called with the lock held. Delivery is asynchronous
// so a handler calling back into the breaker cannot deadlock.
func (cb *CircuitBreaker) emitEvent(oldState, newState CircuitState, reason string) {
	if cb.eventHandler == nil {
		return
	}
	event := CircuitBreakerEvent{
		Name:      cb.name,
		OldState:  oldState,
		NewState:  newState,
		Timestamp: time.Now(),
		Reason:    reason,
		Failures:  cb.failures,
	}
	go cb.eventHandler.OnStateChange(event)
}

// CircuitBreakerRegistry hands out one breaker per name, lazily.
type CircuitBreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       CircuitBreakerConfig
	eventHandler CircuitBreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewCircuitBreakerRegistry creates a registry applying the given config
// to every breaker it creates.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, eventHandler CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config, r.eventHandler, r.logger)
	r.breakers[name] = cb
	return cb
}

// States returns the state of every known breaker.
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// ResetAll resets every breaker.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
