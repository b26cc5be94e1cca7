// Package resilience provides the per-member circuit breaker and retry
// helpers the orchestrator wraps every ProviderPool call in.
package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// CircuitState is one of the three states a breaker can be in.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether an error counts toward the breaker's
// error rate. Configuration and user errors should never trip a breaker.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure-ish errors: config,
// not-found, and context-cancellation errors don't count (mirrors the
// teacher's resilience.DefaultErrorClassifier).
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) {
		return false
	}
	if err == context.Canceled || err == core.ErrContextCanceled {
		return false
	}
	return true
}

// CircuitBreakerConfig configures one breaker instance.
type CircuitBreakerConfig struct {
	Name             string
	ErrorThreshold   float64       // error rate (0..1) that trips the breaker
	VolumeThreshold  int           // minimum samples before the rate is evaluated
	SleepWindow      time.Duration // time to wait before probing again
	HalfOpenRequests int           // number of trial requests allowed while half-open
	SuccessThreshold float64       // success rate needed to close from half-open
	ErrorClassifier  ErrorClassifier
	Logger           core.Logger
}

// DefaultCircuitBreakerConfig returns sane production defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		SuccessThreshold: 0.6,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           core.NoOpLogger{},
	}
}

// CircuitBreaker is a three-state (closed/open/half-open) breaker with a
// counting error-rate window, modeled on the teacher's
// resilience.CircuitBreaker but with the sliding-window bucket machinery
// collapsed to a single reset-on-transition counter pair, which is all one
// council member's request volume needs.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu             sync.Mutex
	state          CircuitState
	stateChangedAt time.Time
	samples        int
	failures       int

	halfOpenInFlight int
	halfOpenSuccess  int
	halfOpenFailure  int

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker creates a breaker, applying defaults for unset fields.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = core.NoOpLogger{}
	}
	if config.VolumeThreshold <= 0 {
		config.VolumeThreshold = 5
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 0.6
	}
	return &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// SetLogger re-targets the breaker's logger, tagging it with the
// framework's resilience component when the logger supports it.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("resilience/circuit-breaker")
	} else {
		cb.config.Logger = logger
	}
}

// State returns the breaker's current state, transitioning out of "open"
// into "half-open" if the sleep window has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeEnterHalfOpenLocked()
	return cb.state
}

func (cb *CircuitBreaker) maybeEnterHalfOpenLocked() {
	if cb.state == StateOpen && time.Since(cb.stateChangedAt) >= cb.config.SleepWindow {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = time.Now()
	cb.samples, cb.failures = 0, 0
	cb.halfOpenInFlight, cb.halfOpenSuccess, cb.halfOpenFailure = 0, 0, 0
	cb.config.Logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}

// CanExecute reports whether a new call may proceed, reserving a slot in
// the half-open trial budget if the breaker is probing.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeEnterHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	default: // half-open
		if cb.halfOpenInFlight >= cb.config.HalfOpenRequests {
			return false
		}
		cb.halfOpenInFlight++
		return true
	}
}

// RecordSuccess reports a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.samples++

	if cb.state == StateHalfOpen {
		cb.halfOpenSuccess++
		cb.evaluateHalfOpenLocked()
		return
	}
}

// RecordFailure reports a failed call outcome and trips the breaker once
// the error rate crosses ErrorThreshold over at least VolumeThreshold
// samples.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.samples++
	cb.failures++

	if cb.state == StateHalfOpen {
		cb.halfOpenFailure++
		cb.evaluateHalfOpenLocked()
		return
	}

	if cb.state == StateClosed && cb.samples >= cb.config.VolumeThreshold {
		rate := float64(cb.failures) / float64(cb.samples)
		if rate >= cb.config.ErrorThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) evaluateHalfOpenLocked() {
	total := cb.halfOpenSuccess + cb.halfOpenFailure
	if total < cb.config.HalfOpenRequests {
		return
	}
	if float64(cb.halfOpenSuccess)/float64(total) >= cb.config.SuccessThreshold {
		cb.transitionLocked(StateClosed)
	} else {
		cb.transitionLocked(StateOpen)
	}
}

// Execute runs fn under circuit-breaker protection, recovering panics as
// errors so a member's crash never takes the orchestrator down with it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.CanExecute() {
		cb.rejectedExecutions.Add(1)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}
	cb.totalExecutions.Add(1)

	err := cb.runRecovered(ctx, fn)
	if cb.config.ErrorClassifier(err) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cb.config.Logger.Error("circuit breaker caught panic", map[string]interface{}{
				"name":  cb.config.Name,
				"panic": fmt.Sprintf("%v", r),
				"stack": string(debug.Stack()),
			})
			err = fmt.Errorf("panic in %q: %v", cb.config.Name, r)
		}
	}()
	return fn(ctx)
}

// Stats is a point-in-time snapshot for diagnostics/metrics endpoints.
type Stats struct {
	Name      string
	State     CircuitState
	Total     uint64
	Rejected  uint64
}

func (cb *CircuitBreaker) Stats() Stats {
	return Stats{
		Name:     cb.config.Name,
		State:    cb.State(),
		Total:    cb.totalExecutions.Load(),
		Rejected: cb.rejectedExecutions.Load(),
	}
}
