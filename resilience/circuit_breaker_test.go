package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

func testConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "test-member",
		ErrorThreshold:   0.5,
		VolumeThreshold:  4,
		SleepWindow:      20 * time.Millisecond,
		HalfOpenRequests: 2,
		SuccessThreshold: 0.5,
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_TripsOpenOnErrorThresholdBreach(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_StaysClosedBelowVolumeThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StaysClosedBelowErrorRate(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_EntersHalfOpenAfterSleepWindow(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenClosesOnTrialSuccess(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.True(t, cb.CanExecute())
	cb.RecordSuccess()
	require.True(t, cb.CanExecute())
	cb.RecordSuccess()

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenReopensOnTrialFailure(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.True(t, cb.CanExecute())
	cb.RecordFailure()
	require.True(t, cb.CanExecute())
	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsTrialBudget(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.True(t, cb.CanExecute())
	require.True(t, cb.CanExecute())
	assert.False(t, cb.CanExecute(), "only HalfOpenRequests trials may be in flight at once")
}

func TestCircuitBreaker_Execute_RecoversPanicAsError(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("member exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member exploded")
}

func TestCircuitBreaker_Execute_RejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}

func TestDefaultErrorClassifier_IgnoresConfigAndNotFoundErrors(t *testing.T) {
	assert.False(t, DefaultErrorClassifier(nil))
	assert.False(t, DefaultErrorClassifier(core.NewError("op", core.CodeConfigError, "bad config", nil)))
	assert.False(t, DefaultErrorClassifier(core.NewError("op", core.CodeRequestNotFound, "missing", nil)))
	assert.False(t, DefaultErrorClassifier(context.Canceled))
	assert.True(t, DefaultErrorClassifier(errors.New("transport error")))
}
