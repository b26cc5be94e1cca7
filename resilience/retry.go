package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// RetryConfig mirrors core.RetryPolicy but in duration form, matching the
// teacher's resilience.RetryConfig shape.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterEnabled  bool
	RetryableKinds map[string]bool // empty/nil means "ask core.IsRetryable"
}

// FromPolicy converts a council member's declared retry policy (spec
// §3 CouncilMember.retry) into a RetryConfig. A non-empty
// RetryableErrorKinds narrows retry eligibility to just those kinds
// (spec §4.1 step 2: "retry only on retryable error kinds ... per-member").
func FromPolicy(p core.RetryPolicy) RetryConfig {
	var kinds map[string]bool
	if len(p.RetryableErrorKinds) > 0 {
		kinds = make(map[string]bool, len(p.RetryableErrorKinds))
		for _, k := range p.RetryableErrorKinds {
			kinds[k] = true
		}
	}
	return RetryConfig{
		MaxAttempts:    p.MaxAttempts,
		InitialDelay:   p.InitialDelay(),
		MaxDelay:       p.MaxDelay(),
		BackoffFactor:  p.BackoffMultiplier,
		JitterEnabled:  true,
		RetryableKinds: kinds,
	}
}

// ClassifyErrorKind maps an error to the same kind vocabulary
// council.InitialResponse.ErrorKind uses: a CouncilError Code string,
// "timeout", "canceled", or "provider_error".
func ClassifyErrorKind(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := core.AsCouncilError(err); ok {
		return string(ce.Code)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "provider_error"
	}
}

// isRetryable applies config.RetryableKinds when the member declared one,
// otherwise falls back to the global classifier.
func isRetryable(config RetryConfig, err error) bool {
	if len(config.RetryableKinds) > 0 {
		return config.RetryableKinds[ClassifyErrorKind(err)]
	}
	return core.IsRetryable(err)
}

// DefaultRetryConfig is used when a member declares no retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry runs fn up to config.MaxAttempts times, backing off exponentially
// between attempts and stopping early on a non-retryable error or a
// canceled context. It returns the last error if every attempt fails.
func Retry(ctx context.Context, config RetryConfig, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(config, lastErr) {
			return lastErr
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(config, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return core.NewError("resilience.Retry", core.CodeServiceUnavailable,
		"exhausted retry attempts", lastErr)
}

// RetryWithCircuitBreaker composes Retry with a per-member CircuitBreaker:
// each attempt goes through cb.Execute, so while the breaker is open no
// attempt reaches fn. A rejection wraps core.ErrCircuitBreakerOpen, which
// core.IsRetryable treats as retryable, so the remaining attempts still run
// (and are rejected) after their backoff delays.
func RetryWithCircuitBreaker(ctx context.Context, config RetryConfig, cb *CircuitBreaker, fn func(context.Context) error) error {
	return Retry(ctx, config, func(ctx context.Context) error {
		return cb.Execute(ctx, fn)
	})
}

func backoffDelay(config RetryConfig, attempt int) time.Duration {
	factor := config.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	delay := float64(config.InitialDelay) * math.Pow(factor, float64(attempt))

	if config.JitterEnabled {
		// +/-20% jitter so correlated retries across council members don't
		// land on the same wall-clock tick.
		jitter := 0.8 + rand.Float64()*0.4
		delay *= jitter
	}

	d := time.Duration(delay)
	if config.MaxDelay > 0 && d > config.MaxDelay {
		d = config.MaxDelay
	}
	return d
}
