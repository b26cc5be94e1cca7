package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

func TestScopedKey_SameInputsAreStable(t *testing.T) {
	a := ScopedKey("user-1", "client-key-a")
	b := ScopedKey("user-1", "client-key-a")
	assert.Equal(t, a, b)
}

func TestScopedKey_DifferentUsersDontCollide(t *testing.T) {
	a := ScopedKey("user-1", "same-client-key")
	b := ScopedKey("user-2", "same-client-key")
	assert.NotEqual(t, a, b)
}

func TestIdempotencyCache_FirstReserveWins(t *testing.T) {
	c := NewIdempotencyCache(newTestRedis(t), nil)
	ctx := context.Background()

	won, existing, err := c.Reserve(ctx, "scoped-key", "req-1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Nil(t, existing)
}

func TestIdempotencyCache_SecondReserveLoses(t *testing.T) {
	c := NewIdempotencyCache(newTestRedis(t), nil)
	ctx := context.Background()

	won1, _, err := c.Reserve(ctx, "scoped-key", "req-1")
	require.NoError(t, err)
	require.True(t, won1)

	won2, existing, err := c.Reserve(ctx, "scoped-key", "req-2")
	require.NoError(t, err)
	assert.False(t, won2)
	require.NotNil(t, existing)
	assert.Equal(t, "req-1", existing.RequestID)
}

func TestIdempotencyCache_CacheResultUnblocksWaiter(t *testing.T) {
	c := NewIdempotencyCache(newTestRedis(t), &IdempotencyCacheConfig{
		KeyPrefix: "test", TTL: time.Minute, PollWindow: time.Second, PollEvery: 10 * time.Millisecond,
	})
	ctx := context.Background()

	won, _, err := c.Reserve(ctx, "scoped-key", "req-1")
	require.NoError(t, err)
	require.True(t, won)

	done := make(chan *core.IdempotencyRecord, 1)
	go func() {
		rec, err := c.WaitForCompletion(ctx, "scoped-key")
		require.NoError(t, err)
		done <- rec
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.CacheResult(ctx, "scoped-key", "req-1", &core.ConsensusDecision{Content: "the answer"}))

	select {
	case rec := <-done:
		assert.Equal(t, core.IdempotencyCompleted, rec.State)
		assert.Equal(t, "the answer", rec.Result.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCompletion did not return after CacheResult")
	}
}

func TestIdempotencyCache_CacheErrorUnblocksWaiterWithFailedState(t *testing.T) {
	c := NewIdempotencyCache(newTestRedis(t), &IdempotencyCacheConfig{
		KeyPrefix: "test", TTL: time.Minute, PollWindow: time.Second, PollEvery: 10 * time.Millisecond,
	})
	ctx := context.Background()

	won, _, err := c.Reserve(ctx, "scoped-key", "req-1")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, c.CacheError(ctx, "scoped-key", "req-1"))

	rec, err := c.WaitForCompletion(ctx, "scoped-key")
	require.NoError(t, err)
	assert.Equal(t, core.IdempotencyFailed, rec.State)
}

func TestIdempotencyCache_CompletedRecordWithNoResultIsReportedAsInvalidState(t *testing.T) {
	c := NewIdempotencyCache(newTestRedis(t), &IdempotencyCacheConfig{
		KeyPrefix: "test", TTL: time.Minute, PollWindow: time.Second, PollEvery: 10 * time.Millisecond,
	})
	ctx := context.Background()

	// CacheResult with a nil decision models a corrupted "completed" record:
	// a state that promises a result but carries none.
	require.NoError(t, c.CacheResult(ctx, "scoped-key", "req-1", nil))

	_, err := c.WaitForCompletion(ctx, "scoped-key")
	require.Error(t, err)
	cerr, ok := core.AsCouncilError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeIdempotencyStateInvalid, cerr.Code)
	assert.True(t, cerr.Code.Retryable())
}

func TestIdempotencyCache_FailedStateWithNoResultIsNotInvalid(t *testing.T) {
	c := NewIdempotencyCache(newTestRedis(t), &IdempotencyCacheConfig{
		KeyPrefix: "test", TTL: time.Minute, PollWindow: time.Second, PollEvery: 10 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, c.CacheError(ctx, "scoped-key", "req-1"))

	rec, err := c.WaitForCompletion(ctx, "scoped-key")
	require.NoError(t, err, "a failed record with no result is a legitimate terminal state, not a corrupted one")
	assert.Equal(t, core.IdempotencyFailed, rec.State)
}

func TestIdempotencyCache_WaitForCompletionTimesOutIfNeverResolved(t *testing.T) {
	c := NewIdempotencyCache(newTestRedis(t), &IdempotencyCacheConfig{
		KeyPrefix: "test", TTL: time.Minute, PollWindow: 30 * time.Millisecond, PollEvery: 5 * time.Millisecond,
	})
	ctx := context.Background()

	won, _, err := c.Reserve(ctx, "scoped-key", "req-1")
	require.NoError(t, err)
	require.True(t, won)

	_, err = c.WaitForCompletion(ctx, "scoped-key")
	require.Error(t, err)
}
