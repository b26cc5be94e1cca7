package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// IdempotencyCacheConfig configures key prefixing, record TTL, and the race
// poll used by WaitForCompletion.
type IdempotencyCacheConfig struct {
	KeyPrefix   string
	TTL         time.Duration
	PollWindow  time.Duration
	PollEvery   time.Duration
	Logger      core.Logger
}

// DefaultIdempotencyCacheConfig matches spec §4.1/§8: scoped keys live for
// the duration of one request's processing plus a grace window, and a
// losing concurrent submitter polls for up to 30s.
func DefaultIdempotencyCacheConfig() IdempotencyCacheConfig {
	return IdempotencyCacheConfig{
		KeyPrefix:  "council:idempotency",
		TTL:        10 * time.Minute,
		PollWindow: 30 * time.Second,
		PollEvery:  200 * time.Millisecond,
	}
}

// IdempotencyCache implements C4: atomic set-if-absent registration of
// (userId, clientKey) pairs, keyed by a scoped hash so distinct users can
// reuse the same client-supplied key without colliding.
type IdempotencyCache struct {
	client *redis.Client
	config IdempotencyCacheConfig
	logger core.Logger
}

// NewIdempotencyCache builds a cache against an already-connected client.
func NewIdempotencyCache(client *redis.Client, config *IdempotencyCacheConfig) *IdempotencyCache {
	cfg := DefaultIdempotencyCacheConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "council:idempotency"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = 30 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 200 * time.Millisecond
	}

	c := &IdempotencyCache{client: client, config: cfg, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = core.NoOpLogger{}
	}
	if cal, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("registry/idempotency")
	}
	return c
}

// ScopedKey derives H(userId || clientKey), the hash spec §4.1 uses to
// namespace idempotency keys per user so two users can't collide on a
// shared client-supplied key.
func ScopedKey(userID, clientKey string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + clientKey))
	return hex.EncodeToString(sum[:])
}

func (c *IdempotencyCache) redisKey(scopedKey string) string {
	return fmt.Sprintf("%s:%s", c.config.KeyPrefix, scopedKey)
}

// Reserve attempts to atomically claim scopedKey for requestID. It returns
// (true, nil, nil) when this caller won the race and owns the request;
// (false, existing, nil) when another caller already holds the key, in which
// case the caller should use WaitForCompletion on the same scopedKey.
func (c *IdempotencyCache) Reserve(ctx context.Context, scopedKey, requestID string) (won bool, existing *core.IdempotencyRecord, err error) {
	rec := core.IdempotencyRecord{
		ScopedKey: scopedKey,
		State:     core.IdempotencyInProgress,
		RequestID: requestID,
		ExpiresAt: time.Now().Add(c.config.TTL),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency cache: marshal: %w", err)
	}

	set, err := c.client.SetNX(ctx, c.redisKey(scopedKey), data, c.config.TTL).Result()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency cache: setnx: %w", err)
	}
	if set {
		c.logger.DebugWithContext(ctx, "idempotency key reserved", map[string]interface{}{
			"requestId": requestID,
		})
		return true, nil, nil
	}

	existingRec, err := c.get(ctx, scopedKey)
	if err != nil {
		return false, nil, err
	}
	return false, existingRec, nil
}

func (c *IdempotencyCache) get(ctx context.Context, scopedKey string) (*core.IdempotencyRecord, error) {
	data, err := c.client.Get(ctx, c.redisKey(scopedKey)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("idempotency cache: get: %w", err)
	}
	var rec core.IdempotencyRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, core.NewError("idempotency.get", core.CodeIdempotencyResultInvalid, "corrupt idempotency record", err)
	}
	if err := validateRecordState(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// validateRecordState rejects any record that has left in-progress without
// carrying what its terminal state requires: a completed record must carry
// a Result, and the state itself must be one of the three known values.
// Failed records legitimately carry no Result, so that combination alone is
// not an error (spec §4.1: "if state≠in-progress and no result is present,
// respond IdempotencyStateInvalid").
func validateRecordState(rec *core.IdempotencyRecord) error {
	switch rec.State {
	case core.IdempotencyInProgress, core.IdempotencyFailed:
		return nil
	case core.IdempotencyCompleted:
		if rec.Result == nil {
			return core.NewError("idempotency.get", core.CodeIdempotencyStateInvalid,
				"completed idempotency record has no result", nil)
		}
		return nil
	default:
		return core.NewError("idempotency.get", core.CodeIdempotencyStateInvalid,
			"idempotency record has an unrecognized state", nil)
	}
}

// CacheResult publishes the completed result under scopedKey so any caller
// currently blocked in WaitForCompletion can observe it immediately.
func (c *IdempotencyCache) CacheResult(ctx context.Context, scopedKey, requestID string, result *core.ConsensusDecision) error {
	rec := core.IdempotencyRecord{
		ScopedKey: scopedKey,
		State:     core.IdempotencyCompleted,
		RequestID: requestID,
		Result:    result,
		ExpiresAt: time.Now().Add(c.config.TTL),
	}
	return c.store(ctx, scopedKey, rec)
}

// CacheError marks scopedKey as failed, releasing any waiters with an
// error rather than leaving them to time out. The spec requires this path
// to run even when orchestration fails via an unhandled exception (spec §7:
// "MUST release any idempotency waiters via CacheError").
func (c *IdempotencyCache) CacheError(ctx context.Context, scopedKey, requestID string) error {
	rec := core.IdempotencyRecord{
		ScopedKey: scopedKey,
		State:     core.IdempotencyFailed,
		RequestID: requestID,
		ExpiresAt: time.Now().Add(c.config.TTL),
	}
	return c.store(ctx, scopedKey, rec)
}

func (c *IdempotencyCache) store(ctx context.Context, scopedKey string, rec core.IdempotencyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency cache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(scopedKey), data, c.config.TTL).Err(); err != nil {
		c.logger.ErrorWithContext(ctx, "failed to store idempotency result", map[string]interface{}{
			"requestId": rec.RequestID, "error": err.Error(),
		})
		return fmt.Errorf("idempotency cache: set: %w", err)
	}
	return nil
}

// WaitForCompletion polls scopedKey until it reaches a terminal state or
// the configured poll window elapses, for a caller that lost the Reserve
// race and needs the winner's result instead of starting its own
// orchestration (spec §4.1/§8: concurrent identical submissions resolve to
// one orchestration run).
func (c *IdempotencyCache) WaitForCompletion(ctx context.Context, scopedKey string) (*core.IdempotencyRecord, error) {
	deadline := time.Now().Add(c.config.PollWindow)
	ticker := time.NewTicker(c.config.PollEvery)
	defer ticker.Stop()

	for {
		rec, err := c.get(ctx, scopedKey)
		if err != nil && err != core.ErrNotFound {
			return nil, err
		}
		if rec != nil && rec.State != core.IdempotencyInProgress {
			return rec, nil
		}

		if time.Now().After(deadline) {
			return nil, core.NewError("idempotency.WaitForCompletion", core.CodeServiceUnavailable,
				"timed out waiting for concurrent request to complete", core.ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
