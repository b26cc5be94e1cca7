// Package registry implements the Redis-backed collaborators that own
// request lifecycle, idempotency and deliberation state: RequestRegistry
// (C5), IdempotencyCache (C4) and DeliberationStore. Modeled on the teacher's
// orchestration.RedisTaskStore, adapted from a generic task store to the
// council's processing/completed/failed state machine.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// RequestRegistryConfig configures key prefixing and retention.
type RequestRegistryConfig struct {
	KeyPrefix string
	TTL       time.Duration
	Logger    core.Logger
}

// DefaultRequestRegistryConfig matches spec §3's 24h retention for
// StoredRequest records.
func DefaultRequestRegistryConfig() RequestRegistryConfig {
	return RequestRegistryConfig{
		KeyPrefix: "council:request",
		TTL:       24 * time.Hour,
	}
}

// RequestRegistry is the durable store for StoredRequest lifecycle records
// (C5). Every request is created in StatusProcessing and transitions
// exactly once, to either StatusCompleted or StatusFailed.
type RequestRegistry struct {
	client *redis.Client
	config RequestRegistryConfig
	logger core.Logger
}

// NewRequestRegistry builds a registry against an already-connected client.
func NewRequestRegistry(client *redis.Client, config *RequestRegistryConfig) *RequestRegistry {
	cfg := DefaultRequestRegistryConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "council:request"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	r := &RequestRegistry{client: client, config: cfg, logger: cfg.Logger}
	if r.logger == nil {
		r.logger = core.NoOpLogger{}
	}
	if cal, ok := r.logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("registry/requests")
	}
	return r
}

func (r *RequestRegistry) key(id string) string {
	return fmt.Sprintf("%s:%s", r.config.KeyPrefix, id)
}

// Create persists a new request in StatusProcessing. Returns
// core.ErrAlreadyExists if the ID collides, which should never happen for
// a freshly generated UUID.
func (r *RequestRegistry) Create(ctx context.Context, req *core.StoredRequest) error {
	if req == nil || req.ID == "" {
		return fmt.Errorf("request registry: request and ID are required")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("request registry: marshal: %w", err)
	}

	set, err := r.client.SetNX(ctx, r.key(req.ID), data, r.config.TTL).Result()
	if err != nil {
		r.logger.ErrorWithContext(ctx, "failed to create request record", map[string]interface{}{
			"requestId": req.ID, "error": err.Error(),
		})
		return fmt.Errorf("request registry: create: %w", err)
	}
	if !set {
		return core.ErrAlreadyExists
	}

	r.logger.InfoWithContext(ctx, "request created", map[string]interface{}{
		"requestId": req.ID, "status": req.Status,
	})
	return nil
}

// Get retrieves a request by ID, returning core.ErrNotFound if absent or
// expired.
func (r *RequestRegistry) Get(ctx context.Context, id string) (*core.StoredRequest, error) {
	data, err := r.client.Get(ctx, r.key(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("request registry: get: %w", err)
	}

	var req core.StoredRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("request registry: unmarshal: %w", err)
	}
	return &req, nil
}

// Complete transitions a request to StatusCompleted with its decision. The
// transition is monotonic: calling Complete/Fail on an already-terminal
// request is a caller bug and is rejected rather than silently overwritten.
func (r *RequestRegistry) Complete(ctx context.Context, id string, decision *core.ConsensusDecision, deliberationRef string) error {
	return r.transition(ctx, id, func(req *core.StoredRequest) error {
		req.Status = core.StatusCompleted
		req.Decision = decision
		req.DeliberationRef = deliberationRef
		now := time.Now()
		req.CompletedAt = &now
		return nil
	})
}

// Fail transitions a request to StatusFailed with the terminal error.
func (r *RequestRegistry) Fail(ctx context.Context, id string, failure *core.CouncilError) error {
	return r.transition(ctx, id, func(req *core.StoredRequest) error {
		req.Status = core.StatusFailed
		req.Error = failure
		now := time.Now()
		req.CompletedAt = &now
		return nil
	})
}

func (r *RequestRegistry) transition(ctx context.Context, id string, mutate func(*core.StoredRequest) error) error {
	req, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != core.StatusProcessing {
		return fmt.Errorf("request registry: %s already terminal (%s): %w", id, req.Status, core.ErrAlreadyExists)
	}
	if err := mutate(req); err != nil {
		return err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("request registry: marshal: %w", err)
	}
	if err := r.client.Set(ctx, r.key(id), data, r.config.TTL).Err(); err != nil {
		r.logger.ErrorWithContext(ctx, "failed to persist request transition", map[string]interface{}{
			"requestId": id, "error": err.Error(),
		})
		return fmt.Errorf("request registry: update: %w", err)
	}

	r.logger.InfoWithContext(ctx, "request transitioned", map[string]interface{}{
		"requestId": id, "status": req.Status,
	})
	return nil
}
