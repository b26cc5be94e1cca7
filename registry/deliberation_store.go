package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// DeliberationStoreConfig configures key prefixing and retention for
// deliberation threads.
type DeliberationStoreConfig struct {
	KeyPrefix string
	TTL       time.Duration
	Logger    core.Logger
}

// DefaultDeliberationStoreConfig matches spec §6's 24h retention for
// `deliberation:<uuid>` records.
func DefaultDeliberationStoreConfig() DeliberationStoreConfig {
	return DeliberationStoreConfig{
		KeyPrefix: "council:deliberation",
		TTL:       24 * time.Hour,
	}
}

// DeliberationStore persists the full round-by-round exchange history for
// a request, retrievable via GET .../deliberation. A request with zero
// deliberation rounds is never stored here — StoredRequest.DeliberationRef
// is left empty and callers get DELIBERATION_NOT_FOUND.
type DeliberationStore struct {
	client *redis.Client
	config DeliberationStoreConfig
	logger core.Logger
}

// NewDeliberationStore builds a store against an already-connected client.
func NewDeliberationStore(client *redis.Client, config *DeliberationStoreConfig) *DeliberationStore {
	cfg := DefaultDeliberationStoreConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "council:deliberation"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	s := &DeliberationStore{client: client, config: cfg, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = core.NoOpLogger{}
	}
	if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("registry/deliberation")
	}
	return s
}

func (s *DeliberationStore) key(requestID string) string {
	return fmt.Sprintf("%s:%s", s.config.KeyPrefix, requestID)
}

// Put stores thread under its own RequestID, overwriting any prior value —
// a thread is written once, after the deliberation loop completes.
func (s *DeliberationStore) Put(ctx context.Context, thread core.DeliberationThread) error {
	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("deliberation store: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(thread.RequestID), data, s.config.TTL).Err(); err != nil {
		s.logger.ErrorWithContext(ctx, "failed to persist deliberation thread", map[string]interface{}{
			"requestId": thread.RequestID, "error": err.Error(),
		})
		return fmt.Errorf("deliberation store: set: %w", err)
	}
	return nil
}

// Get retrieves the thread for requestID, returning
// core.ErrNotFound if never stored or expired.
func (s *DeliberationStore) Get(ctx context.Context, requestID string) (*core.DeliberationThread, error) {
	data, err := s.client.Get(ctx, s.key(requestID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("deliberation store: get: %w", err)
	}

	var thread core.DeliberationThread
	if err := json.Unmarshal([]byte(data), &thread); err != nil {
		return nil, fmt.Errorf("deliberation store: unmarshal: %w", err)
	}
	return &thread, nil
}
