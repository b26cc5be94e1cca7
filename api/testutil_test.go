package api

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/alias8818/CouncilRouter-sub001/configstore"
	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/council"
	"github.com/alias8818/CouncilRouter-sub001/provider"
	"github.com/alias8818/CouncilRouter-sub001/registry"
	"github.com/alias8818/CouncilRouter-sub001/streaming"
)

const testJWTSecret = "test-signing-secret"
const testAdminToken = "test-admin-token"

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func baseTestBundle() core.ConfigBundle {
	return core.ConfigBundle{
		Council: core.CouncilConfig{
			Members: []core.CouncilMember{
				{ID: "m1", ModelName: "model-a"},
				{ID: "m2", ModelName: "model-b"},
			},
		},
		Deliberation: core.DeliberationConfig{Rounds: 0, EarlyTerminationThreshold: 0.9},
		Synthesis:    core.SynthesisConfig{Strategy: core.StrategyConsensusExtraction},
	}
}

// newTestServer builds a fully wired Server backed by miniredis, an
// in-memory config backend, and a scripted FakePool, for handler-level
// integration tests.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	redisClient := newTestRedis(t)
	requests := registry.NewRequestRegistry(redisClient, nil)
	deliberations := registry.NewDeliberationStore(redisClient, nil)
	idempotency := registry.NewIdempotencyCache(redisClient, nil)

	backend := configstore.NewMemoryBackend(baseTestBundle(), nil)
	configs := configstore.New(backend, nil, core.NoOpLogger{})

	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"m1": {Content: "the answer is forty-two"},
		"m2": {Content: "the answer is forty-two"},
	})

	hub := streaming.NewHub(core.NoOpLogger{})

	orchestrator := council.New(council.Deps{
		Pool:          pool,
		Configs:       configs,
		Requests:      requests,
		Deliberations: deliberations,
		Idempotency:   idempotency,
		Stream:        hub,
		Logger:        core.NoOpLogger{},
		Env:           &core.EnvConfig{Env: core.EnvTest},
	})

	apiKeys := NewInMemoryAPIKeyStore(nil)
	auth := NewAuthenticator(testJWTSecret, apiKeys, testAdminToken, core.NoOpLogger{})

	return NewServer(Deps{
		Orchestrator:  orchestrator,
		Requests:      requests,
		Deliberations: deliberations,
		Idempotency:   idempotency,
		Configs:       configs,
		Stream:        hub,
		Auth:          auth,
		Limiter:       NewPerIPLimiter(),
		Env:           &core.EnvConfig{Env: core.EnvTest, EnableIdempotency: true},
		Logger:        core.NoOpLogger{},
	})
}
