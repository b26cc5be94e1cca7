// Command server boots the council proxy: loads environment and config,
// wires Redis/Postgres-backed collaborators, and serves the HTTP API.
// Grounded on the teacher's examples/orchestrator/main.go wiring shape
// (construct collaborators from env, build one top-level object, run it)
// generalized from a single-agent process to the council's component graph.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alias8818/CouncilRouter-sub001/api"
	"github.com/alias8818/CouncilRouter-sub001/configstore"
	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/council"
	"github.com/alias8818/CouncilRouter-sub001/provider"
	"github.com/alias8818/CouncilRouter-sub001/registry"
	"github.com/alias8818/CouncilRouter-sub001/streaming"
	"github.com/alias8818/CouncilRouter-sub001/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("council proxy: %v", err)
	}
}

func run() error {
	env, err := core.LoadEnvConfig()
	if err != nil {
		return fmt.Errorf("load env config: %w", err)
	}

	logger := telemetry.NewStructuredLogger("council-proxy")
	logger.Info("booting council proxy", map[string]interface{}{"env": string(env.Env)})

	redisClient := redis.NewClient(&redis.Options{
		Addr: envOr("REDIS_ADDR", "localhost:6379"),
	})
	defer redisClient.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelBoot()
	if err := redisClient.Ping(bootCtx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	pgPool, err := pgxpool.New(bootCtx, envOr("DATABASE_URL", "postgres://localhost:5432/council?sslmode=disable"))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	pgBackend := configstore.NewPostgresBackend(pgPool)
	if err := pgBackend.EnsureSchema(bootCtx); err != nil {
		return fmt.Errorf("ensure config schema: %w", err)
	}

	knownPresets := []string{"balanced-council", "fast-council", "rigorous-council"}
	configs := configstore.New(pgBackend, knownPresets, logger.WithComponent("configstore"))

	requests := registry.NewRequestRegistry(redisClient, nil)
	idempotency := registry.NewIdempotencyCache(redisClient, nil)
	deliberations := registry.NewDeliberationStore(redisClient, nil)

	hub := streaming.NewHub(logger.WithComponent("streamhub"))
	defer hub.Shutdown()

	pool := buildProviderPool()

	orchestrator := council.New(council.Deps{
		Pool:          pool,
		Configs:       configs,
		Sessions:      core.NoOpSessionStore{},
		Requests:      requests,
		Deliberations: deliberations,
		Idempotency:   idempotency,
		Metrics:       core.NoOpMetricsSink{},
		Stream:        hub,
		Logger:        logger.WithComponent("orchestrator"),
		Env:           env,
	})

	apiKeys := api.NewInMemoryAPIKeyStore(nil)
	authenticator := api.NewAuthenticator(env.JWTSecret, apiKeys, env.AdminAPIToken, logger.WithComponent("auth"))
	limiter := api.NewPerIPLimiter()

	server := api.NewServer(api.Deps{
		Orchestrator:  orchestrator,
		Requests:      requests,
		Deliberations: deliberations,
		Idempotency:   idempotency,
		Configs:       configs,
		Stream:        hub,
		Auth:          authenticator,
		Limiter:       limiter,
		Env:           env,
		Logger:        logger.WithComponent("apifront"),
	})

	httpServer := &http.Server{
		Addr:         envOr("LISTEN_ADDR", ":8080"),
		Handler:      server.Handler(env.Env == core.EnvDevelopment),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections hold the response open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildProviderPool constructs the ProviderPool collaborator. Individual
// provider HTTP clients are out of scope (council members are an external
// collaborator); local/dev boots run against a scripted FakePool until a
// real pool is injected by a deployment-specific build.
func buildProviderPool() provider.Pool {
	return provider.NewFakePool(map[string]*provider.FakeMember{
		"council-member-a": {Content: "A scripted baseline response."},
		"council-member-b": {Content: "B scripted baseline response."},
		"council-member-c": {Content: "C scripted baseline response."},
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
