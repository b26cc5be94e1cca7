package core

import (
	"fmt"
	"os"
)

// Environment is the deployment mode, read once at boot.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

// EnvConfig is the immutable snapshot of environment-derived configuration,
// built once at boot (DESIGN NOTES: "Global environment flags" — treat as
// an immutable config object; mutation in tests is via injected override,
// not reading the environment mid-run).
type EnvConfig struct {
	Env Environment

	JWTSecret      string
	AdminAPIToken  string

	EnableMetricsTracking        bool
	EnableIdempotency            bool
	EnableToolUse                bool
	EnableDevilsAdvocate         bool
	EnableBudgetCaps             bool
	EnablePerRequestTransparency bool
}

// IsTestMode reports whether rate limiting and other production-only
// guards should be skipped (spec §5 "Rate limiting ... in test mode
// disabled entirely").
func (c EnvConfig) IsTestMode() bool { return c.Env == EnvTest }

// IsProduction reports whether boot-time production invariants apply.
func (c EnvConfig) IsProduction() bool { return c.Env == EnvProduction }

// LoadEnvConfig reads the fixed set of environment variables this system
// recognizes (spec §6) into an EnvConfig. Flags use the strict string
// "true"; anything else is false, per spec.
//
// In production, JWT_SECRET is required; LoadEnvConfig refuses to return a
// usable config otherwise so the process can refuse to boot.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{
		Env:           Environment(envOr("NODE_ENV", string(EnvDevelopment))),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		AdminAPIToken: os.Getenv("ADMIN_API_TOKEN"),

		EnableMetricsTracking:        isTrue("ENABLE_METRICS_TRACKING"),
		EnableIdempotency:            isTrue("ENABLE_IDEMPOTENCY"),
		EnableToolUse:                isTrue("ENABLE_TOOL_USE"),
		EnableDevilsAdvocate:         isTrue("ENABLE_DEVILS_ADVOCATE"),
		EnableBudgetCaps:             isTrue("ENABLE_BUDGET_CAPS"),
		EnablePerRequestTransparency: isTrue("ENABLE_PER_REQUEST_TRANSPARENCY"),
	}

	switch cfg.Env {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return nil, fmt.Errorf("invalid NODE_ENV %q", cfg.Env)
	}

	if cfg.IsProduction() && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// isTrue implements the spec's strict boolean parsing: only the literal
// string "true" is truthy.
func isTrue(key string) bool {
	return os.Getenv(key) == "true"
}
