package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvConfig_DefaultsToDevelopment(t *testing.T) {
	t.Setenv("NODE_ENV", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := LoadEnvConfig()
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.False(t, cfg.IsProduction())
}

func TestLoadEnvConfig_RejectsInvalidNodeEnv(t *testing.T) {
	t.Setenv("NODE_ENV", "staging-ish")

	_, err := LoadEnvConfig()
	require.Error(t, err)
}

func TestLoadEnvConfig_RequiresJWTSecretInProduction(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := LoadEnvConfig()
	require.Error(t, err)
}

func TestLoadEnvConfig_AcceptsProductionWithJWTSecret(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("JWT_SECRET", "a-real-secret")

	cfg, err := LoadEnvConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "a-real-secret", cfg.JWTSecret)
}

func TestLoadEnvConfig_FlagsRequireExactStringTrue(t *testing.T) {
	t.Setenv("NODE_ENV", "test")
	t.Setenv("ENABLE_IDEMPOTENCY", "1")
	t.Setenv("ENABLE_TOOL_USE", "TRUE")
	t.Setenv("ENABLE_DEVILS_ADVOCATE", "true")

	cfg, err := LoadEnvConfig()
	require.NoError(t, err)
	assert.False(t, cfg.EnableIdempotency, "only the literal string \"true\" is truthy")
	assert.False(t, cfg.EnableToolUse, "case must match exactly")
	assert.True(t, cfg.EnableDevilsAdvocate)
}

func TestEnvConfig_IsTestMode(t *testing.T) {
	cfg := EnvConfig{Env: EnvTest}
	assert.True(t, cfg.IsTestMode())

	cfg.Env = EnvProduction
	assert.False(t, cfg.IsTestMode())
}
