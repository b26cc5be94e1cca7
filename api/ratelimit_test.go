package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

func TestPerIPLimiter_AllowsWithinBurst(t *testing.T) {
	l := NewPerIPLimiter()
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestPerIPLimiter_TracksDistinctIPsIndependently(t *testing.T) {
	l := NewPerIPLimiter()
	for i := 0; i < rateLimitBurst; i++ {
		require.True(t, l.Allow("10.0.0.1"))
	}
	assert.False(t, l.Allow("10.0.0.1"), "10.0.0.1 exhausted its burst")
	assert.True(t, l.Allow("10.0.0.2"), "a different IP has its own bucket")
}

func TestRateLimitMiddleware_ExemptsGETRequests(t *testing.T) {
	l := NewPerIPLimiter()
	for i := 0; i < rateLimitBurst; i++ {
		l.Allow("10.0.0.9")
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	mw := RateLimitMiddleware(l, &core.EnvConfig{Env: core.EnvDevelopment})(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/x", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.True(t, called, "GET requests bypass the limiter entirely")
}

func TestRateLimitMiddleware_DisabledEntirelyInTestMode(t *testing.T) {
	l := NewPerIPLimiter()
	for i := 0; i < rateLimitBurst; i++ {
		l.Allow("10.0.0.5")
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	mw := RateLimitMiddleware(l, &core.EnvConfig{Env: core.EnvTest})(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.True(t, called)
}

func TestRateLimitMiddleware_RejectsExhaustedIPOnNonGET(t *testing.T) {
	l := NewPerIPLimiter()
	for i := 0; i < rateLimitBurst; i++ {
		l.Allow("10.0.0.7")
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	mw := RateLimitMiddleware(l, &core.EnvConfig{Env: core.EnvDevelopment})(next)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil)
	req.RemoteAddr = "10.0.0.7:1234"
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientIP_ExtractsHostFromRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:54321"
	assert.Equal(t, "192.168.1.5", clientIP(req))
}

func TestClientIP_FallsBackToRawRemoteAddrWithoutPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-a-host-port"
	assert.Equal(t, "not-a-host-port", clientIP(req))
}
