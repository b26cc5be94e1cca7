package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authHeader() string {
	return "ApiKey " + testAdminToken
}

func submit(t *testing.T, s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(body))
	req.Header.Set("Authorization", authHeader())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler(true).ServeHTTP(rec, req)
	return rec
}

func pollUntilTerminal(t *testing.T, s *Server, requestID string) pollResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+requestID, nil)
		req.Header.Set("Authorization", authHeader())
		rec := httptest.NewRecorder()
		s.Handler(true).ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp pollResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		if resp.Status == "completed" || resp.Status == "failed" {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("request never reached a terminal state")
	return pollResponse{}
}

func TestHandleSubmit_ReturnsAcceptedWithUniqueRequestIDs(t *testing.T) {
	s := newTestServer(t)

	rec1 := submit(t, s, `{"query":"what is the answer?"}`, nil)
	rec2 := submit(t, s, `{"query":"what is the answer?"}`, nil)
	require.Equal(t, http.StatusAccepted, rec1.Code)
	require.Equal(t, http.StatusAccepted, rec2.Code)

	var r1, r2 submitResponse
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &r1))
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &r2))
	assert.NotEqual(t, r1.RequestID, r2.RequestID)
}

func TestHandleSubmit_ThenPollRoundTripsToCompleted(t *testing.T) {
	s := newTestServer(t)

	rec := submit(t, s, `{"query":"what is the answer?"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitResp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))

	final := pollUntilTerminal(t, s, submitResp.RequestID)
	assert.Equal(t, "completed", string(final.Status))
	require.NotNil(t, final.ConsensusDecision)
	assert.Contains(t, final.ConsensusDecision.Content, "forty-two")
}

func TestHandleSubmit_EmptyQueryRejected(t *testing.T) {
	s := newTestServer(t)
	rec := submit(t, s, `{"query":""}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "EMPTY_QUERY", string(env.Error.Code))
}

func TestHandleSubmit_IdempotencyKeyReplaysWinnerResponse(t *testing.T) {
	s := newTestServer(t)

	rec1 := submit(t, s, `{"query":"what is the answer?"}`, map[string]string{"Idempotency-Key": "shared-key"})
	require.Equal(t, http.StatusAccepted, rec1.Code)
	var r1 submitResponse
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &r1))

	// give orchestration a moment to actually complete before the
	// idempotent retry, so WaitForCompletion observes a cached result.
	_ = pollUntilTerminal(t, s, r1.RequestID)

	rec2 := submit(t, s, `{"query":"a completely different query"}`, map[string]string{"Idempotency-Key": "shared-key"})
	require.Equal(t, http.StatusOK, rec2.Code)

	var r2 submitResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &r2))
	assert.True(t, r2.FromCache)
	assert.Equal(t, r1.RequestID, r2.RequestID)
}

func TestHandlePoll_UnknownIDReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+uuidLike(), nil)
	req.Header.Set("Authorization", authHeader())
	rec := httptest.NewRecorder()
	s.Handler(true).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePoll_MalformedIDReturnsInvalidRequest(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/not-a-uuid", nil)
	req.Header.Set("Authorization", authHeader())
	rec := httptest.NewRecorder()
	s.Handler(true).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth_GateRunsBeforeBodyValidation(t *testing.T) {
	s := newTestServer(t)
	// No Authorization header AND a malformed/empty body: the auth failure
	// must win, proving auth runs before any other validation (property 8).
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(`{"query":""}`))
	rec := httptest.NewRecorder()
	s.Handler(true).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "AUTHENTICATION_REQUIRED", string(env.Error.Code))
}

func TestHandleHealth_NoAuthRequired(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler(true).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDeliberation_UnknownIDReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+uuidLike()+"/deliberation", nil)
	req.Header.Set("Authorization", authHeader())
	rec := httptest.NewRecorder()
	s.Handler(true).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePresets_ListsKnownPresets(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config/presets", nil)
	req.Header.Set("Authorization", authHeader())
	rec := httptest.NewRecorder()
	s.Handler(true).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp presetsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Presets)
}

// uuidLike returns a syntactically valid but never-created UUID.
func uuidLike() string {
	return "00000000-0000-0000-0000-000000000000"
}
