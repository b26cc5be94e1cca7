package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// decodeSubmitBody parses and validates a submit request body per spec §6
// and §7: EMPTY_QUERY, QUERY_TOO_LONG, INVALID_SESSION_ID,
// INVALID_STREAMING_FLAG. Returns the sanitized query and a parsed
// streaming flag (defaulting false) alongside the raw body.
func decodeSubmitBody(r *http.Request) (submitRequestBody, string, bool, *core.CouncilError) {
	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, "", false, core.NewError("api.decodeSubmitBody", core.CodeInvalidRequest, "malformed JSON body", err)
	}

	sanitized := core.SanitizeQuery(body.Query)
	if sanitized == "" {
		return body, "", false, core.NewError("api.decodeSubmitBody", core.CodeEmptyQuery, "query is empty after sanitization", nil)
	}
	if len(sanitized) > core.MaxQueryLength {
		return body, "", false, core.NewError("api.decodeSubmitBody", core.CodeQueryTooLong, "query exceeds maximum length", nil)
	}

	if body.SessionID != "" {
		if _, err := uuid.Parse(body.SessionID); err != nil {
			return body, "", false, core.NewError("api.decodeSubmitBody", core.CodeInvalidSessionID, "sessionId is not a UUID", err)
		}
	}

	streaming := false
	if body.Streaming != nil {
		b, ok := body.Streaming.(bool)
		if !ok {
			return body, "", false, core.NewError("api.decodeSubmitBody", core.CodeInvalidStreamingFlag, "streaming must be a boolean", nil)
		}
		streaming = b
	}

	return body, sanitized, streaming, nil
}

// validatePathID rejects a syntactically invalid id before any store
// lookup, distinguishing a malformed id from a well-formed but unknown one
// (spec §8 property 7 concerns the latter; a malformed id is INVALID_REQUEST).
func validatePathID(id string) *core.CouncilError {
	if id == "" {
		return core.NewError("api.validatePathID", core.CodeInvalidRequest, "missing id", nil)
	}
	if _, err := uuid.Parse(id); err != nil {
		return core.NewError("api.validatePathID", core.CodeInvalidRequest, "id is not a UUID", err)
	}
	return nil
}
