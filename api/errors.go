package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// errorEnvelope is the wire shape for every non-2xx JSON response, per
// spec §6: `{ error: { code, message, details?, retryable }, requestId?,
// timestamp }`.
type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type errorBody struct {
	Code      core.Code `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
}

// devMode is flipped by the server at boot so the 500 body can include
// the internal message outside production (spec §7: "In production, the
// 500 body never echoes internal messages; in development it does").
var devMode = false

// SetDevMode toggles whether 500 responses include internal error detail.
func SetDevMode(v bool) { devMode = v }

// writeError translates err into the closed-code error envelope and an
// HTTP status, logging nothing itself — callers log with request context
// before calling this.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ce, ok := core.AsCouncilError(err)
	if !ok {
		ce = core.NewError("api", core.CodeInternalError, "internal error", err)
	}

	message := ce.Message
	if ce.Code.HTTPStatus() >= 500 && !devMode {
		message = "internal error"
	}

	requestID := ""
	if v := r.Context().Value(requestIDContextKey{}); v != nil {
		requestID, _ = v.(string)
	}

	envelope := errorEnvelope{
		Error: errorBody{
			Code:      ce.Code,
			Message:   message,
			Retryable: ce.Code.Retryable(),
		},
		RequestID: requestID,
		Timestamp: time.Now(),
	}
	if devMode && ce.Err != nil {
		envelope.Error.Details = ce.Err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope)
}

type requestIDContextKey struct{}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
