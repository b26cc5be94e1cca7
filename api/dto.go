package api

import (
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// submitRequestBody is the wire shape for POST /api/v1/requests and
// POST /api/v1/requests/stream (spec §6). Streaming is decoded as
// interface{} so a non-bool value can be rejected as
// INVALID_STREAMING_FLAG rather than a generic decode error.
type submitRequestBody struct {
	Query     string      `json:"query"`
	SessionID string      `json:"sessionId,omitempty"`
	Streaming interface{} `json:"streaming,omitempty"`
	Preset    string      `json:"preset,omitempty"`
}

type submitResponse struct {
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	FromCache bool      `json:"fromCache,omitempty"`
}

type pollResponse struct {
	RequestID         string                   `json:"requestId"`
	Status            core.RequestStatus       `json:"status"`
	ConsensusDecision *core.ConsensusDecision  `json:"consensusDecision,omitempty"`
	CreatedAt         time.Time                `json:"createdAt"`
	CompletedAt       *time.Time               `json:"completedAt,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

type presetsResponse struct {
	Presets []string `json:"presets"`
}

func toPollResponse(req *core.StoredRequest) pollResponse {
	return pollResponse{
		RequestID:         req.ID,
		Status:            req.Status,
		ConsensusDecision: req.Decision,
		CreatedAt:         req.CreatedAt,
		CompletedAt:       req.CompletedAt,
	}
}
