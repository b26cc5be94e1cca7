package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/registry"
	"github.com/alias8818/CouncilRouter-sub001/streaming"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	body, query, streamingFlag, verr := decodeSubmitBody(r)
	if verr != nil {
		writeError(w, r, verr)
		return
	}

	scopedKey := s.scopedIdempotencyKey(principal.UserID, r)
	requestID := uuid.New().String()
	now := time.Now()

	if scopedKey != "" {
		won, existing, err := s.idempotency.Reserve(r.Context(), scopedKey, requestID)
		if err != nil {
			writeError(w, r, core.NewError("api.handleSubmit", core.CodeServiceUnavailable, "idempotency cache unavailable", err))
			return
		}
		if !won {
			s.respondFromCache(w, r, existing.RequestID)
			return
		}
	}

	userReq := core.UserRequest{
		ID:         requestID,
		UserID:     principal.UserID,
		Query:      query,
		SessionID:  body.SessionID,
		PresetName: body.Preset,
		Streaming:  streamingFlag,
		CreatedAt:  now,
	}

	if err := s.requests.Create(r.Context(), &core.StoredRequest{ID: requestID, Status: core.StatusProcessing, CreatedAt: now}); err != nil {
		writeError(w, r, core.NewError("api.handleSubmit", core.CodeInternalError, "failed to create request record", err))
		return
	}

	s.runOrchestration(r.Context(), userReq, scopedKey)

	writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID: requestID,
		Status:    string(core.StatusProcessing),
		CreatedAt: now,
	})
}

// runOrchestration launches Process detached from the request's
// cancellation (the HTTP handler returns 202 long before orchestration
// finishes) but keeps any values/trace context already on ctx.
func (s *Server) runOrchestration(ctx context.Context, req core.UserRequest, scopedKey string) {
	detached := context.WithoutCancel(ctx)
	go func() {
		_, _, _ = s.orchestrator.Process(detached, req, scopedKey)
	}()
}

// scopedIdempotencyKey computes the (userId, Idempotency-Key) scoped hash
// when idempotency is enabled and the header is present, else "".
func (s *Server) scopedIdempotencyKey(userID string, r *http.Request) string {
	if s.env == nil || !s.env.EnableIdempotency {
		return ""
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return ""
	}
	return registry.ScopedKey(userID, key)
}

// respondFromCache waits for the in-flight request sharing this
// idempotency key to finish and mirrors its result with fromCache:true
// (spec §8 property 3).
func (s *Server) respondFromCache(w http.ResponseWriter, r *http.Request, winnerRequestID string) {
	scopedKey := s.scopedIdempotencyKey(principalFrom(r.Context()).UserID, r)
	rec, err := s.idempotency.WaitForCompletion(r.Context(), scopedKey)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := string(core.StatusCompleted)
	if rec.State == core.IdempotencyFailed {
		status = string(core.StatusFailed)
	}
	writeJSON(w, http.StatusOK, submitResponse{
		RequestID: winnerRequestID,
		Status:    status,
		CreatedAt: time.Now(),
		FromCache: true,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if verr := validatePathID(id); verr != nil {
		writeError(w, r, verr)
		return
	}

	stored, err := s.requests.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, notFoundOrInternal(err, core.CodeRequestNotFound))
		return
	}

	writeJSON(w, http.StatusOK, toPollResponse(stored))
}

func (s *Server) handleDeliberation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if verr := validatePathID(id); verr != nil {
		writeError(w, r, verr)
		return
	}

	stored, err := s.requests.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, notFoundOrInternal(err, core.CodeRequestNotFound))
		return
	}
	if stored.DeliberationRef == "" {
		writeError(w, r, core.NewError("api.handleDeliberation", core.CodeDeliberationNotFound, "no deliberation thread was retained for this request", nil))
		return
	}

	thread, err := s.deliberations.Get(r.Context(), stored.DeliberationRef)
	if err != nil {
		writeError(w, r, notFoundOrInternal(err, core.CodeDeliberationNotFound))
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

func notFoundOrInternal(err error, code core.Code) error {
	if core.IsNotFound(err) {
		return core.NewError("api", code, "not found", err)
	}
	return core.NewError("api", core.CodeInternalError, "store error", err)
}

func (s *Server) handleSubmitStream(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	body, query, _, verr := decodeSubmitBody(r)
	if verr != nil {
		writeError(w, r, verr)
		return
	}

	sink, flusherErr := prepareSSE(w)
	if flusherErr != nil {
		writeError(w, r, core.NewError("api.handleSubmitStream", core.CodeInternalError, "streaming unsupported by this connection", flusherErr))
		return
	}

	scopedKey := s.scopedIdempotencyKey(principal.UserID, r)
	requestID := uuid.New().String()
	now := time.Now()

	if scopedKey != "" {
		won, existing, err := s.idempotency.Reserve(r.Context(), scopedKey, requestID)
		if err != nil {
			writeError(w, r, core.NewError("api.handleSubmitStream", core.CodeServiceUnavailable, "idempotency cache unavailable", err))
			return
		}
		if !won {
			// Join the winner's already-running stream; no init event,
			// since this submission did not create anything.
			s.waitOnStream(r, sink, existing.RequestID)
			return
		}
	}

	if err := s.requests.Create(r.Context(), &core.StoredRequest{ID: requestID, Status: core.StatusProcessing, CreatedAt: now}); err != nil {
		writeError(w, r, core.NewError("api.handleSubmitStream", core.CodeInternalError, "failed to create request record", err))
		return
	}

	userReq := core.UserRequest{
		ID:         requestID,
		UserID:     principal.UserID,
		Query:      query,
		SessionID:  body.SessionID,
		PresetName: body.Preset,
		Streaming:  true,
		CreatedAt:  now,
	}

	notifying := newNotifyingSink(sink)
	detach := s.stream.Attach(requestID, notifying)
	defer detach()
	_ = notifying.Send("init", map[string]string{"requestId": requestID})

	s.runOrchestration(r.Context(), userReq, scopedKey)

	select {
	case <-r.Context().Done():
	case <-notifying.closed:
	}
}

func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if verr := validatePathID(id); verr != nil {
		writeError(w, r, verr)
		return
	}

	stored, err := s.requests.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, notFoundOrInternal(err, core.CodeRequestNotFound))
		return
	}

	sink, flusherErr := prepareSSE(w)
	if flusherErr != nil {
		writeError(w, r, core.NewError("api.handleStreamSubscribe", core.CodeInternalError, "streaming unsupported by this connection", flusherErr))
		return
	}

	if stored.Status != core.StatusProcessing {
		s.replayTerminal(sink, stored)
		return
	}

	_ = sink.Send("status", "processing")
	s.waitOnStream(r, sink, id)
}

// waitOnStream attaches sink to requestID's hub entry and blocks until
// the client disconnects or the hub closes the sink after a terminal
// event (spec §5: "client disconnect cancels only the sink").
func (s *Server) waitOnStream(r *http.Request, sink streaming.Sink, requestID string) {
	notifying := newNotifyingSink(sink)
	detach := s.stream.Attach(requestID, notifying)
	defer detach()

	select {
	case <-r.Context().Done():
	case <-notifying.closed:
	}
}

// replayTerminal serves the terminal event sequence directly for a
// request that finished before this subscriber attached — the hub has
// already dropped its entry by the time orchestration completes.
func (s *Server) replayTerminal(sink streaming.Sink, stored *core.StoredRequest) {
	defer sink.Close()
	if stored.Status == core.StatusCompleted && stored.Decision != nil {
		_ = sink.Send("message", stored.Decision.Content)
		_ = sink.Send("done", "Request completed")
		return
	}
	reason := "Request failed"
	if stored.Error != nil {
		reason = stored.Error.Message
	}
	_ = sink.Send("error", reason)
}

func prepareSSE(w http.ResponseWriter) (streaming.Sink, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return streaming.NewHTTPSink(w)
}

