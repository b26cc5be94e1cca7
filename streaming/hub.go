// Package streaming implements StreamHub (C9): SSE connection management
// with per-request ordered sinks, a TTL sweeper, and a process-shutdown
// broadcast. Grounded on the SSE handler shape in the pack's claude-ops
// example (http.Flusher + "event: <name>\ndata: <payload>\n\n" framing)
// and the teacher's core.middleware responseWriter.Flush() wrapper,
// generalized from one broadcast channel per session to an owned,
// explicitly-closed sink set per request.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// ConnectionTTL is the maximum lifetime of an SSE connection, counted from
// when it was attached, before the sweeper force-closes it (spec §3/§8
// property 10).
const ConnectionTTL = 30 * time.Minute

// sweepInterval is how often the sweeper scans for expired connections
// (spec §4.6).
const sweepInterval = 5 * time.Minute

// Sink is one subscriber's delivery channel — usually an http.ResponseWriter
// wrapped by ServeHTTP, but kept as an interface so tests can substitute an
// in-memory recorder.
type Sink interface {
	// Send writes one SSE event; ordering across calls on the same Sink
	// must be preserved by the implementation.
	Send(event string, data interface{}) error
	// Close releases any resources held by the sink. Send must not be
	// called again afterward.
	Close()
}

type connection struct {
	id        uint64
	sink      Sink
	createdAt time.Time
	done      chan struct{}
}

// Hub is C9. Safe for concurrent use; one Hub serves every request's
// streaming connections for the process's lifetime.
type Hub struct {
	mu          sync.Mutex
	conns       map[string][]*connection
	nextConnID  uint64
	logger      core.Logger
	stopSweeper chan struct{}
}

var _ core.StreamPublisher = (*Hub)(nil)

// NewHub builds a Hub and starts its periodic sweeper goroutine.
func NewHub(logger core.Logger) *Hub {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("streaming/hub")
	}
	h := &Hub{
		conns:       make(map[string][]*connection),
		logger:      logger,
		stopSweeper: make(chan struct{}),
	}
	go h.sweepLoop()
	return h
}

// Attach registers sink under requestID, returning a detach function the
// caller must invoke when the sink's context ends (e.g. client disconnect)
// — detaching only removes that sink, never cancels the orchestration
// (spec §5: "client disconnect on SSE cancels only the sink").
func (h *Hub) Attach(requestID string, sink Sink) (detach func()) {
	h.mu.Lock()
	id := h.nextConnID
	h.nextConnID++
	conn := &connection{id: id, sink: sink, createdAt: time.Now(), done: make(chan struct{})}
	h.conns[requestID] = append(h.conns[requestID], conn)
	h.mu.Unlock()

	h.logger.Debug("sse connection attached", map[string]interface{}{"requestId": requestID, "connId": id})

	return func() { h.detach(requestID, id) }
}

func (h *Hub) detach(requestID string, connID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.conns[requestID]
	if !ok {
		return
	}
	for i, c := range conns {
		if c.id == connID {
			select {
			case <-c.done:
			default:
				close(c.done)
			}
			c.sink.Close()
			h.conns[requestID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[requestID]) == 0 {
		delete(h.conns, requestID)
	}
}

// Publish delivers event to every sink attached to requestID, in
// attachment order, preserving per-sink delivery ordering.
func (h *Hub) Publish(ctx context.Context, requestID string, event string, data interface{}) {
	h.mu.Lock()
	conns := append([]*connection(nil), h.conns[requestID]...)
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.sink.Send(event, data); err != nil {
			h.logger.WarnWithContext(ctx, "sse send failed, detaching sink", map[string]interface{}{
				"requestId": requestID, "connId": c.id, "error": err.Error(),
			})
			h.detach(requestID, c.id)
		}
	}

	if event == "done" || event == "error" {
		h.closeAll(requestID)
	}
}

// Fail publishes a terminal error event with reason, then closes every
// sink for requestID.
func (h *Hub) Fail(ctx context.Context, requestID string, reason string) {
	h.Publish(ctx, requestID, "error", reason)
}

func (h *Hub) closeAll(requestID string) {
	h.mu.Lock()
	conns := h.conns[requestID]
	delete(h.conns, requestID)
	h.mu.Unlock()

	for _, c := range conns {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
		c.sink.Close()
	}
}

// Shutdown broadcasts a terminal "server shutting down" error to every
// open connection, drains all sinks, and stops the sweeper (spec §5).
func (h *Hub) Shutdown() {
	h.mu.Lock()
	requestIDs := make([]string, 0, len(h.conns))
	for id := range h.conns {
		requestIDs = append(requestIDs, id)
	}
	h.mu.Unlock()

	for _, id := range requestIDs {
		h.Fail(context.Background(), id, "Server shutting down")
	}

	close(h.stopSweeper)
}

func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopSweeper:
			return
		case <-ticker.C:
			h.sweepExpired()
		}
	}
}

func (h *Hub) sweepExpired() {
	cutoff := time.Now().Add(-ConnectionTTL)

	h.mu.Lock()
	type expired struct {
		requestID string
		connID    uint64
		sink      Sink
		done      chan struct{}
	}
	var toClose []expired
	for requestID, conns := range h.conns {
		var kept []*connection
		for _, c := range conns {
			if c.createdAt.Before(cutoff) {
				toClose = append(toClose, expired{requestID, c.id, c.sink, c.done})
			} else {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(h.conns, requestID)
		} else {
			h.conns[requestID] = kept
		}
	}
	h.mu.Unlock()

	for _, e := range toClose {
		select {
		case <-e.done:
		default:
			close(e.done)
		}
		e.sink.Close()
		h.logger.Debug("sse connection swept for ttl expiry", map[string]interface{}{
			"requestId": e.requestID, "connId": e.connID,
		})
	}
}

// httpSink adapts an http.ResponseWriter+http.Flusher pair to Sink,
// writing the wire framing `event: <name>\ndata: <json>\n\n`.
type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewHTTPSink builds a Sink over w, or an error if w doesn't support
// flushing (required for SSE).
func NewHTTPSink(w http.ResponseWriter) (Sink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming: response writer does not support flushing")
	}
	return &httpSink{w: w, flusher: flusher}, nil
}

func (s *httpSink) Send(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("streaming: marshal event payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *httpSink) Close() {}
