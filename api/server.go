// Package api implements APIFront (C10): the HTTP surface exactly per
// spec §6, wired over stdlib net/http the way the teacher's core.BaseTool
// wires its capability routes — a single http.ServeMux, auth and
// rate-limit middleware wrapped around it, no router dependency.
package api

import (
	"net/http"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/configstore"
	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/council"
	"github.com/alias8818/CouncilRouter-sub001/registry"
	"github.com/alias8818/CouncilRouter-sub001/streaming"
)

// BuildVersion is set at link time (`-ldflags "-X .../api.BuildVersion=..."`);
// empty is a valid value and simply omits the field from /health.
var BuildVersion = ""

// Deps bundles Server's collaborators.
type Deps struct {
	Orchestrator  *council.Orchestrator
	Requests      *registry.RequestRegistry
	Deliberations *registry.DeliberationStore
	Idempotency   *registry.IdempotencyCache
	Configs       *configstore.ConfigStore
	Stream        *streaming.Hub
	Auth          *Authenticator
	Limiter       *PerIPLimiter
	Env           *core.EnvConfig
	Logger        core.Logger
}

// Server is C10. It owns no orchestration state of its own — every
// operation is a thin translation between HTTP and its collaborators.
type Server struct {
	orchestrator  *council.Orchestrator
	requests      *registry.RequestRegistry
	deliberations *registry.DeliberationStore
	idempotency   *registry.IdempotencyCache
	configs       *configstore.ConfigStore
	stream        *streaming.Hub
	auth          *Authenticator
	limiter       *PerIPLimiter
	env           *core.EnvConfig
	logger        core.Logger
	mux           *http.ServeMux
}

// NewServer builds a Server and registers every route from spec §6 plus
// the supplemental preset-listing endpoint.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("api/server")
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewPerIPLimiter()
	}

	s := &Server{
		orchestrator:  deps.Orchestrator,
		requests:      deps.Requests,
		deliberations: deps.Deliberations,
		idempotency:   deps.Idempotency,
		configs:       deps.Configs,
		stream:        deps.Stream,
		auth:          deps.Auth,
		limiter:       limiter,
		env:           deps.Env,
		logger:        logger,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/requests", s.withAuth(s.handleSubmit))
	s.mux.HandleFunc("GET /api/v1/requests/{id}", s.withAuth(s.handlePoll))
	s.mux.HandleFunc("GET /api/v1/requests/{id}/stream", s.withAuth(s.handleStreamSubscribe))
	s.mux.HandleFunc("POST /api/v1/requests/stream", s.withAuth(s.handleSubmitStream))
	s.mux.HandleFunc("GET /api/v1/requests/{id}/deliberation", s.withAuth(s.handleDeliberation))
	s.mux.HandleFunc("GET /api/v1/config/presets", s.withAuth(s.handlePresets))
}

// Handler returns the fully wrapped http.Handler: logging, then rate
// limiting, then routing. devMode controls whether LoggingMiddleware logs
// every request or only slow/error ones, mirroring the teacher's
// core.LoggingMiddleware.
func (s *Server) Handler(devModeFlag bool) http.Handler {
	SetDevMode(devModeFlag)
	var h http.Handler = s.mux
	h = RateLimitMiddleware(s.limiter, s.env)(h)
	h = core.LoggingMiddleware(s.logger, devModeFlag)(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   BuildVersion,
	})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, presetsResponse{Presets: s.configs.KnownPresetNames()})
}
