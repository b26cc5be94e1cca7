// Package council implements the orchestration engine (C6), the
// synthesis layer (C7), and the devil's-advocate critique pass (C8) — the
// state machine that drives one request from dispatch through
// deliberation, synthesis, and persistence. Grounded on the teacher's
// pkg/orchestration.StandardOrchestrator: same parallel-fan-out-then-join
// shape, same "metrics + history" bookkeeping, generalized from
// "route a task across discovered agents" to "poll a fixed council of
// model providers".
package council

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/configstore"
	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/provider"
	"github.com/alias8818/CouncilRouter-sub001/registry"
	"github.com/alias8818/CouncilRouter-sub001/resilience"
	"github.com/alias8818/CouncilRouter-sub001/telemetry"
)

// Orchestrator is C6: the deterministic driver of one request's lifecycle.
// It performs no I/O except through its collaborator interfaces.
type Orchestrator struct {
	pool         provider.Pool
	configs      *configstore.ConfigStore
	sessions     core.SessionStore
	requests     *registry.RequestRegistry
	deliberations *registry.DeliberationStore
	idempotency  *registry.IdempotencyCache
	metrics      core.MetricsSink
	stream       core.StreamPublisher
	synthesizer  *Synthesizer
	devils       *DevilsAdvocate
	logger       core.Logger
	env          *core.EnvConfig

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// Deps bundles Orchestrator's collaborators so New doesn't take a dozen
// positional arguments.
type Deps struct {
	Pool        provider.Pool
	Configs     *configstore.ConfigStore
	Sessions    core.SessionStore
	Requests    *registry.RequestRegistry
	Deliberations *registry.DeliberationStore
	Idempotency *registry.IdempotencyCache
	Metrics     core.MetricsSink
	Stream      core.StreamPublisher
	Logger      core.Logger
	Env         *core.EnvConfig
}

// New builds an Orchestrator, filling in no-op defaults for any
// collaborator left nil (mirrors the teacher's NewOrchestrator defaulting
// pattern).
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("council/orchestrator")
	}

	sessions := deps.Sessions
	if sessions == nil {
		sessions = core.NoOpSessionStore{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = core.NoOpMetricsSink{}
	}
	stream := deps.Stream
	if stream == nil {
		stream = core.NoOpStreamPublisher{}
	}
	env := deps.Env
	if env == nil {
		env = &core.EnvConfig{Env: core.EnvDevelopment}
	}

	return &Orchestrator{
		pool:        deps.Pool,
		configs:     deps.Configs,
		sessions:    sessions,
		requests:    deps.Requests,
		deliberations: deps.Deliberations,
		idempotency: deps.Idempotency,
		metrics:     metrics,
		stream:      stream,
		synthesizer: NewSynthesizer(deps.Pool, logger),
		devils:      NewDevilsAdvocate(deps.Pool, logger),
		logger:      logger,
		env:         env,
		breakers:    make(map[string]*resilience.CircuitBreaker),
	}
}

func (o *Orchestrator) breakerFor(memberID string) *resilience.CircuitBreaker {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()
	if cb, ok := o.breakers[memberID]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(memberID))
	cb.SetLogger(o.logger)
	o.breakers[memberID] = cb
	return cb
}

// Process drives req through dispatch, deliberation, synthesis, and
// persistence, terminating the request's StoredRequest record exactly
// once. scopedKey is the idempotency key computed by APIFront from
// (userId, Idempotency-Key); pass "" when idempotency is not in play for
// this submission.
func (o *Orchestrator) Process(ctx context.Context, req core.UserRequest, scopedKey string) (decision *core.ConsensusDecision, metrics core.Metrics, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorWithContext(ctx, "orchestrator panic recovered", map[string]interface{}{
				"requestId": req.ID,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			failure := core.NewError("orchestrator.Process", core.CodeProcessingError, "unhandled orchestration exception", fmt.Errorf("panic: %v", r))
			o.finalizeFailure(ctx, req, failure, scopedKey)
			decision, err = nil, failure
			metrics = core.Metrics{Duration: time.Since(start)}
		}
	}()

	decision, metrics, err = o.process(ctx, req, scopedKey, start)
	return decision, metrics, err
}

func (o *Orchestrator) process(ctx context.Context, req core.UserRequest, scopedKey string, start time.Time) (*core.ConsensusDecision, core.Metrics, error) {
	if o.env.EnableMetricsTracking {
		telemetry.AddSpanEvent(ctx, "orchestrator.process.start")
	}

	// Step 1: resolve council config. Preset names are validated against
	// the known set before any store I/O (spec §4.1 step 1 / §8 #12).
	cfg, err := o.configs.Resolve(ctx, req.PresetName)
	if err != nil {
		failure := asCouncilError("orchestrator.Process", core.CodeConfigError, err)
		o.finalizeFailure(ctx, req, failure, scopedKey)
		return nil, core.Metrics{Duration: time.Since(start)}, failure
	}

	sessionContext := req.Context
	if len(sessionContext) == 0 && req.SessionID != "" {
		loaded, err := o.sessions.LoadContext(ctx, req.SessionID)
		if err == nil {
			sessionContext = loaded
		}
	}

	globalCtx := ctx
	var cancel context.CancelFunc
	if cfg.Performance.GlobalTimeout > 0 {
		globalCtx, cancel = context.WithTimeout(ctx, cfg.Performance.GlobalTimeout)
		defer cancel()
	}

	if req.Streaming {
		o.stream.Publish(ctx, req.ID, "status", "processing")
	}

	// Step 2/3: round 0 dispatch with global deadline.
	if o.env.EnableMetricsTracking {
		telemetry.AddSpanEvent(ctx, "orchestrator.dispatch")
	}
	responses := o.dispatchRound(globalCtx, cfg.Council.Members, sessionContext, req.Query, nil, false)
	round := 0
	var acc core.Metrics
	acc.MembersParticipated = len(responses)
	accumulate(&acc, responses)

	if !o.hasQuorum(responses, cfg.Council) {
		failure := core.NewError("orchestrator.Process", core.CodeInsufficientCouncil,
			fmt.Sprintf("only %d of %d minimum council members responded", len(successfulOnly(responses)), cfg.Council.MinimumSize), nil)
		o.finalizeFailure(ctx, req, failure, scopedKey)
		return nil, acc, failure
	}

	thread := core.DeliberationThread{RequestID: req.ID}

	// Step 4: deliberation rounds 1..N.
	consensusReached := false
	for k := 1; k <= cfg.Deliberation.Rounds && !consensusReached; k++ {
		round = k
		if o.env.EnableMetricsTracking {
			telemetry.AddSpanEvent(ctx, "orchestrator.deliberation.round")
		}
		exchanges, roundResponses := o.dispatchDeliberationRound(globalCtx, cfg, responses, req.Query, req.ID, k)
		accumulate(&acc, roundResponses)

		contents := make([]string, len(exchanges))
		for i, ex := range exchanges {
			contents[i] = ex.Content
		}
		consensusReached = meanPairwiseSimilarity(contents) >= cfg.Deliberation.EarlyTerminationThreshold

		thread.Rounds = append(thread.Rounds, core.DeliberationRound{
			Number:           k,
			Exchanges:        exchanges,
			ConsensusReached: consensusReached,
			Timestamp:        time.Now(),
		})

		responses = mergeExchangesIntoResponses(responses, exchanges)
	}
	acc.RoundsRun = round

	successes := successfulOnly(responses)

	// Step 5: synthesize.
	if o.env.EnableMetricsTracking {
		telemetry.AddSpanEvent(ctx, "orchestrator.synthesis")
	}
	decision, err := o.synthesizer.Synthesize(globalCtx, req.Query, successes, thread, cfg.Synthesis, cfg.Council.Members)
	if err != nil {
		failure := asCouncilError("orchestrator.Process", core.CodeProcessingError, err)
		o.finalizeFailure(ctx, req, failure, scopedKey)
		return nil, acc, failure
	}

	// Step 6: optional devil's-advocate critique.
	if cfg.DevilsAdvocate != nil && cfg.DevilsAdvocate.Enabled && o.domainApplies(*cfg.DevilsAdvocate, req.Query) {
		if critic, ok := findMember(cfg.Council.Members, cfg.DevilsAdvocate.CriticMemberID); ok {
			revised := o.devils.SynthesizeWithCritique(globalCtx, critic, req.Query, *decision, successes)
			decision = &revised
		}
	}

	// Step 7: persist & publish.
	deliberationRef := ""
	if len(thread.Rounds) > 0 {
		deliberationRef = req.ID
		if o.deliberations != nil {
			if err := o.deliberations.Put(ctx, thread); err != nil {
				o.logger.ErrorWithContext(ctx, "failed to persist deliberation thread", map[string]interface{}{
					"requestId": req.ID, "error": err.Error(),
				})
			}
		}
	}
	if err := o.requests.Complete(ctx, req.ID, decision, deliberationRef); err != nil {
		o.logger.ErrorWithContext(ctx, "failed to persist completed request", map[string]interface{}{
			"requestId": req.ID, "error": err.Error(),
		})
	}
	if scopedKey != "" && o.idempotency != nil {
		if err := o.idempotency.CacheResult(ctx, scopedKey, req.ID, decision); err != nil {
			o.logger.ErrorWithContext(ctx, "failed to cache idempotency result", map[string]interface{}{
				"requestId": req.ID, "error": err.Error(),
			})
		}
	}

	o.metrics.LogCost(ctx, req.ID, acc.TotalCost, acc.TotalPromptTokens, acc.TotalCompletionTokens)
	o.metrics.LogConsensusDecision(ctx, req.ID, *decision)
	if req.SessionID != "" {
		_ = o.sessions.AppendHistory(ctx, req.SessionID, req.Query, decision.Content)
	}

	if req.Streaming {
		o.stream.Publish(ctx, req.ID, "message", decision.Content)
		o.stream.Publish(ctx, req.ID, "done", "Request completed")
	}

	acc.Duration = time.Since(start)
	if o.env.EnableMetricsTracking {
		telemetry.AddSpanEvent(ctx, "orchestrator.process.complete")
	}
	return decision, acc, nil
}

func (o *Orchestrator) finalizeFailure(ctx context.Context, req core.UserRequest, failure *core.CouncilError, scopedKey string) {
	if err := o.requests.Fail(ctx, req.ID, failure); err != nil {
		o.logger.ErrorWithContext(ctx, "failed to persist failed request", map[string]interface{}{
			"requestId": req.ID, "error": err.Error(),
		})
	}
	if scopedKey != "" && o.idempotency != nil {
		if err := o.idempotency.CacheError(ctx, scopedKey, req.ID); err != nil {
			o.logger.ErrorWithContext(ctx, "failed to release idempotency waiters", map[string]interface{}{
				"requestId": req.ID, "error": err.Error(),
			})
		}
	}
	if req.Streaming {
		o.stream.Fail(ctx, req.ID, failure.Error())
	}
	if o.env.EnableMetricsTracking {
		telemetry.RecordSpanError(ctx, failure)
	}
}

func asCouncilError(op string, fallback core.Code, err error) *core.CouncilError {
	if ce, ok := core.AsCouncilError(err); ok {
		return ce
	}
	return core.NewError(op, fallback, err.Error(), err)
}

func (o *Orchestrator) domainApplies(cfg core.DevilsAdvocateConfig, query string) bool {
	if looksLikeCode(query) {
		return cfg.ApplyToCodeRequests
	}
	return cfg.ApplyToTextRequests
}

func looksLikeCode(query string) bool {
	for _, marker := range []string{"```", "func ", "def ", "class ", "{", "};"} {
		if strings.Contains(query, marker) {
			return true
		}
	}
	return false
}

func findMember(members []core.CouncilMember, id string) (core.CouncilMember, bool) {
	for _, m := range members {
		if m.ID == id {
			return m, true
		}
	}
	return core.CouncilMember{}, false
}

func (o *Orchestrator) hasQuorum(responses []core.InitialResponse, cfg core.CouncilConfig) bool {
	if !cfg.RequireQuorum {
		return true
	}
	return len(successfulOnly(responses)) >= cfg.MinimumSize
}

func successfulOnly(responses []core.InitialResponse) []core.InitialResponse {
	out := make([]core.InitialResponse, 0, len(responses))
	for _, r := range responses {
		if r.OK {
			out = append(out, r)
		}
	}
	return out
}

func accumulate(m *core.Metrics, responses []core.InitialResponse) {
	for _, r := range responses {
		m.TotalCost += r.Cost
		m.TotalPromptTokens += r.PromptTokens
		m.TotalCompletionTokens += r.CompletionTokens
	}
}

func mergeExchangesIntoResponses(prev []core.InitialResponse, exchanges []core.Exchange) []core.InitialResponse {
	byMember := make(map[string]core.Exchange, len(exchanges))
	for _, ex := range exchanges {
		byMember[ex.MemberID] = ex
	}

	out := make([]core.InitialResponse, 0, len(prev))
	for _, r := range prev {
		if ex, ok := byMember[r.MemberID]; ok {
			r.Content = ex.Content
		}
		out = append(out, r)
	}
	return out
}
