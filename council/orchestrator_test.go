package council

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/alias8818/CouncilRouter-sub001/configstore"
	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/provider"
	"github.com/alias8818/CouncilRouter-sub001/registry"
)

func newOrchestratorTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func twoMemberBundle(rounds int) core.ConfigBundle {
	return core.ConfigBundle{
		Council: core.CouncilConfig{
			Members: []core.CouncilMember{
				{ID: "m1", ModelName: "model-a"},
				{ID: "m2", ModelName: "model-b"},
			},
		},
		Deliberation: core.DeliberationConfig{Rounds: rounds, EarlyTerminationThreshold: 0.99},
		Synthesis:    core.SynthesisConfig{Strategy: core.StrategyConsensusExtraction},
	}
}

func newTestOrchestrator(t *testing.T, bundle core.ConfigBundle, members map[string]*provider.FakeMember) *Orchestrator {
	t.Helper()
	return newTestOrchestratorWithEnv(t, bundle, members, &core.EnvConfig{Env: core.EnvTest})
}

func newTestOrchestratorWithEnv(t *testing.T, bundle core.ConfigBundle, members map[string]*provider.FakeMember, env *core.EnvConfig) *Orchestrator {
	t.Helper()
	client := newOrchestratorTestRedis(t)
	backend := configstore.NewMemoryBackend(bundle, nil)
	configs := configstore.New(backend, nil, core.NoOpLogger{})

	return New(Deps{
		Pool:          provider.NewFakePool(members),
		Configs:       configs,
		Requests:      registry.NewRequestRegistry(client, nil),
		Deliberations: registry.NewDeliberationStore(client, nil),
		Idempotency:   registry.NewIdempotencyCache(client, nil),
		Logger:        core.NoOpLogger{},
		Env:           env,
	})
}

// recordingSpanProcessor captures every span ended while attached, letting
// tests assert on which span events (if any) an orchestration run emitted.
type recordingSpanProcessor struct {
	ended []sdktrace.ReadOnlySpan
}

func (r *recordingSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}
func (r *recordingSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan)                   { r.ended = append(r.ended, s) }
func (r *recordingSpanProcessor) Shutdown(context.Context) error                 { return nil }
func (r *recordingSpanProcessor) ForceFlush(context.Context) error               { return nil }

func withRecordedSpan(t *testing.T) (context.Context, *recordingSpanProcessor, func()) {
	t.Helper()
	rp := &recordingSpanProcessor{}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rp))
	ctx, span := tp.Tracer("council_test").Start(context.Background(), "test-root")
	return ctx, rp, func() { span.End() }
}

func TestOrchestrator_Process_EmitsSpanEventsOnlyWhenMetricsTrackingEnabled(t *testing.T) {
	ctx, rp, end := withRecordedSpan(t)
	o := newTestOrchestratorWithEnv(t, twoMemberBundle(0), map[string]*provider.FakeMember{
		"m1": {Content: "a"},
		"m2": {Content: "a"},
	}, &core.EnvConfig{Env: core.EnvTest, EnableMetricsTracking: true})

	_, _, err := o.Process(ctx, core.UserRequest{ID: "req-metrics-on", Query: "q"}, "")
	require.NoError(t, err)
	end()

	require.Len(t, rp.ended, 1)
	events := rp.ended[0].Events()
	var names []string
	for _, e := range events {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "orchestrator.process.start")
	assert.Contains(t, names, "orchestrator.process.complete")
}

func TestOrchestrator_Process_SkipsSpanEventsWhenMetricsTrackingDisabled(t *testing.T) {
	ctx, rp, end := withRecordedSpan(t)
	o := newTestOrchestratorWithEnv(t, twoMemberBundle(0), map[string]*provider.FakeMember{
		"m1": {Content: "a"},
		"m2": {Content: "a"},
	}, &core.EnvConfig{Env: core.EnvTest, EnableMetricsTracking: false})

	_, _, err := o.Process(ctx, core.UserRequest{ID: "req-metrics-off", Query: "q"}, "")
	require.NoError(t, err)
	end()

	require.Len(t, rp.ended, 1)
	assert.Empty(t, rp.ended[0].Events(), "no span events should fire when EnableMetricsTracking is false")
}

func TestOrchestrator_Process_HappyPathReturnsConsensusDecision(t *testing.T) {
	o := newTestOrchestrator(t, twoMemberBundle(0), map[string]*provider.FakeMember{
		"m1": {Content: "paris is the capital of france"},
		"m2": {Content: "paris is the capital of france"},
	})

	decision, metrics, err := o.Process(context.Background(), core.UserRequest{ID: "req-1", Query: "capital of france?"}, "")
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Contains(t, decision.Content, "paris is the capital of france")
	assert.Equal(t, 2, metrics.MembersParticipated)
}

func TestOrchestrator_Process_RunsDeliberationRoundsAndPersistsThread(t *testing.T) {
	o := newTestOrchestrator(t, twoMemberBundle(1), map[string]*provider.FakeMember{
		"m1": {Sequence: []string{"initial m1", "revised m1"}},
		"m2": {Sequence: []string{"initial m2", "revised m2"}},
	})

	decision, metrics, err := o.Process(context.Background(), core.UserRequest{ID: "req-2", Query: "anything"}, "")
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, 1, metrics.RoundsRun)

	stored, getErr := o.requests.Get(context.Background(), "req-2")
	require.NoError(t, getErr)
	assert.Equal(t, core.StatusCompleted, stored.Status)
	assert.Equal(t, "req-2", stored.DeliberationRef)

	thread, getErr := o.deliberations.Get(context.Background(), "req-2")
	require.NoError(t, getErr)
	require.Len(t, thread.Rounds, 1)
}

func TestOrchestrator_Process_UnknownPresetFailsFastAsConfigError(t *testing.T) {
	o := newTestOrchestrator(t, twoMemberBundle(0), map[string]*provider.FakeMember{
		"m1": {Content: "a"},
		"m2": {Content: "a"},
	})

	decision, _, err := o.Process(context.Background(), core.UserRequest{ID: "req-3", Query: "q", PresetName: "no-such-preset"}, "")
	require.Error(t, err)
	assert.Nil(t, decision)

	stored, getErr := o.requests.Get(context.Background(), "req-3")
	require.NoError(t, getErr)
	assert.Equal(t, core.StatusFailed, stored.Status)
}

func TestOrchestrator_Process_InsufficientCouncilFailsWhenQuorumRequired(t *testing.T) {
	bundle := twoMemberBundle(0)
	bundle.Council.RequireQuorum = true
	bundle.Council.MinimumSize = 2

	o := newTestOrchestrator(t, bundle, map[string]*provider.FakeMember{
		"m1": {Content: "ok"},
		// m2 deliberately unregistered so its call errors out.
	})

	decision, _, err := o.Process(context.Background(), core.UserRequest{ID: "req-4", Query: "q"}, "")
	require.Error(t, err)
	assert.Nil(t, decision)

	cerr, ok := core.AsCouncilError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeInsufficientCouncil, cerr.Code)

	stored, getErr := o.requests.Get(context.Background(), "req-4")
	require.NoError(t, getErr)
	assert.Equal(t, core.StatusFailed, stored.Status)
}

func TestOrchestrator_Process_CachesIdempotentResultOnSuccess(t *testing.T) {
	o := newTestOrchestrator(t, twoMemberBundle(0), map[string]*provider.FakeMember{
		"m1": {Content: "shared answer"},
		"m2": {Content: "shared answer"},
	})

	scopedKey := registry.ScopedKey("user-1", "client-key")
	decision, _, err := o.Process(context.Background(), core.UserRequest{ID: "req-5", Query: "q"}, scopedKey)
	require.NoError(t, err)
	require.NotNil(t, decision)

	rec, err := o.idempotency.WaitForCompletion(context.Background(), scopedKey)
	require.NoError(t, err)
	assert.Equal(t, core.IdempotencyCompleted, rec.State)
	assert.Equal(t, decision.Content, rec.Result.Content)
}
