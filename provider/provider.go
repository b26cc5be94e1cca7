// Package provider defines the ProviderPool collaborator boundary the
// council orchestrator dispatches member calls through. The spec scopes
// the actual model backends out (C1 is an external collaborator); this
// package only carries the interface and the in-memory fake used by tests
// and local development, modeled on the teacher's core.AIClient and its
// StreamingMockAIClient test double.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// CallOptions narrows a council member's dispatch-time parameters, mirroring
// the teacher's core.AIOptions but trimmed to what a council call needs.
type CallOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// Pool is the external collaborator (C1) that turns a CouncilMember and a
// prompt into a model response. Implementations own provider auth,
// transport, and per-provider rate limits; the orchestrator only sees this
// interface.
type Pool interface {
	// Call invokes the member's backing model with prompt, honoring ctx's
	// deadline. A non-nil error is classified by resilience.ErrorClassifier
	// to decide whether it counts against that member's circuit breaker;
	// whether it is retried is decided separately by the member's
	// RetryableErrorKinds or, without them, core.IsRetryable.
	Call(ctx context.Context, member core.CouncilMember, prompt string, opts CallOptions) (*Response, error)
}

// Response is one model call's result.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Model            string
}

// FakeMember is one scripted member behavior for FakePool.
type FakeMember struct {
	Content string
	Latency time.Duration
	Err     error
	// Sequence, if set, returns successive contents on successive calls to
	// the same member (used to script deliberation-round replies).
	Sequence []string
}

// FakePool is an in-memory ProviderPool used by council/orchestrator tests
// and local `cmd/server` runs without real model credentials. It is safe
// for concurrent use across the fan-out goroutines.
type FakePool struct {
	mu      sync.Mutex
	members map[string]*FakeMember
	calls   map[string]int
}

var _ Pool = (*FakePool)(nil)

// NewFakePool builds a pool from a member-id -> scripted-behavior map.
func NewFakePool(members map[string]*FakeMember) *FakePool {
	return &FakePool{
		members: members,
		calls:   make(map[string]int),
	}
}

// Call implements Pool.
func (p *FakePool) Call(ctx context.Context, member core.CouncilMember, prompt string, opts CallOptions) (*Response, error) {
	p.mu.Lock()
	fm, ok := p.members[member.ID]
	callIndex := p.calls[member.ID]
	p.calls[member.ID] = callIndex + 1
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("provider: no fake registered for member %q", member.ID)
	}

	if fm.Latency > 0 {
		timer := time.NewTimer(fm.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if fm.Err != nil {
		return nil, fm.Err
	}

	content := fm.Content
	if len(fm.Sequence) > 0 {
		idx := callIndex
		if idx >= len(fm.Sequence) {
			idx = len(fm.Sequence) - 1
		}
		content = fm.Sequence[idx]
	}

	return &Response{
		Content:          content,
		PromptTokens:     len(prompt) / 4,
		CompletionTokens: len(content) / 4,
		Model:            member.ModelName,
	}, nil
}

// CallCount reports how many times Call was invoked for memberID, for
// assertions in tests.
func (p *FakePool) CallCount(memberID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[memberID]
}
