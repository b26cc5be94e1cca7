package council

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/provider"
	"github.com/alias8818/CouncilRouter-sub001/resilience"
)

// dispatchRound sends one round to every member in parallel, each under its
// own timeout/retry/circuit-breaker policy. With prior == nil this is round
// 0 and each member gets {context, query}; with prior set (a deliberation
// round) each member instead gets a deliberation prompt built from the
// previous round's answers. All
// members are joined before this returns — rounds are strictly serial
// (spec §5).
func (o *Orchestrator) dispatchRound(ctx context.Context, members []core.CouncilMember, convContext []core.Message, query string, prior map[string]string, redactOwn bool) []core.InitialResponse {
	prompt := buildInitialPrompt(convContext, query)

	results := make([]core.InitialResponse, len(members))
	var wg sync.WaitGroup
	wg.Add(len(members))

	for i, member := range members {
		go func(i int, member core.CouncilMember) {
			defer wg.Done()
			memberPrompt := prompt
			if prior != nil {
				memberPrompt = buildDeliberationPrompt(query, prior, member.ID, redactOwn)
			}
			results[i] = o.callMember(ctx, member, memberPrompt)
		}(i, member)
	}

	wg.Wait()
	return results
}

// callMember runs one member's call through its retry policy and circuit
// breaker, translating any failure into a non-OK InitialResponse rather
// than propagating an error — fan-out failures are captured at this
// boundary per spec §7.
func (o *Orchestrator) callMember(ctx context.Context, member core.CouncilMember, prompt string) core.InitialResponse {
	memberCtx := ctx
	var cancel context.CancelFunc
	if member.TimeoutSec > 0 {
		memberCtx, cancel = context.WithTimeout(ctx, time.Duration(member.TimeoutSec)*time.Second)
		defer cancel()
	}

	cb := o.breakerFor(member.ID)
	retryCfg := resilience.FromPolicy(member.Retry)
	if retryCfg.MaxAttempts <= 0 {
		retryCfg = resilience.DefaultRetryConfig()
	}

	start := time.Now()
	var resp *provider.Response
	err := resilience.RetryWithCircuitBreaker(memberCtx, retryCfg, cb, func(callCtx context.Context) error {
		r, callErr := o.pool.Call(callCtx, member, prompt, provider.CallOptions{Model: member.ModelName})
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	latency := time.Since(start)

	if err != nil || resp == nil {
		return core.InitialResponse{
			MemberID:  member.ID,
			LatencyMs: latency.Milliseconds(),
			OK:        false,
			ErrorKind: classifyErrorKind(err),
		}
	}

	return core.InitialResponse{
		MemberID:         member.ID,
		Content:          resp.Content,
		LatencyMs:        latency.Milliseconds(),
		Cost:             resp.Cost,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		OK:               true,
	}
}

// classifyErrorKind mirrors the kind vocabulary resilience.Retry uses to
// evaluate a member's RetryableErrorKinds, so InitialResponse.ErrorKind
// always names the same kind that governed (or would have governed) retry
// eligibility for that call.
func classifyErrorKind(err error) string {
	return resilience.ClassifyErrorKind(err)
}

// dispatchDeliberationRound sends round k's prompts (original query plus
// every member's round k-1 content, redacted of the receiving member's own
// content when configured) and collects the resulting exchanges. Only
// members that responded successfully in the previous round participate.
func (o *Orchestrator) dispatchDeliberationRound(ctx context.Context, cfg core.ConfigBundle, previous []core.InitialResponse, query, requestID string, round int) ([]core.Exchange, []core.InitialResponse) {
	prior := make(map[string]string, len(previous))
	var participants []core.CouncilMember
	byID := make(map[string]core.CouncilMember, len(cfg.Council.Members))
	for _, m := range cfg.Council.Members {
		byID[m.ID] = m
	}
	for _, r := range previous {
		if !r.OK {
			continue
		}
		prior[r.MemberID] = r.Content
		if m, ok := byID[r.MemberID]; ok {
			participants = append(participants, m)
		}
	}

	responses := o.dispatchRound(ctx, participants, nil, query, prior, cfg.Deliberation.RedactOwnResponse)

	now := time.Now()
	exchanges := make([]core.Exchange, 0, len(responses))
	for _, r := range responses {
		if !r.OK {
			continue
		}
		exchanges = append(exchanges, core.Exchange{
			RequestID:   requestID,
			RoundNumber: round,
			MemberID:    r.MemberID,
			Content:     r.Content,
			Timestamp:   now,
		})
	}
	return exchanges, responses
}

func buildInitialPrompt(convContext []core.Message, query string) string {
	var b strings.Builder
	for _, m := range convContext {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString(query)
	return b.String()
}

func buildDeliberationPrompt(query string, prior map[string]string, selfID string, redactOwn bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n\nOther responses from the last round:\n", query)
	for memberID, content := range prior {
		if redactOwn && memberID == selfID {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", memberID, content)
	}
	b.WriteString("\nRevise your answer if warranted, or restate it if you stand by it.")
	return b.String()
}
