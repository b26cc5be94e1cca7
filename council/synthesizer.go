package council

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/provider"
)

// Synthesizer reduces a round's responses, plus the full deliberation
// thread, into one ConsensusDecision under a configured strategy. Grounded
// on the teacher's orchestration.AISynthesizer 3-strategy dispatch, adapted
// from "plan step results -> prose answer" to "N model answers -> one
// consensus answer".
type Synthesizer struct {
	pool   provider.Pool
	logger core.Logger
}

// NewSynthesizer builds a Synthesizer over pool, used only by the
// meta-synthesis strategy to query the moderator member.
func NewSynthesizer(pool provider.Pool, logger core.Logger) *Synthesizer {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("council/synthesizer")
	}
	return &Synthesizer{pool: pool, logger: logger}
}

// Synthesize dispatches to the strategy named in cfg.Strategy. responses
// must be non-empty; thread may be empty for a single-round request.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, responses []core.InitialResponse, thread core.DeliberationThread, cfg core.SynthesisConfig, members []core.CouncilMember) (*core.ConsensusDecision, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, core.NewError("synthesizer.Synthesize", core.CodeInsufficientCouncil, "no responses to synthesize", nil)
	}

	switch cfg.Strategy {
	case core.StrategyWeightedFusion:
		return s.weightedFusion(responses, cfg)
	case core.StrategyMetaSynthesis:
		return s.metaSynthesis(ctx, query, responses, thread, cfg, members)
	default:
		return s.consensusExtraction(responses, cfg)
	}
}

func confidenceFromAgreement(agreement float64) core.Confidence {
	switch {
	case agreement > 0.85:
		return core.ConfidenceHigh
	case agreement >= 0.6:
		return core.ConfidenceMedium
	default:
		return core.ConfidenceLow
	}
}

// consensusExtraction is strategy 1: find the maximal mutually-agreeing
// subset of responses and synthesize their shared content.
func (s *Synthesizer) consensusExtraction(responses []core.InitialResponse, cfg core.SynthesisConfig) (*core.ConsensusDecision, error) {
	contents := make([]string, len(responses))
	for i, r := range responses {
		contents[i] = r.Content
	}

	subset := maximalAgreementSubset(contents, cfg.AgreementThreshold)
	subsetContents := make([]string, len(subset))
	memberIDs := make([]string, len(subset))
	for i, idx := range subset {
		subsetContents[i] = responses[idx].Content
		memberIDs[i] = responses[idx].MemberID
	}

	agreement := meanPairwiseSimilarity(subsetContents)
	content := synthesizeSharedContent(subsetContents)

	return &core.ConsensusDecision{
		Content:               content,
		Confidence:            confidenceFromAgreement(agreement),
		AgreementLevel:        agreement,
		SynthesisStrategy:     string(core.StrategyConsensusExtraction),
		ContributingMemberIDs: memberIDs,
		Timestamp:             time.Now(),
	}, nil
}

// synthesizeSharedContent picks the response whose average similarity to
// the rest of the subset is highest (the "centroid"), used as the decision
// content. A single-element subset is returned verbatim.
func synthesizeSharedContent(contents []string) string {
	if len(contents) == 1 {
		return contents[0]
	}
	idx := maximalAgreementSubset(contents, 1.1) // force centroid fallback
	return contents[idx[0]]
}

// weightedFusion is strategy 2: concatenate each member's contribution in
// descending weight order, each tagged with its share of the total weight.
func (s *Synthesizer) weightedFusion(responses []core.InitialResponse, cfg core.SynthesisConfig) (*core.ConsensusDecision, error) {
	var total float64
	items := make([]weightedResponse, 0, len(responses))
	for _, r := range responses {
		w, ok := cfg.Weights[r.MemberID]
		if !ok || w <= 0 {
			continue
		}
		items = append(items, weightedResponse{resp: r, weight: w})
		total += w
	}
	if len(items) == 0 {
		return nil, core.NewError("synthesizer.weightedFusion", core.CodeInsufficientCouncil, "no responding member has a configured weight", nil)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].weight > items[j].weight })

	var b strings.Builder
	memberIDs := make([]string, 0, len(items))
	contents := make([]string, 0, len(items))
	for _, it := range items {
		share := it.weight / total
		fmt.Fprintf(&b, "[%s, weight %.0f%%] %s\n\n", it.resp.MemberID, share*100, it.resp.Content)
		memberIDs = append(memberIDs, it.resp.MemberID)
		contents = append(contents, it.resp.Content)
	}

	weightedAgreement := weightedMeanSimilarity(contents, weightsInOrder(items), total)

	return &core.ConsensusDecision{
		Content:               strings.TrimSpace(b.String()),
		Confidence:            confidenceFromAgreement(weightedAgreement),
		AgreementLevel:        weightedAgreement,
		SynthesisStrategy:     string(core.StrategyWeightedFusion),
		ContributingMemberIDs: memberIDs,
		Timestamp:             time.Now(),
	}, nil
}

type weightedResponse struct {
	resp   core.InitialResponse
	weight float64
}

func weightsInOrder(items []weightedResponse) []float64 {
	w := make([]float64, len(items))
	for i, it := range items {
		w[i] = it.weight
	}
	return w
}

// weightedMeanSimilarity is the weighted mean of pairwise similarity,
// weighting each pair by the product of its two members' weight shares.
func weightedMeanSimilarity(contents []string, weights []float64, total float64) float64 {
	n := len(contents)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return 1
	}
	var sum, weightSum float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairWeight := (weights[i] / total) * (weights[j] / total)
			sum += jaccardShingleSimilarity(contents[i], contents[j]) * pairWeight
			weightSum += pairWeight
		}
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// metaSynthesis is strategy 3: pick a moderator member per cfg.ModeratorPolicy
// and feed it the full thread.
func (s *Synthesizer) metaSynthesis(ctx context.Context, query string, responses []core.InitialResponse, thread core.DeliberationThread, cfg core.SynthesisConfig, members []core.CouncilMember) (*core.ConsensusDecision, error) {
	moderator, err := s.pickModerator(cfg, members, responses)
	if err != nil {
		return nil, err
	}

	prompt := buildSynthesisPrompt(query, responses, thread)
	result, err := s.pool.Call(ctx, moderator, prompt, provider.CallOptions{Model: moderator.ModelName})
	if err != nil {
		return nil, core.NewError("synthesizer.metaSynthesis", core.CodeProcessingError, "moderator call failed", err)
	}

	contents := make([]string, len(responses))
	memberIDs := make([]string, len(responses))
	for i, r := range responses {
		contents[i] = r.Content
		memberIDs[i] = r.MemberID
	}

	return &core.ConsensusDecision{
		Content:               result.Content,
		Confidence:            confidenceFromAgreement(meanPairwiseSimilarity(contents)),
		AgreementLevel:        meanPairwiseSimilarity(contents),
		SynthesisStrategy:     string(core.StrategyMetaSynthesis),
		ContributingMemberIDs: memberIDs,
		Timestamp:             time.Now(),
	}, nil
}

func (s *Synthesizer) pickModerator(cfg core.SynthesisConfig, members []core.CouncilMember, responses []core.InitialResponse) (core.CouncilMember, error) {
	byID := make(map[string]core.CouncilMember, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	switch cfg.ModeratorPolicy {
	case core.ModeratorPermanent:
		m, ok := byID[cfg.ModeratorMemberID]
		if !ok {
			return core.CouncilMember{}, core.NewError("synthesizer.pickModerator", core.CodeConfigError,
				fmt.Sprintf("moderator member %q not in council", cfg.ModeratorMemberID), nil)
		}
		return m, nil
	case core.ModeratorStrongest:
		// There is no model-ranking collaborator here; a member's declared
		// weight stands in as its ranking.
		best, ok := strongestResponder(members, responses)
		if !ok {
			return core.CouncilMember{}, core.NewError("synthesizer.pickModerator", core.CodeInsufficientCouncil, "no responding member to moderate", nil)
		}
		return best, nil
	default: // rotate
		if len(responses) == 0 {
			return core.CouncilMember{}, core.NewError("synthesizer.pickModerator", core.CodeInsufficientCouncil, "no responding member to moderate", nil)
		}
		idx := int(time.Now().UnixNano()) % len(responses)
		if idx < 0 {
			idx = -idx
		}
		m, ok := byID[responses[idx].MemberID]
		if !ok {
			return core.CouncilMember{}, core.NewError("synthesizer.pickModerator", core.CodeInsufficientCouncil, "rotated member not in council", nil)
		}
		return m, nil
	}
}

func strongestResponder(members []core.CouncilMember, responses []core.InitialResponse) (core.CouncilMember, bool) {
	byID := make(map[string]core.CouncilMember, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	var best core.CouncilMember
	var bestWeight float64 = -1
	found := false
	for _, r := range responses {
		m, ok := byID[r.MemberID]
		if !ok {
			continue
		}
		if m.Weight > bestWeight {
			best, bestWeight, found = m, m.Weight, true
		}
	}
	return best, found
}

func buildSynthesisPrompt(query string, responses []core.InitialResponse, thread core.DeliberationThread) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n\n", query)
	fmt.Fprintf(&b, "Candidate answers:\n")
	for _, r := range responses {
		fmt.Fprintf(&b, "- [%s] %s\n", r.MemberID, r.Content)
	}
	if len(thread.Rounds) > 0 {
		fmt.Fprintf(&b, "\nDeliberation history:\n")
		for _, round := range thread.Rounds {
			for _, ex := range round.Exchanges {
				fmt.Fprintf(&b, "round %d [%s]: %s\n", round.Number, ex.MemberID, ex.Content)
			}
		}
	}
	b.WriteString("\nSynthesize a single consensus answer.")
	return b.String()
}
