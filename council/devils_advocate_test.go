package council

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/provider"
)

var critic = core.CouncilMember{ID: "critic", ModelName: "critic-model"}

func TestCritique_ParsesLabeledSections(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Content: "Weaknesses:\n- too vague\n- missing citations\n\nSuggestions:\n- add a source\n"},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})

	c, err := da.Critique(context.Background(), critic, "q", core.ConsensusDecision{Content: "answer"}, nil)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"too vague", "missing citations"}, c.Weaknesses)
	assert.ElementsMatch(t, []string{"add a source"}, c.Suggestions)
	assert.Equal(t, SeverityModerate, c.Severity)
}

func TestCritique_FallsBackToScanningBulletsWithoutLabels(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Content: "- first issue\n- second issue\n- third issue\n- fourth issue\n- fifth issue\n"},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})

	c, err := da.Critique(context.Background(), critic, "q", core.ConsensusDecision{Content: "answer"}, nil)

	require.NoError(t, err)
	assert.Len(t, c.Weaknesses, 5)
	assert.Equal(t, SeverityCritical, c.Severity)
}

func TestCritique_NoIssuesFoundIsMinor(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Content: "This answer looks solid with no notable issues."},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})

	c, err := da.Critique(context.Background(), critic, "q", core.ConsensusDecision{Content: "answer"}, nil)

	require.NoError(t, err)
	assert.Empty(t, c.Weaknesses)
	assert.Equal(t, SeverityMinor, c.Severity)
}

func TestCritique_ProviderErrorIsWrapped(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Err: errors.New("boom")},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})

	_, err := da.Critique(context.Background(), critic, "q", core.ConsensusDecision{Content: "answer"}, nil)

	require.Error(t, err)
	cerr, ok := core.AsCouncilError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeProcessingError, cerr.Code)
}

func TestRewrite_ReturnsOriginalOnProviderFailure(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Err: errors.New("boom")},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})
	synthesis := core.ConsensusDecision{Content: "original content"}

	got := da.Rewrite(context.Background(), critic, "q", synthesis, Critique{Severity: SeverityModerate})

	assert.Equal(t, "original content", got)
}

func TestRewrite_ReturnsOriginalOnEmptyResponse(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Content: "   "},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})
	synthesis := core.ConsensusDecision{Content: "original content"}

	got := da.Rewrite(context.Background(), critic, "q", synthesis, Critique{Severity: SeverityModerate})

	assert.Equal(t, "original content", got)
}

func TestRewrite_ReturnsNewContentOnSuccess(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Content: "a better answer"},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})
	synthesis := core.ConsensusDecision{Content: "original content"}

	got := da.Rewrite(context.Background(), critic, "q", synthesis, Critique{Severity: SeverityModerate})

	assert.Equal(t, "a better answer", got)
}

func TestSynthesizeWithCritique_NoIssuesLeavesSynthesisUnchanged(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Content: "No issues found."},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})
	synthesis := core.ConsensusDecision{Content: "original content", Confidence: core.ConfidenceHigh}

	got := da.SynthesizeWithCritique(context.Background(), critic, "q", synthesis, nil)

	assert.Equal(t, synthesis, got)
}

func TestSynthesizeWithCritique_CriticalSeverityClampsConfidenceDown(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {
			Sequence: []string{
				"Weaknesses:\n- a\n- b\n- c\n- d\n- e\n",
				"a meaningfully rewritten answer",
			},
		},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})
	synthesis := core.ConsensusDecision{Content: "original content", Confidence: core.ConfidenceHigh}

	got := da.SynthesizeWithCritique(context.Background(), critic, "q", synthesis, nil)

	assert.Equal(t, "a meaningfully rewritten answer", got.Content)
	assert.NotEqual(t, core.ConfidenceHigh, got.Confidence)
}

func TestSynthesizeWithCritique_CritiqueFailureKeepsOriginal(t *testing.T) {
	pool := provider.NewFakePool(map[string]*provider.FakeMember{
		"critic": {Err: errors.New("boom")},
	})
	da := NewDevilsAdvocate(pool, core.NoOpLogger{})
	synthesis := core.ConsensusDecision{Content: "original content", Confidence: core.ConfidenceMedium}

	got := da.SynthesizeWithCritique(context.Background(), critic, "q", synthesis, nil)

	assert.Equal(t, synthesis, got)
}

func TestAdjustConfidence_ClampsToZero(t *testing.T) {
	assert.Equal(t, core.ConfidenceLow, adjustConfidence(core.ConfidenceLow, 1.0))
}

func TestAdjustConfidence_NoStrengthLeavesBaseUnchanged(t *testing.T) {
	assert.Equal(t, core.ConfidenceHigh, adjustConfidence(core.ConfidenceHigh, 0))
}
