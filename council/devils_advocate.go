package council

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/alias8818/CouncilRouter-sub001/core"
	"github.com/alias8818/CouncilRouter-sub001/provider"
)

// Severity is the critique's assessed severity level.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

// Critique is DevilsAdvocate's structured assessment of a synthesis.
type Critique struct {
	Weaknesses  []string
	Suggestions []string
	Severity    Severity
}

// critiqueStrength maps severity to the confidence-penalty input (spec
// §4.3: minor 0, moderate 0.5, critical 1).
func (c Critique) critiqueStrength() float64 {
	switch c.Severity {
	case SeverityCritical:
		return 1
	case SeverityModerate:
		return 0.5
	default:
		return 0
	}
}

// DevilsAdvocate is C8: an optional critique+rewrite pass over a synthesis
// result, invoking one designated council member as the critic.
type DevilsAdvocate struct {
	pool   provider.Pool
	logger core.Logger
}

// NewDevilsAdvocate builds a DevilsAdvocate over pool.
func NewDevilsAdvocate(pool provider.Pool, logger core.Logger) *DevilsAdvocate {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("council/devils-advocate")
	}
	return &DevilsAdvocate{pool: pool, logger: logger}
}

var listItemPattern = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+(.+)$`)

var severityPattern = regexp.MustCompile(`(?i)severity\s*[:=]\s*\**\s*(minor|moderate|critical)\b`)

// Critique invokes critic with a critique prompt and parses weaknesses,
// suggestions, and severity out of its free-form response. A response that
// doesn't follow the expected "Weaknesses:" / "Suggestions:" section
// layout falls back to treating every bulleted/numbered line as a
// weakness, per spec §4.3. Severity comes from a "Severity: minor|moderate|
// critical" line when the response has one, and otherwise from the number
// of weaknesses found.
func (d *DevilsAdvocate) Critique(ctx context.Context, critic core.CouncilMember, query string, synthesis core.ConsensusDecision, responses []core.InitialResponse) (Critique, error) {
	prompt := buildCritiquePrompt(query, synthesis, responses)
	result, err := d.pool.Call(ctx, critic, prompt, provider.CallOptions{Model: critic.ModelName})
	if err != nil {
		return Critique{}, core.NewError("devilsadvocate.Critique", core.CodeProcessingError, "critic call failed", err)
	}

	weaknesses, suggestions := parseCritiqueSections(result.Content)
	severity := severityFromCount(len(weaknesses))
	if m := severityPattern.FindStringSubmatch(result.Content); m != nil {
		severity = Severity(strings.ToLower(m[1]))
	}

	return Critique{Weaknesses: weaknesses, Suggestions: suggestions, Severity: severity}, nil
}

func severityFromCount(n int) Severity {
	switch {
	case n >= 5:
		return SeverityCritical
	case n >= 2:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

func parseCritiqueSections(content string) (weaknesses, suggestions []string) {
	lower := strings.ToLower(content)
	wIdx := strings.Index(lower, "weakness")
	sIdx := strings.Index(lower, "suggestion")

	if wIdx >= 0 && sIdx > wIdx {
		weaknesses = extractListItems(content[wIdx:sIdx])
		suggestions = extractListItems(content[sIdx:])
		return
	}
	if wIdx >= 0 {
		weaknesses = extractListItems(content[wIdx:])
		return
	}

	// Fall back to scanning every bulleted/numbered list item as a
	// weakness when no labeled sections are present.
	weaknesses = extractListItems(content)
	return
}

func extractListItems(s string) []string {
	matches := listItemPattern.FindAllStringSubmatch(s, -1)
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		items = append(items, strings.TrimSpace(m[1]))
	}
	return items
}

// Rewrite asks critic for an improved answer given the critique. On any
// failure (provider error, empty response) the original synthesis content
// is returned unchanged, per spec §4.3.
func (d *DevilsAdvocate) Rewrite(ctx context.Context, critic core.CouncilMember, query string, synthesis core.ConsensusDecision, critique Critique) string {
	prompt := buildRewritePrompt(query, synthesis, critique)
	result, err := d.pool.Call(ctx, critic, prompt, provider.CallOptions{Model: critic.ModelName})
	if err != nil || strings.TrimSpace(result.Content) == "" {
		d.logger.WarnWithContext(ctx, "devils-advocate rewrite failed, keeping original synthesis", map[string]interface{}{
			"error": errString(err),
		})
		return synthesis.Content
	}
	return result.Content
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// SynthesizeWithCritique runs Critique, then Rewrite iff the critique is
// non-trivial (severity != minor or any weakness found), always logging
// the outcome. Confidence is adjusted per the clamp rule in spec §4.3.
func (d *DevilsAdvocate) SynthesizeWithCritique(ctx context.Context, critic core.CouncilMember, query string, synthesis core.ConsensusDecision, responses []core.InitialResponse) core.ConsensusDecision {
	critique, err := d.Critique(ctx, critic, query, synthesis, responses)
	if err != nil {
		d.logger.WarnWithContext(ctx, "devils-advocate critique failed, keeping original synthesis", map[string]interface{}{
			"error": err.Error(),
		})
		return synthesis
	}

	if critique.Severity == SeverityMinor && len(critique.Weaknesses) == 0 {
		d.logger.InfoWithContext(ctx, "devils-advocate found no issues", nil)
		return synthesis
	}

	rewritten := synthesis
	rewritten.Content = d.Rewrite(ctx, critic, query, synthesis, critique)
	rewritten.Confidence = adjustConfidence(synthesis.Confidence, critique.critiqueStrength())

	d.logger.InfoWithContext(ctx, "devils-advocate rewrote synthesis", map[string]interface{}{
		"severity":   critique.Severity,
		"weaknesses": len(critique.Weaknesses),
	})
	return rewritten
}

func confidenceScore(c core.Confidence) float64 {
	switch c {
	case core.ConfidenceHigh:
		return 1.0
	case core.ConfidenceMedium:
		return 0.7
	default:
		return 0.3
	}
}

func confidenceFromScore(score float64) core.Confidence {
	switch {
	case score > 0.85:
		return core.ConfidenceHigh
	case score >= 0.6:
		return core.ConfidenceMedium
	default:
		return core.ConfidenceLow
	}
}

// adjustConfidence implements clamp(base - 0.3*critiqueStrength, 0, 1),
// operating on a numeric proxy for the discrete Confidence levels and
// mapping back to the nearest level.
func adjustConfidence(base core.Confidence, strength float64) core.Confidence {
	score := confidenceScore(base) - 0.3*strength
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return confidenceFromScore(score)
}

func buildCritiquePrompt(query string, synthesis core.ConsensusDecision, responses []core.InitialResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nProposed consensus answer:\n%s\n\n", query, synthesis.Content)
	b.WriteString("List this answer's Weaknesses: and Suggestions: as separate bulleted sections.\n")
	return b.String()
}

func buildRewritePrompt(query string, synthesis core.ConsensusDecision, critique Critique) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nOriginal answer:\n%s\n\n", query, synthesis.Content)
	b.WriteString("Weaknesses found:\n")
	for _, w := range critique.Weaknesses {
		fmt.Fprintf(&b, "- %s\n", w)
	}
	b.WriteString("\nRewrite the answer to address these weaknesses.\n")
	return b.String()
}
