package core

import "time"

// CouncilConfig names the set of members that make up the active council.
type CouncilConfig struct {
	Members       []CouncilMember `yaml:"members" json:"members"`
	MinimumSize   int             `yaml:"minimumSize" json:"minimumSize"`
	RequireQuorum bool            `yaml:"requireMinimumForConsensus" json:"requireMinimumForConsensus"`
}

// DeliberationConfig bounds the deliberation loop.
type DeliberationConfig struct {
	Rounds                    int     `yaml:"rounds" json:"rounds"`
	EarlyTerminationThreshold float64 `yaml:"earlyTerminationThreshold" json:"earlyTerminationThreshold"`
	RedactOwnResponse         bool    `yaml:"redactOwnResponse" json:"redactOwnResponse"`
}

// SynthesisStrategyKind is the tagged-union discriminant for SynthesisConfig.
type SynthesisStrategyKind string

const (
	StrategyConsensusExtraction SynthesisStrategyKind = "consensus-extraction"
	StrategyWeightedFusion      SynthesisStrategyKind = "weighted-fusion"
	StrategyMetaSynthesis       SynthesisStrategyKind = "meta-synthesis"
)

// ModeratorPolicy selects how meta-synthesis picks its moderator.
type ModeratorPolicy string

const (
	ModeratorPermanent ModeratorPolicy = "permanent"
	ModeratorRotate    ModeratorPolicy = "rotate"
	ModeratorStrongest ModeratorPolicy = "strongest"
)

// SynthesisConfig is a tagged union: only the fields relevant to Strategy
// are meaningful, making invalid combinations representable but rejected
// by Validate.
type SynthesisConfig struct {
	Strategy           SynthesisStrategyKind `yaml:"strategy" json:"strategy"`
	AgreementThreshold float64               `yaml:"agreementThreshold" json:"agreementThreshold"`

	// weighted-fusion
	Weights map[string]float64 `yaml:"weights" json:"weights,omitempty"`

	// meta-synthesis
	ModeratorPolicy   ModeratorPolicy `yaml:"moderatorPolicy" json:"moderatorPolicy,omitempty"`
	ModeratorMemberID string          `yaml:"moderatorMemberId" json:"moderatorMemberId,omitempty"`
}

// Validate checks strategy-specific invariants, e.g. weighted-fusion
// requiring a non-empty positive weight map (spec §4.2 strategy 2).
func (s SynthesisConfig) Validate() error {
	switch s.Strategy {
	case StrategyWeightedFusion:
		if len(s.Weights) == 0 {
			return NewError("synthesis.Validate", CodeConfigError, "weighted-fusion requires a non-empty weights map", nil)
		}
		for id, w := range s.Weights {
			if w <= 0 || w != w { // w != w catches NaN
				return NewError("synthesis.Validate", CodeConfigError, "weighted-fusion weight for "+id+" must be > 0", nil)
			}
		}
	case StrategyMetaSynthesis:
		if s.ModeratorPolicy == ModeratorPermanent && s.ModeratorMemberID == "" {
			return NewError("synthesis.Validate", CodeConfigError, "meta-synthesis with permanent policy requires moderatorMemberId", nil)
		}
	case StrategyConsensusExtraction:
		// no extra requirements
	default:
		return NewError("synthesis.Validate", CodeConfigError, "unknown synthesis strategy: "+string(s.Strategy), nil)
	}
	return nil
}

// PerformanceConfig holds the global orchestration timeout and margin.
type PerformanceConfig struct {
	GlobalTimeout time.Duration `yaml:"globalTimeout" json:"globalTimeout"`
	Margin        time.Duration `yaml:"margin" json:"margin"`
}

// TransparencyConfig controls what provenance detail is surfaced to
// clients (per-request transparency flag, spec §6 ENABLE_PER_REQUEST_TRANSPARENCY).
type TransparencyConfig struct {
	IncludeDeliberationInResponse bool `yaml:"includeDeliberationInResponse" json:"includeDeliberationInResponse"`
	IncludeMemberLatencies        bool `yaml:"includeMemberLatencies" json:"includeMemberLatencies"`
}

// DevilsAdvocateConfig configures the optional critique/rewrite pass.
type DevilsAdvocateConfig struct {
	Enabled              bool   `yaml:"enabled" json:"enabled"`
	CriticMemberID       string `yaml:"criticMemberId" json:"criticMemberId"`
	ApplyToCodeRequests  bool   `yaml:"applyToCodeRequests" json:"applyToCodeRequests"`
	ApplyToTextRequests  bool   `yaml:"applyToTextRequests" json:"applyToTextRequests"`
}

// ConfigBundle is the full set of versioned config a request is resolved
// against; consumers receive an immutable snapshot valid for one request.
type ConfigBundle struct {
	Council       CouncilConfig         `json:"council"`
	Deliberation  DeliberationConfig    `json:"deliberation"`
	Synthesis     SynthesisConfig       `json:"synthesis"`
	Performance   PerformanceConfig     `json:"performance"`
	Transparency  TransparencyConfig    `json:"transparency"`
	DevilsAdvocate *DevilsAdvocateConfig `json:"devilsAdvocate,omitempty"`
	Version       int                   `json:"version"`
}
