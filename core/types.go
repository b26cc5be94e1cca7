package core

import "time"

// Message is one turn of bounded conversation context carried alongside a
// UserRequest (spec §3: "context (message list + token total ≤ 4000)").
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserRequest is the validated, sanitized representation of one incoming
// query. Its ID is immutable once assigned; the struct itself is discarded
// after orchestration, only surviving via the fields copied onto
// StoredRequest.
type UserRequest struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Query      string    `json:"query"`
	SessionID  string    `json:"sessionId,omitempty"`
	Context    []Message `json:"context,omitempty"`
	PresetName string    `json:"presetName,omitempty"`
	Streaming  bool      `json:"streaming"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RetryPolicy configures per-member retry behavior for provider calls.
// RetryableErrorKinds, when non-empty, narrows retry eligibility to just
// those error kinds (as classified by classifyErrorKind, e.g. "timeout",
// "provider_error", or a CouncilError Code string); empty means "use the
// global classifier" (spec §3 RetryPolicy.retryableErrorKinds, §4.1 step 2).
type RetryPolicy struct {
	MaxAttempts         int      `yaml:"maxAttempts" json:"maxAttempts"`
	InitialDelayMs      int      `yaml:"initialDelayMs" json:"initialDelayMs"`
	MaxDelayMs          int      `yaml:"maxDelayMs" json:"maxDelayMs"`
	BackoffMultiplier   float64  `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	RetryableErrorKinds []string `yaml:"retryableErrorKinds,omitempty" json:"retryableErrorKinds,omitempty"`
}

// InitialDelay and MaxDelay as time.Duration convenience accessors.
func (p RetryPolicy) InitialDelay() time.Duration { return time.Duration(p.InitialDelayMs) * time.Millisecond }
func (p RetryPolicy) MaxDelay() time.Duration      { return time.Duration(p.MaxDelayMs) * time.Millisecond }

// CouncilMember describes one council participant.
type CouncilMember struct {
	ID          string      `yaml:"id" json:"id"`
	ProviderTag string      `yaml:"providerTag" json:"providerTag"`
	ModelName   string      `yaml:"modelName" json:"modelName"`
	TimeoutSec  int         `yaml:"timeoutSec" json:"timeoutSec"`
	Retry       RetryPolicy `yaml:"retry" json:"retry"`
	Weight      float64     `yaml:"weight" json:"weight"`
}

// InitialResponse is one member's outcome for a single dispatch round.
type InitialResponse struct {
	MemberID         string  `json:"memberId"`
	Content          string  `json:"content"`
	LatencyMs        int64   `json:"latencyMs"`
	Cost             float64 `json:"cost"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	OK               bool    `json:"ok"`
	ErrorKind        string  `json:"errorKind,omitempty"`
}

// Exchange is one member's contribution within a deliberation round.
type Exchange struct {
	RequestID     string    `json:"requestId"`
	RoundNumber   int       `json:"roundNumber"`
	MemberID      string    `json:"memberId"`
	Content       string    `json:"content"`
	TargetMemberID string   `json:"targetMemberId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DeliberationRound is one pass of the deliberation loop.
type DeliberationRound struct {
	Number           int        `json:"number"`
	Exchanges        []Exchange `json:"exchanges"`
	ConsensusReached bool       `json:"consensusReached"`
	Timestamp        time.Time  `json:"timestamp"`
}

// DeliberationThread is the ordered, gap-free history of rounds for one
// request.
type DeliberationThread struct {
	RequestID string              `json:"requestId"`
	Rounds    []DeliberationRound `json:"rounds"`
}

// Confidence is one of the three discrete confidence levels a synthesis
// strategy may report.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConsensusDecision is the single answer returned to the user.
type ConsensusDecision struct {
	Content               string     `json:"content"`
	Confidence            Confidence `json:"confidence"`
	AgreementLevel        float64    `json:"agreementLevel"`
	SynthesisStrategy     string     `json:"synthesisStrategy"`
	ContributingMemberIDs []string   `json:"contributingMemberIds"`
	Timestamp             time.Time  `json:"timestamp"`
}

// RequestStatus is the lifecycle status of a StoredRequest. Transitions
// are monotonic: processing -> completed or processing -> failed; no
// other edges exist.
type RequestStatus string

const (
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// StoredRequest is the durable lifecycle record owned by RequestRegistry.
type StoredRequest struct {
	ID             string             `json:"id"`
	Status         RequestStatus      `json:"status"`
	Decision       *ConsensusDecision `json:"decision,omitempty"`
	Error          *CouncilError      `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	DeliberationRef string            `json:"deliberationRef,omitempty"`
}

// IdempotencyState is the state of one IdempotencyRecord.
type IdempotencyState string

const (
	IdempotencyInProgress IdempotencyState = "in-progress"
	IdempotencyCompleted  IdempotencyState = "completed"
	IdempotencyFailed     IdempotencyState = "failed"
)

// Metrics is the per-request accounting Orchestrator.Process returns
// alongside the decision: total cost/tokens across every provider call
// made (including retries and deliberation rounds) and wall-clock latency.
type Metrics struct {
	TotalCost             float64       `json:"totalCost"`
	TotalPromptTokens     int           `json:"totalPromptTokens"`
	TotalCompletionTokens int           `json:"totalCompletionTokens"`
	RoundsRun             int           `json:"roundsRun"`
	MembersParticipated   int           `json:"membersParticipated"`
	Duration              time.Duration `json:"durationNs"`
}

// IdempotencyRecord dedups concurrent submissions for (user, client key).
type IdempotencyRecord struct {
	ScopedKey string           `json:"scopedKey"`
	State     IdempotencyState `json:"state"`
	RequestID string           `json:"requestId"`
	Result    *ConsensusDecision `json:"result,omitempty"`
	ExpiresAt time.Time        `json:"expiresAt"`
}
