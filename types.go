package kaigi

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects the deliberation scheduling strategy.
type Mode string

const (
	ModeQuick      Mode = "quick"
	ModeConference Mode = "conference"
)

// Stance is a participant's assigned position going into a deliberation.
type Stance string

const (
	StanceFor     Stance = "for"
	StanceAgainst Stance = "against"
	StanceNeutral Stance = "neutral"
)

// Participant identifies one LLM seat in a deliberation. AdapterName must
// match the Name() of an Adapter registered via WithAdapter.
type Participant struct {
	AdapterName string
	ModelID     string
	Stance      Stance
}

// DeliberationRequest is the input to App.Deliberate.
type DeliberationRequest struct {
	Question     string
	Participants []Participant
	Mode         Mode
	Rounds       int // 0 uses the configured default
	Context      string
}

// ConsensusClass classifies the outcome of vote tallying.
type ConsensusClass string

const (
	ConsensusUnanimous ConsensusClass = "unanimous_consensus"
	ConsensusMajority  ConsensusClass = "majority_decision"
	ConsensusTie       ConsensusClass = "tie"
	ConsensusNoVotes   ConsensusClass = "no_votes"
)

// DeliberationResult is the curated public view of one orchestrated
// deliberation. It omits the full per-round transcript and tool
// execution records — callers that need those call the deliberate MCP
// tool directly, which returns the complete internal result as JSON.
type DeliberationResult struct {
	Question            string
	TotalRounds         int
	RoundsCompleted     int
	Status              string
	WinningOption       *string
	ConsensusClass      ConsensusClass
	ConvergenceDetected bool
	ConvergenceStatus   string
	TranscriptRef       string
}

// Decision is the public representation of a persisted decision node. A
// curated view of internal/model.DecisionNode — no internal imports.
type Decision struct {
	ID             uuid.UUID
	Question       string
	ConsensusClass ConsensusClass
	WinningOption  *string
	Participants   []string
	CreatedAt      time.Time
}

// ScoredDecision pairs a Decision with its similarity score against a
// query, as returned by App.SearchSimilar.
type ScoredDecision struct {
	Decision Decision
	Score    float64
}

// Contradiction is a pair of persisted decisions on similar questions
// whose winning options diverge.
type Contradiction struct {
	A          Decision
	B          Decision
	Similarity float64
}

// PatternSummary is the aggregate view returned by AnalyzePatterns.
type PatternSummary struct {
	TotalDecisions          int
	ConsensusHistogram      map[ConsensusClass]int
	MeanRoundsToConvergence float64
}

// Status is the Maintenance Monitor's overall health verdict.
type Status string

const (
	StatusHealthy        Status = "healthy"
	StatusNeedsAttention Status = "needs_attention"
)

// Stats is the Maintenance Monitor's get_stats() view.
type Stats struct {
	NodeCount        int
	EdgeCount        int
	AvgSimilarity    float64
	DBBytes          int64
	WorkerQueueDepth int
	WorkerOverflow   int64
	CombinedHitRate  float64
}

// HealthReport is the Maintenance Monitor's health_check() view.
type HealthReport struct {
	Status Status
	Issues []string
}
