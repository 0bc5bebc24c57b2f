// Package model defines the data types shared across the deliberation
// engine: request-scoped entities (Participant, RoundResponse, Vote) and
// the persisted decision-graph entities (DecisionNode, ParticipantStance,
// DecisionSimilarity).
package model

import (
	"time"

	"github.com/google/uuid"
)

// Stance is a participant's assigned disposition for a deliberation.
type Stance string

const (
	StanceFor     Stance = "for"
	StanceAgainst Stance = "against"
	StanceNeutral Stance = "neutral"
)

// Participant identifies one LLM seat in a deliberation. Immutable once
// the request is validated.
type Participant struct {
	AdapterName string `json:"adapter_name"`
	ModelID     string `json:"model_id"`
	Stance      Stance `json:"stance"`
}

// ID returns the participant's identity string, "model_id@adapter_name".
func (p Participant) ID() string {
	return p.ModelID + "@" + p.AdapterName
}

// RoundResponse is one participant's raw text for one round.
type RoundResponse struct {
	RoundNum      int       `json:"round_num"`
	ParticipantID string    `json:"participant_id"`
	ResponseText  string    `json:"response_text"`
	Stance        Stance    `json:"stance"`
	Timestamp     time.Time `json:"timestamp"`
}

// Vote is a structured decision embedded in a participant's response text.
type Vote struct {
	Option         string  `json:"option"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale"`
	ContinueDebate bool    `json:"continue_debate"`
}

// RoundVote associates a Vote with the round and participant that cast it.
type RoundVote struct {
	RoundNum      int       `json:"round_num"`
	ParticipantID string    `json:"participant_id"`
	Vote          Vote      `json:"vote"`
	Timestamp     time.Time `json:"timestamp"`
}

// ToolName enumerates the fixed, sandboxed tool set available to participants.
type ToolName string

const (
	ToolReadFile   ToolName = "read_file"
	ToolSearchCode ToolName = "search_code"
	ToolListFiles  ToolName = "list_files"
	ToolRunCommand ToolName = "run_command"
)

// ToolRequest is a parsed TOOL_REQUEST marker. Arguments are validated
// against the schema for Name before execution.
type ToolRequest struct {
	Name      ToolName       `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolExecutionRecord is the outcome of executing one ToolRequest.
type ToolExecutionRecord struct {
	RequestingParticipantID string         `json:"requesting_participant_id"`
	ToolName                ToolName       `json:"tool_name"`
	Arguments               map[string]any `json:"arguments"`
	Success                 bool           `json:"success"`
	Output                  string         `json:"output"`
	Error                   string         `json:"error,omitempty"`
	ElapsedMS               int64          `json:"elapsed_ms"`
	RoundNum                int            `json:"round_num"`
	Timestamp               time.Time      `json:"timestamp"`
}

// ConsensusClass classifies the outcome of vote tallying.
type ConsensusClass string

const (
	ConsensusUnanimous ConsensusClass = "unanimous_consensus"
	ConsensusMajority  ConsensusClass = "majority_decision"
	ConsensusTie       ConsensusClass = "tie"
	ConsensusNoVotes   ConsensusClass = "no_votes"
)

// TallyEntry is one grouped option and its vote count, in report order.
type TallyEntry struct {
	Option string `json:"option"`
	Count  int    `json:"count"`
}

// VotingResult is the aggregate of every RoundVote cast during a deliberation.
type VotingResult struct {
	FinalTally       []TallyEntry    `json:"final_tally"`
	VotesByRound     [][]RoundVote   `json:"votes_by_round"`
	ConsensusReached bool            `json:"consensus_reached"`
	ConsensusClass   ConsensusClass  `json:"consensus_class"`
	WinningOption    *string         `json:"winning_option,omitempty"`
}

// ConvergenceStatus classifies round-to-round evolution.
type ConvergenceStatus string

const (
	StatusConverged  ConvergenceStatus = "converged"
	StatusDiverging  ConvergenceStatus = "diverging"
	StatusRefining   ConvergenceStatus = "refining"
	StatusImpasse    ConvergenceStatus = "impasse"
	// Voting-override statuses reuse the ConsensusClass vocabulary.
	StatusUnanimous ConvergenceStatus = ConvergenceStatus(ConsensusUnanimous)
	StatusMajority  ConvergenceStatus = ConvergenceStatus(ConsensusMajority)
	StatusTie       ConvergenceStatus = ConvergenceStatus(ConsensusTie)
)

// ConvergenceInfo is the detector's verdict at the point a deliberation stops.
type ConvergenceInfo struct {
	Detected               bool               `json:"detected"`
	DetectionRound         *int               `json:"detection_round,omitempty"`
	FinalSimilarity        float64            `json:"final_similarity"`
	Status                 ConvergenceStatus  `json:"status"`
	PerParticipantSimilarity map[string]float64 `json:"per_participant_similarity"`
}

// DeliberationStatus is the terminal status of a DeliberationResult.
type DeliberationStatus string

const (
	DeliberationComplete DeliberationStatus = "complete"
	DeliberationFailed   DeliberationStatus = "failed"
)

// DeliberationResult is the full output of one orchestrated deliberation.
type DeliberationResult struct {
	Question            string                `json:"question"`
	Participants         []Participant         `json:"participants"`
	FullDebate           []RoundResponse       `json:"full_debate"`
	FullDebateTruncated  bool                  `json:"full_debate_truncated,omitempty"`
	TotalRounds          int                   `json:"total_rounds,omitempty"`
	VotingResult         *VotingResult         `json:"voting_result,omitempty"`
	ConvergenceInfo      *ConvergenceInfo      `json:"convergence_info,omitempty"`
	ToolExecutions       []ToolExecutionRecord `json:"tool_executions"`
	RoundsCompleted      int                   `json:"rounds_completed"`
	Status               DeliberationStatus    `json:"status"`
	Summary              any                   `json:"summary,omitempty"`
	TranscriptRef        string                `json:"transcript_ref"`
}

// DecisionNode is a persisted, completed deliberation.
type DecisionNode struct {
	ID                 uuid.UUID      `json:"id"`
	Question           string         `json:"question"`
	QuestionNormalized string         `json:"question_normalized"`
	ConsensusStatus    ConsensusClass `json:"consensus_status"`
	WinningOption      *string        `json:"winning_option,omitempty"`
	Participants       []string       `json:"participants"`
	Timestamp          time.Time      `json:"timestamp"`
	MetadataBlob       map[string]any `json:"metadata_blob"`
}

// ParticipantStance is one participant's vote attached to a DecisionNode.
type ParticipantStance struct {
	DecisionID uuid.UUID `json:"decision_id"`
	ParticipantID string  `json:"participant_id"`
	VoteOption *string   `json:"vote_option,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Rationale  *string   `json:"rationale,omitempty"`
}

// DecisionSimilarity is a directional edge stored under the source's adjacency.
type DecisionSimilarity struct {
	SourceID uuid.UUID `json:"source_id"`
	TargetID uuid.UUID `json:"target_id"`
	Score    float64   `json:"score"`
}

// ClampUnit clamps a float into [0,1], absorbing numerical error from
// cosine-similarity computations before the value is persisted or compared.
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
