// Package orchestrator implements the deliberation orchestrator: the
// central state machine driving a multi-round debate among several
// adapters, parsing embedded markers, executing tool requests, checking
// convergence, and constructing the final result.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaigi-labs/kaigi/internal/adapter"
	"github.com/kaigi-labs/kaigi/internal/config"
	"github.com/kaigi-labs/kaigi/internal/convergence"
	"github.com/kaigi-labs/kaigi/internal/ctxutil"
	"github.com/kaigi-labs/kaigi/internal/graph"
	"github.com/kaigi-labs/kaigi/internal/marker"
	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/similarity"
	"github.com/kaigi-labs/kaigi/internal/tools"
	"github.com/kaigi-labs/kaigi/internal/vote"

	"golang.org/x/sync/errgroup"
)

// Mode is the deliberation scheduling mode.
type Mode string

const (
	ModeQuick      Mode = "quick"
	ModeConference Mode = "conference"
)

// Request is the input to Run.
type Request struct {
	Question         string
	Participants     []model.Participant
	Mode             Mode
	Rounds           int // 0 uses the configured default
	Context          string
	WorkingDirectory string
}

// ValidationError reports a malformed request, surfaced to the caller
// before any deliberation starts: validation errors mean the
// deliberation never started at all.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "orchestrator: invalid request: " + e.Reason }

// Orchestrator drives deliberations end to end.
type Orchestrator struct {
	factory *adapter.Factory
	tools   *tools.Executor
	backend similarity.Backend
	graph   *graph.Graph
	cfg     config.Config
	logger  *slog.Logger
}

// New constructs an Orchestrator. graph may be nil to disable decision
// persistence and context retrieval entirely.
func New(factory *adapter.Factory, toolExecutor *tools.Executor, backend similarity.Backend, g *graph.Graph, cfg config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{factory: factory, tools: toolExecutor, backend: backend, graph: g, cfg: cfg, logger: logger}
}

func (o *Orchestrator) validate(req Request) (int, error) {
	if len(req.Participants) < 2 {
		return 0, &ValidationError{Reason: "at least 2 participants are required"}
	}
	if req.Mode != ModeQuick && req.Mode != ModeConference {
		return 0, &ValidationError{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	if req.Mode == ModeQuick {
		return 1, nil
	}

	rounds := req.Rounds
	if rounds == 0 {
		rounds = o.cfg.DefaultRounds
	}
	maxRounds := o.cfg.MaxRounds
	if maxRounds == 0 {
		maxRounds = 10
	}
	if rounds < 1 || rounds > maxRounds {
		return 0, &ValidationError{Reason: fmt.Sprintf("rounds must be between 1 and %d, got %d", maxRounds, rounds)}
	}
	return rounds, nil
}

// Run executes one full deliberation. It returns an error only for
// request-validation failures; every downstream failure (adapter, tool,
// convergence, storage) is absorbed into the returned DeliberationResult
// rather than propagated as an error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (model.DeliberationResult, error) {
	effectiveRounds, err := o.validate(req)
	if err != nil {
		return model.DeliberationResult{}, err
	}

	graphContext := ""
	if req.Mode == ModeConference && o.graph != nil && o.cfg.DecisionGraphEnabled {
		graphContext = o.graph.GetContextForDeliberation(ctx, req.Question)
	}

	var (
		fullDebate      []model.RoundResponse
		toolExecutions  []model.ToolExecutionRecord
		votesByRound    [][]model.RoundVote
		responsesByRound = map[int][]model.RoundResponse{}
		lastToolRecords []model.ToolExecutionRecord
		lastConvergence *model.ConvergenceInfo
		status          = model.DeliberationComplete
		roundsCompleted int
	)

	var detector *convergence.Detector
	if req.Mode == ModeConference && o.cfg.ConvergenceEnabled {
		detector = convergence.NewDetector(o.backend, convergence.Thresholds{
			SemanticSimilarityThreshold: o.cfg.SemanticSimilarityThreshold,
			DivergenceThreshold:         o.cfg.DivergenceThreshold,
			MinRoundsBeforeCheck:        o.cfg.MinRoundsBeforeCheck,
			ConsecutiveStableRounds:     o.cfg.ConsecutiveStableRounds,
		})
	}

	timeoutPerRound := o.cfg.TimeoutPerRound
	if timeoutPerRound == 0 {
		timeoutPerRound = 300 * time.Second
	}

roundLoop:
	for r := 1; r <= effectiveRounds; r++ {
		prompts := o.buildPrompts(req, r, graphContext, responsesByRound, lastToolRecords)
		responses := o.invokeRound(ctx, timeoutPerRound, r, req.Participants, prompts)

		if len(responses) == 0 {
			status = model.DeliberationFailed
			roundsCompleted = r
			break roundLoop
		}

		sort.Slice(responses, func(i, j int) bool { return responses[i].ParticipantID < responses[j].ParticipantID })
		responsesByRound[r] = responses
		fullDebate = append(fullDebate, responses...)
		roundsCompleted = r

		roundVotes, requestsByParticipant := o.parseRound(r, responses)
		votesByRound = append(votesByRound, roundVotes)

		if len(requestsByParticipant) > 0 {
			lastToolRecords = o.tools.ExecuteRound(ctx, r, requestsByParticipant)
			toolExecutions = append(toolExecutions, lastToolRecords...)
		} else {
			lastToolRecords = nil
		}

		if detector != nil && r >= 2 && detector.CheckAllowed(r) {
			preliminaryVoting := vote.Aggregate(ctx, o.backend, votesByRound)
			info := detector.Classify(ctx, responsesByRound[r-1], responsesByRound[r], r, &preliminaryVoting)
			lastConvergence = &info
		}

		if o.shouldEarlyStop(req, r, roundVotes) {
			break roundLoop
		}
		if lastConvergence != nil && lastConvergence.Detected {
			break roundLoop
		}
	}

	result := o.buildResult(req, fullDebate, toolExecutions, votesByRound, lastConvergence, status, roundsCompleted)

	if result.Status == model.DeliberationComplete && o.graph != nil {
		o.graph.StoreDeliberation(ctx, result)
	}
	return result, nil
}

// invokeRound fans out one adapter invocation per participant concurrently,
// bounded by a per-round deadline. A failed invocation is isolated to
// that participant and never aborts the round.
func (o *Orchestrator) invokeRound(ctx context.Context, timeout time.Duration, roundNum int, participants []model.Participant, prompts map[string]string) []model.RoundResponse {
	start := time.Now()
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	responses := make([]*model.RoundResponse, len(participants))
	var mu sync.Mutex
	latencies := make(map[string]time.Duration, len(participants))
	var failures []string

	g, gctx := errgroup.WithContext(roundCtx)
	for i, p := range participants {
		i, p := i, p
		g.Go(func() error {
			callStart := time.Now()
			a, err := o.factory.Get(p.AdapterName)
			if err != nil {
				o.logger.Warn("orchestrator: adapter resolution failed", "participant", p.ID(), "error", err)
				mu.Lock()
				failures = append(failures, p.ID())
				mu.Unlock()
				return nil
			}
			if ok, limit := a.ValidatePromptLength(prompts[p.ID()]); !ok && limit > 0 {
				o.logger.Warn("orchestrator: prompt exceeds adapter limit", "participant", p.ID(), "limit", limit)
				mu.Lock()
				failures = append(failures, p.ID())
				mu.Unlock()
				return nil
			}
			text, err := a.Invoke(gctx, p.ModelID, prompts[p.ID()])
			mu.Lock()
			latencies[p.ID()] = time.Since(callStart)
			mu.Unlock()
			if err != nil {
				o.logger.Warn("orchestrator: adapter invoke failed", "participant", p.ID(), "error", err)
				mu.Lock()
				failures = append(failures, p.ID())
				mu.Unlock()
				return nil
			}
			responses[i] = &model.RoundResponse{
				RoundNum:      roundNum,
				ParticipantID: p.ID(),
				ResponseText:  text,
				Stance:        p.Stance,
				Timestamp:     time.Now(),
			}
			return nil
		})
	}
	_ = g.Wait()

	o.logRoundMeasurement(ctx, ctxutil.RoundMeasurement{
		RequestID:            ctxutil.RequestIDFromContext(ctx),
		RoundNum:             roundNum,
		ParticipantLatencies: latencies,
		Failures:             failures,
		WallClock:            time.Since(start),
	})

	out := make([]model.RoundResponse, 0, len(participants))
	for _, r := range responses {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// logRoundMeasurement emits a per-round structured log line, finer
// grained than the single per-deliberation audit record.
func (o *Orchestrator) logRoundMeasurement(_ context.Context, m ctxutil.RoundMeasurement) {
	o.logger.Info("orchestrator: round measurement",
		"request_id", m.RequestID,
		"round", m.RoundNum,
		"participant_latencies_ms", latenciesInMillis(m.ParticipantLatencies),
		"failures", m.Failures,
		"wall_clock_ms", m.WallClock.Milliseconds(),
	)
}

func latenciesInMillis(latencies map[string]time.Duration) map[string]int64 {
	out := make(map[string]int64, len(latencies))
	for k, v := range latencies {
		out[k] = v.Milliseconds()
	}
	return out
}

// parseRound extracts votes and tool requests from every successful
// response in round r.
func (o *Orchestrator) parseRound(r int, responses []model.RoundResponse) ([]model.RoundVote, map[string][]model.ToolRequest) {
	var roundVotes []model.RoundVote
	requestsByParticipant := map[string][]model.ToolRequest{}

	for _, resp := range responses {
		if v, warn := marker.ParseVotes(resp.ResponseText); v != nil {
			roundVotes = append(roundVotes, model.RoundVote{
				RoundNum:      r,
				ParticipantID: resp.ParticipantID,
				Vote:          *v,
				Timestamp:     time.Now(),
			})
		} else if warn != nil {
			o.logger.Debug("orchestrator: no vote parsed", "participant", resp.ParticipantID, "round", r)
		}

		reqs, warnings := marker.ParseToolRequests(resp.ResponseText)
		for _, w := range warnings {
			o.logger.Debug("orchestrator: tool request parse warning", "participant", resp.ParticipantID, "round", r, "reason", w.Reason)
		}
		for _, req := range reqs {
			if path, ok := req.Arguments["path"].(string); ok && filepath.IsAbs(path) {
				o.logger.Info("orchestrator: tool request uses absolute path", "participant", resp.ParticipantID, "round", r, "tool", req.Name, "path", path)
			}
		}
		if len(reqs) > 0 {
			requestsByParticipant[resp.ParticipantID] = reqs
		}
	}
	return roundVotes, requestsByParticipant
}

// shouldEarlyStop implements the model-controlled early-stop rule: S is
// the fraction of the request's participants whose vote in round r set
// continue_debate=false.
func (o *Orchestrator) shouldEarlyStop(req Request, r int, roundVotes []model.RoundVote) bool {
	if !o.cfg.EarlyStoppingEnabled || len(req.Participants) == 0 {
		return false
	}
	falseCount := 0
	for _, rv := range roundVotes {
		if !rv.Vote.ContinueDebate {
			falseCount++
		}
	}
	s := float64(falseCount) / float64(len(req.Participants))
	if s < o.cfg.EarlyStoppingThreshold {
		return false
	}
	if o.cfg.EarlyStoppingRespectMinRounds && r < o.cfg.DefaultRounds {
		return false
	}
	return true
}

// buildResult assembles the final DeliberationResult, applying the
// full_debate truncation and the voting-overrides-similarity rule.
func (o *Orchestrator) buildResult(req Request, fullDebate []model.RoundResponse, toolExecutions []model.ToolExecutionRecord, votesByRound [][]model.RoundVote, lastConvergence *model.ConvergenceInfo, status model.DeliberationStatus, roundsCompleted int) model.DeliberationResult {
	result := model.DeliberationResult{
		Question:        req.Question,
		Participants:     req.Participants,
		FullDebate:       fullDebate,
		ToolExecutions:   toolExecutions,
		RoundsCompleted:  roundsCompleted,
		Status:           status,
		TranscriptRef:    "transcript-" + uuid.NewString(),
	}

	finalVoting := vote.Aggregate(context.Background(), o.backend, votesByRound)
	if finalVoting.ConsensusClass != model.ConsensusNoVotes {
		result.VotingResult = &finalVoting
	}

	if req.Mode == ModeConference {
		finalConv := model.ConvergenceInfo{}
		if lastConvergence != nil {
			finalConv = *lastConvergence
		}
		switch finalVoting.ConsensusClass {
		case model.ConsensusUnanimous:
			finalConv.Status = model.StatusUnanimous
			finalConv.Detected = true
		case model.ConsensusMajority:
			finalConv.Status = model.StatusMajority
			finalConv.Detected = true
		case model.ConsensusTie:
			finalConv.Status = model.StatusTie
		}
		result.ConvergenceInfo = &finalConv
	}

	maxRoundsInResponse := o.cfg.MaxRoundsInResponse
	if maxRoundsInResponse == 0 {
		maxRoundsInResponse = 3
	}
	if roundsCompleted > maxRoundsInResponse {
		result.TotalRounds = roundsCompleted
		result.FullDebateTruncated = true
		result.FullDebate = truncateToLastNRounds(fullDebate, maxRoundsInResponse)
	}
	return result
}

func truncateToLastNRounds(fullDebate []model.RoundResponse, n int) []model.RoundResponse {
	if len(fullDebate) == 0 {
		return fullDebate
	}
	cutoffRound := fullDebate[len(fullDebate)-1].RoundNum - n + 1
	var out []model.RoundResponse
	for _, r := range fullDebate {
		if r.RoundNum >= cutoffRound {
			out = append(out, r)
		}
	}
	return out
}

// buildPrompts renders the round-r prompt for each participant.
func (o *Orchestrator) buildPrompts(req Request, r int, graphContext string, responsesByRound map[int][]model.RoundResponse, prevToolRecords []model.ToolExecutionRecord) map[string]string {
	prompts := make(map[string]string, len(req.Participants))
	votingPreamble := votingInstructionPreamble()
	toolPreamble := toolInstructionPreamble()

	if r == 1 {
		var b strings.Builder
		fmt.Fprintf(&b, "## Question\n%s\n", req.Question)
		if req.Context != "" {
			fmt.Fprintf(&b, "\n## Additional context\n%s\n", req.Context)
		}
		if graphContext != "" {
			b.WriteString("\n")
			b.WriteString(graphContext)
		}
		b.WriteString("\n")
		b.WriteString(votingPreamble)
		b.WriteString("\n")
		b.WriteString(toolPreamble)
		base := b.String()

		for _, p := range req.Participants {
			prompts[p.ID()] = base + "\n" + stancePrompt(p, r)
		}
		return prompts
	}

	var history strings.Builder
	history.WriteString("## Deliberation history\n")
	for round := 1; round < r; round++ {
		for _, resp := range responsesByRound[round] {
			fmt.Fprintf(&history, "\n### Round %d — %s\n%s\n", round, resp.ParticipantID, resp.ResponseText)
		}
	}
	if len(prevToolRecords) > 0 {
		history.WriteString("\n")
		history.WriteString(tools.BuildContextPreamble(prevToolRecords, 4096))
	}
	history.WriteString("\n")
	history.WriteString(votingPreamble)
	base := history.String()

	for _, p := range req.Participants {
		prompts[p.ID()] = base + "\n" + stancePrompt(p, r)
	}
	return prompts
}

func stancePrompt(p model.Participant, r int) string {
	return fmt.Sprintf("## Your stance\nYou are arguing %s this round (round %d). Respond with your reasoning, then include a VOTE: marker with your current recommendation.", p.Stance, r)
}

func votingInstructionPreamble() string {
	return "## Voting instructions\n" +
		"End your response with a single marker of the form:\n" +
		"VOTE:{\"option\": \"<your recommendation>\", \"confidence\": <0-1>, \"rationale\": \"<why>\", \"continue_debate\": <true|false>}\n" +
		"Set continue_debate to false once you believe no further rounds are needed."
}

func toolInstructionPreamble() string {
	return "## Available tools\n" +
		"You may request read-only evidence by emitting one or more markers of the form:\n" +
		"TOOL_REQUEST:{\"name\": \"<read_file|search_code|list_files|run_command>\", \"arguments\": {...}}\n" +
		"Results are shared with every participant at the start of the next round."
}
