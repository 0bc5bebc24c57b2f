// Package graph is the thin glue layer between the
// orchestrator and the store/retrieval/worker subsystems: fetching prior
// context for a new question, and persisting a completed deliberation.
// Both entry points never raise — failures are logged and degrade
// gracefully, since decision-graph continuity is an enhancement, not a
// requirement, for completing a deliberation.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kaigi-labs/kaigi/internal/cache"
	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/retrieval"
	"github.com/kaigi-labs/kaigi/internal/store"
	"github.com/kaigi-labs/kaigi/internal/worker"
)

// Graph wires the decision store, the retriever, and the background
// worker behind the two operations the orchestrator needs.
type Graph struct {
	store     *store.DB
	retriever *retrieval.Retriever
	worker    *worker.Worker
	cache     *cache.Cache
	logger    *slog.Logger
}

// New constructs a Graph. worker may be nil to disable similarity
// back-filling (the decision is still persisted).
func New(db *store.DB, retriever *retrieval.Retriever, w *worker.Worker, c *cache.Cache, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{store: db, retriever: retriever, worker: w, cache: c, logger: logger}
}

// GetContextForDeliberation consults the retriever for a markdown context
// block. Returns "" when no retriever is configured or on any failure;
// when nothing relevant is found it returns a header-only block whose
// tier counts are all zero.
func (g *Graph) GetContextForDeliberation(ctx context.Context, question string) string {
	if g.retriever == nil {
		return ""
	}
	normalized := normalizeQuestion(question)
	qHash := questionHash(normalized)

	scored, err := g.retriever.FindRelevantDecisions(ctx, normalized, question)
	if err != nil {
		g.logger.Warn("graph: get_context_for_deliberation failed, continuing without context",
			"question_hash", qHash, "error", err)
		return ""
	}

	block := retrieval.FormatContext(scored, retrieval.Thresholds{})
	included, tokensUsed := retrieval.SelectWithinBudget(scored, retrieval.Thresholds{})

	storeSize := 0
	if n, err := g.store.CountDecisions(ctx); err == nil {
		storeSize = n
	}

	counts := map[retrieval.Tier]int{}
	for _, s := range included {
		counts[s.Tier]++
	}
	g.logger.Info("graph: context retrieved",
		"question_hash", qHash,
		"strong", counts[retrieval.TierStrongLevel],
		"moderate", counts[retrieval.TierModerateLevel],
		"brief", counts[retrieval.TierBrief],
		"tokens_used", tokensUsed,
		"store_size", storeSize,
	)
	return block
}

// StoreDeliberation persists the DecisionNode and ParticipantStances for a
// completed deliberation, enqueues a similarity back-fill job, and
// invalidates the L1 query cache. Returns the zero UUID on failure;
// errors are logged, never returned, per the glue layer's never-raise
// contract.
func (g *Graph) StoreDeliberation(ctx context.Context, result model.DeliberationResult) uuid.UUID {
	node := model.DecisionNode{
		Question:           result.Question,
		QuestionNormalized: normalizeQuestion(result.Question),
		ConsensusStatus:    consensusStatus(result),
		Participants:       participantIDs(result.Participants),
		MetadataBlob: map[string]any{
			"rounds_completed": result.RoundsCompleted,
		},
	}
	if result.VotingResult != nil {
		node.WinningOption = result.VotingResult.WinningOption
	}
	if result.ConvergenceInfo != nil {
		node.MetadataBlob["convergence_status"] = string(result.ConvergenceInfo.Status)
	}

	stances := stancesFromResult(result)

	id, err := g.store.SaveDecision(ctx, node, stances)
	if err != nil {
		g.logger.Error("graph: store_deliberation failed", "question_hash", questionHash(node.QuestionNormalized), "error", err)
		return uuid.UUID{}
	}

	if g.cache != nil {
		g.cache.Query.InvalidateAll()
	}
	if g.worker != nil {
		g.worker.Enqueue(id, 0)
	}
	g.logger.Info("graph: deliberation stored", "decision_id", id, "status", node.ConsensusStatus)
	return id
}

func consensusStatus(result model.DeliberationResult) model.ConsensusClass {
	if result.VotingResult != nil {
		return result.VotingResult.ConsensusClass
	}
	return model.ConsensusNoVotes
}

func stancesFromResult(result model.DeliberationResult) []model.ParticipantStance {
	if result.VotingResult == nil {
		return nil
	}
	latestByParticipant := map[string]model.RoundVote{}
	for _, round := range result.VotingResult.VotesByRound {
		for _, v := range round {
			latestByParticipant[v.ParticipantID] = v
		}
	}
	stances := make([]model.ParticipantStance, 0, len(latestByParticipant))
	for participantID, v := range latestByParticipant {
		option := v.Vote.Option
		confidence := v.Vote.Confidence
		rationale := v.Vote.Rationale
		stances = append(stances, model.ParticipantStance{
			ParticipantID: participantID,
			VoteOption:    &option,
			Confidence:    &confidence,
			Rationale:     &rationale,
		})
	}
	return stances
}

func participantIDs(participants []model.Participant) []string {
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.ID()
	}
	return ids
}

// normalizeQuestion lowercases and collapses whitespace so that
// semantically identical questions share a cache key and a store record.
func normalizeQuestion(question string) string {
	fields := strings.Fields(strings.ToLower(question))
	return strings.Join(fields, " ")
}

func questionHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
