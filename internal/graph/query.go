package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/kaigi-labs/kaigi/internal/model"
)

// ScoredNode pairs a persisted decision with a similarity score against
// the query that produced it.
type ScoredNode struct {
	Node  model.DecisionNode
	Score float64
}

// Contradiction is a pair of decisions on similar questions whose
// winning_option diverges — a cheap, embedding-only analogue of the
// teacher's claim-level conflict scoring (no LLM confirmation step).
type Contradiction struct {
	A, B       model.DecisionNode
	Similarity float64
}

// PatternSummary is the aggregate health view returned by AnalyzePatterns.
type PatternSummary struct {
	TotalDecisions          int
	ConsensusHistogram      map[model.ConsensusClass]int
	MeanRoundsToConvergence float64
}

// defaultScanWindow bounds how many recent decisions the Query Decisions
// operations consider, mirroring the retriever's own window cap so a
// large store doesn't force a full scan on every ad-hoc query.
const defaultScanWindow = 1000

// SearchSimilar scores every recent decision's question against query and
// returns the top limit matches above the noise floor, ordered by score
// desc.
func (g *Graph) SearchSimilar(ctx context.Context, query string, limit int) ([]ScoredNode, error) {
	if g.retriever == nil {
		return nil, fmt.Errorf("graph: search_similar: no retriever configured")
	}
	backend := g.retriever.Backend()
	if backend == nil {
		return nil, fmt.Errorf("graph: search_similar: no similarity backend configured")
	}

	nodes, err := g.store.GetRecent(ctx, defaultScanWindow)
	if err != nil {
		return nil, fmt.Errorf("graph: search_similar: %w", err)
	}

	normalizedQuery := normalizeQuestion(query)
	scored := make([]ScoredNode, 0, len(nodes))
	for _, n := range nodes {
		s := model.ClampUnit(backend.Score(ctx, normalizedQuery, n.QuestionNormalized))
		if s < noiseFloorFallback {
			continue
		}
		scored = append(scored, ScoredNode{Node: n, Score: s})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// noiseFloorFallback mirrors retrieval.Thresholds's default noise floor;
// duplicated here rather than imported to keep Query Decisions independent
// of the retrieval package's tiering concerns, which don't apply to ad-hoc
// search results.
const noiseFloorFallback = 0.40

// FindContradictions scans recent decisions for pairs whose questions are
// similar (above the noise floor) but whose winning_option differs,
// narrowed to decisions that actually reached a consensus.
func (g *Graph) FindContradictions(ctx context.Context, minSimilarity float64) ([]Contradiction, error) {
	if g.retriever == nil {
		return nil, fmt.Errorf("graph: find_contradictions: no retriever configured")
	}
	backend := g.retriever.Backend()
	if backend == nil {
		return nil, fmt.Errorf("graph: find_contradictions: no similarity backend configured")
	}
	if minSimilarity <= 0 {
		minSimilarity = noiseFloorFallback
	}

	nodes, err := g.store.GetRecent(ctx, defaultScanWindow)
	if err != nil {
		return nil, fmt.Errorf("graph: find_contradictions: %w", err)
	}

	var decided []model.DecisionNode
	for _, n := range nodes {
		if n.WinningOption != nil {
			decided = append(decided, n)
		}
	}

	var out []Contradiction
	for i := 0; i < len(decided); i++ {
		for j := i + 1; j < len(decided); j++ {
			a, b := decided[i], decided[j]
			if *a.WinningOption == *b.WinningOption {
				continue
			}
			s := model.ClampUnit(backend.Score(ctx, a.QuestionNormalized, b.QuestionNormalized))
			if s >= minSimilarity {
				out = append(out, Contradiction{A: a, B: b, Similarity: s})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// TraceEvolution returns decisions on highly-similar questions to
// decisionID's, ordered chronologically, showing how the answer to a
// recurring question changed over time.
func (g *Graph) TraceEvolution(ctx context.Context, decisionID uuid.UUID, minSimilarity float64) ([]model.DecisionNode, error) {
	if g.retriever == nil {
		return nil, fmt.Errorf("graph: trace_evolution: no retriever configured")
	}
	backend := g.retriever.Backend()
	if backend == nil {
		return nil, fmt.Errorf("graph: trace_evolution: no similarity backend configured")
	}
	if minSimilarity <= 0 {
		minSimilarity = noiseFloorFallback
	}

	source, err := g.store.GetByID(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("graph: trace_evolution: %w", err)
	}

	nodes, err := g.store.GetRecent(ctx, defaultScanWindow)
	if err != nil {
		return nil, fmt.Errorf("graph: trace_evolution: %w", err)
	}

	chain := []model.DecisionNode{source}
	for _, n := range nodes {
		if n.ID == source.ID {
			continue
		}
		s := model.ClampUnit(backend.Score(ctx, source.QuestionNormalized, n.QuestionNormalized))
		if s >= minSimilarity {
			chain = append(chain, n)
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Timestamp.Before(chain[j].Timestamp) })
	return chain, nil
}

// AnalyzePatterns computes a consensus-class histogram and the mean
// rounds-to-convergence across recent decisions. rounds_completed is
// read from MetadataBlob, set by
// StoreDeliberation.
func (g *Graph) AnalyzePatterns(ctx context.Context) (PatternSummary, error) {
	nodes, err := g.store.GetRecent(ctx, defaultScanWindow)
	if err != nil {
		return PatternSummary{}, fmt.Errorf("graph: analyze_patterns: %w", err)
	}

	summary := PatternSummary{
		TotalDecisions:     len(nodes),
		ConsensusHistogram: map[model.ConsensusClass]int{},
	}
	var roundsSum, roundsCount int
	for _, n := range nodes {
		summary.ConsensusHistogram[n.ConsensusStatus]++
		if n.MetadataBlob == nil {
			continue
		}
		switch v := n.MetadataBlob["rounds_completed"].(type) {
		case float64:
			roundsSum += int(v)
			roundsCount++
		case int:
			roundsSum += v
			roundsCount++
		}
	}
	if roundsCount > 0 {
		summary.MeanRoundsToConvergence = float64(roundsSum) / float64(roundsCount)
	}
	return summary, nil
}
