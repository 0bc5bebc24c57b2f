package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/retrieval"
	"github.com/kaigi-labs/kaigi/internal/similarity"
)

func strPtr(s string) *string { return &s }

func TestSearchSimilarRanksByScore(t *testing.T) {
	db := openTestStore(t)
	save := func(question, option string) {
		_, err := db.SaveDecision(context.Background(), model.DecisionNode{
			Question:           question,
			QuestionNormalized: normalizeQuestion(question),
			ConsensusStatus:    model.ConsensusUnanimous,
			WinningOption:      strPtr(option),
		}, nil)
		require.NoError(t, err)
	}
	save("should we use go for the backend", "go")
	save("what should we have for lunch", "pizza")

	r := retrieval.New(db, similarity.NewTokenSetBackend(), nil, retrieval.Thresholds{})
	g := New(db, r, nil, nil, nil)

	results, err := g.SearchSimilar(context.Background(), "should we use golang for the backend service", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Contains(t, results[0].Node.Question, "backend")
}

func TestFindContradictionsDetectsDivergingOutcomes(t *testing.T) {
	db := openTestStore(t)
	save := func(question, option string) {
		_, err := db.SaveDecision(context.Background(), model.DecisionNode{
			Question:           question,
			QuestionNormalized: normalizeQuestion(question),
			ConsensusStatus:    model.ConsensusUnanimous,
			WinningOption:      strPtr(option),
		}, nil)
		require.NoError(t, err)
	}
	save("should we use go for the backend", "go")
	save("should we use go for the backend", "rust")

	r := retrieval.New(db, similarity.NewTokenSetBackend(), nil, retrieval.Thresholds{})
	g := New(db, r, nil, nil, nil)

	contradictions, err := g.FindContradictions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, contradictions, 1)
	require.InDelta(t, 1.0, contradictions[0].Similarity, 0.0001)
}

func TestTraceEvolutionOrdersChronologically(t *testing.T) {
	db := openTestStore(t)
	id1, err := db.SaveDecision(context.Background(), model.DecisionNode{
		Question:           "should we use go for the backend",
		QuestionNormalized: normalizeQuestion("should we use go for the backend"),
		ConsensusStatus:    model.ConsensusUnanimous,
		WinningOption:      strPtr("go"),
	}, nil)
	require.NoError(t, err)
	_, err = db.SaveDecision(context.Background(), model.DecisionNode{
		Question:           "should we use go for the backend",
		QuestionNormalized: normalizeQuestion("should we use go for the backend"),
		ConsensusStatus:    model.ConsensusUnanimous,
		WinningOption:      strPtr("rust"),
	}, nil)
	require.NoError(t, err)

	r := retrieval.New(db, similarity.NewTokenSetBackend(), nil, retrieval.Thresholds{})
	g := New(db, r, nil, nil, nil)

	chain, err := g.TraceEvolution(context.Background(), id1, 0)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.True(t, chain[0].Timestamp.Before(chain[1].Timestamp) || chain[0].Timestamp.Equal(chain[1].Timestamp))
}

func TestAnalyzePatternsBuildsHistogramAndMeanRounds(t *testing.T) {
	db := openTestStore(t)
	_, err := db.SaveDecision(context.Background(), model.DecisionNode{
		Question:           "a",
		QuestionNormalized: "a",
		ConsensusStatus:    model.ConsensusUnanimous,
		MetadataBlob:       map[string]any{"rounds_completed": 2},
	}, nil)
	require.NoError(t, err)
	_, err = db.SaveDecision(context.Background(), model.DecisionNode{
		Question:           "b",
		QuestionNormalized: "b",
		ConsensusStatus:    model.ConsensusMajority,
		MetadataBlob:       map[string]any{"rounds_completed": 4},
	}, nil)
	require.NoError(t, err)

	g := New(db, nil, nil, nil, nil)
	summary, err := g.AnalyzePatterns(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalDecisions)
	require.Equal(t, 1, summary.ConsensusHistogram[model.ConsensusUnanimous])
	require.Equal(t, 1, summary.ConsensusHistogram[model.ConsensusMajority])
	require.InDelta(t, 3.0, summary.MeanRoundsToConvergence, 0.0001)
}
