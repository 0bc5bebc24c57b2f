package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kaigi-labs/kaigi/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleNode(question string) model.DecisionNode {
	return model.DecisionNode{
		Question:           question,
		QuestionNormalized:  question,
		ConsensusStatus:     model.ConsensusUnanimous,
		Participants:        []string{"a@x", "b@x"},
	}
}

func TestSaveAndGetRecent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.SaveDecision(ctx, sampleNode("q1"), nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	recent, err := db.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "q1", recent[0].Question)
	require.Equal(t, []string{"a@x", "b@x"}, recent[0].Participants)
}

func TestSaveDecisionWithStances(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	node := sampleNode("q-stances")
	opt := "A"
	conf := 0.9
	rationale := "because"
	stances := []model.ParticipantStance{
		{ParticipantID: "a@x", VoteOption: &opt, Confidence: &conf, Rationale: &rationale},
	}
	id, err := db.SaveDecision(ctx, node, stances)
	require.NoError(t, err)

	got, err := db.GetStances(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a@x", got[0].ParticipantID)
	require.Equal(t, "A", *got[0].VoteOption)
}

func TestCascadeDeleteRemovesStancesAndSimilarities(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id1, err := db.SaveDecision(ctx, sampleNode("q1"), nil)
	require.NoError(t, err)
	id2, err := db.SaveDecision(ctx, sampleNode("q2"), nil)
	require.NoError(t, err)

	require.NoError(t, db.ReplaceSimilarities(ctx, id1, []model.DecisionSimilarity{{SourceID: id1, TargetID: id2, Score: 0.9}}))

	require.NoError(t, db.CascadeDelete(ctx, id1))

	similar, err := db.GetSimilar(ctx, id1, 0, 10)
	require.NoError(t, err)
	require.Empty(t, similar)
}

func TestCascadeDeleteMissingIsNotFound(t *testing.T) {
	db := openTestDB(t)
	err := db.CascadeDelete(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceSimilaritiesRetainsTopN(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	source, err := db.SaveDecision(ctx, sampleNode("source"), nil)
	require.NoError(t, err)

	var edges []model.DecisionSimilarity
	for i := 0; i < MaxSimilarityEdges+5; i++ {
		target, err := db.SaveDecision(ctx, sampleNode("target"), nil)
		require.NoError(t, err)
		edges = append(edges, model.DecisionSimilarity{SourceID: source, TargetID: target, Score: float64(i) / 100.0})
	}
	require.NoError(t, db.ReplaceSimilarities(ctx, source, edges))

	similar, err := db.GetSimilar(ctx, source, 0, 100)
	require.NoError(t, err)
	require.Len(t, similar, MaxSimilarityEdges)
	// Highest scores retained, in descending order.
	require.InDelta(t, float64(len(edges)-1)/100.0, similar[0].Score, 0.0001)
}

func TestGetSimilarRespectsMinScoreAndOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	source, _ := db.SaveDecision(ctx, sampleNode("source"), nil)
	lo, _ := db.SaveDecision(ctx, sampleNode("lo"), nil)
	hi, _ := db.SaveDecision(ctx, sampleNode("hi"), nil)

	require.NoError(t, db.ReplaceSimilarities(ctx, source, []model.DecisionSimilarity{
		{SourceID: source, TargetID: lo, Score: 0.3},
		{SourceID: source, TargetID: hi, Score: 0.9},
	}))

	similar, err := db.GetSimilar(ctx, source, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	require.Equal(t, hi, similar[0].Node.ID)
}

func TestCountDecisions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	n, err := db.CountDecisions(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = db.SaveDecision(ctx, sampleNode("q"), nil)
	require.NoError(t, err)

	n, err = db.CountDecisions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	source, _ := db.SaveDecision(ctx, sampleNode("q1"), nil)
	target, _ := db.SaveDecision(ctx, sampleNode("q2"), nil)
	require.NoError(t, db.ReplaceSimilarities(ctx, source, []model.DecisionSimilarity{{SourceID: source, TargetID: target, Score: 0.8}}))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.NodeCount)
	require.Equal(t, 1, stats.EdgeCount)
	require.InDelta(t, 0.8, stats.AvgSimilarity, 0.0001)
	require.Greater(t, stats.DBBytes, int64(0))
}

func TestSchemaOKAndPing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.SchemaOK(ctx))
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.sqlite")
	ctx := context.Background()

	db1, err := Open(ctx, path, nil)
	require.NoError(t, err)
	_, err = db1.SaveDecision(ctx, sampleNode("persisted"), nil)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(ctx, path, nil)
	require.NoError(t, err)
	defer db2.Close()

	recent, err := db2.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "persisted", recent[0].Question)
}
