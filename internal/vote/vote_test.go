package vote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/similarity"
)

// stubBackend lets tests pin exact similarity scores between specific
// strings instead of depending on a real backend's heuristics.
type stubBackend struct {
	scores map[[2]string]float64
}

func (s stubBackend) Name() string { return "stub" }

func (s stubBackend) Score(_ context.Context, a, b string) float64 {
	if v, ok := s.scores[[2]string{a, b}]; ok {
		return v
	}
	if v, ok := s.scores[[2]string{b, a}]; ok {
		return v
	}
	return 0
}

func rv(round int, participant, option string) model.RoundVote {
	return model.RoundVote{
		RoundNum:      round,
		ParticipantID: participant,
		Vote:          model.Vote{Option: option, Confidence: 0.9, ContinueDebate: true},
	}
}

func TestAggregateNoVotes(t *testing.T) {
	result := Aggregate(context.Background(), similarity.NewTokenSetBackend(), nil)
	require.Equal(t, model.ConsensusNoVotes, result.ConsensusClass)
	require.False(t, result.ConsensusReached)
}

func TestAggregateUnanimous(t *testing.T) {
	votes := [][]model.RoundVote{
		{rv(1, "a@x", "A"), rv(1, "b@x", "A"), rv(1, "c@x", "A")},
	}
	result := Aggregate(context.Background(), similarity.NewTokenSetBackend(), votes)
	require.Equal(t, model.ConsensusUnanimous, result.ConsensusClass)
	require.True(t, result.ConsensusReached)
	require.Equal(t, "A", *result.WinningOption)
}

func TestAggregateMajority(t *testing.T) {
	votes := [][]model.RoundVote{
		{rv(1, "a@x", "X"), rv(1, "b@x", "X"), rv(1, "c@x", "Y")},
	}
	result := Aggregate(context.Background(), similarity.NewTokenSetBackend(), votes)
	require.Equal(t, model.ConsensusMajority, result.ConsensusClass)
	require.Equal(t, "X", *result.WinningOption)
}

func TestAggregateTie(t *testing.T) {
	votes := [][]model.RoundVote{
		{rv(1, "a@x", "X"), rv(1, "b@x", "Y")},
	}
	result := Aggregate(context.Background(), similarity.NewTokenSetBackend(), votes)
	require.Equal(t, model.ConsensusTie, result.ConsensusClass)
	require.False(t, result.ConsensusReached)
	require.Nil(t, result.WinningOption)
}

func TestAggregateLastVoteWinsWithinRound(t *testing.T) {
	votes := [][]model.RoundVote{
		{rv(1, "a@x", "X"), rv(1, "a@x", "Y")}, // same participant, same round
	}
	result := Aggregate(context.Background(), similarity.NewTokenSetBackend(), votes)
	require.Len(t, result.FinalTally, 1)
	require.Equal(t, "Y", result.FinalTally[0].Option)
}

func TestAggregateGroupsSimilarOptions(t *testing.T) {
	// Three votes, first two group together.
	backend := stubBackend{scores: map[[2]string]float64{
		{"Self-documenting code", "Prioritize self-documenting code"}: 0.95,
	}}
	votes := [][]model.RoundVote{
		{
			rv(1, "a@x", "Self-documenting code"),
			rv(1, "b@x", "Prioritize self-documenting code"),
			rv(1, "c@x", "Unit tests"),
		},
	}
	result := Aggregate(context.Background(), backend, votes)
	require.Len(t, result.FinalTally, 2)
	require.Equal(t, "Self-documenting code", result.FinalTally[0].Option)
	require.Equal(t, 2, result.FinalTally[0].Count)
	require.Equal(t, "Unit tests", result.FinalTally[1].Option)
	require.Equal(t, 1, result.FinalTally[1].Count)
}

func TestGroupingThresholdBoundary(t *testing.T) {
	atThreshold := stubBackend{scores: map[[2]string]float64{{"A", "B"}: GroupingThreshold}}
	belowThreshold := stubBackend{scores: map[[2]string]float64{{"A", "B"}: GroupingThreshold - 0.00001}}

	votes := [][]model.RoundVote{{rv(1, "a@x", "A"), rv(1, "b@x", "B")}}

	atResult := Aggregate(context.Background(), atThreshold, votes)
	require.Len(t, atResult.FinalTally, 1, "exactly at threshold must merge")

	belowResult := Aggregate(context.Background(), belowThreshold, votes)
	require.Len(t, belowResult.FinalTally, 2, "just below threshold must not merge")
}

func TestAggregateMissingParticipantDoesNotCountAgainstThem(t *testing.T) {
	votes := [][]model.RoundVote{
		{rv(1, "a@x", "X"), rv(1, "b@x", "X"), rv(1, "c@x", "X")},
		{rv(2, "a@x", "X"), rv(2, "b@x", "X")}, // c did not vote in round 2
	}
	result := Aggregate(context.Background(), similarity.NewTokenSetBackend(), votes)
	require.Equal(t, model.ConsensusUnanimous, result.ConsensusClass)
	require.True(t, result.ConsensusReached)
}

func TestFinalTallySumNeverExceedsVotesCast(t *testing.T) {
	votes := [][]model.RoundVote{
		{rv(1, "a@x", "X"), rv(1, "b@x", "Y"), rv(1, "c@x", "  ")}, // blank option dropped
	}
	result := Aggregate(context.Background(), similarity.NewTokenSetBackend(), votes)
	sum := 0
	for _, e := range result.FinalTally {
		sum += e.Count
	}
	require.LessOrEqual(t, sum, 3)
}
