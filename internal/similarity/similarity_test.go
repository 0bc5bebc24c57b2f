package similarity

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"
)

func TestTokenSetBackend(t *testing.T) {
	b := NewTokenSetBackend()
	require.Equal(t, float64(1), b.Score(context.Background(), "Hello World", "hello, world!"))
	require.Equal(t, float64(0), b.Score(context.Background(), "", ""))
	score := b.Score(context.Background(), "the cat sat", "the dog sat")
	require.Greater(t, score, 0.0)
	require.Less(t, score, 1.0)
}

func TestTFIDFBackendEmptyVocabularyYieldsZero(t *testing.T) {
	b := NewTFIDFBackend()
	require.Equal(t, float64(0), b.Score(context.Background(), "", ""))
}

func TestTFIDFBackendIdenticalTextsScoreHigh(t *testing.T) {
	b := NewTFIDFBackend()
	score := b.Score(context.Background(), "use postgres for storage", "use postgres for storage")
	require.InDelta(t, 1.0, score, 0.001)
}

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f fakeEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	v, ok := f.vectors[text]
	if !ok {
		v = []float32{0, 0, 0}
	}
	return pgvector.NewVector(v), nil
}

func TestDenseBackendCosine(t *testing.T) {
	embedder := fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"b": {1, 0, 0},
		"c": {0, 1, 0},
	}}
	b := NewDenseBackend(embedder)
	require.InDelta(t, 1.0, b.Score(context.Background(), "a", "b"), 0.001)
	require.InDelta(t, 0.0, b.Score(context.Background(), "a", "c"), 0.001)
}

func TestDenseBackendClampsOverflow(t *testing.T) {
	score := cosine([]float32{1, 0}, []float32{1.0000001, 0})
	require.LessOrEqual(t, score, 1.0)
}

func TestSelectFallsBackWhenEmbedderUnavailable(t *testing.T) {
	logger := slog.Default()

	backend := Select(logger, fakeEmbedder{err: errors.New("unreachable")}, true)
	require.Equal(t, "tfidf", backend.Name())

	backend = Select(logger, nil, false)
	require.Equal(t, "token_set_overlap", backend.Name())

	backend = Select(logger, fakeEmbedder{vectors: map[string][]float32{"kaigi-startup-probe": {1}}}, false)
	require.Equal(t, "dense_embeddings", backend.Name())
}
