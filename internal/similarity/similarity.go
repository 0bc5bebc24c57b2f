// Package similarity scores semantic closeness between two texts in
// [0,1]. Three backends are provided — dense embeddings,
// TF-IDF, and token-set overlap — selected once at startup in preference
// order by whichever's dependencies load without error; there is no
// per-call fallback afterward.
package similarity

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Backend scores semantic similarity between two strings. Implementations
// must clamp their output to [0,1] before returning.
type Backend interface {
	// Name returns a short identifier for the backend, e.g. "tfidf".
	Name() string
	// Score returns a similarity estimate in [0,1]. Never returns an error;
	// a backend that cannot score a pair returns 0 — degrade to a null
	// ConvergenceInfo rather than fail the deliberation.
	Score(ctx context.Context, a, b string) float64
}

// EmbeddingProvider generates vector embeddings from text. Swappable so the
// dense backend can run against OpenAI, Ollama, or any future provider
// without the caller changing.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Select picks the highest-preference backend whose dependencies load
// without error, in the order: dense embeddings, TF-IDF, token-set
// overlap. Selection is logged exactly once, and all subsequent calls use
// the selected variant — there is no per-call fallback. embedder may be
// nil (no dense provider configured); useTFIDF lets callers that want the
// sparse-vector variant over the always-available token-set backend opt
// in explicitly, since TF-IDF — like token-set overlap — has no external
// dependencies that can fail to load.
func Select(logger *slog.Logger, embedder EmbeddingProvider, useTFIDF bool) Backend {
	if embedder != nil {
		if probeEmbedder(embedder) {
			logger.Info("similarity backend selected", "backend", "dense_embeddings")
			return NewDenseBackend(embedder)
		}
		logger.Warn("similarity backend: dense embeddings unavailable, falling back")
	}
	if useTFIDF {
		logger.Info("similarity backend selected", "backend", "tfidf")
		return NewTFIDFBackend()
	}
	logger.Info("similarity backend selected", "backend", "token_set_overlap")
	return NewTokenSetBackend()
}

// probeEmbedder verifies the embedding provider is reachable before
// committing to it for the process lifetime.
func probeEmbedder(embedder EmbeddingProvider) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := embedder.Embed(ctx, "kaigi-startup-probe")
	return err == nil
}

// cosine computes the cosine similarity between two equal-length vectors,
// then clamps to [0,1] — a backend returning 1.000000007 from floating
// point error must never propagate to storage or comparisons.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return math.Max(0, math.Min(1, score))
}

// DenseBackend scores similarity via cosine distance of unit-normalized
// embedding vectors from an EmbeddingProvider.
type DenseBackend struct {
	embedder EmbeddingProvider
}

// NewDenseBackend wraps an EmbeddingProvider as a Backend.
func NewDenseBackend(embedder EmbeddingProvider) *DenseBackend {
	return &DenseBackend{embedder: embedder}
}

func (d *DenseBackend) Name() string { return "dense_embeddings" }

func (d *DenseBackend) Score(ctx context.Context, a, b string) float64 {
	va, err := d.embedder.Embed(ctx, a)
	if err != nil {
		return 0
	}
	vb, err := d.embedder.Embed(ctx, b)
	if err != nil {
		return 0
	}
	return cosine(va.Slice(), vb.Slice())
}

var tokenSplitRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenSplitRe.Split(strings.ToLower(s), -1) {
		if tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}

// TokenSetBackend scores similarity as Jaccard overlap of lowercased,
// deduplicated, non-alphanumeric-split tokens. It has no external
// dependencies and therefore never fails to load — the backend of last
// resort.
type TokenSetBackend struct{}

// NewTokenSetBackend constructs the always-available fallback backend.
func NewTokenSetBackend() *TokenSetBackend { return &TokenSetBackend{} }

func (TokenSetBackend) Name() string { return "token_set_overlap" }

func (TokenSetBackend) Score(_ context.Context, a, b string) float64 {
	setA, setB := tokenize(a), tokenize(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// TFIDFBackend scores cosine similarity in a TF-IDF vector space built
// lazily from every text seen so far. Safe for concurrent use.
type TFIDFBackend struct {
	mu    sync.Mutex
	docs  []map[string]struct{}     // token sets per document, for IDF
	index map[string]int            // token -> document frequency
}

// NewTFIDFBackend constructs an empty TF-IDF corpus.
func NewTFIDFBackend() *TFIDFBackend {
	return &TFIDFBackend{index: make(map[string]int)}
}

func (t *TFIDFBackend) Name() string { return "tfidf" }

func (t *TFIDFBackend) Score(_ context.Context, a, b string) float64 {
	t.mu.Lock()
	t.observe(a)
	t.observe(b)
	vecA := t.vector(a)
	vecB := t.vector(b)
	n := len(t.docs)
	t.mu.Unlock()

	if n == 0 {
		return 0
	}
	return cosineMap(vecA, vecB)
}

// observe records a's tokens into the corpus, growing the vocabulary. Must
// be called with t.mu held.
func (t *TFIDFBackend) observe(text string) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}
	t.docs = append(t.docs, tokens)
	for tok := range tokens {
		t.index[tok]++
	}
}

// vector computes the TF-IDF weight vector for text against the current
// corpus. Must be called with t.mu held.
func (t *TFIDFBackend) vector(text string) map[string]float64 {
	tokens := tokenize(text)
	n := len(t.docs)
	vec := make(map[string]float64, len(tokens))
	for tok := range tokens {
		df := t.index[tok]
		if df == 0 {
			continue
		}
		idf := math.Log(float64(n+1) / float64(df))
		vec[tok] = 1.0 * (idf + 1) // tf=1 per term per doc (bag of unique tokens)
	}
	return vec
}

func cosineMap(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for tok, wa := range a {
		magA += wa * wa
		if wb, ok := b[tok]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		magB += wb * wb
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return math.Max(0, math.Min(1, score))
}
