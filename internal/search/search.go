// Package search implements the optional Qdrant-backed candidate index:
// an accelerated alternative to store.GetRecent's plain
// table scan for finding decisions to similarity-score against, once the
// decision graph grows past a size where a full scan is cheap.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/similarity"
	"github.com/kaigi-labs/kaigi/internal/store"
)

// Config holds connection details for a Qdrant Cloud or self-hosted instance.
type Config struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Index implements worker.CandidateFinder backed by Qdrant, embedding
// each decision's question text and indexing it for nearest-neighbor
// lookup in place of a full store scan.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	embedder   similarity.EmbeddingProvider
	store      *store.DB
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseURL extracts host, port, and TLS flag from a Qdrant URL. Accepts
// forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334 // REST port given, switch to the gRPC port.
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to Qdrant over gRPC. embedder supplies the vectors
// upserted and queried; db resolves candidate IDs back to full
// DecisionNodes since Qdrant itself only stores id + vector + payload.
func NewIndex(cfg Config, embedder similarity.EmbeddingProvider, db *store.DB, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		embedder:   embedder,
		store:      db,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist,
// with HNSW parameters tuned for cosine similarity over question
// embeddings.
func (idx *Index) EnsureCollection(ctx context.Context) error {
	exists, err := idx.client.CollectionExists(ctx, idx.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		idx.logger.Info("qdrant: collection already exists", "collection", idx.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)
	err = idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: idx.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     idx.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("search: create collection %q: %w", idx.collection, err)
	}

	idx.logger.Info("qdrant: created collection", "collection", idx.collection, "dims", idx.dims)
	return nil
}

// Candidates embeds the source decision's question and returns up to
// limit nearest neighbors other than exclude, resolved back to full
// DecisionNodes via the store — satisfying worker.CandidateFinder.
func (idx *Index) Candidates(ctx context.Context, exclude uuid.UUID, limit int) ([]model.DecisionNode, error) {
	source, err := idx.store.GetByID(ctx, exclude)
	if err != nil {
		return nil, fmt.Errorf("search: load source decision %s: %w", exclude, err)
	}

	vec, err := idx.embedder.Embed(ctx, source.QuestionNormalized)
	if err != nil {
		return nil, fmt.Errorf("search: embed source question: %w", err)
	}

	// Over-fetch since `exclude` itself will typically be the top match
	// and must be filtered out below.
	fetchLimit := uint64(limit) + 1
	scored, err := idx.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: idx.collection,
		Query:          qdrant.NewQueryDense(vec.Slice()),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	nodes := make([]model.DecisionNode, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		candidateID, err := uuid.Parse(idStr)
		if err != nil {
			idx.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		if candidateID == exclude {
			continue
		}
		node, err := idx.store.GetByID(ctx, candidateID)
		if err != nil {
			idx.logger.Warn("qdrant: candidate id not found in store", "id", candidateID, "error", err)
			continue
		}
		nodes = append(nodes, node)
		if len(nodes) >= limit {
			break
		}
	}
	return nodes, nil
}

// Upsert embeds and indexes a single decision. Called after a decision is
// persisted so future Candidates calls can find it.
func (idx *Index) Upsert(ctx context.Context, node model.DecisionNode) error {
	vec, err := idx.embedder.Embed(ctx, node.QuestionNormalized)
	if err != nil {
		return fmt.Errorf("search: embed decision %s: %w", node.ID, err)
	}

	_, err = idx.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: idx.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(node.ID.String()),
				Vectors: qdrant.NewVectorsDense(vec.Slice()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %s: %w", node.ID, err)
	}
	return nil
}

// DeleteByID removes a single point, used when a decision is cascade-deleted.
func (idx *Index) DeleteByID(ctx context.Context, id uuid.UUID) error {
	_, err := idx.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: idx.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(id.String())},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %s: %w", id, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds to avoid hammering the health endpoint on every search request.
func (idx *Index) Healthy(ctx context.Context) error {
	idx.healthMu.Lock()
	defer idx.healthMu.Unlock()

	if time.Since(idx.lastCheck) < 5*time.Second {
		return idx.lastErr
	}

	_, err := idx.client.HealthCheck(ctx)
	idx.lastCheck = time.Now()
	if err != nil {
		idx.lastErr = fmt.Errorf("search: qdrant unhealthy: %w", err)
	} else {
		idx.lastErr = nil
	}
	return idx.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (idx *Index) Close() error {
	return idx.client.Close()
}
