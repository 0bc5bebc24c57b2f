// Package kaigi is a multi-model deliberation engine: several LLM
// "participants" debate a question over one or more rounds, vote, and
// have their outcome checked for convergence, with the result optionally
// persisted to a decision graph for future retrieval.
//
// Embed it with:
//
//	app, err := kaigi.New(
//		kaigi.WithVersion(version),
//		kaigi.WithLogger(logger),
//		kaigi.WithAdapter(myOpenAIAdapter),
//	)
//	...
//	err = app.Run(ctx)
//
// myOpenAIAdapter is anything satisfying the Adapter interface — an
// HTTP or CLI client keyed to a model, resolved at deliberation time by
// matching a Participant's AdapterName.
//
// Run blocks serving the MCP stdio transport until ctx is cancelled, or
// call app.Deliberate directly for in-process use without MCP at all.
//
// The import graph enforces a strict no-cycle rule: kaigi (root) imports
// internal/*, but internal/* never imports kaigi (root). Public types
// (Decision, DeliberationResult, etc.) are standalone structs with no
// internal imports; conversion helpers (toPublicDecision, toPublicResult)
// live here because this is the only file that sees both sides of the
// boundary.
package kaigi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/pgvector/pgvector-go"

	"github.com/kaigi-labs/kaigi/internal/adapter"
	"github.com/kaigi-labs/kaigi/internal/cache"
	"github.com/kaigi-labs/kaigi/internal/config"
	"github.com/kaigi-labs/kaigi/internal/embedding"
	"github.com/kaigi-labs/kaigi/internal/graph"
	"github.com/kaigi-labs/kaigi/internal/maintenance"
	"github.com/kaigi-labs/kaigi/internal/mcpapi"
	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/orchestrator"
	"github.com/kaigi-labs/kaigi/internal/retrieval"
	"github.com/kaigi-labs/kaigi/internal/search"
	"github.com/kaigi-labs/kaigi/internal/similarity"
	"github.com/kaigi-labs/kaigi/internal/store"
	"github.com/kaigi-labs/kaigi/internal/telemetry"
	"github.com/kaigi-labs/kaigi/internal/tools"
	"github.com/kaigi-labs/kaigi/internal/worker"
)

// App is the kaigi engine's lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *store.DB
	cache        *cache.Cache
	backend      similarity.Backend
	worker       *worker.Worker
	retriever    *retrieval.Retriever
	graph        *graph.Graph // nil when decision_graph is disabled
	searchIndex  *search.Index // nil when Qdrant is not configured
	factory      *adapter.Factory
	orch         *orchestrator.Orchestrator
	monitor      *maintenance.Monitor
	mcpSrv       *mcpapi.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine: it opens the store, selects a similarity
// backend, wires the worker/retrieval/graph/orchestrator stack, and
// registers the MCP tool surface. It does NOT start any goroutines or
// accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("kaigi: load config: %w", err)
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	if o.qdrantURL != "" {
		cfg.QdrantURL = o.qdrantURL
		cfg.QdrantAPIKey = o.qdrantAPIKey
		if o.qdrantCollection != "" {
			cfg.QdrantCollection = o.qdrantCollection
		}
	}
	if o.otelEndpoint != "" {
		cfg.OTELEndpoint = o.otelEndpoint
		cfg.OTELInsecure = o.otelInsecure
	}
	if o.defaultRounds != 0 {
		cfg.DefaultRounds = o.defaultRounds
	}
	if o.maxRounds != 0 {
		cfg.MaxRounds = o.maxRounds
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kaigi starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("kaigi: telemetry: %w", err)
	}

	db, err := store.Open(context.Background(), cfg.DatabasePath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("kaigi: store: %w", err)
	}

	var embedder similarity.EmbeddingProvider
	if o.embeddingProvider != nil {
		embedder = &publicEmbeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}
	backend := similarity.Select(logger, embedder, cfg.UseTFIDFFallback)

	c := cache.NewCache()

	var finder worker.CandidateFinder
	var searchIndex *search.Index
	if cfg.QdrantURL != "" {
		idx, idxErr := search.NewIndex(search.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, embedder, db, logger)
		if idxErr != nil {
			_ = db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("kaigi: qdrant: %w", idxErr)
		}
		if err := idx.EnsureCollection(context.Background()); err != nil {
			_ = idx.Close()
			_ = db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("kaigi: qdrant ensure collection: %w", err)
		}
		searchIndex = idx
		finder = idx
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		finder = worker.NewStoreFinder(db)
		logger.Info("qdrant: disabled (no QDRANT_URL), using in-store scan")
	}

	w := worker.New(db, backend, finder, c, logger, 0, 0)

	retriever := retrieval.New(db, backend, c, retrieval.Thresholds{
		NoiseFloor:   cfg.SimilarityNoiseFloor,
		TierStrong:   cfg.TierStrong,
		TierModerate: cfg.TierModerate,
		TokenBudget:  cfg.ContextTokenBudget,
	})

	var g *graph.Graph
	if cfg.DecisionGraphEnabled {
		g = graph.New(db, retriever, w, c, logger)
	} else {
		logger.Info("decision graph: disabled")
	}

	adapters := make([]adapter.Adapter, 0, len(o.adapters))
	for _, a := range o.adapters {
		adapters = append(adapters, a)
	}
	factory := adapter.NewFactory(adapters...)

	toolExec := tools.NewExecutor(cfg.ToolWorkingDirectory, cfg.ToolTimeout)

	orch := orchestrator.New(factory, toolExec, backend, g, cfg, logger)

	monitor := maintenance.New(db, w, c, 0)

	mcpSrv := mcpapi.New(orch, g, logger, version)

	return &App{
		cfg:          cfg,
		db:           db,
		cache:        c,
		backend:      backend,
		worker:       w,
		retriever:    retriever,
		graph:        g,
		searchIndex:  searchIndex,
		factory:      factory,
		orch:         orch,
		monitor:      monitor,
		mcpSrv:       mcpSrv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background worker and serves the MCP stdio transport
// until ctx is cancelled or the transport errors, then performs a
// graceful Shutdown.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := mcpserver.ServeStdio(a.mcpSrv.MCPServer()); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains the background worker, closes the search index and
// database, and shuts down the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaigi shutting down")

	a.worker.Drain(ctx)

	if a.searchIndex != nil {
		_ = a.searchIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	if err := a.db.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("kaigi stopped")
	return nil
}

// Deliberate runs one deliberation in-process, without going through the
// MCP transport. Useful for embedding kaigi as a library.
func (a *App) Deliberate(ctx context.Context, req DeliberationRequest) (DeliberationResult, error) {
	participants := make([]model.Participant, 0, len(req.Participants))
	for _, p := range req.Participants {
		participants = append(participants, model.Participant{
			AdapterName: p.AdapterName,
			ModelID:     p.ModelID,
			Stance:      model.Stance(p.Stance),
		})
	}
	mode := orchestrator.Mode(req.Mode)
	if mode == "" {
		mode = orchestrator.ModeConference
	}
	result, err := a.orch.Run(ctx, orchestrator.Request{
		Question:     req.Question,
		Participants: participants,
		Mode:         mode,
		Rounds:       req.Rounds,
		Context:      req.Context,
	})
	if err != nil {
		return DeliberationResult{}, err
	}
	return toPublicResult(result), nil
}

// Stats returns the Maintenance Monitor's current store/worker/cache
// counters.
func (a *App) Stats(ctx context.Context) (Stats, error) {
	s, err := a.monitor.GetStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		NodeCount:        s.NodeCount,
		EdgeCount:        s.EdgeCount,
		AvgSimilarity:    s.AvgSimilarity,
		DBBytes:          s.DBBytes,
		WorkerQueueDepth: s.WorkerQueueDepth,
		WorkerOverflow:   s.WorkerOverflow,
		CombinedHitRate:  s.CombinedHitRate,
	}, nil
}

// Health returns the Maintenance Monitor's health verdict.
func (a *App) Health(ctx context.Context) HealthReport {
	r := a.monitor.HealthCheck(ctx)
	return HealthReport{Status: Status(r.Status), Issues: r.Issues}
}

// publicEmbeddingAdapter wraps a public EmbeddingProvider (which speaks
// []float32, so external implementers never need the pgvector
// dependency) into similarity.EmbeddingProvider.
type publicEmbeddingAdapter struct {
	p EmbeddingProvider
}

func (a *publicEmbeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

// newEmbeddingProvider auto-detects a similarity backend's embedder:
// Ollama if reachable (on-premises, no API cost), else OpenAI if a key
// is configured, else noop (similarity.Select then falls back to TF-IDF
// or token-set overlap, depending on UseTFIDFFallback).
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) similarity.EmbeddingProvider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KAIGI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return p
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (dense similarity disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return p
		}
		logger.Warn("no embedding provider available, using noop (falls back to a lexical similarity backend)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func toPublicResult(r model.DeliberationResult) DeliberationResult {
	out := DeliberationResult{
		Question:        r.Question,
		TotalRounds:     r.TotalRounds,
		RoundsCompleted: r.RoundsCompleted,
		Status:          string(r.Status),
		TranscriptRef:   r.TranscriptRef,
	}
	if r.VotingResult != nil {
		out.WinningOption = r.VotingResult.WinningOption
		out.ConsensusClass = ConsensusClass(r.VotingResult.ConsensusClass)
	}
	if r.ConvergenceInfo != nil {
		out.ConvergenceDetected = r.ConvergenceInfo.Detected
		out.ConvergenceStatus = string(r.ConvergenceInfo.Status)
	}
	return out
}

func toPublicDecision(n model.DecisionNode) Decision {
	return Decision{
		ID:             n.ID,
		Question:       n.Question,
		ConsensusClass: ConsensusClass(n.ConsensusStatus),
		WinningOption:  n.WinningOption,
		Participants:   n.Participants,
		CreatedAt:      n.Timestamp,
	}
}

// errGraphDisabled is returned by every Query Decisions method when
// decision_graph is disabled in config.
var errGraphDisabled = errors.New("kaigi: decision graph is disabled")

// SearchSimilar returns past decisions ranked by semantic similarity to
// query.
func (a *App) SearchSimilar(ctx context.Context, query string, limit int) ([]ScoredDecision, error) {
	if a.graph == nil {
		return nil, errGraphDisabled
	}
	scored, err := a.graph.SearchSimilar(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredDecision, 0, len(scored))
	for _, s := range scored {
		out = append(out, ScoredDecision{Decision: toPublicDecision(s.Node), Score: s.Score})
	}
	return out, nil
}

// FindContradictions returns pairs of similar decisions whose winning
// options diverge. minSimilarity <= 0 uses the configured noise floor.
func (a *App) FindContradictions(ctx context.Context, minSimilarity float64) ([]Contradiction, error) {
	if a.graph == nil {
		return nil, errGraphDisabled
	}
	pairs, err := a.graph.FindContradictions(ctx, minSimilarity)
	if err != nil {
		return nil, err
	}
	out := make([]Contradiction, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Contradiction{
			A:          toPublicDecision(p.A),
			B:          toPublicDecision(p.B),
			Similarity: p.Similarity,
		})
	}
	return out, nil
}

// TraceEvolution returns the chronological chain of decisions on
// questions highly similar to decisionID's.
func (a *App) TraceEvolution(ctx context.Context, decisionID uuid.UUID, minSimilarity float64) ([]Decision, error) {
	if a.graph == nil {
		return nil, errGraphDisabled
	}
	chain, err := a.graph.TraceEvolution(ctx, decisionID, minSimilarity)
	if err != nil {
		return nil, err
	}
	out := make([]Decision, 0, len(chain))
	for _, n := range chain {
		out = append(out, toPublicDecision(n))
	}
	return out, nil
}

// AnalyzePatterns returns aggregate stats across every persisted
// decision: a consensus-class histogram and mean rounds-to-convergence.
func (a *App) AnalyzePatterns(ctx context.Context) (PatternSummary, error) {
	if a.graph == nil {
		return PatternSummary{}, errGraphDisabled
	}
	s, err := a.graph.AnalyzePatterns(ctx)
	if err != nil {
		return PatternSummary{}, err
	}
	hist := make(map[ConsensusClass]int, len(s.ConsensusHistogram))
	for k, v := range s.ConsensusHistogram {
		hist[ConsensusClass(k)] = v
	}
	return PatternSummary{
		TotalDecisions:          s.TotalDecisions,
		ConsensusHistogram:      hist,
		MeanRoundsToConvergence: s.MeanRoundsToConvergence,
	}, nil
}
