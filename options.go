package kaigi

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger            *slog.Logger
	version           string
	databasePath      string
	embeddingProvider EmbeddingProvider
	adapters          []Adapter
	qdrantURL         string
	qdrantAPIKey      string
	qdrantCollection  string
	otelEndpoint      string
	otelInsecure      bool
	defaultRounds     int
	maxRounds         int
}

// WithLogger sets the structured logger for the App. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in startup logs and the
// MCP server's implementation metadata.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabasePath overrides the embedded store's file path from config
// (KAIGI_DB_PATH env var).
func WithDatabasePath(path string) Option {
	return func(o *resolvedOptions) { o.databasePath = path }
}

// WithEmbeddingProvider replaces the auto-detected similarity backend
// (Ollama/OpenAI/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithAdapter registers a deliberation participant adapter. Call once
// per adapter; a participant's AdapterName selects among all registered
// adapters at deliberation time.
func WithAdapter(a Adapter) Option {
	return func(o *resolvedOptions) { o.adapters = append(o.adapters, a) }
}

// WithQdrant enables the accelerated candidate index for the background
// worker, overriding config's QDRANT_URL/QDRANT_API_KEY/QDRANT_COLLECTION.
func WithQdrant(url, apiKey, collection string) Option {
	return func(o *resolvedOptions) {
		o.qdrantURL = url
		o.qdrantAPIKey = apiKey
		o.qdrantCollection = collection
	}
}

// WithOTEL overrides the OTEL exporter endpoint from config
// (OTEL_EXPORTER_OTLP_ENDPOINT env var). insecure disables TLS verification,
// for exporting to a local collector over plaintext.
func WithOTEL(endpoint string, insecure bool) Option {
	return func(o *resolvedOptions) {
		o.otelEndpoint = endpoint
		o.otelInsecure = insecure
	}
}

// WithRounds overrides the configured default and maximum round counts
// for conference-mode deliberations.
func WithRounds(defaultRounds, maxRounds int) Option {
	return func(o *resolvedOptions) {
		o.defaultRounds = defaultRounds
		o.maxRounds = maxRounds
	}
}
