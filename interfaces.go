package kaigi

import "context"

// EmbeddingProvider generates vector embeddings from text. When supplied
// via WithEmbeddingProvider, it replaces the auto-detected Ollama/OpenAI/
// noop similarity backend. Uses []float32 (not pgvector.Vector) so
// embedders outside this module never need the pgvector dependency;
// New wraps it in an internal adapter.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Adapter abstracts invocation of one LLM back-end as a deliberation
// participant. Register one per call to WithAdapter; a participant's
// AdapterName must match an Adapter's Name() or the round treats that
// seat as invalid_model.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, modelID, promptText string) (string, error)
	ValidatePromptLength(promptText string) (ok bool, limit int)
}
