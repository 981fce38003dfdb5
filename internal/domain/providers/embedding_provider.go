package providers

import "context"

// EmbeddingProvider produces vector embeddings for chunk text
type EmbeddingProvider interface {
	// Embed returns one embedding per input text, in input order
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
