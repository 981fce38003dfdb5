package repositories

import (
	"context"

	"github.com/emsassist/protocolguide/internal/domain/entities"
)

// ChunkSearchRepository defines lexical + vector search over protocol chunks.
// An empty result slice is a valid outcome, distinct from an error return.
type ChunkSearchRepository interface {
	// Search returns candidate chunks with raw lexical scores and, where an
	// embedding matched, cosine distances. Final blending is the retrieval
	// engine's job.
	Search(ctx context.Context, query *entities.NormalizedQuery, limit int) ([]*entities.RankedChunk, error)

	// Index upserts a chunk document into the search index
	Index(ctx context.Context, protocol *entities.Protocol, chunk *entities.ProtocolChunk) error

	// Delete removes a chunk from the index
	Delete(ctx context.Context, chunkID string) error
}
