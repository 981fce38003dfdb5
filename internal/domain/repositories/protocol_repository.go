package repositories

import (
	"context"

	"github.com/emsassist/protocolguide/internal/domain/entities"
)

// ProtocolRepository defines read and ingestion operations over the protocol
// store. GetByCode returns a NotFound error when no current version exists;
// callers must not conflate that with a store failure.
type ProtocolRepository interface {
	// GetByCode retrieves the current version of a protocol with its chunks
	GetByCode(ctx context.Context, code string) (*entities.Protocol, error)

	// ListCurrentCodes returns the codes of all current, non-deleted protocols
	ListCurrentCodes(ctx context.Context) ([]string, error)

	// Create ingests a new protocol version
	Create(ctx context.Context, protocol *entities.Protocol) error

	// Supersede marks the current version of code as superseded and inserts
	// the replacement as the new current version
	Supersede(ctx context.Context, code string, replacement *entities.Protocol) error

	// IncrementUsage bumps the retrieval counter used for ranking tie-breaks
	IncrementUsage(ctx context.Context, code string) error

	// GetChunksNeedingEmbedding returns chunks with no embedding or a stale one
	GetChunksNeedingEmbedding(ctx context.Context, limit int) ([]*entities.ProtocolChunk, error)

	// UpsertEmbedding stores a chunk embedding together with the content hash
	// it was computed from
	UpsertEmbedding(ctx context.Context, chunkID string, vector []float32, contentHash string) error
}
