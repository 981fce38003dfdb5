package services

import (
	"context"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/rs/zerolog"
)

// EmbeddingBackfillService computes embeddings for chunks whose content hash
// does not match the hash their stored embedding was computed from, then
// pushes the fresh vectors into the search index. Runs in batches until the
// backlog is drained.
type EmbeddingBackfillService struct {
	protocols repositories.ProtocolRepository
	search    repositories.ChunkSearchRepository
	embedder  providers.EmbeddingProvider
	batchSize int
	logger    zerolog.Logger
}

// NewEmbeddingBackfillService creates a backfill service. search may be nil
// when only the store needs updating.
func NewEmbeddingBackfillService(
	protocols repositories.ProtocolRepository,
	search repositories.ChunkSearchRepository,
	embedder providers.EmbeddingProvider,
	batchSize int,
) *EmbeddingBackfillService {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &EmbeddingBackfillService{
		protocols: protocols,
		search:    search,
		embedder:  embedder,
		batchSize: batchSize,
		logger:    observability.ComponentLogger("embedding-backfill"),
	}
}

// Run drains the embedding backlog and returns how many chunks were updated
func (s *EmbeddingBackfillService) Run(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, apperrors.NewInternalError("no embedding provider configured", nil)
	}

	total := 0
	for {
		chunks, err := s.protocols.GetChunksNeedingEmbedding(ctx, s.batchSize)
		if err != nil {
			return total, err
		}
		if len(chunks) == 0 {
			return total, nil
		}

		updated, err := s.processBatch(ctx, chunks)
		total += updated
		if err != nil {
			return total, err
		}
		if updated == 0 {
			// Nothing in this batch could be embedded; stop rather than spin
			return total, nil
		}
	}
}

func (s *EmbeddingBackfillService) processBatch(ctx context.Context, chunks []*entities.ProtocolChunk) (int, error) {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(chunks) {
		return 0, apperrors.NewExternalError("embedding provider returned a mismatched batch", nil)
	}

	updated := 0
	for i, chunk := range chunks {
		if err := s.protocols.UpsertEmbedding(ctx, chunk.ID, vectors[i], chunk.ContentHash); err != nil {
			s.logger.Warn().Err(err).Str("chunk_id", chunk.ID).Msg("failed to store embedding")
			continue
		}
		chunk.Embedding = vectors[i]
		chunk.EmbeddedHash = chunk.ContentHash
		updated++

		s.reindex(ctx, chunk)
	}

	s.logger.Info().Int("updated", updated).Int("batch", len(chunks)).Msg("embedding batch processed")
	return updated, nil
}

// reindex pushes the refreshed chunk into the search index so vector queries
// see it without a full rebuild
func (s *EmbeddingBackfillService) reindex(ctx context.Context, chunk *entities.ProtocolChunk) {
	if s.search == nil {
		return
	}

	protocol, err := s.protocols.GetByCode(ctx, chunk.ProtocolCode)
	if err != nil {
		s.logger.Warn().Err(err).Str("code", chunk.ProtocolCode).Msg("failed to load protocol for reindex")
		return
	}

	if err := s.search.Index(ctx, protocol, chunk); err != nil {
		s.logger.Warn().Err(err).Str("chunk_id", chunk.ID).Msg("failed to reindex chunk")
	}
}
