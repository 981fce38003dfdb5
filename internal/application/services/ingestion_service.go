package services

import (
	"context"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/rs/zerolog"
)

// ProtocolSource provides protocols to ingest, typically the flat-file corpus
type ProtocolSource interface {
	Protocols() []*entities.Protocol
}

// IngestionService writes protocols into the structured store and the search
// index. Updates supersede the current version; nothing is ever mutated in
// place or hard-deleted.
type IngestionService struct {
	protocols    repositories.ProtocolRepository
	search       repositories.ChunkSearchRepository
	invalidation *CacheInvalidationService
	logger       zerolog.Logger
}

// NewIngestionService creates an ingestion service. search and invalidation
// may be nil.
func NewIngestionService(
	protocols repositories.ProtocolRepository,
	search repositories.ChunkSearchRepository,
	invalidation *CacheInvalidationService,
) *IngestionService {
	return &IngestionService{
		protocols:    protocols,
		search:       search,
		invalidation: invalidation,
		logger:       observability.ComponentLogger("ingestion"),
	}
}

// Ingest writes one protocol version. A protocol with an existing current
// version supersedes it; otherwise it is created fresh.
func (s *IngestionService) Ingest(ctx context.Context, protocol *entities.Protocol) error {
	prepareChunks(protocol)

	existing, err := s.protocols.GetByCode(ctx, protocol.Code)
	switch {
	case err == nil:
		if existing.Version >= protocol.Version {
			s.logger.Debug().Str("code", protocol.Code).Int("version", existing.Version).Msg("protocol already at version, skipping")
			return nil
		}
		if err := s.protocols.Supersede(ctx, protocol.Code, protocol); err != nil {
			return err
		}
		if s.invalidation != nil {
			s.invalidation.NotifySuperseded(protocol.Code)
		}
	case apperrors.IsNotFound(err):
		if err := s.protocols.Create(ctx, protocol); err != nil {
			return err
		}
	default:
		return err
	}

	return s.indexChunks(ctx, protocol)
}

// SeedFromCorpus ingests every protocol in the source, returning the count
// that succeeded
func (s *IngestionService) SeedFromCorpus(ctx context.Context, source ProtocolSource) (int, error) {
	ingested := 0
	var lastErr error

	for _, protocol := range source.Protocols() {
		if err := s.Ingest(ctx, protocol); err != nil {
			s.logger.Error().Err(err).Str("code", protocol.Code).Msg("failed to ingest protocol")
			lastErr = err
			continue
		}
		ingested++
	}

	return ingested, lastErr
}

func (s *IngestionService) indexChunks(ctx context.Context, protocol *entities.Protocol) error {
	if s.search == nil {
		return nil
	}

	for i := range protocol.Chunks {
		if err := s.search.Index(ctx, protocol, &protocol.Chunks[i]); err != nil {
			return err
		}
	}
	return nil
}

// prepareChunks fills in derived chunk fields before persistence
func prepareChunks(protocol *entities.Protocol) {
	for i := range protocol.Chunks {
		chunk := &protocol.Chunks[i]
		chunk.ProtocolCode = protocol.Code
		if chunk.ID == "" {
			chunk.ID = entities.ChunkID(protocol.Code, chunk.Seq)
		}
		if chunk.ContentHash == "" {
			chunk.ContentHash = entities.ComputeContentHash(chunk.Content)
		}
	}
}
