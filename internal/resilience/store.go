package resilience

import (
	"context"
	"fmt"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
)

// Dependency names used to key circuit breakers. Each external system gets
// its own breaker so an outage in one does not blind the others.
const (
	DepStructuredStore = "structured-store"
	DepVectorIndex     = "vector-index"
)

// Corpus is the flat-file tier the store falls back to when both the
// structured store and the search index are unavailable
type Corpus interface {
	GetByCode(ctx context.Context, code string) (*entities.Protocol, error)
	SearchLexical(ctx context.Context, query *entities.NormalizedQuery, limit int) ([]*entities.RankedChunk, error)
}

// Store is the read-path facade over the protocol store and the chunk index.
// Every method returns an Outcome, never an error: callers on the retrieval
// path always get something to work with.
type Store struct {
	mgr       *Manager
	protocols repositories.ProtocolRepository
	search    repositories.ChunkSearchRepository
	corpus    Corpus
}

// NewStore creates the resilient store facade. corpus may be nil, in which
// case the file tier is skipped.
func NewStore(mgr *Manager, protocols repositories.ProtocolRepository, search repositories.ChunkSearchRepository, corpus Corpus) *Store {
	return &Store{
		mgr:       mgr,
		protocols: protocols,
		search:    search,
		corpus:    corpus,
	}
}

// GetProtocol fetches the current version of a protocol through the fallback
// chain. An Outcome with Success=true and nil Data means the code does not
// exist; Success=false means nothing could be determined.
func (s *Store) GetProtocol(ctx context.Context, code string) Outcome[*entities.Protocol] {
	signature := fmt.Sprintf("protocol:code:%s", code)

	var fileTier func(context.Context) (*entities.Protocol, error)
	if s.corpus != nil {
		fileTier = func(fc context.Context) (*entities.Protocol, error) {
			return s.corpus.GetByCode(fc, code)
		}
	}

	return Execute(ctx, s.mgr, DepStructuredStore, signature,
		func(pc context.Context) (*entities.Protocol, error) {
			return s.protocols.GetByCode(pc, code)
		},
		fileTier,
	)
}

// ListProtocolCodes returns every current protocol code, for citation checks
func (s *Store) ListProtocolCodes(ctx context.Context) Outcome[[]string] {
	var fileTier func(context.Context) ([]string, error)
	if s.corpus != nil {
		fileTier = func(context.Context) ([]string, error) {
			return corpusCodes(s.corpus), nil
		}
	}

	return Execute(ctx, s.mgr, DepStructuredStore, "protocol:codes",
		func(pc context.Context) ([]string, error) {
			return s.protocols.ListCurrentCodes(pc)
		},
		fileTier,
	)
}

// SearchChunks runs the hybrid chunk search through the fallback chain. The
// file tier is lexical only; the caller can tell which from StrategyUsed.
func (s *Store) SearchChunks(ctx context.Context, query *entities.NormalizedQuery, limit int) Outcome[[]*entities.RankedChunk] {
	signature := fmt.Sprintf("chunks:%s:%d:%t", query.Text, limit, query.IsPediatric)

	var fileTier func(context.Context) ([]*entities.RankedChunk, error)
	if s.corpus != nil {
		fileTier = func(fc context.Context) ([]*entities.RankedChunk, error) {
			return s.corpus.SearchLexical(fc, query, limit)
		}
	}

	return Execute(ctx, s.mgr, DepVectorIndex, signature,
		func(sc context.Context) ([]*entities.RankedChunk, error) {
			if s.search == nil {
				return nil, apperrors.NewExternalError("search index not configured", nil)
			}
			return s.search.Search(sc, query, limit)
		},
		fileTier,
	)
}

// corpusCodes extracts codes from a corpus implementing the optional
// Protocols() accessor; otherwise it reports nothing
func corpusCodes(corpus Corpus) []string {
	lister, ok := corpus.(interface{ Protocols() []*entities.Protocol })
	if !ok {
		return nil
	}
	protocols := lister.Protocols()
	codes := make([]string, 0, len(protocols))
	for _, p := range protocols {
		codes = append(codes, p.Code)
	}
	return codes
}
