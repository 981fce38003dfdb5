package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/providers"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	tsclient "github.com/emsassist/protocolguide/internal/infrastructure/clients/typesense"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
)

// TypesenseAdapter implements chunk search using Typesense. Queries run in
// hybrid mode (text match + vector distance) when a query embedding can be
// computed; otherwise lexical only.
type TypesenseAdapter struct {
	client   *tsclient.Client
	embedder providers.EmbeddingProvider
}

// Ensure TypesenseAdapter implements ChunkSearchRepository
var _ repositories.ChunkSearchRepository = (*TypesenseAdapter)(nil)

// NewTypesenseAdapter creates a new Typesense adapter. The embedder may be
// nil, in which case all searches are lexical.
func NewTypesenseAdapter(client *tsclient.Client, embedder providers.EmbeddingProvider) *TypesenseAdapter {
	return &TypesenseAdapter{client: client, embedder: embedder}
}

// Search returns candidate chunks with raw lexical scores and, where the
// index holds an embedding, cosine distances
func (a *TypesenseAdapter) Search(ctx context.Context, query *entities.NormalizedQuery, limit int) ([]*entities.RankedChunk, error) {
	if limit <= 0 {
		limit = 10
	}

	searchParams := &api.SearchCollectionParams{
		Q:        pointer.String(query.Text),
		QueryBy:  pointer.String("content,keywords,protocol_name"),
		FilterBy: pointer.String("is_current:=true"),
		PerPage:  pointer.Int(limit),
	}

	if vector := a.queryVector(ctx, query.Text); vector != "" {
		searchParams.VectorQuery = pointer.String(vector)
	}

	result, err := a.client.Client().Collection(tsclient.ChunksCollection).Documents().Search(ctx, searchParams)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to search chunks", err)
	}

	chunks := []*entities.RankedChunk{}
	if result.Hits == nil {
		return chunks, nil
	}

	for _, hit := range *result.Hits {
		if hit.Document == nil {
			continue
		}
		doc := *hit.Document

		ranked := &entities.RankedChunk{
			Chunk: entities.ProtocolChunk{},
		}
		if v, ok := doc["id"].(string); ok {
			ranked.Chunk.ID = v
		}
		if v, ok := doc["protocol_code"].(string); ok {
			ranked.Chunk.ProtocolCode = v
		}
		if v, ok := doc["protocol_name"].(string); ok {
			ranked.ProtocolName = v
		}
		if v, ok := doc["content"].(string); ok {
			ranked.Chunk.Content = v
		}
		if v, ok := doc["seq"].(float64); ok {
			ranked.Chunk.Seq = int(v)
		}
		if v, ok := doc["usage_count"].(float64); ok {
			ranked.UsageCount = int(v)
		}
		if v, ok := doc["keywords"].([]interface{}); ok {
			for _, kw := range v {
				if s, ok := kw.(string); ok {
					ranked.Chunk.Keywords = append(ranked.Chunk.Keywords, s)
				}
			}
		}

		if hit.TextMatch != nil {
			ranked.LexicalScore = float64(*hit.TextMatch)
		}
		if hit.VectorDistance != nil {
			dist := float64(*hit.VectorDistance)
			ranked.CosineDistance = &dist
		}

		chunks = append(chunks, ranked)
	}

	return chunks, nil
}

// Index upserts a chunk document into the search index
func (a *TypesenseAdapter) Index(ctx context.Context, protocol *entities.Protocol, chunk *entities.ProtocolChunk) error {
	document := map[string]interface{}{
		"id":            chunk.ID,
		"protocol_code": chunk.ProtocolCode,
		"protocol_name": protocol.Name,
		"category":      protocol.Category,
		"seq":           chunk.Seq,
		"content":       chunk.Content,
		"keywords":      chunk.Keywords,
		"is_current":    protocol.IsCurrent && !protocol.IsDeleted,
		"usage_count":   protocol.UsageCount,
	}
	if chunk.HasFreshEmbedding() {
		document["embedding"] = chunk.Embedding
	}

	_, err := a.client.Client().Collection(tsclient.ChunksCollection).Documents().Upsert(ctx, document)
	if err != nil {
		return apperrors.NewExternalError("failed to index chunk", err)
	}

	return nil
}

// Delete removes a chunk from the index
func (a *TypesenseAdapter) Delete(ctx context.Context, chunkID string) error {
	_, err := a.client.Client().Collection(tsclient.ChunksCollection).Document(chunkID).Delete(ctx)
	if err != nil {
		return apperrors.NewExternalError("failed to delete chunk from index", err)
	}
	return nil
}

// queryVector embeds the query text and formats it for Typesense's
// vector_query parameter. Embedding failures degrade to lexical search
// rather than failing the request.
func (a *TypesenseAdapter) queryVector(ctx context.Context, text string) string {
	if a.embedder == nil || text == "" {
		return ""
	}

	embedCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	vectors, err := a.embedder.Embed(embedCtx, []string{text})
	if err != nil || len(vectors) != 1 {
		log.Debug().Err(err).Msg("query embedding unavailable, using lexical search")
		return ""
	}

	var b strings.Builder
	b.WriteString("embedding:([")
	for i, v := range vectors[0] {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	fmt.Fprintf(&b, "])")
	return b.String()
}
