package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/postgres"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ProtocolAdapter implements ProtocolRepository against PostgreSQL
type ProtocolAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewProtocolAdapter creates a new protocol adapter
func NewProtocolAdapter(client *postgres.Client) repositories.ProtocolRepository {
	return &ProtocolAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

var protocolColumns = []interface{}{
	"id", "code", "pediatric_code", "name", "category", "keywords", "version",
	"effective_date", "expiration_date", "is_current", "is_deleted",
	"requires_base_contact", "usage_count", "created_at", "updated_at",
}

// GetByCode retrieves the current version of a protocol with its chunks
func (a *ProtocolAdapter) GetByCode(ctx context.Context, code string) (*entities.Protocol, error) {
	query, args, err := a.db.Select(protocolColumns...).
		From("protocols").
		Where(goqu.Ex{"code": code, "is_current": true, "is_deleted": false}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	protocol, err := a.scanProtocol(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("protocol %s not found", code))
	}
	if err != nil {
		return nil, apperrors.NewExternalError("failed to get protocol", err)
	}

	chunks, err := a.getChunks(ctx, protocol.ID)
	if err != nil {
		return nil, err
	}
	protocol.Chunks = chunks

	return protocol, nil
}

// ListCurrentCodes returns the codes of all current, non-deleted protocols
func (a *ProtocolAdapter) ListCurrentCodes(ctx context.Context) ([]string, error) {
	query, args, err := a.db.Select("code").
		From("protocols").
		Where(goqu.Ex{"is_current": true, "is_deleted": false}).
		Order(goqu.I("code").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to list protocol codes", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, apperrors.NewInternalError("failed to scan protocol code", err)
		}
		codes = append(codes, code)
	}

	return codes, rows.Err()
}

// Create ingests a new protocol version with its chunks
func (a *ProtocolAdapter) Create(ctx context.Context, protocol *entities.Protocol) error {
	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return apperrors.NewExternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := a.insertProtocol(ctx, tx, protocol); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewExternalError("failed to commit protocol", err)
	}
	return nil
}

// Supersede marks the current version of code as superseded and inserts the
// replacement as the new current version. Superseded rows are retained.
func (a *ProtocolAdapter) Supersede(ctx context.Context, code string, replacement *entities.Protocol) error {
	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return apperrors.NewExternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	query, args, err := a.db.Update("protocols").
		Set(goqu.Record{"is_current": false, "updated_at": time.Now()}).
		Where(goqu.Ex{"code": code, "is_current": true}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build supersede query", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewExternalError("failed to supersede protocol", err)
	}

	replacement.Code = code
	replacement.IsCurrent = true
	if err := a.insertProtocol(ctx, tx, replacement); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewExternalError("failed to commit supersede", err)
	}
	return nil
}

// IncrementUsage bumps the retrieval counter used for ranking tie-breaks
func (a *ProtocolAdapter) IncrementUsage(ctx context.Context, code string) error {
	query := `UPDATE protocols SET usage_count = usage_count + 1 WHERE code = $1 AND is_current = true`
	if _, err := a.client.DB().ExecContext(ctx, query, code); err != nil {
		return apperrors.NewExternalError("failed to increment usage", err)
	}
	return nil
}

// GetChunksNeedingEmbedding returns chunks of current protocols with no
// embedding or one computed from stale content
func (a *ProtocolAdapter) GetChunksNeedingEmbedding(ctx context.Context, limit int) ([]*entities.ProtocolChunk, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT c.id, c.protocol_code, c.seq, c.content, c.content_hash, c.keywords, c.embedded_hash
		FROM protocol_chunks c
		JOIN protocols p ON p.id = c.protocol_id
		WHERE p.is_current = true AND p.is_deleted = false
		  AND (c.embedding IS NULL OR c.embedded_hash IS DISTINCT FROM c.content_hash)
		ORDER BY c.protocol_code, c.seq
		LIMIT $1
	`

	rows, err := a.client.DB().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to get chunks needing embedding", err)
	}
	defer rows.Close()

	var chunks []*entities.ProtocolChunk
	for rows.Next() {
		chunk := &entities.ProtocolChunk{}
		var embeddedHash sql.NullString
		err := rows.Scan(
			&chunk.ID,
			&chunk.ProtocolCode,
			&chunk.Seq,
			&chunk.Content,
			&chunk.ContentHash,
			pq.Array(&chunk.Keywords),
			&embeddedHash,
		)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan chunk", err)
		}
		chunk.EmbeddedHash = embeddedHash.String
		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}

// UpsertEmbedding stores a chunk embedding together with the content hash it
// was computed from. The hash guard drops writes raced by a content update.
func (a *ProtocolAdapter) UpsertEmbedding(ctx context.Context, chunkID string, vector []float32, contentHash string) error {
	query := `
		UPDATE protocol_chunks
		SET embedding = $2, embedded_hash = $3
		WHERE id = $1 AND content_hash = $3
	`
	if _, err := a.client.DB().ExecContext(ctx, query, chunkID, pq.Array(vector), contentHash); err != nil {
		return apperrors.NewExternalError("failed to upsert embedding", err)
	}
	return nil
}

func (a *ProtocolAdapter) insertProtocol(ctx context.Context, tx *sql.Tx, protocol *entities.Protocol) error {
	if protocol.ID == "" {
		protocol.ID = uuid.New().String()
	}
	now := time.Now()
	if protocol.CreatedAt.IsZero() {
		protocol.CreatedAt = now
	}
	protocol.UpdatedAt = now

	record := goqu.Record{
		"id":                    protocol.ID,
		"code":                  protocol.Code,
		"pediatric_code":        sql.NullString{String: protocol.PediatricCode, Valid: protocol.PediatricCode != ""},
		"name":                  protocol.Name,
		"category":              sql.NullString{String: protocol.Category, Valid: protocol.Category != ""},
		"keywords":              pq.Array(protocol.Keywords),
		"version":               protocol.Version,
		"effective_date":        protocol.EffectiveDate,
		"expiration_date":       protocol.ExpirationDate,
		"is_current":            protocol.IsCurrent,
		"is_deleted":            protocol.IsDeleted,
		"requires_base_contact": protocol.RequiresBaseContact,
		"usage_count":           protocol.UsageCount,
		"created_at":            protocol.CreatedAt,
		"updated_at":            protocol.UpdatedAt,
	}

	query, args, err := a.db.Insert("protocols").Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewExternalError("failed to insert protocol", err)
	}

	for i := range protocol.Chunks {
		chunk := &protocol.Chunks[i]
		chunk.ProtocolCode = protocol.Code
		if chunk.ID == "" {
			chunk.ID = entities.ChunkID(protocol.Code, chunk.Seq)
		}
		if chunk.ContentHash == "" {
			chunk.ContentHash = entities.ComputeContentHash(chunk.Content)
		}

		chunkRecord := goqu.Record{
			"id":            chunk.ID,
			"protocol_id":   protocol.ID,
			"protocol_code": chunk.ProtocolCode,
			"seq":           chunk.Seq,
			"content":       chunk.Content,
			"content_hash":  chunk.ContentHash,
			"keywords":      pq.Array(chunk.Keywords),
			"embedded_hash": sql.NullString{String: chunk.EmbeddedHash, Valid: chunk.EmbeddedHash != ""},
		}

		chunkQuery, chunkArgs, err := a.db.Insert("protocol_chunks").Rows(chunkRecord).ToSQL()
		if err != nil {
			return apperrors.NewInternalError("failed to build chunk insert", err)
		}
		if _, err := tx.ExecContext(ctx, chunkQuery, chunkArgs...); err != nil {
			return apperrors.NewExternalError("failed to insert chunk", err)
		}
	}

	return nil
}

func (a *ProtocolAdapter) getChunks(ctx context.Context, protocolID string) ([]entities.ProtocolChunk, error) {
	query, args, err := a.db.Select(
		"id", "protocol_code", "seq", "content", "content_hash", "keywords", "embedding", "embedded_hash",
	).From("protocol_chunks").
		Where(goqu.Ex{"protocol_id": protocolID}).
		Order(goqu.I("seq").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build chunk query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to get chunks", err)
	}
	defer rows.Close()

	var chunks []entities.ProtocolChunk
	for rows.Next() {
		chunk := entities.ProtocolChunk{}
		var embeddedHash sql.NullString
		err := rows.Scan(
			&chunk.ID,
			&chunk.ProtocolCode,
			&chunk.Seq,
			&chunk.Content,
			&chunk.ContentHash,
			pq.Array(&chunk.Keywords),
			pq.Array(&chunk.Embedding),
			&embeddedHash,
		)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan chunk", err)
		}
		chunk.EmbeddedHash = embeddedHash.String
		chunks = append(chunks, chunk)
	}

	return chunks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (a *ProtocolAdapter) scanProtocol(row rowScanner) (*entities.Protocol, error) {
	protocol := &entities.Protocol{}
	var pediatricCode, category sql.NullString
	var expirationDate sql.NullTime

	err := row.Scan(
		&protocol.ID,
		&protocol.Code,
		&pediatricCode,
		&protocol.Name,
		&category,
		pq.Array(&protocol.Keywords),
		&protocol.Version,
		&protocol.EffectiveDate,
		&expirationDate,
		&protocol.IsCurrent,
		&protocol.IsDeleted,
		&protocol.RequiresBaseContact,
		&protocol.UsageCount,
		&protocol.CreatedAt,
		&protocol.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	protocol.PediatricCode = pediatricCode.String
	protocol.Category = category.String
	if expirationDate.Valid {
		protocol.ExpirationDate = &expirationDate.Time
	}

	return protocol, nil
}
