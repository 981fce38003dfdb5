package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/postgres"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/lib/pq"
)

// ImpressionAdapter implements ImpressionRepository against PostgreSQL
type ImpressionAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewImpressionAdapter creates a new provider impression adapter
func NewImpressionAdapter(client *postgres.Client) repositories.ImpressionRepository {
	return &ImpressionAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// GetByCode retrieves an impression by its code
func (a *ImpressionAdapter) GetByCode(ctx context.Context, code string) (*entities.ProviderImpression, error) {
	query, args, err := a.db.Select(
		"code", "description", "protocol_code", "pediatric_protocol_code", "keywords",
	).From("provider_impressions").
		Where(goqu.Ex{"code": code}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	impression := &entities.ProviderImpression{}
	var pediatricCode sql.NullString
	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(
		&impression.Code,
		&impression.Description,
		&impression.ProtocolCode,
		&pediatricCode,
		pq.Array(&impression.Keywords),
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("impression %s not found", code))
	}
	if err != nil {
		return nil, apperrors.NewExternalError("failed to get impression", err)
	}
	impression.PediatricProtocolCode = pediatricCode.String

	return impression, nil
}

// List returns all provider impressions
func (a *ImpressionAdapter) List(ctx context.Context) ([]*entities.ProviderImpression, error) {
	query, args, err := a.db.Select(
		"code", "description", "protocol_code", "pediatric_protocol_code", "keywords",
	).From("provider_impressions").
		Order(goqu.I("code").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to list impressions", err)
	}
	defer rows.Close()

	var impressions []*entities.ProviderImpression
	for rows.Next() {
		impression := &entities.ProviderImpression{}
		var pediatricCode sql.NullString
		err := rows.Scan(
			&impression.Code,
			&impression.Description,
			&impression.ProtocolCode,
			&pediatricCode,
			pq.Array(&impression.Keywords),
		)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan impression", err)
		}
		impression.PediatricProtocolCode = pediatricCode.String
		impressions = append(impressions, impression)
	}

	return impressions, rows.Err()
}
