package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/postgres"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/lib/pq"
)

// FormularyAdapter implements FormularyRepository against PostgreSQL
type FormularyAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewFormularyAdapter creates a new formulary adapter
func NewFormularyAdapter(client *postgres.Client) repositories.FormularyRepository {
	return &FormularyAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// GetByName retrieves an entry by generic name or brand-name alias
func (a *FormularyAdapter) GetByName(ctx context.Context, name string) (*entities.FormularyEntry, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	query := `
		SELECT id, name, brand_names, banned, replacement, routes, created_at, updated_at
		FROM medications
		WHERE lower(name) = $1 OR $1 = ANY(SELECT lower(unnest(brand_names)))
	`

	entry := &entities.FormularyEntry{}
	var replacement sql.NullString
	err := a.client.DB().QueryRowContext(ctx, query, name).Scan(
		&entry.ID,
		&entry.Name,
		pq.Array(&entry.BrandNames),
		&entry.Banned,
		&replacement,
		pq.Array(&entry.Routes),
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("medication %s not in formulary", name))
	}
	if err != nil {
		return nil, apperrors.NewExternalError("failed to get medication", err)
	}
	entry.Replacement = replacement.String

	if err := a.loadDoses(ctx, entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// List returns all formulary entries, banned ones included
func (a *FormularyAdapter) List(ctx context.Context) ([]*entities.FormularyEntry, error) {
	query, args, err := a.db.Select(
		"id", "name", "brand_names", "banned", "replacement", "routes", "created_at", "updated_at",
	).From("medications").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to list medications", err)
	}
	defer rows.Close()

	var entries []*entities.FormularyEntry
	for rows.Next() {
		entry := &entities.FormularyEntry{}
		var replacement sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.Name,
			pq.Array(&entry.BrandNames),
			&entry.Banned,
			&replacement,
			pq.Array(&entry.Routes),
			&entry.CreatedAt,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan medication", err)
		}
		entry.Replacement = replacement.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewExternalError("failed to read medications", err)
	}

	for _, entry := range entries {
		if err := a.loadDoses(ctx, entry); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func (a *FormularyAdapter) loadDoses(ctx context.Context, entry *entities.FormularyEntry) error {
	query, args, err := a.db.Select(
		"route", "min_value", "max_value", "unit", "weight_based", "pediatric",
	).From("medication_doses").
		Where(goqu.Ex{"medication_id": entry.ID}).
		Order(goqu.I("route").Asc()).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build dose query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewExternalError("failed to get dose ranges", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dose entities.DoseRange
		var pediatric bool
		err := rows.Scan(
			&dose.Route,
			&dose.MinValue,
			&dose.MaxValue,
			&dose.Unit,
			&dose.WeightBased,
			&pediatric,
		)
		if err != nil {
			return apperrors.NewInternalError("failed to scan dose range", err)
		}
		if pediatric {
			entry.PediatricDoses = append(entry.PediatricDoses, dose)
		} else {
			entry.AdultDoses = append(entry.AdultDoses, dose)
		}
	}

	return rows.Err()
}
