package repositories

import (
	"context"

	"github.com/emsassist/protocolguide/internal/domain/entities"
)

// FormularyRepository provides read-only access to the medication formulary
type FormularyRepository interface {
	// GetByName retrieves an entry by generic name
	GetByName(ctx context.Context, name string) (*entities.FormularyEntry, error)

	// List returns all formulary entries, banned ones included
	List(ctx context.Context) ([]*entities.FormularyEntry, error)
}

// ImpressionRepository provides read-only access to provider impressions
type ImpressionRepository interface {
	// GetByCode retrieves an impression by its code
	GetByCode(ctx context.Context, code string) (*entities.ProviderImpression, error)

	// List returns all provider impressions
	List(ctx context.Context) ([]*entities.ProviderImpression, error)
}
