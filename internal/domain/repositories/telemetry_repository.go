package repositories

import (
	"context"

	"github.com/emsassist/protocolguide/internal/domain/entities"
)

// TelemetryRepository persists retrieval outcomes for analytics
type TelemetryRepository interface {
	LogEvent(ctx context.Context, event *entities.SearchEvent) error

	// GetZeroResultQueries returns recent queries that matched nothing,
	// ordered newest first
	GetZeroResultQueries(ctx context.Context, limit int) ([]*entities.SearchEvent, error)
}
