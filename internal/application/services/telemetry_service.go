package services

import (
	"context"
	"time"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// TelemetryService records retrieval outcomes fire-and-forget. Sink failures
// are logged and dropped; they must never affect the retrieval path.
type TelemetryService struct {
	repo   repositories.TelemetryRepository
	logger zerolog.Logger
}

// NewTelemetryService creates a new telemetry service. repo may be nil, in
// which case events are silently discarded.
func NewTelemetryService(repo repositories.TelemetryRepository) *TelemetryService {
	return &TelemetryService{
		repo:   repo,
		logger: observability.ComponentLogger("telemetry"),
	}
}

// Record writes the event in the background and returns immediately
func (s *TelemetryService) Record(event *entities.SearchEvent) {
	if s.repo == nil || event == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.repo.LogEvent(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("query", event.Query).Msg("failed to record search event")
		}
	}()
}

// ZeroResultQueries returns recent queries that matched nothing, for corpus
// gap analysis
func (s *TelemetryService) ZeroResultQueries(ctx context.Context, limit int) ([]*entities.SearchEvent, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.GetZeroResultQueries(ctx, limit)
}
