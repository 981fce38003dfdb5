package database

import (
	"context"
	"time"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/clients/postgres"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TelemetryAdapter implements TelemetryRepository against PostgreSQL
type TelemetryAdapter struct {
	client *postgres.Client
}

// NewTelemetryAdapter creates a new telemetry adapter
func NewTelemetryAdapter(client *postgres.Client) repositories.TelemetryRepository {
	return &TelemetryAdapter{client: client}
}

// LogEvent persists one retrieval outcome
func (a *TelemetryAdapter) LogEvent(ctx context.Context, event *entities.SearchEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO search_telemetry
		(id, query, normalized_query, is_pediatric, result_count, strategy_used, fallbacks_used,
		 critical_findings, error_findings, warning_findings, latency_ms, session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := a.client.DB().ExecContext(ctx, query,
		event.ID,
		event.Query,
		event.NormalizedQuery,
		event.IsPediatric,
		event.ResultCount,
		event.StrategyUsed,
		pq.Array(event.FallbacksUsed),
		event.CriticalFindings,
		event.ErrorFindings,
		event.WarningFindings,
		event.LatencyMs,
		event.SessionID,
		event.CreatedAt,
	)

	if err != nil {
		return apperrors.NewExternalError("failed to log search event", err)
	}

	return nil
}

// GetZeroResultQueries returns recent queries that matched nothing
func (a *TelemetryAdapter) GetZeroResultQueries(ctx context.Context, limit int) ([]*entities.SearchEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, query, normalized_query, is_pediatric, result_count, strategy_used, fallbacks_used,
		       critical_findings, error_findings, warning_findings, latency_ms, session_id, created_at
		FROM search_telemetry
		WHERE result_count = 0
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := a.client.DB().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to get zero result queries", err)
	}
	defer rows.Close()

	var events []*entities.SearchEvent
	for rows.Next() {
		event := &entities.SearchEvent{}
		err := rows.Scan(
			&event.ID,
			&event.Query,
			&event.NormalizedQuery,
			&event.IsPediatric,
			&event.ResultCount,
			&event.StrategyUsed,
			pq.Array(&event.FallbacksUsed),
			&event.CriticalFindings,
			&event.ErrorFindings,
			&event.WarningFindings,
			&event.LatencyMs,
			&event.SessionID,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan search event", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}
