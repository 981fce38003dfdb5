package resilience

import (
	"context"
	"fmt"
	"strings"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
)

// Formulary is the resilient read path for medication formulary lookups.
// Results land in the recovery manager's fallback cache, so a warm process
// keeps its medication and dose checks through a store outage.
type Formulary struct {
	mgr  *Manager
	repo repositories.FormularyRepository
}

var _ repositories.FormularyRepository = (*Formulary)(nil)

// NewFormulary wraps a formulary repository in the recovery manager's
// fallback chain, sharing the structured-store breaker with protocol reads
func NewFormulary(mgr *Manager, repo repositories.FormularyRepository) *Formulary {
	return &Formulary{mgr: mgr, repo: repo}
}

// List returns every formulary entry. An error means the chain is fully
// exhausted: callers must treat medication checks as not run, never as
// passed.
func (f *Formulary) List(ctx context.Context) ([]*entities.FormularyEntry, error) {
	got := Execute(ctx, f.mgr, DepStructuredStore, "formulary:list",
		func(callCtx context.Context) ([]*entities.FormularyEntry, error) {
			return f.repo.List(callCtx)
		},
		nil,
	)
	if !got.Success {
		return nil, apperrors.NewExternalError("formulary unavailable", nil)
	}
	return got.Data, nil
}

// GetByName retrieves one entry by generic name
func (f *Formulary) GetByName(ctx context.Context, name string) (*entities.FormularyEntry, error) {
	signature := fmt.Sprintf("formulary:name:%s", strings.ToLower(name))
	got := Execute(ctx, f.mgr, DepStructuredStore, signature,
		func(callCtx context.Context) (*entities.FormularyEntry, error) {
			return f.repo.GetByName(callCtx, name)
		},
		nil,
	)
	if !got.Success {
		return nil, apperrors.NewExternalError("formulary unavailable", nil)
	}
	if got.Data == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("medication %s is not in the formulary", name))
	}
	return got.Data, nil
}
