package resilience

import (
	"context"
	"strings"
	"testing"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyFormulary struct {
	entries []*entities.FormularyEntry
	down    bool
}

func (f *flakyFormulary) List(context.Context) ([]*entities.FormularyEntry, error) {
	if f.down {
		return nil, apperrors.NewExternalError("store down", nil)
	}
	return f.entries, nil
}

func (f *flakyFormulary) GetByName(_ context.Context, name string) (*entities.FormularyEntry, error) {
	if f.down {
		return nil, apperrors.NewExternalError("store down", nil)
	}
	for _, e := range f.entries {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	return nil, apperrors.NewNotFoundError("medication not in formulary")
}

func TestFormularyServesCachedEntriesThroughOutage(t *testing.T) {
	mgr := newTestManager(t)
	repo := &flakyFormulary{entries: []*entities.FormularyEntry{{Name: "midazolam"}}}
	formulary := NewFormulary(mgr, repo)
	ctx := context.Background()

	warm, err := formulary.List(ctx)
	require.NoError(t, err)
	require.Len(t, warm, 1)

	repo.down = true
	entries, err := formulary.List(ctx)
	require.NoError(t, err, "a warm cache must carry medication checks through an outage")
	require.Len(t, entries, 1)
	assert.Equal(t, "midazolam", entries[0].Name)
}

func TestFormularyErrorsWhenAllTiersExhausted(t *testing.T) {
	mgr := newTestManager(t)
	formulary := NewFormulary(mgr, &flakyFormulary{down: true})

	entries, err := formulary.List(context.Background())
	assert.Error(t, err, "a cold cache plus a dead store must not look like an empty formulary")
	assert.Nil(t, entries)
}

func TestFormularyGetByName(t *testing.T) {
	mgr := newTestManager(t)
	formulary := NewFormulary(mgr, &flakyFormulary{entries: []*entities.FormularyEntry{{Name: "aspirin"}}})
	ctx := context.Background()

	entry, err := formulary.GetByName(ctx, "aspirin")
	require.NoError(t, err)
	assert.Equal(t, "aspirin", entry.Name)

	_, err = formulary.GetByName(ctx, "ketamine")
	assert.True(t, apperrors.IsNotFound(err))
}
