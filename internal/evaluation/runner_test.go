package evaluation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emsassist/protocolguide/internal/adapters/cache"
	"github.com/emsassist/protocolguide/internal/application/services"
	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/resilience"
	"github.com/emsassist/protocolguide/internal/validation"
	"github.com/emsassist/protocolguide/pkg/config"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureRepo struct {
	protocols map[string]*entities.Protocol
}

func (r *fixtureRepo) GetByCode(_ context.Context, code string) (*entities.Protocol, error) {
	if p, ok := r.protocols[code]; ok {
		return p, nil
	}
	return nil, apperrors.NewNotFoundError("no current protocol")
}

func (r *fixtureRepo) ListCurrentCodes(context.Context) ([]string, error) {
	codes := make([]string, 0, len(r.protocols))
	for code := range r.protocols {
		codes = append(codes, code)
	}
	return codes, nil
}

func (r *fixtureRepo) Create(context.Context, *entities.Protocol) error          { return nil }
func (r *fixtureRepo) Supersede(context.Context, string, *entities.Protocol) error { return nil }
func (r *fixtureRepo) IncrementUsage(context.Context, string) error              { return nil }
func (r *fixtureRepo) GetChunksNeedingEmbedding(context.Context, int) ([]*entities.ProtocolChunk, error) {
	return nil, nil
}
func (r *fixtureRepo) UpsertEmbedding(context.Context, string, []float32, string) error { return nil }

type fixtureSearch struct {
	byTerm map[string][]*entities.RankedChunk
}

func (s *fixtureSearch) Search(_ context.Context, q *entities.NormalizedQuery, _ int) ([]*entities.RankedChunk, error) {
	for term, chunks := range s.byTerm {
		if strings.Contains(q.Text, term) {
			return chunks, nil
		}
	}
	return []*entities.RankedChunk{}, nil
}

func (s *fixtureSearch) Index(context.Context, *entities.Protocol, *entities.ProtocolChunk) error {
	return nil
}
func (s *fixtureSearch) Delete(context.Context, string) error { return nil }

type fixtureFormulary struct{}

func (fixtureFormulary) GetByName(context.Context, string) (*entities.FormularyEntry, error) {
	return nil, apperrors.NewNotFoundError("not found")
}
func (fixtureFormulary) List(context.Context) ([]*entities.FormularyEntry, error) {
	return nil, nil
}

func fixtureRetrieval(t *testing.T) *services.RetrievalService {
	t.Helper()

	effective := time.Now().Add(-time.Hour)
	repo := &fixtureRepo{protocols: map[string]*entities.Protocol{
		"1211": {Code: "1211", Name: "Chest Pain", IsCurrent: true, EffectiveDate: effective},
		"1242": {Code: "1242", Name: "Crush Injury", IsCurrent: true, EffectiveDate: effective},
	}}
	search := &fixtureSearch{byTerm: map[string][]*entities.RankedChunk{
		"chest pain": {{
			Chunk:        entities.ProtocolChunk{ID: "1211:0", ProtocolCode: "1211", Content: "Administer aspirin and obtain a 12-lead ECG before transport to a cardiac center."},
			ProtocolName: "Chest Pain",
			LexicalScore: 100,
		}},
		"crush": {{
			Chunk:        entities.ProtocolChunk{ID: "1242:0", ProtocolCode: "1242", Content: "Control hemorrhage, establish IV access, and monitor for crush syndrome complications."},
			ProtocolName: "Crush Injury",
			LexicalScore: 100,
		}},
	}}

	rcfg := config.ResilienceConfig{
		BreakerThreshold: 3, BreakerReset: 50 * time.Millisecond, HalfOpenTrials: 3,
		RetryAttempts: 3, RetryBaseDelay: time.Millisecond, CallTimeout: 100 * time.Millisecond,
		FallbackCacheTTL: time.Minute, FallbackCacheSize: 64,
	}
	memory := cache.NewMemoryAdapter(rcfg.FallbackCacheSize, rcfg.FallbackCacheTTL)
	mgr := resilience.NewManager(rcfg, resilience.NewBreakerSet(rcfg, nil), memory, nil, nil)
	store := resilience.NewStore(mgr, repo, search, nil)

	normalizer := services.NewNormalizerService(nil, nil, nil)
	pipeline := validation.NewPipeline(fixtureFormulary{}, 40, nil)
	searchCfg := config.SearchConfig{LexicalWeight: 0.4, VectorWeight: 0.6, DefaultLimit: 10}

	return services.NewRetrievalService(normalizer, store, pipeline, nil, nil, searchCfg, nil)
}

func TestRunnerScoresGoldenQueries(t *testing.T) {
	runner := NewRunner(fixtureRetrieval(t), 5)

	report := runner.Run(context.Background(), []GoldenQuery{
		{Query: "chest pain", ExpectedCodes: []string{"1211"}},
		{Query: "crush injury", ExpectedCodes: []string{"1242"}},
		{Query: "spontaneous combustion", ExpectedCodes: []string{"1299"}},
	})

	assert.Equal(t, 3, report.Total)
	assert.InDelta(t, 2.0/3.0, report.RecallAtK, 1e-9)
	assert.InDelta(t, 2.0/3.0, report.MRR, 1e-9)
	assert.Equal(t, 1, report.ZeroResults)

	require.Len(t, report.Queries, 3)
	assert.True(t, report.Queries[0].Hit)
	assert.Equal(t, 1.0, report.Queries[0].ReciprocalRank)
	assert.False(t, report.Queries[2].Hit)
}

func TestLoadGoldenQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden.json")
	payload, err := json.Marshal([]GoldenQuery{{Query: "chest pain", ExpectedCodes: []string{"1211"}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	queries, err := LoadGoldenQueries(path)

	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "chest pain", queries[0].Query)

	_, err = LoadGoldenQueries(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
