package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emsassist/protocolguide/internal/adapters/cache"
	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/resilience"
	"github.com/emsassist/protocolguide/internal/validation"
	"github.com/emsassist/protocolguide/pkg/config"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chestPainContent = "Administer aspirin 324 mg PO. Obtain 12-lead ECG and transport to the closest cardiac receiving center."

type memProtocolRepo struct {
	mu        sync.Mutex
	protocols map[string]*entities.Protocol
	failing   bool
}

func (r *memProtocolRepo) GetByCode(_ context.Context, code string) (*entities.Protocol, error) {
	if r.failing {
		return nil, apperrors.NewExternalError("store down", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.protocols[code]
	if !ok {
		return nil, apperrors.NewNotFoundError("no current protocol")
	}
	copied := *p
	return &copied, nil
}

func (r *memProtocolRepo) ListCurrentCodes(context.Context) ([]string, error) {
	if r.failing {
		return nil, apperrors.NewExternalError("store down", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]string, 0, len(r.protocols))
	for code := range r.protocols {
		codes = append(codes, code)
	}
	return codes, nil
}

func (r *memProtocolRepo) Create(_ context.Context, p *entities.Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[p.Code] = p
	return nil
}

func (r *memProtocolRepo) Supersede(_ context.Context, code string, p *entities.Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[code] = p
	return nil
}

func (r *memProtocolRepo) IncrementUsage(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.protocols[code]; ok {
		p.UsageCount++
	}
	return nil
}

func (r *memProtocolRepo) GetChunksNeedingEmbedding(context.Context, int) ([]*entities.ProtocolChunk, error) {
	return nil, nil
}

func (r *memProtocolRepo) UpsertEmbedding(context.Context, string, []float32, string) error {
	return nil
}

type memSearchRepo struct {
	results []*entities.RankedChunk
	failing bool
}

func (r *memSearchRepo) Search(context.Context, *entities.NormalizedQuery, int) ([]*entities.RankedChunk, error) {
	if r.failing {
		return nil, apperrors.NewExternalError("index down", nil)
	}
	// Return copies so blending does not mutate fixtures across calls
	out := make([]*entities.RankedChunk, len(r.results))
	for i, c := range r.results {
		copied := *c
		out[i] = &copied
	}
	return out, nil
}

func (r *memSearchRepo) Index(context.Context, *entities.Protocol, *entities.ProtocolChunk) error {
	return nil
}

func (r *memSearchRepo) Delete(context.Context, string) error { return nil }

func testProtocols() map[string]*entities.Protocol {
	effective := time.Now().Add(-24 * time.Hour)
	return map[string]*entities.Protocol{
		"1211": {Code: "1211", Name: "Chest Pain", IsCurrent: true, EffectiveDate: effective, UsageCount: 5},
		"1242": {Code: "1242", Name: "Crush Injury", PediatricCode: "1242-P", IsCurrent: true, EffectiveDate: effective},
		"1231": {Code: "1231", Name: "Seizure", IsCurrent: true, EffectiveDate: effective},
	}
}

func floatPtr(v float64) *float64 { return &v }

func chestPainChunks() []*entities.RankedChunk {
	return []*entities.RankedChunk{
		{
			Chunk:          entities.ProtocolChunk{ID: "1211:0", ProtocolCode: "1211", Seq: 0, Content: chestPainContent},
			ProtocolName:   "Chest Pain",
			LexicalScore:   1200,
			CosineDistance: floatPtr(0.2),
			UsageCount:     5,
		},
		{
			Chunk:          entities.ProtocolChunk{ID: "1211:1", ProtocolCode: "1211", Seq: 1, Content: "If pain persists administer nitroglycerin per standing order and reassess vital signs."},
			ProtocolName:   "Chest Pain",
			LexicalScore:   800,
			CosineDistance: floatPtr(0.4),
			UsageCount:     5,
		},
	}
}

func newTestRetrievalService(t *testing.T, protocols *memProtocolRepo, search *memSearchRepo, corpus resilience.Corpus) *RetrievalService {
	t.Helper()

	cfg := config.ResilienceConfig{
		BreakerThreshold:  3,
		BreakerReset:      50 * time.Millisecond,
		HalfOpenTrials:    3,
		RetryAttempts:     3,
		RetryBaseDelay:    time.Millisecond,
		CallTimeout:       100 * time.Millisecond,
		FallbackCacheTTL:  time.Minute,
		FallbackCacheSize: 64,
	}
	memory := cache.NewMemoryAdapter(cfg.FallbackCacheSize, cfg.FallbackCacheTTL)
	mgr := resilience.NewManager(cfg, resilience.NewBreakerSet(cfg, nil), memory, nil, nil)
	store := resilience.NewStore(mgr, protocols, search, corpus)

	pipeline := validation.NewPipeline(testFormularyRepo(), 40, nil)
	searchCfg := config.SearchConfig{LexicalWeight: 0.4, VectorWeight: 0.6, DefaultLimit: 10, MinChunkLength: 40}

	return NewRetrievalService(testNormalizer(), store, pipeline, nil, protocols, searchCfg, nil)
}

type memFormulary struct {
	entries []*entities.FormularyEntry
}

func (f *memFormulary) GetByName(_ context.Context, name string) (*entities.FormularyEntry, error) {
	for _, e := range f.entries {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	return nil, apperrors.NewNotFoundError("medication not in formulary")
}

func (f *memFormulary) List(context.Context) ([]*entities.FormularyEntry, error) {
	return f.entries, nil
}

func testFormularyRepo() *memFormulary {
	return &memFormulary{entries: []*entities.FormularyEntry{
		{Name: "lorazepam", BrandNames: []string{"Ativan"}, Banned: true, Replacement: "midazolam"},
		{Name: "midazolam", BrandNames: []string{"Versed"}, AdultDoses: []entities.DoseRange{{Route: "IV", MinValue: 2, MaxValue: 5, Unit: "mg"}}},
		{Name: "aspirin", AdultDoses: []entities.DoseRange{{Route: "PO", MinValue: 162, MaxValue: 324, Unit: "mg"}}},
	}}
}

func TestRetrieveChestPainEndToEnd(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols()}
	search := &memSearchRepo{results: chestPainChunks()}
	svc := newTestRetrievalService(t, protocols, search, nil)

	result := svc.Retrieve(context.Background(), "chest pain", nil, "session-1")

	require.NotNil(t, result)
	assert.False(t, result.Blocked)
	assert.Equal(t, "primary", result.StrategyUsed)
	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "1211", result.Chunks[0].Chunk.ProtocolCode)

	for _, stage := range result.Validation {
		assert.True(t, stage.Valid, "stage %s must pass for a clean query", stage.Stage)
		assert.Empty(t, stage.Findings)
	}
}

func TestRetrieveBlendsLexicalAndVectorScores(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols()}
	search := &memSearchRepo{results: chestPainChunks()}
	svc := newTestRetrievalService(t, protocols, search, nil)

	result := svc.Retrieve(context.Background(), "chest pain", nil, "")

	require.Len(t, result.Chunks, 2)
	// First chunk: lexical 1200/1200=1.0, vector 1-0.2=0.8 → 0.4 + 0.48
	assert.InDelta(t, 0.88, result.Chunks[0].Score, 1e-9)
	// Second chunk: lexical 800/1200, vector 1-0.4=0.6 → 0.2667 + 0.36
	assert.InDelta(t, 0.4*(800.0/1200.0)+0.6*0.6, result.Chunks[1].Score, 1e-9)
}

func TestRetrieveDeterministicTieBreak(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols()}
	search := &memSearchRepo{results: []*entities.RankedChunk{
		{Chunk: entities.ProtocolChunk{ID: "1242:0", ProtocolCode: "1242", Seq: 0, Content: chestPainContent}, LexicalScore: 100},
		{Chunk: entities.ProtocolChunk{ID: "1211:0", ProtocolCode: "1211", Seq: 0, Content: chestPainContent}, LexicalScore: 100},
		{Chunk: entities.ProtocolChunk{ID: "1211:1", ProtocolCode: "1211", Seq: 1, Content: chestPainContent}, LexicalScore: 100},
	}}
	svc := newTestRetrievalService(t, protocols, search, nil)

	first := svc.Retrieve(context.Background(), "chest pain treatment", nil, "")
	second := svc.Retrieve(context.Background(), "chest pain treatment", nil, "")

	require.Len(t, first.Chunks, 3)
	// Equal scores and usage: protocol code ascending, then seq ascending
	assert.Equal(t, "1211:0", first.Chunks[0].Chunk.ID)
	assert.Equal(t, "1211:1", first.Chunks[1].Chunk.ID)
	assert.Equal(t, "1242:0", first.Chunks[2].Chunk.ID)

	for i := range first.Chunks {
		assert.Equal(t, first.Chunks[i].Chunk.ID, second.Chunks[i].Chunk.ID)
	}
}

func TestRetrieveBlocksOnInvalidCode(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols()}
	search := &memSearchRepo{results: chestPainChunks()}
	svc := newTestRetrievalService(t, protocols, search, nil)

	result := svc.Retrieve(context.Background(), "what does TP 9999 say", nil, "")

	assert.True(t, result.Blocked)
	assert.Empty(t, result.Chunks)
	require.Len(t, result.Validation, 1, "retrieval must not run after a blocking stage 1")
	assert.Contains(t, validation.CollectCodes(result.Validation, validation.SeverityCritical), validation.FindingInvalidProtocolCode)
}

func TestRetrieveFiltersDeprecatedProtocolChunks(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols()}
	protocols.protocols["1299"] = &entities.Protocol{Code: "1299", Name: "Old Protocol", IsCurrent: false}

	search := &memSearchRepo{results: append(chestPainChunks(),
		&entities.RankedChunk{Chunk: entities.ProtocolChunk{ID: "1299:0", ProtocolCode: "1299", Seq: 0, Content: chestPainContent}, LexicalScore: 2000},
	)}
	svc := newTestRetrievalService(t, protocols, search, nil)

	result := svc.Retrieve(context.Background(), "chest pain", nil, "")

	assert.False(t, result.Blocked, "deliverable chunks remain after filtering")
	for _, chunk := range result.Chunks {
		assert.NotEqual(t, "1299", chunk.Chunk.ProtocolCode)
	}
	assert.Contains(t, validation.CollectCodes(result.Validation, validation.SeverityCritical), validation.FindingDeprecatedProtocol)
}

func TestRetrieveSafeDefaultWhenEverythingDown(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols(), failing: true}
	search := &memSearchRepo{failing: true}
	svc := newTestRetrievalService(t, protocols, search, nil)

	result := svc.Retrieve(context.Background(), "chest pain", nil, "")

	require.NotNil(t, result, "the read path never returns nothing")
	assert.Equal(t, "safe-default", result.StrategyUsed)
	assert.Empty(t, result.Chunks)
	assert.Equal(t, []string{"primary", "cache", "file"}, result.FallbacksUsed)
}

func TestRetrieveFallsBackToFileCorpus(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols(), failing: true}
	search := &memSearchRepo{failing: true}
	corpus := &stubCorpus{
		protocols: testProtocols(),
		results: []*entities.RankedChunk{
			{Chunk: entities.ProtocolChunk{ID: "1211:0", ProtocolCode: "1211", Seq: 0, Content: chestPainContent}, ProtocolName: "Chest Pain", LexicalScore: 1.0},
		},
	}
	svc := newTestRetrievalService(t, protocols, search, corpus)

	result := svc.Retrieve(context.Background(), "chest pain", nil, "")

	assert.Equal(t, "file", result.StrategyUsed)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "1211", result.Chunks[0].Chunk.ProtocolCode)
}

type stubCorpus struct {
	protocols map[string]*entities.Protocol
	results   []*entities.RankedChunk
}

func (c *stubCorpus) GetByCode(_ context.Context, code string) (*entities.Protocol, error) {
	p, ok := c.protocols[code]
	if !ok {
		return nil, apperrors.NewNotFoundError("not in corpus")
	}
	return p, nil
}

func (c *stubCorpus) SearchLexical(context.Context, *entities.NormalizedQuery, int) ([]*entities.RankedChunk, error) {
	return c.results, nil
}

func (c *stubCorpus) Protocols() []*entities.Protocol {
	out := make([]*entities.Protocol, 0, len(c.protocols))
	for _, p := range c.protocols {
		out = append(out, p)
	}
	return out
}

func TestValidateAnswerHallucinationGate(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols()}
	search := &memSearchRepo{results: chestPainChunks()}
	svc := newTestRetrievalService(t, protocols, search, nil)
	ctx := context.Background()

	retrieved := svc.Retrieve(ctx, "chest pain", nil, "").Chunks

	clean := svc.ValidateAnswer(ctx, "Administer aspirin 324 mg PO per TP 1211.", retrieved)
	assert.True(t, clean.Valid)

	fabricated := svc.ValidateAnswer(ctx, "Follow TP 9999 for chest pain.", retrieved)
	assert.True(t, fabricated.Blocked())
	assert.Contains(t, fabricated.Codes(validation.SeverityCritical), validation.FindingHallucinatedCitation)
}

func TestValidateAnswerBannedMedication(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols()}
	search := &memSearchRepo{results: []*entities.RankedChunk{
		{Chunk: entities.ProtocolChunk{ID: "1231:0", ProtocolCode: "1231", Seq: 0, Content: "For active seizure administer midazolam 5 mg IV and protect the airway from injury."}, LexicalScore: 100},
	}}
	svc := newTestRetrievalService(t, protocols, search, nil)
	ctx := context.Background()

	retrieved := svc.Retrieve(ctx, "seizure treatment", nil, "").Chunks

	result := svc.ValidateAnswer(ctx, "Give Ativan for seizure per TP 1231.", retrieved)

	assert.True(t, result.Blocked())
	assert.Contains(t, result.Codes(validation.SeverityCritical), validation.FindingResponseMedicationError)
}

func TestValidateContextUnretrievedCitation(t *testing.T) {
	protocols := &memProtocolRepo{protocols: testProtocols()}
	search := &memSearchRepo{results: chestPainChunks()}
	svc := newTestRetrievalService(t, protocols, search, nil)
	ctx := context.Background()

	retrieved := svc.Retrieve(ctx, "chest pain", nil, "").Chunks

	result := svc.ValidateContext(ctx, "Context includes TP 1242 crush injury guidance.", retrieved)

	assert.False(t, result.Blocked())
	assert.Contains(t, result.Codes(validation.SeverityError), validation.FindingUnretrievedCitation)
}
