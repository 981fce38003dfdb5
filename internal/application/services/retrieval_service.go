package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/emsassist/protocolguide/internal/resilience"
	"github.com/emsassist/protocolguide/internal/validation"
	"github.com/emsassist/protocolguide/pkg/config"
	"github.com/rs/zerolog"
)

// RetrieveResult is what the chat layer receives for one query: ranked
// chunks, per-stage validation results, and how the data was obtained. It is
// always well-formed; a total outage yields empty chunks with
// StrategyUsed="safe-default", never an error.
type RetrieveResult struct {
	Query         *entities.NormalizedQuery `json:"query"`
	Chunks        []*entities.RankedChunk   `json:"chunks"`
	Validation    []*validation.Result      `json:"validation"`
	StrategyUsed  string                    `json:"strategy_used"`
	FallbacksUsed []string                  `json:"fallbacks_used,omitempty"`
	Blocked       bool                      `json:"blocked"`
}

// RetrievalService is the hybrid retrieval engine plus pipeline
// orchestration. All storage access goes through the resilient store facade;
// this service never talks to a backing store directly.
type RetrievalService struct {
	normalizer *NormalizerService
	store      *resilience.Store
	pipeline   *validation.Pipeline
	telemetry  *TelemetryService
	usage      repositories.ProtocolRepository
	cfg        config.SearchConfig
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewRetrievalService creates the retrieval engine. usage may be nil when no
// write path exists (e.g. file-corpus-only deployments); telemetry and
// metrics may be nil in tests.
func NewRetrievalService(
	normalizer *NormalizerService,
	store *resilience.Store,
	pipeline *validation.Pipeline,
	telemetry *TelemetryService,
	usage repositories.ProtocolRepository,
	cfg config.SearchConfig,
	metrics *observability.Metrics,
) *RetrievalService {
	if cfg.LexicalWeight <= 0 && cfg.VectorWeight <= 0 {
		cfg.LexicalWeight = 0.4
		cfg.VectorWeight = 0.6
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	return &RetrievalService{
		normalizer: normalizer,
		store:      store,
		pipeline:   pipeline,
		telemetry:  telemetry,
		usage:      usage,
		cfg:        cfg,
		metrics:    metrics,
		logger:     observability.ComponentLogger("retrieval"),
	}
}

// Retrieve is the single entry point used by the chat layer: normalize,
// validate, search, rank, validate again, and report how it went.
func (s *RetrievalService) Retrieve(ctx context.Context, rawQuery string, patientAge *int, sessionID string) *RetrieveResult {
	start := time.Now()

	query := s.normalizer.Normalize(rawQuery, patientAge)
	result := &RetrieveResult{
		Query:  query,
		Chunks: []*entities.RankedChunk{},
	}

	knownCodes := s.store.ListProtocolCodes(ctx)
	stage1 := s.pipeline.Stage1(ctx, query, knownCodes.Data)
	result.Validation = append(result.Validation, stage1)

	if stage1.Blocked() {
		result.Blocked = true
		result.StrategyUsed = string(knownCodes.StrategyUsed)
		s.finish(ctx, result, sessionID, start)
		return result
	}

	searchOutcome := s.store.SearchChunks(ctx, query, s.cfg.DefaultLimit)
	result.StrategyUsed = string(searchOutcome.StrategyUsed)
	result.FallbacksUsed = searchOutcome.Fallbacks()

	ranked := s.rank(searchOutcome.Data)

	set := s.resolveProtocols(ctx, ranked, query.IsPediatric)
	stage2 := s.pipeline.Stage2(ctx, set, ranked, time.Now())
	result.Validation = append(result.Validation, stage2)

	result.Chunks = s.filterBlocked(ranked, set, stage2)
	result.Blocked = validation.AnyBlocked(result.Validation) && len(result.Chunks) == 0

	s.recordUsage(set)
	s.finish(ctx, result, sessionID, start)
	return result
}

// ValidateContext runs Stage 3 over the assembled context before it is
// handed to the answer-generator
func (s *RetrievalService) ValidateContext(ctx context.Context, contextText string, chunks []*entities.RankedChunk) *validation.Result {
	set := s.resolveProtocols(ctx, chunks, pediatricFromChunks(chunks))
	return s.pipeline.Stage3(ctx, contextText, set)
}

// ValidateAnswer runs Stage 4, the hallucination gate, over the generated
// answer against the same retrieved set
func (s *RetrievalService) ValidateAnswer(ctx context.Context, answerText string, chunks []*entities.RankedChunk) *validation.Result {
	set := s.resolveProtocols(ctx, chunks, pediatricFromChunks(chunks))
	return s.pipeline.Stage4(ctx, answerText, set)
}

// rank blends lexical and vector evidence into one score. Lexical scores are
// normalized against the best hit in the set; chunks without an embedding
// keep their lexical score unweighted rather than being penalized for the
// missing vector term.
func (s *RetrievalService) rank(candidates []*entities.RankedChunk) []*entities.RankedChunk {
	if len(candidates) == 0 {
		return []*entities.RankedChunk{}
	}

	maxLexical := 0.0
	for _, c := range candidates {
		if c.LexicalScore > maxLexical {
			maxLexical = c.LexicalScore
		}
	}

	for _, c := range candidates {
		lexical := 0.0
		if maxLexical > 0 {
			lexical = c.LexicalScore / maxLexical
		}
		if c.CosineDistance != nil {
			c.Score = s.cfg.LexicalWeight*lexical + s.cfg.VectorWeight*(1-*c.CosineDistance)
		} else {
			c.Score = lexical
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].UsageCount != candidates[j].UsageCount {
			return candidates[i].UsageCount > candidates[j].UsageCount
		}
		if candidates[i].Chunk.ProtocolCode != candidates[j].Chunk.ProtocolCode {
			return candidates[i].Chunk.ProtocolCode < candidates[j].Chunk.ProtocolCode
		}
		return candidates[i].Chunk.Seq < candidates[j].Chunk.Seq
	})

	if len(candidates) > s.cfg.DefaultLimit {
		candidates = candidates[:s.cfg.DefaultLimit]
	}
	return candidates
}

// resolveProtocols fetches protocol metadata for every distinct code in the
// result set, each fetch through the resilient store
func (s *RetrievalService) resolveProtocols(ctx context.Context, chunks []*entities.RankedChunk, pediatric bool) *validation.RetrievedSet {
	set := &validation.RetrievedSet{Pediatric: pediatric}

	seen := make(map[string]struct{})
	for _, ranked := range chunks {
		code := ranked.Chunk.ProtocolCode
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}

		outcome := s.store.GetProtocol(ctx, code)
		if outcome.Data != nil {
			set.Protocols = append(set.Protocols, outcome.Data)
		}
	}
	return set
}

// filterBlocked removes chunks whose protocol drew a critical Stage 2
// finding, so downstream stages only ever see deliverable content
func (s *RetrievalService) filterBlocked(chunks []*entities.RankedChunk, set *validation.RetrievedSet, stage2 *validation.Result) []*entities.RankedChunk {
	if !stage2.Blocked() {
		return chunks
	}

	blockedCodes := make(map[string]struct{})
	blockedChunks := make(map[string]struct{})
	for _, f := range stage2.Findings {
		if f.Severity != validation.SeverityCritical {
			continue
		}
		if code, ok := f.Metadata["code"]; ok && f.Code != validation.FindingIncompleteProtocol {
			blockedCodes[strings.ToUpper(code)] = struct{}{}
		}
		if chunkID, ok := f.Metadata["chunk_id"]; ok {
			blockedChunks[chunkID] = struct{}{}
		}
	}

	kept := make([]*entities.RankedChunk, 0, len(chunks))
	for _, ranked := range chunks {
		if _, ok := blockedChunks[ranked.Chunk.ID]; ok {
			continue
		}
		if _, ok := blockedCodes[strings.ToUpper(ranked.Chunk.ProtocolCode)]; ok {
			continue
		}
		kept = append(kept, ranked)
	}
	return kept
}

// recordUsage bumps usage counters for the retrieved protocols off the
// critical path. Popularity feeds tie-breaking, so staleness is harmless.
func (s *RetrievalService) recordUsage(set *validation.RetrievedSet) {
	if s.usage == nil {
		return
	}
	for _, protocol := range set.Protocols {
		code := protocol.Code
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.usage.IncrementUsage(ctx, code); err != nil {
				s.logger.Debug().Err(err).Str("code", code).Msg("failed to increment usage count")
			}
		}()
	}
}

func (s *RetrievalService) finish(ctx context.Context, result *RetrieveResult, sessionID string, start time.Time) {
	elapsed := time.Since(start)

	if s.metrics != nil {
		observability.RecordRetrieval(ctx, s.metrics, result.StrategyUsed, elapsed)
	}

	if s.telemetry != nil {
		s.telemetry.Record(&entities.SearchEvent{
			Query:            result.Query.Original,
			NormalizedQuery:  result.Query.Text,
			IsPediatric:      result.Query.IsPediatric,
			ResultCount:      len(result.Chunks),
			StrategyUsed:     result.StrategyUsed,
			FallbacksUsed:    result.FallbacksUsed,
			CriticalFindings: len(validation.CollectCodes(result.Validation, validation.SeverityCritical)),
			ErrorFindings:    len(validation.CollectCodes(result.Validation, validation.SeverityError)),
			WarningFindings:  len(validation.CollectCodes(result.Validation, validation.SeverityWarning)),
			LatencyMs:        elapsed.Milliseconds(),
			SessionID:        sessionID,
		})
	}
}

// pediatricFromChunks infers the age bracket from the retrieved code family
func pediatricFromChunks(chunks []*entities.RankedChunk) bool {
	for _, ranked := range chunks {
		if strings.HasSuffix(strings.ToUpper(ranked.Chunk.ProtocolCode), "-P") {
			return true
		}
	}
	return false
}
