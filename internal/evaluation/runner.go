package evaluation

import (
	"context"
	"strings"

	"github.com/emsassist/protocolguide/internal/application/services"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// QueryReport is the outcome of one golden query
type QueryReport struct {
	Query          string   `json:"query"`
	ExpectedCodes  []string `json:"expected_codes"`
	RetrievedCodes []string `json:"retrieved_codes"`
	Hit            bool     `json:"hit"`
	ReciprocalRank float64  `json:"reciprocal_rank"`
	Strategy       string   `json:"strategy"`
}

// Report aggregates retrieval quality over a golden query set
type Report struct {
	Total       int           `json:"total"`
	K           int           `json:"k"`
	RecallAtK   float64       `json:"recall_at_k"`
	MRR         float64       `json:"mrr"`
	ZeroResults int           `json:"zero_results"`
	Queries     []QueryReport `json:"queries"`
}

// Runner replays golden queries through the retrieval engine and scores the
// results with Recall@K and mean reciprocal rank
type Runner struct {
	retrieval *services.RetrievalService
	k         int
	logger    zerolog.Logger
}

// NewRunner creates an evaluation runner scoring the top k chunks
func NewRunner(retrieval *services.RetrievalService, k int) *Runner {
	if k <= 0 {
		k = 5
	}
	return &Runner{
		retrieval: retrieval,
		k:         k,
		logger:    observability.ComponentLogger("evaluation"),
	}
}

// Run replays every golden query and aggregates the scores
func (r *Runner) Run(ctx context.Context, queries []GoldenQuery) *Report {
	report := &Report{Total: len(queries), K: r.k}

	hits := 0
	rrSum := 0.0

	for _, golden := range queries {
		result := r.retrieval.Retrieve(ctx, golden.Query, golden.PatientAge, "")

		codes := distinctCodes(result)
		if len(codes) > r.k {
			codes = codes[:r.k]
		}
		if len(codes) == 0 {
			report.ZeroResults++
		}

		entry := QueryReport{
			Query:          golden.Query,
			ExpectedCodes:  golden.ExpectedCodes,
			RetrievedCodes: codes,
			Strategy:       result.StrategyUsed,
		}

		for rank, code := range codes {
			if containsFold(golden.ExpectedCodes, code) {
				entry.Hit = true
				entry.ReciprocalRank = 1.0 / float64(rank+1)
				break
			}
		}
		if entry.Hit {
			hits++
			rrSum += entry.ReciprocalRank
		} else {
			r.logger.Info().Str("query", golden.Query).Strs("retrieved", codes).Msg("golden query missed")
		}

		report.Queries = append(report.Queries, entry)
	}

	if report.Total > 0 {
		report.RecallAtK = float64(hits) / float64(report.Total)
		report.MRR = rrSum / float64(report.Total)
	}
	return report
}

// distinctCodes returns retrieved protocol codes in rank order
func distinctCodes(result *services.RetrieveResult) []string {
	seen := make(map[string]struct{})
	var codes []string
	for _, chunk := range result.Chunks {
		code := strings.ToUpper(chunk.Chunk.ProtocolCode)
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes
}

func containsFold(codes []string, code string) bool {
	for _, c := range codes {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}
