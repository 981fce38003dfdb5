package entities

import "time"

// SearchEvent records the outcome of one retrieval for analytics. Events are
// written fire-and-forget off the critical path.
type SearchEvent struct {
	ID               string    `json:"id" db:"id"`
	Query            string    `json:"query" db:"query"`
	NormalizedQuery  string    `json:"normalized_query" db:"normalized_query"`
	IsPediatric      bool      `json:"is_pediatric" db:"is_pediatric"`
	ResultCount      int       `json:"result_count" db:"result_count"`
	StrategyUsed     string    `json:"strategy_used" db:"strategy_used"`
	FallbacksUsed    []string  `json:"fallbacks_used,omitempty" db:"-"`
	CriticalFindings int       `json:"critical_findings" db:"critical_findings"`
	ErrorFindings    int       `json:"error_findings" db:"error_findings"`
	WarningFindings  int       `json:"warning_findings" db:"warning_findings"`
	LatencyMs        int64     `json:"latency_ms" db:"latency_ms"`
	SessionID        string    `json:"session_id,omitempty" db:"session_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
