package validation

// Severity classifies a finding. Critical findings block delivery of the
// affected content; errors are flagged for review; warnings are
// informational. The caller decides how to degrade, never this package.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// Stage identifiers
const (
	StagePreRetrieval    = "stage-1-pre-retrieval"
	StageDuringRetrieval = "stage-2-during-retrieval"
	StagePreResponse     = "stage-3-pre-response"
	StagePostResponse    = "stage-4-post-response"
)

// Finding codes, by stage
const (
	FindingInvalidProtocolCode       = "invalid-protocol-code"
	FindingMedicationWithoutProtocol = "medication-without-protocol"
	FindingVagueQuery                = "vague-query"
	FindingUnauthorizedMedication    = "unauthorized-medication-query"

	FindingDeprecatedProtocol   = "deprecated-protocol"
	FindingProtocolExpired      = "protocol-expired"
	FindingProtocolNotEffective = "protocol-not-effective"
	FindingIncompleteProtocol   = "incomplete-protocol"
	FindingProtocolConflicts    = "protocol-conflicts"

	FindingUnretrievedCitation    = "unretrieved-citation"
	FindingContextMedicationError = "context-medication-error"
	FindingMissingBaseContact     = "missing-base-contact"
	FindingDoseOutOfRange         = "dose-out-of-range"

	FindingHallucinatedCitation       = "hallucinated-citation"
	FindingResponseMedicationError    = "response-medication-error"
	FindingMissingBaseContactRequired = "missing-base-contact-requirement"
	FindingResponseContradictions     = "response-contradictions"

	// FindingFormularyUnavailable is raised by any stage whose medication
	// and dose checks could not run because the formulary was unreachable
	FindingFormularyUnavailable = "formulary-unavailable"
)

// Finding is one issue detected by a validation stage
type Finding struct {
	Severity Severity          `json:"severity"`
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of one validation stage. Valid is false iff any
// critical finding is present.
type Result struct {
	Stage    string    `json:"stage"`
	Valid    bool      `json:"valid"`
	Findings []Finding `json:"findings"`
}

func newResult(stage string) *Result {
	return &Result{Stage: stage, Valid: true, Findings: []Finding{}}
}

func (r *Result) add(severity Severity, code, message string, metadata map[string]string) {
	r.Findings = append(r.Findings, Finding{
		Severity: severity,
		Code:     code,
		Message:  message,
		Metadata: metadata,
	})
	if severity == SeverityCritical {
		r.Valid = false
	}
}

// Blocked reports whether this result contains a critical finding
func (r *Result) Blocked() bool {
	return !r.Valid
}

// Codes returns the finding codes at the given severity, for telemetry rows
func (r *Result) Codes(severity Severity) []string {
	var codes []string
	for _, f := range r.Findings {
		if f.Severity == severity {
			codes = append(codes, f.Code)
		}
	}
	return codes
}

// AnyBlocked reports whether any stage result carries a critical finding
func AnyBlocked(results []*Result) bool {
	for _, r := range results {
		if r != nil && r.Blocked() {
			return true
		}
	}
	return false
}

// CollectCodes gathers finding codes at one severity across stage results
func CollectCodes(results []*Result, severity Severity) []string {
	var codes []string
	for _, r := range results {
		if r != nil {
			codes = append(codes, r.Codes(severity)...)
		}
	}
	return codes
}
