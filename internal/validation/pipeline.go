package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/domain/repositories"
	"github.com/emsassist/protocolguide/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// RetrievedSet is the protocol set a retrieval produced, shared by stages
// 2 through 4 so the hallucination gate checks against exactly what was
// retrieved.
type RetrievedSet struct {
	Protocols []*entities.Protocol
	Pediatric bool
}

// ContainsCode reports whether a cited code belongs to the retrieved set,
// counting each protocol's pediatric variant
func (s *RetrievedSet) ContainsCode(code string) bool {
	for _, p := range s.Protocols {
		if strings.EqualFold(p.Code, code) {
			return true
		}
		if p.PediatricCode != "" && strings.EqualFold(p.PediatricCode, code) {
			return true
		}
	}
	return false
}

// RequiresBaseContact reports whether any retrieved protocol mandates a
// base-hospital-contact directive
func (s *RetrievedSet) RequiresBaseContact() bool {
	for _, p := range s.Protocols {
		if p.RequiresBaseContact {
			return true
		}
	}
	return false
}

var baseContactPhrases = []string{
	"base hospital",
	"base contact",
	"contact base",
	"contact medical control",
	"medical control",
}

func hasBaseContactDirective(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range baseContactPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Pipeline runs the four validation stages. Each stage is a pure function
// over its inputs plus read-only formulary lookups; the only side effects
// are metrics and logs.
type Pipeline struct {
	formulary      repositories.FormularyRepository
	minChunkLength int
	metrics        *observability.Metrics
	logger         zerolog.Logger
}

// NewPipeline creates a validation pipeline. metrics may be nil.
func NewPipeline(formulary repositories.FormularyRepository, minChunkLength int, metrics *observability.Metrics) *Pipeline {
	if minChunkLength <= 0 {
		minChunkLength = 40
	}
	return &Pipeline{
		formulary:      formulary,
		minChunkLength: minChunkLength,
		metrics:        metrics,
		logger:         observability.ComponentLogger("validation"),
	}
}

// Stage1 validates the normalized query before retrieval runs. knownCodes is
// the full set of current protocol codes (pediatric variants included).
func (p *Pipeline) Stage1(ctx context.Context, query *entities.NormalizedQuery, knownCodes []string) *Result {
	result := newResult(StagePreRetrieval)

	known := make(map[string]struct{}, len(knownCodes))
	for _, code := range knownCodes {
		known[strings.ToUpper(code)] = struct{}{}
	}

	// With no known-code list (store outage exhausted its fallbacks) codes
	// are unverifiable; skipping beats flagging every valid code
	for _, code := range query.ExtractedCodes {
		if len(known) == 0 {
			break
		}
		if _, ok := known[strings.ToUpper(code)]; !ok {
			result.add(SeverityCritical, FindingInvalidProtocolCode,
				fmt.Sprintf("query references unknown protocol code %s", code),
				map[string]string{"code": code})
		}
	}

	if query.Vague {
		result.add(SeverityWarning, FindingVagueQuery,
			"query is too short or generic to disambiguate",
			map[string]string{"query": query.Original})
	}

	idx := p.loadFormulary(ctx, result)
	for _, med := range query.ExtractedMedications {
		if idx == nil {
			break
		}
		mention := idx.lookup(med)
		if mention == nil || mention.Entry.Banned {
			result.add(SeverityWarning, FindingUnauthorizedMedication,
				fmt.Sprintf("query references medication %q which is not in the authorized formulary", med),
				map[string]string{"medication": med})
		}
	}

	if len(query.ExtractedMedications) > 0 && len(query.ExtractedCodes) == 0 && p.bareMedicationQuery(query, idx) {
		result.add(SeverityWarning, FindingMedicationWithoutProtocol,
			"query names a medication with no clinical context",
			map[string]string{"query": query.Original})
	}

	p.record(ctx, result)
	return result
}

// bareMedicationQuery reports whether the query is essentially just a
// medication name, with no symptoms or impressions to anchor retrieval
func (p *Pipeline) bareMedicationQuery(query *entities.NormalizedQuery, idx *formularyIndex) bool {
	medWords := make(map[string]struct{})
	for _, med := range query.ExtractedMedications {
		for _, w := range wordPattern.FindAllString(strings.ToLower(med), -1) {
			medWords[w] = struct{}{}
		}
	}

	remaining := 0
	for _, word := range wordPattern.FindAllString(strings.ToLower(query.Text), -1) {
		if _, ok := medWords[word]; ok {
			continue
		}
		if idx != nil && idx.lookup(word) != nil {
			continue
		}
		remaining++
	}
	return remaining <= 1
}

// Stage2 validates each retrieved protocol and chunk against currency,
// effective window, completeness, and family-mixing rules
func (p *Pipeline) Stage2(ctx context.Context, set *RetrievedSet, chunks []*entities.RankedChunk, now time.Time) *Result {
	result := newResult(StageDuringRetrieval)

	for _, protocol := range set.Protocols {
		meta := map[string]string{"code": protocol.Code}

		if protocol.IsDeleted || !protocol.IsCurrent {
			result.add(SeverityCritical, FindingDeprecatedProtocol,
				fmt.Sprintf("protocol %s is superseded or deleted", protocol.Code), meta)
			continue
		}
		if protocol.ExpirationDate != nil && now.After(*protocol.ExpirationDate) {
			result.add(SeverityCritical, FindingProtocolExpired,
				fmt.Sprintf("protocol %s expired on %s", protocol.Code, protocol.ExpirationDate.Format("2006-01-02")), meta)
		} else if now.Before(protocol.EffectiveDate) {
			result.add(SeverityError, FindingProtocolNotEffective,
				fmt.Sprintf("protocol %s is not effective until %s", protocol.Code, protocol.EffectiveDate.Format("2006-01-02")), meta)
		}
	}

	for _, ranked := range chunks {
		if len(strings.TrimSpace(ranked.Chunk.Content)) < p.minChunkLength {
			result.add(SeverityCritical, FindingIncompleteProtocol,
				fmt.Sprintf("chunk %s is below the minimum content length", ranked.Chunk.ID),
				map[string]string{"chunk_id": ranked.Chunk.ID, "code": ranked.Chunk.ProtocolCode})
		}
	}

	p.flagFamilyConflicts(set, result)
	p.record(ctx, result)
	return result
}

// flagFamilyConflicts warns when the adult and pediatric variants of the
// same protocol family were retrieved together. Mixing the two risks
// cross-contaminating dose formats.
func (p *Pipeline) flagFamilyConflicts(set *RetrievedSet, result *Result) {
	codes := make(map[string]struct{}, len(set.Protocols))
	for _, protocol := range set.Protocols {
		codes[strings.ToUpper(protocol.Code)] = struct{}{}
	}
	for _, protocol := range set.Protocols {
		if protocol.PediatricCode == "" {
			continue
		}
		if _, ok := codes[strings.ToUpper(protocol.PediatricCode)]; ok {
			result.add(SeverityWarning, FindingProtocolConflicts,
				fmt.Sprintf("adult protocol %s and pediatric variant %s retrieved together", protocol.Code, protocol.PediatricCode),
				map[string]string{"code": protocol.Code, "pediatric_code": protocol.PediatricCode})
		}
	}
}

// Stage3 validates the assembled context before it is handed to the
// answer-generator
func (p *Pipeline) Stage3(ctx context.Context, contextText string, set *RetrievedSet) *Result {
	result := newResult(StagePreResponse)
	p.checkText(ctx, contextText, set, result, textChecks{
		citationCode:     FindingUnretrievedCitation,
		citationSeverity: SeverityError,
		medicationCode:   FindingContextMedicationError,
		baseContactCode:  FindingMissingBaseContact,
		baseContactSev:   SeverityError,
		checkDoses:       true,
	})
	p.record(ctx, result)
	return result
}

// Stage4 is the hallucination gate: it validates the generated answer
// against the same retrieved set used in stages 2 and 3
func (p *Pipeline) Stage4(ctx context.Context, answerText string, set *RetrievedSet) *Result {
	result := newResult(StagePostResponse)
	p.checkText(ctx, answerText, set, result, textChecks{
		citationCode:        FindingHallucinatedCitation,
		citationSeverity:    SeverityCritical,
		medicationCode:      FindingResponseMedicationError,
		baseContactCode:     FindingMissingBaseContactRequired,
		baseContactSev:      SeverityCritical,
		checkDoses:          true,
		checkContradictions: true,
	})
	p.record(ctx, result)
	return result
}

type textChecks struct {
	citationCode        string
	citationSeverity    Severity
	medicationCode      string
	baseContactCode     string
	baseContactSev      Severity
	checkDoses          bool
	checkContradictions bool
}

func (p *Pipeline) checkText(ctx context.Context, text string, set *RetrievedSet, result *Result, checks textChecks) {
	for _, code := range ExtractCitations(text) {
		if !set.ContainsCode(code) {
			result.add(checks.citationSeverity, checks.citationCode,
				fmt.Sprintf("cited protocol %s was not retrieved", code),
				map[string]string{"code": code})
		}
	}

	idx := p.loadFormulary(ctx, result)
	if idx != nil {
		for _, mention := range idx.mentionsIn(text) {
			if !mention.Entry.Banned {
				continue
			}
			message := fmt.Sprintf("medication %q is not authorized", mention.Matched)
			meta := map[string]string{"medication": mention.Matched, "generic": mention.Generic}
			if mention.Entry.Replacement != "" {
				message = fmt.Sprintf("medication %q is not authorized, use %s", mention.Matched, mention.Entry.Replacement)
				meta["replacement"] = mention.Entry.Replacement
			}
			result.add(SeverityCritical, checks.medicationCode, message, meta)
		}

		if checks.checkDoses {
			p.checkDoses(text, idx, set.Pediatric, result)
		}
		if checks.checkContradictions {
			p.checkContradictions(text, idx, result)
		}
	}

	if set.RequiresBaseContact() && !hasBaseContactDirective(text) {
		result.add(checks.baseContactSev, checks.baseContactCode,
			"retrieved protocol requires base hospital contact but no directive is present", nil)
	}
}

func (p *Pipeline) checkDoses(text string, idx *formularyIndex, pediatric bool, result *Result) {
	for _, dose := range extractDoses(text, idx) {
		mention := idx.lookup(dose.Medication)
		if mention == nil || mention.Entry.Banned {
			continue
		}
		ranges := mention.Entry.DosesFor(pediatric)
		if len(ranges) == 0 {
			continue
		}
		if !withinRange(dose, ranges) {
			weightSuffix := ""
			if dose.WeightBased {
				weightSuffix = "/kg"
			}
			result.add(SeverityCritical, FindingDoseOutOfRange,
				fmt.Sprintf("%s dose %g %s%s is outside the permitted range", dose.Medication, dose.Value, dose.Unit, weightSuffix),
				map[string]string{"medication": dose.Medication, "sentence": dose.Sentence})
		}
	}
}

// checkContradictions flags the same medication asserted with two different
// dose amounts in different sentences
func (p *Pipeline) checkContradictions(text string, idx *formularyIndex, result *Result) {
	type doseKey struct {
		value       float64
		unit        string
		weightBased bool
	}
	seen := make(map[string]doseKey)

	for _, dose := range extractDoses(text, idx) {
		key := doseKey{dose.Value, dose.Unit, dose.WeightBased}
		if prev, ok := seen[dose.Medication]; ok && prev != key {
			result.add(SeverityError, FindingResponseContradictions,
				fmt.Sprintf("answer asserts conflicting doses for %s", dose.Medication),
				map[string]string{"medication": dose.Medication})
			continue
		}
		seen[dose.Medication] = key
	}
}

// loadFormulary fetches and indexes the formulary. A lookup error means the
// repository (and any fallback tiers behind it) is exhausted; the outage is
// recorded on the stage result so a skipped medication check is never
// mistaken for a passed one.
func (p *Pipeline) loadFormulary(ctx context.Context, result *Result) *formularyIndex {
	if p.formulary == nil {
		return nil
	}
	entries, err := p.formulary.List(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Str("stage", result.Stage).Msg("formulary unavailable, medication checks did not run")
		result.add(SeverityError, FindingFormularyUnavailable,
			"formulary is unavailable, medication and dose checks did not run", nil)
		return nil
	}
	return newFormularyIndex(entries)
}

func (p *Pipeline) record(ctx context.Context, result *Result) {
	for _, f := range result.Findings {
		p.logger.Info().
			Str("stage", result.Stage).
			Str("severity", string(f.Severity)).
			Str("finding", f.Code).
			Msg(f.Message)
		if p.metrics != nil {
			observability.RecordValidationFinding(ctx, p.metrics, result.Stage, string(f.Severity), f.Code)
		}
	}
}
