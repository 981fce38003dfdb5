package validation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFormulary struct {
	entries []*entities.FormularyEntry
	err     error
}

func (s *stubFormulary) GetByName(_ context.Context, name string) (*entities.FormularyEntry, error) {
	for _, e := range s.entries {
		if strings.EqualFold(e.Name, name) {
			return e, nil
		}
	}
	return nil, apperrors.NewNotFoundError("medication not in formulary")
}

func (s *stubFormulary) List(context.Context) ([]*entities.FormularyEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

func testFormulary() *stubFormulary {
	return &stubFormulary{entries: []*entities.FormularyEntry{
		{
			Name:        "lorazepam",
			BrandNames:  []string{"Ativan"},
			Banned:      true,
			Replacement: "midazolam",
		},
		{
			Name:       "midazolam",
			BrandNames: []string{"Versed"},
			Routes:     []string{"IV", "IM", "IN"},
			AdultDoses: []entities.DoseRange{
				{Route: "IV", MinValue: 2, MaxValue: 5, Unit: "mg"},
				{Route: "IM", MinValue: 5, MaxValue: 10, Unit: "mg"},
			},
			PediatricDoses: []entities.DoseRange{
				{Route: "IV", MinValue: 0.05, MaxValue: 0.1, Unit: "mg", WeightBased: true},
			},
		},
		{
			Name:       "aspirin",
			Routes:     []string{"PO"},
			AdultDoses: []entities.DoseRange{{Route: "PO", MinValue: 162, MaxValue: 324, Unit: "mg"}},
		},
		{
			Name:       "fentanyl",
			Routes:     []string{"IV", "IN"},
			AdultDoses: []entities.DoseRange{{Route: "IV", MinValue: 25, MaxValue: 100, Unit: "mcg"}},
		},
	}}
}

func chestPainSet() *RetrievedSet {
	return &RetrievedSet{Protocols: []*entities.Protocol{{
		Code:          "1211",
		Name:          "Chest Pain",
		IsCurrent:     true,
		EffectiveDate: time.Now().Add(-24 * time.Hour),
	}}}
}

func findingCodes(r *Result) []string {
	codes := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		codes = append(codes, f.Code)
	}
	return codes
}

func TestStage1InvalidProtocolCode(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage1(context.Background(), &entities.NormalizedQuery{
		Original:       "protocol 9999",
		Text:           "protocol 9999",
		ExtractedCodes: []string{"9999"},
	}, []string{"1211", "1242", "1242-P"})

	assert.True(t, result.Blocked())
	assert.Contains(t, findingCodes(result), FindingInvalidProtocolCode)
}

func TestStage1VagueQuery(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage1(context.Background(), &entities.NormalizedQuery{Vague: true}, nil)

	assert.False(t, result.Blocked(), "vague queries warn, they do not block")
	assert.Contains(t, findingCodes(result), FindingVagueQuery)
}

func TestStage1UnauthorizedMedication(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage1(context.Background(), &entities.NormalizedQuery{
		Original:             "ketamine for agitation",
		Text:                 "ketamine for agitation",
		ExtractedMedications: []string{"ketamine"},
	}, []string{"1211"})

	assert.Contains(t, findingCodes(result), FindingUnauthorizedMedication)
}

func TestStage1BareMedicationQuery(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage1(context.Background(), &entities.NormalizedQuery{
		Original:             "midazolam",
		Text:                 "midazolam",
		ExtractedMedications: []string{"midazolam"},
	}, []string{"1211"})

	assert.Contains(t, findingCodes(result), FindingMedicationWithoutProtocol)
}

func TestStage1CleanQueryHasNoFindings(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage1(context.Background(), &entities.NormalizedQuery{
		Original: "chest pain",
		Text:     "chest pain",
	}, []string{"1211"})

	assert.True(t, result.Valid)
	assert.Empty(t, result.Findings)
}

func TestStage2DeprecatedProtocol(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	set := &RetrievedSet{Protocols: []*entities.Protocol{{Code: "1211", IsCurrent: false}}}

	result := p.Stage2(context.Background(), set, nil, time.Now())

	assert.True(t, result.Blocked())
	assert.Contains(t, findingCodes(result), FindingDeprecatedProtocol)
}

func TestStage2ExpiredAndNotEffective(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	now := time.Now()
	expired := now.Add(-time.Hour)

	set := &RetrievedSet{Protocols: []*entities.Protocol{
		{Code: "1211", IsCurrent: true, EffectiveDate: now.Add(-48 * time.Hour), ExpirationDate: &expired},
		{Code: "1242", IsCurrent: true, EffectiveDate: now.Add(24 * time.Hour)},
	}}

	result := p.Stage2(context.Background(), set, nil, now)

	codes := findingCodes(result)
	assert.Contains(t, codes, FindingProtocolExpired)
	assert.Contains(t, codes, FindingProtocolNotEffective)
	assert.True(t, result.Blocked(), "expired protocols block")
}

func TestStage2IncompleteChunk(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	chunks := []*entities.RankedChunk{
		{Chunk: entities.ProtocolChunk{ID: "1211:0", ProtocolCode: "1211", Content: "too short"}},
	}

	result := p.Stage2(context.Background(), chestPainSet(), chunks, time.Now())

	assert.True(t, result.Blocked())
	assert.Contains(t, findingCodes(result), FindingIncompleteProtocol)
}

func TestStage2FamilyConflict(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	now := time.Now()
	set := &RetrievedSet{Protocols: []*entities.Protocol{
		{Code: "1242", PediatricCode: "1242-P", IsCurrent: true, EffectiveDate: now.Add(-time.Hour)},
		{Code: "1242-P", IsCurrent: true, EffectiveDate: now.Add(-time.Hour)},
	}}

	result := p.Stage2(context.Background(), set, nil, now)

	assert.False(t, result.Blocked())
	assert.Contains(t, findingCodes(result), FindingProtocolConflicts)
}

func TestStage3UnretrievedCitationIsError(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage3(context.Background(), "Per TP 1242, administer oxygen.", chestPainSet())

	assert.False(t, result.Blocked(), "stage 3 citation misses flag for review, they do not block")
	assert.Contains(t, findingCodes(result), FindingUnretrievedCitation)
}

func TestStage3DoseOutOfRange(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage3(context.Background(), "Administer aspirin 1000 mg PO.", chestPainSet())

	assert.True(t, result.Blocked())
	assert.Contains(t, findingCodes(result), FindingDoseOutOfRange)
}

func TestStage3DoseWithinRangePasses(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage3(context.Background(), "Administer aspirin 324 mg PO per TP 1211.", chestPainSet())

	assert.True(t, result.Valid)
	assert.Empty(t, result.Findings)
}

func TestStage3MissingBaseContact(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	set := &RetrievedSet{Protocols: []*entities.Protocol{{
		Code: "1242", IsCurrent: true, EffectiveDate: time.Now().Add(-time.Hour), RequiresBaseContact: true,
	}}}

	missing := p.Stage3(context.Background(), "Apply tourniquet per TP 1242.", set)
	assert.Contains(t, findingCodes(missing), FindingMissingBaseContact)

	present := p.Stage3(context.Background(), "Apply tourniquet per TP 1242 and contact base hospital.", set)
	assert.NotContains(t, findingCodes(present), FindingMissingBaseContact)
}

func TestStage4HallucinatedCitation(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage4(context.Background(), "Follow TP 9999 for chest pain management.", chestPainSet())

	assert.True(t, result.Blocked())
	assert.Contains(t, findingCodes(result), FindingHallucinatedCitation)
}

func TestStage4BannedMedicationByBrandName(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	set := &RetrievedSet{Protocols: []*entities.Protocol{{
		Code: "1231", Name: "Seizure", IsCurrent: true, EffectiveDate: time.Now().Add(-time.Hour),
	}}}

	result := p.Stage4(context.Background(), "Give Ativan for seizure per TP 1231.", set)

	require.True(t, result.Blocked())
	codes := findingCodes(result)
	assert.Contains(t, codes, FindingResponseMedicationError)

	for _, f := range result.Findings {
		if f.Code == FindingResponseMedicationError {
			assert.Equal(t, "midazolam", f.Metadata["replacement"])
		}
	}
}

func TestStage4AdultDoseValidation(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	adult := &RetrievedSet{Protocols: []*entities.Protocol{{
		Code: "1231", IsCurrent: true, EffectiveDate: time.Now().Add(-time.Hour),
	}}}

	// A weight-based pediatric dose format must not pass for an adult
	result := p.Stage4(context.Background(), "Give midazolam 0.1 mg/kg IV per TP 1231.", adult)
	assert.True(t, result.Blocked())
	assert.Contains(t, findingCodes(result), FindingDoseOutOfRange)

	// The fixed adult dose passes
	result = p.Stage4(context.Background(), "Give midazolam 5 mg IV per TP 1231.", adult)
	assert.NotContains(t, findingCodes(result), FindingDoseOutOfRange)
}

func TestStage4PediatricWeightBasedDose(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	pediatric := &RetrievedSet{
		Protocols: []*entities.Protocol{{Code: "1231-P", IsCurrent: true, EffectiveDate: time.Now().Add(-time.Hour)}},
		Pediatric: true,
	}

	result := p.Stage4(context.Background(), "Give midazolam 0.1 mg/kg IV per TP 1231-P.", pediatric)
	assert.NotContains(t, findingCodes(result), FindingDoseOutOfRange)
}

func TestStage4Contradictions(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)
	set := &RetrievedSet{Protocols: []*entities.Protocol{{
		Code: "1231", IsCurrent: true, EffectiveDate: time.Now().Add(-time.Hour),
	}}}

	result := p.Stage4(context.Background(), "Give midazolam 5 mg IV per TP 1231. Then give midazolam 2 mg IV.", set)

	assert.Contains(t, findingCodes(result), FindingResponseContradictions)
}

func TestStage4CleanAnswerPasses(t *testing.T) {
	p := NewPipeline(testFormulary(), 40, nil)

	result := p.Stage4(context.Background(), "Administer aspirin 324 mg PO and obtain a 12-lead ECG per TP 1211.", chestPainSet())

	assert.True(t, result.Valid)
	assert.Empty(t, result.Findings)
}

func TestStage4FormularyOutageSurfacesFinding(t *testing.T) {
	p := NewPipeline(&stubFormulary{err: apperrors.NewExternalError("store down", nil)}, 40, nil)
	seizureSet := &RetrievedSet{Protocols: []*entities.Protocol{{
		Code:          "1231",
		Name:          "Seizure",
		IsCurrent:     true,
		EffectiveDate: time.Now().Add(-24 * time.Hour),
	}}}

	result := p.Stage4(context.Background(), "Give Ativan for seizure per TP 1231.", seizureSet)

	codes := findingCodes(result)
	assert.NotContains(t, codes, FindingResponseMedicationError, "an unchecked medication must not be flagged")
	assert.Contains(t, codes, FindingFormularyUnavailable, "an unchecked medication must not pass silently either")
	assert.False(t, result.Blocked(), "the outage itself is an error, not a block")
}

func TestStage1FormularyOutageSurfacesFinding(t *testing.T) {
	p := NewPipeline(&stubFormulary{err: apperrors.NewExternalError("store down", nil)}, 40, nil)

	result := p.Stage1(context.Background(), &entities.NormalizedQuery{
		Original:             "midazolam for seizure",
		Text:                 "midazolam for seizure",
		ExtractedMedications: []string{"midazolam"},
	}, []string{"1231"})

	codes := findingCodes(result)
	assert.Contains(t, codes, FindingFormularyUnavailable)
	assert.NotContains(t, codes, FindingUnauthorizedMedication)
}

func TestExtractCitations(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"prefixed", "per TP 1211 and protocol 1242-P", []string{"1211", "1242-P"}},
		{"bare code", "see 1211 for details", []string{"1211"}},
		{"dose is not a citation", "infuse 1000 ml normal saline", nil},
		{"deduplicated", "TP 1211 then 1211 again", []string{"1211"}},
		{"hash prefix", "protocol #1233", []string{"1233"}},
		{"bare year is not a citation", "per 2024 county guidelines", nil},
		{"prefixed year-range code still counts", "per TP 2024", []string{"2024"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCitations(tt.text))
		})
	}
}

func TestAnyBlockedAndCollectCodes(t *testing.T) {
	clean := newResult(StagePreRetrieval)
	blocked := newResult(StagePostResponse)
	blocked.add(SeverityCritical, FindingHallucinatedCitation, "fabricated citation", nil)
	blocked.add(SeverityWarning, FindingVagueQuery, "vague", nil)

	assert.False(t, AnyBlocked([]*Result{clean}))
	assert.True(t, AnyBlocked([]*Result{clean, blocked}))
	assert.Equal(t, []string{FindingHallucinatedCitation}, CollectCodes([]*Result{clean, blocked}, SeverityCritical))
	assert.Equal(t, []string{FindingVagueQuery}, CollectCodes([]*Result{clean, blocked}, SeverityWarning))
}
