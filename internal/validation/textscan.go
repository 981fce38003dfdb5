package validation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/emsassist/protocolguide/internal/domain/entities"
)

// Protocol citations come in two shapes: prefixed ("TP 1211", "protocol
// 1242-P") and bare four-digit codes. Bare numbers followed by a dose unit
// are measurements, and bare numbers in the calendar-year range are dates
// ("per 2024 guidelines"), not citations.
var (
	prefixedCitationPattern = regexp.MustCompile(`(?i)\b(?:TP|protocol)\s*#?\s*(\d{3,4}(?:-P)?)\b`)
	bareCitationPattern     = regexp.MustCompile(`\b(\d{4}(?:-P)?)\b`)
	unitAfterNumberPattern  = regexp.MustCompile(`^\s*(?:mg|mcg|g|kg|ml|mL|l|L|units?|min|minutes?|j|joules?|%)\b`)

	doseLiteralPattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(mg|mcg|g|ml|units?)(\s*/\s*kg)?\b`)
	sentencePattern    = regexp.MustCompile(`[.;\n]+`)
)

// routeKeywords maps text markers to canonical route names
var routeKeywords = map[string]string{
	"iv":            "IV",
	"intravenous":   "IV",
	"io":            "IO",
	"intraosseous":  "IO",
	"im":            "IM",
	"intramuscular": "IM",
	"in":            "IN",
	"intranasal":    "IN",
	"po":            "PO",
	"oral":          "PO",
	"orally":        "PO",
	"sl":            "SL",
	"sublingual":    "SL",
	"nebulized":     "NEB",
	"neb":           "NEB",
}

// ExtractCitations returns the distinct protocol codes cited in text, in
// first-appearance order
func ExtractCitations(text string) []string {
	seen := make(map[string]struct{})
	var codes []string

	add := func(code string) {
		code = strings.ToUpper(code)
		if _, ok := seen[code]; !ok {
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}

	for _, m := range prefixedCitationPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range bareCitationPattern.FindAllStringSubmatchIndex(text, -1) {
		// m[2]:m[3] is the code, m[1] the end of the whole match
		code := text[m[2]:m[3]]
		rest := text[m[1]:]
		if unitAfterNumberPattern.MatchString(rest) {
			continue
		}
		if looksLikeYear(code) {
			continue
		}
		add(code)
	}

	return codes
}

// looksLikeYear reports whether a bare number sits in the plausible
// calendar-year range. A real protocol code in that range can still be
// cited with a prefix ("TP 2024").
func looksLikeYear(code string) bool {
	year, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return year >= 1900 && year <= 2099
}

// MedicationMention is one medication reference found in free text
type MedicationMention struct {
	// Matched is the token as it appeared (lowercased)
	Matched string
	// Generic is the canonical formulary name the token resolves to
	Generic string
	Entry   *entities.FormularyEntry
	// ViaBrand is true when the token was a brand alias, not the generic name
	ViaBrand bool
}

// formularyIndex resolves free-text tokens to formulary entries, including
// brand aliases of both authorized and banned generics
type formularyIndex struct {
	byToken map[string]*MedicationMention
	entries []*entities.FormularyEntry
}

func newFormularyIndex(entries []*entities.FormularyEntry) *formularyIndex {
	idx := &formularyIndex{
		byToken: make(map[string]*MedicationMention),
		entries: entries,
	}
	for _, entry := range entries {
		name := strings.ToLower(entry.Name)
		idx.byToken[name] = &MedicationMention{Matched: name, Generic: entry.Name, Entry: entry}
		for _, brand := range entry.BrandNames {
			alias := strings.ToLower(brand)
			idx.byToken[alias] = &MedicationMention{Matched: alias, Generic: entry.Name, Entry: entry, ViaBrand: true}
		}
	}
	return idx
}

// lookup resolves one token, or nil when it is not a known medication
func (idx *formularyIndex) lookup(token string) *MedicationMention {
	if m, ok := idx.byToken[strings.ToLower(token)]; ok {
		copied := *m
		copied.Matched = strings.ToLower(token)
		return &copied
	}
	return nil
}

var wordPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z\-']*`)

// mentionsIn scans free text for formulary names and brand aliases
func (idx *formularyIndex) mentionsIn(text string) []*MedicationMention {
	seen := make(map[string]struct{})
	var mentions []*MedicationMention

	for _, word := range wordPattern.FindAllString(text, -1) {
		m := idx.lookup(word)
		if m == nil {
			continue
		}
		if _, ok := seen[m.Matched]; ok {
			continue
		}
		seen[m.Matched] = struct{}{}
		mentions = append(mentions, m)
	}
	return mentions
}

// DoseLiteral is a dose amount extracted from free text, attributed to the
// nearest medication mention in the same sentence
type DoseLiteral struct {
	Medication  string
	Value       float64
	Unit        string
	WeightBased bool
	Route       string
	Sentence    string
}

// extractDoses pulls dose literals out of text, sentence by sentence. Doses
// in sentences with no medication mention are skipped: there is nothing to
// check them against.
func extractDoses(text string, idx *formularyIndex) []DoseLiteral {
	var doses []DoseLiteral

	for _, sentence := range sentencePattern.Split(text, -1) {
		mentions := idx.mentionsIn(sentence)
		if len(mentions) == 0 {
			continue
		}
		route := detectRoute(sentence)

		for _, m := range doseLiteralPattern.FindAllStringSubmatch(sentence, -1) {
			value, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			doses = append(doses, DoseLiteral{
				Medication:  mentions[0].Generic,
				Value:       value,
				Unit:        normalizeUnit(m[2]),
				WeightBased: m[3] != "",
				Route:       route,
				Sentence:    strings.TrimSpace(sentence),
			})
		}
	}
	return doses
}

func detectRoute(sentence string) string {
	for _, word := range wordPattern.FindAllString(strings.ToLower(sentence), -1) {
		if route, ok := routeKeywords[word]; ok {
			return route
		}
	}
	return ""
}

func normalizeUnit(unit string) string {
	u := strings.ToLower(unit)
	if u == "units" {
		u = "unit"
	}
	return u
}

// withinRange reports whether a dose literal satisfies at least one
// route-appropriate range for the age bracket
func withinRange(dose DoseLiteral, ranges []entities.DoseRange) bool {
	for _, r := range ranges {
		if dose.Route != "" && r.Route != "" && !strings.EqualFold(dose.Route, r.Route) {
			continue
		}
		if !strings.EqualFold(dose.Unit, r.Unit) {
			continue
		}
		if dose.WeightBased != r.WeightBased {
			continue
		}
		if dose.Value >= r.MinValue && dose.Value <= r.MaxValue {
			return true
		}
	}
	return false
}
