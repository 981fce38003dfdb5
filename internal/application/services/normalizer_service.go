package services

import (
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emsassist/protocolguide/internal/domain/entities"
	"github.com/emsassist/protocolguide/internal/validation"
	apperrors "github.com/emsassist/protocolguide/pkg/errors"
)

// MedicationDictionary maps brand names to generics and lists the generic
// names the normalizer should recognize in free text
type MedicationDictionary struct {
	Brands   map[string]string `json:"brands"`
	Generics []string          `json:"generics"`
}

// LoadSynonyms reads the colloquial-phrase synonym table from a JSON file
func LoadSynonyms(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to read synonym table", err)
	}
	var synonyms map[string]string
	if err := json.Unmarshal(data, &synonyms); err != nil {
		return nil, apperrors.NewInternalError("failed to parse synonym table", err)
	}
	return synonyms, nil
}

// LoadMedicationDictionary reads the brand/generic dictionary from a JSON file
func LoadMedicationDictionary(path string) (*MedicationDictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to read medication dictionary", err)
	}
	var dict MedicationDictionary
	if err := json.Unmarshal(data, &dict); err != nil {
		return nil, apperrors.NewInternalError("failed to parse medication dictionary", err)
	}
	return &dict, nil
}

type phraseRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// NormalizerService expands colloquial medical language into canonical terms,
// maps brand medication names to generics, and extracts embedded protocol
// codes. Normalization is pure and deterministic: same input, same output,
// no I/O.
type NormalizerService struct {
	synonymRules []phraseRule
	brandRules   []phraseRule
	generics     map[string]struct{}

	mu          sync.RWMutex
	impressions []*entities.ProviderImpression
}

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	agePattern        = regexp.MustCompile(`\b(\d{1,3})\s*(?:yo|y/o|yr|yrs|year[\s-]?old|years?[\s-]?old)\b`)
)

// NewNormalizerService builds a normalizer from its dictionaries. The
// impression slice order is preserved so expansion stays deterministic.
func NewNormalizerService(synonyms map[string]string, dict *MedicationDictionary, impressions []*entities.ProviderImpression) *NormalizerService {
	s := &NormalizerService{
		generics:    make(map[string]struct{}),
		impressions: impressions,
	}

	// Longer phrases first so "crushing chest pain" wins over "chest pain"
	phrases := make([]string, 0, len(synonyms))
	for phrase := range synonyms {
		phrases = append(phrases, phrase)
	}
	sort.Slice(phrases, func(i, j int) bool {
		if len(phrases[i]) != len(phrases[j]) {
			return len(phrases[i]) > len(phrases[j])
		}
		return phrases[i] < phrases[j]
	})
	for _, phrase := range phrases {
		s.synonymRules = append(s.synonymRules, phraseRule{
			pattern:     wordBoundaryPattern(phrase),
			replacement: strings.ToLower(synonyms[phrase]),
		})
	}

	if dict != nil {
		brands := make([]string, 0, len(dict.Brands))
		for brand := range dict.Brands {
			brands = append(brands, brand)
		}
		sort.Strings(brands)
		for _, brand := range brands {
			generic := strings.ToLower(dict.Brands[brand])
			s.brandRules = append(s.brandRules, phraseRule{
				pattern:     wordBoundaryPattern(brand),
				replacement: generic,
			})
			s.generics[generic] = struct{}{}
		}
		for _, generic := range dict.Generics {
			s.generics[strings.ToLower(generic)] = struct{}{}
		}
	}

	return s
}

// SetImpressions replaces the provider-impression table. Safe to call while
// Normalize runs, so a background refresh can pick up new impressions and
// recover from a failed load at startup.
func (s *NormalizerService) SetImpressions(impressions []*entities.ProviderImpression) {
	s.mu.Lock()
	s.impressions = impressions
	s.mu.Unlock()
}

func wordBoundaryPattern(phrase string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(strings.ToLower(phrase)) + `\b`)
}

// Normalize expands rawQuery into a NormalizedQuery. patientAge may be nil;
// when present and under 18, pediatric-variant protocol codes are preferred
// for matched impressions. An age stated in the query text (e.g. "28yo") is
// used when no explicit age is given.
func (s *NormalizerService) Normalize(rawQuery string, patientAge *int) *entities.NormalizedQuery {
	original := rawQuery
	text := strings.ToLower(strings.TrimSpace(rawQuery))
	text = whitespacePattern.ReplaceAllString(text, " ")

	query := &entities.NormalizedQuery{Original: original}

	if text == "" {
		query.Vague = true
		return query
	}

	age := patientAge
	if age == nil {
		age = ageFromText(text)
	}
	query.IsPediatric = age != nil && *age < 18

	for _, rule := range s.synonymRules {
		text = rule.pattern.ReplaceAllString(text, rule.replacement)
	}

	medications := make(map[string]struct{})
	for _, rule := range s.brandRules {
		if rule.pattern.MatchString(text) {
			text = rule.pattern.ReplaceAllString(text, rule.replacement)
			medications[rule.replacement] = struct{}{}
		}
	}
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,;:!?")
		if _, ok := s.generics[word]; ok {
			medications[word] = struct{}{}
		}
	}
	query.ExtractedMedications = sortedKeys(medications)

	codes := make(map[string]struct{})
	for _, code := range validation.ExtractCitations(original) {
		codes[code] = struct{}{}
	}
	s.expandImpressions(text, query.IsPediatric, codes)
	query.ExtractedCodes = sortedKeys(codes)

	query.Text = strings.TrimSpace(text)
	query.Vague = s.isVague(query)
	return query
}

// expandImpressions adds the age-appropriate protocol code for every matched
// provider impression. Only one code family is ever added per impression, so
// adult and pediatric dosing formats cannot cross-contaminate one expansion.
func (s *NormalizerService) expandImpressions(text string, pediatric bool, codes map[string]struct{}) {
	s.mu.RLock()
	impressions := s.impressions
	s.mu.RUnlock()

	for _, impression := range impressions {
		if !impressionMatches(impression, text) {
			continue
		}
		if code := impression.ProtocolCodeFor(pediatric); code != "" {
			codes[code] = struct{}{}
		}
	}
}

func impressionMatches(impression *entities.ProviderImpression, text string) bool {
	if desc := strings.ToLower(impression.Description); desc != "" && strings.Contains(text, desc) {
		return true
	}
	for _, keyword := range impression.Keywords {
		if kw := strings.ToLower(keyword); kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// isVague marks queries that carry too little signal to disambiguate: no
// codes, no medications, and at most one content word
func (s *NormalizerService) isVague(query *entities.NormalizedQuery) bool {
	if len(query.ExtractedCodes) > 0 || len(query.ExtractedMedications) > 0 {
		return false
	}
	return len(strings.Fields(query.Text)) < 2
}

func ageFromText(text string) *int {
	m := agePattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	age, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &age
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
