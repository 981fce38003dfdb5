package evaluation

import (
	"encoding/json"
	"os"

	apperrors "github.com/emsassist/protocolguide/pkg/errors"
)

// GoldenQuery is one labeled retrieval case: a raw query and the protocol
// codes a correct retrieval must surface
type GoldenQuery struct {
	Query         string   `json:"query"`
	PatientAge    *int     `json:"patient_age,omitempty"`
	ExpectedCodes []string `json:"expected_codes"`
}

// LoadGoldenQueries reads the labeled query set from a JSON file
func LoadGoldenQueries(path string) ([]GoldenQuery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to read golden queries", err)
	}

	var queries []GoldenQuery
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, apperrors.NewInternalError("failed to parse golden queries", err)
	}
	return queries, nil
}
