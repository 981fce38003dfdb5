package entities

import "time"

// DoseRange is a permitted dose window for one route. Weight-based ranges
// are expressed per kilogram (e.g. 0.1 mg/kg).
type DoseRange struct {
	Route       string  `json:"route" db:"route"`
	MinValue    float64 `json:"min_value" db:"min_value"`
	MaxValue    float64 `json:"max_value" db:"max_value"`
	Unit        string  `json:"unit" db:"unit"`
	WeightBased bool    `json:"weight_based" db:"weight_based"`
}

// FormularyEntry is an authorized (or explicitly banned) medication with its
// brand-name aliases, permitted routes, and dose ranges. A banned entry keeps
// its aliases so brand names of banned generics are also rejected.
type FormularyEntry struct {
	ID             string      `json:"id" db:"id"`
	Name           string      `json:"name" db:"name"`
	BrandNames     []string    `json:"brand_names,omitempty" db:"-"`
	Banned         bool        `json:"banned" db:"banned"`
	Replacement    string      `json:"replacement,omitempty" db:"replacement"`
	Routes         []string    `json:"routes,omitempty" db:"-"`
	AdultDoses     []DoseRange `json:"adult_doses,omitempty" db:"-"`
	PediatricDoses []DoseRange `json:"pediatric_doses,omitempty" db:"-"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// DosesFor returns the route-appropriate dose ranges for the age bracket.
func (e *FormularyEntry) DosesFor(pediatric bool) []DoseRange {
	if pediatric {
		return e.PediatricDoses
	}
	return e.AdultDoses
}
