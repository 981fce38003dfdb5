package entities

// ProviderImpression maps a clinical-impression code to its primary protocol
// and, when one exists, a pediatric variant. Impressions bridge colloquial
// symptom language to protocol codes.
type ProviderImpression struct {
	Code                  string   `json:"code" db:"code"`
	Description           string   `json:"description" db:"description"`
	ProtocolCode          string   `json:"protocol_code" db:"protocol_code"`
	PediatricProtocolCode string   `json:"pediatric_protocol_code,omitempty" db:"pediatric_protocol_code"`
	Keywords              []string `json:"keywords,omitempty" db:"-"`
}

// ProtocolCodeFor returns the protocol code for the age bracket. Adult and
// pediatric code families must never mix in one query expansion.
func (i *ProviderImpression) ProtocolCodeFor(pediatric bool) string {
	if pediatric && i.PediatricProtocolCode != "" {
		return i.PediatricProtocolCode
	}
	return i.ProtocolCode
}
