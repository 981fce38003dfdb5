package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Protocol represents a versioned clinical treatment document identified by
// a code (e.g. "1211"). Updates supersede the current version rather than
// mutating it; superseded versions are retained and never hard-deleted.
type Protocol struct {
	ID                  string          `json:"id" db:"id"`
	Code                string          `json:"code" db:"code"`
	PediatricCode       string          `json:"pediatric_code,omitempty" db:"pediatric_code"`
	Name                string          `json:"name" db:"name"`
	Category            string          `json:"category" db:"category"`
	Keywords            []string        `json:"keywords,omitempty" db:"-"`
	Version             int             `json:"version" db:"version"`
	EffectiveDate       time.Time       `json:"effective_date" db:"effective_date"`
	ExpirationDate      *time.Time      `json:"expiration_date,omitempty" db:"expiration_date"`
	IsCurrent           bool            `json:"is_current" db:"is_current"`
	IsDeleted           bool            `json:"is_deleted" db:"is_deleted"`
	RequiresBaseContact bool            `json:"requires_base_contact" db:"requires_base_contact"`
	UsageCount          int             `json:"usage_count" db:"usage_count"`
	Chunks              []ProtocolChunk `json:"chunks,omitempty" db:"-"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// ProtocolChunk is a searchable fragment of a protocol's content. Chunks are
// owned by their parent protocol version and are immutable once the version
// is superseded.
type ProtocolChunk struct {
	ID           string    `json:"id" db:"id"`
	ProtocolCode string    `json:"protocol_code" db:"protocol_code"`
	Seq          int       `json:"seq" db:"seq"`
	Content      string    `json:"content" db:"content"`
	ContentHash  string    `json:"content_hash" db:"content_hash"`
	Keywords     []string  `json:"keywords,omitempty" db:"-"`
	Embedding    []float32 `json:"embedding,omitempty" db:"-"`
	// EmbeddedHash is the content hash the stored embedding was computed
	// from. A mismatch with ContentHash marks the embedding stale.
	EmbeddedHash string `json:"embedded_hash,omitempty" db:"embedded_hash"`
}

// ChunkID derives the stable chunk identifier from protocol code and sequence.
func ChunkID(protocolCode string, seq int) string {
	return fmt.Sprintf("%s:%d", protocolCode, seq)
}

// ComputeContentHash returns the hex SHA-256 of the chunk content.
func ComputeContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// HasFreshEmbedding reports whether the chunk has an embedding computed from
// its current content.
func (c *ProtocolChunk) HasFreshEmbedding() bool {
	return len(c.Embedding) > 0 && c.EmbeddedHash == c.ContentHash
}

// IsEffectiveAt reports whether the protocol is within its effective window.
func (p *Protocol) IsEffectiveAt(now time.Time) bool {
	if now.Before(p.EffectiveDate) {
		return false
	}
	if p.ExpirationDate != nil && now.After(*p.ExpirationDate) {
		return false
	}
	return true
}

// RankedChunk is a chunk scored by the hybrid retrieval engine.
type RankedChunk struct {
	Chunk        ProtocolChunk `json:"chunk"`
	ProtocolName string        `json:"protocol_name"`
	LexicalScore float64       `json:"lexical_score"`
	// CosineDistance is nil when the chunk has no usable embedding and was
	// scored lexically only.
	CosineDistance *float64 `json:"cosine_distance,omitempty"`
	Score          float64  `json:"score"`
	UsageCount     int      `json:"usage_count"`
}

// NormalizedQuery is the deterministic output of the query normalizer.
type NormalizedQuery struct {
	Original             string   `json:"original"`
	Text                 string   `json:"text"`
	ExtractedCodes       []string `json:"extracted_codes,omitempty"`
	ExtractedMedications []string `json:"extracted_medications,omitempty"`
	IsPediatric          bool     `json:"is_pediatric"`
	Vague                bool     `json:"vague"`
}
