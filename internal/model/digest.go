package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxDigestContentLen bounds the text accepted for digestion.
const MaxDigestContentLen = 256 * 1024 // 256 KB

// Digest is the extracted structured summary of a text blob, appended to
// the knowledge base and searchable.
type Digest struct {
	ID        uuid.UUID      `json:"id"`
	Source    string         `json:"source,omitempty"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Patterns  []string       `json:"patterns,omitempty"`
	Insights  []string       `json:"insights,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
