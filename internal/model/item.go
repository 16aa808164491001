package model

import "fmt"

// Field length limits for incoming items. These prevent a single oversized
// field from filling TEXT columns or the embedding pipeline with
// caller-controlled garbage.
const (
	MaxItemTypeLen    = 200
	MaxItemContentLen = 64 * 1024 // 64 KB
	MaxItemSources    = 50
)

// Item is the unit of evaluation: a short structured document submitted
// for judgment. Content is free text (callers with structured payloads
// serialize them before submission).
type Item struct {
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	Sources  []string `json:"sources,omitempty"`
	Verified bool     `json:"verified,omitempty"`

	// Scores lets the caller pin individual dimension scores. Pinned values
	// are clamped to [0,1] and used verbatim; unpinned dimensions are
	// computed by the judge.
	Scores map[string]float64 `json:"scores,omitempty"`
}

// ValidateItem checks required fields and per-field length limits.
func ValidateItem(item Item) error {
	if item.Type == "" {
		return InvalidInput("item type is required")
	}
	if item.Content == "" {
		return InvalidInput("item content is required")
	}
	if len(item.Type) > MaxItemTypeLen {
		return InvalidInput(fmt.Sprintf("item type exceeds maximum length of %d characters", MaxItemTypeLen))
	}
	if len(item.Content) > MaxItemContentLen {
		return InvalidInput(fmt.Sprintf("item content exceeds maximum length of %d bytes", MaxItemContentLen))
	}
	if len(item.Sources) > MaxItemSources {
		return InvalidInput(fmt.Sprintf("item has more than %d sources", MaxItemSources))
	}
	return nil
}
