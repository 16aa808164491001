// Package digest extracts structure from raw text and appends it to the
// knowledge base. Extraction is deterministic: the same content always
// yields the same patterns, insights, and stats.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/bus"
	"github.com/arbiter-ai/arbiter/internal/model"
	"github.com/arbiter-ai/arbiter/internal/storage"
)

// Request is one digestion call.
type Request struct {
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Stats summarizes the digested content.
type Stats struct {
	Lines       int `json:"lines"`
	Words       int `json:"words"`
	Chars       int `json:"chars"`
	UniqueWords int `json:"unique_words"`
}

// Result is returned to the caller after the digest is persisted.
type Result struct {
	ID       uuid.UUID `json:"id"`
	Patterns []string  `json:"patterns"`
	Insights []string  `json:"insights,omitempty"`
	Stats    Stats     `json:"stats"`
}

// Digester persists digests and announces extracted patterns on the bus.
type Digester struct {
	store  storage.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func New(store storage.Store, eventBus *bus.Bus, logger *slog.Logger) *Digester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Digester{store: store, bus: eventBus, logger: logger}
}

// Pattern detectors. Each tags content with a stable label when its
// expression matches anywhere.
var patternDetectors = []struct {
	label string
	re    *regexp.Regexp
}{
	{"url", regexp.MustCompile(`https?://[^\s<>"]+`)},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"error-report", regexp.MustCompile(`(?im)\b(error|exception|panic|fatal)\b`)},
	{"failure-report", regexp.MustCompile(`(?im)\b(fail(ed|ure)?|broken|crash(ed)?)\b`)},
	{"todo-marker", regexp.MustCompile(`(?m)\b(TODO|FIXME|XXX|HACK)\b`)},
	{"code-block", regexp.MustCompile("(?s)```.*?```")},
	{"stack-trace", regexp.MustCompile(`(?m)^\s+at .+\(.+\)|goroutine \d+ \[`)},
	{"timestamp", regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`)},
	{"ip-address", regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}\b`)},
	{"uuid", regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)},
	{"question", regexp.MustCompile(`(?m)\?\s*$`)},
	{"numeric-data", regexp.MustCompile(`\b\d+(\.\d+)?%|\b\d{4,}\b`)},
}

var wordRe = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_\-]*`)

// stopWords are excluded from recurring-term insights.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "are": true, "was": true, "were": true,
	"have": true, "has": true, "not": true, "but": true, "you": true,
	"all": true, "can": true, "will": true, "its": true, "into": true,
}

// Digest extracts patterns, insights, and stats from the content, stores
// the result in the knowledge base, and publishes a pattern event.
func (d *Digester) Digest(ctx context.Context, req Request) (Result, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Result{}, model.InvalidInput("digest content is required")
	}
	if len(content) > model.MaxDigestContentLen {
		return Result{}, model.InvalidInput(fmt.Sprintf(
			"digest content exceeds %d bytes", model.MaxDigestContentLen))
	}
	dtype := req.Type
	if dtype == "" {
		dtype = "text"
	}

	patterns := detectPatterns(content)
	stats := computeStats(content)
	insights := deriveInsights(content, patterns, stats)

	stored, err := d.store.StoreKnowledge(ctx, model.Digest{
		Source:   req.Source,
		Type:     dtype,
		Content:  content,
		Patterns: patterns,
		Insights: insights,
		Metadata: map[string]any{
			"lines": stats.Lines, "words": stats.Words,
			"chars": stats.Chars, "unique_words": stats.UniqueWords,
		},
	})
	if err != nil {
		return Result{}, model.StorageError("failed to persist digest", err)
	}

	// Published even when no patterns matched: the indexer listens on this
	// topic to embed every stored digest, not just the pattern-bearing ones.
	if d.bus != nil {
		d.bus.Publish(bus.TopicPattern, map[string]any{
			"kind":     "digest",
			"id":       stored.ID.String(),
			"source":   req.Source,
			"type":     dtype,
			"patterns": patterns,
		})
	}

	d.logger.Info("content digested",
		"id", stored.ID, "type", dtype, "patterns", len(patterns), "words", stats.Words)

	return Result{ID: stored.ID, Patterns: patterns, Insights: insights, Stats: stats}, nil
}

// Search queries the knowledge base by full-text match.
func (d *Digester) Search(ctx context.Context, query string, limit int) ([]model.Digest, error) {
	if strings.TrimSpace(query) == "" {
		return nil, model.InvalidInput("search query is required")
	}
	if limit <= 0 {
		limit = 10
	}
	hits, err := d.store.SearchKnowledge(ctx, query, limit)
	if err != nil {
		return nil, model.StorageError("knowledge search failed", err)
	}
	return hits, nil
}

func detectPatterns(content string) []string {
	var out []string
	for _, det := range patternDetectors {
		if det.re.MatchString(content) {
			out = append(out, det.label)
		}
	}
	return out
}

func computeStats(content string) Stats {
	words := wordRe.FindAllString(content, -1)
	unique := map[string]bool{}
	for _, w := range words {
		unique[strings.ToLower(w)] = true
	}
	return Stats{
		Lines:       strings.Count(content, "\n") + 1,
		Words:       len(words),
		Chars:       len(content),
		UniqueWords: len(unique),
	}
}

// deriveInsights produces short observations about the content. Ordering
// is fixed so output is reproducible.
func deriveInsights(content string, patterns []string, stats Stats) []string {
	var insights []string

	has := map[string]bool{}
	for _, p := range patterns {
		has[p] = true
	}
	if has["error-report"] || has["failure-report"] {
		insights = append(insights, "content reports errors or failures")
	}
	if has["stack-trace"] {
		insights = append(insights, "content contains a stack trace")
	}
	if has["todo-marker"] {
		insights = append(insights, "content carries unresolved work markers")
	}
	if has["question"] {
		insights = append(insights, "content poses open questions")
	}

	for _, term := range recurringTerms(content, 3) {
		insights = append(insights, fmt.Sprintf("recurring term: %q", term))
	}

	if stats.Words > 0 {
		ratio := float64(stats.UniqueWords) / float64(stats.Words)
		if stats.Words >= 50 && ratio < 0.3 {
			insights = append(insights, "content is highly repetitive")
		}
	}
	return insights
}

// recurringTerms returns up to max terms of length >= 4 that appear at
// least three times, most frequent first, ties broken alphabetically.
func recurringTerms(content string, max int) []string {
	counts := map[string]int{}
	for _, w := range wordRe.FindAllString(content, -1) {
		lw := strings.ToLower(w)
		if len(lw) < 4 || stopWords[lw] {
			continue
		}
		counts[lw]++
	}

	var terms []string
	for term, n := range counts {
		if n >= 3 {
			terms = append(terms, term)
		}
	}
	sort.Slice(terms, func(a, b int) bool {
		if counts[terms[a]] != counts[terms[b]] {
			return counts[terms[a]] > counts[terms[b]]
		}
		return terms[a] < terms[b]
	})
	if len(terms) > max {
		terms = terms[:max]
	}
	return terms
}
