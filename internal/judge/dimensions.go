// Package judge turns an item into a complete judgment: per-dimension
// scores, axiom aggregates, a composite qScore, a verdict, confidence,
// and weaknesses. Scoring is a pure function of the item, the judge
// configuration, and the learning state passed in — no I/O, no clock,
// no randomness.
package judge

import (
	"regexp"
	"strings"

	"github.com/arbiter-ai/arbiter/internal/model"
)

// Axiom names. Every dimension belongs to exactly one axiom.
const (
	AxiomVeracity = "veracity"
	AxiomRigor    = "rigor"
	AxiomClarity  = "clarity"
	AxiomUtility  = "utility"
)

// DefaultAxiomWeights are the composite weights, summing to 1.
var DefaultAxiomWeights = map[string]float64{
	AxiomVeracity: 0.35,
	AxiomRigor:    0.25,
	AxiomClarity:  0.20,
	AxiomUtility:  0.20,
}

// dimension is one scored attribute: its axiom, its weight within the
// axiom, and the structural/lexical rule that scores it.
type dimension struct {
	name   string
	axiom  string
	weight float64
	rule   func(item model.Item, f features) float64
}

// Dimensions returns the names of all defined dimensions, in table order.
func Dimensions() []string {
	names := make([]string, len(dimensionTable))
	for i, d := range dimensionTable {
		names[i] = d.name
	}
	return names
}

// AxiomOf returns the axiom a dimension belongs to, or "" if unknown.
func AxiomOf(dim string) string {
	for _, d := range dimensionTable {
		if d.name == dim {
			return d.axiom
		}
	}
	return ""
}

var (
	urlRe        = regexp.MustCompile(`https?://[^\s)>\]]+`)
	numberRe     = regexp.MustCompile(`\b\d+(\.\d+)?%?\b`)
	identifierRe = regexp.MustCompile(`\b[a-z]+[A-Z][A-Za-z0-9]*\b|\b[a-z0-9]+(_[a-z0-9]+)+\b`)
	hexRefRe     = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6} |\d+[.)] |[-*] )`)
	imperativeRe = regexp.MustCompile(`(?i)\b(add|run|use|set|check|verify|replace|remove|update|fix|ensure|apply|test|review)\b`)
	causalRe     = regexp.MustCompile(`(?i)\b(because|therefore|so that|since|due to|as a result|which means)\b`)
	hedgeRe      = regexp.MustCompile(`(?i)\b(maybe|probably|perhaps|might|possibly|i think|unclear)\b`)
	absoluteRe   = regexp.MustCompile(`(?i)\b(always|never|all|none|every|impossible|guaranteed)\b`)
	riskRe       = regexp.MustCompile(`(?i)\b(error|edge case|fail|failure|invalid|timeout|race|leak|overflow)\b`)
	shoutRe      = regexp.MustCompile(`\b[A-Z]{4,}\b`)
)

// features holds text statistics computed once per item so dimension rules
// stay cheap and readable.
type features struct {
	words       []string
	sentences   int
	lines       int
	uniqueRatio float64
	urls        int
	numbers     int
	identifiers int
	hexRefs     int
	headings    int
	codeFences  int
	balanced    bool
}

func analyze(content string) features {
	f := features{}
	f.words = strings.Fields(content)
	f.lines = strings.Count(content, "\n") + 1
	f.sentences = countSentences(content)
	f.urls = len(urlRe.FindAllString(content, -1))
	f.numbers = len(numberRe.FindAllString(content, -1))
	f.identifiers = len(identifierRe.FindAllString(content, -1))
	f.hexRefs = len(hexRefRe.FindAllString(content, -1))
	f.headings = len(headingRe.FindAllString(content, -1))
	f.codeFences = strings.Count(content, "```")
	f.balanced = bracketsBalanced(content) && f.codeFences%2 == 0

	if len(f.words) > 0 {
		seen := make(map[string]struct{}, len(f.words))
		for _, w := range f.words {
			seen[strings.ToLower(strings.Trim(w, ".,;:!?()"))] = struct{}{}
		}
		f.uniqueRatio = float64(len(seen)) / float64(len(f.words))
	}
	return f
}

func countSentences(s string) int {
	n := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 && strings.TrimSpace(s) != "" {
		n = 1
	}
	return n
}

func bracketsBalanced(s string) bool {
	depth := map[byte]int{}
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '(', '[', '{':
			depth[c]++
		case ')', ']', '}':
			depth[pairs[c]]--
			if depth[pairs[c]] < 0 {
				return false
			}
		}
	}
	return depth['('] == 0 && depth['['] == 0 && depth['{'] == 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ratioBand scores how close v sits inside [lo, hi]: 1.0 inside the band,
// linearly decaying to 0 at zero and at 2×hi.
func ratioBand(v, lo, hi float64) float64 {
	switch {
	case v >= lo && v <= hi:
		return 1
	case v < lo:
		if lo == 0 {
			return 1
		}
		return clamp01(v / lo)
	default:
		return clamp01(1 - (v-hi)/hi)
	}
}

// scaled maps a count to [0,1], saturating at full.
func scaled(n, full int) float64 {
	if full <= 0 {
		return 0
	}
	return clamp01(float64(n) / float64(full))
}

// dimensionTable is the fixed rubric: 25 dimensions across 4 axioms.
// Weights are within-axiom and need not sum to anything in particular;
// aggregation normalizes by total weight.
var dimensionTable = []dimension{
	// Veracity: is the item supported and trustworthy.
	{"citation-presence", AxiomVeracity, 1, func(item model.Item, f features) float64 {
		return scaled(len(item.Sources)+f.urls, 3)
	}},
	{"source-diversity", AxiomVeracity, 1, func(item model.Item, f features) float64 {
		seen := map[string]struct{}{}
		for _, s := range item.Sources {
			seen[sourceKey(s)] = struct{}{}
		}
		return scaled(len(seen), 3)
	}},
	{"verification", AxiomVeracity, 1.5, func(item model.Item, f features) float64 {
		if item.Verified {
			return 1
		}
		return 0.3
	}},
	{"claim-precision", AxiomVeracity, 1, func(item model.Item, f features) float64 {
		if len(f.words) == 0 {
			return 0
		}
		return ratioBand(float64(f.numbers)/float64(len(f.words)), 0.02, 0.25)
	}},
	{"internal-consistency", AxiomVeracity, 1, func(item model.Item, f features) float64 {
		abs := len(absoluteRe.FindAllString(item.Content, -1))
		hedges := len(hedgeRe.FindAllString(item.Content, -1))
		// Absolutes and hedges in the same text pull in opposite directions.
		if abs > 0 && hedges > 0 {
			return clamp01(1 - 0.2*float64(min(abs, hedges)))
		}
		return 1 - 0.1*clamp01(float64(abs)/5)
	}},
	{"provenance", AxiomVeracity, 1, func(item model.Item, f features) float64 {
		score := 0.2
		if len(item.Sources) > 0 {
			score += 0.4
		}
		if item.Verified {
			score += 0.4
		}
		return clamp01(score)
	}},

	// Rigor: is the item structurally and logically sound.
	{"structural-coherence", AxiomRigor, 1, func(item model.Item, f features) float64 {
		if f.sentences == 0 {
			return 0
		}
		return ratioBand(float64(len(f.words))/float64(f.sentences), 5, 30)
	}},
	{"syntactic-validity", AxiomRigor, 1.5, func(item model.Item, f features) float64 {
		if f.balanced {
			return 1
		}
		return 0.2
	}},
	{"completeness", AxiomRigor, 1, func(item model.Item, f features) float64 {
		return scaled(len(f.words), 40)
	}},
	{"depth", AxiomRigor, 1, func(item model.Item, f features) float64 {
		return scaled(len(causalRe.FindAllString(item.Content, -1)), 3)
	}},
	{"specificity", AxiomRigor, 1, func(item model.Item, f features) float64 {
		return scaled(f.identifiers+f.hexRefs, 4)
	}},
	{"error-awareness", AxiomRigor, 1, func(item model.Item, f features) float64 {
		return scaled(len(riskRe.FindAllString(item.Content, -1)), 2)
	}},

	// Clarity: is the item readable and well-shaped.
	{"readability", AxiomClarity, 1, func(item model.Item, f features) float64 {
		if f.sentences == 0 {
			return 0
		}
		return ratioBand(float64(len(f.words))/float64(f.sentences), 8, 24)
	}},
	{"conciseness", AxiomClarity, 1, func(item model.Item, f features) float64 {
		return clamp01(f.uniqueRatio * 1.25)
	}},
	{"terminology", AxiomClarity, 1, func(item model.Item, f features) float64 {
		if len(f.words) == 0 {
			return 0
		}
		stop := 0
		for _, w := range f.words {
			if stopwords[strings.ToLower(w)] {
				stop++
			}
		}
		return ratioBand(float64(stop)/float64(len(f.words)), 0.1, 0.45)
	}},
	{"formatting", AxiomClarity, 1, func(item model.Item, f features) float64 {
		if len(f.words) < 60 {
			return 0.8 // short items don't need structure
		}
		return clamp01(0.4 + 0.3*float64(min(f.headings, 2)))
	}},
	{"length-balance", AxiomClarity, 1, func(item model.Item, f features) float64 {
		return ratioBand(float64(len(f.words)), 10, 800)
	}},
	{"tone-neutrality", AxiomClarity, 1, func(item model.Item, f features) float64 {
		shouts := len(shoutRe.FindAllString(item.Content, -1))
		bangs := strings.Count(item.Content, "!")
		return clamp01(1 - 0.15*float64(shouts) - 0.1*float64(bangs))
	}},

	// Utility: is the item actionable and useful downstream.
	{"actionability", AxiomUtility, 1, func(item model.Item, f features) float64 {
		return scaled(len(imperativeRe.FindAllString(item.Content, -1)), 3)
	}},
	{"relevance", AxiomUtility, 1, func(item model.Item, f features) float64 {
		// Type tokens appearing in the content indicate the item is about
		// what it claims to be about. Baseline 0.5 when indeterminate.
		score := 0.5
		for _, tok := range strings.FieldsFunc(item.Type, func(r rune) bool { return r == '-' || r == '_' || r == '.' }) {
			if len(tok) >= 3 && strings.Contains(strings.ToLower(item.Content), strings.ToLower(tok)) {
				score += 0.25
			}
		}
		return clamp01(score)
	}},
	{"novelty", AxiomUtility, 1, func(item model.Item, f features) float64 {
		return clamp01(f.uniqueRatio*0.6 + 0.4)
	}},
	{"testability", AxiomUtility, 1, func(item model.Item, f features) float64 {
		if f.numbers > 0 && f.identifiers+f.hexRefs > 0 {
			return 1
		}
		if f.numbers > 0 || f.identifiers > 0 {
			return 0.6
		}
		return 0.2
	}},
	{"scope-fit", AxiomUtility, 1, func(item model.Item, f features) float64 {
		return ratioBand(float64(len(f.words)), 5, 1200)
	}},
	{"coverage", AxiomUtility, 1, func(item model.Item, f features) float64 {
		if len(f.words) == 0 {
			return 0
		}
		perKiloword := float64(len(item.Sources)+f.urls) * 1000 / float64(max(len(f.words), 100))
		return clamp01(perKiloword / 20)
	}},
	{"traceability", AxiomUtility, 1, func(item model.Item, f features) float64 {
		return scaled(f.hexRefs+f.urls, 2)
	}},
}

// sourceKey reduces a source reference to a diversity bucket: host for
// URLs, first path/word token otherwise.
func sourceKey(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/ "); i >= 0 {
		s = s[:i]
	}
	return s
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "for": true, "with": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "it": true,
	"this": true, "that": true, "as": true, "at": true, "by": true, "from": true,
}
