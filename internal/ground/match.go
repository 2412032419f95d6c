package ground

import (
	"strings"

	"github.com/agext/levenshtein"
)

// Match confidence tiers. An exact match always wins; each weaker strategy
// scores lower so MinConfidence can cut between them.
const (
	scoreExact    = 1.0
	scoreCaseFold = 0.95
	scorePlural   = 0.9
	scoreSynonym  = 0.85
)

// fieldSynonyms maps common requirement vocabulary to canonical schema
// field names. Checked in both directions.
var fieldSynonyms = map[string][]string{
	"sender":    {"from", "author", "from_address"},
	"recipient": {"to", "to_address"},
	"subject":   {"title", "headline"},
	"body":      {"content", "text", "message"},
	"date":      {"timestamp", "sent_at", "created_at"},
	"amount":    {"total", "price", "value"},
	"category":  {"type", "label", "kind"},
}

// bestFieldMatch returns the best-matching known field for a target name
// and its confidence. Case, pluralization, and synonym tolerant; falls back
// to levenshtein similarity for near-misses (typos, separator drift).
func bestFieldMatch(target string, fields []FieldDescriptor) (string, float64) {
	bestName := ""
	bestScore := 0.0

	for _, f := range fields {
		score := matchScore(target, f.Name)
		// A description mentioning the target verbatim backs up a weak
		// name match.
		if score < scoreSynonym && f.Description != "" &&
			strings.Contains(strings.ToLower(f.Description), strings.ToLower(target)) {
			score = scoreSynonym
		}
		if score > bestScore {
			bestScore = score
			bestName = f.Name
		}
	}
	return bestName, bestScore
}

func matchScore(target, candidate string) float64 {
	if target == candidate {
		return scoreExact
	}

	t := normalizeField(target)
	c := normalizeField(candidate)
	if t == c {
		return scoreCaseFold
	}
	if singular(t) == singular(c) {
		return scorePlural
	}
	if synonymous(t, c) {
		return scoreSynonym
	}

	// Levenshtein similarity scaled below the synonym tier so fuzzy hits
	// never outrank a vocabulary hit.
	sim := levenshtein.Similarity(t, c, nil)
	return sim * scoreSynonym
}

// normalizeField lowercases and strips separators.
func normalizeField(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

// singular applies plural->singular normalization: trailing "ies" -> "y",
// then a trailing "s" is dropped.
func singular(s string) string {
	if strings.HasSuffix(s, "ies") && len(s) > 3 {
		return s[:len(s)-3] + "y"
	}
	if strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss") && len(s) > 1 {
		return s[:len(s)-1]
	}
	return s
}

func synonymous(a, b string) bool {
	for canonical, alts := range fieldSynonyms {
		canon := normalizeField(canonical)
		inSet := func(s string) bool {
			if s == canon {
				return true
			}
			for _, alt := range alts {
				if s == normalizeField(alt) {
					return true
				}
			}
			return false
		}
		if inSet(singular(a)) && inSet(singular(b)) {
			return true
		}
	}
	return false
}
