package knowledge

import (
	"math"
	"sort"
	"strings"
	"time"
)

const (
	// SimilarityThreshold is the minimum Jaccard overlap for a failure
	// to count as similar.
	SimilarityThreshold = 0.30

	minKeywordLen      = 4
	maxMatchedKeywords = 5
)

// Keywords extracts the lowercase words of length >= 4 from text.
// Underscores bind words together the way identifiers read.
func Keywords(text string) map[string]bool {
	words := map[string]bool{}
	var b strings.Builder
	flush := func() {
		if b.Len() >= minKeywordLen {
			words[b.String()] = true
		}
		b.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return words
}

// Jaccard computes |a∩b| / |a∪b| over two keyword sets.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Relevance scores a heuristic for a query: a 0.5 base decayed by age
// (7 day half-life, never below half the base), boosted for a domain
// match and for validation history, capped at 1.0.
func Relevance(h Heuristic, domain Domain, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	score := 0.5

	if !h.CreatedAt.IsZero() {
		age := now.Sub(h.CreatedAt)
		if age < 0 {
			age = 0
		}
		recency := math.Pow(0.5, float64(age)/float64(halfLife))
		score *= 0.5 + 0.5*recency
	}

	if domain != "" && h.Domain == domain {
		score *= 1.5
	}

	switch {
	case h.ValidatedCount >= 10:
		score *= 1.4
	case h.ValidatedCount >= 5:
		score *= 1.2
	}

	return math.Min(score, 1.0)
}

// FailureMatch pairs a failure with its similarity to the query task.
type FailureMatch struct {
	Failure
	Similarity float64  `json:"similarity"`
	Matched    []string `json:"matched_keywords"`
}

// SimilarFailures returns failures whose title+summary keywords overlap
// the task text at or above the threshold, most similar first.
func SimilarFailures(taskText string, failures []Failure, threshold float64, limit int) []FailureMatch {
	taskWords := Keywords(taskText)
	if len(taskWords) == 0 {
		return nil
	}

	var out []FailureMatch
	for _, f := range failures {
		failWords := Keywords(f.Title + " " + f.Summary)
		sim := Jaccard(taskWords, failWords)
		if sim < threshold {
			continue
		}

		var matched []string
		for w := range taskWords {
			if failWords[w] {
				matched = append(matched, w)
			}
		}
		sort.Strings(matched)
		if len(matched) > maxMatchedKeywords {
			matched = matched[:maxMatchedKeywords]
		}

		out = append(out, FailureMatch{Failure: f, Similarity: sim, Matched: matched})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
