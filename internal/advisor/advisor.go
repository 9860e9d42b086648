// Package advisor ranks catalog entries that look like a rejected server name.
package advisor

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
)

const (
	DefaultLimit     = 3
	DefaultThreshold = 0.6
)

type Options struct {
	Limit     int
	Threshold float64
}

type Suggestion struct {
	Value      string  `json:"value"`
	Similarity float64 `json:"similarity"`
}

// Suggest returns catalog entries whose normalised edit-distance similarity to
// rejected is at least the threshold, best first, ties broken lexically.
// Duplicate catalog entries (after case folding) are reported once.
func Suggest(rejected string, catalog []string, opts Options) []Suggestion {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	folder := cases.Fold()
	needle := folder.String(strings.TrimSpace(rejected))
	if needle == "" {
		return nil
	}

	seen := make(map[string]struct{}, len(catalog))
	out := make([]Suggestion, 0, len(catalog))
	for _, entry := range catalog {
		entry = strings.TrimSpace(entry)
		key := folder.String(entry)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		score := Similarity(needle, key)
		if score < threshold {
			continue
		}
		out = append(out, Suggestion{Value: entry, Similarity: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Values flattens suggestions to their catalog strings.
func Values(suggestions []Suggestion) []string {
	if len(suggestions) == 0 {
		return nil
	}
	out := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		out = append(out, s.Value)
	}
	return out
}

// Similarity is 1 - distance/maxLen over runes. Inputs are compared as given.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
