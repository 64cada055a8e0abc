package sdmx

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// sampleSize is the number of candidate codes quoted in a CodeResolutionError.
const sampleSize = 5

// MatchRule selects one code of a dimension. Preferred codes are compared
// case-insensitively against code identifiers and always win over label
// patterns.
type MatchRule struct {
	Patterns     []string
	Preferred    []string
	AllowMissing bool
}

// Match picks the code of dim selected by rule. It returns ok=false with a
// nil error when nothing matches and rule.AllowMissing is set.
func Match(dim Dimension, rule MatchRule) (string, bool, error) {
	if len(dim.Codes) == 0 {
		if rule.AllowMissing {
			return "", false, nil
		}
		return "", false, &CodeResolutionError{Dimension: dim.ID, Patterns: rule.Patterns, Preferred: rule.Preferred}
	}

	if len(rule.Preferred) > 0 {
		preferred := make(map[string]struct{}, len(rule.Preferred))
		for _, p := range rule.Preferred {
			preferred[strings.ToUpper(p)] = struct{}{}
		}
		for _, c := range dim.Codes {
			if _, ok := preferred[strings.ToUpper(c.ID)]; ok {
				return c.ID, true, nil
			}
		}
	}

	patterns := make([]string, 0, len(rule.Patterns))
	for _, p := range rule.Patterns {
		if n := NormalizeLabel(p); n != "" {
			patterns = append(patterns, n)
		}
	}
	for _, c := range dim.Codes {
		label := NormalizeLabel(c.Label)
		code := strings.ToLower(c.ID)
		for _, p := range patterns {
			if strings.Contains(label, p) || p == code {
				return c.ID, true, nil
			}
		}
	}

	if rule.AllowMissing {
		return "", false, nil
	}
	n := min(sampleSize, len(dim.Codes))
	sample := make([]Code, n)
	copy(sample, dim.Codes[:n])
	return "", false, &CodeResolutionError{
		Dimension: dim.ID,
		Patterns:  rule.Patterns,
		Preferred: rule.Preferred,
		Sample:    sample,
	}
}

// NormalizeLabel lowercases s, strips accents, turns hyphens into spaces and
// collapses runs of whitespace.
func NormalizeLabel(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ReplaceAll(strings.ToLower(folded), "-", " ")
	return strings.Join(strings.Fields(folded), " ")
}
