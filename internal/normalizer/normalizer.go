// Package normalizer implements the deterministic text folding used by the
// SearchEngine's keyword extraction, matching and ranking: Unicode NFKD
// decomposition, diacritic stripping, case folding, and punctuation
// collapsed to spaces.
package normalizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// newFold builds the NFKD -> strip-combining-marks -> NFC transform chain.
// A chain keeps internal buffers between Transform calls, so every Fold
// call builds its own chain and Fold is safe for concurrent use.
func newFold() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Fold applies NFKD decomposition and strips diacritics, returning the
// base-letter form of s. "Örnek" becomes "Ornek".
func Fold(s string) string {
	out, _, err := transform.String(newFold(), s)
	if err != nil {
		// transform.String over a well-formed UTF-8 input with this chain
		// does not fail in practice; fall back to the raw string rather
		// than lose data.
		return s
	}
	return out
}

// Text is the full deterministic normalization used for comparisons: fold
// diacritics, case-fold, and collapse punctuation/whitespace runs to single
// spaces, trimmed.
func Text(s string) string {
	folded := Fold(s)
	var b strings.Builder
	b.Grow(len(folded))

	lastWasSpace := true // trims leading space for free
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastWasSpace = false
		default:
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// Keywords splits normalized text into its whitespace-delimited tokens.
// Returns nil for empty input after normalization.
func Keywords(s string) []string {
	normalized := Text(s)
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}
