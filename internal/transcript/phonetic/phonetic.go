// Package phonetic resolves misheard phrases to vocabulary terms using
// Double Metaphone encoding combined with Jaro-Winkler string similarity.
//
// A [Matcher] is built once per agent from its vocabulary and evaluates
// candidate phrases in two stages:
//
//  1. Phonetic filtering: Double Metaphone codes are precomputed for every
//     word of every vocabulary term at construction. A term becomes a
//     candidate when any of its codes overlaps with a code of the input
//     phrase, so Match never re-encodes the vocabulary.
//
//  2. Jaro-Winkler ranking: candidates are ranked by string similarity on
//     the lowercased originals and the best one wins, provided its score
//     clears the phonetic threshold. When no term overlaps phonetically, a
//     fallback pass accepts a pure string-similarity match at a stricter
//     fuzzy threshold (default 0.85).
//
// Multi-word terms ("Blue Nimbus Plan") are supported: ranking also
// considers the space-stripped concatenations so that run-together
// mishearings ("bluenimbus") still score well. Guards keep the matcher
// precise: a phrase with more words than the term is never matched, a
// phrase with fewer words must cover most of the term's letters, and an
// equal-length multi-word phrase must align with the term word for word.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minTermCoverage is the fraction of a term's letters a shorter phrase
	// must supply before it may match the whole term. Keeps a lone "blue"
	// from expanding into "Blue Nimbus".
	minTermCoverage = 0.60

	// minAlignedWordScore is the weakest positional word pair allowed when
	// phrase and term have the same word count. Keeps "blue car" from
	// matching "Blue Nimbus" on the strength of the shared first word.
	minAlignedWordScore = 0.60
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-filtered term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// term overlaps phonetically and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// term is one vocabulary entry with its matching data precomputed.
type term struct {
	raw      string              // canonical form as configured
	lower    string              // lowercased, whitespace-normalised
	stripped string              // lowercased with spaces removed
	tokens   []string            // lowercased words
	codes    map[string]struct{} // Double Metaphone codes of all words
}

// Matcher resolves phrases to vocabulary terms by pronunciation similarity.
// It is read-only after construction and safe for concurrent use.
type Matcher struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New builds a [Matcher] over vocabulary. Phonetic codes and normalised
// forms for every term are computed here once. Blank entries are skipped.
func New(vocabulary []string, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	for _, v := range vocabulary {
		raw := strings.TrimSpace(v)
		if raw == "" {
			continue
		}
		tokens := strings.Fields(strings.ToLower(raw))
		m.terms = append(m.terms, term{
			raw:      raw,
			lower:    strings.Join(tokens, " "),
			stripped: strings.Join(tokens, ""),
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		if len(tokens) > m.maxWords {
			m.maxWords = len(tokens)
		}
	}
	return m
}

// Len returns the number of vocabulary terms the matcher holds.
func (m *Matcher) Len() int { return len(m.terms) }

// MaxWords returns the word count of the longest vocabulary term. Callers
// use it to bound n-gram window sizes. Zero when the vocabulary is empty.
func (m *Matcher) MaxWords() int { return m.maxWords }

// Match attempts to resolve phrase to the most similar vocabulary term.
//
// phrase may be a single word or a space-separated n-gram. When matched is
// false, corrected equals phrase unchanged and confidence is 0. A term that
// passed the phonetic filter always outranks a fuzzy-only candidate.
func (m *Matcher) Match(phrase string) (corrected string, confidence float64, matched bool) {
	trimmed := strings.TrimSpace(phrase)
	if len(m.terms) == 0 || trimmed == "" {
		return phrase, 0, false
	}

	tokens := strings.Fields(strings.ToLower(trimmed))
	lower := strings.Join(tokens, " ")
	stripped := strings.Join(tokens, "")
	strippedRunes := utf8.RuneCountInString(stripped)
	codes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)

	for _, t := range m.terms {
		switch {
		case len(tokens) > len(t.tokens):
			// A phrase wider than the term would have to swallow
			// neighbouring words to match. The caller's narrower windows
			// cover the term itself.
			continue
		case len(tokens) < len(t.tokens):
			need := minTermCoverage * float64(utf8.RuneCountInString(t.stripped))
			if float64(strippedRunes) < need {
				continue
			}
		case len(tokens) > 1:
			if alignedScore(tokens, t.tokens) < minAlignedWordScore {
				continue
			}
		}

		phoneticHit := codesOverlap(codes, t.codes)
		score := similarity(lower, stripped, t)

		if phoneticHit {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.raw, score, true
			}
		} else if !bestPhonetic {
			if score >= m.fuzzyThreshold && score > bestScore {
				best, bestScore = t.raw, score
			}
		}
	}

	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// similarity is the higher of the full-string and space-stripped
// Jaro-Winkler scores. The stripped view keeps run-together mishearings
// ("bluenimbus" vs "Blue Nimbus") comparable.
func similarity(lower, stripped string, t term) float64 {
	score := matchr.JaroWinkler(lower, t.lower, false)
	if lower != stripped || t.lower != t.stripped {
		if s := matchr.JaroWinkler(stripped, t.stripped, false); s > score {
			score = s
		}
	}
	return score
}

// alignedScore returns the weakest positional word pair's Jaro-Winkler
// score. Both slices must have the same length.
func alignedScore(a, b []string) float64 {
	low := 1.0
	for i := range a {
		if s := matchr.JaroWinkler(a[i], b[i], false); s < low {
			low = s
		}
	}
	return low
}

// codesForTokens returns the union of Double Metaphone codes for tokens.
// Words too short to encode contribute nothing.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, tok := range tokens {
		primary, secondary := matchr.DoubleMetaphone(tok)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
