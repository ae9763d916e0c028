// Package transcript corrects misheard proper nouns in finished speech
// turns before they reach the language model.
//
// Voice agents carry domain vocabulary — product names, people, plan
// tiers — that speech-to-text reliably gets wrong. The [Corrector] scans a
// turn for n-gram windows that sound like a configured vocabulary term and
// substitutes the canonical spelling, recording every substitution as a
// [Correction]. Matching runs entirely in-process (Double Metaphone plus
// Jaro-Winkler, see [phonetic.Matcher]), so correction adds no perceptible
// latency to the voice path.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/voceria/voceria/internal/transcript/phonetic"
)

// Correction captures a single substitution applied to a turn.
type Correction struct {
	// Original is the text window as produced by speech-to-text, without
	// surrounding punctuation.
	Original string

	// Corrected is the vocabulary term that replaced it, in canonical form.
	Corrected string

	// Confidence is the similarity score of the match in (0.0, 1.0].
	Confidence float64
}

// Matcher resolves a phrase to a vocabulary term by pronunciation
// similarity. Implementations must be safe for concurrent use.
type Matcher interface {
	// Match returns the best-matching term for phrase. When matched is
	// false, corrected must equal phrase unchanged and confidence must be 0.
	Match(phrase string) (corrected string, confidence float64, matched bool)

	// MaxWords returns the word count of the longest known term, bounding
	// the n-gram window sizes callers need to try. Zero means no terms.
	MaxWords() int
}

var _ Matcher = (*phonetic.Matcher)(nil)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher. Intended for tests.
func WithMatcher(m Matcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector rewrites turn text so that windows phonetically matching a
// vocabulary term carry the term's canonical spelling. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	matcher Matcher
}

// NewCorrector builds a [Corrector] over the agent vocabulary. With an
// empty vocabulary every Correct call returns its input unchanged.
func NewCorrector(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{}
	for _, o := range opts {
		o(c)
	}
	if c.matcher == nil {
		c.matcher = phonetic.New(vocabulary)
	}
	return c
}

// Correct applies vocabulary corrections to text and returns the corrected
// text along with the substitutions made, ordered by position. When nothing
// changes, text is returned unmodified with a nil corrections slice.
//
// Windows are tried longest first so multi-word terms win over their
// fragments. A window that already carries a term's canonical spelling is
// consumed without recording a correction, which keeps its words from
// re-matching other terms. Punctuation at the window edges survives the
// substitution.
func (c *Corrector) Correct(text string) (string, []Correction) {
	maxWords := c.matcher.MaxWords()
	tokens := strings.Fields(text)
	if maxWords == 0 || len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := min(maxWords, len(tokens)-i)

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			lead, core, trail := splitEdgePunct(window)
			if core == "" {
				continue
			}
			term, conf, ok := c.matcher.Match(core)
			if !ok {
				continue
			}
			if term == core {
				out = append(out, tokens[i:i+n]...)
			} else {
				out = append(out, lead+term+trail)
				corrections = append(corrections, Correction{
					Original:   core,
					Corrected:  term,
					Confidence: conf,
				})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// splitEdgePunct separates leading and trailing punctuation from s so that
// matching sees bare words and substitutions keep the punctuation. core is
// empty when s contains no letters or digits.
func splitEdgePunct(s string) (lead, core, trail string) {
	start := 0
	for start < len(s) {
		r, size := utf8.DecodeRuneInString(s[start:])
		if isWordRune(r) {
			break
		}
		start += size
	}
	end := len(s)
	for end > start {
		r, size := utf8.DecodeLastRuneInString(s[start:end])
		if isWordRune(r) {
			break
		}
		end -= size
	}
	return s[:start], s[start:end], s[end:]
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
