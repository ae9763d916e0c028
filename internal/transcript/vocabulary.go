package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// promptStopwords are capitalised tokens that never become terms on their
// own: sentence openers, pronouns, honorific abbreviations, and the sort of
// imperative verbs that show up in prose-style prompts.
var promptStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"if": {}, "when": {}, "while": {}, "with": {}, "from": {}, "by": {},
	"as": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "can": {},
	"could": {}, "should": {}, "may": {}, "might": {}, "must": {},
	"i": {}, "you": {}, "he": {}, "she": {}, "it": {}, "we": {}, "they": {},
	"my": {}, "your": {}, "his": {}, "her": {}, "its": {}, "our": {}, "their": {},
	"this": {}, "that": {}, "these": {}, "those": {},
	"in": {}, "on": {}, "at": {}, "of": {}, "for": {}, "to": {},
	"dr": {}, "mr": {}, "mrs": {}, "ms": {}, "st": {},
	"ask": {}, "tell": {}, "say": {}, "greet": {}, "use": {},
	"always": {}, "never": {}, "please": {}, "hello": {}, "hi": {}, "thanks": {},
}

// promptConnectors may appear lowercased inside a multi-word term without
// breaking the capitalised run ("Bank of America").
var promptConnectors = map[string]struct{}{
	"of": {}, "the": {}, "and": {}, "for": {},
	"de": {}, "la": {}, "van": {}, "von": {},
}

// VocabularyFromPrompt derives a correction vocabulary from an STT bias
// prompt for agents that do not configure one explicitly. Runs of
// capitalised words become terms, lowercase connectors are kept inside a
// run, and function words are trimmed from the front of each run so that
// sentence openers do not leak in. Terms keep their first-seen casing and
// order; duplicates are dropped case-insensitively.
//
// The heuristic targets prompts written as term lists ("Zyrtec, Acme
// Cloud, Blue Nimbus Plan"). Prose prompts work too, but single
// capitalised words opening a sentence may slip through when they are not
// in the stopword set; agents needing precision should configure the
// vocabulary directly.
func VocabularyFromPrompt(prompt string) []string {
	var (
		terms   []string
		seen    = make(map[string]struct{})
		run     []string
		pending []string // connectors awaiting a capitalised continuation
	)

	flush := func() {
		pending = pending[:0]
		for len(run) > 0 && junkLead(run[0]) {
			run = run[1:]
		}
		if len(run) == 0 {
			return
		}
		term := strings.Join(run, " ")
		run = run[:0]

		key := strings.ToLower(term)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		terms = append(terms, term)
	}

	for _, field := range strings.Fields(prompt) {
		lead, core, trail := splitEdgePunct(field)
		if core == "" {
			flush()
			continue
		}
		if lead != "" {
			flush()
		}

		first, _ := utf8.DecodeRuneInString(core)
		switch {
		case unicode.IsUpper(first):
			run = append(run, pending...)
			pending = pending[:0]
			run = append(run, core)
		case len(run) > 0 && trail == "":
			if _, conn := promptConnectors[strings.ToLower(core)]; conn {
				pending = append(pending, core)
				continue
			}
			flush()
			continue
		default:
			flush()
			continue
		}

		if trail != "" {
			flush()
		}
	}
	flush()

	return terms
}

// junkLead reports whether w cannot open a term: function words,
// connectors, and single letters only carry weight inside a run.
func junkLead(w string) bool {
	if utf8.RuneCountInString(w) < 2 {
		return true
	}
	lower := strings.ToLower(w)
	if _, stop := promptStopwords[lower]; stop {
		return true
	}
	_, conn := promptConnectors[lower]
	return conn
}
