package normalization

import (
	"strings"

	"github.com/kljensen/snowball"
)

// Suggest proposes the glossary source token closest to a missed token by
// shared word stems. Best effort: an empty string means no plausible
// candidate. Suggestions surface in the unmatched-only projection to help
// glossary curators close the miss.
func (n *Normalizer) Suggest(field, missed string) string {
	missedStems := stemSet(missed)
	if len(missedStems) == 0 {
		return ""
	}

	best := ""
	bestShared := 0
	for _, source := range n.glossary.sourceTokens(field) {
		shared := 0
		for stem := range stemSet(source) {
			if missedStems[stem] {
				shared++
			}
		}
		// Ties resolve to the lexicographically first candidate because
		// sourceTokens is sorted.
		if shared > bestShared {
			bestShared = shared
			best = source
		}
	}
	return best
}

// stemSet stems each word of a cleaned token. Stemming failures fall back to
// the word itself; supplier vocabularies mix languages and codes.
func stemSet(token string) map[string]bool {
	stems := make(map[string]bool)
	for _, word := range strings.Fields(token) {
		stemmed, err := snowball.Stem(word, "english", false)
		if err != nil || stemmed == "" {
			stemmed = word
		}
		stems[stemmed] = true
	}
	return stems
}
