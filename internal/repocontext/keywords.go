package repocontext

import (
	"strings"
	"unicode"
)

// maxKeywords caps how many search terms one mention can generate.
const maxKeywords = 10

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "this": {}, "that": {}, "with": {},
	"from": {}, "have": {}, "not": {}, "but": {}, "what": {}, "all": {},
	"are": {}, "when": {}, "your": {}, "can": {}, "has": {}, "been": {},
}

// ExtractKeywords derives search keywords from the given texts:
// lowercase, split on non-alphanumeric runes, keep tokens longer than
// two characters, drop stop words, and deduplicate preserving first
// occurrence order.
func ExtractKeywords(texts ...string) []string {
	seen := make(map[string]struct{})
	var keywords []string

	for _, text := range texts {
		tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, tok := range tokens {
			if len(tok) <= 2 {
				continue
			}
			if _, stop := stopWords[tok]; stop {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			keywords = append(keywords, tok)
			if len(keywords) >= maxKeywords {
				return keywords
			}
		}
	}
	return keywords
}
