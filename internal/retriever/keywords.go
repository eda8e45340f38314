package retriever

import "regexp"

var (
	latinTokenRe = regexp.MustCompile(`[A-Za-z0-9_-]+`)
	cjkTokenRe   = regexp.MustCompile(`[\p{Han}]{2,}`)
)

// stopwords is a small English stopword list; tokens matching it are
// dropped before the keyword stream is capped, mirroring the naive
// multilingual extractor's exclusion list.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "it": true, "this": true,
	"that": true, "what": true, "which": true, "who": true, "how": true,
	"do": true, "does": true, "did": true, "can": true, "will": true, "would": true,
	"i": true, "you": true, "he": true, "she": true, "we": true, "they": true,
}

// extractKeywords captures [A-Za-z0-9_-]+ runs and CJK runs of length >= 2,
// lowercases them, drops single-character tokens and stopwords, dedups
// while preserving first-seen order, and caps the result at maxTerms.
func extractKeywords(text string, maxTerms int) []string {
	tokens := append(latinTokenRe.FindAllString(text, -1), cjkTokenRe.FindAllString(text, -1)...)

	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, maxTerms)
	for _, t := range tokens {
		tl := toLowerASCII(t)
		if len([]rune(tl)) <= 1 {
			continue
		}
		if stopwords[tl] {
			continue
		}
		if seen[tl] {
			continue
		}
		seen[tl] = true
		out = append(out, tl)
		if len(out) >= maxTerms {
			break
		}
	}
	return out
}

// toLowerASCII lowercases ASCII A–Z only and leaves every other rune
// (including CJK, which has no case, and non-ASCII Latin letters)
// unchanged; it does not use strings.ToLower.
func toLowerASCII(s string) string {
	b := []rune(s)
	for i, r := range b {
		if r >= 'A' && r <= 'Z' {
			b[i] = r + ('a' - 'A')
		}
	}
	return string(b)
}
