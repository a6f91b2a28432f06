package selection

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// contractions are expanded before punctuation stripping so "what's" and
// "what is" normalize to the same text.
var contractions = map[string]string{
	"what's":  "what is",
	"where's": "where is",
	"who's":   "who is",
	"it's":    "it is",
	"i'm":     "i am",
	"don't":   "do not",
	"doesn't": "does not",
	"can't":   "cannot",
	"won't":   "will not",
	"isn't":   "is not",
	"aren't":  "are not",
	"let's":   "let us",
	"i'll":    "i will",
	"you're":  "you are",
	"we're":   "we are",
	"they're": "they are",
}

// greetingSynonyms collapse onto a single token so feedback and cache keys
// line up across phrasings.
var greetingSynonyms = map[string]string{
	"hi": "hello", "hey": "hello", "yo": "hello", "howdy": "hello",
	"greetings": "hello", "hiya": "hello",
}

// Normalize canonicalizes a user query for cache keys and feedback matching:
// lowercase, contractions expanded, punctuation stripped, whitespace
// collapsed, greeting synonyms folded.
func Normalize(query string) string {
	s := strings.ToLower(strings.TrimSpace(query))

	words := strings.Fields(s)
	for i, w := range words {
		if exp, ok := contractions[w]; ok {
			words[i] = exp
		}
	}
	s = strings.Join(words, " ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case r == '/' || r == '.' || r == '-' || r == '_':
			// path-ish characters carry meaning for filesystem queries
			b.WriteRune(r)
		}
	}

	words = strings.Fields(b.String())
	for i, w := range words {
		if syn, ok := greetingSynonyms[w]; ok {
			words[i] = syn
		}
	}
	return strings.Join(words, " ")
}

// Keywords splits a normalized query into its distinct tokens, dropping
// stopwords too common to discriminate.
func Keywords(normalized string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(normalized) {
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "and": true,
	"or": true, "my": true, "me": true, "i": true, "you": true, "it": true,
	"please": true, "can": true, "could": true, "would": true, "do": true,
	"what": true, "how": true, "with": true, "that": true, "this": true,
}

// QueryHash returns a short stable hash of a normalized query plus the
// classifier model, used as the intent-cache key and in feedback records.
func QueryHash(normalized, model string) string {
	sum := sha256.Sum256([]byte(normalized + "\x00" + model))
	return hex.EncodeToString(sum[:8])
}
