// Package blindex maps plaintext terms to deterministic HMAC tokens the
// server can match by equality without ever seeing the terms. Tokens are
// scoped by field type and keyed by the session search key, so rotating the
// key invalidates the whole index.
package blindex

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"mnemos/internal/crypto"
	"mnemos/internal/types"
)

// minTermLen drops single-rune noise before hashing.
const minTermLen = 2

// stopWords are never indexed. English-leaning; the blind index is a recall
// aid, not a linguistic model.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

// Normalize canonicalizes a term: Unicode NFC, lowercase, trim, collapse
// internal whitespace. Token determinism depends on this being stable.
func Normalize(term string) string {
	s := norm.NFC.String(term)
	s = strings.ToLower(s)
	s = strings.TrimSpace(s)
	return strings.Join(strings.Fields(s), " ")
}

// Token derives the blind-index token for one normalized term under the
// session search key.
func Token(searchKey []byte, term string, tt types.TokenType) string {
	msg := Normalize(term) + "\x00" + string(tt)
	return hex.EncodeToString(crypto.KeyedHash(searchKey, []byte(msg)))
}

// TokenizeText splits free text into indexable unigrams and adjacent-pair
// bigrams, applies the stop list and minimum length, and returns the tokens
// for the given field type. Duplicate terms collapse to one token.
func TokenizeText(searchKey []byte, text string, tt types.TokenType) []string {
	terms := splitTerms(text)
	seen := make(map[string]struct{}, len(terms)*2)
	var tokens []string

	add := func(term string) {
		tok := Token(searchKey, term, tt)
		if _, dup := seen[tok]; dup {
			return
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	for i, term := range terms {
		add(term)
		// Bigrams give cheap phrase proximity without positions.
		if i+1 < len(terms) {
			add(term + " " + terms[i+1])
		}
	}
	return tokens
}

// TokenizeWhole produces a single token for values matched exactly: tags,
// person names, place names.
func TokenizeWhole(searchKey []byte, value string, tt types.TokenType) (string, bool) {
	n := Normalize(value)
	if len([]rune(n)) < minTermLen {
		return "", false
	}
	return Token(searchKey, n, tt), true
}

// TokenizeDate emits tokens for the year, year-month, and full date of a
// captured timestamp so date-scoped queries can match at any granularity.
func TokenizeDate(searchKey []byte, t time.Time) []string {
	t = t.UTC()
	parts := []string{
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%04d-%02d", t.Year(), t.Month()),
		fmt.Sprintf("%04d-%02d-%02d", t.Year(), t.Month(), t.Day()),
	}
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		tokens = append(tokens, Token(searchKey, p, types.TokenDate))
	}
	return tokens
}

// QueryTokens tokenizes a search query the same way ingest tokenizes text,
// minus bigrams for single-term queries.
func QueryTokens(searchKey []byte, query string, tt types.TokenType) []string {
	return TokenizeText(searchKey, query, tt)
}

// splitTerms lowercases, strips punctuation to word boundaries, and filters
// stop words and short terms.
func splitTerms(text string) []string {
	fields := strings.FieldsFunc(Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < minTermLen {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
