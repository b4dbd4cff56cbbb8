package blindex

import (
	"testing"
	"time"

	"mnemos/internal/crypto"
	"mnemos/internal/types"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Hello   World  ": "hello world",
		"CAFÉ":              "café",
		"one\ttwo\nthree":   "one two three",
		"":                  "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenDeterministicAndCaseFolded(t *testing.T) {
	key, _ := crypto.NewKey()

	a := Token(key, "Sourdough", types.TokenBody)
	b := Token(key, "sourdough", types.TokenBody)
	if a != b {
		t.Fatal("case variants must produce the same token")
	}
	if a != Token(key, "sourdough", types.TokenBody) {
		t.Fatal("token derivation must be deterministic")
	}
}

func TestTokenFieldScoping(t *testing.T) {
	key, _ := crypto.NewKey()
	if Token(key, "paris", types.TokenBody) == Token(key, "paris", types.TokenLocation) {
		t.Fatal("the same term in different fields must produce different tokens")
	}
}

func TestTokenKeyScoping(t *testing.T) {
	k1, _ := crypto.NewKey()
	k2, _ := crypto.NewKey()
	if Token(k1, "secret", types.TokenBody) == Token(k2, "secret", types.TokenBody) {
		t.Fatal("tokens under different search keys must differ")
	}
}

func TestTokenizeTextBigramsAndStopWords(t *testing.T) {
	key, _ := crypto.NewKey()

	toks := TokenizeText(key, "the quick fox", types.TokenBody)
	// Stop word "the" dropped; unigrams quick/fox plus one bigram.
	if len(toks) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(toks))
	}
	want := map[string]bool{
		Token(key, "quick", types.TokenBody):     true,
		Token(key, "quick fox", types.TokenBody): true,
		Token(key, "fox", types.TokenBody):       true,
	}
	for _, tok := range toks {
		if !want[tok] {
			t.Fatalf("unexpected token %s", tok)
		}
	}
}

func TestTokenizeTextDeduplicates(t *testing.T) {
	key, _ := crypto.NewKey()
	toks := TokenizeText(key, "again again again", types.TokenBody)
	// One unigram and one repeated bigram.
	if len(toks) != 2 {
		t.Fatalf("expected deduped tokens, got %d", len(toks))
	}
}

func TestTokenizeTextEmpty(t *testing.T) {
	key, _ := crypto.NewKey()
	if toks := TokenizeText(key, "a I . , the", types.TokenBody); len(toks) != 0 {
		t.Fatalf("stop-word-only input must yield no tokens, got %d", len(toks))
	}
}

func TestTokenizeWhole(t *testing.T) {
	key, _ := crypto.NewKey()

	tok, ok := TokenizeWhole(key, "  Baking  ", types.TokenTag)
	if !ok {
		t.Fatal("expected a token")
	}
	if tok != Token(key, "baking", types.TokenTag) {
		t.Fatal("whole-value token must match the normalized term token")
	}
	if _, ok := TokenizeWhole(key, "x", types.TokenTag); ok {
		t.Fatal("single-rune value must be rejected")
	}
}

func TestTokenizeDateGranularities(t *testing.T) {
	key, _ := crypto.NewKey()
	ts := time.Date(2024, time.March, 9, 15, 4, 0, 0, time.UTC)

	toks := TokenizeDate(key, ts)
	if len(toks) != 3 {
		t.Fatalf("expected year/month/day tokens, got %d", len(toks))
	}
	if toks[0] != Token(key, "2024", types.TokenDate) {
		t.Fatal("year token mismatch")
	}
	if toks[1] != Token(key, "2024-03", types.TokenDate) {
		t.Fatal("year-month token mismatch")
	}
	if toks[2] != Token(key, "2024-03-09", types.TokenDate) {
		t.Fatal("full-date token mismatch")
	}
}

func TestQueryTokensMatchIngest(t *testing.T) {
	key, _ := crypto.NewKey()
	ingested := TokenizeText(key, "sourdough starter notes", types.TokenBody)
	queried := QueryTokens(key, "Sourdough Starter", types.TokenBody)

	index := make(map[string]bool, len(ingested))
	for _, tok := range ingested {
		index[tok] = true
	}
	for _, tok := range queried {
		if !index[tok] {
			t.Fatalf("query token %s not found in ingest tokens", tok)
		}
	}
}
