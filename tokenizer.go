package koral

import (
	"strings"

	porterstemmer "github.com/blevesearch/go-porterstemmer"
	"github.com/clipperhouse/uax29/v2/words"
	unorm "golang.org/x/text/unicode/norm"
)

// TokenizerKind identifies a tokenization policy. The kind is recorded in
// every sparse index artifact so a loaded index always scores queries with
// the tokenizer it was built with.
type TokenizerKind string

const (
	// UnicodeTokens applies NFKC normalization, lowercasing, and UAX#29
	// word segmentation. This is the default for the BM25 family, which
	// works best on surface forms.
	UnicodeTokens TokenizerKind = "unicode"

	// StemmedTokens applies UnicodeTokens followed by Porter stemming
	// ("cats" -> "cat"). This is the default for TF-IDF, standing in for
	// the morphological analyzers typically paired with tf-idf weighting.
	StemmedTokens TokenizerKind = "stemmed"

	// WhitespaceTokens splits on whitespace only, for callers that supply
	// pre-tokenized text.
	WhitespaceTokens TokenizerKind = "whitespace"
)

// Tokenizer turns raw text into index terms. Implementations must be
// deterministic and safe for concurrent use.
type Tokenizer interface {
	// Kind returns the tokenizer kind.
	Kind() TokenizerKind

	// Tokenize splits text into terms. Returns nil for text with no terms.
	Tokenize(text string) []string
}

// Singleton tokenizer instances. All are stateless.
var (
	unicodeTokenizerImpl    = unicodeTokenizer{}
	stemmedTokenizerImpl    = stemmedTokenizer{}
	whitespaceTokenizerImpl = whitespaceTokenizer{}
)

// NewTokenizer returns the singleton tokenizer for the given kind.
// Returns ErrUnknownTokenizer for an unrecognized kind.
func NewTokenizer(kind TokenizerKind) (Tokenizer, error) {
	switch kind {
	case UnicodeTokens:
		return unicodeTokenizerImpl, nil
	case StemmedTokens:
		return stemmedTokenizerImpl, nil
	case WhitespaceTokens:
		return whitespaceTokenizerImpl, nil
	default:
		return nil, ErrUnknownTokenizer
	}
}

// DefaultTokenizerKind returns the tokenizer conventionally paired with a
// sparse weighting scheme: stemming for tf-idf, plain unicode tokens for
// the BM25 variants.
func DefaultTokenizerKind(scheme SchemeKind) TokenizerKind {
	if scheme == TFIDF {
		return StemmedTokens
	}
	return UnicodeTokens
}

// normalizeText applies Unicode normalization (NFKC) and lowercasing.
func normalizeText(s string) string {
	return strings.ToLower(unorm.NFKC.String(s))
}

// segment splits normalized text into tokens using UAX#29 word
// segmentation, dropping whitespace and punctuation-only segments.
func segment(s string) []string {
	toks := words.FromString(s)
	var tokens []string
	for toks.Next() {
		tok := toks.Value()
		if strings.TrimSpace(tok) == "" {
			continue
		}
		if !hasLetterOrDigit(tok) {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			continue
		}
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return true
		case r > 127:
			// Non-ASCII segments (CJK, Hangul, accented letters) are terms.
			return true
		}
	}
	return false
}

type unicodeTokenizer struct{}

func (unicodeTokenizer) Kind() TokenizerKind { return UnicodeTokens }

func (unicodeTokenizer) Tokenize(text string) []string {
	return segment(normalizeText(text))
}

type stemmedTokenizer struct{}

func (stemmedTokenizer) Kind() TokenizerKind { return StemmedTokens }

func (stemmedTokenizer) Tokenize(text string) []string {
	tokens := segment(normalizeText(text))
	for i, tok := range tokens {
		tokens[i] = porterstemmer.StemString(tok)
	}
	return tokens
}

type whitespaceTokenizer struct{}

func (whitespaceTokenizer) Kind() TokenizerKind { return WhitespaceTokens }

func (whitespaceTokenizer) Tokenize(text string) []string {
	fields := strings.Fields(normalizeText(text))
	if len(fields) == 0 {
		return nil
	}
	return fields
}
