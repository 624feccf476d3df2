package koral

import (
	"context"
	"errors"
	"testing"
)

func buildTestIndex(t *testing.T, texts []string, scheme SchemeKind, kind TokenizerKind) *SparseIndex {
	t.Helper()
	tok, err := NewTokenizer(kind)
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	ix, err := BuildSparseIndex(context.Background(), NewCorpus(texts), scheme, tok)
	if err != nil {
		t.Fatalf("BuildSparseIndex: %v", err)
	}
	return ix
}

// TestBuildSparseIndexStats tests the accumulated corpus statistics.
func TestBuildSparseIndexStats(t *testing.T) {
	ix := buildTestIndex(t, []string{
		"the cat sat",
		"the dog ran",
		"cats and dogs",
	}, BM25, UnicodeTokens)

	if ix.NumDocs() != 3 {
		t.Errorf("NumDocs = %d, want 3", ix.NumDocs())
	}
	if ix.AvgDocLen() != 3.0 {
		t.Errorf("AvgDocLen = %f, want 3.0", ix.AvgDocLen())
	}
	if ix.VocabSize() != 8 {
		t.Errorf("VocabSize = %d, want 8", ix.VocabSize())
	}
	if df := ix.DocFreq("the"); df != 2 {
		t.Errorf("DocFreq(the) = %d, want 2", df)
	}
	if df := ix.DocFreq("cat"); df != 1 {
		t.Errorf("DocFreq(cat) = %d, want 1", df)
	}
	if df := ix.DocFreq("unseen"); df != 0 {
		t.Errorf("DocFreq(unseen) = %d, want 0", df)
	}
	if tf := ix.TermFreq("cat", 0); tf != 1 {
		t.Errorf("TermFreq(cat, 0) = %d, want 1", tf)
	}
	if tf := ix.TermFreq("cat", 1); tf != 0 {
		t.Errorf("TermFreq(cat, 1) = %d, want 0", tf)
	}
	if l := ix.DocLen(2); l != 3 {
		t.Errorf("DocLen(2) = %d, want 3", l)
	}
}

// TestBuildSparseIndexVocabularyOrder tests that vocabulary columns are
// assigned in first-seen order and deterministically.
func TestBuildSparseIndexVocabularyOrder(t *testing.T) {
	texts := []string{"b a", "c a d"}
	ix := buildTestIndex(t, texts, BM25, WhitespaceTokens)

	want := map[string]int{"b": 0, "a": 1, "c": 2, "d": 3}
	for term, col := range want {
		got, ok := ix.Column(term)
		if !ok || got != col {
			t.Errorf("Column(%q) = (%d, %v), want (%d, true)", term, got, ok, col)
		}
	}

	// Deterministic: rebuild and compare columns.
	ix2 := buildTestIndex(t, texts, BM25, WhitespaceTokens)
	for term, col := range want {
		if got, _ := ix2.Column(term); got != col {
			t.Errorf("rebuild: Column(%q) = %d, want %d", term, got, col)
		}
	}
}

// TestBuildSparseIndexEmptyCorpus tests the empty-corpus failure.
func TestBuildSparseIndexEmptyCorpus(t *testing.T) {
	_, err := BuildSparseIndex(context.Background(), NewCorpus(nil), BM25, nil)
	if !errors.Is(err, ErrEmptyCorpus) {
		t.Errorf("err = %v, want ErrEmptyCorpus", err)
	}
}

// TestBuildSparseIndexUnknownScheme tests scheme validation.
func TestBuildSparseIndexUnknownScheme(t *testing.T) {
	_, err := BuildSparseIndex(context.Background(), NewCorpus([]string{"a"}), "bm42", nil)
	if !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("err = %v, want ErrUnknownScheme", err)
	}
}

// TestBuildSparseIndexCancelled tests that a cancelled build publishes
// nothing.
func TestBuildSparseIndexCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ix, err := BuildSparseIndex(ctx, NewCorpus([]string{"the cat sat"}), BM25, nil)
	if err == nil {
		t.Fatal("cancelled build succeeded")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if ix != nil {
		t.Error("cancelled build returned a partial artifact")
	}
}

// TestBuildSparseIndexDefaultTokenizer tests that a nil tokenizer picks
// the scheme default and records it in the artifact.
func TestBuildSparseIndexDefaultTokenizer(t *testing.T) {
	ix, err := BuildSparseIndex(context.Background(), NewCorpus([]string{"cats"}), TFIDF, nil)
	if err != nil {
		t.Fatalf("BuildSparseIndex: %v", err)
	}
	if ix.TokenizerKind() != StemmedTokens {
		t.Errorf("TokenizerKind = %q, want %q", ix.TokenizerKind(), StemmedTokens)
	}
	if _, ok := ix.Column("cat"); !ok {
		t.Error("stemmed term 'cat' missing from vocabulary")
	}
}
