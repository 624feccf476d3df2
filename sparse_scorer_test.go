package koral

import (
	"math"
	"testing"
)

const scoreEps = 1e-9

var scorerCorpus = []string{
	"the cat sat",
	"the dog ran",
	"cats and dogs",
}

func newTestScorer(t *testing.T, texts []string, scheme SchemeKind, kind TokenizerKind) *SparseScorer {
	t.Helper()
	scorer, err := NewSparseScorer(buildTestIndex(t, texts, scheme, kind), nil)
	if err != nil {
		t.Fatalf("NewSparseScorer: %v", err)
	}
	return scorer
}

// bm25Term is the single-term BM25 contribution with default constants.
func bm25Term(n, df, tf, docLen, avgDocLen float64) float64 {
	idf := math.Log((n-df+0.5)/(df+0.5) + 1.0)
	return idf * (tf * 2.2) / (tf + 1.2*(1-0.75+0.75*(docLen/avgDocLen)))
}

// TestBM25SurfaceForms tests that without stemming, "cat" only matches
// the document containing the exact surface form.
func TestBM25SurfaceForms(t *testing.T) {
	scorer := newTestScorer(t, scorerCorpus, BM25, UnicodeTokens)

	scores := scorer.Score("cat", 0)
	if len(scores) != 1 {
		t.Fatalf("scores = %v, want exactly doc 0", scores)
	}
	want := bm25Term(3, 1, 1, 3, 3)
	if got := scores[0]; math.Abs(got-want) > scoreEps {
		t.Errorf("score(doc 0) = %v, want %v", got, want)
	}
}

// TestBM25Stemmed tests that stemming folds "cats" into "cat", matching
// doc 0 and doc 2 with identical scores.
func TestBM25Stemmed(t *testing.T) {
	scorer := newTestScorer(t, scorerCorpus, BM25, StemmedTokens)

	scores := scorer.Score("cat", 0)
	if len(scores) != 2 {
		t.Fatalf("scores = %v, want docs 0 and 2", scores)
	}
	if _, ok := scores[1]; ok {
		t.Error("doc 1 scored for query 'cat'")
	}
	// Both matches have tf=1 and docLen=3, so their scores are equal.
	if scores[0] != scores[2] {
		t.Errorf("scores differ: doc0=%v doc2=%v", scores[0], scores[2])
	}
	want := bm25Term(3, 2, 1, 3, 3)
	if got := scores[0]; math.Abs(got-want) > scoreEps {
		t.Errorf("score = %v, want %v", got, want)
	}
}

// TestScoreNonNegative tests that no scheme ever emits a negative score.
func TestScoreNonNegative(t *testing.T) {
	for _, scheme := range []SchemeKind{TFIDF, BM25, ATIREBM25} {
		scorer := newTestScorer(t, scorerCorpus, scheme, UnicodeTokens)
		for _, q := range []string{"the", "the cat", "dogs ran", "cat dog the"} {
			for id, sc := range scorer.Score(q, 0) {
				if sc < 0 {
					t.Errorf("%s: score(%q, doc %d) = %v < 0", scheme, q, id, sc)
				}
			}
		}
	}
}

// TestATIREClampsUbiquitousTerms tests that a term present in every
// document contributes nothing under ATIRE-BM25 (idf = log(N/N) = 0).
func TestATIREClampsUbiquitousTerms(t *testing.T) {
	scorer := newTestScorer(t, []string{
		"the cat",
		"the dog",
		"the bird",
	}, ATIREBM25, UnicodeTokens)

	if scores := scorer.Score("the", 0); len(scores) != 0 {
		t.Errorf("ubiquitous term scored: %v", scores)
	}

	// The same term mixed with a rare one must not dilute the rare term.
	withThe := scorer.Score("the cat", 0)
	alone := scorer.Score("cat", 0)
	if len(withThe) != 1 || withThe[0] != alone[0] {
		t.Errorf("score('the cat') = %v, want %v", withThe, alone)
	}
}

// TestScoreUnknownTerms tests that out-of-vocabulary query terms
// contribute zero rather than failing.
func TestScoreUnknownTerms(t *testing.T) {
	for _, scheme := range []SchemeKind{TFIDF, BM25, ATIREBM25} {
		scorer := newTestScorer(t, scorerCorpus, scheme, UnicodeTokens)

		if scores := scorer.Score("zyzzyva", 0); len(scores) != 0 {
			t.Errorf("%s: unknown term scored: %v", scheme, scores)
		}
		withUnknown := scorer.Score("cat zyzzyva", 0)
		alone := scorer.Score("cat", 0)
		if len(withUnknown) != len(alone) {
			t.Errorf("%s: unknown term changed candidate set", scheme)
		}
	}
}

// TestTFIDFCosineBounds tests that cosine-normalized tf-idf scores stay
// in [0, 1] and that a query identical to a document scores 1.
func TestTFIDFCosineBounds(t *testing.T) {
	scorer := newTestScorer(t, []string{
		"homer wrote the iliad",
		"virgil wrote the aeneid",
		"plato wrote dialogues",
	}, TFIDF, UnicodeTokens)

	scores := scorer.Score("homer wrote the iliad", 0)
	for id, sc := range scores {
		if sc < -scoreEps || sc > 1+scoreEps {
			t.Errorf("score(doc %d) = %v outside [0, 1]", id, sc)
		}
	}
	if got := scores[0]; math.Abs(got-1.0) > 1e-6 {
		t.Errorf("self-match score = %v, want 1.0", got)
	}
	if scores[0] <= scores[1] {
		t.Errorf("exact match (%v) did not outrank partial match (%v)", scores[0], scores[1])
	}
}

// TestScoreTopN tests candidate pruning.
func TestScoreTopN(t *testing.T) {
	scorer := newTestScorer(t, []string{
		"cat",
		"cat cat",
		"cat cat cat",
		"dog",
	}, BM25, UnicodeTokens)

	all := scorer.Score("cat", 0)
	if len(all) != 3 {
		t.Fatalf("unpruned candidates = %d, want 3", len(all))
	}

	top := scorer.Score("cat", 2)
	if len(top) != 2 {
		t.Fatalf("pruned candidates = %d, want 2", len(top))
	}
	// Higher tf means a higher BM25 score here, so docs 2 and 1 survive.
	for _, id := range []uint32{1, 2} {
		if _, ok := top[id]; !ok {
			t.Errorf("doc %d missing from top 2", id)
		}
	}
}

// TestScoreEmptyQuery tests that a query with no usable tokens scores
// nothing.
func TestScoreEmptyQuery(t *testing.T) {
	scorer := newTestScorer(t, scorerCorpus, BM25, UnicodeTokens)
	if scores := scorer.Score("?!", 0); len(scores) != 0 {
		t.Errorf("punctuation-only query scored: %v", scores)
	}
}

// TestNewSparseScorerUsesIndexScheme tests that the scorer takes its
// scheme and tokenizer from the artifact, not from the caller.
func TestNewSparseScorerUsesIndexScheme(t *testing.T) {
	ix := buildTestIndex(t, scorerCorpus, ATIREBM25, StemmedTokens)
	scorer, err := NewSparseScorer(ix, nil)
	if err != nil {
		t.Fatalf("NewSparseScorer: %v", err)
	}
	if scorer.Scheme() != ATIREBM25 {
		t.Errorf("Scheme = %q, want %q", scorer.Scheme(), ATIREBM25)
	}
	// Stemmed tokenizer came along with the artifact.
	if scores := scorer.Score("cats", 0); len(scores) != 2 {
		t.Errorf("stemmed query matched %d docs, want 2", len(scores))
	}
}
