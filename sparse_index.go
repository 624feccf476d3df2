// Package koral implements the inverted index shared by all sparse
// weighting schemes.
//
// HOW THE INDEX IS BUILT:
// For a corpus of N passages the builder:
//  1. Tokenizes every passage with the configured tokenizer (this step
//     runs on parallel workers, one passage per task)
//  2. Walks passages in ascending id order, assigning each previously
//     unseen term the next vocabulary column (first-seen order, so the
//     vocabulary is deterministic for a given corpus and tokenizer)
//  3. Accumulates, per term, a roaring bitmap of posting doc ids and a
//     term-frequency map, plus per-document token counts
//
// The resulting artifact is read-only. Scorers never mutate it, which is
// what makes query-time scoring safe from any number of goroutines
// without locking.
//
// MEMORY REQUIREMENTS:
// Postings are stored as roaring bitmaps (compressed), term frequencies
// as small per-term maps. Original text is not stored; the corpus store
// owns it.
package koral

import (
	"context"
	"fmt"
	"runtime"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sync/errgroup"
)

// SparseIndex is the artifact produced by BuildSparseIndex: vocabulary,
// postings, and per-document statistics for one (corpus, scheme,
// tokenizer) triple. Read-only after construction and safe for
// concurrent use.
type SparseIndex struct {
	scheme        SchemeKind
	tokenizerKind TokenizerKind
	corpusHash    string

	// vocabulary maps each term to its column, assigned in first-seen
	// order. terms is the inverse mapping, column -> term.
	vocabulary map[string]int
	terms      []string

	// postings maps term -> bitmap of doc ids containing the term.
	postings map[string]*roaring.Bitmap
	// tf maps term -> docID -> term frequency.
	tf map[string]map[uint32]int

	// docLengths[id] is the token count of passage id.
	docLengths  []uint32
	totalTokens uint64
	avgDocLen   float64
	numDocs     uint32
}

// BuildSparseIndex tokenizes the corpus and constructs the inverted
// index. Deterministic given (corpus, scheme, tokenizer). Tokenization
// runs on parallel workers; the merge is sequential in id order.
//
// Fails with ErrEmptyCorpus for a corpus of size zero and with
// ErrUnknownScheme for an unrecognized scheme. Honors ctx cancellation:
// a cancelled build returns ctx's error and publishes nothing.
func BuildSparseIndex(ctx context.Context, corpus *Corpus, scheme SchemeKind, tokenizer Tokenizer) (*SparseIndex, error) {
	if !scheme.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	if corpus == nil || corpus.Size() == 0 {
		return nil, ErrEmptyCorpus
	}
	if tokenizer == nil {
		var err error
		tokenizer, err = NewTokenizer(DefaultTokenizerKind(scheme))
		if err != nil {
			return nil, err
		}
	}

	passages := corpus.Passages()
	tokenized := make([][]string, len(passages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range passages {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tokenized[i] = tokenizer.Tokenize(passages[i].Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ix := &SparseIndex{
		scheme:        scheme,
		tokenizerKind: tokenizer.Kind(),
		corpusHash:    corpus.Hash(),
		vocabulary:    make(map[string]int),
		postings:      make(map[string]*roaring.Bitmap),
		tf:            make(map[string]map[uint32]int),
		docLengths:    make([]uint32, len(passages)),
		numDocs:       uint32(len(passages)),
	}

	// Sequential merge in ascending id order keeps vocabulary columns
	// deterministic.
	for i, tokens := range tokenized {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := uint32(i)
		ix.docLengths[i] = uint32(len(tokens))
		ix.totalTokens += uint64(len(tokens))

		for _, t := range tokens {
			if _, seen := ix.vocabulary[t]; !seen {
				ix.vocabulary[t] = len(ix.terms)
				ix.terms = append(ix.terms, t)
			}
			if ix.postings[t] == nil {
				ix.postings[t] = roaring.New()
			}
			ix.postings[t].Add(id)
			if ix.tf[t] == nil {
				ix.tf[t] = make(map[uint32]int)
			}
			ix.tf[t][id]++
		}
	}

	ix.avgDocLen = float64(ix.totalTokens) / float64(ix.numDocs)
	return ix, nil
}

// Scheme returns the weighting scheme this index was built for.
func (ix *SparseIndex) Scheme() SchemeKind { return ix.scheme }

// TokenizerKind returns the tokenizer the index was built with.
func (ix *SparseIndex) TokenizerKind() TokenizerKind { return ix.tokenizerKind }

// CorpusHash returns the content hash of the indexed corpus.
func (ix *SparseIndex) CorpusHash() string { return ix.corpusHash }

// NumDocs returns the number of indexed documents.
func (ix *SparseIndex) NumDocs() uint32 { return ix.numDocs }

// AvgDocLen returns the average document length in tokens.
func (ix *SparseIndex) AvgDocLen() float64 { return ix.avgDocLen }

// VocabSize returns the number of unique terms.
func (ix *SparseIndex) VocabSize() int { return len(ix.terms) }

// Column returns the vocabulary column of a term.
func (ix *SparseIndex) Column(term string) (int, bool) {
	col, ok := ix.vocabulary[term]
	return col, ok
}

// DocFreq returns the number of documents containing the term. Zero for
// terms absent from the vocabulary.
func (ix *SparseIndex) DocFreq(term string) int {
	bm := ix.postings[term]
	if bm == nil {
		return 0
	}
	return int(bm.GetCardinality())
}

// TermFreq returns the frequency of term in document id.
func (ix *SparseIndex) TermFreq(term string, id uint32) int {
	m := ix.tf[term]
	if m == nil {
		return 0
	}
	return m[id]
}

// DocLen returns the token count of document id.
func (ix *SparseIndex) DocLen(id uint32) int {
	if int(id) >= len(ix.docLengths) {
		return 0
	}
	return int(ix.docLengths[id])
}
