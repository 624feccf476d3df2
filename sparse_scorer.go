// Package koral implements the three sparse weighting schemes over a
// shared SparseIndex artifact.
//
// SCHEMES:
//
// TF-IDF: score(q,d) is the cosine between the tf-idf weighted query and
// document vectors, with idf(t) = log(N / df(t)) and df clamped to a
// minimum of 1. Cosine normalization is a fixed policy of this
// implementation, matching the convention of the vectorizers tf-idf
// retrieval is usually built on.
//
// BM25: the classic probabilistic ranking function,
//
//	idf(t) * tf(t,d)*(k1+1) / (tf(t,d) + k1*(1 - b + b*docLen/avgDocLen))
//
// with the smoothed idf log((N - df + 0.5) / (df + 0.5) + 1), which is
// strictly positive for every df in 1..N.
//
// ATIRE-BM25: same tf component as BM25 but with the unsmoothed idf
// log(N / df). For very common terms (df close to N) that idf goes
// negative; it is clamped to zero so the term contributes nothing rather
// than a negative score.
//
// All three are deterministic, allocate nothing shared, and are safe for
// concurrent use.
package koral

import (
	"fmt"
	"math"
	"sort"
)

// SchemeKind identifies a sparse weighting scheme.
type SchemeKind string

const (
	// TFIDF is cosine-normalized tf-idf weighting.
	TFIDF SchemeKind = "tfidf"

	// BM25 is Okapi BM25 with the classic smoothed idf.
	BM25 SchemeKind = "bm25"

	// ATIREBM25 is the ATIRE variant of BM25 with an unsmoothed,
	// zero-clamped idf.
	ATIREBM25 SchemeKind = "atire_bm25"
)

func (s SchemeKind) valid() bool {
	switch s {
	case TFIDF, BM25, ATIREBM25:
		return true
	}
	return false
}

// SparseConfig holds the tunable constants of the BM25 family.
type SparseConfig struct {
	// K1 controls term frequency saturation (typical range 1.2-2.0).
	K1 float64

	// B controls document length normalization; 0 disables it, 1 applies
	// it fully.
	B float64
}

// DefaultSparseConfig returns the conventional BM25 constants.
func DefaultSparseConfig() *SparseConfig {
	return &SparseConfig{K1: 1.2, B: 0.75}
}

// SparseScorer scores queries against a SparseIndex using the scheme the
// index was built for. Safe for concurrent use.
type SparseScorer struct {
	index     *SparseIndex
	cfg       *SparseConfig
	tokenizer Tokenizer

	// docNorms[id] is the L2 norm of document id's tf-idf vector over the
	// full vocabulary. Precomputed once; only populated for TFIDF.
	docNorms []float64
}

// NewSparseScorer creates a scorer bound to the given index. The scheme
// and tokenizer are taken from the artifact itself so a loaded index is
// always scored the way it was built. cfg may be nil for defaults; it is
// only consulted by the BM25 variants.
func NewSparseScorer(index *SparseIndex, cfg *SparseConfig) (*SparseScorer, error) {
	if index == nil {
		return nil, fmt.Errorf("nil sparse index")
	}
	if !index.scheme.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, index.scheme)
	}
	if cfg == nil {
		cfg = DefaultSparseConfig()
	}
	tokenizer, err := NewTokenizer(index.tokenizerKind)
	if err != nil {
		return nil, err
	}

	s := &SparseScorer{index: index, cfg: cfg, tokenizer: tokenizer}
	if index.scheme == TFIDF {
		s.docNorms = computeDocNorms(index)
	}
	return s, nil
}

// Scheme returns the scorer's weighting scheme.
func (s *SparseScorer) Scheme() SchemeKind { return s.index.scheme }

// Score computes a sparse relevance score for every document sharing at
// least one term with the query. Documents with no shared terms are
// omitted (their score is 0.0 by definition). Query terms absent from
// the vocabulary contribute zero. topN > 0 keeps only the topN highest
// scoring documents; topN <= 0 keeps all.
func (s *SparseScorer) Score(query string, topN int) map[uint32]float64 {
	tokens := s.tokenizer.Tokenize(query)
	if len(tokens) == 0 || s.index.numDocs == 0 {
		return map[uint32]float64{}
	}

	var scores map[uint32]float64
	switch s.index.scheme {
	case TFIDF:
		scores = s.scoreTFIDF(tokens)
	case ATIREBM25:
		scores = s.scoreBM25(tokens, true)
	default:
		scores = s.scoreBM25(tokens, false)
	}
	return topNScores(scores, topN)
}

// scoreBM25 implements both BM25 and ATIRE-BM25; the two differ only in
// the idf formula.
func (s *SparseScorer) scoreBM25(tokens []string, atire bool) map[uint32]float64 {
	ix := s.index
	N := float64(ix.numDocs)
	k1, b := s.cfg.K1, s.cfg.B

	scores := make(map[uint32]float64)
	for _, t := range tokens {
		bm := ix.postings[t]
		if bm == nil {
			continue
		}
		df := float64(bm.GetCardinality())

		var idf float64
		if atire {
			idf = math.Log(N / df)
			if idf < 0 {
				// df close to N would otherwise push scores negative.
				idf = 0
			}
		} else {
			idf = math.Log((N-df+0.5)/(df+0.5) + 1.0)
		}
		if idf == 0 {
			continue
		}

		for iter := bm.Iterator(); iter.HasNext(); {
			id := iter.Next()
			tf := float64(ix.tf[t][id])
			docLen := float64(ix.docLengths[id])
			scores[id] += idf * (tf * (k1 + 1)) / (tf + k1*(1-b+b*(docLen/ix.avgDocLen)))
		}
	}
	return scores
}

// scoreTFIDF computes cosine similarity between the tf-idf weighted
// query vector and each candidate document vector.
func (s *SparseScorer) scoreTFIDF(tokens []string) map[uint32]float64 {
	ix := s.index

	// Query term frequencies.
	qtf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		qtf[t]++
	}

	// Query weights and norm.
	qw := make(map[string]float64, len(qtf))
	var qnormSq float64
	for t, tf := range qtf {
		idf := s.idfTFIDF(t)
		if idf == 0 {
			continue
		}
		w := float64(tf) * idf
		qw[t] = w
		qnormSq += w * w
	}
	if qnormSq == 0 {
		return map[uint32]float64{}
	}
	qnorm := math.Sqrt(qnormSq)

	scores := make(map[uint32]float64)
	for t, w := range qw {
		bm := ix.postings[t]
		if bm == nil {
			continue
		}
		idf := s.idfTFIDF(t)
		for iter := bm.Iterator(); iter.HasNext(); {
			id := iter.Next()
			dw := float64(ix.tf[t][id]) * idf
			scores[id] += w * dw
		}
	}
	for id := range scores {
		if dn := s.docNorms[id]; dn > 0 {
			scores[id] /= qnorm * dn
		}
	}
	return scores
}

// idfTFIDF is log(N/df) with df clamped to a minimum of 1.
func (s *SparseScorer) idfTFIDF(term string) float64 {
	df := s.index.DocFreq(term)
	if df < 1 {
		df = 1
	}
	return math.Log(float64(s.index.numDocs) / float64(df))
}

// computeDocNorms walks the term-frequency maps once and accumulates the
// squared tf-idf weight of every (term, doc) pair.
func computeDocNorms(ix *SparseIndex) []float64 {
	norms := make([]float64, ix.numDocs)
	N := float64(ix.numDocs)
	for t, docs := range ix.tf {
		df := float64(ix.DocFreq(t))
		if df < 1 {
			df = 1
		}
		idf := math.Log(N / df)
		if idf == 0 {
			continue
		}
		for id, tf := range docs {
			w := float64(tf) * idf
			norms[id] += w * w
		}
	}
	for i, n := range norms {
		norms[i] = math.Sqrt(n)
	}
	return norms
}

// topNScores keeps the n highest scores, breaking score ties by ascending
// doc id. n <= 0 keeps everything.
func topNScores(scores map[uint32]float64, n int) map[uint32]float64 {
	if n <= 0 || len(scores) <= n {
		return scores
	}
	type pair struct {
		id    uint32
		score float64
	}
	pairs := make([]pair, 0, len(scores))
	for id, sc := range scores {
		pairs = append(pairs, pair{id, sc})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		return pairs[i].id < pairs[j].id
	})
	kept := make(map[uint32]float64, n)
	for _, p := range pairs[:n] {
		kept[p.id] = p.score
	}
	return kept
}
