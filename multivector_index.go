// Package koral implements late-interaction (ColBERT-style) dense
// retrieval.
//
// HOW LATE INTERACTION WORKS:
// Instead of one vector per document, each document is a variable-length
// sequence of token-level vectors, and so is the query. The score of a
// (query, document) pair is
//
//	sum over query tokens of max over doc tokens of sim(q_i, d_j)
//
// known as MaxSim. This preserves token-level matching signal that a
// single pooled vector loses, at the cost of storing one vector per
// token. The external contract is unchanged from DenseIndex: a score per
// doc id, highest first.
package koral

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MultiVectorIndex scores token-level query matrices against token-level
// document matrices with MaxSim aggregation. Read-only after
// construction and safe for concurrent use.
type MultiVectorIndex struct {
	// docs[id] is the token matrix of document id. Documents may have
	// different token counts; every vector shares one dimension D. A
	// document with zero tokens scores 0 against everything.
	docs [][][]float32

	dim        int
	simKind    SimilarityKind
	sim        Similarity
	corpusHash string
	precision  Precision
}

// NewMultiVectorIndex wraps per-document token embedding matrices.
// All token vectors across all documents must share one dimension.
func NewMultiVectorIndex(docs [][][]float32, kind SimilarityKind) (*MultiVectorIndex, error) {
	if len(docs) == 0 {
		return nil, ErrEmptyCorpus
	}
	sim, err := NewSimilarity(kind)
	if err != nil {
		return nil, err
	}

	dim := 0
	for _, doc := range docs {
		if len(doc) > 0 {
			dim = len(doc[0])
			break
		}
	}
	if dim == 0 {
		return nil, fmt.Errorf("%w: no token vectors in any document", ErrDimensionMismatch)
	}

	prepped := make([][][]float32, len(docs))
	for i, doc := range docs {
		tokens := make([][]float32, len(doc))
		for j, vec := range doc {
			if len(vec) != dim {
				return nil, fmt.Errorf("%w: doc %d token %d has dimension %d, want %d", ErrDimensionMismatch, i, j, len(vec), dim)
			}
			p, err := sim.Preprocess(vec)
			if err != nil {
				return nil, fmt.Errorf("doc %d token %d: %w", i, j, err)
			}
			tokens[j] = p
		}
		prepped[i] = tokens
	}

	return &MultiVectorIndex{
		docs:      prepped,
		dim:       dim,
		simKind:   kind,
		sim:       sim,
		precision: FullPrecision,
	}, nil
}

// Dim returns the token embedding dimension D.
func (ix *MultiVectorIndex) Dim() int { return ix.dim }

// Size returns the number of documents.
func (ix *MultiVectorIndex) Size() int { return len(ix.docs) }

// SimilarityKind returns the fixed similarity policy.
func (ix *MultiVectorIndex) SimilarityKind() SimilarityKind { return ix.simKind }

// SetCorpusHash records the corpus the embeddings were produced for, so
// persisted artifacts validate on load.
func (ix *MultiVectorIndex) SetCorpusHash(hash string) { ix.corpusHash = hash }

// CorpusHash returns the recorded corpus hash, or "".
func (ix *MultiVectorIndex) CorpusHash() string { return ix.corpusHash }

// SetPrecision selects the storage precision used by WriteTo.
func (ix *MultiVectorIndex) SetPrecision(p Precision) error {
	switch p {
	case FullPrecision, HalfPrecision:
		ix.precision = p
		return nil
	default:
		return fmt.Errorf("unknown precision %q", p)
	}
}

// Score computes the MaxSim score between the query token matrix and
// every document. Every query token must have dimension D. topN > 0
// keeps only the topN highest scores; topN <= 0 keeps all.
func (ix *MultiVectorIndex) Score(queryTokens [][]float32, topN int) (map[uint32]float64, error) {
	if len(queryTokens) == 0 {
		return map[uint32]float64{}, nil
	}
	prepped := make([][]float32, len(queryTokens))
	for i, q := range queryTokens {
		if len(q) != ix.dim {
			return nil, fmt.Errorf("%w: query token %d has dimension %d, index has %d", ErrDimensionMismatch, i, len(q), ix.dim)
		}
		p, err := ix.sim.Preprocess(q)
		if err != nil {
			return nil, fmt.Errorf("query token %d: %w", i, err)
		}
		prepped[i] = p
	}

	scores := make(map[uint32]float64, len(ix.docs))
	for id, doc := range ix.docs {
		if len(doc) == 0 {
			continue
		}
		var total float64
		for _, q := range prepped {
			best := ix.sim.Score(q, doc[0])
			for _, d := range doc[1:] {
				if s := ix.sim.Score(q, d); s > best {
					best = s
				}
			}
			total += best
		}
		scores[uint32(id)] = total
	}
	return topNScores(scores, topN), nil
}

// WriteTo serializes the index at the configured precision. The layout
// mirrors the single-vector dense artifact, with a per-document token
// count before each token matrix.
func (ix *MultiVectorIndex) WriteTo(w io.Writer) (int64, error) {
	var written int64
	put := func(data any) error {
		if err := binary.Write(w, binary.LittleEndian, data); err != nil {
			return err
		}
		written += int64(binary.Size(data))
		return nil
	}
	putString := func(s string) error {
		n, err := writeString(w, s)
		written += n
		return err
	}

	if _, err := w.Write([]byte(multiVectorMagic)); err != nil {
		return written, fmt.Errorf("write magic: %w", err)
	}
	written += 4
	if err := put(denseIndexVersion); err != nil {
		return written, fmt.Errorf("write version: %w", err)
	}
	if err := putString(string(ix.simKind)); err != nil {
		return written, fmt.Errorf("write similarity kind: %w", err)
	}
	if err := putString(string(ix.precision)); err != nil {
		return written, fmt.Errorf("write precision: %w", err)
	}
	if err := putString(ix.corpusHash); err != nil {
		return written, fmt.Errorf("write corpus hash: %w", err)
	}
	if err := put(uint32(ix.dim)); err != nil {
		return written, fmt.Errorf("write dimension: %w", err)
	}
	if err := put(uint32(len(ix.docs))); err != nil {
		return written, fmt.Errorf("write doc count: %w", err)
	}

	for i, doc := range ix.docs {
		if err := put(uint32(len(doc))); err != nil {
			return written, fmt.Errorf("write token count for doc %d: %w", i, err)
		}
		for j, vec := range doc {
			if err := writeVector(w, vec, ix.precision, put); err != nil {
				return written, fmt.Errorf("write doc %d token %d: %w", i, j, err)
			}
		}
	}
	return written, nil
}

// ReadMultiVectorIndex deserializes an index written by WriteTo.
// Structural problems are reported as ErrCacheCorruption.
func ReadMultiVectorIndex(r io.Reader) (*MultiVectorIndex, error) {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: multi-vector index: %s", ErrCacheCorruption, fmt.Sprintf(format, args...))
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, corrupt("read magic: %v", err)
	}
	if string(magic) != multiVectorMagic {
		return nil, corrupt("invalid magic %q", magic)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, corrupt("read version: %v", err)
	}
	if version != denseIndexVersion {
		return nil, corrupt("unsupported version %d", version)
	}

	simKind, _, err := readString(r)
	if err != nil {
		return nil, corrupt("read similarity kind: %v", err)
	}
	precision, _, err := readString(r)
	if err != nil {
		return nil, corrupt("read precision: %v", err)
	}
	corpusHash, _, err := readString(r)
	if err != nil {
		return nil, corrupt("read corpus hash: %v", err)
	}
	sim, err := NewSimilarity(SimilarityKind(simKind))
	if err != nil {
		return nil, corrupt("unknown similarity kind %q", simKind)
	}
	if p := Precision(precision); p != FullPrecision && p != HalfPrecision {
		return nil, corrupt("unknown precision %q", precision)
	}

	var dim, docCount uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, corrupt("read dimension: %v", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &docCount); err != nil {
		return nil, corrupt("read doc count: %v", err)
	}
	if dim == 0 || docCount == 0 {
		return nil, corrupt("empty index (%d docs, dim %d)", docCount, dim)
	}

	docs := make([][][]float32, docCount)
	for i := range docs {
		var tokenCount uint32
		if err := binary.Read(r, binary.LittleEndian, &tokenCount); err != nil {
			return nil, corrupt("read token count for doc %d: %v", i, err)
		}
		tokens := make([][]float32, tokenCount)
		for j := range tokens {
			vec, err := readVector(r, int(dim), Precision(precision))
			if err != nil {
				return nil, corrupt("read doc %d token %d: %v", i, j, err)
			}
			tokens[j] = vec
		}
		docs[i] = tokens
	}

	return &MultiVectorIndex{
		docs:       docs,
		dim:        int(dim),
		simKind:    SimilarityKind(simKind),
		sim:        sim,
		corpusHash: corpusHash,
		precision:  Precision(precision),
	}, nil
}
