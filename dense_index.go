// Package koral implements dense retrieval over an externally-produced
// embedding matrix.
//
// The index never invokes a neural model. It consumes a precomputed
// passage embedding matrix (one fixed-dimension row per doc id) and
// scores a supplied query vector against every row by dot product or
// cosine similarity, whichever policy was fixed at construction. This is
// exhaustive scoring with perfect recall, the right trade for retrieval
// corpora whose matrix fits in memory.
//
// The matrix is treated as opaque input and is never mutated: cosine
// preprocessing works on internal copies.
//
// PERSISTENCE:
// The matrix can be serialized at full (float32) or half (float16)
// precision. Half precision halves the artifact size at a cost of about
// three decimal digits, which is well inside the noise floor of learned
// embeddings. The header records similarity kind, precision, dimension,
// and corpus hash so that a mismatched load fails loudly.
package koral

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/x448/float16"
)

// Precision selects the on-disk storage format of dense vectors.
type Precision string

const (
	// FullPrecision stores vectors as float32.
	FullPrecision Precision = "float32"

	// HalfPrecision stores vectors as float16 bit patterns.
	HalfPrecision Precision = "float16"
)

const (
	denseIndexMagic   = "KDNS"
	multiVectorMagic  = "KMVX"
	denseIndexVersion = uint32(1)
)

// DenseIndex scores query vectors against an embedding matrix. Read-only
// after construction and safe for concurrent use.
type DenseIndex struct {
	// matrix rows in doc id order. For cosine similarity these are unit
	// normalized copies of the input; for dot product they alias the
	// caller's rows.
	matrix [][]float32

	dim        int
	simKind    SimilarityKind
	sim        Similarity
	corpusHash string
	precision  Precision
}

// NewDenseIndex wraps an embedding matrix. Every row must share one
// dimension D; a ragged or empty matrix is rejected. The similarity
// policy is fixed here and recorded in the persisted artifact.
func NewDenseIndex(matrix [][]float32, kind SimilarityKind) (*DenseIndex, error) {
	if len(matrix) == 0 {
		return nil, ErrEmptyCorpus
	}
	sim, err := NewSimilarity(kind)
	if err != nil {
		return nil, err
	}
	dim := len(matrix[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-dimension embedding", ErrDimensionMismatch)
	}

	rows := make([][]float32, len(matrix))
	for i, row := range matrix {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: row %d has dimension %d, want %d", ErrDimensionMismatch, i, len(row), dim)
		}
		prepped, err := sim.Preprocess(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows[i] = prepped
	}

	return &DenseIndex{
		matrix:    rows,
		dim:       dim,
		simKind:   kind,
		sim:       sim,
		precision: FullPrecision,
	}, nil
}

// NewDenseIndexForCorpus additionally pins the index to a corpus: the
// row count must equal the corpus size, and the corpus hash is recorded
// for artifact validation.
func NewDenseIndexForCorpus(matrix [][]float32, kind SimilarityKind, corpus *Corpus) (*DenseIndex, error) {
	if corpus != nil && len(matrix) != corpus.Size() {
		return nil, fmt.Errorf("%w: matrix has %d rows, corpus has %d passages", ErrDimensionMismatch, len(matrix), corpus.Size())
	}
	ix, err := NewDenseIndex(matrix, kind)
	if err != nil {
		return nil, err
	}
	if corpus != nil {
		ix.corpusHash = corpus.Hash()
	}
	return ix, nil
}

// Dim returns the embedding dimension D.
func (ix *DenseIndex) Dim() int { return ix.dim }

// Size returns the number of embedded documents.
func (ix *DenseIndex) Size() int { return len(ix.matrix) }

// SimilarityKind returns the fixed similarity policy.
func (ix *DenseIndex) SimilarityKind() SimilarityKind { return ix.simKind }

// CorpusHash returns the corpus hash this matrix was produced for, or ""
// when the index was constructed without one.
func (ix *DenseIndex) CorpusHash() string { return ix.corpusHash }

// SetPrecision selects the storage precision used by WriteTo.
func (ix *DenseIndex) SetPrecision(p Precision) error {
	switch p {
	case FullPrecision, HalfPrecision:
		ix.precision = p
		return nil
	default:
		return fmt.Errorf("unknown precision %q", p)
	}
}

// Score computes the similarity between query and every document,
// returning doc id -> score. Fails with ErrDimensionMismatch when the
// query's dimension is not D. topN > 0 keeps only the topN highest
// scores; topN <= 0 keeps all.
func (ix *DenseIndex) Score(query []float32, topN int) (map[uint32]float64, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, index has %d", ErrDimensionMismatch, len(query), ix.dim)
	}
	q, err := ix.sim.Preprocess(query)
	if err != nil {
		return nil, err
	}

	scores := make(map[uint32]float64, len(ix.matrix))
	for i, row := range ix.matrix {
		scores[uint32(i)] = ix.sim.Score(q, row)
	}
	return topNScores(scores, topN), nil
}

// WriteTo serializes the index at the configured precision.
func (ix *DenseIndex) WriteTo(w io.Writer) (int64, error) {
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

	if _, err := w.Write([]byte(denseIndexMagic)); err != nil {
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
	if err := put(uint32(len(ix.matrix))); err != nil {
		return written, fmt.Errorf("write row count: %w", err)
	}

	for i, row := range ix.matrix {
		if err := writeVector(w, row, ix.precision, put); err != nil {
			return written, fmt.Errorf("write row %d: %w", i, err)
		}
	}
	return written, nil
}

// ReadDenseIndex deserializes an index written by WriteTo. The returned
// index keeps the artifact's similarity policy, precision, and corpus
// hash. Structural problems are reported as ErrCacheCorruption.
func ReadDenseIndex(r io.Reader) (*DenseIndex, error) {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: dense index: %s", ErrCacheCorruption, fmt.Sprintf(format, args...))
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, corrupt("read magic: %v", err)
	}
	if string(magic) != denseIndexMagic {
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

	var dim, rows uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, corrupt("read dimension: %v", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rows); err != nil {
		return nil, corrupt("read row count: %v", err)
	}
	if dim == 0 || rows == 0 {
		return nil, corrupt("empty matrix (%d x %d)", rows, dim)
	}

	matrix := make([][]float32, rows)
	for i := range matrix {
		row, err := readVector(r, int(dim), Precision(precision))
		if err != nil {
			return nil, corrupt("read row %d: %v", i, err)
		}
		matrix[i] = row
	}

	return &DenseIndex{
		matrix:     matrix,
		dim:        int(dim),
		simKind:    SimilarityKind(simKind),
		sim:        sim,
		corpusHash: corpusHash,
		precision:  Precision(precision),
	}, nil
}

// ValidateForCorpus checks the artifact against a corpus: hash (when the
// artifact carries one) and row count must match.
func (ix *DenseIndex) ValidateForCorpus(corpus *Corpus) error {
	if ix.corpusHash != "" && ix.corpusHash != corpus.Hash() {
		return fmt.Errorf("%w: dense matrix corpus hash mismatch: artifact %.12s, want %.12s", ErrCacheCorruption, ix.corpusHash, corpus.Hash())
	}
	if len(ix.matrix) != corpus.Size() {
		return fmt.Errorf("%w: dense matrix has %d rows, corpus has %d passages", ErrCacheCorruption, len(ix.matrix), corpus.Size())
	}
	return nil
}

func writeVector(w io.Writer, row []float32, p Precision, put func(any) error) error {
	if p == HalfPrecision {
		bits := make([]uint16, len(row))
		for i, v := range row {
			bits[i] = float16.Fromfloat32(v).Bits()
		}
		return put(bits)
	}
	return put(row)
}

func readVector(r io.Reader, dim int, p Precision) ([]float32, error) {
	if p == HalfPrecision {
		bits := make([]uint16, dim)
		if err := binary.Read(r, binary.LittleEndian, bits); err != nil {
			return nil, err
		}
		row := make([]float32, dim)
		for i, b := range bits {
			row[i] = float16.Frombits(b).Float32()
		}
		return row, nil
	}
	row := make([]float32, dim)
	if err := binary.Read(r, binary.LittleEndian, row); err != nil {
		return nil, err
	}
	return row, nil
}
