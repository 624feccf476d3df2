package koral

import "math"

// SimilarityKind represents the similarity measure used for dense
// scoring. Unlike a distance, HIGHER values mean a BETTER match.
type SimilarityKind string

const (
	// DotProduct is the raw inner product. This is the default: DPR-style
	// bi-encoders are trained against the inner product, so their
	// embeddings should be scored with it unmodified.
	DotProduct SimilarityKind = "dot"

	// CosineSimilarity is the inner product of unit-normalized vectors.
	// Use it when embedding magnitudes are not meaningful.
	CosineSimilarity SimilarityKind = "cosine"
)

// Singleton instances of similarity strategies. Stateless and safe for
// concurrent use.
var (
	dotSimilarityImpl    = dotSimilarity{}
	cosineSimilarityImpl = cosineSimilarity{}
)

// Similarity computes dense scores between equal-dimension vectors.
type Similarity interface {
	// Kind returns the similarity kind.
	Kind() SimilarityKind

	// Score computes the similarity between two preprocessed vectors.
	Score(a, b []float32) float64

	// Preprocess prepares a vector for scoring, returning a new vector
	// and leaving the input untouched. For cosine this is unit
	// normalization (ErrZeroVector for a zero vector); for dot product it
	// is the identity.
	Preprocess(v []float32) ([]float32, error)
}

// NewSimilarity returns the singleton strategy for the given kind.
// Returns ErrUnknownSimilarity for an unrecognized kind.
func NewSimilarity(kind SimilarityKind) (Similarity, error) {
	switch kind {
	case DotProduct:
		return dotSimilarityImpl, nil
	case CosineSimilarity:
		return cosineSimilarityImpl, nil
	default:
		return nil, ErrUnknownSimilarity
	}
}

type dotSimilarity struct{}

func (dotSimilarity) Kind() SimilarityKind { return DotProduct }

func (dotSimilarity) Score(a, b []float32) float64 {
	return dot(a, b)
}

func (dotSimilarity) Preprocess(v []float32) ([]float32, error) {
	return v, nil
}

// cosineSimilarity assumes Preprocess has been applied to both sides, so
// the score is just the dot product of unit vectors.
type cosineSimilarity struct{}

func (cosineSimilarity) Kind() SimilarityKind { return CosineSimilarity }

func (cosineSimilarity) Score(a, b []float32) float64 {
	return dot(a, b)
}

func (cosineSimilarity) Preprocess(v []float32) ([]float32, error) {
	n := norm(v)
	if n == 0 {
		return nil, ErrZeroVector
	}
	out := make([]float32, len(v))
	inv := 1 / n
	for i, x := range v {
		out[i] = x * inv
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}
