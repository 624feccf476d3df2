package koral

import "errors"

// Sentinel errors returned by the retrieval engine. Callers can test for
// them with errors.Is since all wrapped errors preserve the sentinel.
var (
	// ErrEmptyCorpus is returned when an index build is attempted over a
	// corpus (or embedding matrix) with zero documents.
	ErrEmptyCorpus = errors.New("corpus contains no documents")

	// ErrDimensionMismatch is returned when a query vector's dimension does
	// not match the dense index, or when an embedding matrix is ragged or
	// does not cover the corpus.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnknownScheme is returned for an unrecognized sparse weighting
	// scheme name.
	ErrUnknownScheme = errors.New("unknown sparse scheme")

	// ErrUnknownFusion is returned for an unrecognized fusion kind.
	ErrUnknownFusion = errors.New("unknown fusion kind")

	// ErrUnknownTokenizer is returned for an unrecognized tokenizer kind.
	ErrUnknownTokenizer = errors.New("unknown tokenizer kind")

	// ErrUnknownSimilarity is returned for an unrecognized similarity kind.
	ErrUnknownSimilarity = errors.New("unknown similarity kind")

	// ErrCacheCorruption is returned when a persisted artifact fails its
	// self-describing validation on load: wrong magic, wrong version, or a
	// corpus hash / scheme / dimension that does not match what the caller
	// expects. A load that fails this way never silently falls back to the
	// mismatched artifact.
	ErrCacheCorruption = errors.New("cached artifact failed validation")

	// ErrNotReady is returned when a query is issued before the retriever
	// has both its sparse index and its dense index attached.
	ErrNotReady = errors.New("retriever is not ready to serve queries")

	// ErrZeroVector is returned when a zero vector is supplied for a
	// similarity that requires normalization.
	ErrZeroVector = errors.New("zero vector not allowed for this similarity")
)
