// Package koral implements the public query facade over the hybrid
// retrieval pipeline.
//
// LIFECYCLE:
// A Retriever moves through four states:
//
//	UNINITIALIZED -> INDEXED   Index() built or loaded the sparse index
//	INDEXED       -> READY     AttachDense() attached the embedding matrix
//	READY         -> SERVING   first successful Retrieve()
//
// Queries are stateless with respect to each other: every Retrieve runs
// the sparse scorer and the dense index independently (concurrently),
// fuses the two score vectors, and resolves passage text from the corpus
// store. All artifacts are immutable by then, so any number of queries
// may run in parallel without locking.
//
// The neural query encoder is an external collaborator supplied as a
// plain function; this package never touches a model.
package koral

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Retriever.
type State int32

const (
	// StateUninitialized is the state before any index exists.
	StateUninitialized State = iota

	// StateIndexed means the sparse index is built or loaded.
	StateIndexed

	// StateReady means the dense index and encoder are attached.
	StateReady

	// StateServing means at least one query has been served.
	StateServing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateIndexed:
		return "INDEXED"
	case StateReady:
		return "READY"
	case StateServing:
		return "SERVING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// QueryEncoder turns a query string into a dense vector of the corpus
// embedding dimension. It is treated as an opaque external service.
type QueryEncoder func(ctx context.Context, query string) ([]float32, error)

// ScoredPassage is one entry of a retrieval result.
type ScoredPassage struct {
	DocID uint32
	Score float64
	Text  string
}

// BatchResult holds the outcome for one query of a batch. A failing
// query reports its error here without aborting the rest of the batch.
type BatchResult struct {
	Results []ScoredPassage
	Err     error
}

// RetrieverConfig configures a Retriever at construction.
type RetrieverConfig struct {
	// Scheme selects the sparse weighting scheme.
	Scheme SchemeKind

	// Sparse holds the BM25-family constants; nil for defaults.
	Sparse *SparseConfig

	// Tokenizer overrides the scheme's default tokenizer; nil picks
	// DefaultTokenizerKind(Scheme).
	Tokenizer Tokenizer

	// Fusion combines the sparse and dense score vectors; nil picks
	// equal-weight linear fusion.
	Fusion Fusion

	// Cache, when set, persists and reloads the sparse index keyed by
	// (corpus hash, scheme, tokenizer kind).
	Cache *ArtifactCache

	// CandidateDepth bounds how many candidates each signal family
	// contributes before fusion. <= 0 means unbounded.
	CandidateDepth int
}

// DefaultRetrieverConfig is BM25 with equal-weight linear fusion and a
// candidate depth of 100 per signal family.
func DefaultRetrieverConfig() *RetrieverConfig {
	return &RetrieverConfig{
		Scheme:         BM25,
		Sparse:         DefaultSparseConfig(),
		Fusion:         NewLinearFusion(1.0, 1.0),
		CandidateDepth: 100,
	}
}

// Retriever is the public entry point of the hybrid retrieval engine.
type Retriever struct {
	corpus *Corpus
	cfg    *RetrieverConfig
	logger *slog.Logger

	index   *SparseIndex
	scorer  *SparseScorer
	dense   *DenseIndex
	encoder QueryEncoder

	state atomic.Int32
}

// NewRetriever creates a retriever over a corpus. The corpus may not be
// empty.
func NewRetriever(corpus *Corpus, cfg *RetrieverConfig) (*Retriever, error) {
	if corpus == nil || corpus.Size() == 0 {
		return nil, ErrEmptyCorpus
	}
	if cfg == nil {
		cfg = DefaultRetrieverConfig()
	}
	if !cfg.Scheme.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, cfg.Scheme)
	}
	if cfg.Fusion == nil {
		cfg.Fusion = NewLinearFusion(1.0, 1.0)
	}
	return &Retriever{
		corpus: corpus,
		cfg:    cfg,
		logger: slog.Default().With("component", "retriever"),
	}, nil
}

// State returns the current lifecycle state.
func (r *Retriever) State() State {
	return State(r.state.Load())
}

// Index builds the sparse index, or loads it through the configured
// cache. Transitions UNINITIALIZED -> INDEXED. Safe to call once;
// repeated calls rebuild against the same immutable corpus and are
// therefore idempotent in effect.
func (r *Retriever) Index(ctx context.Context) error {
	tokenizer := r.cfg.Tokenizer
	if tokenizer == nil {
		var err error
		tokenizer, err = NewTokenizer(DefaultTokenizerKind(r.cfg.Scheme))
		if err != nil {
			return err
		}
	}

	var (
		index *SparseIndex
		err   error
	)
	if r.cfg.Cache != nil {
		key := CacheKey(r.corpus.Hash(), fmt.Sprintf("%s:%s", r.cfg.Scheme, tokenizer.Kind()))
		decode := func(rd io.Reader) (Artifact, error) {
			ix, err := ReadSparseIndex(rd)
			if err != nil {
				return nil, err
			}
			if err := ix.Validate(r.corpus.Hash(), r.cfg.Scheme); err != nil {
				return nil, err
			}
			return ix, nil
		}
		build := func(ctx context.Context) (Artifact, error) {
			return BuildSparseIndex(ctx, r.corpus, r.cfg.Scheme, tokenizer)
		}
		var artifact Artifact
		artifact, err = r.cfg.Cache.GetOrBuild(ctx, key, decode, build)
		if err == nil {
			index = artifact.(*SparseIndex)
		}
	} else {
		index, err = BuildSparseIndex(ctx, r.corpus, r.cfg.Scheme, tokenizer)
	}
	if err != nil {
		return err
	}

	scorer, err := NewSparseScorer(index, r.cfg.Sparse)
	if err != nil {
		return err
	}

	r.index = index
	r.scorer = scorer
	r.state.Store(int32(StateIndexed))
	return nil
}

// AttachDense attaches the passage embedding matrix and the query
// encoder. Transitions INDEXED -> READY. The matrix must cover the
// corpus exactly; a matrix persisted for a different corpus is rejected.
func (r *Retriever) AttachDense(dense *DenseIndex, encoder QueryEncoder) error {
	if r.State() < StateIndexed {
		return fmt.Errorf("%w: sparse index not built", ErrNotReady)
	}
	if dense == nil || encoder == nil {
		return fmt.Errorf("dense index and query encoder are both required")
	}
	if err := dense.ValidateForCorpus(r.corpus); err != nil {
		return err
	}

	r.dense = dense
	r.encoder = encoder
	r.state.Store(int32(StateReady))
	return nil
}

// SparseIndexArtifact exposes the built sparse index, for callers that
// persist or inspect it directly.
func (r *Retriever) SparseIndexArtifact() *SparseIndex {
	return r.index
}

// Retrieve returns the topK most relevant passages for the query,
// strictly descending by fused score with ties broken by ascending doc
// id. Fails with ErrNotReady before the READY state.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]ScoredPassage, error) {
	if r.State() < StateReady {
		return nil, fmt.Errorf("%w: state is %s", ErrNotReady, r.State())
	}
	if topK <= 0 {
		topK = 10
	}
	depth := r.cfg.CandidateDepth

	var (
		sparseScores map[uint32]float64
		denseScores  map[uint32]float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sparseScores = r.scorer.Score(query, depth)
		return nil
	})
	g.Go(func() error {
		vec, err := r.encoder(gctx, query)
		if err != nil {
			return fmt.Errorf("encode query: %w", err)
		}
		denseScores, err = r.dense.Score(vec, depth)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := r.cfg.Fusion.Fuse(sparseScores, denseScores, topK)

	results := make([]ScoredPassage, 0, len(fused))
	for _, fr := range fused {
		passage, ok := r.corpus.Get(fr.DocID)
		if !ok {
			// Fused ids come from the indexes, which are validated
			// against the corpus; an unknown id means a broken artifact.
			return nil, fmt.Errorf("%w: fused doc id %d not in corpus", ErrCacheCorruption, fr.DocID)
		}
		results = append(results, ScoredPassage{
			DocID: fr.DocID,
			Score: fr.Score,
			Text:  passage.Text,
		})
	}

	r.state.CompareAndSwap(int32(StateReady), int32(StateServing))
	return results, nil
}

// RetrieveBatch retrieves for every query, preserving input order.
// Queries run concurrently; a failing query yields an error entry in its
// slot without aborting the rest of the batch.
func (r *Retriever) RetrieveBatch(ctx context.Context, queries []string, topK int) []BatchResult {
	out := make([]BatchResult, len(queries))

	var g errgroup.Group
	g.SetLimit(maxBatchConcurrency)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			results, err := r.Retrieve(ctx, q, topK)
			out[i] = BatchResult{Results: results, Err: err}
			if err != nil {
				r.logger.Warn("batch query failed", "query", q, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return out
}

// maxBatchConcurrency bounds the goroutines RetrieveBatch spawns.
const maxBatchConcurrency = 8
