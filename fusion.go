// Package koral implements the score fusion strategies that combine the
// sparse and dense signal families into one ranking.
//
// NORMALIZATION POLICY:
// Both score vectors are min-max normalized to [0,1] independently, over
// the union candidate set of the query. A document missing from one side
// is treated as a raw 0 on that side before normalization. This policy
// is fixed and documented here because fused rankings are sensitive to
// it: min-max is scale-free across the very different ranges of BM25
// sums, cosine values, and inner products.
//
// STRATEGIES:
//
// Linear: fused = alpha*sparseNorm + beta*denseNorm with fixed weights.
// alpha and beta are independent hyperparameters; they are not required
// to sum to 1.
//
// Logistic: fused = sigmoid(wS*sparseNorm + wD*denseNorm + bias) with an
// already-fitted logistic regression over the two normalized features.
// Fitting the weights needs labeled (query, relevant-doc) pairs and
// happens outside this package; unfitted weights degrade to an
// equal-weight linear combination, and that fallback is surfaced through
// Fallback() and a warn-level log, never applied silently.
//
// TIE-BREAKING:
// Equal fused scores are ordered by ascending doc id, so repeated calls
// over the same index state return identical rankings.
package koral

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// FusionKind defines the strategy used to combine sparse and dense
// scores.
type FusionKind string

const (
	// LinearFusionKind combines min-max normalized scores with fixed
	// weights.
	LinearFusionKind FusionKind = "linear"

	// LogisticFusionKind ranks by the output of a fitted logistic
	// regression over the two normalized scores.
	LogisticFusionKind FusionKind = "logistic"
)

const logisticWeightsMagic = "KLGW"

// FusedResult is one entry of a fused ranking.
type FusedResult struct {
	DocID uint32
	Score float64
}

// Fusion combines one query's sparse and dense score vectors into a
// single ranking of at most topK results, strictly descending by score
// with ties broken by ascending doc id.
type Fusion interface {
	// Kind returns the fusion kind.
	Kind() FusionKind

	// Fuse combines the two score vectors. topK <= 0 returns the full
	// fused candidate set.
	Fuse(sparse, dense map[uint32]float64, topK int) []FusedResult
}

// FusionConfig holds construction parameters for NewFusion.
type FusionConfig struct {
	// Alpha weights the normalized sparse score (linear fusion).
	Alpha float64

	// Beta weights the normalized dense score (linear fusion).
	Beta float64

	// Weights are the fitted logistic parameters (logistic fusion).
	Weights LogisticWeights
}

// DefaultFusionConfig weights both signal families equally.
func DefaultFusionConfig() *FusionConfig {
	return &FusionConfig{Alpha: 1.0, Beta: 1.0}
}

// NewFusion creates a fusion strategy of the given kind. Returns
// ErrUnknownFusion for an unrecognized kind.
func NewFusion(kind FusionKind, cfg *FusionConfig) (Fusion, error) {
	if cfg == nil {
		cfg = DefaultFusionConfig()
	}
	switch kind {
	case LinearFusionKind:
		return NewLinearFusion(cfg.Alpha, cfg.Beta), nil
	case LogisticFusionKind:
		return NewLogisticFusion(cfg.Weights), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFusion, kind)
	}
}

// ============================================================================
// LINEAR FUSION
// ============================================================================

// LinearFusion combines normalized scores as alpha*sparse + beta*dense.
type LinearFusion struct {
	alpha, beta float64
}

// NewLinearFusion creates a linear fusion with fixed weights.
func NewLinearFusion(alpha, beta float64) *LinearFusion {
	return &LinearFusion{alpha: alpha, beta: beta}
}

// Kind returns LinearFusionKind.
func (f *LinearFusion) Kind() FusionKind { return LinearFusionKind }

// Fuse implements the Fusion interface.
func (f *LinearFusion) Fuse(sparse, dense map[uint32]float64, topK int) []FusedResult {
	return fuseLinear(sparse, dense, f.alpha, f.beta, topK)
}

func fuseLinear(sparse, dense map[uint32]float64, alpha, beta float64, topK int) []FusedResult {
	candidates := unionCandidates(sparse, dense)
	sn := minMaxNormalize(sparse, candidates)
	dn := minMaxNormalize(dense, candidates)

	results := make([]FusedResult, 0, len(candidates))
	for _, id := range candidates {
		results = append(results, FusedResult{
			DocID: id,
			Score: alpha*sn[id] + beta*dn[id],
		})
	}
	return rankFused(results, topK)
}

// ============================================================================
// LOGISTIC FUSION
// ============================================================================

// LogisticWeights is a fitted 2-feature logistic regression. Fitted must
// be set by whoever trained the weights; a zero value is treated as
// untrained.
type LogisticWeights struct {
	WSparse float64
	WDense  float64
	Bias    float64
	Fitted  bool
}

// WriteTo persists the weights so a fitted combiner survives alongside
// the index artifacts.
func (lw LogisticWeights) WriteTo(w io.Writer) (int64, error) {
	var written int64
	if _, err := w.Write([]byte(logisticWeightsMagic)); err != nil {
		return written, fmt.Errorf("write magic: %w", err)
	}
	written += 4
	fitted := uint32(0)
	if lw.Fitted {
		fitted = 1
	}
	for _, v := range []any{denseIndexVersion, lw.WSparse, lw.WDense, lw.Bias, fitted} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return written, fmt.Errorf("write weights: %w", err)
		}
		written += int64(binary.Size(v))
	}
	return written, nil
}

// ReadLogisticWeights loads weights written by WriteTo.
func ReadLogisticWeights(r io.Reader) (LogisticWeights, error) {
	var lw LogisticWeights
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: logistic weights: %s", ErrCacheCorruption, fmt.Sprintf(format, args...))
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return lw, corrupt("read magic: %v", err)
	}
	if string(magic) != logisticWeightsMagic {
		return lw, corrupt("invalid magic %q", magic)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return lw, corrupt("read version: %v", err)
	}
	if version != denseIndexVersion {
		return lw, corrupt("unsupported version %d", version)
	}
	var fitted uint32
	for _, dst := range []any{&lw.WSparse, &lw.WDense, &lw.Bias, &fitted} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return lw, corrupt("read weights: %v", err)
		}
	}
	lw.Fitted = fitted == 1
	return lw, nil
}

// LogisticFusion ranks by the fused relevance probability of a fitted
// logistic regression over (sparseNorm, denseNorm).
type LogisticFusion struct {
	weights LogisticWeights
	warn    sync.Once
}

// NewLogisticFusion creates a logistic fusion consuming already-fitted
// weights. Unfitted weights make every Fuse call fall back to an
// equal-weight linear combination.
func NewLogisticFusion(weights LogisticWeights) *LogisticFusion {
	return &LogisticFusion{weights: weights}
}

// Kind returns LogisticFusionKind.
func (f *LogisticFusion) Kind() FusionKind { return LogisticFusionKind }

// Fallback reports whether Fuse is degrading to equal-weight linear
// fusion because no fitted weights were supplied.
func (f *LogisticFusion) Fallback() bool { return !f.weights.Fitted }

// Fuse implements the Fusion interface.
func (f *LogisticFusion) Fuse(sparse, dense map[uint32]float64, topK int) []FusedResult {
	if !f.weights.Fitted {
		f.warn.Do(func() {
			slog.Warn("logistic fusion has no fitted weights, falling back to equal-weight linear fusion")
		})
		return fuseLinear(sparse, dense, 0.5, 0.5, topK)
	}

	candidates := unionCandidates(sparse, dense)
	sn := minMaxNormalize(sparse, candidates)
	dn := minMaxNormalize(dense, candidates)

	results := make([]FusedResult, 0, len(candidates))
	for _, id := range candidates {
		z := f.weights.WSparse*sn[id] + f.weights.WDense*dn[id] + f.weights.Bias
		results = append(results, FusedResult{DocID: id, Score: sigmoid(z)})
	}
	return rankFused(results, topK)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// ============================================================================
// SHARED HELPERS
// ============================================================================

// unionCandidates returns the union of both score vectors' doc ids in
// ascending order.
func unionCandidates(sparse, dense map[uint32]float64) []uint32 {
	seen := make(map[uint32]struct{}, len(sparse)+len(dense))
	for id := range sparse {
		seen[id] = struct{}{}
	}
	for id := range dense {
		seen[id] = struct{}{}
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// minMaxNormalize maps raw scores to [0,1] over the candidate set.
// Candidates absent from the score vector count as raw 0. A flat signal
// (max == min) normalizes to all zeros so it cannot influence ranking.
func minMaxNormalize(scores map[uint32]float64, candidates []uint32) map[uint32]float64 {
	out := make(map[uint32]float64, len(candidates))
	if len(candidates) == 0 {
		return out
	}

	lo := math.Inf(1)
	hi := math.Inf(-1)
	for _, id := range candidates {
		v := scores[id]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		for _, id := range candidates {
			out[id] = 0
		}
		return out
	}
	span := hi - lo
	for _, id := range candidates {
		out[id] = (scores[id] - lo) / span
	}
	return out
}

// rankFused sorts strictly descending by score with ties broken by
// ascending doc id, then truncates to topK.
func rankFused(results []FusedResult, topK int) []FusedResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
