package koral

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func openTestCache(t *testing.T) *ArtifactCache {
	t.Helper()
	cache, err := OpenArtifactCache(filepath.Join(t.TempDir(), "artifacts.db"))
	if err != nil {
		t.Fatalf("OpenArtifactCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func sparseDecode(hash string, scheme SchemeKind) DecodeFunc {
	return func(r io.Reader) (Artifact, error) {
		ix, err := ReadSparseIndex(r)
		if err != nil {
			return nil, err
		}
		if err := ix.Validate(hash, scheme); err != nil {
			return nil, err
		}
		return ix, nil
	}
}

// TestGetOrBuildBuildsOnce tests that the second call for a key loads
// the persisted artifact instead of rebuilding.
func TestGetOrBuildBuildsOnce(t *testing.T) {
	cache := openTestCache(t)
	corpus := NewCorpus(scorerCorpus)
	key := CacheKey(corpus.Hash(), "bm25:unicode")

	var builds atomic.Int32
	build := func(ctx context.Context) (Artifact, error) {
		builds.Add(1)
		return BuildSparseIndex(ctx, corpus, BM25, nil)
	}
	decode := sparseDecode(corpus.Hash(), BM25)

	first, err := cache.GetOrBuild(context.Background(), key, decode, build)
	if err != nil {
		t.Fatalf("first GetOrBuild: %v", err)
	}
	if !cache.Contains(key) {
		t.Fatal("entry not persisted after build")
	}
	if _, ok := cache.CreatedAt(key); !ok {
		t.Error("no creation time recorded")
	}

	second, err := cache.GetOrBuild(context.Background(), key, decode, build)
	if err != nil {
		t.Fatalf("second GetOrBuild: %v", err)
	}
	if builds.Load() != 1 {
		t.Errorf("builder ran %d times, want 1", builds.Load())
	}

	// The loaded artifact must be interchangeable with the built one.
	a := first.(*SparseIndex)
	b := second.(*SparseIndex)
	if a.NumDocs() != b.NumDocs() || a.VocabSize() != b.VocabSize() || a.CorpusHash() != b.CorpusHash() {
		t.Errorf("loaded artifact differs: %d/%d/%s vs %d/%d/%s",
			a.NumDocs(), a.VocabSize(), a.CorpusHash(), b.NumDocs(), b.VocabSize(), b.CorpusHash())
	}
}

// TestGetOrBuildCollapsesConcurrentBuilds tests the at-most-one-build
// guarantee under concurrent same-key callers.
func TestGetOrBuildCollapsesConcurrentBuilds(t *testing.T) {
	cache := openTestCache(t)
	corpus := NewCorpus(scorerCorpus)
	key := CacheKey(corpus.Hash(), "bm25:unicode")

	var builds atomic.Int32
	gate := make(chan struct{})
	build := func(ctx context.Context) (Artifact, error) {
		builds.Add(1)
		<-gate
		return BuildSparseIndex(ctx, corpus, BM25, nil)
	}
	decode := sparseDecode(corpus.Hash(), BM25)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = cache.GetOrBuild(context.Background(), key, decode, build)
		}()
	}
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if builds.Load() != 1 {
		t.Errorf("builder ran %d times, want 1", builds.Load())
	}
}

// TestGetOrBuildCorruptEntry tests that a persisted entry failing
// validation surfaces ErrCacheCorruption instead of silently rebuilding.
func TestGetOrBuildCorruptEntry(t *testing.T) {
	cache := openTestCache(t)
	corpus := NewCorpus(scorerCorpus)
	key := CacheKey(corpus.Hash(), "bm25:unicode")

	build := func(ctx context.Context) (Artifact, error) {
		return BuildSparseIndex(ctx, corpus, BM25, nil)
	}
	if _, err := cache.GetOrBuild(context.Background(), key, sparseDecode(corpus.Hash(), BM25), build); err != nil {
		t.Fatalf("seed GetOrBuild: %v", err)
	}

	// Decode against the wrong corpus hash, as if the corpus changed
	// underneath a stale key.
	var rebuilt atomic.Int32
	staleBuild := func(ctx context.Context) (Artifact, error) {
		rebuilt.Add(1)
		return BuildSparseIndex(ctx, corpus, BM25, nil)
	}
	_, err := cache.GetOrBuild(context.Background(), key, sparseDecode("deadbeef", BM25), staleBuild)
	if !errors.Is(err, ErrCacheCorruption) {
		t.Fatalf("err = %v, want ErrCacheCorruption", err)
	}
	if rebuilt.Load() != 0 {
		t.Error("corrupt entry triggered a silent rebuild")
	}
}

// TestCacheDelete tests entry removal.
func TestCacheDelete(t *testing.T) {
	cache := openTestCache(t)
	corpus := NewCorpus(scorerCorpus)
	key := CacheKey(corpus.Hash(), "bm25:unicode")

	build := func(ctx context.Context) (Artifact, error) {
		return BuildSparseIndex(ctx, corpus, BM25, nil)
	}
	if _, err := cache.GetOrBuild(context.Background(), key, sparseDecode(corpus.Hash(), BM25), build); err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}

	if err := cache.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cache.Contains(key) {
		t.Error("entry still present after Delete")
	}
	if _, ok := cache.CreatedAt(key); ok {
		t.Error("creation time still present after Delete")
	}
}

// TestGetOrBuildCancelled tests that a cancelled context publishes
// nothing.
func TestGetOrBuildCancelled(t *testing.T) {
	cache := openTestCache(t)
	corpus := NewCorpus(scorerCorpus)
	key := CacheKey(corpus.Hash(), "bm25:unicode")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	build := func(ctx context.Context) (Artifact, error) {
		return BuildSparseIndex(ctx, corpus, BM25, nil)
	}
	if _, err := cache.GetOrBuild(ctx, key, sparseDecode(corpus.Hash(), BM25), build); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if cache.Contains(key) {
		t.Error("cancelled build persisted an entry")
	}
}
