/*
Package koral is a hybrid passage retrieval engine for Go.

Koral retrieves, for a natural-language question, the top-k most
relevant passages from a fixed text corpus, combining term-based sparse
retrieval (TF-IDF, BM25, ATIRE-BM25) with dense vector retrieval over
externally-produced embeddings, fused into a single ranking. It is the
retrieval half of an open-domain QA pipeline: the neural encoders that
produce embeddings and the reader that extracts answers are external
collaborators.

# Quick Start

Build a corpus, index it, attach an embedding matrix, and query:

	corpus := koral.NewCorpus(passageTexts)

	retriever, err := koral.NewRetriever(corpus, koral.DefaultRetrieverConfig())
	if err != nil {
	    log.Fatal(err)
	}
	if err := retriever.Index(ctx); err != nil {
	    log.Fatal(err)
	}

	dense, err := koral.NewDenseIndexForCorpus(embeddingMatrix, koral.DotProduct, corpus)
	if err != nil {
	    log.Fatal(err)
	}
	if err := retriever.AttachDense(dense, encodeQuery); err != nil {
	    log.Fatal(err)
	}

	results, err := retriever.Retrieve(ctx, "who wrote the iliad?", 10)
	for _, r := range results {
	    fmt.Printf("%d %.4f %s\n", r.DocID, r.Score, r.Text)
	}

encodeQuery is any func(ctx, string) ([]float32, error), typically a
thin client around the query encoder that produced the passage matrix.

# Sparse Schemes

Three interchangeable weighting schemes share one inverted-index
artifact: TFIDF (cosine-normalized tf-idf), BM25 (Okapi BM25, k1=1.2
b=0.75 by default), and ATIREBM25 (unsmoothed, zero-clamped idf). The
artifact records its scheme, tokenizer, and corpus hash, and serializes
to a self-describing binary format.

# Dense Retrieval

DenseIndex scores a query vector against every row of a precomputed
embedding matrix by dot product or cosine similarity, fixed at
construction. MultiVectorIndex provides ColBERT-style late interaction
over token-level embeddings with MaxSim aggregation. Matrices persist at
float32 or float16 precision.

# Fusion

LinearFusion combines min-max normalized sparse and dense scores with
fixed weights; LogisticFusion ranks by a fitted logistic regression over
the two signals, falling back (loudly) to equal weights when unfitted.
Ties always break by ascending doc id.

# Caching

ArtifactCache persists artifacts in a bbolt file keyed by corpus content
hash plus scheme id, guaranteeing at most one build per key per process.
A mismatched or corrupt entry fails with ErrCacheCorruption rather than
degrading silently.

# Concurrency

All index artifacts are immutable after construction; queries are
read-only and safe from any number of goroutines. Index builds honor
context cancellation.
*/
package koral
