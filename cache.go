// Package koral implements the artifact cache that makes index builds a
// once-per-corpus cost.
//
// Artifacts (sparse index, dense embedding matrix, fitted fusion
// weights) are persisted in a single bbolt file, keyed by
// (corpus content hash, scheme or model id). A changed corpus or model
// produces a new key; entries are never mutated in place.
//
// BUILD DISCIPLINE:
// GetOrBuild guarantees at most one build per key per process: concurrent
// callers for the same key are collapsed through singleflight, so the
// first caller builds while the rest wait and share its result. Keys do
// not contend with each other.
//
// FAILURE POLICY:
// A persisted entry that fails its self-describing validation on load is
// an ErrCacheCorruption for the caller, never a silent rebuild against a
// possibly stale artifact. A failed persist (disk full and the like) is
// logged and swallowed: the caller still receives the freshly built
// in-memory artifact.
package koral

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"
)

var (
	bucketArtifacts = []byte("artifacts")
	bucketMeta      = []byte("meta")
)

// Artifact is anything the cache can persist. All index artifacts in
// this package satisfy it through their self-describing WriteTo.
type Artifact interface {
	io.WriterTo
}

// DecodeFunc reconstructs and validates an artifact from its persisted
// bytes. Returning an error wrapping ErrCacheCorruption marks the entry
// as unusable.
type DecodeFunc func(r io.Reader) (Artifact, error)

// BuildFunc builds an artifact from scratch. It must honor ctx
// cancellation; a cancelled build publishes nothing.
type BuildFunc func(ctx context.Context) (Artifact, error)

// ArtifactCache is a persistent get-or-build cache. Safe for concurrent
// use.
type ArtifactCache struct {
	db     *bbolt.DB
	group  singleflight.Group
	logger *slog.Logger
}

// OpenArtifactCache opens (creating if needed) a cache file.
func OpenArtifactCache(path string) (*ArtifactCache, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open artifact cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketArtifacts, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ArtifactCache{
		db:     db,
		logger: slog.Default().With("component", "artifact-cache"),
	}, nil
}

// Close releases the underlying database file.
func (c *ArtifactCache) Close() error {
	return c.db.Close()
}

// CacheKey derives the cache key for an artifact from the corpus content
// hash and a scheme or model identifier such as "bm25", "tfidf",
// "atire_bm25" or "dense:<model-id>".
func CacheKey(corpusHash, schemeID string) string {
	return corpusHash + ":" + schemeID
}

// GetOrBuild returns the artifact for key, loading it from the cache
// when present and otherwise building and persisting it. At most one
// build runs per key per process; a corrupt persisted entry fails the
// call with ErrCacheCorruption.
func (c *ArtifactCache) GetOrBuild(ctx context.Context, key string, decode DecodeFunc, build BuildFunc) (Artifact, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if data := c.lookup(key); data != nil {
			artifact, err := decode(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("cache entry %q: %w", key, err)
			}
			return artifact, nil
		}

		artifact, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.persist(key, artifact)
		return artifact, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Artifact), nil
}

// Contains reports whether a persisted entry exists for key.
func (c *ArtifactCache) Contains(key string) bool {
	return c.lookup(key) != nil
}

// CreatedAt returns the persist time of an entry.
func (c *ArtifactCache) CreatedAt(key string) (time.Time, bool) {
	var created time.Time
	found := false
	c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(key))
		if len(data) == 8 {
			created = time.Unix(int64(binary.LittleEndian.Uint64(data)), 0)
			found = true
		}
		return nil
	})
	return created, found
}

// Delete removes a persisted entry.
func (c *ArtifactCache) Delete(key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketArtifacts).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete([]byte(key))
	})
}

func (c *ArtifactCache) lookup(key string) []byte {
	var data []byte
	c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketArtifacts).Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data
}

// persist writes the artifact bytes and creation time. Failures are
// reported through the logger only; the in-memory artifact the caller
// is about to receive stays valid.
func (c *ArtifactCache) persist(key string, artifact Artifact) {
	var buf bytes.Buffer
	if _, err := artifact.WriteTo(&buf); err != nil {
		c.logger.Warn("artifact serialization failed, result not cached", "key", key, "error", err)
		return
	}

	var created [8]byte
	binary.LittleEndian.PutUint64(created[:], uint64(time.Now().Unix()))

	err := c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketArtifacts).Put([]byte(key), buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(key), created[:])
	})
	if err != nil {
		c.logger.Warn("artifact persist failed, result not cached", "key", key, "size", buf.Len(), "error", err)
	}
}
