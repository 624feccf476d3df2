// Package koral implements a deduplicated passage store with stable ids.
//
// The corpus is the single owner of passage text. Every other component
// (sparse index, dense index, fusion) refers to passages only by their
// dense integer id, and resolves text back through the store at the very
// end of a query. Passages are immutable once stored.
//
// CONTENT IDENTITY:
// A corpus is identified by a sha256 hash over its ordered passage texts.
// The hash is half of every cache key and is embedded in each persisted
// artifact so that a mismatched load fails loudly instead of returning
// garbage scores.
package koral

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Passage is a single retrievable unit of text.
type Passage struct {
	// ID is a dense, stable identifier in the range 0..N-1, assigned in
	// first-seen order over the deduplicated input.
	ID uint32

	// Title is an optional human-readable title. Not indexed.
	Title string

	// Text is the passage body.
	Text string
}

// Corpus holds the deduplicated passage set. It is immutable after
// construction and safe for concurrent use without locking.
type Corpus struct {
	passages []Passage
	byText   map[string]uint32
	hash     string
}

// NewCorpus builds a corpus from an ordered sequence of passage texts.
// Exact duplicate texts are dropped; the surviving passage keeps the id
// of its first occurrence, so ids stay dense in 0..N-1.
func NewCorpus(texts []string) *Corpus {
	c := &Corpus{byText: make(map[string]uint32, len(texts))}
	for _, text := range texts {
		c.add("", text)
	}
	c.hash = c.computeHash()
	return c
}

// NewCorpusWithTitles builds a corpus from parallel title and text slices.
// Deduplication is by text only; the first occurrence's title wins.
func NewCorpusWithTitles(titles, texts []string) (*Corpus, error) {
	if len(titles) != len(texts) {
		return nil, fmt.Errorf("titles/texts length mismatch: %d vs %d", len(titles), len(texts))
	}
	c := &Corpus{byText: make(map[string]uint32, len(texts))}
	for i, text := range texts {
		c.add(titles[i], text)
	}
	c.hash = c.computeHash()
	return c, nil
}

func (c *Corpus) add(title, text string) {
	if _, seen := c.byText[text]; seen {
		return
	}
	id := uint32(len(c.passages))
	c.byText[text] = id
	c.passages = append(c.passages, Passage{ID: id, Title: title, Text: text})
}

// computeHash hashes the ordered passage texts. Each text is length
// prefixed so that concatenation ambiguity cannot collide two corpora.
func (c *Corpus) computeHash() string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range c.passages {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p.Text)))
		h.Write(lenBuf[:])
		h.Write([]byte(p.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Size returns the number of unique passages.
func (c *Corpus) Size() int {
	return len(c.passages)
}

// Hash returns the hex sha256 content hash of the corpus.
func (c *Corpus) Hash() string {
	return c.hash
}

// Get returns the passage with the given id, or false if the id is out of
// range.
func (c *Corpus) Get(id uint32) (Passage, bool) {
	if int(id) >= len(c.passages) {
		return Passage{}, false
	}
	return c.passages[id], true
}

// Lookup returns the id of a passage with exactly this text.
func (c *Corpus) Lookup(text string) (uint32, bool) {
	id, ok := c.byText[text]
	return id, ok
}

// Passages returns the passages in id order. The returned slice is shared;
// callers must not modify it.
func (c *Corpus) Passages() []Passage {
	return c.passages
}
