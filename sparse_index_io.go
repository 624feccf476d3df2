package koral

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring"
)

// Serialization format for SparseIndex artifacts.
//
// The header is self-describing: scheme, tokenizer kind, and corpus hash
// are stored up front so that loading a mismatched artifact fails loudly
// (ErrCacheCorruption) instead of silently returning garbage scores.
//
// Layout:
//  1. Magic number "KSPX" (4 bytes)
//  2. Version (uint32)
//  3. Scheme, tokenizer kind, corpus hash (length-prefixed strings)
//  4. Document count (uint32), total token count (uint64)
//  5. Per-document token lengths (uint32 each)
//  6. Vocabulary size (uint32), then per column in order:
//     term, posting bitmap bytes, and (docID, tf) pairs in ascending
//     doc id order
//
// All integers are little-endian.

const (
	sparseIndexMagic   = "KSPX"
	sparseIndexVersion = uint32(1)
)

func writeString(w io.Writer, s string) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return 0, err
	}
	if _, err := w.Write([]byte(s)); err != nil {
		return 4, err
	}
	return 4 + int64(len(s)), nil
}

func readString(r io.Reader) (string, int64, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", 0, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", 4, err
	}
	return string(buf), 4 + int64(n), nil
}

// WriteTo serializes the index in the format described above.
func (ix *SparseIndex) WriteTo(w io.Writer) (int64, error) {
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

	if _, err := w.Write([]byte(sparseIndexMagic)); err != nil {
		return written, fmt.Errorf("write magic: %w", err)
	}
	written += 4

	if err := put(sparseIndexVersion); err != nil {
		return written, fmt.Errorf("write version: %w", err)
	}
	if err := putString(string(ix.scheme)); err != nil {
		return written, fmt.Errorf("write scheme: %w", err)
	}
	if err := putString(string(ix.tokenizerKind)); err != nil {
		return written, fmt.Errorf("write tokenizer kind: %w", err)
	}
	if err := putString(ix.corpusHash); err != nil {
		return written, fmt.Errorf("write corpus hash: %w", err)
	}
	if err := put(ix.numDocs); err != nil {
		return written, fmt.Errorf("write doc count: %w", err)
	}
	if err := put(ix.totalTokens); err != nil {
		return written, fmt.Errorf("write token count: %w", err)
	}
	if err := put(ix.docLengths); err != nil {
		return written, fmt.Errorf("write doc lengths: %w", err)
	}

	if err := put(uint32(len(ix.terms))); err != nil {
		return written, fmt.Errorf("write vocab size: %w", err)
	}
	for col, term := range ix.terms {
		if err := putString(term); err != nil {
			return written, fmt.Errorf("write term %d: %w", col, err)
		}

		bm := ix.postings[term]
		bmBytes, err := bm.ToBytes()
		if err != nil {
			return written, fmt.Errorf("serialize postings for term %d: %w", col, err)
		}
		if err := put(uint32(len(bmBytes))); err != nil {
			return written, fmt.Errorf("write postings size for term %d: %w", col, err)
		}
		if _, err := w.Write(bmBytes); err != nil {
			return written, fmt.Errorf("write postings for term %d: %w", col, err)
		}
		written += int64(len(bmBytes))

		tfMap := ix.tf[term]
		if err := put(uint32(len(tfMap))); err != nil {
			return written, fmt.Errorf("write tf count for term %d: %w", col, err)
		}
		for iter := bm.Iterator(); iter.HasNext(); {
			id := iter.Next()
			if err := put(id); err != nil {
				return written, fmt.Errorf("write tf doc id for term %d: %w", col, err)
			}
			if err := put(uint32(tfMap[id])); err != nil {
				return written, fmt.Errorf("write tf value for term %d: %w", col, err)
			}
		}
	}

	return written, nil
}

// ReadSparseIndex deserializes an index written by WriteTo. Structural
// problems (bad magic, unsupported version, truncated data) are reported
// as ErrCacheCorruption.
func ReadSparseIndex(r io.Reader) (*SparseIndex, error) {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: sparse index: %s", ErrCacheCorruption, fmt.Sprintf(format, args...))
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, corrupt("read magic: %v", err)
	}
	if string(magic) != sparseIndexMagic {
		return nil, corrupt("invalid magic %q", magic)
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, corrupt("read version: %v", err)
	}
	if version != sparseIndexVersion {
		return nil, corrupt("unsupported version %d", version)
	}

	scheme, _, err := readString(r)
	if err != nil {
		return nil, corrupt("read scheme: %v", err)
	}
	tokKind, _, err := readString(r)
	if err != nil {
		return nil, corrupt("read tokenizer kind: %v", err)
	}
	corpusHash, _, err := readString(r)
	if err != nil {
		return nil, corrupt("read corpus hash: %v", err)
	}
	if !SchemeKind(scheme).valid() {
		return nil, corrupt("unknown scheme %q", scheme)
	}

	ix := &SparseIndex{
		scheme:        SchemeKind(scheme),
		tokenizerKind: TokenizerKind(tokKind),
		corpusHash:    corpusHash,
		vocabulary:    make(map[string]int),
		postings:      make(map[string]*roaring.Bitmap),
		tf:            make(map[string]map[uint32]int),
	}

	if err := binary.Read(r, binary.LittleEndian, &ix.numDocs); err != nil {
		return nil, corrupt("read doc count: %v", err)
	}
	if ix.numDocs == 0 {
		return nil, corrupt("zero documents")
	}
	if err := binary.Read(r, binary.LittleEndian, &ix.totalTokens); err != nil {
		return nil, corrupt("read token count: %v", err)
	}
	ix.docLengths = make([]uint32, ix.numDocs)
	if err := binary.Read(r, binary.LittleEndian, ix.docLengths); err != nil {
		return nil, corrupt("read doc lengths: %v", err)
	}
	ix.avgDocLen = float64(ix.totalTokens) / float64(ix.numDocs)

	var vocabSize uint32
	if err := binary.Read(r, binary.LittleEndian, &vocabSize); err != nil {
		return nil, corrupt("read vocab size: %v", err)
	}
	ix.terms = make([]string, 0, vocabSize)

	for col := uint32(0); col < vocabSize; col++ {
		term, _, err := readString(r)
		if err != nil {
			return nil, corrupt("read term %d: %v", col, err)
		}
		ix.vocabulary[term] = int(col)
		ix.terms = append(ix.terms, term)

		var bmSize uint32
		if err := binary.Read(r, binary.LittleEndian, &bmSize); err != nil {
			return nil, corrupt("read postings size for term %d: %v", col, err)
		}
		bmBytes := make([]byte, bmSize)
		if _, err := io.ReadFull(r, bmBytes); err != nil {
			return nil, corrupt("read postings for term %d: %v", col, err)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(bmBytes); err != nil {
			return nil, corrupt("decode postings for term %d: %v", col, err)
		}
		ix.postings[term] = bm

		var pairCount uint32
		if err := binary.Read(r, binary.LittleEndian, &pairCount); err != nil {
			return nil, corrupt("read tf count for term %d: %v", col, err)
		}
		tfMap := make(map[uint32]int, pairCount)
		for p := uint32(0); p < pairCount; p++ {
			var id, tf uint32
			if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
				return nil, corrupt("read tf doc id for term %d: %v", col, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &tf); err != nil {
				return nil, corrupt("read tf value for term %d: %v", col, err)
			}
			if int(id) >= int(ix.numDocs) {
				return nil, corrupt("posting doc id %d out of range for term %d", id, col)
			}
			tfMap[id] = int(tf)
		}
		ix.tf[term] = tfMap
	}

	return ix, nil
}

// Validate checks the artifact's self-description against what the
// caller expects. Any mismatch is ErrCacheCorruption: the artifact was
// built for a different corpus or scheme and must not be used.
func (ix *SparseIndex) Validate(corpusHash string, scheme SchemeKind) error {
	if ix.corpusHash != corpusHash {
		return fmt.Errorf("%w: corpus hash mismatch: artifact %.12s, want %.12s", ErrCacheCorruption, ix.corpusHash, corpusHash)
	}
	if ix.scheme != scheme {
		return fmt.Errorf("%w: scheme mismatch: artifact %q, want %q", ErrCacheCorruption, ix.scheme, scheme)
	}
	return nil
}
