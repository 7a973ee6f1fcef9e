// Package index implements the sorted, digest-keyed index embedded in v2
// archives and the equivalent index built by scanning a v1 payload.
//
// An index is a list of buckets. Each bucket holds digests of one width
// (and, for code-qualified indexes, one multihash code) as a flat sorted
// byte array with parallel offset and length arrays. Lookup selects the
// bucket and binary-searches it.
package index

import (
	"bytes"
	"sort"

	"github.com/multiformats/go-multihash"
)

// Codec identifies the on-disk index encoding.
type Codec uint64

const (
	// CodecSorted keys entries by digest only.
	CodecSorted Codec = 0x0400
	// CodecMultihashSorted groups digest buckets by multihash code.
	CodecMultihashSorted Codec = 0x0401
)

func (c Codec) String() string {
	switch c {
	case CodecSorted:
		return "car-index-sorted"
	case CodecMultihashSorted:
		return "car-multihash-index-sorted"
	default:
		return "unknown"
	}
}

// Entry is one indexed section. Offset is relative to the start of the v1
// payload. Length is zero when the index came from disk and has not been
// resolved.
type Entry struct {
	Code   uint64
	Digest []byte
	Offset uint64
	Length uint64
}

type bucket struct {
	code    uint64
	anyCode bool
	width   int // digest width
	digests []byte
	offsets []uint64
	lengths []uint64
}

func (b *bucket) len() int {
	return len(b.offsets)
}

func (b *bucket) digest(i int) []byte {
	return b.digests[i*b.width : (i+1)*b.width]
}

// search returns the first position whose digest is >= d.
func (b *bucket) search(d []byte) int {
	return sort.Search(b.len(), func(i int) bool {
		return bytes.Compare(b.digest(i), d) >= 0
	})
}

func (b *bucket) entry(i int) Entry {
	e := Entry{
		Code:   b.code,
		Digest: b.digest(i),
		Offset: b.offsets[i],
	}
	if b.lengths != nil {
		e.Length = b.lengths[i]
	}
	return e
}

func (b *bucket) sorted() bool {
	for i := 1; i < b.len(); i++ {
		if bytes.Compare(b.digest(i-1), b.digest(i)) > 0 {
			return false
		}
	}
	return true
}

// Index is an immutable sorted index. Buckets are ordered by code, then
// width.
type Index struct {
	codec   Codec
	buckets []*bucket
	count   int
}

// Codec reports the encoding the index was read from or will be written as.
func (ix *Index) Codec() Codec {
	return ix.codec
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	return ix.count
}

// HasLengths reports whether every entry carries a section length.
func (ix *Index) HasLengths() bool {
	for _, b := range ix.buckets {
		if b.lengths == nil && b.len() > 0 {
			return false
		}
	}
	return true
}

// Lookup finds the entry for a multihash code and digest. A miss is
// reported with ok == false. Digest-only indexes match any code.
func (ix *Index) Lookup(code uint64, digest []byte) (Entry, bool) {
	for _, b := range ix.buckets {
		if b.width != len(digest) || (!b.anyCode && b.code != code) {
			continue
		}
		i := b.search(digest)
		if i < b.len() && bytes.Equal(b.digest(i), digest) {
			e := b.entry(i)
			e.Code = code
			return e, true
		}
	}
	return Entry{}, false
}

// LookupMultihash decodes mh and looks it up.
func (ix *Index) LookupMultihash(mh []byte) (Entry, bool) {
	dec, err := multihash.Decode(mh)
	if err != nil {
		return Entry{}, false
	}
	return ix.Lookup(dec.Code, dec.Digest)
}

// ForEach calls fn for every entry in bucket order, ascending by digest
// within a bucket. Digest slices alias the index.
func (ix *Index) ForEach(fn func(Entry) error) error {
	for _, b := range ix.buckets {
		for i := 0; i < b.len(); i++ {
			if err := fn(b.entry(i)); err != nil {
				return err
			}
		}
	}
	return nil
}
