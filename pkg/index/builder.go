package index

import (
	"bytes"
	"sort"
)

type bucketKey struct {
	code  uint64
	width int
}

type pending struct {
	digest []byte
	offset uint64
	length uint64
	seq    int
}

// Builder collects entries and produces an Index. When the same digest is
// added twice under one code, the first entry added wins.
type Builder struct {
	codec   Codec
	buckets map[bucketKey][]pending
	seq     int
}

// NewBuilder returns a builder for the given codec. CodecSorted drops the
// multihash code from every entry.
func NewBuilder(codec Codec) *Builder {
	return &Builder{codec: codec, buckets: make(map[bucketKey][]pending)}
}

// Add records one section. Digest is copied.
func (b *Builder) Add(code uint64, digest []byte, offset, length uint64) {
	if b.codec == CodecSorted {
		code = 0
	}
	k := bucketKey{code: code, width: len(digest)}
	b.buckets[k] = append(b.buckets[k], pending{
		digest: bytes.Clone(digest),
		offset: offset,
		length: length,
		seq:    b.seq,
	})
	b.seq++
}

// Build sorts the collected entries into an Index. The builder can be
// reused afterwards.
func (b *Builder) Build() *Index {
	keys := make([]bucketKey, 0, len(b.buckets))
	for k := range b.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].code != keys[j].code {
			return keys[i].code < keys[j].code
		}
		return keys[i].width < keys[j].width
	})

	ix := &Index{codec: b.codec}
	for _, k := range keys {
		ps := b.buckets[k]
		sort.SliceStable(ps, func(i, j int) bool {
			return bytes.Compare(ps[i].digest, ps[j].digest) < 0
		})

		bk := &bucket{
			code:    k.code,
			anyCode: b.codec == CodecSorted,
			width:   k.width,
			digests: make([]byte, 0, len(ps)*k.width),
			offsets: make([]uint64, 0, len(ps)),
			lengths: make([]uint64, 0, len(ps)),
		}
		for i, p := range ps {
			if i > 0 && bytes.Equal(ps[i-1].digest, p.digest) {
				continue
			}
			bk.digests = append(bk.digests, p.digest...)
			bk.offsets = append(bk.offsets, p.offset)
			bk.lengths = append(bk.lengths, p.length)
		}
		ix.buckets = append(ix.buckets, bk)
		ix.count += bk.len()
	}

	b.buckets = make(map[bucketKey][]pending)
	b.seq = 0
	return ix
}
