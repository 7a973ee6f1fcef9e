package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/multiformats/go-varint"
)

// offsetSize is the width of the little-endian offset stored after every
// digest on disk.
const offsetSize = 8

// Marshal encodes the index in its codec's on-disk form, starting with the
// codec varint. Lengths are not stored.
func (ix *Index) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := ix.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the on-disk form of the index to w.
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if _, err := cw.Write(varint.ToUvarint(uint64(ix.codec))); err != nil {
		return cw.n, err
	}

	switch ix.codec {
	case CodecSorted:
		if err := writeWidths(cw, ix.buckets); err != nil {
			return cw.n, err
		}
	case CodecMultihashSorted:
		groups := groupByCode(ix.buckets)
		if err := binary.Write(cw, binary.LittleEndian, int32(len(groups))); err != nil {
			return cw.n, err
		}
		for _, g := range groups {
			if err := binary.Write(cw, binary.LittleEndian, g[0].code); err != nil {
				return cw.n, err
			}
			if err := writeWidths(cw, g); err != nil {
				return cw.n, err
			}
		}
	default:
		return cw.n, fmt.Errorf("%w: cannot encode codec 0x%x", core.ErrInvalidInput, uint64(ix.codec))
	}
	return cw.n, nil
}

// groupByCode splits code-ordered buckets into runs sharing one code.
func groupByCode(bs []*bucket) [][]*bucket {
	var out [][]*bucket
	for _, b := range bs {
		if n := len(out); n > 0 && out[n-1][0].code == b.code {
			out[n-1] = append(out[n-1], b)
			continue
		}
		out = append(out, []*bucket{b})
	}
	return out
}

func writeWidths(w io.Writer, bs []*bucket) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(bs))); err != nil {
		return err
	}
	var off [offsetSize]byte
	for _, b := range bs {
		width := b.width + offsetSize
		if err := binary.Write(w, binary.LittleEndian, uint32(width)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, int64(b.len()*width)); err != nil {
			return err
		}
		for i := 0; i < b.len(); i++ {
			if _, err := w.Write(b.digest(i)); err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(off[:], b.offsets[i])
			if _, err := w.Write(off[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Unmarshal decodes an on-disk index section. Every structural problem is
// reported as core.ErrIndex.
func Unmarshal(data []byte) (*Index, error) {
	codec, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: codec tag: %v", core.ErrIndex, err)
	}
	r := &reader{buf: data[n:]}

	ix := &Index{codec: Codec(codec)}
	switch ix.codec {
	case CodecSorted:
		bs, err := r.widths(0, true)
		if err != nil {
			return nil, err
		}
		ix.buckets = bs
	case CodecMultihashSorted:
		count, err := r.count()
		if err != nil {
			return nil, err
		}
		var prev uint64
		for i := 0; i < count; i++ {
			code, err := r.u64()
			if err != nil {
				return nil, err
			}
			if i > 0 && code <= prev {
				return nil, fmt.Errorf("%w: multihash codes out of order", core.ErrIndex)
			}
			prev = code
			bs, err := r.widths(code, false)
			if err != nil {
				return nil, err
			}
			ix.buckets = append(ix.buckets, bs...)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported codec 0x%x", core.ErrIndex, codec)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", core.ErrIndex, len(r.buf))
	}
	for _, b := range ix.buckets {
		ix.count += b.len()
	}
	return ix, nil
}

type reader struct {
	buf []byte
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf) {
		return nil, fmt.Errorf("%w: section truncated", core.ErrIndex)
	}
	p := r.buf[:n]
	r.buf = r.buf[n:]
	return p, nil
}

func (r *reader) u64() (uint64, error) {
	p, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (r *reader) count() (int, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	c := int32(binary.LittleEndian.Uint32(p))
	if c < 0 {
		return 0, fmt.Errorf("%w: negative bucket count", core.ErrIndex)
	}
	return int(c), nil
}

func (r *reader) widths(code uint64, anyCode bool) ([]*bucket, error) {
	count, err := r.count()
	if err != nil {
		return nil, err
	}
	var out []*bucket
	prevWidth := -1
	for i := 0; i < count; i++ {
		p, err := r.take(4)
		if err != nil {
			return nil, err
		}
		width := int(binary.LittleEndian.Uint32(p))
		if width < offsetSize || width-offsetSize > core.MaxDigestSize {
			return nil, fmt.Errorf("%w: bucket width %d", core.ErrIndex, width)
		}
		if width <= prevWidth {
			return nil, fmt.Errorf("%w: buckets out of order", core.ErrIndex)
		}
		prevWidth = width

		size, err := r.u64()
		if err != nil {
			return nil, err
		}
		if size > math.MaxInt64 || size%uint64(width) != 0 {
			return nil, fmt.Errorf("%w: bucket size %d is not a multiple of width %d", core.ErrIndex, size, width)
		}
		raw, err := r.take(int(min(size, uint64(len(r.buf)+1))))
		if err != nil {
			return nil, err
		}

		entries := len(raw) / width
		b := &bucket{
			code:    code,
			anyCode: anyCode,
			width:   width - offsetSize,
			digests: make([]byte, 0, entries*(width-offsetSize)),
			offsets: make([]uint64, 0, entries),
		}
		for j := 0; j < entries; j++ {
			e := raw[j*width : (j+1)*width]
			b.digests = append(b.digests, e[:width-offsetSize]...)
			b.offsets = append(b.offsets, binary.LittleEndian.Uint64(e[width-offsetSize:]))
		}
		if !b.sorted() {
			return nil, fmt.Errorf("%w: bucket of width %d is not sorted", core.ErrIndex, b.width)
		}
		out = append(out, b)
	}
	return out, nil
}

// Validate checks that every offset lies inside a payload of dataSize
// bytes.
func (ix *Index) Validate(dataSize uint64) error {
	for _, b := range ix.buckets {
		for i, off := range b.offsets {
			if off >= dataSize {
				return fmt.Errorf("%w: entry %x points at %d, past payload end %d",
					core.ErrIndex, b.digest(i), off, dataSize)
			}
		}
	}
	return nil
}
