package carv2

import (
	"github.com/agenthands/blockserve/pkg/car"
	"github.com/agenthands/blockserve/pkg/core"
)

// Options tunes a Reader.
type Options struct {
	// Size is the total length of the archive. Zero means unknown; the
	// caller then signals the end with Finish.
	Size uint64

	MaxSectionSize uint64
	MaxHeaderSize  uint64
}

// Reader decodes either archive version without doing I/O. It inspects the
// first bytes for the v2 pragma and then hands the v1 payload to a
// car.Decoder bounded to the payload region.
type Reader struct {
	opts Options

	head     []byte
	finished bool

	version int
	header  *Header
	inner   *car.Decoder
	err     error
}

// NewReader returns a reader expecting bytes from offset zero.
func NewReader(opts Options) *Reader {
	return &Reader{opts: opts}
}

// Feed hands the reader bytes read at offset off.
func (r *Reader) Feed(off uint64, p []byte) {
	if r.inner != nil {
		r.inner.Feed(off, p)
		return
	}
	have := uint64(len(r.head))
	if off > have || off+uint64(len(p)) <= have {
		return
	}
	r.head = append(r.head, p[have-off:]...)
}

// Finish declares that no bytes follow those fed so far.
func (r *Reader) Finish() {
	r.finished = true
	if r.inner != nil {
		r.inner.Finish()
	}
}

// Version returns 1 or 2 once detected, zero before.
func (r *Reader) Version() int {
	return r.version
}

// Header returns the container header of a v2 archive.
func (r *Reader) Header() *Header {
	return r.header
}

// DataHeader returns the header of the v1 payload once it has been read.
func (r *Reader) DataHeader() *car.Header {
	if r.inner == nil {
		return nil
	}
	return r.inner.Header()
}

// DataOffset returns the file offset of the v1 payload.
func (r *Reader) DataOffset() uint64 {
	if r.header != nil {
		return r.header.DataOffset
	}
	return 0
}

// Next returns the next event of the payload. Container faults are sticky.
func (r *Reader) Next() (car.Event, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.inner == nil {
		ev, err := r.detect()
		if err != nil {
			r.err = err
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
	return r.inner.Next()
}

func (r *Reader) atEnd() bool {
	return r.finished || (r.opts.Size > 0 && uint64(len(r.head)) >= r.opts.Size)
}

// detect returns a Need event until the version is known, then sets up the
// inner decoder and returns nil.
func (r *Reader) detect() (car.Event, error) {
	have := len(r.head)
	if have < PragmaSize && !r.atEnd() {
		return car.Need{Offset: uint64(have), Hint: DataStart - have}, nil
	}

	if !IsPragma(r.head) {
		r.version = 1
		r.inner = car.NewDecoder(car.Options{
			Limit:          r.opts.Size,
			MaxSectionSize: r.opts.MaxSectionSize,
			MaxHeaderSize:  r.opts.MaxHeaderSize,
		})
		r.inner.Feed(0, r.head)
		if r.finished {
			r.inner.Finish()
		}
		r.head = nil
		return nil, nil
	}

	r.version = 2
	if have < DataStart {
		if r.atEnd() {
			return nil, core.ErrTruncated
		}
		return car.Need{Offset: uint64(have), Hint: DataStart - have}, nil
	}
	h, err := DecodeHeader(r.head)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(r.opts.Size); err != nil {
		return nil, err
	}
	r.header = &h
	r.inner = car.NewDecoder(car.Options{
		Base:           h.DataOffset,
		Limit:          h.DataSize,
		MaxSectionSize: r.opts.MaxSectionSize,
		MaxHeaderSize:  r.opts.MaxHeaderSize,
	})
	if uint64(have) > h.DataOffset {
		r.inner.Feed(h.DataOffset, r.head[h.DataOffset:])
	}
	r.head = nil
	return nil, nil
}
