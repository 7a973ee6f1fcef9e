package car

import (
	"fmt"
	"io"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/multiformats/go-varint"
)

// AppendHeader appends the header frame for h to dst.
func AppendHeader(dst []byte, h Header) ([]byte, error) {
	body, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	dst = append(dst, varint.ToUvarint(uint64(len(body)))...)
	return append(dst, body...), nil
}

// Encoder writes a v1 stream. Sections are written in call order; duplicates
// are kept.
type Encoder struct {
	w           io.Writer
	off         uint64
	wroteHeader bool
	scratch     []byte
}

// NewEncoder returns an encoder that writes to w, counting offsets from
// base.
func NewEncoder(w io.Writer, base uint64) *Encoder {
	return &Encoder{w: w, off: base}
}

// Offset returns the stream offset of the next byte to be written.
func (e *Encoder) Offset() uint64 {
	return e.off
}

// WriteHeader writes the header frame. It must be called exactly once,
// before any section.
func (e *Encoder) WriteHeader(h Header) error {
	if e.wroteHeader {
		return fmt.Errorf("%w: header already written", core.ErrInvalidInput)
	}
	buf, err := AppendHeader(e.scratch[:0], h)
	if err != nil {
		return err
	}
	if err := e.write(buf); err != nil {
		return err
	}
	e.wroteHeader = true
	return nil
}

// WriteSection writes one block frame and returns its offset and length.
func (e *Encoder) WriteSection(c core.CID, data []byte) (offset, length uint64, err error) {
	if !e.wroteHeader {
		return 0, 0, fmt.Errorf("%w: section written before header", core.ErrInvalidInput)
	}
	if n, err := cidutil.PrefixLen(c.Bytes); err != nil || n != len(c.Bytes) {
		return 0, 0, fmt.Errorf("%w: invalid CID", core.ErrInvalidInput)
	}
	offset = e.off
	e.scratch = AppendSection(e.scratch[:0], c, data)
	if err := e.write(e.scratch); err != nil {
		return 0, 0, err
	}
	return offset, uint64(len(e.scratch)), nil
}

func (e *Encoder) write(p []byte) error {
	n, err := e.w.Write(p)
	e.off += uint64(n)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}
