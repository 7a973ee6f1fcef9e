package carv2

import (
	"fmt"
	"io"

	"github.com/agenthands/blockserve/pkg/car"
	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/index"
)

type writerOptions struct {
	codec     index.Codec
	skipIndex bool
}

// WriterOption configures a Writer.
type WriterOption func(*writerOptions)

// WithIndexCodec selects the encoding of the embedded index.
func WithIndexCodec(c index.Codec) WriterOption {
	return func(o *writerOptions) { o.codec = c }
}

// WithoutIndex produces a container with no index section.
func WithoutIndex() WriterOption {
	return func(o *writerOptions) { o.skipIndex = true }
}

// Writer produces a v2 container. Sections are written straight after the
// header region; Finalize appends the index and then fills in the header.
type Writer struct {
	w       io.WriterAt
	enc     *car.Encoder
	builder *index.Builder
	opts    writerOptions
	done    bool
}

// NewWriter writes the payload header for roots and returns a writer ready
// for sections.
func NewWriter(w io.WriterAt, roots []core.CID, opts ...WriterOption) (*Writer, error) {
	o := writerOptions{codec: index.CodecMultihashSorted}
	for _, opt := range opts {
		opt(&o)
	}

	enc := car.NewEncoder(io.NewOffsetWriter(w, DataStart), DataStart)
	if err := enc.WriteHeader(car.Header{Version: 1, Roots: roots}); err != nil {
		return nil, err
	}
	return &Writer{
		w:       w,
		enc:     enc,
		builder: index.NewBuilder(o.codec),
		opts:    o,
	}, nil
}

// Put appends one section and returns its file offset and length.
func (w *Writer) Put(c core.CID, data []byte) (offset, length uint64, err error) {
	if w.done {
		return 0, 0, fmt.Errorf("%w: writer finalized", core.ErrClosed)
	}
	code, digest, err := cidutil.Digest(c)
	if err != nil {
		return 0, 0, err
	}
	offset, length, err = w.enc.WriteSection(c, data)
	if err != nil {
		return 0, 0, err
	}
	w.builder.Add(code, digest, offset-DataStart, length)
	return offset, length, nil
}

// Size returns the number of bytes written so far, excluding the index.
func (w *Writer) Size() uint64 {
	return w.enc.Offset()
}

// Finalize writes the index and the container header. The writer cannot be
// used afterwards.
func (w *Writer) Finalize() (Header, error) {
	if w.done {
		return Header{}, fmt.Errorf("%w: writer finalized", core.ErrClosed)
	}
	w.done = true

	h := Header{
		DataOffset: DataStart,
		DataSize:   w.enc.Offset() - DataStart,
	}
	if !w.opts.skipIndex {
		h.IndexOffset = w.enc.Offset()
		ix := w.builder.Build()
		if _, err := ix.WriteTo(io.NewOffsetWriter(w.w, int64(h.IndexOffset))); err != nil {
			return Header{}, fmt.Errorf("failed to write index: %w", err)
		}
		h.Characteristics.SetFullyIndexed(true)
	}
	if _, err := w.w.WriteAt(h.AppendBinary(nil), 0); err != nil {
		return Header{}, fmt.Errorf("failed to write header: %w", err)
	}
	return h, nil
}
