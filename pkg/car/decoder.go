package car

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
)

// Event is a unit produced by Decoder.Next: Need, Header, Section or End.
type Event interface {
	isEvent()
}

// Need asks the caller to Feed bytes starting at Offset. Hint is the number
// of bytes that would let the decoder make progress; feeding more is fine.
type Need struct {
	Offset uint64
	Hint   int
}

// End reports that the stream ended cleanly on a frame boundary.
type End struct {
	Offset uint64
}

func (Need) isEvent()    {}
func (Header) isEvent()  {}
func (Section) isEvent() {}
func (End) isEvent()     {}

// Options tunes a Decoder.
type Options struct {
	// Base is the stream offset of the first header byte. Offsets passed to
	// Feed and reported in events are absolute.
	Base uint64
	// Limit is the length of the v1 stream starting at Base. Zero means
	// unknown; the caller then signals the end with Finish.
	Limit uint64

	MaxSectionSize uint64
	MaxHeaderSize  uint64
}

// Decoder parses a v1 stream without doing any I/O. The caller feeds bytes
// with Feed and pulls events with Next; Need events say where to read.
type Decoder struct {
	opts Options

	buf   []byte
	start uint64 // stream offset of buf[0]
	pos   uint64 // stream offset of the next frame

	end    uint64
	hasEnd bool

	header *Header
	err    error
}

// NewDecoder returns a decoder positioned at opts.Base.
func NewDecoder(opts Options) *Decoder {
	if opts.MaxSectionSize == 0 {
		opts.MaxSectionSize = DefaultMaxSectionSize
	}
	if opts.MaxHeaderSize == 0 {
		opts.MaxHeaderSize = DefaultMaxHeaderSize
	}
	d := &Decoder{opts: opts, start: opts.Base, pos: opts.Base}
	if opts.Limit > 0 {
		d.end, d.hasEnd = opts.Base+opts.Limit, true
	}
	return d
}

// Feed hands the decoder bytes read at stream offset off. Bytes that extend
// the buffered window are appended; any other offset replaces the window.
func (d *Decoder) Feed(off uint64, p []byte) {
	if d.hasEnd {
		if off >= d.end {
			return
		}
		if rem := d.end - off; uint64(len(p)) > rem {
			p = p[:rem]
		}
	}
	if off == d.start+uint64(len(d.buf)) {
		d.buf = append(d.buf, p...)
		return
	}
	d.buf = append(d.buf[:0], p...)
	d.start = off
}

// Finish declares that the stream ends after the bytes fed so far.
func (d *Decoder) Finish() {
	if !d.hasEnd {
		d.end, d.hasEnd = d.start+uint64(len(d.buf)), true
	}
}

// Header returns the parsed header, or nil before it has been produced.
func (d *Decoder) Header() *Header {
	return d.header
}

// Offset returns the stream offset of the next frame.
func (d *Decoder) Offset() uint64 {
	return d.pos
}

// Next returns the next event. Format faults are sticky.
func (d *Decoder) Next() (Event, error) {
	if d.err != nil {
		return nil, d.err
	}
	ev, err := d.next()
	if err != nil {
		d.err = err
	}
	return ev, err
}

func (d *Decoder) next() (Event, error) {
	maxLen := d.opts.MaxSectionSize
	if d.header == nil {
		maxLen = d.opts.MaxHeaderSize
	}

	if d.hasEnd && d.pos == d.end {
		if d.header == nil {
			return nil, fmt.Errorf("%w: stream has no header", core.ErrTruncated)
		}
		return End{Offset: d.pos}, nil
	}

	// The next frame must be inside the buffered window.
	bufEnd := d.start + uint64(len(d.buf))
	if d.pos < d.start || d.pos > bufEnd {
		return Need{Offset: d.pos, Hint: MaxHeadSize}, nil
	}
	avail := d.buf[d.pos-d.start:]

	length, n, ok, err := readPrefix(avail)
	if err != nil {
		return nil, err
	}
	if !ok {
		if d.hasEnd && bufEnd == d.end {
			return nil, fmt.Errorf("%w: inside length prefix at %d", core.ErrTruncated, d.pos)
		}
		return Need{Offset: bufEnd, Hint: MaxHeadSize}, nil
	}
	if length == 0 || length > maxLen {
		return nil, fmt.Errorf("%w: frame length %d at %d", core.ErrFormat, length, d.pos)
	}
	frameLen := uint64(n) + length
	if d.hasEnd && d.pos+frameLen > d.end {
		return nil, fmt.Errorf("%w: frame at %d overruns the stream by %d bytes",
			core.ErrTruncated, d.pos, d.pos+frameLen-d.end)
	}
	if uint64(len(avail)) < frameLen {
		return Need{Offset: bufEnd, Hint: int(frameLen - uint64(len(avail)))}, nil
	}

	ev, err := d.frame(avail[n:frameLen], d.pos, frameLen)
	if err != nil {
		return nil, err
	}
	// ev owns its bytes, so the window may now be compacted.
	d.advance(frameLen)
	return ev, nil
}

func (d *Decoder) frame(body []byte, at, frameLen uint64) (Event, error) {
	if d.header == nil {
		h, err := DecodeHeader(body)
		if err != nil {
			return nil, err
		}
		d.header = &h
		return h, nil
	}

	cn, err := cidutil.PrefixLen(body)
	if err != nil {
		if errors.Is(err, core.ErrShortBuffer) {
			return nil, fmt.Errorf("%w: section at %d is shorter than its CID", core.ErrFormat, at)
		}
		return nil, fmt.Errorf("section at %d: %w", at, err)
	}
	return Section{
		CID:    core.CID{Bytes: bytes.Clone(body[:cn])},
		Data:   bytes.Clone(body[cn:]),
		Offset: at,
		Length: frameLen,
	}, nil
}

func (d *Decoder) advance(n uint64) {
	d.pos += n
	consumed := d.pos - d.start
	if consumed >= uint64(len(d.buf)) {
		d.buf = d.buf[:0]
		d.start = d.pos
		return
	}
	// Keep the window small without reallocating on every frame.
	if consumed > uint64(cap(d.buf)/2) {
		d.buf = append(d.buf[:0], d.buf[consumed:]...)
		d.start = d.pos
	}
}
