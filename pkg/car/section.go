package car

import (
	"errors"
	"fmt"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/multiformats/go-varint"
)

const (
	DefaultMaxSectionSize = 32 << 20
	DefaultMaxHeaderSize  = 32 << 20

	// MaxHeadSize bounds the bytes needed to parse a section head: the
	// length prefix plus the largest CID accepted.
	MaxHeadSize = 4*varint.MaxLenUvarint63 + 1 + core.MaxDigestSize
)

// Section is one block frame of a v1 stream.
type Section struct {
	CID  core.CID
	Data []byte
	// Offset is the stream offset of the frame's length prefix.
	Offset uint64
	// Length covers the length prefix, the CID and the payload.
	Length uint64
}

// SectionHead is the part of a frame that precedes the payload.
type SectionHead struct {
	CID core.CID
	// PrefixLen is the size of the length varint.
	PrefixLen int
	// Length covers the whole frame including the length prefix.
	Length uint64
}

// DataOffset returns the frame-relative offset of the payload.
func (h SectionHead) DataOffset() int {
	return h.PrefixLen + len(h.CID.Bytes)
}

// readPrefix decodes a frame length prefix. ok is false when buf ends inside
// the varint.
func readPrefix(buf []byte) (length uint64, n int, ok bool, err error) {
	length, n, err = varint.FromUvarint(buf)
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("%w: frame length: %v", core.ErrFormat, err)
	}
	return length, n, true, nil
}

// DecodeSectionHead parses the length prefix and CID at the start of buf. It
// returns core.ErrShortBuffer when buf does not hold the whole head.
func DecodeSectionHead(buf []byte, maxSection uint64) (SectionHead, error) {
	if maxSection == 0 {
		maxSection = DefaultMaxSectionSize
	}
	length, n, ok, err := readPrefix(buf)
	if err != nil {
		return SectionHead{}, err
	}
	if !ok {
		return SectionHead{}, core.ErrShortBuffer
	}
	if length == 0 || length > maxSection {
		return SectionHead{}, fmt.Errorf("%w: section length %d", core.ErrFormat, length)
	}
	body := buf[n:]
	if uint64(len(body)) > length {
		body = body[:length]
	}
	c, _, err := cidutil.Decode(body)
	if err != nil {
		if errors.Is(err, core.ErrShortBuffer) && uint64(len(body)) == length {
			return SectionHead{}, fmt.Errorf("%w: section shorter than its CID", core.ErrFormat)
		}
		return SectionHead{}, err
	}
	return SectionHead{CID: c, PrefixLen: n, Length: uint64(n) + length}, nil
}

// ParseSection splits one complete frame into its CID and payload. The frame
// must be exactly one section long. The payload aliases frame.
func ParseSection(frame []byte) (core.CID, []byte, error) {
	head, err := DecodeSectionHead(frame, uint64(len(frame)))
	if err != nil {
		if errors.Is(err, core.ErrShortBuffer) {
			return core.CID{}, nil, fmt.Errorf("%w: section", core.ErrTruncated)
		}
		return core.CID{}, nil, err
	}
	if head.Length != uint64(len(frame)) {
		return core.CID{}, nil, fmt.Errorf("%w: section declares %d bytes, have %d", core.ErrFormat, head.Length, len(frame))
	}
	return head.CID, frame[head.DataOffset():], nil
}

// SectionLen returns the encoded size of a section holding c and data.
func SectionLen(c core.CID, data []byte) uint64 {
	body := uint64(len(c.Bytes) + len(data))
	return uint64(varint.UvarintSize(body)) + body
}

// AppendSection appends the frame for c and data to dst.
func AppendSection(dst []byte, c core.CID, data []byte) []byte {
	body := uint64(len(c.Bytes) + len(data))
	dst = append(dst, varint.ToUvarint(body)...)
	dst = append(dst, c.Bytes...)
	return append(dst, data...)
}
