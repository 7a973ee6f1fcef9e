// Package carv2 reads and writes the v2 archive container: an 11-byte
// pragma, a 40-byte header, a v1 payload and an optional index section.
package carv2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/agenthands/blockserve/pkg/core"
)

// Pragma marks a v2 container. It is a v1 header frame declaring version 2.
var Pragma = []byte{0x0a, 0xa1, 0x67, 0x76, 0x65, 0x72, 0x73, 0x69, 0x6f, 0x6e, 0x02}

const (
	PragmaSize = 11
	HeaderSize = 40
	// DataStart is the first byte after the pragma and header.
	DataStart = PragmaSize + HeaderSize
)

// Characteristics is the 128-bit little-endian bit field at the start of
// the header.
type Characteristics struct {
	Lo, Hi uint64
}

const fullyIndexed = 1 << 0

// FullyIndexed reports bit 0: the index covers every section.
func (c Characteristics) FullyIndexed() bool {
	return c.Lo&fullyIndexed != 0
}

func (c *Characteristics) SetFullyIndexed(v bool) {
	if v {
		c.Lo |= fullyIndexed
	} else {
		c.Lo &^= fullyIndexed
	}
}

// Header is the fixed 40-byte v2 header.
type Header struct {
	Characteristics Characteristics
	DataOffset      uint64
	DataSize        uint64
	// IndexOffset is zero when the container has no index.
	IndexOffset uint64
}

// HasIndex reports whether an index section is present.
func (h Header) HasIndex() bool {
	return h.IndexOffset != 0
}

// AppendBinary appends the pragma followed by the header.
func (h Header) AppendBinary(dst []byte) []byte {
	dst = append(dst, Pragma...)
	dst = binary.LittleEndian.AppendUint64(dst, h.Characteristics.Lo)
	dst = binary.LittleEndian.AppendUint64(dst, h.Characteristics.Hi)
	dst = binary.LittleEndian.AppendUint64(dst, h.DataOffset)
	dst = binary.LittleEndian.AppendUint64(dst, h.DataSize)
	return binary.LittleEndian.AppendUint64(dst, h.IndexOffset)
}

// IsPragma reports whether p starts with the v2 pragma.
func IsPragma(p []byte) bool {
	return len(p) >= PragmaSize && bytes.Equal(p[:PragmaSize], Pragma)
}

// DecodeHeader parses the pragma and header from the first DataStart bytes
// of a container.
func DecodeHeader(p []byte) (Header, error) {
	if len(p) < DataStart {
		return Header{}, fmt.Errorf("%w: v2 header needs %d bytes, have %d", core.ErrTruncated, DataStart, len(p))
	}
	if !IsPragma(p) {
		return Header{}, fmt.Errorf("%w: missing v2 pragma", core.ErrFormat)
	}
	p = p[PragmaSize:DataStart]
	return Header{
		Characteristics: Characteristics{
			Lo: binary.LittleEndian.Uint64(p[0:8]),
			Hi: binary.LittleEndian.Uint64(p[8:16]),
		},
		DataOffset:  binary.LittleEndian.Uint64(p[16:24]),
		DataSize:    binary.LittleEndian.Uint64(p[24:32]),
		IndexOffset: binary.LittleEndian.Uint64(p[32:40]),
	}, nil
}

// Validate checks the payload region against the file size. A size of zero
// skips the upper bound check.
func (h Header) Validate(size uint64) error {
	if h.DataOffset < DataStart {
		return fmt.Errorf("%w: data offset %d overlaps the header", core.ErrFormat, h.DataOffset)
	}
	if h.DataSize == 0 {
		return fmt.Errorf("%w: empty payload", core.ErrFormat)
	}
	end := h.DataOffset + h.DataSize
	if end < h.DataOffset {
		return fmt.Errorf("%w: payload region overflows", core.ErrFormat)
	}
	if size > 0 && end > size {
		return fmt.Errorf("%w: payload ends at %d, file has %d bytes", core.ErrTruncated, end, size)
	}
	return nil
}

// ValidateIndex checks that the index section starts after the payload and
// inside the file.
func (h Header) ValidateIndex(size uint64) error {
	if !h.HasIndex() {
		return nil
	}
	if h.IndexOffset < h.DataOffset+h.DataSize {
		return fmt.Errorf("%w: index offset %d inside payload", core.ErrIndex, h.IndexOffset)
	}
	if size > 0 && h.IndexOffset >= size {
		return fmt.Errorf("%w: index offset %d past end of file %d", core.ErrIndex, h.IndexOffset, size)
	}
	return nil
}
