// Package transform wraps wire frames in a small envelope that records
// whether the body is compressed.
package transform

import (
	"fmt"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic   = "BSX1"
	Version = 1

	// HeaderSize is the envelope overhead: magic, version, flags, alg.
	HeaderSize = 7
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgNone = 0
	AlgZstd = 1
)

// DefaultMaxDecodedSize bounds the inflated size of one body.
const DefaultMaxDecodedSize = 64 << 20

// Transform encodes and decodes envelope-wrapped bodies. Decode accepts
// every envelope form regardless of how the local side encodes.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

type decoder struct {
	zstd *zstd.Decoder
	max  int
}

func newDecoder(maxDecoded int) *decoder {
	if maxDecoded <= 0 {
		maxDecoded = DefaultMaxDecodedSize
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxDecoded)))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd reader: %v", err))
	}
	return &decoder{zstd: dec, max: maxDecoded}
}

func envelope(flags, alg byte, body []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, Magic...)
	out = append(out, Version, flags, alg)
	return append(out, body...)
}

func (d *decoder) Decode(stored []byte) ([]byte, error) {
	if len(stored) < HeaderSize {
		return nil, fmt.Errorf("%w: frame too small for envelope", core.ErrFormat)
	}
	if string(stored[:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", core.ErrFormat)
	}
	if stored[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrFormat, stored[4])
	}

	flags := stored[5]
	alg := stored[6]
	payload := stored[HeaderSize:]

	if flags&^FlagCompressed != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", core.ErrFormat, flags)
	}
	if flags&FlagCompressed == 0 {
		if len(payload) > d.max {
			return nil, fmt.Errorf("%w: body of %d bytes", core.ErrTooLarge, len(payload))
		}
		return payload, nil
	}
	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrFormat, alg)
	}
	out, err := d.zstd.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFormat, err)
	}
	return out, nil
}

// None transform never compresses.
type noneTransform struct {
	*decoder
}

func NewNone() Transform {
	return &noneTransform{decoder: newDecoder(0)}
}

func (t *noneTransform) Name() string { return "none" }

func (t *noneTransform) Encode(plain []byte) ([]byte, error) {
	return envelope(0, AlgNone, plain), nil
}

// Zstd transform compresses bodies of at least threshold bytes when that
// makes them smaller.
type zstdTransform struct {
	*decoder
	encoder   *zstd.Encoder
	threshold int
}

func NewZstd(level, threshold, maxDecoded int) Transform {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd writer: %v", err))
	}
	return &zstdTransform{
		decoder:   newDecoder(maxDecoded),
		encoder:   enc,
		threshold: threshold,
	}
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	if len(plain) < t.threshold {
		return envelope(0, AlgNone, plain), nil
	}
	compressed := t.encoder.EncodeAll(plain, nil)
	if len(compressed) >= len(plain) {
		return envelope(0, AlgNone, plain), nil
	}
	return envelope(FlagCompressed, AlgZstd, compressed), nil
}

// New selects a transform by name.
func New(name string, level, threshold, maxDecoded int) (Transform, error) {
	switch name {
	case "zstd":
		return NewZstd(level, threshold, maxDecoded), nil
	case "none", "":
		return &noneTransform{decoder: newDecoder(maxDecoded)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported transform: %s", core.ErrInvalidInput, name)
	}
}
