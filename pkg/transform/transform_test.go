package transform

import (
	"bytes"
	"errors"
	"testing"

	"github.com/agenthands/blockserve/internal/testkit"
	"github.com/agenthands/blockserve/pkg/core"
)

func TestTransformNone(t *testing.T) {
	tr := NewNone()

	if tr.Name() != "none" {
		t.Errorf("expected none, got %s", tr.Name())
	}

	data := []byte("hello world")
	encoded, err := tr.Encode(data)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if !bytes.Equal(encoded[HeaderSize:], data) || encoded[5] != 0 {
		t.Error("none transform should wrap data unchanged")
	}

	decoded, err := tr.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !bytes.Equal(decoded, data) {
		t.Error("none transform should not change data")
	}
}

func TestTransformZstd(t *testing.T) {
	tr := NewZstd(3, 64, 0)

	if tr.Name() != "zstd" {
		t.Errorf("expected zstd, got %s", tr.Name())
	}

	t.Run("Roundtrip", func(t *testing.T) {
		r := testkit.RNG(1)
		data := testkit.CompressibleBytes(r, 1024*1024)

		encoded, err := tr.Encode(data)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		if len(encoded) >= len(data) {
			t.Errorf("expected zstd to compress data, %d >= %d", len(encoded), len(data))
		}
		if encoded[5]&FlagCompressed == 0 {
			t.Error("compressed flag not set")
		}

		decoded, err := tr.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		if !bytes.Equal(decoded, data) {
			t.Error("zstd transform corrupted data on roundtrip")
		}
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		data := []byte("tiny")

		encoded, err := tr.Encode(data)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if encoded[5] != 0 || !bytes.Equal(encoded[HeaderSize:], data) {
			t.Error("small body should be sent uncompressed")
		}

		decoded, err := tr.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		if !bytes.Equal(decoded, data) {
			t.Error("zstd transform corrupted small data")
		}
	})

	t.Run("Incompressible", func(t *testing.T) {
		data := testkit.RandomBytes(testkit.RNG(2), 4096)
		encoded, _ := tr.Encode(data)
		if encoded[5] != 0 {
			t.Error("incompressible body should be sent uncompressed")
		}
	})

	t.Run("Corruption", func(t *testing.T) {
		data := bytes.Repeat([]byte("hello world this is a test payload "), 10)
		encoded, _ := tr.Encode(data)

		cases := map[string]func([]byte) []byte{
			"Truncated": func(b []byte) []byte { return b[:6] },
			"Magic":     func(b []byte) []byte { b[0] = 'X'; return b },
			"Version":   func(b []byte) []byte { b[4] = 99; return b },
			"Flags":     func(b []byte) []byte { b[5] |= 0x80; return b },
			"Alg":       func(b []byte) []byte { b[6] = 99; return b },
			"Payload":   func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b },
		}
		for name, mutate := range cases {
			_, err := tr.Decode(mutate(append([]byte(nil), encoded...)))
			if !errors.Is(err, core.ErrFormat) {
				t.Errorf("%s: expected ErrFormat, got %v", name, err)
			}
		}
	})
}

func TestDecodeAcceptsEitherForm(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 1000)
	plain, _ := NewNone().Encode(data)
	packed, _ := NewZstd(1, 0, 0).Encode(data)

	for _, tr := range []Transform{NewNone(), NewZstd(3, 0, 0)} {
		for _, in := range [][]byte{plain, packed} {
			out, err := tr.Decode(in)
			if err != nil || !bytes.Equal(out, data) {
				t.Errorf("%s: decode failed: %v", tr.Name(), err)
			}
		}
	}
}

func TestDecodeSizeLimit(t *testing.T) {
	data := make([]byte, 1<<20)
	packed, _ := NewZstd(1, 0, 0).Encode(data)
	plain, _ := NewNone().Encode(data)

	tr := NewZstd(1, 0, 4096)
	if _, err := tr.Decode(packed); err == nil {
		t.Error("expected inflating past the limit to fail")
	}
	if _, err := tr.Decode(plain); !errors.Is(err, core.ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	tr := NewZstd(3, 0, 0)

	encoded, err := tr.Encode(nil)
	if err != nil {
		t.Fatalf("Encode nil failed: %v", err)
	}

	decoded, err := tr.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode empty failed: %v", err)
	}

	if len(decoded) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(decoded))
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "none", "zstd"} {
		if _, err := New(name, 3, 0, 0); err != nil {
			t.Errorf("New(%q): %v", name, err)
		}
	}
	if _, err := New("lz4", 3, 0, 0); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
