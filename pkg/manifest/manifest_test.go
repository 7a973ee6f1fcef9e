package manifest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

func chunkLink(t testing.TB, data string) Link {
	t.Helper()
	c, err := cidutil.Sum(cid.Raw, []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	return Link(c)
}

func TestManifestCodec(t *testing.T) {
	codec := NewCodec(Limits{MaxChunks: 4, MaxNameLen: 16})

	t.Run("RoundTrip", func(t *testing.T) {
		m := &Manifest{
			Version: Version,
			Name:    "notes.txt",
			Length:  1234,
			Chunks: []ChunkRef{
				{CID: chunkLink(t, "a"), Len: 1000},
				{CID: chunkLink(t, "b"), Len: 234},
			},
		}

		encoded, err := codec.Encode(m)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		decoded, err := codec.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		if decoded.Name != m.Name || decoded.Length != m.Length {
			t.Errorf("decoded manifest doesn't match original: %+v", decoded)
		}
		if len(decoded.Chunks) != 2 || !bytes.Equal(decoded.Chunks[1].CID.Bytes, m.Chunks[1].CID.Bytes) {
			t.Errorf("chunks not preserved: %+v", decoded.Chunks)
		}

		again, err := codec.Encode(decoded)
		if err != nil || !bytes.Equal(again, encoded) {
			t.Error("encoding is not deterministic")
		}
	})

	t.Run("LinksAreTagged", func(t *testing.T) {
		m := &Manifest{Version: Version, Length: 1, Chunks: []ChunkRef{{CID: chunkLink(t, "x"), Len: 1}}}
		encoded, err := codec.Encode(m)
		if err != nil {
			t.Fatal(err)
		}
		// 0xd8 0x2a is tag(42).
		if !bytes.Contains(encoded, []byte{0xd8, 0x2a}) {
			t.Errorf("expected a tag 42 link in %x", encoded)
		}
	})

	t.Run("EmptyFile", func(t *testing.T) {
		if _, err := codec.Encode(&Manifest{Version: Version, Name: "empty"}); err != nil {
			t.Errorf("expected empty manifest to encode, got %v", err)
		}
	})

	tests := []struct {
		name string
		m    *Manifest
	}{
		{"UnsupportedVersion", &Manifest{Version: 2}},
		{"LengthMismatch", &Manifest{Version: Version, Length: 1000, Chunks: []ChunkRef{{CID: chunkLink(t, "a"), Len: 500}}}},
		{"ZeroLengthChunk", &Manifest{Version: Version, Chunks: []ChunkRef{{CID: chunkLink(t, "a")}}}},
		{"BadCID", &Manifest{Version: Version, Length: 1, Chunks: []ChunkRef{{CID: Link{Bytes: []byte("nope")}, Len: 1}}}},
		{"NameTooLong", &Manifest{Version: Version, Name: strings.Repeat("n", 17)}},
		{"TooManyChunks", &Manifest{Version: Version, Length: 5, Chunks: []ChunkRef{
			{CID: chunkLink(t, "1"), Len: 1}, {CID: chunkLink(t, "2"), Len: 1}, {CID: chunkLink(t, "3"), Len: 1},
			{CID: chunkLink(t, "4"), Len: 1}, {CID: chunkLink(t, "5"), Len: 1},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Encode(tt.m); !errors.Is(err, core.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	t.Run("DecodeStrict", func(t *testing.T) {
		if _, err := codec.Decode([]byte{0xff, 0xff, 0xff, 0x00}); !errors.Is(err, core.ErrFormat) {
			t.Errorf("expected ErrFormat for garbage, got %v", err)
		}

		// Bypass validation on the way in.
		b, err := cbor.Marshal(&Manifest{Version: 99})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := codec.Decode(b); !errors.Is(err, core.ErrFormat) {
			t.Errorf("expected ErrFormat for unsupported version, got %v", err)
		}

		b, err = cbor.Marshal(map[string]any{"version": 1, "length": 0, "extra": true})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := codec.Decode(b); !errors.Is(err, core.ErrFormat) {
			t.Errorf("expected ErrFormat for unknown field, got %v", err)
		}
	})
}
