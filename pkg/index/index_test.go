package index_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/agenthands/blockserve/internal/testkit"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/index"
)

const sha256Code = 0x12

func digestOf(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func TestBuilderLookup(t *testing.T) {
	b := index.NewBuilder(index.CodecMultihashSorted)
	for i := 0; i < 100; i++ {
		b.Add(sha256Code, digestOf(fmt.Sprint(i)), uint64(i*100), 90)
	}
	// Identity hashes land in their own bucket.
	b.Add(0x00, []byte("tiny"), 10_000, 12)
	ix := b.Build()

	if ix.Len() != 101 {
		t.Fatalf("expected 101 entries, got %d", ix.Len())
	}

	t.Run("Hits", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			e, ok := ix.Lookup(sha256Code, digestOf(fmt.Sprint(i)))
			if !ok {
				t.Fatalf("entry %d missing", i)
			}
			if e.Offset != uint64(i*100) || e.Length != 90 {
				t.Fatalf("entry %d: got offset=%d length=%d", i, e.Offset, e.Length)
			}
		}
		if e, ok := ix.Lookup(0x00, []byte("tiny")); !ok || e.Offset != 10_000 {
			t.Fatalf("identity entry: %+v %v", e, ok)
		}
	})

	t.Run("Misses", func(t *testing.T) {
		if _, ok := ix.Lookup(sha256Code, digestOf("absent")); ok {
			t.Fatal("unexpected hit for absent digest")
		}
		// Right digest, wrong code.
		if _, ok := ix.Lookup(0x13, digestOf("1")); ok {
			t.Fatal("code-qualified index matched a different code")
		}
		if _, ok := ix.Lookup(sha256Code, digestOf("1")[:16]); ok {
			t.Fatal("matched a truncated digest")
		}
	})

	t.Run("Sorted", func(t *testing.T) {
		var prev []byte
		err := ix.ForEach(func(e index.Entry) error {
			if e.Code == sha256Code && prev != nil && bytes.Compare(prev, e.Digest) > 0 {
				return errors.New("entries out of order")
			}
			if e.Code == sha256Code {
				prev = append(prev[:0], e.Digest...)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}

func TestBuilderFirstWins(t *testing.T) {
	b := index.NewBuilder(index.CodecMultihashSorted)
	d := digestOf("dup")
	b.Add(sha256Code, d, 300, 10)
	b.Add(sha256Code, digestOf("other"), 200, 10)
	b.Add(sha256Code, d, 100, 10)
	ix := b.Build()

	if ix.Len() != 2 {
		t.Fatalf("expected duplicates to collapse, got %d entries", ix.Len())
	}
	e, ok := ix.Lookup(sha256Code, d)
	if !ok || e.Offset != 300 {
		t.Fatalf("expected first added entry at 300, got %+v", e)
	}
}

func TestSortedMatchesAnyCode(t *testing.T) {
	b := index.NewBuilder(index.CodecSorted)
	b.Add(sha256Code, digestOf("a"), 7, 1)
	ix := b.Build()

	for _, code := range []uint64{sha256Code, 0x13, 0xb220} {
		e, ok := ix.Lookup(code, digestOf("a"))
		if !ok || e.Offset != 7 {
			t.Fatalf("code 0x%x: expected hit", code)
		}
		if e.Code != code {
			t.Fatalf("expected reported code 0x%x, got 0x%x", code, e.Code)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	r := testkit.RNG(7)
	for _, codec := range []index.Codec{index.CodecSorted, index.CodecMultihashSorted} {
		t.Run(codec.String(), func(t *testing.T) {
			b := index.NewBuilder(codec)
			want := map[string]uint64{}
			for i := 0; i < 500; i++ {
				d := testkit.RandomBytes(r, 32)
				off := uint64(r.Intn(1 << 30))
				if _, dup := want[string(d)]; dup {
					continue
				}
				want[string(d)] = off
				b.Add(sha256Code, d, off, 0)
			}
			b.Add(0x16, testkit.RandomBytes(r, 48), 5, 0)
			ix := b.Build()

			raw, err := ix.Marshal()
			if err != nil {
				t.Fatal(err)
			}
			got, err := index.Unmarshal(raw)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.Codec() != codec || got.Len() != ix.Len() {
				t.Fatalf("got codec=%v len=%d, want %v %d", got.Codec(), got.Len(), codec, ix.Len())
			}
			if got.HasLengths() {
				t.Fatal("on-disk index must not carry lengths")
			}
			for d, off := range want {
				e, ok := got.Lookup(sha256Code, []byte(d))
				if !ok || e.Offset != off {
					t.Fatalf("lookup after round trip: %+v %v", e, ok)
				}
			}

			again, err := got.Marshal()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(raw, again) {
				t.Fatal("re-encoding a decoded index changed its bytes")
			}
		})
	}
}

func TestKnownEncoding(t *testing.T) {
	// One sha2-256 entry at offset 0x2a, multihash-sorted.
	d := bytes.Repeat([]byte{0xab}, 32)
	b := index.NewBuilder(index.CodecMultihashSorted)
	b.Add(sha256Code, d, 0x2a, 0)
	raw, err := b.Build().Marshal()
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{0x81, 0x08} // varint 0x0401
	want = binary.LittleEndian.AppendUint32(want, 1)
	want = binary.LittleEndian.AppendUint64(want, sha256Code)
	want = binary.LittleEndian.AppendUint32(want, 1)
	want = binary.LittleEndian.AppendUint32(want, 40)
	want = binary.LittleEndian.AppendUint64(want, 40)
	want = append(want, d...)
	want = binary.LittleEndian.AppendUint64(want, 0x2a)

	if !bytes.Equal(raw, want) {
		t.Fatalf("encoding mismatch\n got %x\nwant %x", raw, want)
	}
}

func TestUnmarshalFaults(t *testing.T) {
	good := func() []byte {
		b := index.NewBuilder(index.CodecSorted)
		b.Add(sha256Code, digestOf("a"), 1, 0)
		b.Add(sha256Code, digestOf("b"), 2, 0)
		raw, _ := b.Build().Marshal()
		return raw
	}

	cases := map[string][]byte{
		"empty":          {},
		"unknownCodec":   {0x80, 0x06},
		"truncated":      good()[:20],
		"trailing":       append(good(), 0x00),
		"negativeCount":  {0x80, 0x08, 0xff, 0xff, 0xff, 0xff},
		"narrowWidth":    append([]byte{0x80, 0x08, 1, 0, 0, 0, 4, 0, 0, 0}, make([]byte, 8)...),
		"ragged":         append([]byte{0x80, 0x08, 1, 0, 0, 0, 40, 0, 0, 0, 41, 0, 0, 0, 0, 0, 0, 0}, make([]byte, 41)...),
		"hugeBucketSize": {0x80, 0x08, 1, 0, 0, 0, 40, 0, 0, 0, 0x28, 0, 0, 0, 0, 0, 0, 0x10},
	}

	unsorted := good()
	// Swap the two 40-byte entries that follow the 2+4+4+8 byte preamble.
	entries := unsorted[18:]
	first := append([]byte(nil), entries[:40]...)
	copy(entries[:40], entries[40:80])
	copy(entries[40:80], first)
	cases["unsorted"] = unsorted

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := index.Unmarshal(raw); !errors.Is(err, core.ErrIndex) {
				t.Fatalf("expected ErrIndex, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	b := index.NewBuilder(index.CodecMultihashSorted)
	b.Add(sha256Code, digestOf("a"), 10, 0)
	b.Add(sha256Code, digestOf("b"), 99, 0)
	ix := b.Build()

	if err := ix.Validate(100); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := ix.Validate(99); !errors.Is(err, core.ErrIndex) {
		t.Fatalf("expected ErrIndex for offset past payload, got %v", err)
	}
}

func BenchmarkLookup(b *testing.B) {
	bld := index.NewBuilder(index.CodecMultihashSorted)
	keys := make([][]byte, 100_000)
	for i := range keys {
		keys[i] = digestOf(fmt.Sprint(i))
		bld.Add(sha256Code, keys[i], uint64(i), 1)
	}
	ix := bld.Build()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, ok := ix.Lookup(sha256Code, keys[i%len(keys)]); !ok {
			b.Fatal("miss")
		}
	}
}
