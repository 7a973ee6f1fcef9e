package transform

import (
	"bytes"
	"testing"
)

func FuzzDecode(f *testing.F) {
	tr := NewZstd(3, 16, 1<<20)

	small, _ := tr.Encode([]byte("tiny"))
	big, _ := tr.Encode(bytes.Repeat([]byte("compressible "), 64))
	f.Add(small)
	f.Add(big)
	f.Add(big[:len(big)-3])
	f.Add([]byte(Magic))
	f.Add([]byte("garbage input"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		plain, err := tr.Decode(data)
		if err != nil {
			return
		}
		if len(plain) > 1<<20 {
			t.Fatalf("decoded %d bytes past the limit", len(plain))
		}
		again, err := tr.Encode(plain)
		if err != nil {
			t.Fatal(err)
		}
		back, err := tr.Decode(again)
		if err != nil || !bytes.Equal(back, plain) {
			t.Fatalf("re-encoded envelope does not round trip: %v", err)
		}
	})
}
