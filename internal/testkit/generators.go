package testkit

import (
	"math/rand"
	"time"
)

// RNG returns a deterministic generator for seed. A zero seed uses the
// clock.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes returns n bytes of noise.
func RandomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

// CompressibleBytes returns n bytes of a repeating pattern with roughly one
// random byte per KiB.
func CompressibleBytes(r *rand.Rand, n int) []byte {
	const pattern = "highly compressible repeating pattern "
	b := make([]byte, n)
	for i := range b {
		b[i] = pattern[i%len(pattern)]
	}
	for i := 0; i < n/1024; i++ {
		b[r.Intn(n)] = byte(r.Intn(256))
	}
	return b
}

// MutateBytes returns a copy of base with the given number of random
// single-byte edits, each an insert, delete or overwrite.
func MutateBytes(r *rand.Rand, base []byte, mutations int) []byte {
	out := append([]byte(nil), base...)
	for i := 0; i < mutations && len(out) > 0; i++ {
		off := r.Intn(len(out))
		switch r.Intn(3) {
		case 0:
			out = append(out[:off], append([]byte{byte(r.Intn(256))}, out[off:]...)...)
		case 1:
			out = append(out[:off], out[off+1:]...)
		default:
			out[off] = byte(r.Intn(256))
		}
	}
	return out
}
