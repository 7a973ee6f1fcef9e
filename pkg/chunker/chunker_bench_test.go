package chunker

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/agenthands/blockserve/internal/testkit"
	"github.com/agenthands/blockserve/pkg/core"
)

func BenchmarkChunker(b *testing.B) {
	cfg := core.ChunkingConfig{Min: 64 * 1024, Avg: 256 * 1024, Max: 1024 * 1024}
	c := NewChunker(cfg)

	datasets := []struct {
		name string
		gen  func(*rand.Rand, int) []byte
	}{
		{"Random", testkit.RandomBytes},
		{"Compressible", testkit.CompressibleBytes},
	}

	for _, ds := range datasets {
		b.Run(ds.name, func(b *testing.B) {
			rng := testkit.RNG(42)
			data := ds.gen(rng, 16<<20)

			b.ResetTimer()
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))

			var n int
			for i := 0; i < b.N; i++ {
				chunks, errs := c.Split(context.Background(), bytes.NewReader(data))
				for ch := range chunks {
					n++
					c.ReturnBuffer(ch.Buf)
				}
				if err := <-errs; err != nil {
					b.Fatal(err)
				}
			}
			b.ReportMetric(float64(n)/float64(b.N), "chunks/op")
		})
	}
}
