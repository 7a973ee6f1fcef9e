// Package chunker splits a byte stream into content-defined chunks that
// become raw blocks of an archive.
package chunker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/jotfs/fastcdc-go"
)

// Chunk is one piece of the input.
type Chunk struct {
	Buf []byte // owned by chunker; returned to pool by consumer
	N   int
	// Offset is the position of the chunk in the input stream.
	Offset uint64
}

// Bytes returns the chunk's data.
func (c Chunk) Bytes() []byte {
	return c.Buf[:c.N]
}

// Chunker splits an io.Reader into chunks.
type Chunker interface {
	Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error)
	// ReturnBuffer returns a chunk buffer to the internal pool for reuse.
	ReturnBuffer(buf []byte)
}

type fastCDCChunker struct {
	cfg  core.ChunkingConfig
	pool sync.Pool
}

// NewChunker returns a FastCDC chunker. Invalid sizes are reported by
// Split.
func NewChunker(cfg core.ChunkingConfig) Chunker {
	return &fastCDCChunker{
		cfg: cfg,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, max(cfg.Max, 0))
			},
		},
	}
}

func (c *fastCDCChunker) options() (fastcdc.Options, error) {
	if c.cfg.Min <= 0 || c.cfg.Min > c.cfg.Avg || c.cfg.Avg > c.cfg.Max {
		return fastcdc.Options{}, fmt.Errorf("%w: chunk sizes must satisfy 0 < min <= avg <= max, got %d/%d/%d",
			core.ErrInvalidInput, c.cfg.Min, c.cfg.Avg, c.cfg.Max)
	}
	return fastcdc.Options{
		MinSize:       c.cfg.Min,
		AverageSize:   c.cfg.Avg,
		MaxSize:       c.cfg.Max,
		Normalization: c.cfg.Normalization,
	}, nil
}

func (c *fastCDCChunker) Split(ctx context.Context, r io.Reader) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		opts, err := c.options()
		if err != nil {
			errs <- err
			return
		}
		cdc, err := fastcdc.NewChunker(r, opts)
		if err != nil {
			errs <- fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			chunk, err := cdc.Next()
			if err != nil {
				if err != io.EOF {
					errs <- err
				}
				return
			}

			buf := c.pool.Get().([]byte)
			n := copy(buf, chunk.Data)

			select {
			case <-ctx.Done():
				c.pool.Put(buf)
				errs <- ctx.Err()
				return
			case chunks <- Chunk{Buf: buf, N: n, Offset: uint64(chunk.Offset)}:
			}
		}
	}()

	return chunks, errs
}

func (c *fastCDCChunker) ReturnBuffer(buf []byte) {
	c.pool.Put(buf)
}
