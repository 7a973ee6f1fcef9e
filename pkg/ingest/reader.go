package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/manifest"
)

// Fetcher returns the verified payload of a block. store.Store satisfies
// it.
type Fetcher interface {
	Fetch(ctx context.Context, c core.CID) ([]byte, error)
}

// Reader streams a file back from its manifest, fetching one chunk at a
// time.
type Reader struct {
	ctx      context.Context
	src      Fetcher
	manifest *manifest.Manifest

	cur      *bytes.Reader
	chunkIdx int
}

// Open fetches and decodes the manifest at c.
func Open(ctx context.Context, src Fetcher, c core.CID, limits manifest.Limits) (*Reader, error) {
	body, err := src.Fetch(ctx, c)
	if err != nil {
		return nil, err
	}
	m, err := manifest.NewCodec(limits).Decode(body)
	if err != nil {
		return nil, err
	}
	return &Reader{ctx: ctx, src: src, manifest: m}, nil
}

// Manifest returns the decoded manifest.
func (r *Reader) Manifest() *manifest.Manifest {
	return r.manifest
}

func (r *Reader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.chunkIdx >= len(r.manifest.Chunks) {
				return 0, io.EOF
			}
			ref := r.manifest.Chunks[r.chunkIdx]
			data, err := r.src.Fetch(r.ctx, core.CID(ref.CID))
			if err != nil {
				return 0, fmt.Errorf("chunk %d: %w", r.chunkIdx, err)
			}
			if uint64(len(data)) != uint64(ref.Len) {
				return 0, fmt.Errorf("%w: chunk %d is %d bytes, manifest says %d", core.ErrIntegrity, r.chunkIdx, len(data), ref.Len)
			}
			r.cur = bytes.NewReader(data)
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur = nil
			r.chunkIdx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
