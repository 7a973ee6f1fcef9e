// Package ingest turns files into blocks: content-defined chunks stored as
// raw blocks plus one dag-cbor manifest block naming them in order.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/agenthands/blockserve/pkg/chunker"
	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/manifest"
)

// BlockWriter is the subset of pack.Manager the importer writes through.
type BlockWriter interface {
	PutBlock(ctx context.Context, c core.CID, data []byte) (uint64, error)
	AddRoot(c core.CID) error
	SealAndRotateIfNeeded(ctx context.Context) error
}

// Importer writes files into packs. Imports are serialized so a manifest
// and its root entry always land in the same pack.
type Importer struct {
	packs     BlockWriter
	chunker   chunker.Chunker
	cids      cidutil.Builder
	manifests manifest.Codec
	logger    *slog.Logger

	mu sync.Mutex
}

// NewImporter returns an importer writing to packs.
func NewImporter(packs BlockWriter, chunking core.ChunkingConfig, limits manifest.Limits, logger *slog.Logger) *Importer {
	return &Importer{
		packs:     packs,
		chunker:   chunker.NewChunker(chunking),
		cids:      cidutil.NewBuilder(),
		manifests: manifest.NewCodec(limits),
		logger:    core.LoggerOrDefault(logger),
	}
}

// ImportFile chunks r, stores every chunk and the manifest, and returns the
// manifest CID. The manifest CID is recorded as a root of the pack that
// holds it.
func (im *Importer) ImportFile(ctx context.Context, name string, r io.Reader) (core.CID, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	chunks, errs := im.chunker.Split(ctx, r)

	var refs []manifest.ChunkRef
	var total uint64
	var failed error

	// Drain the channel even after a failure so the splitter can exit.
	for c := range chunks {
		if failed == nil {
			failed = im.putChunk(ctx, c.Bytes(), &refs)
			total += uint64(c.N)
		}
		im.chunker.ReturnBuffer(c.Buf)
	}
	if err, ok := <-errs; ok && err != nil {
		return core.CID{}, err
	}
	if failed != nil {
		return core.CID{}, failed
	}

	body, err := im.manifests.Encode(&manifest.Manifest{
		Version: manifest.Version,
		Name:    name,
		Length:  total,
		Chunks:  refs,
	})
	if err != nil {
		return core.CID{}, err
	}
	mCID, err := im.cids.ManifestCID(body)
	if err != nil {
		return core.CID{}, err
	}
	if _, err := im.packs.PutBlock(ctx, mCID, body); err != nil {
		return core.CID{}, err
	}
	if err := im.packs.AddRoot(mCID); err != nil {
		return core.CID{}, err
	}
	if err := im.packs.SealAndRotateIfNeeded(ctx); err != nil {
		return core.CID{}, err
	}

	im.logger.Debug("imported file", "name", name, "cid", cidutil.Format(mCID), "chunks", len(refs), "bytes", total)
	return mCID, nil
}

func (im *Importer) putChunk(ctx context.Context, data []byte, refs *[]manifest.ChunkRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := im.cids.ChunkCID(data)
	if err != nil {
		return err
	}
	if _, err := im.packs.PutBlock(ctx, c, data); err != nil {
		return fmt.Errorf("failed to store chunk: %w", err)
	}
	*refs = append(*refs, manifest.ChunkRef{CID: manifest.Link(c), Len: uint32(len(data))})
	return nil
}
