// Package storage discovers archive files and serves byte ranges from them.
package storage

import (
	"context"
	"io"

	"github.com/agenthands/blockserve/pkg/core"
)

// Info describes one archive known to a backend.
type Info struct {
	ID          string
	Fingerprint core.Fingerprint
}

// Size returns the archive length in bytes.
func (i Info) Size() int64 {
	return i.Fingerprint.Size
}

// File is an open archive.
type File interface {
	io.ReaderAt
	io.Closer
}

// RangeReader reads one byte range of an archive.
type RangeReader interface {
	ReadRange(ctx context.Context, id string, off, n uint64) ([]byte, error)
}

// Backend enumerates archives in a stable order and opens them.
type Backend interface {
	RangeReader
	List(ctx context.Context) ([]Info, error)
	Open(ctx context.Context, id string) (File, error)
}

// Forgetter is implemented by backends that cache per-archive state which
// should be dropped once an archive is no longer served.
type Forgetter interface {
	Forget(ids []string)
}
