// Package archive loads one archive file: it detects the version, reads the
// embedded index when there is a usable one and otherwise scans the payload,
// producing the archive's sections with their file locations.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/agenthands/blockserve/pkg/car"
	"github.com/agenthands/blockserve/pkg/carv2"
	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/index"
)

const (
	defaultReadSize = 64 << 10
	maxIndexSize    = 1 << 30
)

// Options tunes Load.
type Options struct {
	MaxSectionSize uint64
	MaxHeaderSize  uint64
	// ReadSize is the minimum number of bytes fetched per read.
	ReadSize int
	Logger   *slog.Logger
}

// Entry is one section of an archive.
type Entry struct {
	CID core.CID
	// Offset is the absolute file offset of the section.
	Offset uint64
	Length uint64
}

// Meta describes an archive independent of its entries.
type Meta struct {
	ID         string
	Version    int
	Roots      []core.CID
	DataOffset uint64
	DataSize   uint64
}

// Archive is a loaded, immutable view of one archive file.
type Archive struct {
	Meta
	Provenance core.Provenance
	// IndexErr records why an embedded index was ignored.
	IndexErr error
	// Entries are ordered by offset.
	Entries []Entry

	index *index.Index
}

// Index returns the lookup index over the archive's payload. Offsets are
// relative to DataOffset.
func (a *Archive) Index() *index.Index {
	return a.index
}

// Location converts an entry to a store location.
func (a *Archive) Location(e Entry) core.Location {
	return core.Location{ArchiveID: a.ID, Offset: e.Offset, Length: e.Length}
}

// Lookup finds the section whose CID has the same multihash as c.
func (a *Archive) Lookup(c core.CID) (Entry, bool) {
	code, digest, err := cidutil.Digest(c)
	if err != nil {
		return Entry{}, false
	}
	ie, ok := a.index.Lookup(code, digest)
	if !ok {
		return Entry{}, false
	}
	abs := a.DataOffset + ie.Offset
	i := sort.Search(len(a.Entries), func(i int) bool { return a.Entries[i].Offset >= abs })
	if i == len(a.Entries) || a.Entries[i].Offset != abs {
		return Entry{}, false
	}
	return a.Entries[i], true
}

// Restore rebuilds an archive from previously resolved entries.
func Restore(meta Meta, entries []Entry, prov core.Provenance) (*Archive, error) {
	a := &Archive{Meta: meta, Provenance: prov, Entries: entries}
	sort.Slice(a.Entries, func(i, j int) bool { return a.Entries[i].Offset < a.Entries[j].Offset })
	b := index.NewBuilder(index.CodecMultihashSorted)
	for _, e := range a.Entries {
		if e.Offset < meta.DataOffset {
			return nil, fmt.Errorf("%w: entry at %d before payload", core.ErrInvalidInput, e.Offset)
		}
		code, digest, err := cidutil.Digest(e.CID)
		if err != nil {
			return nil, err
		}
		b.Add(code, digest, e.Offset-meta.DataOffset, e.Length)
	}
	a.index = b.Build()
	return a, nil
}

// Load reads the archive behind r. Faults in the embedded index fall back
// to a scan and are recorded in IndexErr; faults in the payload fail the
// load.
func Load(ctx context.Context, id string, r io.ReaderAt, size int64, opts Options) (*Archive, error) {
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	if opts.MaxSectionSize == 0 {
		opts.MaxSectionSize = car.DefaultMaxSectionSize
	}
	logger := core.LoggerOrDefault(opts.Logger)

	l := &loader{
		ctx:  ctx,
		r:    r,
		size: uint64(size),
		opts: opts,
		rd: carv2.NewReader(carv2.Options{
			Size:           uint64(size),
			MaxSectionSize: opts.MaxSectionSize,
			MaxHeaderSize:  opts.MaxHeaderSize,
		}),
	}

	ev, err := l.next()
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", id, err)
	}
	h, ok := ev.(car.Header)
	if !ok {
		return nil, fmt.Errorf("archive %s: %w: expected header, got %T", id, core.ErrFormat, ev)
	}

	a := &Archive{
		Meta: Meta{
			ID:         id,
			Version:    l.rd.Version(),
			Roots:      h.Roots,
			DataOffset: l.rd.DataOffset(),
			DataSize:   uint64(size),
		},
	}
	if ch := l.rd.Header(); ch != nil {
		a.DataSize = ch.DataSize
		if ch.HasIndex() {
			entries, ix, err := l.readIndex(*ch)
			switch {
			case err == nil:
				a.Provenance = core.ProvenanceDisk
				a.Entries, a.index = entries, ix
				return a, nil
			case errors.Is(err, core.ErrIndex):
				a.IndexErr = err
				logger.Debug("embedded index unusable, scanning", "archive", id, "reason", err)
			default:
				return nil, fmt.Errorf("archive %s: %w", id, err)
			}
		}
	}

	if err := l.scan(a); err != nil {
		return nil, fmt.Errorf("archive %s: %w", id, err)
	}
	a.Provenance = core.ProvenanceScan
	return a, nil
}

type loader struct {
	ctx  context.Context
	r    io.ReaderAt
	size uint64
	opts Options
	rd   *carv2.Reader
	buf  []byte
}

// next drives the reader until it produces something other than Need.
func (l *loader) next() (car.Event, error) {
	for {
		if err := l.ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := l.rd.Next()
		if err != nil {
			return nil, err
		}
		need, ok := ev.(car.Need)
		if !ok {
			return ev, nil
		}
		p, err := l.readAt(need.Offset, max(need.Hint, l.opts.ReadSize))
		if err != nil {
			return nil, err
		}
		if len(p) == 0 {
			l.rd.Finish()
			continue
		}
		l.rd.Feed(need.Offset, p)
	}
}

// readAt reads up to n bytes at off, clipped to the archive size. The
// returned slice is reused by the next call.
func (l *loader) readAt(off uint64, n int) ([]byte, error) {
	if off >= l.size {
		return nil, nil
	}
	if rem := l.size - off; uint64(n) > rem {
		n = int(rem)
	}
	if cap(l.buf) < n {
		l.buf = make([]byte, n)
	}
	p := l.buf[:n]
	got, err := l.r.ReadAt(p, int64(off))
	if err != nil && !(errors.Is(err, io.EOF) && got > 0) {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: read at %d: %v", core.ErrTruncated, off, err)
		}
		return nil, fmt.Errorf("read at %d: %w", off, err)
	}
	return p[:got], nil
}

func (l *loader) scan(a *Archive) error {
	b := index.NewBuilder(index.CodecMultihashSorted)
	for {
		ev, err := l.next()
		if err != nil {
			return err
		}
		switch ev := ev.(type) {
		case car.Section:
			code, digest, err := cidutil.Digest(ev.CID)
			if err != nil {
				return fmt.Errorf("section at %d: %w", ev.Offset, err)
			}
			b.Add(code, digest, ev.Offset-a.DataOffset, ev.Length)
			a.Entries = append(a.Entries, Entry{CID: ev.CID, Offset: ev.Offset, Length: ev.Length})
		case car.End:
			a.index = b.Build()
			return nil
		default:
			return fmt.Errorf("%w: unexpected %T in payload", core.ErrFormat, ev)
		}
	}
}

// readIndex parses the embedded index and resolves every entry against the
// section head it points at, which yields the full CID and section length.
func (l *loader) readIndex(h carv2.Header) ([]Entry, *index.Index, error) {
	if err := h.ValidateIndex(l.size); err != nil {
		return nil, nil, err
	}
	if l.size-h.IndexOffset > maxIndexSize {
		return nil, nil, fmt.Errorf("%w: index section of %d bytes", core.ErrIndex, l.size-h.IndexOffset)
	}
	raw := make([]byte, l.size-h.IndexOffset)
	if n, err := l.r.ReadAt(raw, int64(h.IndexOffset)); n != len(raw) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, fmt.Errorf("read index: %w", err)
	}
	ix, err := index.Unmarshal(raw)
	if err != nil {
		return nil, nil, err
	}
	if err := ix.Validate(h.DataSize); err != nil {
		return nil, nil, err
	}

	dataEnd := h.DataOffset + h.DataSize
	entries := make([]Entry, 0, ix.Len())
	err = ix.ForEach(func(e index.Entry) error {
		if err := l.ctx.Err(); err != nil {
			return err
		}
		abs := h.DataOffset + e.Offset
		p, err := l.readAt(abs, int(min(uint64(car.MaxHeadSize), dataEnd-abs)))
		if err != nil {
			return err
		}
		head, err := car.DecodeSectionHead(p, l.opts.MaxSectionSize)
		if err != nil {
			return fmt.Errorf("%w: entry %x at %d: %v", core.ErrIndex, e.Digest, e.Offset, err)
		}
		if abs+head.Length > dataEnd {
			return fmt.Errorf("%w: entry %x at %d overruns the payload", core.ErrIndex, e.Digest, e.Offset)
		}
		code, digest, err := cidutil.Digest(head.CID)
		if err != nil {
			return fmt.Errorf("%w: entry at %d: %v", core.ErrIndex, e.Offset, err)
		}
		if !bytes.Equal(digest, e.Digest) || (ix.Codec() == index.CodecMultihashSorted && code != e.Code) {
			return fmt.Errorf("%w: entry %x at %d points at %s", core.ErrIndex, e.Digest, e.Offset, cidutil.Format(head.CID))
		}
		entries = append(entries, Entry{CID: head.CID, Offset: abs, Length: head.Length})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries, ix, nil
}
