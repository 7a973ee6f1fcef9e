// Package catalog persists resolved archive indexes in pebble so unchanged
// archives are not re-read on restart.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthands/blockserve/pkg/archive"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

var PrefixArchive = []byte("arc:")

// recordVersion changes whenever the record layout does; older records are
// treated as misses.
const recordVersion = 1

// Catalog defines the interface for the embedded KV store.
type Catalog interface {
	// Get returns the archive stored for id if its fingerprint matches fp.
	Get(ctx context.Context, id string, fp core.Fingerprint) (*archive.Archive, bool, error)
	Put(batch *pebble.Batch, a *archive.Archive, fp core.Fingerprint) error
	Delete(batch *pebble.Batch, id string) error

	// Prune deletes records for archives not in keep and reports how many
	// were removed.
	Prune(ctx context.Context, keep map[string]struct{}) (int, error)
	IterateArchives(ctx context.Context, fn func(id string, fp core.Fingerprint) error) error

	NewBatch() *pebble.Batch
	Close() error
}

type record struct {
	_           struct{} `cbor:",toarray"`
	Version     int
	Fingerprint fingerprint
	Archive     int
	Roots       [][]byte
	DataOffset  uint64
	DataSize    uint64
	Entries     []entry
}

type fingerprint struct {
	_       struct{} `cbor:",toarray"`
	Size    int64
	ModTime int64
}

type entry struct {
	_      struct{} `cbor:",toarray"`
	CID    []byte
	Offset uint64
	Length uint64
}

type pebbleCatalog struct {
	db  *pebble.DB
	enc cbor.EncMode
	dec cbor.DecMode
}

// Open opens a Pebble-based catalog in the specified directory.
func Open(dir string) (Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := cbor.DecOptions{MaxArrayElements: 1 << 27}.DecMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	return &pebbleCatalog{db: db, enc: enc, dec: dec}, nil
}

func (c *pebbleCatalog) Close() error {
	return c.db.Close()
}

func (c *pebbleCatalog) NewBatch() *pebble.Batch {
	return c.db.NewBatch()
}

func archiveKey(id string) []byte {
	return append(append([]byte(nil), PrefixArchive...), id...)
}

func (c *pebbleCatalog) get(id string) (*record, bool, error) {
	val, closer, err := c.db.Get(archiveKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()

	var rec record
	if err := c.dec.Unmarshal(val, &rec); err != nil {
		return nil, false, fmt.Errorf("%w: catalog record for %s: %v", core.ErrFormat, id, err)
	}
	return &rec, true, nil
}

func (c *pebbleCatalog) Get(ctx context.Context, id string, fp core.Fingerprint) (*archive.Archive, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	rec, ok, err := c.get(id)
	if err != nil || !ok {
		return nil, false, err
	}
	if rec.Version != recordVersion || rec.Fingerprint.Size != fp.Size || rec.Fingerprint.ModTime != fp.ModTime {
		return nil, false, nil
	}

	meta := archive.Meta{
		ID:         id,
		Version:    rec.Archive,
		DataOffset: rec.DataOffset,
		DataSize:   rec.DataSize,
	}
	for _, r := range rec.Roots {
		meta.Roots = append(meta.Roots, core.CID{Bytes: r})
	}
	entries := make([]archive.Entry, len(rec.Entries))
	for i, e := range rec.Entries {
		entries[i] = archive.Entry{CID: core.CID{Bytes: e.CID}, Offset: e.Offset, Length: e.Length}
	}
	a, err := archive.Restore(meta, entries, core.ProvenanceCatalog)
	if err != nil {
		return nil, false, fmt.Errorf("%w: catalog record for %s: %v", core.ErrFormat, id, err)
	}
	return a, true, nil
}

func (c *pebbleCatalog) Put(batch *pebble.Batch, a *archive.Archive, fp core.Fingerprint) error {
	rec := record{
		Version:     recordVersion,
		Fingerprint: fingerprint{Size: fp.Size, ModTime: fp.ModTime},
		Archive:     a.Version,
		DataOffset:  a.DataOffset,
		DataSize:    a.DataSize,
		Roots:       make([][]byte, 0, len(a.Roots)),
		Entries:     make([]entry, len(a.Entries)),
	}
	for _, r := range a.Roots {
		rec.Roots = append(rec.Roots, r.Bytes)
	}
	for i, e := range a.Entries {
		rec.Entries[i] = entry{CID: e.CID.Bytes, Offset: e.Offset, Length: e.Length}
	}
	val, err := c.enc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode catalog record: %w", err)
	}

	key := archiveKey(a.ID)
	if batch != nil {
		return batch.Set(key, val, nil)
	}
	return c.db.Set(key, val, pebble.Sync)
}

func (c *pebbleCatalog) Delete(batch *pebble.Batch, id string) error {
	if batch != nil {
		return batch.Delete(archiveKey(id), nil)
	}
	return c.db.Delete(archiveKey(id), pebble.Sync)
}

func (c *pebbleCatalog) IterateArchives(ctx context.Context, fn func(id string, fp core.Fingerprint) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: PrefixArchive,
		UpperBound: incrementByte(PrefixArchive),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := string(iter.Key()[len(PrefixArchive):])

		var rec record
		if err := c.dec.Unmarshal(iter.Value(), &rec); err != nil {
			// Unreadable records are reported with a zero fingerprint so
			// Prune can still remove them.
			rec = record{}
		}
		fp := core.Fingerprint{Size: rec.Fingerprint.Size, ModTime: rec.Fingerprint.ModTime}
		if err := fn(id, fp); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (c *pebbleCatalog) Prune(ctx context.Context, keep map[string]struct{}) (int, error) {
	var stale []string
	err := c.IterateArchives(ctx, func(id string, _ core.Fingerprint) error {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	batch := c.db.NewBatch()
	defer batch.Close()
	for _, id := range stale {
		if err := batch.Delete(archiveKey(id), nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
