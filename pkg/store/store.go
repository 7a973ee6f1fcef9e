// Package store merges per-archive indexes into the Content Store: one
// immutable multihash to location snapshot over every archive a backend
// lists, rebuilt on demand and swapped atomically.
package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthands/blockserve/pkg/archive"
	"github.com/agenthands/blockserve/pkg/car"
	"github.com/agenthands/blockserve/pkg/catalog"
	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/storage"
	"github.com/cockroachdb/pebble"
	"github.com/sourcegraph/conc/pool"
)

// Options configures a Store.
type Options struct {
	Backend storage.Backend
	// Catalog is optional. When set, archives whose fingerprint is unchanged
	// are restored from it instead of being read.
	Catalog catalog.Catalog
	Index   core.IndexConfig
	Logger  *slog.Logger
}

// Skip records an archive left out of a snapshot.
type Skip struct {
	ID  string
	Err error
}

// Collision records a multihash present in more than one archive. The
// earlier archive in enumeration order wins.
type Collision struct {
	CID    core.CID
	Winner string
	Loser  string
}

// BuildReport summarizes one rebuild.
type BuildReport struct {
	Generation uint64
	Archives   int
	Blocks     int
	Skipped    []Skip
	Collisions []Collision
	Provenance map[core.Provenance]int
	// IndexFallbacks lists archives whose embedded index was ignored.
	IndexFallbacks []Skip
	Duration       time.Duration
}

// Store is the Content Store.
type Store struct {
	backend storage.Backend
	catalog catalog.Catalog
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex // serializes rebuilds
	gen    uint64
	cur    atomic.Pointer[Snapshot]
	closed atomic.Bool
}

// New returns a store with an empty snapshot. Call Rebuild to index the
// backend.
func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: store needs a backend", core.ErrInvalidInput)
	}
	if opts.Index.Concurrency <= 0 {
		opts.Index.Concurrency = 1
	}
	s := &Store{
		backend: opts.Backend,
		catalog: opts.Catalog,
		opts:    opts,
		logger:  core.LoggerOrDefault(opts.Logger),
	}
	s.cur.Store(newSnapshot(0, nil, map[string]core.Location{}))
	return s, nil
}

// Acquire returns the current snapshot with a reference held. The caller
// must Release it.
func (s *Store) Acquire() *Snapshot {
	for {
		snap := s.cur.Load()
		if snap.tryAcquire() {
			return snap
		}
	}
}

// Lookup resolves c against the current snapshot.
func (s *Store) Lookup(c core.CID) (core.Location, bool) {
	snap := s.Acquire()
	defer snap.Release()
	return snap.Lookup(c)
}

// Resolve looks c up and, on a hit, keeps the snapshot referenced until
// release is called so the location stays servable.
func (s *Store) Resolve(c core.CID) (loc core.Location, release func(), ok bool) {
	snap := s.Acquire()
	loc, ok = snap.Lookup(c)
	if !ok {
		snap.Release()
		return core.Location{}, nil, false
	}
	return loc, snap.Release, true
}

// ReadRange reads a section frame from the backend.
func (s *Store) ReadRange(ctx context.Context, loc core.Location) ([]byte, error) {
	return s.backend.ReadRange(ctx, loc.ArchiveID, loc.Offset, loc.Length)
}

// Fetch returns the verified payload of the block addressed by c.
func (s *Store) Fetch(ctx context.Context, c core.CID) ([]byte, error) {
	loc, release, ok := s.Resolve(c)
	if !ok {
		return nil, core.ErrNotFound
	}
	defer release()

	frame, err := s.ReadRange(ctx, loc)
	if err != nil {
		return nil, err
	}
	return VerifyFrame(c, frame)
}

// VerifyFrame parses a section frame and checks that it holds the block
// addressed by want.
func VerifyFrame(want core.CID, frame []byte) ([]byte, error) {
	got, data, err := car.ParseSection(frame)
	if err != nil {
		return nil, err
	}
	wmh, err := cidutil.Multihash(want)
	if err != nil {
		return nil, err
	}
	gmh, err := cidutil.Multihash(got)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(wmh, gmh) {
		return nil, fmt.Errorf("%w: section holds %s, not %s", core.ErrIntegrity, got, want)
	}
	if err := cidutil.Verify(got, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Rebuild re-enumerates the backend, builds a fresh snapshot and swaps it
// in. Archives that fail to load are skipped and reported.
func (s *Store) Rebuild(ctx context.Context) (BuildReport, error) {
	if s.closed.Load() {
		return BuildReport{}, core.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	infos, err := s.backend.List(ctx)
	if err != nil {
		return BuildReport{}, fmt.Errorf("failed to list archives: %w", err)
	}

	loaded := make([]*archive.Archive, len(infos))
	fresh := make([]bool, len(infos))
	errs := make([]error, len(infos))

	p := pool.New().WithMaxGoroutines(s.opts.Index.Concurrency).WithContext(ctx)
	for i, info := range infos {
		p.Go(func(ctx context.Context) error {
			loaded[i], fresh[i], errs[i] = s.load(ctx, info)
			return nil
		})
	}
	_ = p.Wait()
	if err := ctx.Err(); err != nil {
		return BuildReport{}, err
	}

	s.gen++
	rep := BuildReport{Generation: s.gen, Provenance: make(map[core.Provenance]int)}
	archives := make([]*archive.Archive, 0, len(infos))
	locs := make(map[string]core.Location)
	owner := make(map[string]string)

	for i, a := range loaded {
		if errs[i] != nil {
			rep.Skipped = append(rep.Skipped, Skip{ID: infos[i].ID, Err: errs[i]})
			s.logger.Warn("skipping archive", "archive", infos[i].ID, "error", errs[i])
			continue
		}
		archives = append(archives, a)
		rep.Provenance[a.Provenance]++
		if a.IndexErr != nil {
			rep.IndexFallbacks = append(rep.IndexFallbacks, Skip{ID: a.ID, Err: a.IndexErr})
		}
		for _, e := range a.Entries {
			mh, err := cidutil.Multihash(e.CID)
			if err != nil {
				continue
			}
			key := string(mh)
			if prev, ok := owner[key]; ok {
				if prev != a.ID {
					rep.Collisions = append(rep.Collisions, Collision{CID: e.CID, Winner: prev, Loser: a.ID})
				}
				continue
			}
			owner[key] = a.ID
			locs[key] = a.Location(e)
		}
	}
	rep.Archives = len(archives)
	rep.Blocks = len(locs)

	s.persist(ctx, infos, loaded, fresh)

	next := newSnapshot(s.gen, archives, locs)
	s.swap(next)

	rep.Duration = time.Since(start)
	s.logger.Info("content store rebuilt",
		"generation", rep.Generation,
		"archives", rep.Archives,
		"blocks", rep.Blocks,
		"skipped", len(rep.Skipped),
		"collisions", len(rep.Collisions),
		"duration", rep.Duration)
	if len(rep.Collisions) > 0 {
		s.logger.Debug("duplicate blocks across archives", "count", len(rep.Collisions))
	}
	return rep, nil
}

// load returns the archive for info and whether it was read from the
// backend rather than the catalog.
func (s *Store) load(ctx context.Context, info storage.Info) (*archive.Archive, bool, error) {
	if s.catalog != nil {
		a, ok, err := s.catalog.Get(ctx, info.ID, info.Fingerprint)
		switch {
		case err != nil:
			s.logger.Warn("ignoring catalog record", "archive", info.ID, "error", err)
		case ok:
			return a, false, nil
		}
	}

	f, err := s.backend.Open(ctx, info.ID)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	a, err := archive.Load(ctx, info.ID, f, info.Size(), archive.Options{
		MaxSectionSize: s.opts.Index.MaxSectionSize,
		MaxHeaderSize:  s.opts.Index.MaxHeaderSize,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (s *Store) persist(ctx context.Context, infos []storage.Info, loaded []*archive.Archive, fresh []bool) {
	if s.catalog == nil {
		return
	}
	batch := s.catalog.NewBatch()
	defer batch.Close()

	keep := make(map[string]struct{}, len(infos))
	for i, a := range loaded {
		keep[infos[i].ID] = struct{}{}
		if a == nil || !fresh[i] {
			continue
		}
		if err := s.catalog.Put(batch, a, infos[i].Fingerprint); err != nil {
			s.logger.Warn("failed to record archive in catalog", "archive", a.ID, "error", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.logger.Warn("failed to commit catalog batch", "error", err)
		return
	}
	if n, err := s.catalog.Prune(ctx, keep); err != nil {
		s.logger.Warn("failed to prune catalog", "error", err)
	} else if n > 0 {
		s.logger.Debug("pruned catalog records", "count", n)
	}
}

// swap installs next and drops the store's reference to the previous
// snapshot. Backend state for archives absent from next is forgotten once
// the last reader of the previous snapshot lets go.
func (s *Store) swap(next *Snapshot) {
	prev := s.cur.Load()
	if f, ok := s.backend.(storage.Forgetter); ok {
		keep := next.ids()
		var gone []string
		for _, a := range prev.Archives {
			if _, ok := keep[a.ID]; !ok {
				gone = append(gone, a.ID)
			}
		}
		if len(gone) > 0 {
			prev.retired = func() { f.Forget(gone) }
		}
	}
	s.cur.Store(next)
	prev.Release()
}

// Close drops the current snapshot. Later rebuilds fail with ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swap(newSnapshot(s.gen, nil, map[string]core.Location{}))
	return nil
}
