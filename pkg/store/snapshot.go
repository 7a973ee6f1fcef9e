package store

import (
	"sync/atomic"

	"github.com/agenthands/blockserve/pkg/archive"
	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
)

// Snapshot is an immutable multihash to location map over one set of
// archives. Snapshots are reference counted; the store holds one reference
// to the current snapshot and drops it when a rebuild replaces it.
type Snapshot struct {
	Generation uint64
	Archives   []*archive.Archive

	locs map[string]core.Location

	refs    atomic.Int64
	retired func()
}

func newSnapshot(gen uint64, archives []*archive.Archive, locs map[string]core.Location) *Snapshot {
	s := &Snapshot{Generation: gen, Archives: archives, locs: locs}
	s.refs.Store(1)
	return s
}

// Lookup returns the location of the section holding c. Any CID with the
// same multihash matches.
func (s *Snapshot) Lookup(c core.CID) (core.Location, bool) {
	mh, err := cidutil.Multihash(c)
	if err != nil {
		return core.Location{}, false
	}
	loc, ok := s.locs[string(mh)]
	return loc, ok
}

// Len returns the number of distinct multihashes served.
func (s *Snapshot) Len() int {
	return len(s.locs)
}

func (s *Snapshot) tryAcquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference taken by Store.Acquire.
func (s *Snapshot) Release() {
	n := s.refs.Add(-1)
	if n == 0 && s.retired != nil {
		s.retired()
	}
	if n < 0 {
		panic("store: snapshot released too many times")
	}
}

func (s *Snapshot) ids() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Archives))
	for _, a := range s.Archives {
		out[a.ID] = struct{}{}
	}
	return out
}
