// Package exchange implements the block exchange engine. The engine never
// performs I/O: it turns peer want-lists into read requests and outgoing
// messages, and turns completed reads into block responses.
package exchange

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/store"
)

// PeerID identifies a connected peer.
type PeerID string

// MissPolicy decides whether a miss is answered with an unavailable
// presence.
type MissPolicy uint8

const (
	// MissAlways answers every miss.
	MissAlways MissPolicy = iota
	// MissNever stays silent on misses.
	MissNever
	// MissRequested answers misses whose entry set SendDontHave.
	MissRequested
)

// ParseMissPolicy maps a config value to a MissPolicy. The empty string
// selects MissAlways.
func ParseMissPolicy(s string) (MissPolicy, error) {
	switch s {
	case "", "always":
		return MissAlways, nil
	case "never":
		return MissNever, nil
	case "requested":
		return MissRequested, nil
	default:
		return 0, fmt.Errorf("%w: unknown miss policy %q", core.ErrInvalidInput, s)
	}
}

func (p MissPolicy) answers(e WantEntry) bool {
	switch p {
	case MissAlways:
		return true
	case MissRequested:
		return e.SendDontHave
	default:
		return false
	}
}

// Resolver finds the location of a block. On a hit the caller must call
// release once the location is no longer needed.
type Resolver interface {
	Resolve(c core.CID) (loc core.Location, release func(), ok bool)
}

// ReadRequest asks the caller to read Location and hand the bytes back via
// CompleteRead.
type ReadRequest struct {
	Peer       PeerID
	Session    uint64
	CID        core.CID
	Location   core.Location
	Priority   int32
	Generation uint64

	release func()
}

// ReadResult is a finished ReadRequest. Frame holds the section bytes.
type ReadResult struct {
	Request ReadRequest
	Frame   []byte
	Err     error
}

// Effects are the actions the caller must carry out after an engine call.
type Effects struct {
	Reads    []ReadRequest
	Messages []Message
}

// Stats are per-session counters.
type Stats struct {
	Wants          uint64
	Cancels        uint64
	BlocksSent     uint64
	BytesSent      uint64
	HavesSent      uint64
	DontHavesSent  uint64
	StaleReads     uint64
	FailedReads    uint64
	IntegrityFault uint64
	// Oversized counts blocks withheld because they exceed MaxMessageSize.
	Oversized      uint64
}

type want struct {
	entry WantEntry
	gen   uint64
}

type session struct {
	id    uint64
	gen   uint64
	wants map[string]*want // by multihash
	stats Stats
}

// Engine tracks one session per peer. Calls for one peer must not run
// concurrently; calls for different peers may.
type Engine struct {
	cfg      core.ExchangeConfig
	policy   MissPolicy
	resolver Resolver
	logger   *slog.Logger

	mu       sync.Mutex // guards sessions and nextID
	sessions map[PeerID]*session
	nextID   uint64
}

func NewEngine(cfg core.ExchangeConfig, r Resolver, logger *slog.Logger) (*Engine, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: engine needs a resolver", core.ErrInvalidInput)
	}
	policy, err := ParseMissPolicy(cfg.MissPolicy)
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 << 20
	}
	if cfg.MaxWantEntries <= 0 {
		cfg.MaxWantEntries = 1024
	}
	return &Engine{
		cfg:      cfg,
		policy:   policy,
		resolver: r,
		logger:   core.LoggerOrDefault(logger),
		sessions: make(map[PeerID]*session),
	}, nil
}

func (e *Engine) session(peer PeerID) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[peer]
	if !ok {
		e.nextID++
		s = &session{id: e.nextID, wants: make(map[string]*want)}
		e.sessions[peer] = s
	}
	return s
}

func (e *Engine) lookup(peer PeerID) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[peer]
}

func (e *Engine) validate(wl WantList) error {
	if len(wl.Entries) > e.cfg.MaxWantEntries {
		return fmt.Errorf("%w: %d want entries, limit %d", core.ErrProtocol, len(wl.Entries), e.cfg.MaxWantEntries)
	}
	for i, ent := range wl.Entries {
		if _, err := cidutil.Multihash(ent.CID); err != nil {
			return fmt.Errorf("%w: entry %d: %v", core.ErrProtocol, i, err)
		}
		if ent.Type != WantBlock && ent.Type != WantHave {
			return fmt.Errorf("%w: entry %d: unknown want type %d", core.ErrProtocol, i, ent.Type)
		}
	}
	return nil
}

func wantKey(c core.CID) string {
	mh, _ := cidutil.Multihash(c)
	return string(mh)
}

// HandleWantList applies wl to the peer's session and returns the reads
// and messages it produces. A malformed list discards the session and
// returns ErrProtocol.
func (e *Engine) HandleWantList(peer PeerID, wl WantList) (Effects, error) {
	if err := e.validate(wl); err != nil {
		e.Disconnect(peer)
		return Effects{}, err
	}
	s := e.session(peer)

	if wl.Full {
		keep := make(map[string]struct{}, len(wl.Entries))
		for _, ent := range wl.Entries {
			if !ent.Cancel {
				keep[wantKey(ent.CID)] = struct{}{}
			}
		}
		for k := range s.wants {
			if _, ok := keep[k]; !ok {
				delete(s.wants, k)
			}
		}
	}

	// Apply every entry before resolving so a cancel later in the same
	// list suppresses the want it follows.
	fresh := make([]*want, 0, len(wl.Entries))
	for _, ent := range wl.Entries {
		key := wantKey(ent.CID)
		if ent.Cancel {
			s.stats.Cancels++
			delete(s.wants, key)
			continue
		}
		s.stats.Wants++
		s.gen++
		w := &want{entry: ent, gen: s.gen}
		s.wants[key] = w
		fresh = append(fresh, w)
	}

	var fx Effects
	var answers []Response
	for _, w := range fresh {
		key := wantKey(w.entry.CID)
		if s.wants[key] != w {
			continue
		}
		loc, release, ok := e.resolver.Resolve(w.entry.CID)
		switch {
		case !ok:
			delete(s.wants, key)
			if p, ok := e.miss(s, w.entry); ok {
				answers = append(answers, Response{Presence: p})
			}
		case w.entry.Type == WantHave:
			release()
			delete(s.wants, key)
			s.stats.HavesSent++
			answers = append(answers, Response{Presence: Presence{CID: w.entry.CID, Have: true}})
		case loc.Length > uint64(e.cfg.MaxMessageSize):
			// The frame alone outgrows a message; no read can be answered.
			release()
			delete(s.wants, key)
			s.stats.Oversized++
			e.logger.Warn("block exceeds the message size limit",
				"peer", string(peer), "cid", cidutil.Format(w.entry.CID),
				"length", loc.Length, "limit", e.cfg.MaxMessageSize)
			if p, ok := e.miss(s, w.entry); ok {
				answers = append(answers, Response{Presence: p})
			}
		default:
			fx.Reads = append(fx.Reads, ReadRequest{
				Peer:       peer,
				Session:    s.id,
				CID:        w.entry.CID,
				Location:   loc,
				Priority:   w.entry.Priority,
				Generation: w.gen,
				release:    release,
			})
		}
	}
	sort.SliceStable(fx.Reads, func(i, j int) bool { return fx.Reads[i].Priority > fx.Reads[j].Priority })
	fx.Messages = Split(answers, e.cfg.MaxMessageSize)
	return fx, nil
}

func (e *Engine) miss(s *session, ent WantEntry) (Presence, bool) {
	if !e.policy.answers(ent) {
		return Presence{}, false
	}
	s.stats.DontHavesSent++
	return Presence{CID: ent.CID, Have: false}, true
}

// CompleteRead hands finished reads back to the engine. Results whose want
// was cancelled, replaced, or whose peer disconnected are dropped. A failed
// or unverifiable read is answered as a miss.
func (e *Engine) CompleteRead(results ...ReadResult) Effects {
	var answers []Response
	for _, r := range results {
		if r.Request.release != nil {
			r.Request.release()
		}
		s := e.lookup(r.Request.Peer)
		if s == nil || s.id != r.Request.Session {
			continue
		}
		key := wantKey(r.Request.CID)
		w, ok := s.wants[key]
		if !ok || w.gen != r.Request.Generation {
			s.stats.StaleReads++
			continue
		}
		delete(s.wants, key)

		var payload []byte
		err := r.Err
		if err == nil {
			payload, err = store.VerifyFrame(r.Request.CID, r.Frame)
		}
		if err == nil && messageOverhead+blockOverhead+len(r.Request.CID.Bytes)+len(payload) > e.cfg.MaxMessageSize {
			err = fmt.Errorf("%w: block of %d bytes, message limit %d", core.ErrTooLarge, len(payload), e.cfg.MaxMessageSize)
		}
		if err != nil {
			switch {
			case errors.Is(err, core.ErrTooLarge):
				s.stats.Oversized++
				e.logger.Warn("block exceeds the message size limit", "cid", cidutil.Format(r.Request.CID), "error", err)
			case errors.Is(err, core.ErrIntegrity):
				s.stats.IntegrityFault++
				e.logger.Warn("refusing to serve corrupt block",
					"cid", cidutil.Format(r.Request.CID),
					"archive", r.Request.Location.ArchiveID,
					"offset", r.Request.Location.Offset,
					"error", err)
			default:
				s.stats.FailedReads++
				e.logger.Debug("block read failed", "cid", cidutil.Format(r.Request.CID), "error", err)
			}
			if p, ok := e.miss(s, w.entry); ok {
				answers = append(answers, Response{Presence: p})
			}
			continue
		}
		s.stats.BlocksSent++
		s.stats.BytesSent += uint64(len(payload))
		answers = append(answers, Response{Block: &Block{CID: r.Request.CID, Data: payload}})
	}
	return Effects{Messages: Split(answers, e.cfg.MaxMessageSize)}
}

// Disconnect discards the peer's session. Reads still in flight for it are
// dropped when they complete.
func (e *Engine) Disconnect(peer PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, peer)
}

// MaxMessageSize returns the upper bound on the size of any message the
// engine emits.
func (e *Engine) MaxMessageSize() int {
	return e.cfg.MaxMessageSize
}

// Stats returns the peer's counters.
func (e *Engine) Stats(peer PeerID) (Stats, bool) {
	s := e.lookup(peer)
	if s == nil {
		return Stats{}, false
	}
	return s.stats, true
}

// Pending returns the number of live wants the peer has outstanding.
func (e *Engine) Pending(peer PeerID) int {
	s := e.lookup(peer)
	if s == nil {
		return 0
	}
	return len(s.wants)
}

// Sessions returns the number of connected peers.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
