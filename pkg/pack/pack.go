// Package pack accumulates blocks into v2 archives named pack-<id>.car.
//
// Blocks of the active pack are spooled to a v1 stream next to the output
// directory. Sealing copies the spooled sections into a fresh v2 container
// with an embedded sorted index and renames it into place, so a reader of
// the directory never sees a partially written archive.
package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agenthands/blockserve/pkg/car"
	"github.com/agenthands/blockserve/pkg/carv2"
	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/ipfs/go-cid"
	gocar "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
)

// Manager defines the interface for building pack archives.
type Manager interface {
	// PutBlock appends a block to the active pack and returns the pack id.
	// A block already present in the active pack is not written twice.
	PutBlock(ctx context.Context, c core.CID, data []byte) (uint64, error)
	// AddRoot records c as a root of the active pack.
	AddRoot(c core.CID) error
	GetBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error)
	SealAndRotateIfNeeded(ctx context.Context) error
	// SealActivePack seals the active pack regardless of size. An empty
	// pack is left open.
	SealActivePack(ctx context.Context) error
	CurrentPackID() uint64
	ListSealedPacks() []uint64
	IteratePackBlocks(ctx context.Context, packID uint64, fn func(c core.CID) error) error
	Path(packID uint64) string

	Close() error
}

type spooled struct {
	off, length uint64
}

type activePack struct {
	id    uint64
	f     *os.File
	enc   *car.Encoder
	roots []core.CID
	seen  map[string]spooled // by multihash
	order []spooled
}

func (a *activePack) size() uint64 {
	return a.enc.Offset()
}

type packManager struct {
	cfg    core.PackConfig
	logger *slog.Logger

	mu     sync.RWMutex
	active *activePack
	sealed map[uint64]*blockstore.ReadOnly
	closed bool
}

// NewManager opens the pack directory, registers existing packs as sealed
// and starts a new active pack after the highest id found.
func NewManager(cfg core.PackConfig, logger *slog.Logger) (Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: pack directory not specified", core.ErrInvalidInput)
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}

	m := &packManager{
		cfg:    cfg,
		logger: core.LoggerOrDefault(logger),
		sealed: make(map[uint64]*blockstore.ReadOnly),
	}

	last, err := m.discoverPacks()
	if err != nil {
		m.closeSealed()
		return nil, err
	}
	if err := m.openActive(last + 1); err != nil {
		m.closeSealed()
		return nil, err
	}
	return m, nil
}

func parsePackName(name, ext string) (uint64, bool) {
	if !strings.HasPrefix(name, "pack-") || !strings.HasSuffix(name, ext) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "pack-"), ext), 16, 64)
	return id, err == nil
}

func (m *packManager) discoverPacks() (uint64, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, err
	}

	var last uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := parsePackName(entry.Name(), ".spool"); ok {
			// An unsealed spool from an interrupted run is not an archive.
			m.logger.Warn("removing unsealed pack spool", "pack", id)
			if err := os.Remove(filepath.Join(m.cfg.Dir, entry.Name())); err != nil {
				return 0, err
			}
			last = max(last, id)
			continue
		}
		id, ok := parsePackName(entry.Name(), ".car")
		if !ok {
			continue
		}
		bs, err := blockstore.OpenReadOnly(m.Path(id))
		if err != nil {
			return 0, fmt.Errorf("failed to open sealed pack %d: %w", id, err)
		}
		m.sealed[id] = bs
		last = max(last, id)
	}
	return last, nil
}

func (m *packManager) spoolPath(id uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("pack-%016x.spool", id))
}

// Path returns the file name of the sealed pack id.
func (m *packManager) Path(id uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("pack-%016x.car", id))
}

func (m *packManager) openActive(id uint64) error {
	f, err := os.OpenFile(m.spoolPath(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create active pack %d: %w", id, err)
	}
	enc := car.NewEncoder(f, 0)
	if err := enc.WriteHeader(car.Header{Version: 1}); err != nil {
		f.Close()
		return err
	}
	m.active = &activePack{
		id:   id,
		f:    f,
		enc:  enc,
		seen: make(map[string]spooled),
	}
	return nil
}

func (m *packManager) CurrentPackID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.id
}

func (m *packManager) PutBlock(ctx context.Context, c core.CID, data []byte) (uint64, error) {
	mh, err := cidutil.Multihash(c)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, core.ErrClosed
	}

	a := m.active
	if _, ok := a.seen[string(mh)]; ok {
		return a.id, nil
	}
	off, length, err := a.enc.WriteSection(c, data)
	if err != nil {
		return 0, fmt.Errorf("failed to spool block: %w", err)
	}
	s := spooled{off: off, length: length}
	a.seen[string(mh)] = s
	a.order = append(a.order, s)
	return a.id, nil
}

func (m *packManager) AddRoot(c core.CID) error {
	if n, err := cidutil.PrefixLen(c.Bytes); err != nil || n != len(c.Bytes) {
		return fmt.Errorf("%w: invalid root CID", core.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	for _, r := range m.active.roots {
		if r.Equal(c) {
			return nil
		}
	}
	m.active.roots = append(m.active.roots, c)
	return nil
}

func (m *packManager) GetBlock(ctx context.Context, packID uint64, c core.CID) ([]byte, error) {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CID: %v", core.ErrInvalidInput, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrClosed
	}

	if packID == m.active.id {
		s, ok := m.active.seen[string(id.Hash())]
		if !ok {
			return nil, fmt.Errorf("%w: block not in active pack", core.ErrNotFound)
		}
		return m.readSpooled(s)
	}

	bs, ok := m.sealed[packID]
	if !ok {
		return nil, fmt.Errorf("%w: pack %d not found", core.ErrNotFound, packID)
	}
	blk, err := bs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}
	return blk.RawData(), nil
}

func (m *packManager) readSpooled(s spooled) ([]byte, error) {
	frame := make([]byte, s.length)
	if _, err := m.active.f.ReadAt(frame, int64(s.off)); err != nil {
		return nil, fmt.Errorf("failed to read spooled block: %w", err)
	}
	_, data, err := car.ParseSection(frame)
	return data, err
}

func (m *packManager) SealAndRotateIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}

	if m.active.size() < m.cfg.TargetPackBytes {
		return nil
	}
	return m.sealLocked(ctx)
}

func (m *packManager) SealActivePack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	return m.sealLocked(ctx)
}

func (m *packManager) sealLocked(ctx context.Context) error {
	a := m.active
	if len(a.order) == 0 {
		return nil
	}

	if err := m.writeSealed(ctx, a); err != nil {
		return err
	}

	bs, err := blockstore.OpenReadOnly(m.Path(a.id))
	if err != nil {
		return fmt.Errorf("failed to open sealed pack: %w", err)
	}
	m.sealed[a.id] = bs

	a.f.Close()
	if err := os.Remove(m.spoolPath(a.id)); err != nil {
		m.logger.Warn("failed to remove pack spool", "pack", a.id, "err", err)
	}
	m.logger.Info("sealed pack", "pack", a.id, "blocks", len(a.order), "roots", len(a.roots))

	return m.openActive(a.id + 1)
}

// writeSealed copies the spooled sections of a into a temporary v2 file and
// renames it to its final name.
func (m *packManager) writeSealed(ctx context.Context, a *activePack) (err error) {
	tmp, err := os.CreateTemp(m.cfg.Dir, ".pack-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create pack file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w, err := carv2.NewWriter(tmp, a.roots)
	if err != nil {
		return err
	}
	for _, s := range a.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame := make([]byte, s.length)
		if _, err := a.f.ReadAt(frame, int64(s.off)); err != nil {
			return fmt.Errorf("failed to read spooled block: %w", err)
		}
		c, data, err := car.ParseSection(frame)
		if err != nil {
			return err
		}
		if _, _, err := w.Put(c, data); err != nil {
			return err
		}
	}
	if _, err := w.Finalize(); err != nil {
		return err
	}
	if m.cfg.SealFsync {
		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("failed to sync pack: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), m.Path(a.id)); err != nil {
		return fmt.Errorf("failed to publish pack: %w", err)
	}
	return nil
}

func (m *packManager) ListSealedPacks() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]uint64, 0, len(m.sealed))
	for id := range m.sealed {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// IteratePackBlocks walks the sections of a sealed pack in file order with
// the go-car reader, which keeps packs checked against an independent
// implementation.
func (m *packManager) IteratePackBlocks(ctx context.Context, packID uint64, fn func(c core.CID) error) error {
	m.mu.RLock()
	_, ok := m.sealed[packID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: pack %d is not sealed or doesn't exist", core.ErrNotFound, packID)
	}

	f, err := os.Open(m.Path(packID))
	if err != nil {
		return fmt.Errorf("failed to open pack %d: %w", packID, err)
	}
	defer f.Close()

	br, err := gocar.NewBlockReader(f)
	if err != nil {
		return fmt.Errorf("failed to create block reader for pack %d: %w", packID, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		blk, err := br.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read block from pack %d: %w", packID, err)
		}

		if err := fn(core.CID{Bytes: blk.Cid().Bytes()}); err != nil {
			return err
		}
	}
}

func (m *packManager) closeSealed() error {
	var errs []error
	for id, bs := range m.sealed {
		if err := bs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pack %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close seals the active pack when it holds blocks and releases every
// open pack.
func (m *packManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	var errs []error
	if err := m.sealLocked(context.Background()); err != nil {
		errs = append(errs, err)
	}
	m.closed = true
	m.active.f.Close()
	if len(m.active.order) == 0 {
		os.Remove(m.spoolPath(m.active.id))
	}
	if err := m.closeSealed(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
