package storage

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agenthands/blockserve/pkg/core"
)

// DirConfig configures a Dir backend.
type DirConfig struct {
	Root         string
	Extensions   []string
	MaxOpenFiles int
	Logger       *slog.Logger
}

// Dir serves archives found under a directory tree. Archive IDs are slash
// separated paths relative to the root. A bounded number of file handles is
// kept open, evicting the least recently used.
type Dir struct {
	cfg    DirConfig
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*list.Element
	lru     *list.List // front is most recently used
	closed  bool
}

type handle struct {
	id   string
	f    *os.File
	refs int
	dead bool
}

// NewDir returns a backend rooted at cfg.Root.
func NewDir(cfg DirConfig) (*Dir, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: storage directory not specified", core.ErrInvalidInput)
	}
	fi, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat storage directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", core.ErrInvalidInput, cfg.Root)
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".car"}
	}
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = 16
	}
	return &Dir{
		cfg:     cfg,
		logger:  core.LoggerOrDefault(cfg.Logger),
		handles: make(map[string]*list.Element),
		lru:     list.New(),
	}, nil
}

func (d *Dir) match(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range d.cfg.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// List walks the root and returns matching regular files sorted by ID.
// Unreadable subtrees are logged and skipped.
func (d *Dir) List(ctx context.Context) ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(d.cfg.Root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if path == d.cfg.Root {
				return err
			}
			d.logger.Warn("skipping unreadable path", "path", path, "reason", err)
			if de != nil && de.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !de.Type().IsRegular() || !d.match(de.Name()) {
			return nil
		}
		fi, err := de.Info()
		if err != nil {
			d.logger.Warn("skipping archive", "path", path, "reason", err)
			return nil
		}
		rel, err := filepath.Rel(d.cfg.Root, path)
		if err != nil {
			return err
		}
		out = append(out, Info{
			ID: filepath.ToSlash(rel),
			Fingerprint: core.Fingerprint{
				Size:    fi.Size(),
				ModTime: fi.ModTime().UnixNano(),
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan storage directory: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Dir) path(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: archive id %q escapes the storage root", core.ErrInvalidInput, id)
	}
	return filepath.Join(d.cfg.Root, clean), nil
}

// Open returns a dedicated handle for id, outside the shared cache.
func (d *Dir) Open(ctx context.Context, id string) (File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: archive %s", core.ErrNotFound, id)
		}
		return nil, err
	}
	return f, nil
}

// ReadRange reads exactly n bytes at off from archive id through the handle
// cache.
func (d *Dir) ReadRange(ctx context.Context, id string, off, n uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := d.acquire(id)
	if err != nil {
		return nil, err
	}
	defer d.release(h)

	buf := make([]byte, n)
	got, err := h.f.ReadAt(buf, int64(off))
	if got == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: archive %s: range %d+%d past end", core.ErrTruncated, id, off, n)
	}
	return nil, fmt.Errorf("archive %s: %w", id, err)
}

func (d *Dir) acquire(id string) (*handle, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, core.ErrClosed
	}
	if el, ok := d.handles[id]; ok {
		d.lru.MoveToFront(el)
		h := el.Value.(*handle)
		h.refs++
		d.mu.Unlock()
		return h, nil
	}
	d.mu.Unlock()

	p, err := d.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: archive %s", core.ErrNotFound, id)
		}
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		f.Close()
		return nil, core.ErrClosed
	}
	// Another reader may have opened it meanwhile.
	if el, ok := d.handles[id]; ok {
		f.Close()
		d.lru.MoveToFront(el)
		h := el.Value.(*handle)
		h.refs++
		return h, nil
	}
	h := &handle{id: id, f: f, refs: 1}
	d.handles[id] = d.lru.PushFront(h)
	for d.lru.Len() > d.cfg.MaxOpenFiles {
		d.evict(d.lru.Back())
	}
	return h, nil
}

func (d *Dir) release(h *handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h.refs--
	if h.dead && h.refs == 0 {
		h.f.Close()
	}
}

// evict removes el from the cache. The file closes once its last reader
// releases it. Callers hold d.mu.
func (d *Dir) evict(el *list.Element) {
	h := d.lru.Remove(el).(*handle)
	delete(d.handles, h.id)
	h.dead = true
	if h.refs == 0 {
		h.f.Close()
	}
}

// OpenFiles reports how many handles the cache holds.
func (d *Dir) OpenFiles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Len()
}

// Forget closes cached handles for the given archives.
func (d *Dir) Forget(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if el, ok := d.handles[id]; ok {
			d.evict(el)
		}
	}
}

// Close closes every cached handle.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for d.lru.Len() > 0 {
		d.evict(d.lru.Back())
	}
	return nil
}
