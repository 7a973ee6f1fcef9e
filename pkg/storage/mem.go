package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agenthands/blockserve/pkg/core"
)

// Mem is an in-memory backend keyed by archive ID.
type Mem struct {
	mu       sync.RWMutex
	archives map[string][]byte
	version  map[string]int64
}

func NewMem() *Mem {
	return &Mem{archives: make(map[string][]byte), version: make(map[string]int64)}
}

// Put adds or replaces an archive. Each replacement changes its fingerprint.
func (m *Mem) Put(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[id] = data
	m.version[id]++
}

func (m *Mem) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives, id)
}

func (m *Mem) List(ctx context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.archives))
	for id, data := range m.archives {
		out = append(out, Info{ID: id, Fingerprint: core.Fingerprint{Size: int64(len(data)), ModTime: m.version[id]}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

func (m *Mem) Open(ctx context.Context, id string) (File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.archives[id]
	if !ok {
		return nil, fmt.Errorf("%w: archive %s", core.ErrNotFound, id)
	}
	return memFile{bytes.NewReader(data)}, nil
}

func (m *Mem) ReadRange(ctx context.Context, id string, off, n uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.archives[id]
	if !ok {
		return nil, fmt.Errorf("%w: archive %s", core.ErrNotFound, id)
	}
	if off > uint64(len(data)) || n > uint64(len(data))-off {
		return nil, fmt.Errorf("%w: archive %s: range %d+%d past end", core.ErrTruncated, id, off, n)
	}
	return bytes.Clone(data[off : off+n]), nil
}
