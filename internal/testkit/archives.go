package testkit

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/agenthands/blockserve/pkg/car"
	"github.com/agenthands/blockserve/pkg/carv2"
	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
)

// Block is a CID with its payload.
type Block struct {
	CID  core.CID
	Data []byte
}

// NewBlock builds a raw-codec block for data.
func NewBlock(data []byte) Block {
	c, err := cidutil.Sum(0x55, data)
	if err != nil {
		panic(err)
	}
	return Block{CID: c, Data: data}
}

// RandomBlocks returns n raw blocks with payloads of 1 to maxSize bytes.
func RandomBlocks(r *rand.Rand, n, maxSize int) []Block {
	out := make([]Block, n)
	for i := range out {
		out[i] = NewBlock(RandomBytes(r, 1+r.Intn(maxSize)))
	}
	return out
}

// EncodeV1 returns a v1 archive holding blocks in order.
func EncodeV1(roots []core.CID, blocks []Block) []byte {
	buf, err := car.AppendHeader(nil, car.Header{Version: 1, Roots: roots})
	if err != nil {
		panic(fmt.Sprintf("testkit: %v", err))
	}
	for _, b := range blocks {
		buf = car.AppendSection(buf, b.CID, b.Data)
	}
	return buf
}

// EncodeV2 returns a v2 archive holding blocks in order.
func EncodeV2(roots []core.CID, blocks []Block, opts ...carv2.WriterOption) []byte {
	f := &MemFile{}
	w, err := carv2.NewWriter(f, roots, opts...)
	if err != nil {
		panic(fmt.Sprintf("testkit: %v", err))
	}
	for _, b := range blocks {
		if _, _, err := w.Put(b.CID, b.Data); err != nil {
			panic(fmt.Sprintf("testkit: %v", err))
		}
	}
	if _, err := w.Finalize(); err != nil {
		panic(fmt.Sprintf("testkit: %v", err))
	}
	return f.Bytes()
}

// MemFile is an in-memory io.WriterAt and io.ReaderAt.
type MemFile struct {
	mu  sync.Mutex
	buf []byte
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readAt(m.buf, p, off)
}

// Bytes returns the written contents.
func (m *MemFile) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

// FeedAll feeds data to a sans-io decoder in pieces of step bytes, answering
// its Need events, and collects every event up to End or the first error.
func FeedAll(dec interface {
	Feed(uint64, []byte)
	Next() (car.Event, error)
}, data []byte, step int) ([]car.Event, error) {
	var out []car.Event
	for {
		ev, err := dec.Next()
		if err != nil {
			return out, err
		}
		switch ev := ev.(type) {
		case car.Need:
			if ev.Offset >= uint64(len(data)) {
				return out, fmt.Errorf("testkit: decoder asked for offset %d past %d bytes", ev.Offset, len(data))
			}
			end := min(int(ev.Offset)+step, len(data))
			dec.Feed(ev.Offset, data[ev.Offset:end])
		case car.End:
			out = append(out, ev)
			return out, nil
		default:
			out = append(out, ev)
		}
	}
}
