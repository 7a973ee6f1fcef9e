package ingest_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/agenthands/blockserve/internal/testkit"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/ingest"
	"github.com/agenthands/blockserve/pkg/manifest"
	"github.com/agenthands/blockserve/pkg/pack"
	"github.com/agenthands/blockserve/pkg/storage"
	"github.com/agenthands/blockserve/pkg/store"
)

var testChunking = core.ChunkingConfig{Min: 64, Avg: 256, Max: 1024}

func openStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	backend, err := storage.NewDir(storage.DirConfig{Root: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })
	s, err := store.New(store.Options{Backend: backend})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestImportAndRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	packs, err := pack.NewManager(core.PackConfig{Dir: dir, TargetPackBytes: 8 << 10}, nil)
	if err != nil {
		t.Fatal(err)
	}
	im := ingest.NewImporter(packs, testChunking, manifest.DefaultLimits, nil)

	rng := testkit.RNG(9)
	files := map[string][]byte{
		"big.bin":   testkit.RandomBytes(rng, 40<<10),
		"small.txt": []byte("hello"),
		"empty":     nil,
	}
	roots := make(map[string]core.CID)
	for name, data := range files {
		c, err := im.ImportFile(ctx, name, bytes.NewReader(data))
		if err != nil {
			t.Fatalf("ImportFile(%s): %v", name, err)
		}
		roots[name] = c
	}
	if err := packs.Close(); err != nil {
		t.Fatal(err)
	}
	if n := len(packs.ListSealedPacks()); n < 2 {
		t.Errorf("expected rotation into several packs, got %d", n)
	}

	s := openStore(t, dir)
	for name, data := range files {
		r, err := ingest.Open(ctx, s, roots[name], manifest.DefaultLimits)
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		if r.Manifest().Name != name || r.Manifest().Length != uint64(len(data)) {
			t.Errorf("manifest for %s = %+v", name, r.Manifest())
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: content mismatch", name)
		}
	}
}

func TestImportDedupesChunks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	packs, err := pack.NewManager(core.PackConfig{Dir: dir, TargetPackBytes: 1 << 20}, nil)
	if err != nil {
		t.Fatal(err)
	}
	im := ingest.NewImporter(packs, testChunking, manifest.DefaultLimits, nil)

	data := testkit.RandomBytes(testkit.RNG(1), 16<<10)
	a, err := im.ImportFile(ctx, "a", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	b, err := im.ImportFile(ctx, "b", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if a.Equal(b) {
		t.Error("manifests with different names share a CID")
	}
	if err := packs.SealActivePack(ctx); err != nil {
		t.Fatal(err)
	}
	chunks, err := testkit.CountUniqueBlocks(ctx, packs)
	if err != nil {
		t.Fatal(err)
	}
	packs.Close()

	s := openStore(t, dir)
	r, err := ingest.Open(ctx, s, a, manifest.DefaultLimits)
	if err != nil {
		t.Fatal(err)
	}
	// Two manifests plus one copy of each chunk.
	if want := len(r.Manifest().Chunks) + 2; chunks != want {
		t.Errorf("unique blocks = %d, want %d", chunks, want)
	}
}

type errFetcher struct{ err error }

func (f errFetcher) Fetch(context.Context, core.CID) ([]byte, error) { return nil, f.err }

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	c := testkit.NewBlock([]byte("x")).CID

	if _, err := ingest.Open(ctx, errFetcher{core.ErrNotFound}, c, manifest.DefaultLimits); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	s := openStore(t, t.TempDir())
	if _, err := ingest.Open(ctx, s, c, manifest.DefaultLimits); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound from empty store, got %v", err)
	}
}

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, c core.CID) ([]byte, error) {
	if b, ok := m[c.Key()]; ok {
		return b, nil
	}
	return nil, core.ErrNotFound
}

func TestReaderChunkFaults(t *testing.T) {
	ctx := context.Background()
	codec := manifest.NewCodec(manifest.DefaultLimits)
	chunk := testkit.NewBlock([]byte("chunk"))

	body, err := codec.Encode(&manifest.Manifest{
		Version: manifest.Version,
		Length:  5,
		Chunks:  []manifest.ChunkRef{{CID: manifest.Link(chunk.CID), Len: 5}},
	})
	if err != nil {
		t.Fatal(err)
	}
	root := testkit.NewBlock(body).CID

	t.Run("MissingChunk", func(t *testing.T) {
		r, err := ingest.Open(ctx, mapFetcher{root.Key(): body}, root, manifest.DefaultLimits)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadAll(r); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		src := mapFetcher{root.Key(): body, chunk.CID.Key(): []byte("chunk plus")}
		r, err := ingest.Open(ctx, src, root, manifest.DefaultLimits)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadAll(r); !errors.Is(err, core.ErrIntegrity) {
			t.Errorf("expected ErrIntegrity, got %v", err)
		}
	})
}

type failingWriter struct{}

func (failingWriter) PutBlock(context.Context, core.CID, []byte) (uint64, error) {
	return 0, testkit.ErrInjectedFault
}

func (failingWriter) AddRoot(core.CID) error {
	return nil
}

func (failingWriter) SealAndRotateIfNeeded(context.Context) error {
	return nil
}

func TestImportFaults(t *testing.T) {
	ctx := context.Background()

	t.Run("WriteError", func(t *testing.T) {
		im := ingest.NewImporter(failingWriter{}, testChunking, manifest.DefaultLimits, nil)
		data := testkit.RandomBytes(testkit.RNG(2), 8<<10)
		if _, err := im.ImportFile(ctx, "f", bytes.NewReader(data)); !errors.Is(err, testkit.ErrInjectedFault) {
			t.Errorf("expected injected fault, got %v", err)
		}
	})

	t.Run("ReadError", func(t *testing.T) {
		packs, err := pack.NewManager(core.PackConfig{Dir: t.TempDir(), TargetPackBytes: 1 << 20}, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer packs.Close()
		im := ingest.NewImporter(packs, testChunking, manifest.DefaultLimits, nil)
		r := testkit.NewErrorReader(bytes.NewReader(make([]byte, 8<<10)), 2000, nil)
		if _, err := im.ImportFile(ctx, "f", r); !errors.Is(err, testkit.ErrInjectedFault) {
			t.Errorf("expected injected fault, got %v", err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		packs, err := pack.NewManager(core.PackConfig{Dir: t.TempDir(), TargetPackBytes: 1 << 20}, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer packs.Close()
		im := ingest.NewImporter(packs, testChunking, manifest.DefaultLimits, nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := im.ImportFile(cctx, "f", bytes.NewReader([]byte("data"))); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
