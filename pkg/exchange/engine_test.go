package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/agenthands/blockserve/internal/testkit"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/exchange"
	"github.com/agenthands/blockserve/pkg/storage"
	"github.com/agenthands/blockserve/pkg/store"
)

type fixture struct {
	blocks []testkit.Block
	mem    *storage.Mem
	store  *store.Store
}

func newFixture(t *testing.T, n, maxSize int) *fixture {
	t.Helper()
	blocks := testkit.RandomBlocks(testkit.RNG(int64(n*maxSize)), n, maxSize)
	mem := storage.NewMem()
	mem.Put("a.car", testkit.EncodeV2(nil, blocks))
	s, err := store.New(store.Options{Backend: mem})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return &fixture{blocks: blocks, mem: mem, store: s}
}

func (f *fixture) engine(t *testing.T, cfg core.ExchangeConfig) *exchange.Engine {
	t.Helper()
	e, err := exchange.NewEngine(cfg, f.store, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// read performs the requested reads against the backend.
func (f *fixture) read(reqs []exchange.ReadRequest) []exchange.ReadResult {
	out := make([]exchange.ReadResult, len(reqs))
	for i, r := range reqs {
		frame, err := f.store.ReadRange(context.Background(), r.Location)
		out[i] = exchange.ReadResult{Request: r, Frame: frame, Err: err}
	}
	return out
}

func want(c core.CID, typ exchange.WantType) exchange.WantEntry {
	return exchange.WantEntry{CID: c, Type: typ}
}

func cancel(c core.CID) exchange.WantEntry {
	return exchange.WantEntry{CID: c, Cancel: true}
}

func collect(msgs []exchange.Message) ([]exchange.Block, []exchange.Presence) {
	var bs []exchange.Block
	var ps []exchange.Presence
	for _, m := range msgs {
		bs = append(bs, m.Blocks...)
		ps = append(ps, m.Presences...)
	}
	return bs, ps
}

func TestWantBlock(t *testing.T) {
	f := newFixture(t, 3, 200)
	e := f.engine(t, core.ExchangeConfig{})

	fx, err := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{want(f.blocks[1].CID, exchange.WantBlock)}})
	if err != nil {
		t.Fatal(err)
	}
	if len(fx.Reads) != 1 || len(fx.Messages) != 0 {
		t.Fatalf("expected one read and no messages, got %+v", fx)
	}
	if e.Pending("p1") != 1 {
		t.Errorf("expected 1 pending want, got %d", e.Pending("p1"))
	}

	out := e.CompleteRead(f.read(fx.Reads)...)
	bs, ps := collect(out.Messages)
	if len(bs) != 1 || len(ps) != 0 {
		t.Fatalf("expected one block, got %d blocks %d presences", len(bs), len(ps))
	}
	if !bs[0].CID.Equal(f.blocks[1].CID) || string(bs[0].Data) != string(f.blocks[1].Data) {
		t.Error("wrong block returned")
	}
	if e.Pending("p1") != 0 {
		t.Errorf("resolved want still pending")
	}
	st, _ := e.Stats("p1")
	if st.BlocksSent != 1 || st.BytesSent != uint64(len(f.blocks[1].Data)) {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestWantHave(t *testing.T) {
	f := newFixture(t, 2, 100)
	e := f.engine(t, core.ExchangeConfig{})

	fx, err := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{want(f.blocks[0].CID, exchange.WantHave)}})
	if err != nil {
		t.Fatal(err)
	}
	if len(fx.Reads) != 0 {
		t.Errorf("presence-only want issued a read")
	}
	_, ps := collect(fx.Messages)
	if len(ps) != 1 || !ps[0].Have || !ps[0].CID.Equal(f.blocks[0].CID) {
		t.Errorf("expected have presence, got %+v", ps)
	}
}

func TestMissPolicy(t *testing.T) {
	f := newFixture(t, 1, 100)
	absent := testkit.NewBlock([]byte("absent")).CID

	cases := []struct {
		policy       string
		sendDontHave bool
		wantReply    bool
	}{
		{"", false, true},
		{"always", false, true},
		{"never", true, false},
		{"requested", false, false},
		{"requested", true, true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s/%v", c.policy, c.sendDontHave), func(t *testing.T) {
			e := f.engine(t, core.ExchangeConfig{MissPolicy: c.policy})
			for _, typ := range []exchange.WantType{exchange.WantBlock, exchange.WantHave} {
				ent := want(absent, typ)
				ent.SendDontHave = c.sendDontHave
				fx, err := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{ent}})
				if err != nil {
					t.Fatalf("a miss must not be an error: %v", err)
				}
				if len(fx.Reads) != 0 {
					t.Error("miss issued a read")
				}
				bs, ps := collect(fx.Messages)
				if len(bs) != 0 {
					t.Error("miss produced a block")
				}
				if c.wantReply {
					if len(ps) != 1 || ps[0].Have {
						t.Errorf("expected one unavailable presence, got %+v", ps)
					}
				} else if len(ps) != 0 {
					t.Errorf("expected silence, got %+v", ps)
				}
			}
			if e.Pending("p1") != 0 {
				t.Error("miss left a pending want")
			}
		})
	}

	if _, err := exchange.NewEngine(core.ExchangeConfig{MissPolicy: "sometimes"}, f.store, nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown policy, got %v", err)
	}
}

func TestCancelDominance(t *testing.T) {
	f := newFixture(t, 2, 100)
	e := f.engine(t, core.ExchangeConfig{})
	a := f.blocks[0].CID

	t.Run("CancelBeforeCompletion", func(t *testing.T) {
		fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{want(a, exchange.WantBlock)}})
		if len(fx.Reads) != 1 {
			t.Fatal("expected a read")
		}
		results := f.read(fx.Reads)

		fx2, err := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{cancel(a)}})
		if err != nil || len(fx2.Messages) != 0 || len(fx2.Reads) != 0 {
			t.Fatalf("cancel produced effects: %+v %v", fx2, err)
		}

		out := e.CompleteRead(results...)
		if len(out.Messages) != 0 {
			t.Errorf("cancelled want produced %d messages", len(out.Messages))
		}
		st, _ := e.Stats("p1")
		if st.StaleReads != 1 {
			t.Errorf("expected 1 stale read, got %d", st.StaleReads)
		}
	})

	t.Run("CancelInSameList", func(t *testing.T) {
		for _, typ := range []exchange.WantType{exchange.WantBlock, exchange.WantHave} {
			fx, err := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{want(a, typ), cancel(a)}})
			if err != nil {
				t.Fatal(err)
			}
			if len(fx.Reads) != 0 || len(fx.Messages) != 0 {
				t.Errorf("%v want cancelled in the same list produced effects: %+v", typ, fx)
			}
		}
	})

	t.Run("LateCancel", func(t *testing.T) {
		fx, err := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{cancel(f.blocks[1].CID)}})
		if err != nil || len(fx.Messages) != 0 {
			t.Errorf("late cancel: %+v %v", fx, err)
		}
	})
}

func TestRewantSupersedesRead(t *testing.T) {
	f := newFixture(t, 1, 100)
	e := f.engine(t, core.ExchangeConfig{})
	a := f.blocks[0].CID

	fx1, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{want(a, exchange.WantBlock)}})
	fx2, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{want(a, exchange.WantBlock)}})
	if fx1.Reads[0].Generation == fx2.Reads[0].Generation {
		t.Fatal("re-want did not advance the generation")
	}

	if out := e.CompleteRead(f.read(fx1.Reads)...); len(out.Messages) != 0 {
		t.Error("superseded read was sent")
	}
	out := e.CompleteRead(f.read(fx2.Reads)...)
	if bs, _ := collect(out.Messages); len(bs) != 1 {
		t.Errorf("expected current read to be sent once, got %d", len(bs))
	}
}

func TestDisconnectDropsInflight(t *testing.T) {
	f := newFixture(t, 1, 100)
	e := f.engine(t, core.ExchangeConfig{})
	a := f.blocks[0].CID

	fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{want(a, exchange.WantBlock)}})
	results := f.read(fx.Reads)
	e.Disconnect("p1")
	if e.Sessions() != 0 {
		t.Fatal("session survived disconnect")
	}

	// The peer reconnects and wants the same block again. The old read
	// carries the same generation but belongs to the discarded session.
	fx2, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{want(a, exchange.WantBlock)}})
	if out := e.CompleteRead(results...); len(out.Messages) != 0 {
		t.Error("read from a discarded session was sent")
	}
	if out := e.CompleteRead(f.read(fx2.Reads)...); len(out.Messages) != 1 {
		t.Error("read for the new session was not sent")
	}
}

func TestFailedReadsAnswerAsMiss(t *testing.T) {
	f := newFixture(t, 2, 100)
	e := f.engine(t, core.ExchangeConfig{})

	fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{
		want(f.blocks[0].CID, exchange.WantBlock),
		want(f.blocks[1].CID, exchange.WantBlock),
	}})
	results := f.read(fx.Reads)
	results[0].Frame = testkit.FlipByte(results[0].Frame, len(results[0].Frame)-1)
	results[1].Frame, results[1].Err = nil, errors.New("disk on fire")

	out := e.CompleteRead(results...)
	bs, ps := collect(out.Messages)
	if len(bs) != 0 {
		t.Fatal("corrupt or failed read produced a block")
	}
	if len(ps) != 2 || ps[0].Have || ps[1].Have {
		t.Errorf("expected two unavailable presences, got %+v", ps)
	}
	st, _ := e.Stats("p1")
	if st.IntegrityFault != 1 || st.FailedReads != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestWrongSectionIsIntegrityFault(t *testing.T) {
	f := newFixture(t, 2, 100)
	e := f.engine(t, core.ExchangeConfig{})

	fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{
		want(f.blocks[0].CID, exchange.WantBlock),
		want(f.blocks[1].CID, exchange.WantBlock),
	}})
	results := f.read(fx.Reads)
	results[0].Frame, results[1].Frame = results[1].Frame, results[0].Frame

	out := e.CompleteRead(results...)
	if bs, _ := collect(out.Messages); len(bs) != 0 {
		t.Error("swapped sections were served")
	}
	if st, _ := e.Stats("p1"); st.IntegrityFault != 2 {
		t.Errorf("expected 2 integrity faults, got %d", st.IntegrityFault)
	}
}

func TestReadsOrderedByPriority(t *testing.T) {
	f := newFixture(t, 4, 100)
	e := f.engine(t, core.ExchangeConfig{})

	prios := []int32{1, 5, 5, 3}
	var ents []exchange.WantEntry
	for i, b := range f.blocks {
		ent := want(b.CID, exchange.WantBlock)
		ent.Priority = prios[i]
		ents = append(ents, ent)
	}
	fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: ents})
	order := []int{1, 2, 3, 0}
	for i, r := range fx.Reads {
		if !r.CID.Equal(f.blocks[order[i]].CID) {
			t.Errorf("read %d is block %s, want block %d", i, r.CID, order[i])
		}
	}
}

func TestFullWantListReplaces(t *testing.T) {
	f := newFixture(t, 3, 100)
	e := f.engine(t, core.ExchangeConfig{})

	fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{
		want(f.blocks[0].CID, exchange.WantBlock),
		want(f.blocks[1].CID, exchange.WantBlock),
	}})
	results := f.read(fx.Reads)

	_, err := e.HandleWantList("p1", exchange.WantList{Full: true, Entries: []exchange.WantEntry{
		want(f.blocks[2].CID, exchange.WantHave),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if out := e.CompleteRead(results...); len(out.Messages) != 0 {
		t.Error("wants dropped by a full list were still served")
	}
}

func TestProtocolFaults(t *testing.T) {
	f := newFixture(t, 1, 100)
	e := f.engine(t, core.ExchangeConfig{MaxWantEntries: 2})
	ok := f.blocks[0].CID

	cases := map[string]exchange.WantList{
		"TooManyEntries": {Entries: []exchange.WantEntry{want(ok, 0), want(ok, 0), want(ok, 0)}},
		"BadCID":         {Entries: []exchange.WantEntry{want(core.CID{Bytes: []byte{0x01, 0x55}}, 0)}},
		"EmptyCID":       {Entries: []exchange.WantEntry{want(core.CID{}, 0)}},
		"UnknownType":    {Entries: []exchange.WantEntry{want(ok, 7)}},
	}
	for name, wl := range cases {
		t.Run(name, func(t *testing.T) {
			fx, _ := e.HandleWantList("good", exchange.WantList{Entries: []exchange.WantEntry{want(ok, exchange.WantBlock)}})
			if _, err := e.HandleWantList("bad", exchange.WantList{Entries: []exchange.WantEntry{want(ok, exchange.WantHave)}}); err != nil {
				t.Fatal(err)
			}

			if _, err := e.HandleWantList("bad", wl); !errors.Is(err, core.ErrProtocol) {
				t.Fatalf("expected ErrProtocol, got %v", err)
			}
			if _, ok := e.Stats("bad"); ok {
				t.Error("faulty session was not discarded")
			}
			// Other peers are unaffected.
			if out := e.CompleteRead(f.read(fx.Reads)...); len(out.Messages) != 1 {
				t.Error("fault in one session disturbed another")
			}
		})
	}
}

type countingResolver struct {
	inner    exchange.Resolver
	acquired int
	released int
}

func (c *countingResolver) Resolve(id core.CID) (core.Location, func(), bool) {
	loc, release, ok := c.inner.Resolve(id)
	if !ok {
		return loc, nil, false
	}
	c.acquired++
	return loc, func() {
		c.released++
		release()
	}, true
}

func TestSnapshotReferencesReleased(t *testing.T) {
	f := newFixture(t, 3, 100)
	r := &countingResolver{inner: f.store}
	e, err := exchange.NewEngine(core.ExchangeConfig{}, r, nil)
	if err != nil {
		t.Fatal(err)
	}

	fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{
		want(f.blocks[0].CID, exchange.WantBlock),
		want(f.blocks[1].CID, exchange.WantBlock),
		want(f.blocks[2].CID, exchange.WantHave),
	}})
	if r.acquired != 3 || r.released != 1 {
		t.Fatalf("after want list: acquired %d released %d", r.acquired, r.released)
	}
	results := f.read(fx.Reads)
	e.CompleteRead(results[0])
	e.Disconnect("p1")
	e.CompleteRead(results[1])
	if r.released != 3 {
		t.Errorf("expected every reference released, %d of %d", r.released, r.acquired)
	}
}

func TestResponsesSplitBySize(t *testing.T) {
	f := newFixture(t, 12, 400)
	limit := 1200
	e := f.engine(t, core.ExchangeConfig{MaxMessageSize: limit})

	var ents []exchange.WantEntry
	for _, b := range f.blocks {
		ents = append(ents, want(b.CID, exchange.WantBlock))
	}
	fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: ents})
	out := e.CompleteRead(f.read(fx.Reads)...)

	if len(out.Messages) < 2 {
		t.Fatalf("expected the batch to be split, got %d message(s)", len(out.Messages))
	}
	var i int
	for _, m := range out.Messages {
		if m.Size() > limit && len(m.Blocks) > 1 {
			t.Errorf("message of %d bytes exceeds %d", m.Size(), limit)
		}
		for _, b := range m.Blocks {
			if !b.CID.Equal(f.blocks[i].CID) || string(b.Data) != string(f.blocks[i].Data) {
				t.Fatalf("block %d out of order or altered", i)
			}
			i++
		}
	}
	if i != len(f.blocks) {
		t.Errorf("expected %d blocks, got %d", len(f.blocks), i)
	}
}

func TestOversizedBlocksAnswerAsMiss(t *testing.T) {
	small := testkit.NewBlock([]byte("fits"))
	// The frame fits the limit, the message carrying it does not.
	edge := testkit.NewBlock(testkit.RandomBytes(testkit.RNG(2), 950))
	huge := testkit.NewBlock(testkit.RandomBytes(testkit.RNG(3), 5000))
	mem := storage.NewMem()
	mem.Put("a.car", testkit.EncodeV2(nil, []testkit.Block{small, edge, huge}))
	s, err := store.New(store.Options{Backend: mem})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	f := &fixture{mem: mem, store: s}
	e := f.engine(t, core.ExchangeConfig{MaxMessageSize: 1000})

	fx, err := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{
		want(small.CID, exchange.WantBlock),
		want(edge.CID, exchange.WantBlock),
		want(huge.CID, exchange.WantBlock),
	}})
	if err != nil {
		t.Fatal(err)
	}
	// The huge frame is refused before any read is issued.
	if len(fx.Reads) != 2 {
		t.Fatalf("expected 2 reads, got %d", len(fx.Reads))
	}
	_, ps := collect(fx.Messages)
	if len(ps) != 1 || ps[0].Have || !ps[0].CID.Equal(huge.CID) {
		t.Fatalf("expected unavailable for the huge block, got %+v", ps)
	}

	out := e.CompleteRead(f.read(fx.Reads)...)
	bs, ps := collect(out.Messages)
	if len(bs) != 1 || !bs[0].CID.Equal(small.CID) {
		t.Fatalf("expected only the small block, got %d blocks", len(bs))
	}
	if len(ps) != 1 || ps[0].Have || !ps[0].CID.Equal(edge.CID) {
		t.Fatalf("expected unavailable for the edge block, got %+v", ps)
	}
	for _, m := range out.Messages {
		if m.Size() > e.MaxMessageSize() {
			t.Errorf("message of %d bytes exceeds %d", m.Size(), e.MaxMessageSize())
		}
	}
	st, _ := e.Stats("p1")
	if st.Oversized != 2 || st.FailedReads != 0 || st.BlocksSent != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestMixedBatchKeepsResolutionOrder(t *testing.T) {
	f := newFixture(t, 3, 100)
	e := f.engine(t, core.ExchangeConfig{})

	fx, _ := e.HandleWantList("p1", exchange.WantList{Entries: []exchange.WantEntry{
		want(f.blocks[0].CID, exchange.WantBlock),
		want(f.blocks[1].CID, exchange.WantBlock),
		want(f.blocks[2].CID, exchange.WantBlock),
	}})
	results := f.read(fx.Reads)
	results[1].Frame, results[1].Err = nil, errors.New("read failed")

	out := e.CompleteRead(results...)
	var got []string
	for _, m := range out.Messages {
		for _, b := range m.Blocks {
			got = append(got, "block:"+b.CID.String())
		}
		for _, p := range m.Presences {
			got = append(got, fmt.Sprintf("have=%v:%s", p.Have, p.CID))
		}
	}
	want := []string{
		"block:" + f.blocks[0].CID.String(),
		"have=false:" + f.blocks[1].CID.String(),
		"block:" + f.blocks[2].CID.String(),
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("responses out of order:\n got %v\nwant %v", got, want)
	}
}
