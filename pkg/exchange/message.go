package exchange

import (
	"fmt"

	"github.com/agenthands/blockserve/pkg/core"
)

// WantType is the response a peer asks for.
type WantType uint8

const (
	// WantBlock asks for the block bytes.
	WantBlock WantType = iota
	// WantHave asks only whether the block is available.
	WantHave
)

func (t WantType) String() string {
	switch t {
	case WantBlock:
		return "block"
	case WantHave:
		return "have"
	default:
		return fmt.Sprintf("WantType(%d)", uint8(t))
	}
}

// WantEntry is one line of a want-list.
type WantEntry struct {
	CID      core.CID
	Priority int32
	Type     WantType
	Cancel   bool
	// SendDontHave asks for an explicit unavailable presence on a miss.
	SendDontHave bool
}

// WantList is a batch of want entries from one peer. A full list replaces
// every outstanding want of the session.
type WantList struct {
	Entries []WantEntry
	Full    bool
}

// Presence reports whether a block is available.
type Presence struct {
	CID  core.CID
	Have bool
}

type Block struct {
	CID  core.CID
	Data []byte
}

// Message is the logical unit exchanged with a peer. Requests carry a
// WantList; responses carry blocks and presences.
type Message struct {
	WantList  *WantList
	Blocks    []Block
	Presences []Presence
}

// Overheads bound the framing cost of each element once serialized so
// Size never underestimates.
const (
	messageOverhead  = 48
	blockOverhead    = 20
	presenceOverhead = 12
	entryOverhead    = 24
)

func blockSize(b Block) int {
	return blockOverhead + len(b.CID.Bytes) + len(b.Data)
}

func presenceSize(p Presence) int {
	return presenceOverhead + len(p.CID.Bytes)
}

// Size returns an upper bound on the serialized size of m.
func (m Message) Size() int {
	n := messageOverhead
	if m.WantList != nil {
		for _, e := range m.WantList.Entries {
			n += entryOverhead + len(e.CID.Bytes)
		}
	}
	for _, b := range m.Blocks {
		n += blockSize(b)
	}
	for _, p := range m.Presences {
		n += presenceSize(p)
	}
	return n
}

// Empty reports whether m carries nothing.
func (m Message) Empty() bool {
	return m.WantList == nil && len(m.Blocks) == 0 && len(m.Presences) == 0
}

// Response is one resolved want: a block, or a presence when Block is nil.
type Response struct {
	Block    *Block
	Presence Presence
}

func (r Response) size() int {
	if r.Block != nil {
		return blockSize(*r.Block)
	}
	return presenceSize(r.Presence)
}

// Split packs responses into messages no larger than limit. A receiver
// handles a message's blocks before its presences, so a block that follows
// a presence starts a new message; the order of responses is kept across
// and within messages. A block larger than limit on its own is sent alone.
func Split(responses []Response, limit int) []Message {
	var out []Message
	cur := Message{}
	size := messageOverhead

	for _, r := range responses {
		n := r.size()
		if !cur.Empty() && (size+n > limit || (r.Block != nil && len(cur.Presences) > 0)) {
			out = append(out, cur)
			cur = Message{}
			size = messageOverhead
		}
		if r.Block != nil {
			cur.Blocks = append(cur.Blocks, *r.Block)
		} else {
			cur.Presences = append(cur.Presences, r.Presence)
		}
		size += n
	}
	if !cur.Empty() {
		out = append(out, cur)
	}
	return out
}
