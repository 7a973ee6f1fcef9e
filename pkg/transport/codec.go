// Package transport carries exchange messages over a byte stream. Each
// frame is a uvarint length followed by an envelope whose body is the
// CBOR-encoded message.
package transport

import (
	"fmt"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/exchange"
	"github.com/agenthands/blockserve/pkg/transform"
	"github.com/fxamacker/cbor/v2"
)

type wireEntry struct {
	CID          []byte `cbor:"1,keyasint"`
	Priority     int32  `cbor:"2,keyasint,omitempty"`
	Type         uint8  `cbor:"3,keyasint,omitempty"`
	Cancel       bool   `cbor:"4,keyasint,omitempty"`
	SendDontHave bool   `cbor:"5,keyasint,omitempty"`
}

type wireWantList struct {
	Entries []wireEntry `cbor:"1,keyasint"`
	Full    bool        `cbor:"2,keyasint,omitempty"`
}

type wireBlock struct {
	_    struct{} `cbor:",toarray"`
	CID  []byte
	Data []byte
}

type wirePresence struct {
	_    struct{} `cbor:",toarray"`
	CID  []byte
	Have bool
}

type wireMessage struct {
	WantList  *wireWantList  `cbor:"1,keyasint,omitempty"`
	Blocks    []wireBlock    `cbor:"2,keyasint,omitempty"`
	Presences []wirePresence `cbor:"3,keyasint,omitempty"`
}

// Codec converts messages to frame bodies and back.
type Codec struct {
	tr  transform.Transform
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec returns a codec that wraps bodies with tr.
func NewCodec(tr transform.Transform) (*Codec, error) {
	if tr == nil {
		tr = transform.NewNone()
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  8,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Codec{tr: tr, enc: enc, dec: dec}, nil
}

// Marshal encodes m as an envelope.
func (c *Codec) Marshal(m exchange.Message) ([]byte, error) {
	var w wireMessage
	if m.WantList != nil {
		w.WantList = &wireWantList{Full: m.WantList.Full, Entries: make([]wireEntry, len(m.WantList.Entries))}
		for i, e := range m.WantList.Entries {
			w.WantList.Entries[i] = wireEntry{
				CID:          e.CID.Bytes,
				Priority:     e.Priority,
				Type:         uint8(e.Type),
				Cancel:       e.Cancel,
				SendDontHave: e.SendDontHave,
			}
		}
	}
	for _, b := range m.Blocks {
		w.Blocks = append(w.Blocks, wireBlock{CID: b.CID.Bytes, Data: b.Data})
	}
	for _, p := range m.Presences {
		w.Presences = append(w.Presences, wirePresence{CID: p.CID.Bytes, Have: p.Have})
	}
	body, err := c.enc.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return c.tr.Encode(body)
}

// Unmarshal decodes an envelope. Malformed input yields ErrProtocol.
func (c *Codec) Unmarshal(frame []byte) (exchange.Message, error) {
	body, err := c.tr.Decode(frame)
	if err != nil {
		return exchange.Message{}, fmt.Errorf("%w: %v", core.ErrProtocol, err)
	}
	var w wireMessage
	if err := c.dec.Unmarshal(body, &w); err != nil {
		return exchange.Message{}, fmt.Errorf("%w: %v", core.ErrProtocol, err)
	}

	var m exchange.Message
	if w.WantList != nil {
		m.WantList = &exchange.WantList{Full: w.WantList.Full, Entries: make([]exchange.WantEntry, len(w.WantList.Entries))}
		for i, e := range w.WantList.Entries {
			m.WantList.Entries[i] = exchange.WantEntry{
				CID:          core.CID{Bytes: e.CID},
				Priority:     e.Priority,
				Type:         exchange.WantType(e.Type),
				Cancel:       e.Cancel,
				SendDontHave: e.SendDontHave,
			}
		}
	}
	for _, b := range w.Blocks {
		m.Blocks = append(m.Blocks, exchange.Block{CID: core.CID{Bytes: b.CID}, Data: b.Data})
	}
	for _, p := range w.Presences {
		m.Presences = append(m.Presences, exchange.Presence{CID: core.CID{Bytes: p.CID}, Have: p.Have})
	}
	return m, nil
}
