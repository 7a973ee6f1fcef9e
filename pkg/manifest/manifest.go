// Package manifest describes how a packed file was split into raw chunk
// blocks. A manifest is stored as a dag-cbor block next to its chunks and
// its CID becomes a root of the archive.
package manifest

import (
	"fmt"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// Version is the only manifest version this package reads or writes.
const Version = 1

// linkTag is the CBOR tag dag-cbor uses for CID links.
const linkTag = 42

// Link is a CID encoded as a dag-cbor link (tag 42 over the CID bytes with
// a leading identity multibase byte).
type Link core.CID

func (l Link) MarshalCBOR() ([]byte, error) {
	content := make([]byte, 1+len(l.Bytes))
	copy(content[1:], l.Bytes)
	return cbor.Marshal(cbor.Tag{Number: linkTag, Content: content})
}

func (l *Link) UnmarshalCBOR(data []byte) error {
	var raw cbor.RawTag
	if err := raw.UnmarshalCBOR(data); err != nil {
		return err
	}
	if raw.Number != linkTag {
		return fmt.Errorf("unexpected tag %d for link", raw.Number)
	}
	var content []byte
	if err := cbor.Unmarshal(raw.Content, &content); err != nil {
		return err
	}
	if len(content) < 2 || content[0] != 0 {
		return fmt.Errorf("malformed link")
	}
	l.Bytes = content[1:]
	return nil
}

// ChunkRef references a chunk by its CID and its length.
type ChunkRef struct {
	CID Link   `cbor:"cid"`
	Len uint32 `cbor:"len"`
}

// Manifest lists the chunks of one file in order.
type Manifest struct {
	Version uint16     `cbor:"version"`
	Name    string     `cbor:"name"`
	Length  uint64     `cbor:"length"`
	Chunks  []ChunkRef `cbor:"chunks"`
}

// Limits bounds what a decoded manifest may contain. Zero fields are
// unlimited.
type Limits struct {
	MaxChunks  int
	MaxNameLen int
}

// DefaultLimits are applied by the CLI.
var DefaultLimits = Limits{
	MaxChunks:  1 << 20,
	MaxNameLen: 4096,
}

// Codec defines the interface for manifest encoding/decoding and validation.
type Codec interface {
	Encode(m *Manifest) ([]byte, error)
	Decode(b []byte) (*Manifest, error)
}

type codec struct {
	limits  Limits
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCodec returns a Codec enforcing limits.
func NewCodec(limits Limits) Codec {
	// dag-cbor map keys sort length-first, which is the canonical order.
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		MaxNestedLevels:   8,
		MaxArrayElements:  max(limits.MaxChunks, 16),
		MaxMapPairs:       16,
		UTF8:              cbor.UTF8RejectInvalid,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &codec{
		limits:  limits,
		encMode: em,
		decMode: dm,
	}
}

func (c *codec) Encode(m *Manifest) ([]byte, error) {
	if err := c.validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}

	return c.encMode.Marshal(m)
}

func (c *codec) Decode(b []byte) (*Manifest, error) {
	var m Manifest
	if err := c.decMode.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal manifest: %v", core.ErrFormat, err)
	}

	if err := c.validate(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFormat, err)
	}

	return &m, nil
}

func (c *codec) validate(m *Manifest) error {
	if m.Version != Version {
		return fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if c.limits.MaxNameLen > 0 && len(m.Name) > c.limits.MaxNameLen {
		return fmt.Errorf("name too long: %d > %d", len(m.Name), c.limits.MaxNameLen)
	}
	if c.limits.MaxChunks > 0 && len(m.Chunks) > c.limits.MaxChunks {
		return fmt.Errorf("too many chunks: %d > %d", len(m.Chunks), c.limits.MaxChunks)
	}

	var sumLength uint64
	for i, chunk := range m.Chunks {
		_, n, err := cidutil.Decode(chunk.CID.Bytes)
		if err != nil || n != len(chunk.CID.Bytes) {
			return fmt.Errorf("chunk %d has an invalid CID", i)
		}
		if chunk.Len == 0 {
			return fmt.Errorf("chunk %d is empty", i)
		}
		sumLength += uint64(chunk.Len)
	}

	if sumLength != m.Length {
		return fmt.Errorf("length mismatch: manifest says %d, chunks sum to %d", m.Length, sumLength)
	}

	return nil
}
