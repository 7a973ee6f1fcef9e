package car

import (
	"bytes"
	"fmt"

	"github.com/agenthands/blockserve/pkg/cidutil"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// linkTag is the CBOR tag number for IPLD links.
const linkTag = 42

// Header is the first frame of a v1 stream.
type Header struct {
	Version uint64
	Roots   []core.CID
}

type wireHeader struct {
	Roots   []link `cbor:"roots"`
	Version uint64 `cbor:"version"`
}

// link is a CID encoded as tag 42 over a byte string with a leading 0x00
// (the identity multibase prefix).
type link []byte

func (l link) MarshalCBOR() ([]byte, error) {
	content := make([]byte, 0, len(l)+1)
	content = append(content, 0x00)
	content = append(content, l...)
	return encMode.Marshal(cbor.Tag{Number: linkTag, Content: content})
}

func (l *link) UnmarshalCBOR(data []byte) error {
	var t cbor.RawTag
	if err := t.UnmarshalCBOR(data); err != nil {
		return err
	}
	if t.Number != linkTag {
		return fmt.Errorf("unexpected tag %d for link", t.Number)
	}
	var content []byte
	if err := decMode.Unmarshal(t.Content, &content); err != nil {
		return fmt.Errorf("link content: %w", err)
	}
	if len(content) < 2 || content[0] != 0x00 {
		return fmt.Errorf("link is missing the identity multibase prefix")
	}
	*l = bytes.Clone(content[1:])
	return nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("car: failed to build cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("car: failed to build cbor decoder: %v", err))
	}
}

// EncodeHeader returns the CBOR body of the header frame.
func EncodeHeader(h Header) ([]byte, error) {
	if h.Version != 1 {
		return nil, fmt.Errorf("%w: header version %d", core.ErrInvalidInput, h.Version)
	}
	w := wireHeader{Version: h.Version, Roots: make([]link, 0, len(h.Roots))}
	for _, r := range h.Roots {
		if n, err := cidutil.PrefixLen(r.Bytes); err != nil || n != len(r.Bytes) {
			return nil, fmt.Errorf("%w: invalid root %s", core.ErrInvalidInput, r)
		}
		w.Roots = append(w.Roots, link(r.Bytes))
	}
	return encMode.Marshal(w)
}

// DecodeHeader parses the CBOR body of a header frame. Any version other
// than 1 is a format fault.
func DecodeHeader(body []byte) (Header, error) {
	var w wireHeader
	if err := decMode.Unmarshal(body, &w); err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", core.ErrFormat, err)
	}
	if w.Version != 1 {
		return Header{}, fmt.Errorf("%w: unsupported version %d", core.ErrFormat, w.Version)
	}
	h := Header{Version: w.Version, Roots: make([]core.CID, 0, len(w.Roots))}
	for _, r := range w.Roots {
		if n, err := cidutil.PrefixLen(r); err != nil || n != len(r) {
			return Header{}, fmt.Errorf("%w: invalid root link", core.ErrFormat)
		}
		h.Roots = append(h.Roots, core.CID{Bytes: []byte(r)})
	}
	return h, nil
}
