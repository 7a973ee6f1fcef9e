package cidutil

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/agenthands/blockserve/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

// Builder defines the interface for creating and verifying CIDs.
type Builder interface {
	ChunkCID(plain []byte) (core.CID, error)
	ManifestCID(dagCbor []byte) (core.CID, error)
	Verify(c core.CID, plain []byte) error
}

type builder struct{}

// NewBuilder returns a new CID builder implementation.
func NewBuilder() Builder {
	return &builder{}
}

func (b *builder) ChunkCID(plain []byte) (core.CID, error) {
	return Sum(cid.Raw, plain)
}

func (b *builder) ManifestCID(dagCbor []byte) (core.CID, error) {
	return Sum(cid.DagCBOR, dagCbor)
}

func (b *builder) Verify(c core.CID, plain []byte) error {
	return Verify(c, plain)
}

// Sum builds a CIDv1 with the given codec over a sha2-256 digest of data.
func Sum(codec uint64, data []byte) (core.CID, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return core.CID{}, fmt.Errorf("failed to compute multihash: %w", err)
	}

	c := cid.NewCidV1(codec, hash)
	return core.CID{Bytes: c.Bytes()}, nil
}

// Verify rehashes plain with the hash function named by c and compares the
// result with the digest embedded in c.
func Verify(c core.CID, plain []byte) error {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return fmt.Errorf("%w: invalid CID bytes: %v", core.ErrFormat, err)
	}

	prefix := id.Prefix()
	hash, err := multihash.Sum(plain, prefix.MhType, prefix.MhLength)
	if err != nil {
		return fmt.Errorf("%w: code 0x%x: %v", core.ErrUnsupportedHash, prefix.MhType, err)
	}

	if !bytes.Equal(id.Hash(), hash) {
		return fmt.Errorf("%w: CID mismatch", core.ErrIntegrity)
	}

	return nil
}

// PrefixLen returns the number of bytes taken by the CID at the start of buf.
// It returns core.ErrShortBuffer when buf ends inside the CID and
// core.ErrFormat when the bytes can never form a valid CID.
func PrefixLen(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, core.ErrShortBuffer
	}

	// CIDv0 is a bare sha2-256 multihash.
	if buf[0] == 0x12 && buf[1] == 0x20 {
		if len(buf) < 34 {
			return 0, core.ErrShortBuffer
		}
		if _, err := cid.Cast(buf[:34]); err != nil {
			return 0, fmt.Errorf("%w: %v", core.ErrFormat, err)
		}
		return 34, nil
	}

	n := 0
	next := func() (uint64, error) {
		v, l, err := varint.FromUvarint(buf[n:])
		if err != nil {
			if errors.Is(err, varint.ErrUnderflow) {
				return 0, core.ErrShortBuffer
			}
			return 0, fmt.Errorf("%w: cid varint: %v", core.ErrFormat, err)
		}
		n += l
		return v, nil
	}

	version, err := next()
	if err != nil {
		return 0, err
	}
	if version != 1 {
		return 0, fmt.Errorf("%w: unsupported CID version %d", core.ErrFormat, version)
	}
	if _, err := next(); err != nil { // codec
		return 0, err
	}
	if _, err := next(); err != nil { // hash code
		return 0, err
	}
	digestLen, err := next()
	if err != nil {
		return 0, err
	}
	if digestLen > uint64(core.MaxDigestSize) {
		return 0, fmt.Errorf("%w: digest length %d", core.ErrFormat, digestLen)
	}
	if uint64(len(buf)-n) < digestLen {
		return 0, core.ErrShortBuffer
	}
	n += int(digestLen)

	if _, err := cid.Cast(buf[:n]); err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrFormat, err)
	}
	return n, nil
}

// Decode copies the CID at the start of buf and reports its length.
func Decode(buf []byte) (core.CID, int, error) {
	n, err := PrefixLen(buf)
	if err != nil {
		return core.CID{}, 0, err
	}
	return core.CID{Bytes: bytes.Clone(buf[:n])}, n, nil
}

// Multihash returns the multihash embedded in c.
func Multihash(c core.CID) ([]byte, error) {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CID bytes: %v", core.ErrFormat, err)
	}
	return id.Hash(), nil
}

// Digest splits the multihash of c into its function code and digest.
func Digest(c core.CID) (uint64, []byte, error) {
	mh, err := Multihash(c)
	if err != nil {
		return 0, nil, err
	}
	dec, err := multihash.Decode(mh)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", core.ErrFormat, err)
	}
	return dec.Code, dec.Digest, nil
}

// Parse decodes a CID from its string form.
func Parse(s string) (core.CID, error) {
	id, err := cid.Decode(s)
	if err != nil {
		return core.CID{}, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return core.CID{Bytes: id.Bytes()}, nil
}

// Format renders c in its canonical string form, falling back to hex for
// bytes that are not a CID.
func Format(c core.CID) string {
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return c.String()
	}
	return id.String()
}
