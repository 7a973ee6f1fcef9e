package core

import (
	"bytes"
	"encoding/hex"
)

// CID represents binary CID bytes.
type CID struct {
	Bytes []byte
}

// Key returns the CID bytes as a comparable map key.
func (c CID) Key() string {
	return string(c.Bytes)
}

func (c CID) IsZero() bool {
	return len(c.Bytes) == 0
}

func (c CID) Equal(o CID) bool {
	return bytes.Equal(c.Bytes, o.Bytes)
}

// String returns the hex form of the CID bytes. Use cidutil.Format for the
// multibase form.
func (c CID) String() string {
	return hex.EncodeToString(c.Bytes)
}

// Location addresses one section (length prefix, CID and payload) inside an
// archive file.
type Location struct {
	ArchiveID string
	// Offset is the absolute file offset of the section's length prefix.
	Offset uint64
	// Length covers the whole section including the length prefix.
	Length uint64
}

// End returns the offset one past the last byte of the section.
func (l Location) End() uint64 {
	return l.Offset + l.Length
}

// Provenance records where an archive's index came from.
type Provenance uint8

const (
	ProvenanceUnknown Provenance = iota
	ProvenanceDisk
	ProvenanceScan
	ProvenanceCatalog
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceDisk:
		return "disk"
	case ProvenanceScan:
		return "scan"
	case ProvenanceCatalog:
		return "catalog"
	default:
		return "unknown"
	}
}

// Fingerprint identifies one version of an archive file.
type Fingerprint struct {
	Size    int64
	ModTime int64 // unix nanos
}

// MaxDigestSize bounds digest lengths accepted from untrusted input.
const MaxDigestSize = 128
