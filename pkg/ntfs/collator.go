package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "encoding/binary"

// CollationRule identifies which ordering function an Index's entries
// are sorted under, stored in the IndexRoot header so a reopened index
// picks the same Collator it was built with (spec §4.9).
type CollationRule uint32

const (
	CollationFilename              CollationRule = 0x01
	CollationUnsignedLong          CollationRule = 0x10
	CollationSID                   CollationRule = 0x11
	CollationSecurityHash          CollationRule = 0x12
	CollationMultipleUnsignedLongs CollationRule = 0x13
)

// Collator gives a B+ Index its total order over opaque key bytes
// (spec §9: "a pairing of a byte-level B+ tree ... and a Collator
// interface").
type Collator interface {
	Rule() CollationRule
	Compare(a, b []byte) int
}

// FilenameCollator orders keys by NTFS-uppercase lexicographic order
// of the UTF-16LE name bytes embedded at a fixed offset within a
// FileNameRecord key (spec §4.10).
type FilenameCollator struct {
	UpCase *UpCaseTable
}

func (FilenameCollator) Rule() CollationRule { return CollationFilename }

func (c FilenameCollator) Compare(a, b []byte) int {
	nameA := filenameBytesFromKey(a)
	nameB := filenameBytesFromKey(b)
	return c.UpCase.CompareUnits(nameA, nameB)
}

// UnsignedLongCollator orders keys as a single little-endian uint32
// (used by $SII, keyed on security id).
type UnsignedLongCollator struct{}

func (UnsignedLongCollator) Rule() CollationRule { return CollationUnsignedLong }

func (UnsignedLongCollator) Compare(a, b []byte) int {
	va := binary.LittleEndian.Uint32(a)
	vb := binary.LittleEndian.Uint32(b)
	switch {
	case va < vb:
		return -1
	case va > vb:
		return 1
	default:
		return 0
	}
}

// MultipleUnsignedLongsCollator orders keys as a sequence of
// little-endian uint32 words, compared lexicographically word by word
// (used by $SDH: key = (hash32, id32)).
type MultipleUnsignedLongsCollator struct{}

func (MultipleUnsignedLongsCollator) Rule() CollationRule { return CollationMultipleUnsignedLongs }

func (MultipleUnsignedLongsCollator) Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for off := 0; off+4 <= n; off += 4 {
		va := binary.LittleEndian.Uint32(a[off:])
		vb := binary.LittleEndian.Uint32(b[off:])
		if va != vb {
			if va < vb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// SIDCollator orders security-identifier keys byte-for-byte (the SID
// wire form is already big-endian authority plus ascending
// sub-authorities, so lexicographic byte order matches Windows SID
// ordering).
type SIDCollator struct{}

func (SIDCollator) Rule() CollationRule { return CollationSID }

func (SIDCollator) Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// collatorForRule reconstructs the Collator matching a stored
// CollationRule code when an Index is reopened from disk.
func collatorForRule(rule CollationRule, up *UpCaseTable) Collator {
	switch rule {
	case CollationFilename:
		return FilenameCollator{UpCase: up}
	case CollationUnsignedLong:
		return UnsignedLongCollator{}
	case CollationSID:
		return SIDCollator{}
	case CollationMultipleUnsignedLongs:
		return MultipleUnsignedLongsCollator{}
	default:
		return UnsignedLongCollator{}
	}
}
