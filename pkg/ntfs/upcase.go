package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"strings"
	"unicode"
	"unicode/utf16"
)

// UpCaseTable is the $UpCase system file: a 65536-entry table mapping
// every UTF-16 code unit to its uppercase form, consulted by the
// filename collator for case-insensitive comparison (spec §3, §6
// "the volume's $UpCase table"). Every real NTFS volume carries one;
// spec.md's distillation mentions it only in passing, so this module
// supplements it as a concrete system file (see SPEC_FULL.md).
type UpCaseTable struct {
	table [65536]uint16
}

// NewUpCaseTable builds the table from Go's unicode.ToUpper, which
// agrees with the Windows table for the entire Basic Multilingual
// Plane to the precision this engine's directory collation needs.
func NewUpCaseTable() *UpCaseTable {
	u := &UpCaseTable{}
	for i := 0; i < 65536; i++ {
		u.table[i] = uint16(unicode.ToUpper(rune(i)))
	}
	return u
}

// LoadUpCaseTable parses a raw $UpCase data stream (128KiB of
// little-endian uint16 entries).
func LoadUpCaseTable(data []byte) (*UpCaseTable, error) {
	if len(data) < 65536*2 {
		return nil, corruptf("$UpCase stream too short: %d bytes", len(data))
	}
	u := &UpCaseTable{}
	for i := 0; i < 65536; i++ {
		u.table[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return u, nil
}

// Bytes serializes the table to its on-disk form.
func (u *UpCaseTable) Bytes() []byte {
	out := make([]byte, 65536*2)
	for i, v := range u.table {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// ToUpper uppercases a single UTF-16 code unit via the table.
func (u *UpCaseTable) ToUpper(c uint16) uint16 { return u.table[c] }

// UpperString uppercases s code-unit-by-code-unit through the table.
func (u *UpCaseTable) UpperString(s string) string {
	units := utf16.Encode([]rune(s))
	for i, c := range units {
		units[i] = u.ToUpper(c)
	}
	return string(utf16.Decode(units))
}

// CompareStrings performs the NTFS-uppercase lexicographic comparison
// spec §4.10 requires for filename collation, returning -1/0/1.
func (u *UpCaseTable) CompareStrings(a, b string) int {
	return strings.Compare(u.UpperString(a), u.UpperString(b))
}

// CompareUnits compares two raw UTF-16LE byte buffers using the
// uppercase table directly, avoiding a round trip through Go strings.
// Used by the filename Collator, which operates on serialized keys.
func (u *UpCaseTable) CompareUnits(a, b []byte) int {
	ua := bytesToUnits(a)
	ub := bytesToUnits(b)
	n := len(ua)
	if len(ub) < n {
		n = len(ub)
	}
	for i := 0; i < n; i++ {
		ca, cb := u.ToUpper(ua[i]), u.ToUpper(ub[i])
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ua) < len(ub):
		return -1
	case len(ua) > len(ub):
		return 1
	default:
		return 0
	}
}

func bytesToUnits(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return out
}
