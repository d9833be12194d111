package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"unicode/utf16"
)

// attrDefFlagIndexable marks an attribute type as usable as an
// IndexView collation key (set on $FILE_NAME in the stock table).
const attrDefFlagIndexable = 0x02

// attrDefFlagResidentOnly marks an attribute type that may never be
// made non-resident (set on $STANDARD_INFORMATION in the stock table).
const attrDefFlagResidentOnly = 0x40

// AttrDefEntry is one row of the $AttrDef system file: the rules the
// residency migrator and index code consult for one attribute type
// (spec §4.7 rule 1 references "the attribute-definition table").
type AttrDefEntry struct {
	Name       string
	Type       AttributeType
	Flags      uint32
	MinSize    int64
	MaxSize    int64
}

// AttrDefTable is the decoded $AttrDef data stream (supplemented
// system file; spec.md doesn't name it explicitly but §4.7 rule 1
// presupposes it).
type AttrDefTable struct {
	entries map[AttributeType]AttrDefEntry
}

// DefaultAttrDefEntries mirrors the stock NTFS $AttrDef contents
// closely enough to drive residency decisions: every attribute type
// may become non-resident except $STANDARD_INFORMATION, which is
// small, fixed-size, and always resident.
func DefaultAttrDefEntries() []AttrDefEntry {
	return []AttrDefEntry{
		{Name: "$STANDARD_INFORMATION", Type: AttrStandardInformation, Flags: attrDefFlagResidentOnly, MinSize: 48, MaxSize: 72},
		{Name: "$ATTRIBUTE_LIST", Type: AttrAttributeList, MinSize: -1, MaxSize: -1},
		{Name: "$FILE_NAME", Type: AttrFileName, Flags: attrDefFlagIndexable, MinSize: 68, MaxSize: 578},
		{Name: "$OBJECT_ID", Type: AttrObjectID, MinSize: -1, MaxSize: -1},
		{Name: "$SECURITY_DESCRIPTOR", Type: AttrSecurityDescriptor, MinSize: -1, MaxSize: -1},
		{Name: "$VOLUME_NAME", Type: AttrVolumeName, MinSize: 0, MaxSize: 128},
		{Name: "$VOLUME_INFORMATION", Type: AttrVolumeInformation, MinSize: 12, MaxSize: 12},
		{Name: "$DATA", Type: AttrData, MinSize: -1, MaxSize: -1},
		{Name: "$INDEX_ROOT", Type: AttrIndexRoot, MinSize: -1, MaxSize: -1},
		{Name: "$INDEX_ALLOCATION", Type: AttrIndexAllocation, MinSize: -1, MaxSize: -1},
		{Name: "$BITMAP", Type: AttrBitmap, MinSize: -1, MaxSize: -1},
		{Name: "$REPARSE_POINT", Type: AttrReparsePoint, MinSize: 0, MaxSize: 16384},
		{Name: "$EA_INFORMATION", Type: AttrEAInformation, MinSize: 8, MaxSize: 8},
		{Name: "$EA", Type: AttrEA, MinSize: 0, MaxSize: 65536},
		{Name: "$LOGGED_UTILITY_STREAM", Type: AttrLoggedUtilityStream, MinSize: 0, MaxSize: 65536},
	}
}

// NewAttrDefTable builds a table from entries, as used by Formatter
// when seeding a fresh volume.
func NewAttrDefTable(entries []AttrDefEntry) *AttrDefTable {
	t := &AttrDefTable{entries: make(map[AttributeType]AttrDefEntry, len(entries))}
	for _, e := range entries {
		t.entries[e.Type] = e
	}
	return t
}

// AllowsNonResident reports whether attributes of type t may migrate
// to non-resident storage.
func (t *AttrDefTable) AllowsNonResident(typ AttributeType) bool {
	e, ok := t.entries[typ]
	if !ok {
		return true
	}
	return e.Flags&attrDefFlagResidentOnly == 0
}

// Lookup returns the entry for typ, if any.
func (t *AttrDefTable) Lookup(typ AttributeType) (AttrDefEntry, bool) {
	e, ok := t.entries[typ]
	return e, ok
}

const attrDefEntrySize = 160

// Encode serializes the table into $AttrDef's on-disk layout: a flat
// array of fixed 160-byte entries (64-byte UTF-16 name, type code,
// display-rule placeholder, flags, min/max size), terminated by a
// zero-type entry.
func (t *AttrDefTable) Encode() []byte {
	out := make([]byte, 0, (len(t.entries)+1)*attrDefEntrySize)
	for _, e := range DefaultAttrDefEntries() {
		if _, ok := t.entries[e.Type]; !ok {
			continue
		}
		rec := make([]byte, attrDefEntrySize)
		units := utf16.Encode([]rune(e.Name))
		for i, u := range units {
			binary.LittleEndian.PutUint16(rec[i*2:], u)
		}
		binary.LittleEndian.PutUint32(rec[0x80:], uint32(e.Type))
		binary.LittleEndian.PutUint32(rec[0x8C:], e.Flags)
		binary.LittleEndian.PutUint64(rec[0x90:], uint64(e.MinSize))
		binary.LittleEndian.PutUint64(rec[0x98:], uint64(e.MaxSize))
		out = append(out, rec...)
	}
	out = append(out, make([]byte, attrDefEntrySize)...) // zero-type terminator
	return out
}

// DecodeAttrDefTable parses $AttrDef's data stream.
func DecodeAttrDefTable(data []byte) (*AttrDefTable, error) {
	t := &AttrDefTable{entries: make(map[AttributeType]AttrDefEntry)}
	for off := 0; off+attrDefEntrySize <= len(data); off += attrDefEntrySize {
		rec := data[off : off+attrDefEntrySize]
		typ := AttributeType(binary.LittleEndian.Uint32(rec[0x80:]))
		if typ == 0 {
			break
		}
		units := make([]uint16, 0, 64)
		for i := 0; i < 64; i += 2 {
			u := binary.LittleEndian.Uint16(rec[i:])
			if u == 0 {
				break
			}
			units = append(units, u)
		}
		e := AttrDefEntry{
			Name:    string(utf16.Decode(units)),
			Type:    typ,
			Flags:   binary.LittleEndian.Uint32(rec[0x8C:]),
			MinSize: int64(binary.LittleEndian.Uint64(rec[0x90:])),
			MaxSize: int64(binary.LittleEndian.Uint64(rec[0x98:])),
		}
		t.entries[typ] = e
	}
	return t, nil
}
