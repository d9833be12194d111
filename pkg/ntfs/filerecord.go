package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
)

// FileRecordReference identifies an MFT record together with the
// sequence number that must match for the reference to still be valid
// (spec §3): a stale reference — one whose sequence number doesn't
// match the record's current one — resolves to "not found" rather than
// silently pointing at whatever now occupies that slot.
type FileRecordReference uint64

// NewFileRecordReference packs an MFT index (48 bits) and sequence
// number (16 bits) into the on-disk reference form.
func NewFileRecordReference(mftIndex int64, sequenceNumber uint16) FileRecordReference {
	return FileRecordReference(uint64(mftIndex&0xFFFFFFFFFFFF) | uint64(sequenceNumber)<<48)
}

// MftIndex returns the low 48 bits.
func (r FileRecordReference) MftIndex() int64 { return int64(uint64(r) & 0xFFFFFFFFFFFF) }

// SequenceNumber returns the high 16 bits.
func (r FileRecordReference) SequenceNumber() uint16 { return uint16(uint64(r) >> 48) }

// IsZero reports whether this is the null reference (used for
// BaseFile on primary records, and "no parent" sentinels).
func (r FileRecordReference) IsZero() bool { return r == 0 }

// FileRecord header layout (spec §6); the fields below end at 0x2A.
const (
	frHdrUsaOffset       = 0x04
	frHdrUsaCount        = 0x06
	frHdrLSN             = 0x08
	frHdrSequenceNumber  = 0x10
	frHdrHardLinkCount   = 0x12
	frHdrFirstAttrOffset = 0x14
	frHdrFlags           = 0x16
	frHdrRealSize        = 0x18
	frHdrAllocatedSize   = 0x1C
	frHdrBaseFile        = 0x20
	frHdrNextAttrID      = 0x28
	frHdrHeaderSize      = 0x2A // 42; NTFS pads to a multiple matching the sector layout, callers round to 8
)

// FileRecord is a fixup-framed MFT entry: header, sequence number,
// base-file back-reference, and an ordered list of attribute records
// (spec §3, §6).
type FileRecord struct {
	Index            int64
	SequenceNumber   uint16
	HardLinkCount    uint16
	Flags            FileRecordFlags
	BaseFile         FileRecordReference
	NextAttributeID  uint16
	AllocatedSize    int64

	Attributes []*AttributeRecord

	fixup *FixupRecord
}

// NewFileRecord creates an empty, in-use primary FileRecord for index
// with the given allocated (on-disk) size.
func NewFileRecord(index int64, allocatedSize int64) *FileRecord {
	return &FileRecord{
		Index:          index,
		SequenceNumber: 1,
		Flags:          FileRecordInUse,
		AllocatedSize:  allocatedSize,
		fixup:          NewFixupRecord("FILE", 512),
	}
}

// RealSize computes the occupied size: header + attributes + the
// 4-byte 0xFFFFFFFF terminator (spec §3 invariant).
func (f *FileRecord) RealSize() int64 {
	size := int64(frHdrHeaderSize)
	size = int64(align8(int(size)))
	for _, a := range f.Attributes {
		size += int64(a.EncodedLength())
	}
	size += 4 // terminator
	return int64(align8(int(size)))
}

// FreeSpace returns how much room remains before the record overflows
// its allocated size; a negative value means the record has already
// overflowed and must be migrated (spec §4.7).
func (f *FileRecord) FreeSpace() int64 {
	return f.AllocatedSize - f.RealSize()
}

// FindAttribute returns the first attribute with the given type and
// name, or nil.
func (f *FileRecord) FindAttribute(t AttributeType, name string) *AttributeRecord {
	for _, a := range f.Attributes {
		if a.Type == t && a.Name == name {
			return a
		}
	}
	return nil
}

// AddAttribute inserts a into the record's attribute list, keeping it
// sorted by (type, name, start_vcn) per spec §4.6, and assigns it a
// fresh attribute id.
func (f *FileRecord) AddAttribute(a *AttributeRecord, up *UpCaseTable) {
	a.ID = f.NextAttributeID
	f.NextAttributeID++

	idx := 0
	for idx < len(f.Attributes) && CompareAttributeKey(up, f.Attributes[idx], a) < 0 {
		idx++
	}
	f.Attributes = append(f.Attributes, nil)
	copy(f.Attributes[idx+1:], f.Attributes[idx:])
	f.Attributes[idx] = a
}

// RemoveAttribute deletes the attribute with the given id.
func (f *FileRecord) RemoveAttribute(id uint16) bool {
	for i, a := range f.Attributes {
		if a.ID == id {
			f.Attributes = append(f.Attributes[:i], f.Attributes[i+1:]...)
			return true
		}
	}
	return false
}

// Encode serializes the FileRecord into a fixed allocatedSize buffer,
// stamping a fresh fixup USN.
func (f *FileRecord) Encode() ([]byte, error) {
	buf := make([]byte, f.AllocatedSize)

	f.fixup.InitHeader(buf, frHdrHeaderSize)

	binary.LittleEndian.PutUint16(buf[frHdrSequenceNumber:], f.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[frHdrHardLinkCount:], f.HardLinkCount)
	binary.LittleEndian.PutUint16(buf[frHdrFlags:], uint16(f.Flags))
	binary.LittleEndian.PutUint32(buf[frHdrAllocatedSize:], uint32(f.AllocatedSize))
	binary.LittleEndian.PutUint64(buf[frHdrBaseFile:], uint64(f.BaseFile))
	binary.LittleEndian.PutUint16(buf[frHdrNextAttrID:], f.NextAttributeID)

	off := align8(frHdrHeaderSize)
	binary.LittleEndian.PutUint16(buf[frHdrFirstAttrOffset:], uint16(off))

	for _, a := range f.Attributes {
		enc := a.Encode()
		if off+len(enc) > len(buf) {
			return nil, corruptf("file record %d overflowed while encoding", f.Index)
		}
		copy(buf[off:], enc)
		off += len(enc)
	}

	if off+4 > len(buf) {
		return nil, corruptf("file record %d has no room for terminator", f.Index)
	}
	binary.LittleEndian.PutUint32(buf[off:], 0xFFFFFFFF)
	realSize := off + 4

	binary.LittleEndian.PutUint32(buf[frHdrRealSize:], uint32(realSize))

	if err := f.fixup.Store(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// DecodeFileRecord parses a FileRecord out of a raw, still fixup-framed
// buffer (one MFT record's worth of bytes). ignoreCorrupt does not
// change the outcome here: a record that fails fixup or the header
// checks is returned as an error either way.
func DecodeFileRecord(index int64, raw []byte, ignoreCorrupt bool) (*FileRecord, error) {
	fr := NewFixupRecord("FILE", 512)
	buf, err := fr.Load(append([]byte(nil), raw...), false)
	if err != nil {
		if ignoreCorrupt {
			return nil, err
		}
		return nil, err
	}

	f := &FileRecord{Index: index, fixup: fr}
	f.SequenceNumber = binary.LittleEndian.Uint16(buf[frHdrSequenceNumber:])
	f.HardLinkCount = binary.LittleEndian.Uint16(buf[frHdrHardLinkCount:])
	f.Flags = FileRecordFlags(binary.LittleEndian.Uint16(buf[frHdrFlags:]))
	realSize := int64(binary.LittleEndian.Uint32(buf[frHdrRealSize:]))
	f.AllocatedSize = int64(binary.LittleEndian.Uint32(buf[frHdrAllocatedSize:]))
	f.BaseFile = FileRecordReference(binary.LittleEndian.Uint64(buf[frHdrBaseFile:]))
	f.NextAttributeID = binary.LittleEndian.Uint16(buf[frHdrNextAttrID:])
	firstAttrOffset := int(binary.LittleEndian.Uint16(buf[frHdrFirstAttrOffset:]))

	if realSize < int64(firstAttrOffset) || realSize > int64(len(buf)) {
		return nil, corruptf("file record %d: real size %d out of range", index, realSize)
	}
	if realSize >= 4 {
		term := binary.LittleEndian.Uint32(buf[realSize-4:])
		if term != 0xFFFFFFFF {
			return nil, corruptf("file record %d: missing terminator", index)
		}
	}

	off := firstAttrOffset
	for off+4 <= int(realSize) {
		t := binary.LittleEndian.Uint32(buf[off:])
		if t == uint32(AttrEndMarker) {
			break
		}
		a, err := DecodeAttributeRecord(buf[off:realSize])
		if err != nil {
			return nil, err
		}
		f.Attributes = append(f.Attributes, a)
		off += int(a.EncodedLength())
	}

	return f, nil
}
