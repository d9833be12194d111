package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"unicode/utf16"
)

// Resident header layout offsets (spec §4.6).
const (
	attrHdrType        = 0x00
	attrHdrLength      = 0x04
	attrHdrNonResident = 0x08
	attrHdrNameLength  = 0x09
	attrHdrNameOffset  = 0x0A
	attrHdrFlags       = 0x0C
	attrHdrID          = 0x0E

	attrResHeaderSize = 0x18
	attrResDataLength = 0x10
	attrResDataOffset = 0x14
	attrResIndexed    = 0x16

	attrNonResHeaderSize     = 0x40
	attrNonResStartVCN       = 0x10
	attrNonResLastVCN        = 0x18
	attrNonResRunOffset      = 0x20
	attrNonResCompUnit       = 0x22
	attrNonResAllocatedLen   = 0x28
	attrNonResDataLength     = 0x30
	attrNonResInitializedLen = 0x38
	attrNonResCompressedSize = 0x40 // only present when compressed/sparse
)

func align8(n int) int { return (n + 7) &^ 7 }

// AttributeRecord is the wire format of a single attribute extent
// inside an MFT record (spec §4.6).
type AttributeRecord struct {
	Type  AttributeType
	Name  string
	ID    uint16
	Flags AttributeFlags

	NonResident bool

	// Resident form.
	ResidentData []byte
	Indexed      bool

	// Non-resident form.
	StartVCN              int64
	LastVCN               int64
	CompressionUnit        uint8 // log2 of cluster count, 0 = uncompressed
	AllocatedLength        int64
	DataLength             int64
	InitializedDataLength  int64
	CompressedDataSize     int64
	RunListBytes           []byte
}

// HeaderSize returns this record's on-disk header length (spec §4.6:
// ≥0x18 resident / 0x40 non-resident, plus UTF-16 name, rounded to 8).
func (a *AttributeRecord) HeaderSize() int {
	base := attrResHeaderSize
	if a.NonResident {
		base = attrNonResHeaderSize
		if a.Flags&(AttrFlagCompressed|AttrFlagSparse) != 0 {
			base += 8
		}
	}
	nameBytes := len(utf16.Encode([]rune(a.Name))) * 2
	return align8(base + nameBytes)
}

// EncodedLength returns the total serialized size of this record.
func (a *AttributeRecord) EncodedLength() int {
	hdr := a.HeaderSize()
	if a.NonResident {
		return align8(hdr + len(a.RunListBytes))
	}
	return align8(hdr + len(a.ResidentData))
}

// Encode serializes the attribute record.
func (a *AttributeRecord) Encode() []byte {
	total := a.EncodedLength()
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[attrHdrType:], uint32(a.Type))
	binary.LittleEndian.PutUint32(buf[attrHdrLength:], uint32(total))
	if a.NonResident {
		buf[attrHdrNonResident] = 1
	}
	binary.LittleEndian.PutUint16(buf[attrHdrFlags:], uint16(a.Flags))
	binary.LittleEndian.PutUint16(buf[attrHdrID:], a.ID)

	nameUnits := utf16.Encode([]rune(a.Name))
	buf[attrHdrNameLength] = byte(len(nameUnits))

	base := attrResHeaderSize
	if a.NonResident {
		base = attrNonResHeaderSize
		if a.Flags&(AttrFlagCompressed|AttrFlagSparse) != 0 {
			base += 8
		}
	}

	if len(nameUnits) > 0 {
		binary.LittleEndian.PutUint16(buf[attrHdrNameOffset:], uint16(base))
		for i, u := range nameUnits {
			binary.LittleEndian.PutUint16(buf[base+i*2:], u)
		}
	}

	hdrSize := a.HeaderSize()

	if a.NonResident {
		binary.LittleEndian.PutUint64(buf[attrNonResStartVCN:], uint64(a.StartVCN))
		binary.LittleEndian.PutUint64(buf[attrNonResLastVCN:], uint64(a.LastVCN))
		binary.LittleEndian.PutUint16(buf[0x20:], uint16(hdrSize))
		binary.LittleEndian.PutUint16(buf[attrNonResCompUnit:], uint16(a.CompressionUnit))
		binary.LittleEndian.PutUint64(buf[attrNonResAllocatedLen:], uint64(a.AllocatedLength))
		binary.LittleEndian.PutUint64(buf[attrNonResDataLength:], uint64(a.DataLength))
		binary.LittleEndian.PutUint64(buf[attrNonResInitializedLen:], uint64(a.InitializedDataLength))
		if a.Flags&(AttrFlagCompressed|AttrFlagSparse) != 0 {
			binary.LittleEndian.PutUint64(buf[attrNonResCompressedSize:], uint64(a.CompressedDataSize))
		}
		copy(buf[hdrSize:], a.RunListBytes)
	} else {
		binary.LittleEndian.PutUint32(buf[attrResDataLength:], uint32(len(a.ResidentData)))
		binary.LittleEndian.PutUint16(buf[attrResDataOffset:], uint16(hdrSize))
		if a.Indexed {
			buf[attrResIndexed] = 1
		}
		copy(buf[hdrSize:], a.ResidentData)
	}

	return buf
}

// DecodeAttributeRecord parses a single AttributeRecord starting at
// buf[0]. It does not consume an End marker (0xFFFFFFFF type) — callers
// check for that before calling this.
func DecodeAttributeRecord(buf []byte) (*AttributeRecord, error) {
	if len(buf) < 8 {
		return nil, corruptf("attribute record shorter than header")
	}

	length := binary.LittleEndian.Uint32(buf[attrHdrLength:])
	if int(length) > len(buf) || length < 8 {
		return nil, corruptf("attribute record length %d out of range (buf %d)", length, len(buf))
	}
	buf = buf[:length]

	a := &AttributeRecord{
		Type:        AttributeType(binary.LittleEndian.Uint32(buf[attrHdrType:])),
		NonResident: buf[attrHdrNonResident] != 0,
		Flags:       AttributeFlags(binary.LittleEndian.Uint16(buf[attrHdrFlags:])),
		ID:          binary.LittleEndian.Uint16(buf[attrHdrID:]),
	}

	nameLen := int(buf[attrHdrNameLength])
	if nameLen > 0 {
		nameOff := int(binary.LittleEndian.Uint16(buf[attrHdrNameOffset:]))
		if nameOff+nameLen*2 > len(buf) {
			return nil, corruptf("attribute name out of range")
		}
		units := make([]uint16, nameLen)
		for i := 0; i < nameLen; i++ {
			units[i] = binary.LittleEndian.Uint16(buf[nameOff+i*2:])
		}
		a.Name = string(utf16.Decode(units))
	}

	if a.NonResident {
		if len(buf) < attrNonResDataLength+8 {
			return nil, corruptf("non-resident attribute header truncated")
		}
		a.StartVCN = int64(binary.LittleEndian.Uint64(buf[attrNonResStartVCN:]))
		a.LastVCN = int64(binary.LittleEndian.Uint64(buf[attrNonResLastVCN:]))
		runOffset := int(binary.LittleEndian.Uint16(buf[0x20:]))
		a.CompressionUnit = uint8(binary.LittleEndian.Uint16(buf[attrNonResCompUnit:]))
		a.AllocatedLength = int64(binary.LittleEndian.Uint64(buf[attrNonResAllocatedLen:]))
		a.DataLength = int64(binary.LittleEndian.Uint64(buf[attrNonResDataLength:]))
		a.InitializedDataLength = int64(binary.LittleEndian.Uint64(buf[attrNonResInitializedLen:]))
		if a.Flags&(AttrFlagCompressed|AttrFlagSparse) != 0 {
			if len(buf) >= attrNonResCompressedSize+8 {
				a.CompressedDataSize = int64(binary.LittleEndian.Uint64(buf[attrNonResCompressedSize:]))
			}
		}
		if runOffset > len(buf) {
			return nil, corruptf("attribute run list offset out of range")
		}
		a.RunListBytes = append([]byte(nil), buf[runOffset:]...)
	} else {
		if len(buf) < attrResIndexed+1 {
			return nil, corruptf("resident attribute header truncated")
		}
		dataLen := binary.LittleEndian.Uint32(buf[attrResDataLength:])
		dataOff := binary.LittleEndian.Uint16(buf[attrResDataOffset:])
		a.Indexed = buf[attrResIndexed] != 0
		if int(dataOff)+int(dataLen) > len(buf) {
			return nil, corruptf("resident attribute data out of range")
		}
		a.ResidentData = append([]byte(nil), buf[dataOff:int(dataOff)+int(dataLen)]...)
	}

	return a, nil
}

// CompareAttributeKey orders two attribute records the way a FileRecord
// must sort its attributes: (type ASC, name via upcase-compare ASC,
// start_vcn ASC) — spec §4.6.
func CompareAttributeKey(up *UpCaseTable, a, b *AttributeRecord) int {
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	if c := up.CompareStrings(a.Name, b.Name); c != 0 {
		return c
	}
	switch {
	case a.StartVCN < b.StartVCN:
		return -1
	case a.StartVCN > b.StartVCN:
		return 1
	default:
		return 0
	}
}
