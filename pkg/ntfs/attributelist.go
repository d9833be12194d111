package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"unicode/utf16"
)

// AttributeListEntry maps one (type, name, start_vcn) key to the
// extension record holding that extent, per spec §4.7: "the base's
// AttributeList, which maps (type, name, start_vcn) to (extent_base_ref,
// attribute_id)".
type AttributeListEntry struct {
	Type      AttributeType
	Name      string
	StartVCN  int64
	ExtentRef FileRecordReference
	AttrID    uint16
}

// EncodeAttributeList serializes a set of AttributeList entries into
// the $ATTRIBUTE_LIST attribute's resident/non-resident payload bytes.
func EncodeAttributeList(entries []AttributeListEntry) []byte {
	var out []byte
	for _, e := range entries {
		nameUnits := utf16.Encode([]rune(e.Name))
		entryLen := align8(26 + len(nameUnits)*2)
		rec := make([]byte, entryLen)

		binary.LittleEndian.PutUint32(rec[0:], uint32(e.Type))
		binary.LittleEndian.PutUint16(rec[4:], uint16(entryLen))
		rec[6] = byte(len(nameUnits))
		rec[7] = 26 // name offset
		binary.LittleEndian.PutUint64(rec[8:], uint64(e.StartVCN))
		binary.LittleEndian.PutUint64(rec[16:], uint64(e.ExtentRef))
		binary.LittleEndian.PutUint16(rec[24:], e.AttrID)
		for i, u := range nameUnits {
			binary.LittleEndian.PutUint16(rec[26+i*2:], u)
		}

		out = append(out, rec...)
	}
	return out
}

// DecodeAttributeList parses the $ATTRIBUTE_LIST payload back into
// entries.
func DecodeAttributeList(data []byte) ([]AttributeListEntry, error) {
	var out []AttributeListEntry
	off := 0
	for off < len(data) {
		if off+26 > len(data) {
			return nil, corruptf("attribute list entry truncated")
		}
		entryLen := int(binary.LittleEndian.Uint16(data[off+4:]))
		if entryLen < 26 || off+entryLen > len(data) {
			return nil, corruptf("attribute list entry length %d invalid", entryLen)
		}

		e := AttributeListEntry{
			Type:      AttributeType(binary.LittleEndian.Uint32(data[off:])),
			StartVCN:  int64(binary.LittleEndian.Uint64(data[off+8:])),
			ExtentRef: FileRecordReference(binary.LittleEndian.Uint64(data[off+16:])),
			AttrID:    binary.LittleEndian.Uint16(data[off+24:]),
		}

		nameLen := int(data[off+6])
		nameOff := int(data[off+7])
		if nameLen > 0 {
			units := make([]uint16, nameLen)
			for i := 0; i < nameLen; i++ {
				units[i] = binary.LittleEndian.Uint16(data[off+nameOff+i*2:])
			}
			e.Name = string(utf16.Decode(units))
		}

		out = append(out, e)
		off += entryLen
	}
	return out, nil
}
