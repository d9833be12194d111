package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "encoding/binary"

// wofReparseTag marks a Windows Overlay Filter compressed reparse
// point. Decompressing WOF payloads is explicitly out of scope (spec
// §1 Non-goals, §9 Open Questions): ReadPayload surfaces Unsupported
// for it rather than guessing at the layout.
const wofReparseTag = 0x80000017

// ReparsePointRecord is the $REPARSE_POINT attribute payload: a tag
// identifying the reparse point's owner (symlink, mount point, WOF,
// …) plus an opaque tag-specific payload (spec §2, GLOSSARY
// "Reparse point").
type ReparsePointRecord struct {
	Tag     uint32
	Payload []byte
}

func encodeReparsePoint(r ReparsePointRecord) []byte {
	buf := make([]byte, 8+len(r.Payload))
	binary.LittleEndian.PutUint32(buf[0:], r.Tag)
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(r.Payload)))
	copy(buf[8:], r.Payload)
	return buf
}

func decodeReparsePoint(buf []byte) (ReparsePointRecord, error) {
	if len(buf) < 8 {
		return ReparsePointRecord{}, corruptf("reparse point record truncated")
	}
	tag := binary.LittleEndian.Uint32(buf[0:])
	length := int(binary.LittleEndian.Uint16(buf[4:]))
	if 8+length > len(buf) {
		return ReparsePointRecord{}, corruptf("reparse point payload out of range")
	}
	return ReparsePointRecord{Tag: tag, Payload: append([]byte(nil), buf[8:8+length]...)}, nil
}

// ReadPayload returns the tag-specific payload, or Unsupported for a
// WOF-compressed reparse point (spec §1 Non-goals: "no WOF
// decompression").
func (r ReparsePointRecord) ReadPayload() ([]byte, error) {
	if r.Tag == wofReparseTag {
		return nil, errUnsupportedWOF
	}
	return r.Payload, nil
}

type reparseKeyCodec struct{}

func (reparseKeyCodec) EncodeKey(ref FileRecordReference) []byte { return fileRefCodec{}.EncodeValue(ref) }
func (reparseKeyCodec) DecodeKey(b []byte) (FileRecordReference, error) {
	return fileRefCodec{}.DecodeValue(b)
}

type reparseTagCodec struct{}

func (reparseTagCodec) EncodeValue(tag uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, tag)
	return buf
}
func (reparseTagCodec) DecodeValue(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, corruptf("reparse index value truncated")
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReparsePointIndex is $Extend\$Reparse: an index keyed by file ref
// whose value is that file's reparse tag, used to enumerate every
// reparse point on the volume without a full MFT scan.
type ReparsePointIndex struct {
	file  *File
	byRef *IndexView[FileRecordReference, uint32]
}

// NewReparsePointIndex creates $Reparse fresh.
func NewReparsePointIndex(f *File) (*ReparsePointIndex, error) {
	idx, err := NewIndex(f, "$R", AttrData, UnsignedLongCollator{})
	if err != nil {
		return nil, err
	}
	return &ReparsePointIndex{file: f, byRef: NewIndexView[FileRecordReference, uint32](idx, reparseKeyCodec{}, reparseTagCodec{})}, nil
}

// OpenReparsePointIndex reopens an existing $Reparse.
func OpenReparsePointIndex(f *File) (*ReparsePointIndex, error) {
	idx, err := openIndexOnFile(f, "$R")
	if err != nil {
		return nil, err
	}
	return &ReparsePointIndex{file: f, byRef: NewIndexView[FileRecordReference, uint32](idx, reparseKeyCodec{}, reparseTagCodec{})}, nil
}

// SetReparsePoint writes target's $REPARSE_POINT attribute and
// records it in the index.
func (i *ReparsePointIndex) SetReparsePoint(target *File, rec ReparsePointRecord) error {
	if _, err := target.AddAttribute(AttrReparsePoint, "", encodeReparsePoint(rec)); err != nil {
		return err
	}
	target.base.Flags |= FileRecordSpecialIndex
	return i.byRef.Insert(target.Reference(), rec.Tag)
}

// Remove drops target's entry from the index (the attribute itself is
// removed by the caller via File.base.RemoveAttribute).
func (i *ReparsePointIndex) Remove(target FileRecordReference) error {
	return i.byRef.Remove(target)
}
