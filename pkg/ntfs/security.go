package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
)

// sdsBlockPairSize is the $SDS block-pair size: every record is
// written twice, at offsets o and o+sdsBlockPairSize, for media-failure
// redundancy (spec §4.11).
const sdsBlockPairSize = 0x40000

// firstSecurityID is the first id assigned to a newly stored
// descriptor; ids below this are reserved (spec §4.11 scenario 6).
const firstSecurityID = 256

// SecurityDescriptorRecord is one $SDS record (spec §3).
type SecurityDescriptorRecord struct {
	Hash         uint32
	ID           uint32
	OffsetInFile int64
	EntrySize    uint32
	Descriptor   []byte
}

func encodeSDRecord(r SecurityDescriptorRecord) []byte {
	buf := make([]byte, 20+len(r.Descriptor))
	binary.LittleEndian.PutUint32(buf[0:], r.Hash)
	binary.LittleEndian.PutUint32(buf[4:], r.ID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.OffsetInFile))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(buf)))
	copy(buf[20:], r.Descriptor)
	return buf
}

func decodeSDRecord(buf []byte) (SecurityDescriptorRecord, error) {
	if len(buf) < 20 {
		return SecurityDescriptorRecord{}, corruptf("security descriptor record truncated")
	}
	size := binary.LittleEndian.Uint32(buf[16:])
	if int(size) > len(buf) {
		return SecurityDescriptorRecord{}, corruptf("security descriptor record size %d out of range", size)
	}
	return SecurityDescriptorRecord{
		Hash:         binary.LittleEndian.Uint32(buf[0:]),
		ID:           binary.LittleEndian.Uint32(buf[4:]),
		OffsetInFile: int64(binary.LittleEndian.Uint64(buf[8:])),
		EntrySize:    size,
		Descriptor:   append([]byte(nil), buf[20:size]...),
	}, nil
}

// fold is the $SDH dedup hash: for each little-endian uint32 word w,
// h = w + rotate_left(h, 3) (spec §4.11).
func fold(b []byte) uint32 {
	var h uint32
	for off := 0; off+4 <= len(b); off += 4 {
		w := binary.LittleEndian.Uint32(b[off:])
		h = w + (h<<3 | h>>29)
	}
	for i := (len(b) / 4) * 4; i < len(b); i++ {
		h = uint32(b[i]) + (h<<3 | h>>29)
	}
	return h
}

type sdhKey struct {
	hash uint32
	id   uint32
}

func encodeSDHKey(k sdhKey) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], k.hash)
	binary.LittleEndian.PutUint32(buf[4:], k.id)
	return buf
}

func decodeSDHKey(b []byte) (sdhKey, error) {
	if len(b) < 8 {
		return sdhKey{}, corruptf("sdh key truncated")
	}
	return sdhKey{hash: binary.LittleEndian.Uint32(b[0:]), id: binary.LittleEndian.Uint32(b[4:])}, nil
}

type sdhKeyCodec struct{}

func (sdhKeyCodec) EncodeKey(k sdhKey) []byte          { return encodeSDHKey(k) }
func (sdhKeyCodec) DecodeKey(b []byte) (sdhKey, error) { return decodeSDHKey(b) }

type sdRecordCodec struct{}

func (sdRecordCodec) EncodeValue(r SecurityDescriptorRecord) []byte { return encodeSDRecord(r) }
func (sdRecordCodec) DecodeValue(b []byte) (SecurityDescriptorRecord, error) {
	return decodeSDRecord(b)
}

type sidKeyCodec struct{}

func (sidKeyCodec) EncodeKey(id uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, id)
	return buf
}
func (sidKeyCodec) DecodeKey(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, corruptf("sii key truncated")
	}
	return binary.LittleEndian.Uint32(b), nil
}

// SecurityStore is the $Secure content-addressed descriptor pool:
// $SDS data stream plus the $SDH (hash-keyed) and $SII (id-keyed)
// indexes over it (spec §4.11).
type SecurityStore struct {
	file    *File
	dataAttr *NtfsAttribute
	sdh     *IndexView[sdhKey, SecurityDescriptorRecord]
	sii     *IndexView[uint32, SecurityDescriptorRecord]
	nextID  uint32
}

// NewSecurityStore creates a fresh, empty $Secure on file.
func NewSecurityStore(f *File) (*SecurityStore, error) {
	data, err := f.AddNonResidentAttribute(AttrData, "$SDS")
	if err != nil {
		return nil, err
	}

	sdhIdx, err := NewIndex(f, "$SDH", AttrData, MultipleUnsignedLongsCollator{})
	if err != nil {
		return nil, err
	}
	siiIdx, err := NewIndex(f, "$SII", AttrData, UnsignedLongCollator{})
	if err != nil {
		return nil, err
	}

	return &SecurityStore{
		file: f, dataAttr: data,
		sdh:    NewIndexView[sdhKey, SecurityDescriptorRecord](sdhIdx, sdhKeyCodec{}, sdRecordCodec{}),
		sii:    NewIndexView[uint32, SecurityDescriptorRecord](siiIdx, sidKeyCodec{}, sdRecordCodec{}),
		nextID: firstSecurityID,
	}, nil
}

// OpenSecurityStore reopens an existing $Secure.
func OpenSecurityStore(f *File) (*SecurityStore, error) {
	data, err := f.Attribute(AttrData, "$SDS")
	if err != nil {
		return nil, err
	}
	sdhIdx, err := openIndexOnFile(f, "$SDH")
	if err != nil {
		return nil, err
	}
	siiIdx, err := openIndexOnFile(f, "$SII")
	if err != nil {
		return nil, err
	}

	s := &SecurityStore{
		file: f, dataAttr: data,
		sdh:    NewIndexView[sdhKey, SecurityDescriptorRecord](sdhIdx, sdhKeyCodec{}, sdRecordCodec{}),
		sii:    NewIndexView[uint32, SecurityDescriptorRecord](siiIdx, sidKeyCodec{}, sdRecordCodec{}),
		nextID: firstSecurityID,
	}
	_ = s.sii.Range(func(id uint32, _ SecurityDescriptorRecord) bool {
		if id >= s.nextID {
			s.nextID = id + 1
		}
		return true
	})
	return s, nil
}

// nextWriteOffset computes the next 16-byte-aligned offset for a
// record of recordSize bytes, advancing past the block pair boundary
// if the record would otherwise cross into the duplicate half (spec
// §4.11).
func (s *SecurityStore) nextWriteOffset(recordSize int) int64 {
	cur := (s.dataAttr.DataLength + 15) &^ 15
	blockOff := cur % sdsBlockPairSize
	if blockOff+int64(recordSize) > sdsBlockPairSize {
		cur += sdsBlockPairSize - blockOff
	}
	return cur
}

// AddDescriptor stores raw (a self-relative security descriptor: DACL
// + SACL + Owner + Group, in that NTFS-canonical order), deduplicating
// by hash, and returns its id (spec §4.11).
func (s *SecurityStore) AddDescriptor(raw []byte) (uint32, error) {
	if s.file.ctx.ReadOnly {
		return 0, errReadOnly
	}

	h := fold(raw)

	var dupID uint32
	found := false
	_ = s.sdh.Range(func(k sdhKey, rec SecurityDescriptorRecord) bool {
		if k.hash != h {
			return true
		}
		if bytes.Equal(rec.Descriptor, raw) {
			dupID = rec.ID
			found = true
			return false
		}
		return true
	})
	if found {
		return dupID, nil
	}

	id := s.nextID
	s.nextID++

	rec := SecurityDescriptorRecord{Hash: h, ID: id, Descriptor: raw}
	encoded := encodeSDRecord(rec)
	rec.EntrySize = uint32(len(encoded))

	off := s.nextWriteOffset(len(encoded))
	rec.OffsetInFile = off

	if err := s.writeRecordPair(off, encodeSDRecord(rec)); err != nil {
		return 0, err
	}

	if err := s.sdh.Insert(sdhKey{hash: h, id: id}, rec); err != nil {
		return 0, err
	}
	if err := s.sii.Insert(id, rec); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SecurityStore) writeRecordPair(off int64, encoded []byte) error {
	need := off + int64(len(encoded))
	if need > s.dataAttr.DataLength {
		if err := s.file.SetStreamLength(s.dataAttr, need); err != nil {
			return err
		}
	}
	buf := s.dataAttr.Buffer(s.file.ctx)
	if _, err := buf.WriteAt(encoded, off); err != nil {
		return err
	}

	dupOff := off + sdsBlockPairSize
	dupNeed := dupOff + int64(len(encoded))
	if dupNeed > s.dataAttr.DataLength {
		if err := s.file.SetStreamLength(s.dataAttr, dupNeed); err != nil {
			return err
		}
	}
	_, err := buf.WriteAt(encoded, dupOff)
	return err
}

// Get looks up a descriptor by id via $SII.
func (s *SecurityStore) Get(id uint32) ([]byte, bool, error) {
	rec, ok, err := s.sii.Lookup(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Descriptor, true, nil
}
