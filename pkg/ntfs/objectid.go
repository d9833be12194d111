package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// ObjectIDRecord is the $OBJECT_ID attribute payload: a random unique
// identifier a file can be opened by regardless of its path (spec §2,
// "ObjectIds / ReparsePoints / Quotas ... minor IndexViews over
// auxiliary system files").
type ObjectIDRecord struct {
	ObjectID [16]byte
	BirthVolumeID [16]byte
	BirthObjectID [16]byte
	DomainID      [16]byte
}

func encodeObjectIDRecord(r ObjectIDRecord) []byte {
	buf := make([]byte, 64)
	copy(buf[0:], r.ObjectID[:])
	copy(buf[16:], r.BirthVolumeID[:])
	copy(buf[32:], r.BirthObjectID[:])
	copy(buf[48:], r.DomainID[:])
	return buf
}

func decodeObjectIDRecord(buf []byte) (ObjectIDRecord, error) {
	if len(buf) < 16 {
		return ObjectIDRecord{}, corruptf("object id record truncated")
	}
	var r ObjectIDRecord
	copy(r.ObjectID[:], buf[0:16])
	if len(buf) >= 64 {
		copy(r.BirthVolumeID[:], buf[16:32])
		copy(r.BirthObjectID[:], buf[32:48])
		copy(r.DomainID[:], buf[48:64])
	}
	return r, nil
}

type objectIDKeyCodec struct{}

func (objectIDKeyCodec) EncodeKey(id [16]byte) []byte { return append([]byte(nil), id[:]...) }
func (objectIDKeyCodec) DecodeKey(b []byte) ([16]byte, error) {
	var id [16]byte
	if len(b) < 16 {
		return id, corruptf("object id key truncated")
	}
	copy(id[:], b)
	return id, nil
}

type objectIDValueCodec struct{}

func (objectIDValueCodec) EncodeValue(r ObjectIDRecord) []byte { return encodeObjectIDRecord(r) }
func (objectIDValueCodec) DecodeValue(b []byte) (ObjectIDRecord, error) {
	return decodeObjectIDRecord(b)
}

// ObjectIDStore is the $Extend\$ObjId index: object id → mft
// reference. Keyed by the 16-byte id,
// collated as an unsigned-long-style byte comparison.
type ObjectIDStore struct {
	file *File
	refs *IndexView[[16]byte, FileRecordReference]
}

// NewObjectIDStore creates $ObjId fresh.
func NewObjectIDStore(f *File) (*ObjectIDStore, error) {
	idx, err := NewIndex(f, "$O", AttrData, SIDCollator{})
	if err != nil {
		return nil, err
	}
	return &ObjectIDStore{file: f, refs: NewIndexView[[16]byte, FileRecordReference](idx, objectIDKeyCodec{}, fileRefCodec{})}, nil
}

// OpenObjectIDStore reopens an existing $ObjId.
func OpenObjectIDStore(f *File) (*ObjectIDStore, error) {
	idx, err := openIndexOnFile(f, "$O")
	if err != nil {
		return nil, err
	}
	return &ObjectIDStore{file: f, refs: NewIndexView[[16]byte, FileRecordReference](idx, objectIDKeyCodec{}, fileRefCodec{})}, nil
}

// Assign generates a fresh object id for target via the volume's
// RandomSource, stores it as target's $OBJECT_ID attribute, and
// indexes it.
func (s *ObjectIDStore) Assign(target *File) ([16]byte, error) {
	id := s.file.ctx.Random.NextObjectID()
	rec := ObjectIDRecord{ObjectID: id}
	if _, err := target.AddAttribute(AttrObjectID, "", encodeObjectIDRecord(rec)); err != nil {
		return id, err
	}
	return id, s.refs.Insert(id, target.Reference())
}

// Resolve looks up the file currently holding object id.
func (s *ObjectIDStore) Resolve(id [16]byte) (FileRecordReference, bool, error) {
	return s.refs.Lookup(id)
}
