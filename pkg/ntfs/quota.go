package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "encoding/binary"

// quotaFlagDefaultLimits marks the id-1 default-limits entry every
// $Quota carries (spec §2, "ObjectIds / ReparsePoints / Quotas ...
// minor IndexViews over auxiliary system files").
const quotaFlagDefaultLimits = 0x02

// defaultQuotaOwnerID is the reserved quota id for the default-limits
// entry; real owner ids start at 256, matching firstSecurityID's
// scheme for $Secure.
const defaultQuotaOwnerID = 1

const firstQuotaOwnerID = 256

// QuotaControlEntry is one $Quota:$Q record: a per-owner usage
// counter against an optional threshold/limit pair.
type QuotaControlEntry struct {
	OwnerID   uint32
	Flags     uint32
	BytesUsed int64
	Threshold int64
	Limit     int64
	SID       []byte
}

func encodeQuotaEntry(e QuotaControlEntry) []byte {
	buf := make([]byte, 36+len(e.SID))
	binary.LittleEndian.PutUint32(buf[0:], e.OwnerID)
	binary.LittleEndian.PutUint32(buf[4:], e.Flags)
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.BytesUsed))
	binary.LittleEndian.PutUint64(buf[16:], uint64(e.Threshold))
	binary.LittleEndian.PutUint64(buf[24:], uint64(e.Limit))
	binary.LittleEndian.PutUint32(buf[32:], uint32(len(e.SID)))
	copy(buf[36:], e.SID)
	return buf
}

func decodeQuotaEntry(buf []byte) (QuotaControlEntry, error) {
	if len(buf) < 36 {
		return QuotaControlEntry{}, corruptf("quota control entry truncated")
	}
	sidLen := int(binary.LittleEndian.Uint32(buf[32:]))
	if 36+sidLen > len(buf) {
		return QuotaControlEntry{}, corruptf("quota control entry sid out of range")
	}
	return QuotaControlEntry{
		OwnerID:   binary.LittleEndian.Uint32(buf[0:]),
		Flags:     binary.LittleEndian.Uint32(buf[4:]),
		BytesUsed: int64(binary.LittleEndian.Uint64(buf[8:])),
		Threshold: int64(binary.LittleEndian.Uint64(buf[16:])),
		Limit:     int64(binary.LittleEndian.Uint64(buf[24:])),
		SID:       append([]byte(nil), buf[36:36+sidLen]...),
	}, nil
}

type quotaOwnerKeyCodec struct{}

func (quotaOwnerKeyCodec) EncodeKey(id uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, id)
	return buf
}
func (quotaOwnerKeyCodec) DecodeKey(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, corruptf("quota owner key truncated")
	}
	return binary.LittleEndian.Uint32(b), nil
}

type quotaEntryCodec struct{}

func (quotaEntryCodec) EncodeValue(e QuotaControlEntry) []byte { return encodeQuotaEntry(e) }
func (quotaEntryCodec) DecodeValue(b []byte) (QuotaControlEntry, error) {
	return decodeQuotaEntry(b)
}

type quotaSIDKeyCodec struct{}

func (quotaSIDKeyCodec) EncodeKey(sid []byte) []byte { return append([]byte(nil), sid...) }
func (quotaSIDKeyCodec) DecodeKey(b []byte) ([]byte, error) {
	return append([]byte(nil), b...), nil
}

// QuotaStore is the $Extend\$Quota pair: $Q (owner id → control entry,
// unsigned-long collated) and $O (owner SID → owner id, byte
// collated), mirroring $Secure's $SDS/$SDH/$SII dual-index shape but
// keyed the other way around (spec §2).
type QuotaStore struct {
	file    *File
	byID    *IndexView[uint32, QuotaControlEntry]
	byOwner *IndexView[[]byte, uint32]
	nextID  uint32
}

// NewQuotaStore creates a fresh $Quota with the mandatory default-limits
// entry (id 1, no SID, unlimited).
func NewQuotaStore(f *File) (*QuotaStore, error) {
	qIdx, err := NewIndex(f, "$Q", AttrData, UnsignedLongCollator{})
	if err != nil {
		return nil, err
	}
	oIdx, err := NewIndex(f, "$O", AttrData, SIDCollator{})
	if err != nil {
		return nil, err
	}

	s := &QuotaStore{
		file:    f,
		byID:    NewIndexView[uint32, QuotaControlEntry](qIdx, quotaOwnerKeyCodec{}, quotaEntryCodec{}),
		byOwner: NewIndexView[[]byte, uint32](oIdx, quotaSIDKeyCodec{}, idValueCodec{}),
		nextID:  firstQuotaOwnerID,
	}
	defaults := QuotaControlEntry{OwnerID: defaultQuotaOwnerID, Flags: quotaFlagDefaultLimits, Limit: -1, Threshold: -1}
	if err := s.byID.Insert(defaultQuotaOwnerID, defaults); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenQuotaStore reopens an existing $Quota.
func OpenQuotaStore(f *File) (*QuotaStore, error) {
	qIdx, err := openIndexOnFile(f, "$Q")
	if err != nil {
		return nil, err
	}
	oIdx, err := openIndexOnFile(f, "$O")
	if err != nil {
		return nil, err
	}
	s := &QuotaStore{
		file:    f,
		byID:    NewIndexView[uint32, QuotaControlEntry](qIdx, quotaOwnerKeyCodec{}, quotaEntryCodec{}),
		byOwner: NewIndexView[[]byte, uint32](oIdx, quotaSIDKeyCodec{}, idValueCodec{}),
		nextID:  firstQuotaOwnerID,
	}
	_ = s.byID.Range(func(id uint32, _ QuotaControlEntry) bool {
		if id >= s.nextID {
			s.nextID = id + 1
		}
		return true
	})
	return s, nil
}

// EntryForOwner returns owner's control entry, creating one with no
// threshold or limit (tracking only) on first reference.
func (s *QuotaStore) EntryForOwner(sid []byte) (QuotaControlEntry, error) {
	if id, ok, err := s.byOwner.Lookup(sid); err != nil {
		return QuotaControlEntry{}, err
	} else if ok {
		e, _, err := s.byID.Lookup(id)
		return e, err
	}

	id := s.nextID
	s.nextID++
	e := QuotaControlEntry{OwnerID: id, Limit: -1, Threshold: -1, SID: append([]byte(nil), sid...)}
	if err := s.byID.Insert(id, e); err != nil {
		return QuotaControlEntry{}, err
	}
	if err := s.byOwner.Insert(sid, id); err != nil {
		return QuotaControlEntry{}, err
	}
	return e, nil
}

// Charge adds delta (negative to release) to owner's usage counter,
// returning errOutOfSpace if the result would exceed a non-negative
// limit.
func (s *QuotaStore) Charge(sid []byte, delta int64) error {
	e, err := s.EntryForOwner(sid)
	if err != nil {
		return err
	}
	newUsed := e.BytesUsed + delta
	if e.Limit >= 0 && newUsed > e.Limit {
		return errOutOfSpace
	}
	if newUsed < 0 {
		newUsed = 0
	}
	e.BytesUsed = newUsed
	if err := s.byID.Remove(e.OwnerID); err != nil {
		return err
	}
	return s.byID.Insert(e.OwnerID, e)
}

// idValueCodec encodes a bare uint32 id as an IndexView value, reused
// for $O's owner-SID → owner-id mapping.
type idValueCodec struct{}

func (idValueCodec) EncodeValue(id uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, id)
	return buf
}
func (idValueCodec) DecodeValue(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, corruptf("quota owner-id value truncated")
	}
	return binary.LittleEndian.Uint32(b), nil
}
