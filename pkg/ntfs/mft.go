package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// MasterFileTable allocates, reads, and writes FileRecords by index,
// bootstrapping itself from record 0's self-describing $DATA attribute
// and maintaining its own record-occupancy bitmap, independent of the
// volume's cluster bitmap (spec §4.8).
type MasterFileTable struct {
	ctx        *VolumeContext
	recordSize int64
	stream     *RawClusterStream
	runs       *CookedDataRuns
	bitmap     *ClusterBitmap // bit i = record i in use; reuses ClusterBitmap's bit-vector machinery
	dataAttr   *NtfsAttribute
}

// BootstrapMFT reads the boot sector's MFT cluster directly off the
// RawVolume (the stream abstraction doesn't exist yet — it's built
// from what's read here), decodes record 0, and reconstructs the MFT's
// own data stream from its $DATA attribute's run list (spec §4.8:
// "from its data runs reconstruct the MFT data stream; now full random
// access to any record is possible").
func BootstrapMFT(ctx *VolumeContext, vol RawVolume, bpb *BPB) (*MasterFileTable, error) {
	recordSize := int64(bpb.MftRecordSize())
	bytesPerCluster := int64(bpb.BytesPerCluster())

	raw := make([]byte, recordSize)
	if _, err := vol.ReadAt(raw, int64(bpb.MftLCN)*bytesPerCluster); err != nil {
		return nil, ioFailuref(err, "reading MFT record 0")
	}

	rec0, err := DecodeFileRecord(MftRecordMft, raw, false)
	if err != nil {
		return nil, err
	}

	dataAR := rec0.FindAttribute(AttrData, "")
	if dataAR == nil || !dataAR.NonResident {
		return nil, corruptf("$MFT record 0 missing non-resident $DATA attribute")
	}

	rawRuns, err := DecodeRunList(dataAR.RunListBytes)
	if err != nil {
		return nil, err
	}
	cooked := NewCookedDataRuns(rawRuns, dataAR.StartVCN, 0)

	mft := &MasterFileTable{
		ctx:        ctx,
		recordSize: recordSize,
		runs:       cooked,
	}
	mft.stream = NewRawClusterStream(ctx.Cache, ctx.Bitmap, cooked, bytesPerCluster, 0)
	mft.dataAttr = &NtfsAttribute{
		Type: AttrData, NonResident: true,
		DataLength: dataAR.DataLength, InitializedDataLength: dataAR.InitializedDataLength,
		AllocatedLength: dataAR.AllocatedLength, cookedRuns: cooked,
	}

	totalRecords := dataAR.DataLength / recordSize
	mft.bitmap = NewClusterBitmap(totalRecords)
	// Record 0..15 are always reserved/in-use by convention (spec §4.8).
	for i := int64(0); i < totalRecords && i < MftRecordFirstFree; i++ {
		mft.bitmap.MarkAllocated(LcnRange{LCN: i, Length: 1})
	}
	// Beyond the reserved slots, occupancy isn't recorded anywhere but
	// the records themselves, so it has to be rebuilt by reading every
	// record's in-use flag once at bootstrap; a torn or undecodable
	// record is treated as free, matching spec §7's "free records with
	// garbage contents are silently ignored."
	for i := int64(MftRecordFirstFree); i < totalRecords; i++ {
		rec, err := mft.Get(i, true)
		if err != nil {
			continue
		}
		if rec.Flags&FileRecordInUse != 0 {
			mft.bitmap.MarkAllocated(LcnRange{LCN: i, Length: 1})
		}
	}

	return mft, nil
}

// recordOffset returns the byte offset of record index within the
// MFT's data stream.
func (m *MasterFileTable) recordOffset(index int64) int64 { return index * m.recordSize }

// Get reads and decodes the FileRecord at index. With ignoreCorrupt, a
// torn record whose slot (index ≥ 16) is free in the MFT bitmap is
// reported as not-found; any other decode failure is returned as is.
func (m *MasterFileTable) Get(index int64, ignoreCorrupt bool) (*FileRecord, error) {
	if index < 0 || index*m.recordSize >= m.dataAttr.DataLength {
		return nil, notFoundf("mft index %d out of range", index)
	}

	buf := make([]byte, m.recordSize)

	off := m.recordOffset(index)
	clusterSize := m.bytesPerCluster()
	startCluster := off / clusterSize
	endCluster := (off + m.recordSize + clusterSize - 1) / clusterSize
	tmp := make([]byte, (endCluster-startCluster)*clusterSize)
	if err := m.stream.Read(startCluster, endCluster-startCluster, tmp); err != nil {
		return nil, err
	}
	copy(buf, tmp[off-startCluster*clusterSize:])

	rec, err := DecodeFileRecord(index, buf, ignoreCorrupt)
	if err != nil {
		if ignoreCorrupt {
			// spec §7: a torn record whose bitmap bit is clear is
			// silently ignored rather than surfaced as corruption.
			if index >= MftRecordFirstFree && !m.bitmap.bit(index) {
				return nil, notFoundf("mft index %d free and torn, ignored", index)
			}
		}
		return nil, err
	}

	return rec, nil
}

func (m *MasterFileTable) bytesPerCluster() int64 { return m.ctx.BytesPerCluster }

// Write applies fixup and writes rec through the MFT data stream.
func (m *MasterFileTable) Write(rec *FileRecord) error {
	if m.ctx.ReadOnly {
		return errReadOnly
	}

	needBytes := (rec.Index + 1) * m.recordSize
	if needBytes > m.dataAttr.DataLength {
		if err := m.grow(rec.Index + 1); err != nil {
			return err
		}
	}

	buf, err := rec.Encode()
	if err != nil {
		return err
	}

	off := m.recordOffset(rec.Index)
	clusterSize := m.bytesPerCluster()
	startCluster := off / clusterSize
	endCluster := (off + m.recordSize + clusterSize - 1) / clusterSize

	tmp := make([]byte, (endCluster-startCluster)*clusterSize)
	if err := m.stream.Read(startCluster, endCluster-startCluster, tmp); err != nil {
		return err
	}
	copy(tmp[off-startCluster*clusterSize:], buf)

	if _, err := m.stream.Allocate(startCluster, endCluster-startCluster); err != nil {
		return err
	}
	return m.stream.Write(startCluster, endCluster-startCluster, tmp)
}

// grow extends the MFT's data stream and record bitmap to cover at
// least minRecords records. New clusters come from the raw stream's
// Allocate, which places them after the previous run's tail when it
// can; the cluster bitmap's is_mft bias is not applied here.
func (m *MasterFileTable) grow(minRecords int64) error {
	clusterSize := m.bytesPerCluster()
	minClusters := (minRecords*m.recordSize + clusterSize - 1) / clusterSize

	oldClusters := m.stream.runs.LastVCN()
	if err := m.stream.ExpandTo(minClusters, false); err != nil {
		return err
	}

	if _, err := m.stream.Allocate(oldClusters, minClusters-oldClusters); err != nil {
		return err
	}

	m.dataAttr.DataLength = minRecords * m.recordSize
	m.dataAttr.AllocatedLength = minClusters * clusterSize

	if minRecords > m.bitmap.TotalClusters() {
		grown := NewClusterBitmap(minRecords)
		copy(grown.words, m.bitmap.words)
		grown.free = grown.countFree()
		m.bitmap = grown
	}

	return nil
}

// Allocate finds a free record slot, marks it in-use in the MFT's own
// bitmap, stamps a bumped sequence number (so stale references to a
// reused slot resolve to not-found), and returns a fresh FileRecord.
// isMftHelper is accepted for callers allocating records for the MFT's
// own metadata; it does not change the slot chosen or the record
// returned.
func (m *MasterFileTable) Allocate(flags FileRecordFlags, isMftHelper bool) (*FileRecord, error) {
	if m.ctx.ReadOnly {
		return nil, errReadOnly
	}

	idx := m.findFreeSlot()
	if idx < 0 {
		if err := m.grow(m.bitmap.TotalClusters() + 1); err != nil {
			return nil, err
		}
		idx = m.findFreeSlot()
		if idx < 0 {
			return nil, errOutOfMftSlots
		}
	}

	m.bitmap.MarkAllocated(LcnRange{LCN: idx, Length: 1})

	seq := uint16(1)
	if old, err := m.Get(idx, true); err == nil {
		seq = old.SequenceNumber + 1
		if seq == 0 {
			seq = 1
		}
	}

	rec := NewFileRecord(idx, m.recordSize)
	rec.SequenceNumber = seq
	rec.Flags = flags | FileRecordInUse

	return rec, nil
}

// AllocateReserved returns a fresh FileRecord at a specific low index
// (0..MftRecordFirstFree-1), used only by the Formatter to lay down
// the fixed system file records (spec §4.8).
func (m *MasterFileTable) AllocateReserved(index int64, flags FileRecordFlags) (*FileRecord, error) {
	if index < 0 || index >= MftRecordFirstFree {
		return nil, invalidArgf("AllocateReserved: index %d is not a reserved slot", index)
	}
	if index >= m.bitmap.TotalClusters() {
		if err := m.grow(index + 1); err != nil {
			return nil, err
		}
	}
	m.bitmap.MarkAllocated(LcnRange{LCN: index, Length: 1})
	rec := NewFileRecord(index, m.recordSize)
	rec.Flags = flags | FileRecordInUse
	return rec, nil
}

func (m *MasterFileTable) findFreeSlot() int64 {
	for i := int64(MftRecordFirstFree); i < m.bitmap.TotalClusters(); i++ {
		if !m.bitmap.bit(i) {
			return i
		}
	}
	return -1
}

// Free marks a record slot free again in the MFT's own bitmap. The
// caller is responsible for having already truncated the record's
// streams and decremented hard-link counts to zero (spec §3's
// FileRecord lifecycle).
func (m *MasterFileTable) Free(index int64) {
	m.bitmap.Free(LcnRange{LCN: index, Length: 1})
}

// TotalRecords returns how many record slots the MFT currently spans,
// in-use or not. Used by the Checker to walk every record.
func (m *MasterFileTable) TotalRecords() int64 { return m.bitmap.TotalClusters() }

// RecordInUse reports whether index is currently marked occupied in
// the MFT's own record bitmap.
func (m *MasterFileTable) RecordInUse(index int64) bool { return m.bitmap.bit(index) }
