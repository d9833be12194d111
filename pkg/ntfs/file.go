package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// MaxMftRecordSize bounds how much data may live resident inline in a
// FileRecord before FileStream must migrate it non-resident (spec §9's
// stream-residency heuristic).
const MaxMftRecordSize = 1024

// residentShrinkFraction is the other side of the hysteresis: a
// non-resident stream only folds back to resident once its length
// drops to MaxMftRecordSize/residentShrinkFraction, so a stream
// hovering near the threshold doesn't flap between forms on every
// write.
const residentShrinkFraction = 4

// File is the logical view over one base FileRecord plus whatever
// extension records its AttributeList has spread attributes across
// (spec §3: "A File exclusively owns its FileRecord(s) for the
// duration of an open-file handle").
type File struct {
	ctx *VolumeContext

	base  *FileRecord
	index int64 // base.Index, cached for FileRecordReference construction

	// extensions holds extension FileRecords already pulled in, keyed
	// by MFT index, so repeated attribute lookups don't re-fetch.
	extensions map[int64]*FileRecord

	attrs    map[attrKey]*NtfsAttribute
	attrList []AttributeListEntry // cached, nil if the file has none
	dirty    bool
}

type attrKey struct {
	t    AttributeType
	name string
}

// OpenFile loads the base FileRecord at index and wraps it in a File,
// lazily pulling in extension records and AttributeList entries only
// as attributes are requested.
func OpenFile(ctx *VolumeContext, index int64) (*File, error) {
	rec, err := ctx.MFT.Get(index, false)
	if err != nil {
		return nil, err
	}
	if rec.Flags&FileRecordInUse == 0 {
		return nil, notFoundf("mft index %d not in use", index)
	}
	if rec.Flags&FileRecordIsExtension != 0 {
		return nil, invalidArgf("mft index %d is an extension record", index)
	}

	f := &File{
		ctx:        ctx,
		base:       rec,
		index:      index,
		extensions: make(map[int64]*FileRecord),
		attrs:      make(map[attrKey]*NtfsAttribute),
	}

	if alEntries := rec.FindAttribute(AttrAttributeList, ""); alEntries != nil {
		entries, err := DecodeAttributeList(alEntries.ResidentData)
		if err != nil {
			return nil, err
		}
		f.attrList = entries
	}

	return f, nil
}

// NewFile allocates a fresh base FileRecord via the MFT and wraps it.
func NewFile(ctx *VolumeContext, flags FileRecordFlags) (*File, error) {
	rec, err := ctx.MFT.Allocate(flags, false)
	if err != nil {
		return nil, err
	}
	return &File{
		ctx: ctx, base: rec, index: rec.Index,
		extensions: make(map[int64]*FileRecord),
		attrs:      make(map[attrKey]*NtfsAttribute),
	}, nil
}

// newFileFromRecord wraps an already-constructed FileRecord (used by
// the Formatter for the fixed-index system files, which are allocated
// via MasterFileTable.AllocateReserved rather than NewFile).
func newFileFromRecord(ctx *VolumeContext, rec *FileRecord) *File {
	return &File{
		ctx: ctx, base: rec, index: rec.Index,
		extensions: make(map[int64]*FileRecord),
		attrs:      make(map[attrKey]*NtfsAttribute),
	}
}

// Reference returns this file's FileRecordReference as seen from a
// parent directory entry.
func (f *File) Reference() FileRecordReference {
	return NewFileRecordReference(f.index, f.base.SequenceNumber)
}

// Index returns the base MFT record index.
func (f *File) Index() int64 { return f.index }

// recordFor returns the FileRecord (base or extension) that ref names,
// as taken from an AttributeList entry.
func (f *File) recordFor(ref FileRecordReference) (*FileRecord, error) {
	if ref.MftIndex() == f.index {
		return f.base, nil
	}
	if rec, ok := f.extensions[ref.MftIndex()]; ok {
		return rec, nil
	}
	rec, err := f.ctx.MFT.Get(ref.MftIndex(), false)
	if err != nil {
		return nil, err
	}
	if rec.SequenceNumber != ref.SequenceNumber() {
		return nil, notFoundf("stale extension reference to mft %d", ref.MftIndex())
	}
	f.extensions[ref.MftIndex()] = rec
	return rec, nil
}

// Attribute returns the logical NtfsAttribute for (t, name), gathering
// every extent across the base record and any extension records named
// in the AttributeList.
func (f *File) Attribute(t AttributeType, name string) (*NtfsAttribute, error) {
	key := attrKey{t, name}
	if a, ok := f.attrs[key]; ok {
		return a, nil
	}

	var extents []*AttributeRecord
	var bases []FileRecordReference

	for _, ar := range f.base.Attributes {
		if ar.Type == t && ar.Name == name {
			extents = append(extents, ar)
			bases = append(bases, f.Reference())
		}
	}

	for _, e := range f.attrList {
		if e.Type != t || e.Name != name || e.ExtentRef.MftIndex() == f.index {
			continue
		}
		rec, err := f.recordFor(e.ExtentRef)
		if err != nil {
			return nil, err
		}
		for _, ar := range rec.Attributes {
			if ar.ID == e.AttrID {
				extents = append(extents, ar)
				bases = append(bases, e.ExtentRef)
			}
		}
	}

	if len(extents) == 0 {
		return nil, notFoundf("attribute %s:%q not found on mft %d", t, name, f.index)
	}

	a := f.assembleAttribute(t, name, extents, bases)
	f.attrs[key] = a
	return a, nil
}

func (f *File) assembleAttribute(t AttributeType, name string, extents []*AttributeRecord, bases []FileRecordReference) *NtfsAttribute {
	primary := extents[0]
	for _, e := range extents {
		if e.StartVCN == 0 {
			primary = e
		}
	}

	a := &NtfsAttribute{
		Type: t, Name: name,
		NonResident: primary.NonResident,
		Extents:     append([]*AttributeRecord(nil), extents...),
		ExtentBases: append([]FileRecordReference(nil), bases...),
	}

	if !primary.NonResident {
		a.residentData = primary.ResidentData
		a.DataLength = int64(len(primary.ResidentData))
		a.InitializedDataLength = a.DataLength
		a.AllocatedLength = a.DataLength
		return a
	}

	a.DataLength = primary.DataLength
	a.InitializedDataLength = primary.InitializedDataLength
	a.AllocatedLength = primary.AllocatedLength
	a.CompressionUnit = primary.CompressionUnit
	a.Flags = primary.Flags

	a.SortExtents()

	var raw []DataRun
	var runs []DataRun
	for i, ar := range a.Extents {
		r, err := DecodeRunList(ar.RunListBytes)
		if err != nil {
			continue
		}
		if i == 0 {
			raw = r
		} else {
			runs = append(runs, r...)
		}
	}
	raw = append(raw, runs...)
	a.cookedRuns = NewCookedDataRuns(raw, a.Extents[0].StartVCN, 0)

	return a
}

// AddAttribute creates a brand-new resident attribute of type t/name
// on the base record, assembling a one-extent NtfsAttribute.
func (f *File) AddAttribute(t AttributeType, name string, data []byte) (*NtfsAttribute, error) {
	if f.ctx.ReadOnly {
		return nil, errReadOnly
	}
	if f.base.FindAttribute(t, name) != nil {
		return nil, alreadyExistsf("attribute %s:%q already present", t, name)
	}

	ar := &AttributeRecord{Type: t, Name: name, ResidentData: append([]byte(nil), data...), Indexed: t == AttrFileName}
	f.base.AddAttribute(ar, f.ctx.UpCase)
	f.markDirty()

	a := f.assembleAttribute(t, name, []*AttributeRecord{ar}, []FileRecordReference{f.Reference()})
	f.attrs[attrKey{t, name}] = a
	return a, nil
}

// AddNonResidentAttribute creates a brand-new, empty non-resident
// attribute of type t/name directly (skipping the resident stage),
// for streams the caller knows will never fit inline — e.g. $SDS,
// $INDEX_ALLOCATION, which are pinned non-resident from birth the
// same way the $MFT data attribute is (spec §9).
func (f *File) AddNonResidentAttribute(t AttributeType, name string) (*NtfsAttribute, error) {
	if f.ctx.ReadOnly {
		return nil, errReadOnly
	}
	if f.base.FindAttribute(t, name) != nil {
		return nil, alreadyExistsf("attribute %s:%q already present", t, name)
	}

	ar := &AttributeRecord{Type: t, Name: name, NonResident: true, RunListBytes: EncodeRunList(nil)}
	f.base.AddAttribute(ar, f.ctx.UpCase)
	f.markDirty()

	a := f.assembleAttribute(t, name, []*AttributeRecord{ar}, []FileRecordReference{f.Reference()})
	f.attrs[attrKey{t, name}] = a
	return a, nil
}

func (f *File) markDirty() { f.dirty = true }

// SetStreamLength grows or shrinks a non-resident-capable attribute's
// data stream, migrating residency per the hysteresis in spec §9:
// become non-resident at ≥ MaxMftRecordSize, fold back to resident at
// ≤ MaxMftRecordSize/4. The $MFT data attribute itself is exempted —
// callers never route it through here.
func (f *File) SetStreamLength(a *NtfsAttribute, newLength int64) error {
	if f.ctx.ReadOnly {
		return errReadOnly
	}

	if !a.NonResident && newLength >= MaxMftRecordSize {
		if err := f.makeNonResident(a); err != nil {
			return err
		}
	} else if a.NonResident && newLength <= MaxMftRecordSize/residentShrinkFraction {
		if err := a.Buffer(f.ctx).SetSize(newLength); err != nil {
			return err
		}
		if err := f.makeResident(a); err != nil {
			return err
		}
	}

	buf := a.Buffer(f.ctx)
	if err := buf.SetSize(newLength); err != nil {
		return err
	}
	f.syncAttributeHeader(a)
	f.markDirty()
	return nil
}

// makeNonResident copies a resident attribute's inline bytes out to a
// freshly allocated cluster and rewrites its AttributeRecord as
// non-resident (spec §4.7 migration rule 1, driven manually here; the
// automatic overflow-triggered version lives in UpdateRecordInMft).
func (f *File) makeNonResident(a *NtfsAttribute) error {
	if a.NonResident {
		return nil
	}

	ar := f.base.FindAttribute(a.Type, a.Name)
	if ar == nil {
		return notFoundf("attribute %s:%q missing from base record", a.Type, a.Name)
	}

	data := a.residentData
	clusters := (int64(len(data)) + f.ctx.BytesPerCluster - 1) / f.ctx.BytesPerCluster
	if clusters == 0 {
		clusters = 1
	}

	cooked := NewCookedDataRuns(nil, 0, 0)
	cooked.AppendSparse(clusters, 0)
	raw := NewRawClusterStream(f.ctx.Cache, f.ctx.Bitmap, cooked, f.ctx.BytesPerCluster, 0)
	if _, err := raw.Allocate(0, clusters); err != nil {
		return err
	}

	padded := make([]byte, clusters*f.ctx.BytesPerCluster)
	copy(padded, data)
	if err := raw.Write(0, clusters, padded); err != nil {
		return err
	}

	ar.NonResident = true
	ar.ResidentData = nil
	ar.StartVCN = 0
	ar.LastVCN = clusters - 1
	ar.DataLength = int64(len(data))
	ar.InitializedDataLength = ar.DataLength
	ar.AllocatedLength = clusters * f.ctx.BytesPerCluster
	ar.RunListBytes = EncodeRunList(cooked.ToDataRuns(0))

	a.NonResident = true
	a.residentData = nil
	a.cookedRuns = cooked
	a.AllocatedLength = ar.AllocatedLength
	a.buf = nil

	return nil
}

// makeResident copies a short non-resident stream's bytes back inline
// and releases its clusters.
func (f *File) makeResident(a *NtfsAttribute) error {
	if !a.NonResident {
		return nil
	}
	if a.DataLength > MaxMftRecordSize {
		return invalidArgf("attribute too large to become resident")
	}

	buf := a.Buffer(f.ctx)
	data := make([]byte, a.DataLength)
	if _, err := buf.ReadAt(data, 0); err != nil {
		return err
	}

	clusters := a.cookedRuns.LastVCN()
	raw := NewRawClusterStream(f.ctx.Cache, f.ctx.Bitmap, a.cookedRuns, f.ctx.BytesPerCluster, 0)
	if clusters > 0 {
		if _, err := raw.Release(0, clusters); err != nil {
			return err
		}
	}

	for _, ar := range a.Extents {
		rec, _ := f.recordFor(f.Reference())
		rec.RemoveAttribute(ar.ID)
	}

	ar := &AttributeRecord{Type: a.Type, Name: a.Name, ResidentData: data, Indexed: a.Type == AttrFileName}
	f.base.AddAttribute(ar, f.ctx.UpCase)

	a.NonResident = false
	a.residentData = data
	a.cookedRuns = nil
	a.DataLength = int64(len(data))
	a.InitializedDataLength = a.DataLength
	a.AllocatedLength = a.DataLength
	a.buf = nil
	a.Extents = []*AttributeRecord{ar}
	a.ExtentBases = []FileRecordReference{f.Reference()}

	return nil
}

// syncAttributeHeader writes a non-resident attribute's cached length
// fields and freshly-encoded run list back onto its primary
// AttributeRecord so a subsequent Flush serializes current state.
func (f *File) syncAttributeHeader(a *NtfsAttribute) {
	if !a.NonResident {
		return
	}
	primary := a.Extents[0]
	primary.DataLength = a.DataLength
	primary.InitializedDataLength = a.InitializedDataLength
	primary.AllocatedLength = a.AllocatedLength
	primary.LastVCN = a.cookedRuns.LastVCN() - 1
	primary.RunListBytes = EncodeRunList(a.cookedRuns.ToDataRuns(0))
}

// UpdateRecordInMft runs the residency-migration fixed point (spec
// §4.7) on the base record, then flushes every touched record through
// the MFT.
func (f *File) UpdateRecordInMft() error {
	if f.ctx.ReadOnly {
		return errReadOnly
	}

	for pass := 0; pass < 64; pass++ {
		if f.base.FreeSpace() >= 0 {
			break
		}
		fixed, err := f.applyOneFix()
		if err != nil {
			return err
		}
		if !fixed {
			return corruptf("mft record %d overflowed and no migration fix applies", f.index)
		}
	}

	return f.flush()
}

// applyOneFix tries migration rules 1 through 4 in order against the
// base record, applying the first one that makes progress.
func (f *File) applyOneFix() (bool, error) {
	if ar := f.firstMigratableResident(); ar != nil {
		a, err := f.Attribute(ar.Type, ar.Name)
		if err != nil {
			return false, err
		}
		return true, f.makeNonResident(a)
	}

	if ar := f.base.FindAttribute(AttrIndexRoot, "$I30"); ar != nil && len(ar.ResidentData) > 256 {
		return true, f.shrinkIndexRoot(ar)
	}

	if ar := f.singleMultiRunNonResident(); ar != nil {
		return true, f.splitAttribute(ar)
	}

	if ar := f.lastExpellableAttribute(); ar != nil {
		return true, f.expelAttribute(ar)
	}

	return false, nil
}

// firstMigratableResident returns a resident attribute permitted to go
// non-resident by the attribute-definition table, or nil.
func (f *File) firstMigratableResident() *AttributeRecord {
	for _, ar := range f.base.Attributes {
		if ar.NonResident || ar.Type == AttrAttributeList {
			continue
		}
		if f.ctx.AttrDef != nil && !f.ctx.AttrDef.AllowsNonResident(ar.Type) {
			continue
		}
		return ar
	}
	return nil
}

// shrinkIndexRoot pushes the tail of a resident IndexRoot's entries
// into a freshly allocated IndexAllocation node, reclaiming space in
// the base record (spec §4.7 rule 2; mechanics in index.go).
func (f *File) shrinkIndexRoot(ar *AttributeRecord) error {
	idx, err := f.openIndex(ar.Name)
	if err != nil {
		return err
	}
	return idx.ShrinkRoot()
}

// singleMultiRunNonResident returns a non-resident attribute with more
// than one run, suitable for splitting across two extents.
func (f *File) singleMultiRunNonResident() *AttributeRecord {
	if len(f.base.Attributes) != 1 {
		return nil
	}
	ar := f.base.Attributes[0]
	if !ar.NonResident {
		return nil
	}
	runs, err := DecodeRunList(ar.RunListBytes)
	if err != nil || len(runs) < 2 {
		return nil
	}
	return ar
}

// splitAttribute moves the second half of a multi-run non-resident
// attribute into an extension record (spec §4.7 rule 3).
func (f *File) splitAttribute(ar *AttributeRecord) error {
	runs, err := DecodeRunList(ar.RunListBytes)
	if err != nil {
		return err
	}
	mid := len(runs) / 2
	if mid == 0 {
		mid = 1
	}
	firstHalf, secondHalf := runs[:mid], runs[mid:]

	startVCN := ar.StartVCN
	var splitVCN int64 = startVCN
	for _, r := range firstHalf {
		splitVCN += r.Length
	}

	ext, err := f.allocateExtensionRecord()
	if err != nil {
		return err
	}

	tail := &AttributeRecord{
		Type: ar.Type, Name: ar.Name, NonResident: true,
		StartVCN: splitVCN, LastVCN: ar.LastVCN,
		CompressionUnit: ar.CompressionUnit, Flags: ar.Flags,
		AllocatedLength: ar.AllocatedLength, DataLength: ar.DataLength, InitializedDataLength: ar.InitializedDataLength,
		RunListBytes: EncodeRunList(secondHalf),
	}
	ext.AddAttribute(tail, f.ctx.UpCase)

	ar.LastVCN = splitVCN - 1
	ar.RunListBytes = EncodeRunList(firstHalf)

	f.addAttributeListEntry(AttributeListEntry{
		Type: ar.Type, Name: ar.Name, StartVCN: splitVCN,
		ExtentRef: NewFileRecordReference(ext.Index, ext.SequenceNumber), AttrID: tail.ID,
	})

	delete(f.attrs, attrKey{ar.Type, ar.Name})
	return nil
}

// lastExpellableAttribute returns the last user-type attribute
// (type > AttrAttributeList) eligible to move to an extension record.
func (f *File) lastExpellableAttribute() *AttributeRecord {
	var last *AttributeRecord
	for _, ar := range f.base.Attributes {
		if ar.Type > AttrAttributeList {
			last = ar
		}
	}
	return last
}

// expelAttribute moves ar into a (possibly new) extension record and
// records the move in the base's AttributeList, creating that list on
// first use (spec §4.7 rule 4).
func (f *File) expelAttribute(ar *AttributeRecord) error {
	ext, err := f.allocateExtensionRecord()
	if err != nil {
		return err
	}

	f.base.RemoveAttribute(ar.ID)
	ext.AddAttribute(ar, f.ctx.UpCase)

	f.addAttributeListEntry(AttributeListEntry{
		Type: ar.Type, Name: ar.Name, StartVCN: 0,
		ExtentRef: NewFileRecordReference(ext.Index, ext.SequenceNumber), AttrID: ar.ID,
	})

	delete(f.attrs, attrKey{ar.Type, ar.Name})
	return nil
}

// allocateExtensionRecord allocates a fresh extension FileRecord
// base-linked to this file, preferring one already pulled into the
// extensions cache with free space over allocating a new one.
func (f *File) allocateExtensionRecord() (*FileRecord, error) {
	for _, rec := range f.extensions {
		if rec.FreeSpace() > 64 {
			return rec, nil
		}
	}

	rec, err := f.ctx.MFT.Allocate(FileRecordIsExtension, false)
	if err != nil {
		return nil, err
	}
	rec.BaseFile = f.Reference()
	f.extensions[rec.Index] = rec
	return rec, nil
}

// addAttributeListEntry appends e to the cached AttributeList,
// materializing a resident $ATTRIBUTE_LIST attribute on the base
// record the first time one is needed.
func (f *File) addAttributeListEntry(e AttributeListEntry) {
	f.attrList = append(f.attrList, e)

	encoded := EncodeAttributeList(f.attrList)
	if ar := f.base.FindAttribute(AttrAttributeList, ""); ar != nil {
		ar.ResidentData = encoded
		return
	}

	ar := &AttributeRecord{Type: AttrAttributeList, ResidentData: encoded}
	f.base.AddAttribute(ar, f.ctx.UpCase)
}

// openIndex opens the named index on f; it delegates to
// openIndexOnFile in index.go.
func (f *File) openIndex(name string) (*Index, error) {
	return openIndexOnFile(f, name)
}

// flush writes the base record and every touched extension record
// back through the MFT.
func (f *File) flush() error {
	if err := f.ctx.MFT.Write(f.base); err != nil {
		return err
	}
	for _, rec := range f.extensions {
		if err := f.ctx.MFT.Write(rec); err != nil {
			return err
		}
	}
	f.dirty = false
	return nil
}

// Delete truncates every non-resident stream, frees the base and
// extension records, and marks the MFT slots free. Callers must have
// already removed every directory entry and verified the hard-link
// count is zero (spec §3's FileRecord lifecycle).
func (f *File) Delete() error {
	if f.ctx.ReadOnly {
		return errReadOnly
	}
	if f.base.HardLinkCount != 0 {
		return invalidArgf("mft %d still has %d hard links", f.index, f.base.HardLinkCount)
	}

	for _, ar := range f.base.Attributes {
		if ar.NonResident {
			runs, err := DecodeRunList(ar.RunListBytes)
			if err == nil {
				cooked := NewCookedDataRuns(runs, ar.StartVCN, 0)
				raw := NewRawClusterStream(f.ctx.Cache, f.ctx.Bitmap, cooked, f.ctx.BytesPerCluster, 0)
				_, _ = raw.Release(0, cooked.LastVCN())
			}
		}
	}

	f.ctx.MFT.Free(f.index)
	for idx := range f.extensions {
		f.ctx.MFT.Free(idx)
	}
	f.base.Flags &^= FileRecordInUse
	return f.ctx.MFT.Write(f.base)
}
