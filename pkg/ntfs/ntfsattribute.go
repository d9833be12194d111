package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "sort"

// RawBuffer is the unified byte-addressable view an NtfsAttribute
// exposes over either its resident inline bytes or its non-resident
// cluster stream (spec §4.7's "unified buffer view").
type RawBuffer interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	// SetSize grows or shrinks the logical length, allocating or
	// releasing clusters as needed for non-resident buffers.
	SetSize(newSize int64) error
}

// residentBuffer is a RawBuffer over an attribute's inline bytes.
type residentBuffer struct {
	data *[]byte
}

func (r *residentBuffer) Size() int64 { return int64(len(*r.data)) }

func (r *residentBuffer) ReadAt(p []byte, off int64) (int, error) {
	d := *r.data
	if off >= int64(len(d)) {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, d[off:])
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

func (r *residentBuffer) WriteAt(p []byte, off int64) (int, error) {
	d := *r.data
	need := off + int64(len(p))
	if need > int64(len(d)) {
		grown := make([]byte, need)
		copy(grown, d)
		d = grown
	}
	copy(d[off:], p)
	*r.data = d
	return len(p), nil
}

func (r *residentBuffer) SetSize(newSize int64) error {
	d := *r.data
	if newSize <= int64(len(d)) {
		*r.data = d[:newSize]
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, d)
	*r.data = grown
	return nil
}

// clusterStream is the minimal surface RawClusterStream and
// CompressedClusterStream share, letting nonResidentBuffer treat both
// uniformly (spec §4.5's compressed stream wraps the raw one, but both
// present the same VCN-addressed read/write/clear contract).
type clusterStream interface {
	Read(startVCN, count int64, out []byte) error
	Write(startVCN, count int64, in []byte) error
	Clear(startVCN, count int64) (int64, error)
}

// nonResidentBuffer is a RawBuffer over a non-resident attribute's
// cluster stream, filtered by InitializedDataLength/DataLength (spec
// §4.7: "reads past that but within DataLength return zeros").
type nonResidentBuffer struct {
	stream          clusterStream
	raw             *RawClusterStream
	bytesPerCluster int64
	attr            *NtfsAttribute
}

func (b *nonResidentBuffer) Size() int64 { return b.attr.DataLength }

func (b *nonResidentBuffer) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}

	end := off + int64(len(p))
	if end > b.attr.DataLength {
		end = b.attr.DataLength
	}
	readEnd := end
	if readEnd > b.attr.InitializedDataLength {
		readEnd = b.attr.InitializedDataLength
	}
	if readEnd <= off {
		return len(p), nil
	}

	startVCN := off / b.bytesPerCluster
	endVCN := (readEnd + b.bytesPerCluster - 1) / b.bytesPerCluster
	count := endVCN - startVCN
	if count <= 0 {
		return len(p), nil
	}

	buf := make([]byte, count*b.bytesPerCluster)
	if err := b.stream.Read(startVCN, count, buf); err != nil {
		return 0, err
	}

	srcOff := off - startVCN*b.bytesPerCluster
	n := copy(p[:readEnd-off], buf[srcOff:])
	_ = n

	return len(p), nil
}

func (b *nonResidentBuffer) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	startVCN := off / b.bytesPerCluster
	endVCN := (end + b.bytesPerCluster - 1) / b.bytesPerCluster
	count := endVCN - startVCN

	if err := b.raw.ExpandTo(endVCN, false); err != nil {
		return 0, err
	}
	if _, err := b.raw.Allocate(startVCN, count); err != nil {
		return 0, err
	}

	buf := make([]byte, count*b.bytesPerCluster)
	if err := b.stream.Read(startVCN, count, buf); err != nil {
		return 0, err
	}

	dstOff := off - startVCN*b.bytesPerCluster
	copy(buf[dstOff:], p)

	if err := b.stream.Write(startVCN, count, buf); err != nil {
		return 0, err
	}

	if end > b.attr.DataLength {
		b.attr.DataLength = end
	}
	if end > b.attr.InitializedDataLength {
		b.attr.InitializedDataLength = end
	}
	if endVCN*b.bytesPerCluster > b.attr.AllocatedLength {
		b.attr.AllocatedLength = endVCN * b.bytesPerCluster
	}

	return len(p), nil
}

func (b *nonResidentBuffer) SetSize(newSize int64) error {
	clusters := (newSize + b.bytesPerCluster - 1) / b.bytesPerCluster

	if newSize < b.attr.DataLength {
		if err := b.raw.TruncateTo(clusters); err != nil {
			return err
		}
		b.attr.AllocatedLength = clusters * b.bytesPerCluster
	} else if newSize > b.attr.DataLength {
		if err := b.raw.ExpandTo(clusters, false); err != nil {
			return err
		}
	}

	b.attr.DataLength = newSize
	if b.attr.InitializedDataLength > newSize {
		b.attr.InitializedDataLength = newSize
	}
	return nil
}

// NtfsAttribute is the logical view over one or more AttributeRecord
// extents sharing a (type, name) pair (spec §4.7).
type NtfsAttribute struct {
	Type AttributeType
	Name string

	NonResident           bool
	DataLength            int64
	InitializedDataLength int64
	AllocatedLength       int64
	CompressionUnit       uint8
	Flags                 AttributeFlags

	// Extents are the AttributeRecords backing this attribute, in
	// start_vcn order. ExtentBases[i] identifies which
	// FileRecord (base or extension) physically holds Extents[i].
	Extents     []*AttributeRecord
	ExtentBases []FileRecordReference

	residentData []byte
	cookedRuns   *CookedDataRuns

	buf RawBuffer
}

// Buffer returns the unified RawBuffer view, constructing it lazily
// from whichever residency form the attribute is currently in.
func (a *NtfsAttribute) Buffer(ctx *VolumeContext) RawBuffer {
	if a.buf != nil {
		return a.buf
	}

	if !a.NonResident {
		a.buf = &residentBuffer{data: &a.residentData}
		return a.buf
	}

	raw := NewRawClusterStream(ctx.Cache, ctx.Bitmap, a.cookedRuns, ctx.BytesPerCluster, 0)

	var stream clusterStream = raw
	if a.CompressionUnit > 0 {
		unitClusters := int64(1) << a.CompressionUnit
		stream = NewCompressedClusterStream(raw, ctx.Compressor, ctx.BytesPerCluster, unitClusters)
	}

	a.buf = &nonResidentBuffer{stream: stream, raw: raw, bytesPerCluster: ctx.BytesPerCluster, attr: a}
	return a.buf
}

// SortExtents orders Extents (and the parallel ExtentBases slice) by
// start_vcn ascending, as spec §4.7 requires for VCN lookups to walk
// them in order.
func (a *NtfsAttribute) SortExtents() {
	type pair struct {
		rec  *AttributeRecord
		base FileRecordReference
	}
	pairs := make([]pair, len(a.Extents))
	for i := range a.Extents {
		pairs[i] = pair{a.Extents[i], a.ExtentBases[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].rec.StartVCN < pairs[j].rec.StartVCN })
	for i, p := range pairs {
		a.Extents[i] = p.rec
		a.ExtentBases[i] = p.base
	}
}
