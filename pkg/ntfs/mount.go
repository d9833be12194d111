package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/vorteil/ntfs/pkg/elog"

// MountOptions configures Mount. A zero value mounts read-write with
// no cluster cache.
type MountOptions struct {
	ReadOnly      bool
	CacheClusters int
	Compressor    BlockCompressor
	Random        RandomSource
	Logger        elog.Logger
}

// Detect reports whether vol looks like an NTFS volume: a readable
// boot sector passing ParseBPB's invariants (spec §3's validity
// check). It never returns an error; a failure to even read the boot
// sector, or any invariant violation, just yields false.
func Detect(vol RawVolume) bool {
	if vol.Len() < BootSectorSize {
		return false
	}
	sector := make([]byte, BootSectorSize)
	if _, err := vol.ReadAt(sector, 0); err != nil {
		return false
	}
	_, err := ParseBPB(sector)
	return err == nil
}

// Mount opens an existing NTFS volume: parses the boot sector,
// bootstraps the MFT from its self-describing record 0, then reads
// back $Bitmap, $AttrDef and $UpCase through ordinary file opens so
// the returned VolumeContext has full random access to the volume
// (spec §4.8's bootstrap sequence, generalized from Format's in-memory
// construction to a read-back of on-disk state).
func Mount(vol RawVolume, opts MountOptions) (*VolumeContext, error) {
	if vol.Len() < BootSectorSize {
		return nil, corruptf("volume too small to hold a boot sector")
	}
	sector := make([]byte, BootSectorSize)
	if _, err := vol.ReadAt(sector, 0); err != nil {
		return nil, ioFailuref(err, "reading boot sector")
	}
	bpb, err := ParseBPB(sector)
	if err != nil {
		return nil, err
	}

	random := opts.Random
	if random == nil {
		random = DefaultRandomSource{}
	}
	compressor := opts.Compressor
	if compressor == nil {
		compressor = NewFlateCompressor()
	}
	log := opts.Logger
	if log == nil {
		log = elog.NilLogger{}
	}

	bytesPerCluster := int64(bpb.BytesPerCluster())
	cache := NewBlockCache(vol, bytesPerCluster, opts.CacheClusters)

	log.Infof("mounting NTFS volume, serial %#x", bpb.SerialNumber)

	ctx := &VolumeContext{
		Cache:           cache,
		BytesPerSector:  int64(bpb.BytesPerSector),
		BytesPerCluster: bytesPerCluster,
		MftRecordSize:   int64(bpb.MftRecordSize()),
		IndexBufferSize: int64(bpb.IndexBufferSize()),
		Compressor:      compressor,
		UpCase:          NewUpCaseTable(),
		Random:          random,
		AttrDef:         NewAttrDefTable(DefaultAttrDefEntries()),
		ReadOnly:        opts.ReadOnly,
		Logger:          log,
		// Bitmap starts empty; every cluster the volume actually uses
		// gets marked allocated below once $Bitmap's own content is
		// read back, at which point it replaces this placeholder.
		Bitmap: NewClusterBitmap(int64(bpb.TotalSectors) * int64(bpb.BytesPerSector) / bytesPerCluster),
	}

	mft, err := BootstrapMFT(ctx, vol, bpb)
	if err != nil {
		return nil, err
	}
	ctx.MFT = mft

	bitmapFile, err := OpenFile(ctx, MftRecordBitmap)
	if err != nil {
		return nil, err
	}
	bitmapAttr, err := bitmapFile.Attribute(AttrData, "")
	if err != nil {
		return nil, err
	}
	bitmapBytes := make([]byte, bitmapAttr.DataLength)
	if _, err := bitmapAttr.Buffer(ctx).ReadAt(bitmapBytes, 0); err != nil {
		return nil, err
	}
	ctx.Bitmap = LoadClusterBitmap(bitmapBytes, ctx.Bitmap.TotalClusters())

	attrDefFile, err := OpenFile(ctx, MftRecordAttrDef)
	if err != nil {
		return nil, err
	}
	attrDefAttr, err := attrDefFile.Attribute(AttrData, "")
	if err != nil {
		return nil, err
	}
	attrDefBytes := make([]byte, attrDefAttr.DataLength)
	if _, err := attrDefAttr.Buffer(ctx).ReadAt(attrDefBytes, 0); err != nil {
		return nil, err
	}
	attrDef, err := DecodeAttrDefTable(attrDefBytes)
	if err != nil {
		return nil, err
	}
	ctx.AttrDef = attrDef

	upCaseFile, err := OpenFile(ctx, MftRecordUpCase)
	if err != nil {
		return nil, err
	}
	upCaseAttr, err := upCaseFile.Attribute(AttrData, "")
	if err != nil {
		return nil, err
	}
	upCaseBytes := make([]byte, upCaseAttr.DataLength)
	if _, err := upCaseAttr.Buffer(ctx).ReadAt(upCaseBytes, 0); err != nil {
		return nil, err
	}
	upCase, err := LoadUpCaseTable(upCaseBytes)
	if err != nil {
		return nil, err
	}
	ctx.UpCase = upCase

	log.Infof("mounted: %d clusters free of %d", ctx.Bitmap.FreeClusters(), ctx.Bitmap.TotalClusters())

	return ctx, nil
}

// RootDirectory opens the volume's root directory (MFT index 5, spec
// §6).
func RootDirectory(ctx *VolumeContext) (*Directory, error) {
	root, err := OpenFile(ctx, MftRecordRoot)
	if err != nil {
		return nil, err
	}
	return OpenDirectory(root)
}
