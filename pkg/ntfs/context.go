package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/vorteil/ntfs/pkg/elog"

// VolumeContext bundles the shared, volume-wide state every component
// above the raw streams needs: the cluster cache, the allocation
// bitmap, geometry constants, the compression codec, the filename
// collation table, and a handle back to the MFT for resolving
// extension records. Passing this explicitly (rather than reaching for
// package-level globals) is what spec §9 means by "all state is rooted
// at a Volume handle".
type VolumeContext struct {
	Cache           *BlockCache
	Bitmap          *ClusterBitmap
	BytesPerSector  int64
	BytesPerCluster int64
	MftRecordSize   int64
	IndexBufferSize int64
	Compressor      BlockCompressor
	UpCase          *UpCaseTable
	Random          RandomSource
	MFT             *MasterFileTable
	AttrDef         *AttrDefTable
	ReadOnly        bool
	Logger          elog.Logger
}

// log returns ctx.Logger, or a silent NilLogger if none was set, so
// callers never need a nil check before logging.
func (ctx *VolumeContext) log() elog.Logger {
	if ctx.Logger == nil {
		return elog.NilLogger{}
	}
	return ctx.Logger
}
