package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"unicode/utf16"

	"gopkg.in/yaml.v2"

	"github.com/cloudfoundry/bytefmt"
	"github.com/vorteil/ntfs/pkg/elog"
)

// Reserved system file names, used only as $ATTRIBUTE_LIST /
// $FILE_NAME labels on the records the Formatter lays down; the MFT
// indices themselves are the authoritative identity (spec §4.8).
const (
	sysNameMft     = "$MFT"
	sysNameMftMirr = "$MFTMirr"
	sysNameLogFile = "$LogFile"
	sysNameVolume  = "$Volume"
	sysNameAttrDef = "$AttrDef"
	sysNameBitmap  = "$Bitmap"
	sysNameBoot    = "$Boot"
	sysNameBadClus = "$BadClus"
	sysNameSecure  = "$Secure"
	sysNameUpCase  = "$UpCase"
	sysNameExtend  = "$Extend"
)

// mirroredMftRecords is how many of $MFT's leading records $MFTMirr
// keeps a redundant copy of (spec §4.8; real NTFS mirrors the first
// four: $MFT, $MFTMirr, $LogFile, $Volume).
const mirroredMftRecords = 4

// FormatProfile is a YAML-loadable description of a fresh volume's
// geometry and initial content, the Formatter's single input. Mirrors
// pkg/ext's Compiler.Options shape: a plain struct decoded straight off
// disk by the CLI layer, validated, then handed to the engine.
type FormatProfile struct {
	TotalSectors      uint64 `yaml:"total_sectors"`
	BytesPerSector    uint16 `yaml:"bytes_per_sector"`
	SectorsPerCluster uint8  `yaml:"sectors_per_cluster"`
	MftRecordSize     int    `yaml:"mft_record_size"`
	IndexBufferSize   int    `yaml:"index_buffer_size"`
	VolumeLabel       string `yaml:"volume_label"`
	CacheClusters     int    `yaml:"cache_clusters"`
}

// DefaultFormatProfile returns reasonable defaults for a small volume:
// 512-byte sectors, 4KiB clusters, 1KiB MFT records, 4KiB index nodes.
func DefaultFormatProfile(totalSectors uint64, label string) FormatProfile {
	return FormatProfile{
		TotalSectors:      totalSectors,
		BytesPerSector:    512,
		SectorsPerCluster: 8,
		MftRecordSize:     1024,
		IndexBufferSize:   4096,
		VolumeLabel:       label,
		CacheClusters:     256,
	}
}

// LoadFormatProfile parses a FormatProfile out of YAML, the same way
// pkg/ext's Compiler loads its build manifest.
func LoadFormatProfile(data []byte) (FormatProfile, error) {
	var p FormatProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, corruptf("parsing format profile: %v", err)
	}
	return p, nil
}

func (p FormatProfile) bytesPerCluster() int64 {
	return int64(p.BytesPerSector) * int64(p.SectorsPerCluster)
}

func (p FormatProfile) totalClusters() int64 {
	return (int64(p.TotalSectors) * int64(p.BytesPerSector)) / p.bytesPerCluster()
}

// Format lays down a brand-new NTFS volume on vol per profile: the
// duplicated boot sector, the 16 reserved system file records, and the
// volume-wide $Bitmap/$AttrDef/$UpCase/$Secure system files (spec §2,
// §4.8, §6). It returns an open VolumeContext ready for use. log may be
// nil, in which case Format runs silently.
func Format(vol RawVolume, profile FormatProfile, random RandomSource, log elog.Logger) (*VolumeContext, error) {
	if random == nil {
		random = DefaultRandomSource{}
	}
	if log == nil {
		log = elog.NilLogger{}
	}
	log.Infof("formatting NTFS volume: %s cluster, %s total",
		bytefmt.ByteSize(uint64(profile.bytesPerCluster())),
		bytefmt.ByteSize(uint64(profile.TotalSectors)*uint64(profile.BytesPerSector)))

	bytesPerCluster := profile.bytesPerCluster()
	totalClusters := profile.totalClusters()
	if totalClusters < 32 {
		return nil, invalidArgf("volume too small: %d clusters", totalClusters)
	}

	mftRecordSize := int64(profile.MftRecordSize)
	initialMftClusters := (MftRecordFirstFree*mftRecordSize + bytesPerCluster - 1) / bytesPerCluster
	if initialMftClusters < 1 {
		initialMftClusters = 1
	}

	// Cluster 0 holds the primary boot sector, the last cluster the
	// backup (spec §3); $MFT's initial extent starts right after the
	// primary boot sector so it stays contiguous from birth.
	const bootLCN = 0
	backupBootLCN := totalClusters - 1
	mftStartLCN := int64(1)
	// MftMirrLCN is carried for on-disk shape compatibility only: this
	// engine discovers $MFTMirr the same way it discovers every other
	// system file, by MFT index via the root directory, not by seeking
	// the boot sector's pointer.

	bitmap := NewClusterBitmap(totalClusters)
	bitmap.MarkAllocated(LcnRange{LCN: bootLCN, Length: 1})
	bitmap.MarkAllocated(LcnRange{LCN: backupBootLCN, Length: 1})
	bitmap.MarkAllocated(LcnRange{LCN: mftStartLCN, Length: initialMftClusters})

	bpb := &BPB{
		BytesPerSector:     profile.BytesPerSector,
		SectorsPerCluster:  encodeClusterSizeByte(int(profile.SectorsPerCluster)),
		TotalSectors:       profile.TotalSectors,
		MftLCN:             uint64(mftStartLCN),
		MftMirrLCN:         0,
		MftRecordSizeRaw:   recordSizeByte(mftRecordSize, bytesPerCluster),
		IndexBufferSizeRaw: recordSizeByte(int64(profile.IndexBufferSize), bytesPerCluster),
		SerialNumber:       random.NextSerialNumber(),
	}

	cache := NewBlockCache(vol, bytesPerCluster, profile.CacheClusters)
	ctx := &VolumeContext{
		Cache:           cache,
		Bitmap:          bitmap,
		BytesPerSector:  int64(profile.BytesPerSector),
		BytesPerCluster: bytesPerCluster,
		MftRecordSize:   mftRecordSize,
		IndexBufferSize: int64(profile.IndexBufferSize),
		Compressor:      NewFlateCompressor(),
		UpCase:          NewUpCaseTable(),
		Random:          random,
		AttrDef:         NewAttrDefTable(DefaultAttrDefEntries()),
		Logger:          log,
	}

	// $MFT's own record (index 0) is bootstrapped by hand: its $DATA
	// attribute's run list is the one self-describing piece of state
	// BootstrapMFT needs to find everything else (spec §4.8).
	rec0 := NewFileRecord(MftRecordMft, mftRecordSize)
	mftRun := []DataRun{{Offset: mftStartLCN, Length: initialMftClusters}}
	rec0.AddAttribute(&AttributeRecord{
		Type: AttrData, NonResident: true,
		StartVCN: 0, LastVCN: initialMftClusters - 1,
		DataLength: MftRecordFirstFree * mftRecordSize, InitializedDataLength: MftRecordFirstFree * mftRecordSize,
		AllocatedLength: initialMftClusters * bytesPerCluster,
		RunListBytes:    EncodeRunList(mftRun),
	}, ctx.UpCase)
	rec0.AddAttribute(&AttributeRecord{
		Type: AttrFileName,
		ResidentData: encodeFileNameKey(FileNameRecord{
			Parent: NewFileRecordReference(MftRecordRoot, 1), Namespace: NamespaceWin32AndDos, Name: sysNameMft,
		}),
		Indexed: true,
	}, ctx.UpCase)
	rec0.HardLinkCount = 1

	encoded0, err := rec0.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := vol.WriteAt(encoded0, mftStartLCN*bytesPerCluster); err != nil {
		return nil, ioFailuref(err, "writing $MFT record 0")
	}

	if err := writeBootSectors(vol, bpb, bootLCN, backupBootLCN, bytesPerCluster); err != nil {
		return nil, err
	}

	mft, err := BootstrapMFT(ctx, vol, bpb)
	if err != nil {
		return nil, err
	}
	ctx.MFT = mft

	if err := formatSystemFiles(ctx, bpb, profile); err != nil {
		return nil, err
	}

	log.Infof("format complete: %s free of %s",
		bytefmt.ByteSize(uint64(ctx.Bitmap.FreeClusters())*uint64(bytesPerCluster)),
		bytefmt.ByteSize(uint64(totalClusters)*uint64(bytesPerCluster)))

	return ctx, nil
}

// recordSizeByte encodes an absolute size n (bytes) using the BPB's
// dual convention (spec §3): sizes at or above one cluster are
// expressed as a cluster count, sizes below one cluster as a direct
// power-of-two byte count.
func recordSizeByte(n, bytesPerCluster int64) int8 {
	if n >= bytesPerCluster {
		return encodeClusterSizeByte(int(n / bytesPerCluster))
	}
	return encodeClusterSizeByte(int(n))
}

func writeBootSectors(vol RawVolume, bpb *BPB, bootLCN, backupLCN, bytesPerCluster int64) error {
	sector := bpb.Encode()
	if _, err := vol.WriteAt(sector, bootLCN*bytesPerCluster); err != nil {
		return ioFailuref(err, "writing primary boot sector")
	}
	if _, err := vol.WriteAt(sector, backupLCN*bytesPerCluster); err != nil {
		return ioFailuref(err, "writing backup boot sector")
	}
	return nil
}

// formatSystemFiles populates MFT records 1..15 and the root directory
// (record 5), reusing the ordinary File/Directory/Index machinery for
// everything but the $MFT record itself (spec §4.8's reserved-index
// table).
func formatSystemFiles(ctx *VolumeContext, bpb *BPB, profile FormatProfile) error {
	ctx.log().Debugf("laying down reserved system file records 1..15")
	root, err := reservedFile(ctx, MftRecordRoot, FileRecordInUse|FileRecordIsDirectory)
	if err != nil {
		return err
	}
	rootDir, err := NewDirectoryIndex(root)
	if err != nil {
		return err
	}
	// $MFT's own $FILE_NAME attribute was already stamped onto record 0
	// by hand in Format (before a File/Directory existed to do it the
	// ordinary way); only the parent directory's index entry is needed
	// here.
	if err := insertDirEntry(rootDir, sysNameMft, NewFileRecordReference(MftRecordMft, 1), NamespaceWin32AndDos); err != nil {
		return err
	}
	if err := addSelfName(root, ".", MftRecordRoot, NamespaceWin32AndDos, rootDir); err != nil {
		return err
	}

	if err := formatMftMirr(ctx, rootDir); err != nil {
		return err
	}
	if err := formatSimpleReserved(ctx, rootDir, MftRecordLogFile, sysNameLogFile); err != nil {
		return err
	}
	if err := formatVolume(ctx, rootDir, profile); err != nil {
		return err
	}
	if err := formatAttrDef(ctx, rootDir); err != nil {
		return err
	}
	if err := formatBitmap(ctx, rootDir); err != nil {
		return err
	}
	if err := formatBoot(ctx, rootDir, bpb); err != nil {
		return err
	}
	if err := formatSimpleReserved(ctx, rootDir, MftRecordBadClus, sysNameBadClus); err != nil {
		return err
	}
	if err := formatSecure(ctx, rootDir); err != nil {
		return err
	}
	if err := formatUpCase(ctx, rootDir); err != nil {
		return err
	}
	if err := formatExtend(ctx, rootDir); err != nil {
		return err
	}
	for i := int64(MftRecordExtend + 1); i < MftRecordFirstFree; i++ {
		rec, err := ctx.MFT.AllocateReserved(i, FileRecordInUse)
		if err != nil {
			return err
		}
		if err := ctx.MFT.Write(rec); err != nil {
			return err
		}
	}

	// Every formatXxx call above inserted into rootDir's $I30 index,
	// which only marks root dirty (index.go's saveRoot); one flush here
	// persists the accumulated root directory record.
	return root.flush()
}

// reservedFile allocates a reserved-index FileRecord and wraps it.
func reservedFile(ctx *VolumeContext, index int64, flags FileRecordFlags) (*File, error) {
	rec, err := ctx.MFT.AllocateReserved(index, flags)
	if err != nil {
		return nil, err
	}
	return newFileFromRecord(ctx, rec), nil
}

// addSelfName stamps a $FILE_NAME attribute and directory entry
// naming target (already at a reserved index) without going through
// Directory.AddEntry's hard-link bookkeeping twice, since the system
// files' $FILE_NAME is written once at format time.
func addSelfName(target *File, name string, index int64, ns Namespace, dir *Directory) error {
	fnr := FileNameRecord{Parent: dir.file.Reference(), Namespace: ns, Name: name}
	now := Now()
	fnr.CreationTime, fnr.ModificationTime, fnr.MftModificationTime, fnr.AccessTime = now, now, now, now
	ar := &AttributeRecord{Type: AttrFileName, ResidentData: encodeFileNameKey(fnr), Indexed: true}
	target.base.AddAttribute(ar, target.ctx.UpCase)
	target.base.HardLinkCount++
	return dir.view.Insert(fnr, NewFileRecordReference(index, target.base.SequenceNumber))
}

func formatSimpleReserved(ctx *VolumeContext, dir *Directory, index int64, name string) error {
	f, err := reservedFile(ctx, index, FileRecordInUse)
	if err != nil {
		return err
	}
	if err := addSelfName(f, name, index, NamespaceWin32AndDos, dir); err != nil {
		return err
	}
	return f.flush()
}

// formatMftMirr seeds $MFTMirr with a verbatim copy of $MFT's first
// mirroredMftRecords records (spec §4.8).
func formatMftMirr(ctx *VolumeContext, dir *Directory) error {
	f, err := reservedFile(ctx, MftRecordMftMirr, FileRecordInUse)
	if err != nil {
		return err
	}

	attr, err := f.AddAttribute(AttrData, "", nil)
	if err != nil {
		return err
	}

	var blob []byte
	for i := int64(0); i < mirroredMftRecords; i++ {
		rec, err := ctx.MFT.Get(i, false)
		if err != nil {
			return err
		}
		enc, err := rec.Encode()
		if err != nil {
			return err
		}
		blob = append(blob, enc...)
	}

	if err := f.SetStreamLength(attr, int64(len(blob))); err != nil {
		return err
	}
	if _, err := attr.Buffer(ctx).WriteAt(blob, 0); err != nil {
		return err
	}

	if err := addSelfName(f, sysNameMftMirr, MftRecordMftMirr, NamespaceWin32AndDos, dir); err != nil {
		return err
	}
	return f.flush()
}

func formatVolume(ctx *VolumeContext, dir *Directory, profile FormatProfile) error {
	f, err := reservedFile(ctx, MftRecordVolume, FileRecordInUse)
	if err != nil {
		return err
	}

	labelUnits := utf16.Encode([]rune(profile.VolumeLabel))
	labelBytes := make([]byte, len(labelUnits)*2)
	for i, u := range labelUnits {
		labelBytes[i*2] = byte(u)
		labelBytes[i*2+1] = byte(u >> 8)
	}
	if _, err := f.AddAttribute(AttrVolumeName, "", labelBytes); err != nil {
		return err
	}

	// Major/minor version (3.1, the last NTFS on-disk version) plus a
	// reserved flags word; this engine doesn't model the dirty bit or
	// upgrade flags beyond carrying the two zero bytes (spec §1
	// Non-goals: no $LogFile replay, so "dirty" is meaningless here).
	volInfo := []byte{0, 0, 0, 0, 3, 1, 0, 0}
	if _, err := f.AddAttribute(AttrVolumeInformation, "", volInfo); err != nil {
		return err
	}

	if err := addSelfName(f, sysNameVolume, MftRecordVolume, NamespaceWin32AndDos, dir); err != nil {
		return err
	}
	return f.flush()
}

func formatAttrDef(ctx *VolumeContext, dir *Directory) error {
	f, err := reservedFile(ctx, MftRecordAttrDef, FileRecordInUse)
	if err != nil {
		return err
	}
	if _, err := f.AddAttribute(AttrData, "", ctx.AttrDef.Encode()); err != nil {
		return err
	}
	if err := addSelfName(f, sysNameAttrDef, MftRecordAttrDef, NamespaceWin32AndDos, dir); err != nil {
		return err
	}
	return f.flush()
}

// formatBitmap writes the volume's current cluster bitmap (which by
// now also reflects every system file allocated above, including
// $Bitmap's own record) into $Bitmap's $DATA stream.
func formatBitmap(ctx *VolumeContext, dir *Directory) error {
	f, err := reservedFile(ctx, MftRecordBitmap, FileRecordInUse)
	if err != nil {
		return err
	}
	attr, err := f.AddNonResidentAttribute(AttrData, "")
	if err != nil {
		return err
	}
	data := ctx.Bitmap.Bytes()
	if err := f.SetStreamLength(attr, int64(len(data))); err != nil {
		return err
	}
	if _, err := attr.Buffer(ctx).WriteAt(data, 0); err != nil {
		return err
	}
	if err := addSelfName(f, sysNameBitmap, MftRecordBitmap, NamespaceWin32AndDos, dir); err != nil {
		return err
	}
	return f.flush()
}

func formatBoot(ctx *VolumeContext, dir *Directory, bpb *BPB) error {
	f, err := reservedFile(ctx, MftRecordBoot, FileRecordInUse)
	if err != nil {
		return err
	}
	if _, err := f.AddAttribute(AttrData, "", bpb.Encode()); err != nil {
		return err
	}
	if err := addSelfName(f, sysNameBoot, MftRecordBoot, NamespaceWin32AndDos, dir); err != nil {
		return err
	}
	return f.flush()
}

func formatSecure(ctx *VolumeContext, dir *Directory) error {
	f, err := reservedFile(ctx, MftRecordSecure, FileRecordInUse)
	if err != nil {
		return err
	}
	if _, err := NewSecurityStore(f); err != nil {
		return err
	}
	if err := addSelfName(f, sysNameSecure, MftRecordSecure, NamespaceWin32AndDos, dir); err != nil {
		return err
	}
	return f.flush()
}

func formatUpCase(ctx *VolumeContext, dir *Directory) error {
	f, err := reservedFile(ctx, MftRecordUpCase, FileRecordInUse)
	if err != nil {
		return err
	}
	attr, err := f.AddNonResidentAttribute(AttrData, "")
	if err != nil {
		return err
	}
	data := ctx.UpCase.Bytes()
	if err := f.SetStreamLength(attr, int64(len(data))); err != nil {
		return err
	}
	if _, err := attr.Buffer(ctx).WriteAt(data, 0); err != nil {
		return err
	}
	if err := addSelfName(f, sysNameUpCase, MftRecordUpCase, NamespaceWin32AndDos, dir); err != nil {
		return err
	}
	return f.flush()
}

// formatExtend creates $Extend as a directory and seeds its $ObjId,
// $Reparse and $Quota children (spec §2's "minor IndexViews over
// auxiliary system files").
func formatExtend(ctx *VolumeContext, rootDir *Directory) error {
	extendRec, err := ctx.MFT.AllocateReserved(MftRecordExtend, FileRecordInUse|FileRecordIsDirectory)
	if err != nil {
		return err
	}
	extend := newFileFromRecord(ctx, extendRec)
	extendDir, err := NewDirectoryIndex(extend)
	if err != nil {
		return err
	}
	if err := addSelfName(extend, sysNameExtend, MftRecordExtend, NamespaceWin32AndDos, rootDir); err != nil {
		return err
	}

	objID, err := NewFile(ctx, FileRecordInUse)
	if err != nil {
		return err
	}
	if _, err := NewObjectIDStore(objID); err != nil {
		return err
	}
	if err := extendDir.AddEntry(objID, "$ObjId", NamespaceWin32AndDos); err != nil {
		return err
	}
	if err := objID.UpdateRecordInMft(); err != nil {
		return err
	}

	reparse, err := NewFile(ctx, FileRecordInUse)
	if err != nil {
		return err
	}
	if _, err := NewReparsePointIndex(reparse); err != nil {
		return err
	}
	if err := extendDir.AddEntry(reparse, "$Reparse", NamespaceWin32AndDos); err != nil {
		return err
	}
	if err := reparse.UpdateRecordInMft(); err != nil {
		return err
	}

	quota, err := NewFile(ctx, FileRecordInUse)
	if err != nil {
		return err
	}
	if _, err := NewQuotaStore(quota); err != nil {
		return err
	}
	if err := extendDir.AddEntry(quota, "$Quota", NamespaceWin32AndDos); err != nil {
		return err
	}
	if err := quota.UpdateRecordInMft(); err != nil {
		return err
	}

	return extend.flush()
}
