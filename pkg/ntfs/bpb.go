package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
)

// Boot sector field offsets (spec §6).
const (
	bpbOEMOffset          = 0x03
	bpbBytesPerSectorOff  = 0x0B
	bpbSectorsPerClusterOff = 0x0D
	bpbReservedOff        = 0x0E
	bpbMediaOff           = 0x15
	bpbHiddenSectorsOff   = 0x1C
	bpbTotalSectors16Off  = 0x13
	bpbTotalSectors32Off  = 0x20
	bpbTotalSectors64Off  = 0x28
	bpbMftClusterOff      = 0x30
	bpbMftMirrClusterOff  = 0x38
	bpbMftRecordSizeOff   = 0x40
	bpbIndexBufferSizeOff = 0x44
	bpbSerialNumberOff    = 0x48

	// BootSectorSize is the size of the region this package parses;
	// the remainder of the sector is boot code, opaque to the engine.
	BootSectorSize = 512

	oemID = "NTFS    "

	defaultMediaDescriptor = 0xF8
)

// BPB is the parsed BIOS Parameter Block plus the NTFS-specific
// extended fields that follow it (spec §3, §6).
type BPB struct {
	BytesPerSector      uint16
	SectorsPerCluster   uint8 // encoded form, see SectorsPerClusterValue
	TotalSectors        uint64
	MftLCN              uint64
	MftMirrLCN          uint64
	MftRecordSizeRaw    int8 // encoded form, see MftRecordSizeValue
	IndexBufferSizeRaw  int8
	SerialNumber        uint64
	HiddenSectors       uint32
}

// decodeClusterSize interprets the single-byte NTFS size encoding used
// for both sectors-per-cluster and the MFT/index record sizes (spec
// §3): values 1..128 are literal; values read as negative (i.e. a
// signed byte b < 0) mean 1 << (-b).
func decodeClusterSize(b int8, unitSize int) int {
	if b > 0 || b == -128 {
		return int(uint8(b)) * unitSize
	}
	return 1 << uint(-b)
}

func encodeClusterSizeByte(sizeInUnits int) int8 {
	if sizeInUnits >= 1 && sizeInUnits <= 128 {
		return int8(sizeInUnits)
	}
	shift := 0
	for v := sizeInUnits; v > 1; v >>= 1 {
		shift++
	}
	return int8(-shift)
}

// BytesPerCluster returns BytesPerSector * decoded sectors-per-cluster.
func (b *BPB) BytesPerCluster() int {
	spc := decodeClusterSize(int8(b.SectorsPerCluster), 1)
	return spc * int(b.BytesPerSector)
}

// MftRecordSize returns the decoded FileRecord size in bytes.
func (b *BPB) MftRecordSize() int {
	return decodeClusterSize(b.MftRecordSizeRaw, b.BytesPerCluster())
}

// IndexBufferSize returns the decoded index node size in bytes.
func (b *BPB) IndexBufferSize() int {
	return decodeClusterSize(b.IndexBufferSizeRaw, b.BytesPerCluster())
}

// ParseBPB reads and validates the boot sector held in sector (the
// first BootSectorSize bytes of the volume). It returns ErrCorrupt if
// any of the invariants in spec §3 fail.
func ParseBPB(sector []byte) (*BPB, error) {
	if len(sector) < BootSectorSize {
		return nil, corruptf("boot sector too short: %d bytes", len(sector))
	}

	if !bytes.Equal(sector[bpbOEMOffset:bpbOEMOffset+8], []byte(oemID)) {
		return nil, corruptf("bad OEM id %q", sector[bpbOEMOffset:bpbOEMOffset+8])
	}

	ts16 := binary.LittleEndian.Uint16(sector[bpbTotalSectors16Off:])
	ts32 := binary.LittleEndian.Uint32(sector[bpbTotalSectors32Off:])
	ts64 := binary.LittleEndian.Uint64(sector[bpbTotalSectors64Off:])

	if ts16 != 0 || ts32 != 0 {
		return nil, corruptf("TotalSectors16/32 must be zero, got %d/%d", ts16, ts32)
	}
	if ts64 == 0 {
		return nil, corruptf("TotalSectors64 must be non-zero")
	}

	b := &BPB{
		BytesPerSector:     binary.LittleEndian.Uint16(sector[bpbBytesPerSectorOff:]),
		SectorsPerCluster:  sector[bpbSectorsPerClusterOff],
		TotalSectors:       ts64,
		MftLCN:             binary.LittleEndian.Uint64(sector[bpbMftClusterOff:]),
		MftMirrLCN:         binary.LittleEndian.Uint64(sector[bpbMftMirrClusterOff:]),
		MftRecordSizeRaw:   int8(sector[bpbMftRecordSizeOff]),
		IndexBufferSizeRaw: int8(sector[bpbIndexBufferSizeOff]),
		SerialNumber:       binary.LittleEndian.Uint64(sector[bpbSerialNumberOff:]),
		HiddenSectors:      binary.LittleEndian.Uint32(sector[bpbHiddenSectorsOff:]),
	}

	volumeBytes := int64(b.TotalSectors) * int64(b.BytesPerSector)
	mftOffset := int64(b.MftLCN) * int64(b.BytesPerCluster())
	if mftOffset < 0 || mftOffset >= volumeBytes {
		return nil, corruptf("MFT cluster %d outside volume", b.MftLCN)
	}

	return b, nil
}

// Encode serializes b into a fresh BootSectorSize-byte sector. Boot
// code and the jump instruction at offset 0 are left zeroed; this
// engine does not emit bootable boot code (spec §1 Non-goals: no
// boot code generation beyond the BPB fields).
func (b *BPB) Encode() []byte {
	sector := make([]byte, BootSectorSize)
	copy(sector[bpbOEMOffset:], []byte(oemID))
	binary.LittleEndian.PutUint16(sector[bpbBytesPerSectorOff:], b.BytesPerSector)
	sector[bpbSectorsPerClusterOff] = b.SectorsPerCluster
	binary.LittleEndian.PutUint16(sector[bpbReservedOff:], 0)
	sector[bpbMediaOff] = defaultMediaDescriptor
	binary.LittleEndian.PutUint32(sector[bpbHiddenSectorsOff:], b.HiddenSectors)
	binary.LittleEndian.PutUint64(sector[bpbTotalSectors64Off:], b.TotalSectors)
	binary.LittleEndian.PutUint64(sector[bpbMftClusterOff:], b.MftLCN)
	binary.LittleEndian.PutUint64(sector[bpbMftMirrClusterOff:], b.MftMirrLCN)
	sector[bpbMftRecordSizeOff] = byte(b.MftRecordSizeRaw)
	sector[bpbIndexBufferSizeOff] = byte(b.IndexBufferSizeRaw)
	binary.LittleEndian.PutUint64(sector[bpbSerialNumberOff:], b.SerialNumber)

	// boot signature
	sector[510] = 0x55
	sector[511] = 0xAA

	return sector
}
