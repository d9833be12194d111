package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// AttributeType is the closed tagged variant of attribute kinds spec
// §9 asks for, identified on disk by their 32-bit type code.
type AttributeType uint32

// Standard NTFS attribute type codes.
const (
	AttrStandardInformation AttributeType = 0x10
	AttrAttributeList       AttributeType = 0x20
	AttrFileName            AttributeType = 0x30
	AttrObjectID            AttributeType = 0x40
	AttrSecurityDescriptor  AttributeType = 0x50
	AttrVolumeName          AttributeType = 0x60
	AttrVolumeInformation   AttributeType = 0x70
	AttrData                AttributeType = 0x80
	AttrIndexRoot           AttributeType = 0x90
	AttrIndexAllocation     AttributeType = 0xA0
	AttrBitmap              AttributeType = 0xB0
	AttrReparsePoint        AttributeType = 0xC0
	AttrEAInformation       AttributeType = 0xD0
	AttrEA                  AttributeType = 0xE0
	AttrPropertySet         AttributeType = 0xF0
	AttrLoggedUtilityStream AttributeType = 0x100
	AttrEndMarker           AttributeType = 0xFFFFFFFF
)

func (t AttributeType) String() string {
	switch t {
	case AttrStandardInformation:
		return "$STANDARD_INFORMATION"
	case AttrAttributeList:
		return "$ATTRIBUTE_LIST"
	case AttrFileName:
		return "$FILE_NAME"
	case AttrObjectID:
		return "$OBJECT_ID"
	case AttrSecurityDescriptor:
		return "$SECURITY_DESCRIPTOR"
	case AttrVolumeName:
		return "$VOLUME_NAME"
	case AttrVolumeInformation:
		return "$VOLUME_INFORMATION"
	case AttrData:
		return "$DATA"
	case AttrIndexRoot:
		return "$INDEX_ROOT"
	case AttrIndexAllocation:
		return "$INDEX_ALLOCATION"
	case AttrBitmap:
		return "$BITMAP"
	case AttrReparsePoint:
		return "$REPARSE_POINT"
	case AttrEAInformation:
		return "$EA_INFORMATION"
	case AttrEA:
		return "$EA"
	case AttrPropertySet:
		return "$PROPERTY_SET"
	case AttrLoggedUtilityStream:
		return "$LOGGED_UTILITY_STREAM"
	default:
		return "$UNKNOWN"
	}
}

// AttributeFlags are the per-extent flags carried on an AttributeRecord
// header (spec §4.6).
type AttributeFlags uint16

const (
	AttrFlagCompressed AttributeFlags = 0x0001
	AttrFlagEncrypted  AttributeFlags = 0x4000
	AttrFlagSparse     AttributeFlags = 0x8000
)

// FileRecordFlags are the FileRecord header flags (spec §6).
type FileRecordFlags uint16

const (
	FileRecordInUse        FileRecordFlags = 0x0001
	FileRecordIsDirectory  FileRecordFlags = 0x0002
	FileRecordIsExtension  FileRecordFlags = 0x0004
	FileRecordSpecialIndex FileRecordFlags = 0x0008
)

// Namespace identifies which naming convention a FileNameRecord was
// generated under (spec §3).
type Namespace uint8

const (
	NamespacePosix       Namespace = 0
	NamespaceWin32       Namespace = 1
	NamespaceDos         Namespace = 2
	NamespaceWin32AndDos Namespace = 3
)

// Reserved MFT record indices (spec §4.8).
const (
	MftRecordMft        = 0
	MftRecordMftMirr    = 1
	MftRecordLogFile    = 2
	MftRecordVolume     = 3
	MftRecordAttrDef    = 4
	MftRecordRoot       = 5
	MftRecordBitmap     = 6
	MftRecordBoot       = 7
	MftRecordBadClus    = 8
	MftRecordSecure     = 9
	MftRecordUpCase     = 10
	MftRecordExtend     = 11
	MftRecordFirstFree  = 16
)
