package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
)

// fixupHeader is the common 8-byte prefix every fixup-protected record
// (FileRecord, index node) begins with: a 4-byte magic, the byte
// offset of the update-sequence array, and its entry count including
// the USN itself (spec §4.1).
type fixupHeader struct {
	Magic     [4]byte
	UsaOffset uint16
	UsaCount  uint16
}

// FixupRecord is the common multi-sector framing described in spec
// §4.1: every sector's last two bytes are swapped out for a per-record
// update sequence number (USN) before the record is written, and
// restored after the USN is verified on read. USN increments on every
// write, so the same Record instance can be written multiple times.
type FixupRecord struct {
	magic    [4]byte
	usn      uint16
	sectorSize int
}

// NewFixupRecord creates a fixup framer for records whose sectors are
// sectorSize bytes, stamped with the 4-byte magic (e.g. "FILE",
// "INDX").
func NewFixupRecord(magic string, sectorSize int) *FixupRecord {
	f := &FixupRecord{sectorSize: sectorSize}
	copy(f.magic[:], magic)
	return f
}

// sectorCount returns how many sectors buf spans.
func (f *FixupRecord) sectorCount(buf []byte) int {
	return len(buf) / f.sectorSize
}

// usaSize is the byte length of the update sequence array: one uint16
// USN plus one uint16 per sector holding that sector's saved bytes.
func (f *FixupRecord) usaSize(buf []byte) int {
	return 2 * (1 + f.sectorCount(buf))
}

// Load verifies and unprotects buf in place, returning the restored
// bytes. It does not copy buf; callers that need the framed copy
// preserved should pass a duplicate. If ignoreMagic is false and the
// magic doesn't match, Load returns ErrCorrupt without attempting
// fixup verification (this is how free/unused records with garbage
// contents are distinguished from genuinely corrupt in-use ones, per
// spec §7's "free records with garbage contents are silently ignored"
// — callers consult the owning bitmap before deciding which path to
// take).
func (f *FixupRecord) Load(buf []byte, ignoreMagic bool) ([]byte, error) {
	if len(buf) < 8 {
		return nil, corruptf("fixup record shorter than header")
	}

	if !ignoreMagic {
		for i := 0; i < 4; i++ {
			if buf[i] != f.magic[i] {
				return nil, corruptf("bad fixup magic %q", buf[0:4])
			}
		}
	}

	usaOffset := int(binary.LittleEndian.Uint16(buf[4:6]))
	usaCount := int(binary.LittleEndian.Uint16(buf[6:8]))

	if usaCount == 0 {
		return buf, nil
	}

	expectCount := 1 + f.sectorCount(buf)
	if usaCount != expectCount {
		return nil, corruptf("fixup USA count %d != expected %d", usaCount, expectCount)
	}
	if usaOffset+2*usaCount > len(buf) {
		return nil, corruptf("fixup USA out of range")
	}

	usn := binary.LittleEndian.Uint16(buf[usaOffset : usaOffset+2])
	saved := buf[usaOffset+2 : usaOffset+2*usaCount]

	for s := 0; s < f.sectorCount(buf); s++ {
		tailOff := (s+1)*f.sectorSize - 2
		tail := binary.LittleEndian.Uint16(buf[tailOff : tailOff+2])
		if tail != usn {
			return nil, corruptf("torn sector %d: USN mismatch (got %#x want %#x)", s, tail, usn)
		}
		copy(buf[tailOff:tailOff+2], saved[s*2:s*2+2])
	}

	f.usn = usn

	return buf, nil
}

// Store stamps buf with the next USN, writing the per-sector tail
// bytes into the update-sequence array and substituting the sentinel
// into every sector. buf's header (magic, UsaOffset, UsaCount) must
// already be populated by the caller; Store only touches the fixup
// array and sector tails.
func (f *FixupRecord) Store(buf []byte) error {
	usaOffset := int(binary.LittleEndian.Uint16(buf[4:6]))
	usaCount := int(binary.LittleEndian.Uint16(buf[6:8]))

	expectCount := 1 + f.sectorCount(buf)
	if usaCount != expectCount {
		return invalidArgf("fixup USA count %d != expected %d", usaCount, expectCount)
	}
	if usaOffset+2*usaCount > len(buf) {
		return invalidArgf("fixup USA out of range")
	}

	f.usn++
	if f.usn == 0 {
		f.usn = 1 // 0 is reserved to mean "no fixup applied"
	}
	binary.LittleEndian.PutUint16(buf[usaOffset:usaOffset+2], f.usn)

	for s := 0; s < f.sectorCount(buf); s++ {
		tailOff := (s+1)*f.sectorSize - 2
		saveOff := usaOffset + 2 + s*2
		copy(buf[saveOff:saveOff+2], buf[tailOff:tailOff+2])
		binary.LittleEndian.PutUint16(buf[tailOff:tailOff+2], f.usn)
	}

	return nil
}

// InitHeader stamps the magic/UsaOffset/UsaCount header fields of a
// freshly allocated record buffer of the given size, with the update
// sequence array placed immediately at headerLen (spec §4.1: "saved
// into an update-sequence array immediately after the magic string").
func (f *FixupRecord) InitHeader(buf []byte, headerLen int) {
	copy(buf[0:4], f.magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], uint16(headerLen))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(1+f.sectorCount(buf)))
}
