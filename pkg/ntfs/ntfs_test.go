package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "testing"

// memVolume is an in-memory RawVolume, the same role pkg/ext's tests
// fill with a backing *os.File, swapped for a byte slice so tests
// don't touch disk.
type memVolume struct {
	data []byte
}

func newMemVolume(size int64) *memVolume {
	return &memVolume{data: make([]byte, size)}
}

func (v *memVolume) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, v.data[off:])
	return n, nil
}

func (v *memVolume) WriteAt(p []byte, off int64) (int, error) {
	n := copy(v.data[off:], p)
	return n, nil
}

func (v *memVolume) Len() int64 { return int64(len(v.data)) }

// formatMem formats a fresh totalSectors-sector volume backed by
// memory, with the small default geometry scaled down so tests stay
// fast: 512-byte sectors, 4KiB clusters, 1KiB MFT records.
func formatMem(t *testing.T, totalSectors uint64) (*memVolume, *VolumeContext) {
	t.Helper()
	vol := newMemVolume(int64(totalSectors) * 512)
	profile := DefaultFormatProfile(totalSectors, "TEST")
	ctx, err := Format(vol, profile, nil, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return vol, ctx
}
