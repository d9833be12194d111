package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "time"

// ticksPerSecond is the number of 100ns FILETIME ticks in one second.
const ticksPerSecond = 10000000

// filetimeEpoch is 1601-01-01T00:00:00Z as a time.Time. Windows
// FILETIME counts 100ns ticks from here.
var filetimeEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

// FileTime is a raw on-disk NTFS timestamp: 100ns ticks since
// 1601-01-01 UTC, stored little-endian as a plain uint64 (spec §6).
type FileTime uint64

// Time converts a FileTime to a UTC time.Time. Out-of-range values
// (spec §6 "decode to the minimum representable instant") clamp to the
// epoch rather than overflowing time.Time's internal representation.
func (ft FileTime) Time() time.Time {
	ticks := int64(ft)
	if ticks < 0 {
		return filetimeEpoch
	}
	secs := ticks / ticksPerSecond
	nsec := (ticks % ticksPerSecond) * 100
	return time.Unix(filetimeEpoch.Unix()+secs, nsec).UTC()
}

// NewFileTime converts a UTC time.Time into a FileTime. Instants before
// the FILETIME epoch clamp to zero.
func NewFileTime(t time.Time) FileTime {
	if t.Before(filetimeEpoch) {
		return 0
	}
	secs := t.Unix() - filetimeEpoch.Unix()
	return FileTime(secs*ticksPerSecond + int64(t.Nanosecond())/100)
}

// Now returns the current time as a FileTime.
func Now() FileTime {
	return NewFileTime(time.Now().UTC())
}
