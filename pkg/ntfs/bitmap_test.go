package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterBitmapAllocateContiguous(t *testing.T) {
	b := NewClusterBitmap(64)

	ranges, err := b.Allocate(10, 0, false, nil)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, LcnRange{LCN: 0, Length: 10}, ranges[0])
	assert.EqualValues(t, 54, b.FreeClusters())
}

func TestClusterBitmapAllocateFragmented(t *testing.T) {
	b := NewClusterBitmap(16)
	b.MarkAllocated(LcnRange{LCN: 2, Length: 1})
	b.MarkAllocated(LcnRange{LCN: 5, Length: 1})

	ranges, err := b.Allocate(14, 0, false, nil)
	require.NoError(t, err)
	var total int64
	seen := map[int64]bool{}
	for _, r := range ranges {
		for i := r.LCN; i < r.LCN+r.Length; i++ {
			assert.False(t, seen[i], "cluster %d double-allocated", i)
			seen[i] = true
		}
		total += r.Length
	}
	assert.EqualValues(t, 14, total)
	assert.False(t, seen[2], "pre-allocated cluster 2 must not be reused")
	assert.False(t, seen[5], "pre-allocated cluster 5 must not be reused")
}

func TestClusterBitmapOutOfSpace(t *testing.T) {
	b := NewClusterBitmap(4)
	_, err := b.Allocate(5, 0, false, nil)
	require.Error(t, err)
	assert.Equal(t, KindOutOfSpace, err.(*Error).Kind)
}

func TestClusterBitmapFreeIsIdempotent(t *testing.T) {
	b := NewClusterBitmap(8)
	b.MarkAllocated(LcnRange{LCN: 0, Length: 4})
	assert.EqualValues(t, 4, b.FreeClusters())

	b.Free(LcnRange{LCN: 0, Length: 4})
	assert.EqualValues(t, 8, b.FreeClusters())
	b.Free(LcnRange{LCN: 0, Length: 4})
	assert.EqualValues(t, 8, b.FreeClusters())
}

func TestClusterBitmapRoundTripBytes(t *testing.T) {
	b := NewClusterBitmap(128)
	b.MarkAllocated(LcnRange{LCN: 3, Length: 5})
	b.MarkAllocated(LcnRange{LCN: 100, Length: 2})

	loaded := LoadClusterBitmap(b.Bytes(), 128)
	for i := int64(0); i < 128; i++ {
		assert.Equal(t, b.bit(i), loaded.bit(i), "bit %d mismatch after round trip", i)
	}
}
