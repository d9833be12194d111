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

func TestRunListEncodeDecodeRoundTrip(t *testing.T) {
	runs := []DataRun{
		{Length: 10, Offset: 100},
		{Length: 5, Sparse: true},
		{Length: 20, Offset: -50},
	}

	encoded := EncodeRunList(runs)
	decoded, err := DecodeRunList(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(runs))
	for i, r := range runs {
		assert.Equal(t, r.Length, decoded[i].Length, "run %d length", i)
		assert.Equal(t, r.Sparse, decoded[i].Sparse, "run %d sparse", i)
		if !r.Sparse {
			assert.Equal(t, r.Offset, decoded[i].Offset, "run %d offset", i)
		}
	}
}

func TestCookedDataRunsFind(t *testing.T) {
	raw := []DataRun{{Length: 10, Offset: 5}, {Length: 20, Sparse: true}, {Length: 5, Offset: 100}}
	cooked := NewCookedDataRuns(raw, 0, 0)

	idx, err := cooked.Find(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = cooked.Find(15, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.True(t, cooked.Runs()[idx].Sparse)

	idx, err = cooked.Find(32, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = cooked.Find(100, 0)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, err.(*Error).Kind)
}

func TestCookedDataRunsSplitAndCollapse(t *testing.T) {
	raw := []DataRun{{Length: 10, Offset: 5}}
	cooked := NewCookedDataRuns(raw, 0, 0)

	require.NoError(t, cooked.Split(0, 4))
	require.Len(t, cooked.Runs(), 2)
	assert.EqualValues(t, 4, cooked.Runs()[0].Length)
	assert.EqualValues(t, 6, cooked.Runs()[1].Length)
	assert.Equal(t, cooked.Runs()[0].StartLCN+4, cooked.Runs()[1].StartLCN)

	cooked.Collapse()
	assert.Len(t, cooked.Runs(), 1, "adjacent runs from the same extent should collapse back together")
	assert.EqualValues(t, 10, cooked.Runs()[0].Length)
}

func TestCookedDataRunsMakeSparseAndNonSparse(t *testing.T) {
	raw := []DataRun{{Length: 10, Offset: 5}}
	cooked := NewCookedDataRuns(raw, 0, 0)

	require.NoError(t, cooked.MakeSparse(0))
	assert.True(t, cooked.Runs()[0].Sparse)

	err := cooked.MakeNonSparse(0, []LcnRange{{LCN: 20, Length: 6}, {LCN: 40, Length: 4}})
	require.NoError(t, err)
	assert.Len(t, cooked.Runs(), 2)
	assert.False(t, cooked.Runs()[0].Sparse)
	assert.EqualValues(t, 20, cooked.Runs()[0].StartLCN)
	assert.EqualValues(t, 40, cooked.Runs()[1].StartLCN)
}
