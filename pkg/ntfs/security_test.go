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

func TestSecurityStoreDeduplicatesByContent(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)

	f, err := NewFile(ctx, FileRecordInUse)
	require.NoError(t, err)
	store, err := NewSecurityStore(f)
	require.NoError(t, err)

	descA := []byte("owner:group:dacl-one")
	descB := []byte("owner:group:dacl-two")

	id1, err := store.AddDescriptor(descA)
	require.NoError(t, err)
	id2, err := store.AddDescriptor(descA)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "storing the same descriptor bytes twice must dedup to one id")

	id3, err := store.AddDescriptor(descB)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestSecurityStoreWritesDualBlocksConsistently(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)

	f, err := NewFile(ctx, FileRecordInUse)
	require.NoError(t, err)
	store, err := NewSecurityStore(f)
	require.NoError(t, err)

	id, err := store.AddDescriptor([]byte("owner:group:dacl-dual-block"))
	require.NoError(t, err)

	rec, ok, err := store.sii.Lookup(id)
	require.NoError(t, err)
	require.True(t, ok)

	buf := store.dataAttr.Buffer(ctx)
	primary := make([]byte, rec.EntrySize)
	_, err = buf.ReadAt(primary, rec.OffsetInFile)
	require.NoError(t, err)
	dup := make([]byte, rec.EntrySize)
	_, err = buf.ReadAt(dup, rec.OffsetInFile+sdsBlockPairSize)
	require.NoError(t, err)
	assert.Equal(t, primary, dup)

	decoded, err := decodeSDRecord(primary)
	require.NoError(t, err)
	assert.Equal(t, fold(decoded.Descriptor), decoded.Hash)
}
