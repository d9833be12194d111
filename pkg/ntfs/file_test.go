package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResidentFileRoundTrip(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)
	root, err := RootDirectory(ctx)
	require.NoError(t, err)

	f, err := NewFile(ctx, FileRecordInUse)
	require.NoError(t, err)

	content := []byte("hello ntfs")
	attr, err := f.AddAttribute(AttrData, "", content)
	require.NoError(t, err)
	require.NoError(t, root.AddEntry(f, "hello.txt", NamespaceWin32AndDos))
	require.NoError(t, f.flush())

	require.False(t, attr.NonResident)

	ref, ok, err := root.Lookup("hello.txt")
	require.NoError(t, err)
	require.True(t, ok)

	reopened, err := OpenFile(ctx, ref.MftIndex())
	require.NoError(t, err)
	reopenedAttr, err := reopened.Attribute(AttrData, "")
	require.NoError(t, err)

	buf := make([]byte, reopenedAttr.DataLength)
	_, err = reopenedAttr.Buffer(ctx).ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, content, buf)
}

func TestNonResidentGrowthAndShrink(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)
	root, err := RootDirectory(ctx)
	require.NoError(t, err)

	f, err := NewFile(ctx, FileRecordInUse)
	require.NoError(t, err)
	attr, err := f.AddAttribute(AttrData, "", nil)
	require.NoError(t, err)
	require.NoError(t, root.AddEntry(f, "big.bin", NamespaceWin32AndDos))

	big := bytes.Repeat([]byte{0xAB}, MaxMftRecordSize*4)
	require.NoError(t, f.SetStreamLength(attr, int64(len(big))))
	assert.True(t, attr.NonResident, "stream above MaxMftRecordSize should migrate non-resident")

	_, err = attr.Buffer(ctx).WriteAt(big, 0)
	require.NoError(t, err)
	require.NoError(t, f.flush())

	readBack := make([]byte, len(big))
	_, err = attr.Buffer(ctx).ReadAt(readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, big, readBack)

	// Shrinking back below the hysteresis threshold folds the stream
	// back to resident.
	require.NoError(t, f.SetStreamLength(attr, 16))
	assert.False(t, attr.NonResident, "stream shrunk under the threshold should fold back resident")
	require.NoError(t, f.flush())
}

func TestHardLinks(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)
	root, err := RootDirectory(ctx)
	require.NoError(t, err)

	f, err := NewFile(ctx, FileRecordInUse)
	require.NoError(t, err)
	_, err = f.AddAttribute(AttrData, "", []byte("linked"))
	require.NoError(t, err)

	require.NoError(t, root.AddEntry(f, "first.txt", NamespaceWin32AndDos))
	require.NoError(t, root.AddEntry(f, "second.txt", NamespaceWin32AndDos))
	require.NoError(t, f.flush())

	assert.EqualValues(t, 2, f.base.HardLinkCount)

	ref1, ok, err := root.Lookup("first.txt")
	require.NoError(t, err)
	require.True(t, ok)
	ref2, ok, err := root.Lookup("second.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ref1.MftIndex(), ref2.MftIndex())

	require.NoError(t, root.RemoveEntry("first.txt"))
	reopened, err := OpenFile(ctx, ref2.MftIndex())
	require.NoError(t, err)
	assert.EqualValues(t, 1, reopened.base.HardLinkCount)
}
