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

func TestDirectoryGlob(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)
	root, err := RootDirectory(ctx)
	require.NoError(t, err)

	for _, name := range []string{"report.txt", "report.csv", "notes.md"} {
		f, err := NewFile(ctx, FileRecordInUse)
		require.NoError(t, err)
		_, err = f.AddAttribute(AttrData, "", []byte(name))
		require.NoError(t, err)
		require.NoError(t, root.AddEntry(f, name, NamespaceWin32AndDos))
		require.NoError(t, f.flush())
	}

	matches, err := root.Glob("report.*")
	require.NoError(t, err)
	names := map[string]bool{}
	for _, m := range matches {
		names[m.Name] = true
	}
	assert.Len(t, matches, 2)
	assert.True(t, names["report.txt"])
	assert.True(t, names["report.csv"])
	assert.False(t, names["notes.md"])
}

func TestDirectoryShortNameCollision(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)
	root, err := RootDirectory(ctx)
	require.NoError(t, err)

	var shorts []string
	for i := 0; i < 3; i++ {
		long := "Thisisaverylongname.txt"
		short, err := root.CreateShortName(long)
		require.NoError(t, err)
		shorts = append(shorts, short)

		f, err := NewFile(ctx, FileRecordInUse)
		require.NoError(t, err)
		require.NoError(t, root.AddEntry(f, long+string(rune('a'+i)), NamespaceWin32))
		require.NoError(t, root.AddEntry(f, short, NamespaceDos))
		require.NoError(t, f.flush())
	}

	assert.Equal(t, len(shorts), len(uniqueStrings(shorts)), "each generated short name must be unique: %v", shorts)
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func TestDirectoryRemoveEntryDropsDosAlias(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)
	root, err := RootDirectory(ctx)
	require.NoError(t, err)

	f, err := NewFile(ctx, FileRecordInUse)
	require.NoError(t, err)
	require.NoError(t, root.AddEntry(f, "LONGNAME.TXT", NamespaceWin32))
	require.NoError(t, root.AddEntry(f, "LONGNA~1.TXT", NamespaceDos))
	require.NoError(t, f.flush())
	assert.EqualValues(t, 2, f.base.HardLinkCount)

	require.NoError(t, root.RemoveEntry("LONGNAME.TXT"))

	_, ok, err := root.Lookup("LONGNA~1.TXT")
	require.NoError(t, err)
	assert.False(t, ok, "removing the Win32 name should drop its paired Dos alias too")
}
