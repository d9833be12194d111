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

func TestFormatDetectMount(t *testing.T) {
	vol, ctx := formatMem(t, 32*1024) // 16MiB

	assert.True(t, Detect(vol), "a freshly formatted volume should be detected as NTFS")

	free := ctx.Bitmap.FreeClusters()
	require.Greater(t, free, int64(0))

	mounted, err := Mount(vol, MountOptions{})
	require.NoError(t, err)

	root, err := RootDirectory(mounted)
	require.NoError(t, err)

	entries, err := root.List()
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "root directory should list the system files")

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	for _, want := range []string{"$MFT", "$MFTMirr", "$Bitmap", "$AttrDef", "$UpCase", "$Secure", "$Extend"} {
		assert.True(t, names[want], "expected root entry %q", want)
	}
}

func TestDetectRejectsGarbage(t *testing.T) {
	vol := newMemVolume(64 * 1024)
	assert.False(t, Detect(vol))
}

func TestDetectRejectsTooSmall(t *testing.T) {
	vol := newMemVolume(16)
	assert.False(t, Detect(vol))
}

func TestFormatRejectsTinyVolume(t *testing.T) {
	vol := newMemVolume(4096)
	profile := DefaultFormatProfile(8, "TINY")
	_, err := Format(vol, profile, nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, err.(*Error).Kind)
}

func TestCheckerCleanOnFreshFormat(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)

	report, err := NewChecker(ctx, nil).Check()
	require.NoError(t, err)
	assert.False(t, report.HasErrors(), "fresh format should report no errors: %v", report.Issues)
}
