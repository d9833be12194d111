package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerDetectsUnmarkedAllocation(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)
	root, err := RootDirectory(ctx)
	require.NoError(t, err)

	f, err := NewFile(ctx, FileRecordInUse)
	require.NoError(t, err)
	attr, err := f.AddAttribute(AttrData, "", nil)
	require.NoError(t, err)
	require.NoError(t, root.AddEntry(f, "orphan.bin", NamespaceWin32AndDos))
	require.NoError(t, f.SetStreamLength(attr, MaxMftRecordSize*2))
	require.NoError(t, f.flush())

	lcn := attr.cookedRuns.Runs()[0].StartLCN
	require.True(t, ctx.Bitmap.bit(lcn))
	ctx.Bitmap.Free(LcnRange{LCN: lcn, Length: 1})

	report, err := NewChecker(ctx, nil).Check()
	require.NoError(t, err)
	require.True(t, report.HasErrors())

	found := false
	for _, issue := range report.Issues {
		if issue.Component == "bitmap" && strings.Contains(issue.Detail, "not marked allocated") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a bitmap issue flagging the unmarked cluster, got:\n%s", spew.Sdump(report.Issues))
	}
}

func TestCheckerDetectsSecurityBlockMismatch(t *testing.T) {
	_, ctx := formatMem(t, 32*1024)

	secFile, err := OpenFile(ctx, MftRecordSecure)
	require.NoError(t, err)
	store, err := OpenSecurityStore(secFile)
	require.NoError(t, err)

	id, err := store.AddDescriptor([]byte("owner:group:dacl-checker"))
	require.NoError(t, err)

	rec, ok, err := store.sii.Lookup(id)
	require.NoError(t, err)
	require.True(t, ok)

	buf := store.dataAttr.Buffer(ctx)
	corrupt := make([]byte, 1)
	_, err = buf.ReadAt(corrupt, rec.OffsetInFile+20)
	require.NoError(t, err)
	corrupt[0] ^= 0xFF
	_, err = buf.WriteAt(corrupt, rec.OffsetInFile+20)
	require.NoError(t, err)

	report, err := NewChecker(ctx, nil).Check()
	require.NoError(t, err)
	require.True(t, report.HasErrors())

	found := false
	for _, issue := range report.Issues {
		if issue.Component == "security" {
			found = true
		}
	}
	assert.True(t, found, "expected a security issue after corrupting one $SDS block: %v", report.Issues)
}

func TestReportStringRendersCleanly(t *testing.T) {
	report := &Report{}
	assert.Equal(t, "no issues found\n", report.String())

	report.add(SeverityError, "mft", "record %d missing", 7)
	out := report.String()
	assert.Contains(t, out, "mft")
	assert.Contains(t, out, "record 7 missing")
}
