package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/sisatech/tablewriter"

	"github.com/vorteil/ntfs/pkg/elog"
)

// Severity classifies a Checker finding. The checker never repairs
// anything (spec §7); severity only affects how a finding is
// rendered.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Issue is a single invariant violation (or informational note) found
// by a self-check pass, identifying the component it came from (spec
// §8's "universal invariants").
type Issue struct {
	Severity Severity
	Component string
	Detail    string
}

// Report collects every Issue a Checker run produced.
type Report struct {
	Issues []Issue
}

func (r *Report) add(sev Severity, component, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{Severity: sev, Component: component, Detail: fmt.Sprintf(format, args...)})
}

// HasErrors reports whether any issue at SeverityError was recorded.
func (r *Report) HasErrors() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// String renders the report as a colored table, the same
// PlainTable-over-tablewriter shape the teacher's CLI used for
// columnar output.
func (r *Report) String() string {
	buf := &bytes.Buffer{}
	r.WriteTo(buf)
	return buf.String()
}

// WriteTo renders the report as a table to w, coloring each row's
// severity cell (errors red, warnings yellow, info faint).
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	if len(r.Issues) == 0 {
		n, err := io.WriteString(w, "no issues found\n")
		return int64(n), err
	}

	counting := &countingWriter{w: w}
	table := tablewriter.NewWriter(counting)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Severity", "Component", "Detail"})
	table.SetBorder(false)
	table.SetColumnSeparator("")

	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	for _, issue := range r.Issues {
		sev := issue.Severity.String()
		switch issue.Severity {
		case SeverityError:
			sev = red(sev)
		case SeverityWarning:
			sev = yellow(sev)
		default:
			sev = faint(sev)
		}
		table.Append([]string{sev, issue.Component, issue.Detail})
	}

	table.Render()
	return counting.n, counting.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil {
		c.err = err
	}
	return n, err
}

// Checker runs the self-check pass named in spec §1/§7: it verifies
// the on-disk invariants of spec §8 and reports violations without
// ever attempting to fix them.
type Checker struct {
	ctx *VolumeContext
	log elog.Logger
}

// NewChecker builds a Checker over an already-mounted volume. log may
// be nil.
func NewChecker(ctx *VolumeContext, log elog.Logger) *Checker {
	if log == nil {
		log = ctx.log()
	}
	return &Checker{ctx: ctx, log: log}
}

// Check runs every self-check pass and returns the combined report.
// Individual passes that hit an unrecoverable I/O failure abort early
// and surface it as an error; invariant violations themselves are
// never returned as errors, only as Issues.
func (c *Checker) Check() (*Report, error) {
	report := &Report{}

	c.log.Infof("checking MFT records 0..%d", c.ctx.MFT.TotalRecords())
	if err := c.checkMftRecords(report); err != nil {
		return report, err
	}

	c.log.Infof("checking cluster bitmap consistency")
	if err := c.checkClusterBitmap(report); err != nil {
		return report, err
	}

	c.log.Infof("checking hard-link counts and directory indexing")
	if err := c.checkFileNames(report); err != nil {
		return report, err
	}

	c.log.Infof("checking $Secure dual-block redundancy")
	if err := c.checkSecurityDescriptors(report); err != nil {
		return report, err
	}

	c.log.Infof("check complete: %d issue(s)", len(report.Issues))
	return report, nil
}

// checkMftRecords walks every record slot the MFT's own bitmap marks
// in-use and confirms it decodes cleanly: fixup verification plus the
// RealSize/AllocatedSize and terminator invariants of spec §3 (spec
// §8 invariant 1). A torn record whose bit is clear is not an error
// at all (spec §7); this loop only visits bits that are set.
func (c *Checker) checkMftRecords(report *Report) error {
	total := c.ctx.MFT.TotalRecords()
	for i := int64(0); i < total; i++ {
		if !c.ctx.MFT.RecordInUse(i) {
			continue
		}
		rec, err := c.ctx.MFT.Get(i, true)
		if err != nil {
			report.add(SeverityError, "mft", "record %d: %v", i, err)
			continue
		}
		if rec.RealSize() > rec.AllocatedSize {
			report.add(SeverityError, "mft", "record %d: real size %d exceeds allocated size %d", i, rec.RealSize(), rec.AllocatedSize)
		}
	}
	return nil
}

// lcnOwner identifies which attribute extent claimed a cluster, for
// double-allocation diagnostics.
type lcnOwner struct {
	mftIndex int64
	attrType AttributeType
}

// checkClusterBitmap verifies spec §8 invariant 4: every allocated
// cluster belongs to exactly one in-use file's non-sparse run, with
// no overlaps and no orphaned bitmap bits.
func (c *Checker) checkClusterBitmap(report *Report) error {
	total := c.ctx.Bitmap.TotalClusters()
	owners := make(map[int64]lcnOwner)

	for i := int64(0); i < c.ctx.MFT.TotalRecords(); i++ {
		if !c.ctx.MFT.RecordInUse(i) {
			continue
		}
		rec, err := c.ctx.MFT.Get(i, true)
		if err != nil {
			continue // already reported by checkMftRecords
		}
		for _, ar := range rec.Attributes {
			if !ar.NonResident {
				continue
			}
			raw, err := DecodeRunList(ar.RunListBytes)
			if err != nil {
				report.add(SeverityError, "runlist", "mft %d attr %s: %v", i, ar.Type, err)
				continue
			}
			cooked := NewCookedDataRuns(raw, ar.StartVCN, 0)
			for _, run := range cooked.Runs() {
				if run.Sparse {
					continue
				}
				for lcn := run.StartLCN; lcn < run.StartLCN+run.Length; lcn++ {
					if lcn < 0 || lcn >= total {
						report.add(SeverityError, "bitmap", "mft %d attr %s: run references lcn %d outside the volume", i, ar.Type, lcn)
						continue
					}
					if prev, ok := owners[lcn]; ok {
						report.add(SeverityError, "bitmap", "lcn %d double-allocated: mft %d (%s) and mft %d (%s)",
							lcn, prev.mftIndex, prev.attrType, i, ar.Type)
						continue
					}
					owners[lcn] = lcnOwner{mftIndex: i, attrType: ar.Type}
					if !c.ctx.Bitmap.bit(lcn) {
						report.add(SeverityError, "bitmap", "lcn %d used by mft %d (%s) but not marked allocated", lcn, i, ar.Type)
					}
				}
			}
		}
	}

	for lcn := int64(0); lcn < total; lcn++ {
		if c.ctx.Bitmap.bit(lcn) {
			if _, ok := owners[lcn]; !ok {
				report.add(SeverityWarning, "bitmap", "lcn %d marked allocated but owned by no in-use file", lcn)
			}
		}
	}

	return nil
}

// checkFileNames verifies spec §8 invariant 5: a file with hard-link
// count N carries exactly N $FILE_NAME attributes, and each one
// resolves to an index entry in its referenced parent directory.
func (c *Checker) checkFileNames(report *Report) error {
	for i := int64(0); i < c.ctx.MFT.TotalRecords(); i++ {
		if !c.ctx.MFT.RecordInUse(i) {
			continue
		}
		rec, err := c.ctx.MFT.Get(i, true)
		if err != nil || rec.Flags&FileRecordIsExtension != 0 {
			continue
		}

		names := 0
		var fnrs []FileNameRecord
		for _, ar := range rec.Attributes {
			if ar.Type != AttrFileName {
				continue
			}
			names++
			fnr, err := decodeFileNameKey(ar.ResidentData)
			if err != nil {
				report.add(SeverityError, "filename", "mft %d: %v", i, err)
				continue
			}
			fnrs = append(fnrs, fnr)
		}
		if al := rec.FindAttribute(AttrAttributeList, ""); al != nil {
			if entries, err := DecodeAttributeList(al.ResidentData); err == nil {
				for _, e := range entries {
					if e.Type == AttrFileName && e.ExtentRef.MftIndex() != i {
						names++
					}
				}
			}
		}

		if int64(names) != int64(rec.HardLinkCount) {
			report.add(SeverityError, "hardlink", "mft %d: hard-link count %d but %d $FILE_NAME attributes", i, rec.HardLinkCount, names)
		}

		for _, fnr := range fnrs {
			parentIdx := fnr.Parent.MftIndex()
			if !c.ctx.MFT.RecordInUse(parentIdx) {
				report.add(SeverityError, "directory", "mft %d: name %q's parent mft %d is not in use", i, fnr.Name, parentIdx)
				continue
			}
			parentFile, err := OpenFile(c.ctx, parentIdx)
			if err != nil {
				report.add(SeverityError, "directory", "mft %d: opening parent %d: %v", i, parentIdx, err)
				continue
			}
			parentDir, err := OpenDirectory(parentFile)
			if err != nil {
				report.add(SeverityError, "directory", "mft %d: parent %d is not a directory: %v", i, parentIdx, err)
				continue
			}
			ref, ok, err := parentDir.Lookup(fnr.Name)
			if err != nil {
				report.add(SeverityError, "directory", "mft %d: looking up %q in parent %d: %v", i, fnr.Name, parentIdx, err)
				continue
			}
			if !ok || ref.MftIndex() != i {
				report.add(SeverityError, "directory", "mft %d: name %q not indexed in parent %d", i, fnr.Name, parentIdx)
			}
		}
	}
	return nil
}

// checkSecurityDescriptors verifies spec §8 invariant 6: every $SDS
// record's duplicate block matches its primary, and the stored hash
// matches a fresh fold() of the descriptor bytes.
func (c *Checker) checkSecurityDescriptors(report *Report) error {
	secFile, err := OpenFile(c.ctx, MftRecordSecure)
	if err != nil {
		report.add(SeverityError, "security", "opening $Secure: %v", err)
		return nil
	}
	store, err := OpenSecurityStore(secFile)
	if err != nil {
		report.add(SeverityError, "security", "opening security store: %v", err)
		return nil
	}

	buf := store.dataAttr.Buffer(c.ctx)
	return store.sii.Range(func(id uint32, rec SecurityDescriptorRecord) bool {
		primary := make([]byte, rec.EntrySize)
		if _, err := buf.ReadAt(primary, rec.OffsetInFile); err != nil {
			report.add(SeverityError, "security", "id %d: reading primary block: %v", id, err)
			return true
		}
		dup := make([]byte, rec.EntrySize)
		if _, err := buf.ReadAt(dup, rec.OffsetInFile+sdsBlockPairSize); err != nil {
			report.add(SeverityError, "security", "id %d: reading duplicate block: %v", id, err)
			return true
		}
		if !bytes.Equal(primary, dup) {
			report.add(SeverityError, "security", "id %d: primary and duplicate $SDS blocks differ", id)
			return true
		}
		decoded, err := decodeSDRecord(primary)
		if err != nil {
			report.add(SeverityError, "security", "id %d: %v", id, err)
			return true
		}
		if fold(decoded.Descriptor) != decoded.Hash {
			report.add(SeverityError, "security", "id %d: stored hash %#x does not match fold() of descriptor bytes", id, decoded.Hash)
		}
		return true
	})
}
