package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "sort"

// DataRun is one decoded run: Length clusters, starting at an LCN
// delta-encoded against the previous non-sparse run (spec §3, §4.3).
// Sparse is true when the run carries no offset.
type DataRun struct {
	Length int64
	Offset int64 // delta from previous non-sparse run's LCN; 0 if Sparse
	Sparse bool
}

// runByteLength returns how many bytes an unsigned run field needs for
// v (0 for v == 0); the run header byte holds these counts in its
// nibbles (spec §4.3).
func runByteLength(v int64) int {
	if v == 0 {
		return 0
	}
	n := 0
	for v != 0 {
		v >>= 8
		n++
	}
	return n
}

func signedRunByteLength(v int64) int {
	if v == 0 {
		return 0
	}
	n := 1
	for {
		if v >= -(1<<(8*n-1)) && v < (1<<(8*n-1)) {
			return n
		}
		n++
	}
}

// EncodeRunList serializes a sequence of runs into NTFS mapping-pairs
// wire format, terminated by a zero header byte.
func EncodeRunList(runs []DataRun) []byte {
	var out []byte
	for _, r := range runs {
		lenBytes := runByteLength(r.Length)
		if lenBytes == 0 {
			lenBytes = 1
		}
		var offBytes int
		if !r.Sparse {
			offBytes = signedRunByteLength(r.Offset)
			if offBytes == 0 {
				offBytes = 1
			}
		}

		header := byte(lenBytes) | byte(offBytes<<4)
		out = append(out, header)

		v := r.Length
		for i := 0; i < lenBytes; i++ {
			out = append(out, byte(v))
			v >>= 8
		}

		if !r.Sparse {
			v := r.Offset
			for i := 0; i < offBytes; i++ {
				out = append(out, byte(v))
				v >>= 8
			}
		}
	}
	out = append(out, 0)
	return out
}

// DecodeRunList parses NTFS mapping-pairs bytes into a run list. It
// stops at the first zero header byte (the list terminator).
func DecodeRunList(buf []byte) ([]DataRun, error) {
	var runs []DataRun
	i := 0
	for i < len(buf) {
		header := buf[i]
		if header == 0 {
			break
		}
		i++

		lenBytes := int(header & 0x0F)
		offBytes := int(header >> 4)

		if i+lenBytes > len(buf) {
			return nil, corruptf("run list length field truncated")
		}
		var length int64
		for j := 0; j < lenBytes; j++ {
			length |= int64(buf[i+j]) << (8 * j)
		}
		i += lenBytes

		r := DataRun{Length: length}

		if offBytes == 0 {
			r.Sparse = true
		} else {
			if i+offBytes > len(buf) {
				return nil, corruptf("run list offset field truncated")
			}
			var off int64
			for j := 0; j < offBytes; j++ {
				off |= int64(buf[i+j]) << (8 * j)
			}
			// sign-extend
			shift := uint(64 - 8*offBytes)
			off = (off << shift) >> shift
			r.Offset = off
			i += offBytes
		}

		runs = append(runs, r)
	}
	return runs, nil
}

// CookedRun is one run annotated with absolute VCN/LCN bookkeeping and
// a back-reference to the extent it belongs to (spec §3, §4.3). This
// is the canonical mutable form CookedDataRuns operates on; the raw
// encoded form is only materialized when writing an AttributeRecord.
type CookedRun struct {
	StartVCN int64
	Length   int64
	StartLCN int64 // meaningless when Sparse
	Sparse   bool

	// ExtentIndex identifies which AttributeRecord extent (by position
	// in the owning NtfsAttribute's Extents slice) this run's on-disk
	// encoding lives in. Runs never span extents once cooked.
	ExtentIndex int
}

func (r CookedRun) endVCN() int64 { return r.StartVCN + r.Length }

// CookedDataRuns is the mutable, annotated run list described in spec
// §3/§4.3. It is the layer RawClusterStream operates on; attribute
// (de)serialization cooks/uncooks it at the AttributeRecord boundary.
type CookedDataRuns struct {
	runs  []CookedRun
	dirty [2]int64 // [start,end) VCN range touched since last collapse
}

// NewCookedDataRuns cooks a raw, per-extent run list into absolute
// VCN/LCN form. extentIndex tags every run with its source extent.
func NewCookedDataRuns(raw []DataRun, startVCN int64, extentIndex int) *CookedDataRuns {
	c := &CookedDataRuns{}
	vcn := startVCN
	lastLCN := int64(0)
	for _, r := range raw {
		cr := CookedRun{StartVCN: vcn, Length: r.Length, ExtentIndex: extentIndex}
		if r.Sparse {
			cr.Sparse = true
		} else {
			lastLCN += r.Offset
			cr.StartLCN = lastLCN
		}
		c.runs = append(c.runs, cr)
		vcn += r.Length
	}
	return c
}

// Runs exposes the cooked runs for read-only iteration (e.g. by the
// Checker or attribute serialization).
func (c *CookedDataRuns) Runs() []CookedRun { return c.runs }

// LastVCN returns one past the final covered VCN, or 0 if empty.
func (c *CookedDataRuns) LastVCN() int64 {
	if len(c.runs) == 0 {
		return 0
	}
	return c.runs[len(c.runs)-1].endVCN()
}

// Find returns the index of the run covering vcn, scanning forward
// from startIdx (spec §4.3: "bounded linear scan from start_idx").
func (c *CookedDataRuns) Find(vcn int64, startIdx int) (int, error) {
	if vcn >= c.LastVCN() {
		return 0, notFoundf("vcn %d past end of run list (last=%d)", vcn, c.LastVCN())
	}
	for i := startIdx; i < len(c.runs); i++ {
		if vcn >= c.runs[i].StartVCN && vcn < c.runs[i].endVCN() {
			return i, nil
		}
	}
	for i := 0; i < startIdx && i < len(c.runs); i++ {
		if vcn >= c.runs[i].StartVCN && vcn < c.runs[i].endVCN() {
			return i, nil
		}
	}
	return 0, notFoundf("vcn %d not covered by any run", vcn)
}

func (c *CookedDataRuns) markDirty(vcn int64) {
	if c.dirty[0] == 0 && c.dirty[1] == 0 {
		c.dirty[0], c.dirty[1] = vcn, vcn+1
		return
	}
	if vcn < c.dirty[0] {
		c.dirty[0] = vcn
	}
	if vcn+1 > c.dirty[1] {
		c.dirty[1] = vcn + 1
	}
}

// Split breaks the run at idx into two runs at vcn, so that
// c.runs[idx] ends at vcn and a new run starting at vcn is inserted
// immediately after. Runs after the split point that are sparse are
// unaffected (they carry no LCN); the split run's own tail (if
// non-sparse) gets its LCN recomputed relative to the head so external
// offsets for unrelated runs stay correct, honoring the §4.3
// correctness rule.
func (c *CookedDataRuns) Split(idx int, vcn int64) error {
	if idx < 0 || idx >= len(c.runs) {
		return invalidArgf("split: index %d out of range", idx)
	}
	r := c.runs[idx]
	if vcn <= r.StartVCN || vcn >= r.endVCN() {
		return invalidArgf("split: vcn %d not strictly inside run [%d,%d)", vcn, r.StartVCN, r.endVCN())
	}

	head := r
	head.Length = vcn - r.StartVCN

	tail := r
	tail.StartVCN = vcn
	tail.Length = r.endVCN() - vcn
	if !r.Sparse {
		tail.StartLCN = r.StartLCN + head.Length
	}

	newRuns := make([]CookedRun, 0, len(c.runs)+1)
	newRuns = append(newRuns, c.runs[:idx]...)
	newRuns = append(newRuns, head, tail)
	newRuns = append(newRuns, c.runs[idx+1:]...)
	c.runs = newRuns

	c.markDirty(vcn)
	return nil
}

// MakeSparse replaces the run at idx with an equivalent-length sparse
// run. Downstream sparse runs already have no LCN baseline to
// preserve, and downstream non-sparse runs keep their absolute LCN
// unchanged (only their on-disk *delta* re-encodes differently, which
// EncodeRunList recomputes from absolute LCNs when serializing).
func (c *CookedDataRuns) MakeSparse(idx int) error {
	if idx < 0 || idx >= len(c.runs) {
		return invalidArgf("make_sparse: index %d out of range", idx)
	}
	c.runs[idx].Sparse = true
	c.runs[idx].StartLCN = 0
	c.markDirty(c.runs[idx].StartVCN)
	return nil
}

// MakeNonSparse replaces a sparse run at idx with the concrete LCN
// ranges in rawRuns (their lengths must sum to the run's length).
func (c *CookedDataRuns) MakeNonSparse(idx int, rawRuns []LcnRange) error {
	if idx < 0 || idx >= len(c.runs) {
		return invalidArgf("make_non_sparse: index %d out of range", idx)
	}
	r := c.runs[idx]
	if !r.Sparse {
		return invalidArgf("make_non_sparse: run %d already non-sparse", idx)
	}

	var total int64
	for _, rr := range rawRuns {
		total += rr.Length
	}
	if total != r.Length {
		return invalidArgf("make_non_sparse: lengths sum to %d, want %d", total, r.Length)
	}

	var replacement []CookedRun
	vcn := r.StartVCN
	for _, rr := range rawRuns {
		replacement = append(replacement, CookedRun{
			StartVCN: vcn, Length: rr.Length, StartLCN: rr.LCN,
			ExtentIndex: r.ExtentIndex,
		})
		vcn += rr.Length
	}

	newRuns := make([]CookedRun, 0, len(c.runs)+len(replacement)-1)
	newRuns = append(newRuns, c.runs[:idx]...)
	newRuns = append(newRuns, replacement...)
	newRuns = append(newRuns, c.runs[idx+1:]...)
	c.runs = newRuns

	c.markDirty(r.StartVCN)
	return nil
}

// TruncateAt drops every run at and after idx, releasing the extent's
// claim on them (callers are responsible for freeing the underlying
// clusters in the bitmap before/after calling this).
func (c *CookedDataRuns) TruncateAt(idx int) {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.runs) {
		return
	}
	c.runs = c.runs[:idx]
}

// Collapse merges adjacent sparse-with-sparse runs and adjacent
// contiguous non-sparse runs of the same extent across the whole list,
// then clears the tracked dirty range (spec §4.3).
func (c *CookedDataRuns) Collapse() {
	if len(c.runs) == 0 {
		return
	}

	out := make([]CookedRun, 0, len(c.runs))
	out = append(out, c.runs[0])

	for _, r := range c.runs[1:] {
		last := &out[len(out)-1]
		if last.Sparse && r.Sparse {
			last.Length += r.Length
			continue
		}
		if !last.Sparse && !r.Sparse && last.StartLCN+last.Length == r.StartLCN && last.ExtentIndex == r.ExtentIndex {
			last.Length += r.Length
			continue
		}
		out = append(out, r)
	}

	c.runs = out
	c.dirty = [2]int64{0, 0}
}

// ToDataRuns re-encodes the cooked runs belonging to extentIndex back
// into the delta-encoded raw form suitable for EncodeRunList, relative
// to an independent delta chain starting at lastLCN (spec §4.3
// correctness rule: external offsets for unmoved runs round-trip).
func (c *CookedDataRuns) ToDataRuns(extentIndex int) []DataRun {
	var out []DataRun
	lastLCN := int64(0)
	for _, r := range c.runs {
		if r.ExtentIndex != extentIndex {
			continue
		}
		if r.Sparse {
			out = append(out, DataRun{Length: r.Length, Sparse: true})
			continue
		}
		out = append(out, DataRun{Length: r.Length, Offset: r.StartLCN - lastLCN})
		lastLCN = r.StartLCN
	}
	return out
}

// SortByVCN orders runs by StartVCN; used after bulk mutation sequences
// where callers built up runs out of order (e.g. attribute splitting).
func (c *CookedDataRuns) SortByVCN() {
	sort.Slice(c.runs, func(i, j int) bool { return c.runs[i].StartVCN < c.runs[j].StartVCN })
}

// AppendSparse extends the run list with a trailing sparse run,
// backing RawClusterStream.expand_to (spec §4.4).
func (c *CookedDataRuns) AppendSparse(length int64, extentIndex int) {
	c.runs = append(c.runs, CookedRun{
		StartVCN: c.LastVCN(), Length: length, Sparse: true, ExtentIndex: extentIndex,
	})
}
