package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// RawClusterStream reads and writes whole clusters addressed by VCN
// against a CookedDataRuns, allocating from a ClusterBitmap on demand
// (spec §4.4). It is the layer that CompressedClusterStream wraps, and
// the layer a non-resident, uncompressed NtfsAttribute reads/writes
// through directly.
type RawClusterStream struct {
	cache           *BlockCache
	bitmap          *ClusterBitmap
	runs            *CookedDataRuns
	bytesPerCluster int64
	extentIndex     int
}

// NewRawClusterStream wraps runs (already cooked from an attribute's
// extents) with the bitmap used to satisfy allocation and the block
// cache used for cluster I/O.
func NewRawClusterStream(cache *BlockCache, bitmap *ClusterBitmap, runs *CookedDataRuns, bytesPerCluster int64, extentIndex int) *RawClusterStream {
	return &RawClusterStream{cache: cache, bitmap: bitmap, runs: runs, bytesPerCluster: bytesPerCluster, extentIndex: extentIndex}
}

// Read fills out (count*bytesPerCluster bytes) with the clusters
// [startVCN, startVCN+count). Sparse runs read as zero.
func (s *RawClusterStream) Read(startVCN, count int64, out []byte) error {
	idx := 0
	vcn := startVCN
	remaining := count
	pos := 0

	for remaining > 0 {
		i, err := s.runs.Find(vcn, idx)
		if err != nil {
			return err
		}
		idx = i
		run := s.runs.Runs()[i]

		inRun := run.endVCN() - vcn
		take := inRun
		if take > remaining {
			take = remaining
		}

		n := int(take * s.bytesPerCluster)
		dst := out[pos : pos+n]

		if run.Sparse {
			for j := range dst {
				dst[j] = 0
			}
		} else {
			lcn := run.StartLCN + (vcn - run.StartVCN)
			off := 0
			for c := int64(0); c < take; c++ {
				buf, err := s.cache.ReadCluster(lcn + c)
				if err != nil {
					return err
				}
				copy(dst[off:off+int(s.bytesPerCluster)], buf)
				off += int(s.bytesPerCluster)
			}
		}

		pos += n
		vcn += take
		remaining -= take
	}

	return nil
}

// Write stores in (count*bytesPerCluster bytes) at [startVCN,
// startVCN+count). Fails if any covered run is sparse: allocation must
// happen first via Allocate (spec §4.4).
func (s *RawClusterStream) Write(startVCN, count int64, in []byte) error {
	idx := 0
	vcn := startVCN
	remaining := count
	pos := 0

	for remaining > 0 {
		i, err := s.runs.Find(vcn, idx)
		if err != nil {
			return err
		}
		idx = i
		run := s.runs.Runs()[i]

		if run.Sparse {
			return invalidArgf("write: vcn %d covered by sparse run; allocate first", vcn)
		}

		inRun := run.endVCN() - vcn
		take := inRun
		if take > remaining {
			take = remaining
		}

		n := int(take * s.bytesPerCluster)
		src := in[pos : pos+n]

		lcn := run.StartLCN + (vcn - run.StartVCN)
		off := 0
		for c := int64(0); c < take; c++ {
			if err := s.cache.WriteCluster(lcn+c, src[off:off+int(s.bytesPerCluster)]); err != nil {
				return err
			}
			off += int(s.bytesPerCluster)
		}

		pos += n
		vcn += take
		remaining -= take
	}

	return nil
}

// Allocate turns every sparse run intersecting [startVCN,
// startVCN+count) into a non-sparse one, requesting clusters from the
// bitmap near the previous non-sparse run's tail LCN for locality
// (spec §4.4). Returns the net change in allocated cluster count.
func (s *RawClusterStream) Allocate(startVCN, count int64) (int64, error) {
	var allocated int64
	idx := 0
	vcn := startVCN
	remaining := count

	for remaining > 0 {
		i, err := s.runs.Find(vcn, idx)
		if err != nil {
			return allocated, err
		}
		idx = i
		run := s.runs.Runs()[i]

		inRun := run.endVCN() - vcn
		take := inRun
		if take > remaining {
			take = remaining
		}

		if run.Sparse {
			if vcn > run.StartVCN || vcn+take < run.endVCN() {
				if err := s.runs.Split(i, vcn); err != nil {
					return allocated, err
				}
				idx = 0
				continue
			}

			hint := s.previousNonSparseTail(i)
			ranges, err := s.bitmap.Allocate(run.Length, hint, false, nil)
			if err != nil {
				return allocated, err
			}
			if err := s.runs.MakeNonSparse(i, ranges); err != nil {
				return allocated, err
			}
			allocated += run.Length
			idx = 0
			continue
		}

		vcn += take
		remaining -= take
	}

	s.runs.Collapse()
	return allocated, nil
}

func (s *RawClusterStream) previousNonSparseTail(idx int) int64 {
	for i := idx - 1; i >= 0; i-- {
		r := s.runs.Runs()[i]
		if !r.Sparse {
			return r.StartLCN + r.Length
		}
	}
	return -1
}

// Release frees the clusters backing [startVCN, startVCN+count) in the
// bitmap and turns those runs sparse. Returns the net change in
// allocated cluster count (negative).
func (s *RawClusterStream) Release(startVCN, count int64) (int64, error) {
	var released int64
	idx := 0
	vcn := startVCN
	remaining := count

	for remaining > 0 {
		i, err := s.runs.Find(vcn, idx)
		if err != nil {
			return released, err
		}
		idx = i
		run := s.runs.Runs()[i]

		inRun := run.endVCN() - vcn
		take := inRun
		if take > remaining {
			take = remaining
		}

		if !run.Sparse {
			if vcn > run.StartVCN || vcn+take < run.endVCN() {
				if err := s.runs.Split(i, vcn); err != nil {
					return released, err
				}
				idx = 0
				continue
			}

			s.bitmap.Free(LcnRange{LCN: run.StartLCN, Length: run.Length})
			if err := s.runs.MakeSparse(i); err != nil {
				return released, err
			}
			released -= run.Length
			idx = 0
			continue
		}

		vcn += take
		remaining -= take
	}

	s.runs.Collapse()
	return released, nil
}

// Clear zeroes [startVCN, startVCN+count). Raw streams preserve
// allocation when clearing (unlike compressed streams, which may
// deallocate a fully-zero compression unit — spec §4.4); the returned
// delta is always 0 for a raw stream.
func (s *RawClusterStream) Clear(startVCN, count int64) (int64, error) {
	zero := make([]byte, count*s.bytesPerCluster)
	if err := s.Write(startVCN, count, zero); err != nil {
		return 0, err
	}
	return 0, nil
}

// ExpandTo extends the run list so it covers `clusters` total VCNs,
// appending a trailing sparse run for the new tail; if allocate is
// true the new tail is immediately allocated.
func (s *RawClusterStream) ExpandTo(clusters int64, allocate bool) error {
	cur := s.runs.LastVCN()
	if clusters <= cur {
		return nil
	}
	s.runs.AppendSparse(clusters-cur, s.extentIndex)
	if allocate {
		if _, err := s.Allocate(cur, clusters-cur); err != nil {
			return err
		}
	}
	return nil
}

// TruncateTo releases and drops every run at or past `clusters` VCNs.
func (s *RawClusterStream) TruncateTo(clusters int64) error {
	if clusters >= s.runs.LastVCN() {
		return nil
	}
	if clusters > 0 {
		if _, err := s.Release(clusters, s.runs.LastVCN()-clusters); err != nil {
			return err
		}
	} else if s.runs.LastVCN() > 0 {
		if _, err := s.Release(0, s.runs.LastVCN()); err != nil {
			return err
		}
	}

	idx, err := s.runs.Find(clusters, 0)
	if err != nil {
		s.runs.TruncateAt(len(s.runs.Runs()))
		return nil
	}
	s.runs.TruncateAt(idx)
	return nil
}
