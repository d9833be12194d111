package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// CompressedClusterStream wraps a RawClusterStream with a
// one-compression-unit cache, per spec §4.5. A compression unit spans
// unitClusters = 2^k clusters (k is the attribute's compression unit
// size field) and is always read and written as a whole.
type CompressedClusterStream struct {
	raw             *RawClusterStream
	compressor      BlockCompressor
	bytesPerCluster int64
	unitClusters    int64

	// unit is the one-compression-unit scratch buffer, sized once and
	// reused by every Read/Write call instead of allocating a fresh
	// unitClusters*bytesPerCluster slice per unit.
	unit []byte

	// scratch backs the smaller, variable-length prefix/padding slices
	// ReadUnit and WriteUnit need (the compressed prefix on read, the
	// padded compressed output on write); capped at the unit size and
	// resliced per call instead of allocated fresh each time.
	scratch []byte
}

// NewCompressedClusterStream wraps raw with compressor, operating on
// compression units of unitClusters clusters each.
func NewCompressedClusterStream(raw *RawClusterStream, compressor BlockCompressor, bytesPerCluster, unitClusters int64) *CompressedClusterStream {
	unitSize := unitClusters * bytesPerCluster
	return &CompressedClusterStream{
		raw:             raw,
		compressor:      compressor,
		bytesPerCluster: bytesPerCluster,
		unitClusters:    unitClusters,
		unit:            make([]byte, unitSize),
		scratch:         make([]byte, unitSize),
	}
}

func (s *CompressedClusterStream) unitStartVCN(vcn int64) int64 {
	return (vcn / s.unitClusters) * s.unitClusters
}

// unitRuns collects the runs covering one compression unit, from which
// callers determine its on-disk shape (spec §4.5: stored / compressed /
// sparse).
func (s *CompressedClusterStream) unitRuns(unitStart int64) ([]CookedRun, error) {
	var out []CookedRun
	idx := 0
	vcn := unitStart
	end := unitStart + s.unitClusters
	for vcn < end {
		i, err := s.raw.runs.Find(vcn, idx)
		if err != nil {
			// Past the end of the run list: treat as implicit sparse
			// tail (the attribute hasn't grown this far yet).
			break
		}
		idx = i
		r := s.raw.runs.Runs()[i]
		out = append(out, r)
		vcn = r.endVCN()
	}
	return out, nil
}

func unitAllSparse(runs []CookedRun) bool {
	for _, r := range runs {
		if !r.Sparse {
			return false
		}
	}
	return len(runs) > 0
}

func unitNonSparseLength(runs []CookedRun) int64 {
	var n int64
	for _, r := range runs {
		if !r.Sparse {
			n += r.Length
		}
	}
	return n
}

// ReadUnit decodes the compression unit starting at unitStart into
// out (exactly unitClusters*bytesPerCluster bytes, or fewer at EOF —
// callers pass a correctly sized buffer already clipped to the
// attribute's DataLength).
func (s *CompressedClusterStream) ReadUnit(unitStart int64, out []byte) error {
	runs, err := s.unitRuns(unitStart)
	if err != nil {
		return err
	}

	if len(runs) == 0 || unitAllSparse(runs) {
		for i := range out {
			out[i] = 0
		}
		return nil
	}

	stored := unitNonSparseLength(runs) == s.unitClusters
	if stored {
		return s.raw.Read(unitStart, s.unitClusters, out)
	}

	// Compressed: the non-sparse prefix holds the codec's output for
	// the whole unit.
	prefixClusters := unitNonSparseLength(runs)
	in := s.scratch[:prefixClusters*s.bytesPerCluster]
	if err := s.raw.Read(unitStart, prefixClusters, in); err != nil {
		return err
	}

	return s.compressor.Decompress(in, out)
}

// WriteUnit assembles a full unit from in (unitClusters*bytesPerCluster
// bytes, zero-padded past EOF by the caller) and commits it using
// whichever on-disk shape the classifier selects (spec §4.5).
func (s *CompressedClusterStream) WriteUnit(unitStart int64, in []byte) error {
	class := s.compressor.Classify(in, int(s.bytesPerCluster))

	switch class {
	case ClassAllZeros:
		if _, err := s.raw.Release(unitStart, s.unitClusters); err != nil {
			return err
		}
		return nil

	case ClassCompressed:
		out, err := s.compressor.Compress(in)
		if err != nil {
			return err
		}
		needClusters := (int64(len(out)) + s.bytesPerCluster - 1) / s.bytesPerCluster
		if needClusters >= s.unitClusters {
			// Compression didn't actually free a cluster; store raw.
			return s.writeStored(unitStart, in)
		}

		if _, err := s.raw.Allocate(unitStart, needClusters); err != nil {
			return err
		}
		padded := s.scratch[:needClusters*s.bytesPerCluster]
		for i := range padded {
			padded[i] = 0
		}
		copy(padded, out)
		if err := s.raw.Write(unitStart, needClusters, padded); err != nil {
			return err
		}
		// release the remaining tail as sparse
		if needClusters < s.unitClusters {
			if _, err := s.raw.Release(unitStart+needClusters, s.unitClusters-needClusters); err != nil {
				return err
			}
		}
		return nil

	default: // ClassIncompressible
		return s.writeStored(unitStart, in)
	}
}

func (s *CompressedClusterStream) writeStored(unitStart int64, in []byte) error {
	if _, err := s.raw.Allocate(unitStart, s.unitClusters); err != nil {
		return err
	}
	return s.raw.Write(unitStart, s.unitClusters, in)
}

// Read services a logical byte-range read by decoding every
// compression unit the range touches.
func (s *CompressedClusterStream) Read(startVCN, count int64, out []byte) error {
	pos := int64(0)
	vcn := startVCN
	remaining := count

	for remaining > 0 {
		unitStart := s.unitStartVCN(vcn)
		buf := s.unit
		if err := s.ReadUnit(unitStart, buf); err != nil {
			return err
		}

		offsetInUnit := vcn - unitStart
		availInUnit := s.unitClusters - offsetInUnit
		take := availInUnit
		if take > remaining {
			take = remaining
		}

		n := take * s.bytesPerCluster
		src := buf[offsetInUnit*s.bytesPerCluster : offsetInUnit*s.bytesPerCluster+n]
		copy(out[pos:pos+n], src)

		pos += n
		vcn += take
		remaining -= take
	}

	return nil
}

// Write services a logical byte-range write by read-modify-writing
// every compression unit the range touches.
func (s *CompressedClusterStream) Write(startVCN, count int64, in []byte) error {
	pos := int64(0)
	vcn := startVCN
	remaining := count

	for remaining > 0 {
		unitStart := s.unitStartVCN(vcn)
		buf := s.unit
		if err := s.ReadUnit(unitStart, buf); err != nil {
			return err
		}

		offsetInUnit := vcn - unitStart
		availInUnit := s.unitClusters - offsetInUnit
		take := availInUnit
		if take > remaining {
			take = remaining
		}

		n := take * s.bytesPerCluster
		copy(buf[offsetInUnit*s.bytesPerCluster:offsetInUnit*s.bytesPerCluster+n], in[pos:pos+n])

		if err := s.WriteUnit(unitStart, buf); err != nil {
			return err
		}

		pos += n
		vcn += take
		remaining -= take
	}

	return nil
}

// Clear zeroes [startVCN, startVCN+count). A clear that lands exactly
// on unit boundaries is equivalent to Release (may deallocate a
// fully-zero unit); a partial-unit clear goes through the normal
// read-modify-write cache path (spec §4.5).
func (s *CompressedClusterStream) Clear(startVCN, count int64) (int64, error) {
	var delta int64

	if startVCN%s.unitClusters == 0 && count%s.unitClusters == 0 {
		d, err := s.raw.Release(startVCN, count)
		return d, err
	}

	zero := make([]byte, count*s.bytesPerCluster)
	if err := s.Write(startVCN, count, zero); err != nil {
		return delta, err
	}
	return delta, nil
}
