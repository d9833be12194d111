package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// LcnRange is a contiguous run of logical cluster numbers.
type LcnRange struct {
	LCN    int64
	Length int64
}

// ClusterBitmap allocates and frees volume-absolute clusters, backed
// by the $Bitmap system file's data stream (spec §4.2). Internally it
// is a []uint64 word bitmap, the same representation
// pkg/ext/ext.go's Compiler uses for its blockUsageBitmap.
type ClusterBitmap struct {
	words     []uint64
	totalBits int64
	free      int64
}

// NewClusterBitmap builds a bitmap over totalClusters bits, all
// initially free. Used by the Formatter; MasterFileTable.Bootstrap
// instead loads one from an existing $Bitmap stream via Load.
func NewClusterBitmap(totalClusters int64) *ClusterBitmap {
	b := &ClusterBitmap{
		words:     make([]uint64, (totalClusters+63)/64),
		totalBits: totalClusters,
		free:      totalClusters,
	}
	return b
}

// LoadClusterBitmap parses bitmap bytes read verbatim off disk.
func LoadClusterBitmap(data []byte, totalClusters int64) *ClusterBitmap {
	words := make([]uint64, (totalClusters+63)/64)
	for i := range words {
		var w uint64
		for j := 0; j < 8; j++ {
			idx := i*8 + j
			if idx < len(data) {
				w |= uint64(data[idx]) << (8 * j)
			}
		}
		words[i] = w
	}
	b := &ClusterBitmap{words: words, totalBits: totalClusters}
	b.free = b.countFree()
	return b
}

// Bytes serializes the bitmap back to its on-disk byte form.
func (b *ClusterBitmap) Bytes() []byte {
	out := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		for j := 0; j < 8; j++ {
			out[i*8+j] = byte(w >> (8 * j))
		}
	}
	return out
}

func (b *ClusterBitmap) countFree() int64 {
	var used int64
	for i := int64(0); i < b.totalBits; i++ {
		if b.bit(i) {
			used++
		}
	}
	return b.totalBits - used
}

func (b *ClusterBitmap) bit(i int64) bool {
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

func (b *ClusterBitmap) setBit(i int64) bool {
	w, m := i/64, uint(i%64)
	was := b.words[w]&(1<<m) != 0
	b.words[w] |= 1 << m
	return !was
}

func (b *ClusterBitmap) clearBit(i int64) bool {
	w, m := i/64, uint(i%64)
	was := b.words[w]&(1<<m) != 0
	b.words[w] &^= 1 << m
	return was
}

// FreeClusters returns the number of currently unallocated clusters.
func (b *ClusterBitmap) FreeClusters() int64 { return b.free }

// TotalClusters returns the bitmap's size in bits (clusters).
func (b *ClusterBitmap) TotalClusters() int64 { return b.totalBits }

// MarkAllocated marks every cluster in r as in-use, regardless of its
// previous state. Used by the Formatter to pre-place system files
// (spec §4.2).
func (b *ClusterBitmap) MarkAllocated(r LcnRange) {
	for i := r.LCN; i < r.LCN+r.Length; i++ {
		if b.setBit(i) {
			b.free--
		}
	}
}

// Free clears every cluster in the range. Idempotent: clearing an
// already-clear bit is permitted (spec §4.2).
func (b *ClusterBitmap) Free(r LcnRange) {
	for i := r.LCN; i < r.LCN+r.Length; i++ {
		if b.clearBit(i) {
			b.free++
		}
	}
}

// runFreeAt returns the length of the contiguous free run starting at
// i, capped at max.
func (b *ClusterBitmap) runFreeAt(i, max int64) int64 {
	var n int64
	for n < max && i+n < b.totalBits && !b.bit(i+n) {
		n++
	}
	return n
}

// Allocate attempts to satisfy count clusters near hint first
// (contiguous), falling back to first-fit scanning the whole bitmap.
// isMft biases the search to prefer placement adjacent to already
// allocated MFT extents (represented by the caller passing a hint at
// the tail of the existing MFT stream) so the MFT tends to stay
// contiguous, per spec §4.2. alreadyAllocated lets a caller note
// clusters it has reserved out-of-band (unused by this
// implementation, carried for interface completeness with the spec).
func (b *ClusterBitmap) Allocate(count, hint int64, isMft bool, alreadyAllocated []LcnRange) ([]LcnRange, error) {
	if count <= 0 {
		return nil, invalidArgf("allocate requires positive count")
	}
	if b.free < count {
		return nil, errOutOfSpace
	}

	var out []LcnRange
	remaining := count

	// claim marks [lcn, lcn+n) allocated immediately, so later scans in
	// this same call see the bits as occupied and can never hand the
	// same clusters out twice (spec §8 invariant 4: no double
	// allocations).
	claim := func(lcn, n int64) {
		r := LcnRange{LCN: lcn, Length: n}
		out = append(out, r)
		b.MarkAllocated(r)
		remaining -= n
	}

	// Try a single contiguous run near hint first; this is the common
	// case and keeps the MFT (and most files) unfragmented.
	if hint >= 0 && hint < b.totalBits {
		n := b.runFreeAt(hint, remaining)
		if n > 0 {
			claim(hint, n)
		}
	}

	start := hint
	if isMft {
		// Bias the MFT to keep growing forward from its hint rather
		// than scattering across earlier first-fit gaps.
		start = hint + 1
	} else {
		start = 0
	}

	i := start
	for remaining > 0 && i < b.totalBits {
		if b.bit(i) {
			i++
			continue
		}
		n := b.runFreeAt(i, remaining)
		claim(i, n)
		i += n
	}

	if remaining > 0 && start > 0 {
		// Wrap around and scan from the beginning for any missed gaps.
		i = 0
		for remaining > 0 && i < start {
			if b.bit(i) {
				i++
				continue
			}
			n := b.runFreeAt(i, remaining)
			if i+n > start {
				n = start - i
			}
			if n <= 0 {
				i++
				continue
			}
			claim(i, n)
			i += n
		}
	}

	if remaining > 0 {
		// Shouldn't happen given the free-count check above, but roll
		// back whatever was provisionally claimed rather than leaking
		// allocated-but-unreturned clusters.
		for _, r := range out {
			b.Free(r)
		}
		return nil, errOutOfSpace
	}

	return out, nil
}
