package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
)

// indexEntry is one key/value pair (or the trailing End sentinel) in
// an index node (spec §3: "An entry carries key bytes, value bytes
// ..., flags (End, Node), and ... a trailing 8-byte child VCN").
type indexEntry struct {
	Key      []byte
	Value    []byte
	IsEnd    bool
	HasChild bool
	ChildVCN int64
}

const (
	entryFlagHasChild = 0x0001
	entryFlagIsEnd    = 0x0002
)

// encodedLength returns this entry's on-disk size, 8-byte aligned,
// including the trailing child VCN when present.
func (e *indexEntry) encodedLength() int {
	n := 8 + len(e.Key)
	if !e.IsEnd {
		n += len(e.Value)
	}
	n = align8(n)
	if e.HasChild {
		n += 8
	}
	return n
}

func encodeIndexEntry(e *indexEntry) []byte {
	n := e.encodedLength()
	buf := make([]byte, n)
	binary.LittleEndian.PutUint16(buf[0:], uint16(n))
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(e.Key)))
	if !e.IsEnd {
		binary.LittleEndian.PutUint16(buf[4:], uint16(len(e.Value)))
	}
	var flags uint16
	if e.HasChild {
		flags |= entryFlagHasChild
	}
	if e.IsEnd {
		flags |= entryFlagIsEnd
	}
	binary.LittleEndian.PutUint16(buf[6:], flags)
	copy(buf[8:], e.Key)
	if !e.IsEnd {
		copy(buf[8+len(e.Key):], e.Value)
	}
	if e.HasChild {
		binary.LittleEndian.PutUint64(buf[n-8:], uint64(e.ChildVCN))
	}
	return buf
}

func decodeIndexEntry(buf []byte) (*indexEntry, int, error) {
	if len(buf) < 8 {
		return nil, 0, corruptf("index entry shorter than header")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:]))
	keyLen := int(binary.LittleEndian.Uint16(buf[2:]))
	valLen := int(binary.LittleEndian.Uint16(buf[4:]))
	flags := binary.LittleEndian.Uint16(buf[6:])
	if n < 8 || n > len(buf) {
		return nil, 0, corruptf("index entry length %d out of range", n)
	}

	e := &indexEntry{
		IsEnd:    flags&entryFlagIsEnd != 0,
		HasChild: flags&entryFlagHasChild != 0,
	}
	if 8+keyLen > n {
		return nil, 0, corruptf("index entry key out of range")
	}
	e.Key = append([]byte(nil), buf[8:8+keyLen]...)
	if !e.IsEnd {
		if 8+keyLen+valLen > n {
			return nil, 0, corruptf("index entry value out of range")
		}
		e.Value = append([]byte(nil), buf[8+keyLen:8+keyLen+valLen]...)
	}
	if e.HasChild {
		if n < 8 {
			return nil, 0, corruptf("index entry missing child vcn")
		}
		e.ChildVCN = int64(binary.LittleEndian.Uint64(buf[n-8:]))
	}
	return e, n, nil
}

// indexHeader is the 16-byte header shared by a resident IndexRoot's
// entry list and every IndexAllocation node (spec §3, §6).
type indexHeader struct {
	OffsetToFirstEntry uint32
	TotalSizeOfEntries uint32
	AllocatedSize      uint32
	HasChildren        bool
}

const indexHeaderSize = 16

func encodeIndexHeader(h indexHeader, entries []byte) []byte {
	buf := make([]byte, indexHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.OffsetToFirstEntry)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(entries))+indexHeaderSize)
	binary.LittleEndian.PutUint32(buf[8:], h.AllocatedSize)
	if h.HasChildren {
		buf[12] = 1
	}
	return append(buf, entries...)
}

func decodeIndexHeader(buf []byte) (indexHeader, []byte, error) {
	if len(buf) < indexHeaderSize {
		return indexHeader{}, nil, corruptf("index header truncated")
	}
	h := indexHeader{
		OffsetToFirstEntry: binary.LittleEndian.Uint32(buf[0:]),
		TotalSizeOfEntries: binary.LittleEndian.Uint32(buf[4:]),
		AllocatedSize:      binary.LittleEndian.Uint32(buf[8:]),
		HasChildren:        buf[12] != 0,
	}
	if int(h.TotalSizeOfEntries) > len(buf) || h.TotalSizeOfEntries < indexHeaderSize {
		return indexHeader{}, nil, corruptf("index header total size %d out of range", h.TotalSizeOfEntries)
	}
	return h, buf[indexHeaderSize:h.TotalSizeOfEntries], nil
}

func decodeEntries(buf []byte) ([]*indexEntry, error) {
	var out []*indexEntry
	off := 0
	for off < len(buf) {
		e, n, err := decodeIndexEntry(buf[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		off += n
		if e.IsEnd {
			break
		}
	}
	return out, nil
}

func encodeEntries(entries []*indexEntry) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, encodeIndexEntry(e)...)
	}
	return out
}

// indexNode is one loaded node: the root (backed by IndexRoot's
// resident bytes) or a paged node (backed by one fixup-framed buffer
// inside IndexAllocation, addressed by VCN).
type indexNode struct {
	vcn      int64
	isRoot   bool
	entries  []*indexEntry
	fixup    *FixupRecord // nil for the root
}

// Index is the generic B+ tree described in spec §4.9: an IndexRoot
// (resident root node) plus an optional IndexAllocation (paged nodes)
// and Bitmap (node occupancy), ordered by a Collator.
type Index struct {
	ctx       *VolumeContext
	file      *File
	name      string
	collator  Collator
	indexedAt AttributeType

	nodeSize int64 // bytes per IndexAllocation node (IndexBufferSize)
}

// NewIndex creates a brand-new, empty index attribute set (IndexRoot
// only, no IndexAllocation yet) on file, named name, collated by c.
func NewIndex(f *File, name string, indexedAttr AttributeType, c Collator) (*Index, error) {
	idx := &Index{ctx: f.ctx, file: f, name: name, collator: c, indexedAt: indexedAttr, nodeSize: f.ctx.IndexBufferSize}

	root := encodeIndexRoot(idx, []*indexEntry{{IsEnd: true}})
	if _, err := f.AddAttribute(AttrIndexRoot, name, root); err != nil {
		return nil, err
	}
	return idx, nil
}

// openIndexOnFile reopens an existing index attribute set on f.
func openIndexOnFile(f *File, name string) (*Index, error) {
	ar := f.base.FindAttribute(AttrIndexRoot, name)
	if ar == nil {
		return nil, notFoundf("index %q not present on mft %d", name, f.index)
	}

	indexedAttr, rule, _, _, err := decodeIndexRootHeader(ar.ResidentData)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		ctx: f.ctx, file: f, name: name,
		collator:  collatorForRule(rule, f.ctx.UpCase),
		indexedAt: indexedAttr,
		nodeSize:  f.ctx.IndexBufferSize,
	}
	return idx, nil
}

const indexRootHeaderSize = 16

func decodeIndexRootHeader(data []byte) (AttributeType, CollationRule, int, []byte, error) {
	if len(data) < indexRootHeaderSize {
		return 0, 0, 0, nil, corruptf("index root header truncated")
	}
	attrType := AttributeType(binary.LittleEndian.Uint32(data[0:]))
	rule := CollationRule(binary.LittleEndian.Uint32(data[4:]))
	bytesPerBlock := int(binary.LittleEndian.Uint32(data[8:]))
	return attrType, rule, bytesPerBlock, data[indexRootHeaderSize:], nil
}

func encodeIndexRoot(idx *Index, entries []*indexEntry) []byte {
	hasChildren := false
	for _, e := range entries {
		if e.HasChild {
			hasChildren = true
		}
	}
	entryBytes := encodeEntries(entries)
	header := indexHeader{
		OffsetToFirstEntry: indexHeaderSize,
		AllocatedSize:      uint32(len(entryBytes)) + indexHeaderSize,
		HasChildren:        hasChildren,
	}

	hdr := make([]byte, indexRootHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(idx.indexedAt))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(idx.collator.Rule()))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(idx.nodeSize))

	return append(hdr, encodeIndexHeader(header, entryBytes)...)
}

func (idx *Index) loadRoot() (*indexNode, []byte, *AttributeRecord, error) {
	ar := idx.file.base.FindAttribute(AttrIndexRoot, idx.name)
	if ar == nil {
		return nil, nil, nil, notFoundf("index root %q missing", idx.name)
	}
	_, _, _, body, err := decodeIndexRootHeader(ar.ResidentData)
	if err != nil {
		return nil, nil, nil, err
	}
	_, entryBytes, err := decodeIndexHeader(body)
	if err != nil {
		return nil, nil, nil, err
	}
	entries, err := decodeEntries(entryBytes)
	if err != nil {
		return nil, nil, nil, err
	}
	return &indexNode{isRoot: true, entries: entries}, ar.ResidentData[:indexRootHeaderSize], ar, nil
}

func (idx *Index) saveRoot(entries []*indexEntry) error {
	ar := idx.file.base.FindAttribute(AttrIndexRoot, idx.name)
	if ar == nil {
		return notFoundf("index root %q missing", idx.name)
	}
	ar.ResidentData = encodeIndexRoot(idx, entries)
	idx.file.markDirty()
	return nil
}

// allocationStream returns the RawClusterStream over this index's
// IndexAllocation attribute, creating an empty one plus its Bitmap if
// absent.
func (idx *Index) allocationStream() (*NtfsAttribute, *NtfsAttribute, error) {
	alloc, err := idx.file.Attribute(AttrIndexAllocation, idx.name)
	if err != nil {
		alloc, err = idx.file.AddNonResidentAttribute(AttrIndexAllocation, idx.name)
		if err != nil {
			return nil, nil, err
		}
	}
	bmp, err := idx.file.Attribute(AttrBitmap, idx.name)
	if err != nil {
		bmp, err = idx.file.AddAttribute(AttrBitmap, idx.name, []byte{})
		if err != nil {
			return nil, nil, err
		}
	}
	return alloc, bmp, nil
}

// loadNode reads and decodes the IndexAllocation node at vcn.
func (idx *Index) loadNode(vcn int64) (*indexNode, error) {
	alloc, _, err := idx.allocationStream()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, idx.nodeSize)
	byteOff := vcn * idx.nodeSize
	if _, err := alloc.Buffer(idx.ctx).ReadAt(buf, byteOff); err != nil {
		return nil, err
	}

	fr := NewFixupRecord("INDX", int(idx.ctx.BytesPerSector))
	plain, err := fr.Load(buf, false)
	if err != nil {
		return nil, err
	}

	h, entryBytes, err := decodeIndexHeader(plain[24:])
	_ = h
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntries(entryBytes)
	if err != nil {
		return nil, err
	}
	return &indexNode{vcn: vcn, entries: entries, fixup: fr}, nil
}

// saveNode writes a node back through IndexAllocation, applying
// fixup, growing the stream if vcn is new.
func (idx *Index) saveNode(n *indexNode) error {
	alloc, bmp, err := idx.allocationStream()
	if err != nil {
		return err
	}

	hasChildren := false
	for _, e := range n.entries {
		if e.HasChild {
			hasChildren = true
		}
	}
	entryBytes := encodeEntries(n.entries)
	header := indexHeader{OffsetToFirstEntry: indexHeaderSize, AllocatedSize: uint32(idx.nodeSize) - 24, HasChildren: hasChildren}
	body := encodeIndexHeader(header, entryBytes)

	buf := make([]byte, idx.nodeSize)
	fr := n.fixup
	if fr == nil {
		fr = NewFixupRecord("INDX", int(idx.ctx.BytesPerSector))
	}
	fr.InitHeader(buf, 24)
	// Offset 8 is the LogFileSequenceNumber (unused: §LogFile is not
	// replayed). The node's own VCN goes at offset 16.
	binary.LittleEndian.PutUint64(buf[16:], uint64(n.vcn))
	copy(buf[24:], body)

	if err := fr.Store(buf); err != nil {
		return err
	}
	n.fixup = fr

	byteOff := n.vcn * idx.nodeSize
	need := byteOff + idx.nodeSize
	if need > alloc.DataLength {
		if err := idx.file.SetStreamLength(alloc, need); err != nil {
			return err
		}
	}
	if _, err := alloc.Buffer(idx.ctx).WriteAt(buf, byteOff); err != nil {
		return err
	}

	bit := n.vcn * idx.nodeSize / idx.ctx.BytesPerCluster
	idx.markBitmapBit(bmp, bit, true)
	idx.file.markDirty()
	return nil
}

func (idx *Index) markBitmapBit(bmp *NtfsAttribute, bit int64, set bool) {
	need := bit/8 + 1
	buf := bmp.Buffer(idx.ctx)
	if need > buf.Size() {
		_ = buf.SetSize(need * 8)
	}
	b := make([]byte, 1)
	_, _ = buf.ReadAt(b, bit/8)
	if set {
		b[0] |= 1 << uint(bit%8)
	} else {
		b[0] &^= 1 << uint(bit%8)
	}
	_, _ = buf.WriteAt(b, bit/8)
}

// allocateNodeVCN picks the next free node slot by scanning the
// Bitmap attribute, appending a new one past the end if all are taken.
func (idx *Index) allocateNodeVCN() (int64, error) {
	_, bmp, err := idx.allocationStream()
	if err != nil {
		return 0, err
	}
	buf := bmp.Buffer(idx.ctx)
	size := buf.Size()
	data := make([]byte, size)
	if size > 0 {
		if _, err := buf.ReadAt(data, 0); err != nil {
			return 0, err
		}
	}
	for i, b := range data {
		if b == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				return int64(i*8 + bit), nil
			}
		}
	}
	return int64(len(data) * 8), nil
}

// Lookup descends from the root comparing via idx.collator, returning
// the value stored under key.
func (idx *Index) Lookup(key []byte) ([]byte, bool, error) {
	root, _, _, err := idx.loadRoot()
	if err != nil {
		return nil, false, err
	}
	return idx.lookupIn(root.entries, key)
}

func (idx *Index) lookupIn(entries []*indexEntry, key []byte) ([]byte, bool, error) {
	for _, e := range entries {
		if e.IsEnd {
			if e.HasChild {
				child, err := idx.loadNode(e.ChildVCN)
				if err != nil {
					return nil, false, err
				}
				return idx.lookupIn(child.entries, key)
			}
			return nil, false, nil
		}
		c := idx.collator.Compare(key, e.Key)
		if c == 0 {
			return e.Value, true, nil
		}
		if c < 0 {
			if e.HasChild {
				child, err := idx.loadNode(e.ChildVCN)
				if err != nil {
					return nil, false, err
				}
				return idx.lookupIn(child.entries, key)
			}
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// Insert adds (key, value), descending to the correct leaf and
// splitting on overflow, propagating a separator upward (spec §4.9).
func (idx *Index) Insert(key, value []byte) error {
	root, _, _, err := idx.loadRoot()
	if err != nil {
		return err
	}

	newEntries, promoted, err := idx.insertInto(root.entries, key, value, true)
	if err != nil {
		return err
	}
	if promoted != nil {
		// The root itself overflowed: it must become a non-leaf
		// pointing at two children, one of which now lives in
		// IndexAllocation (spec §4.9: "promote the root to non-root").
		leftVCN, err := idx.allocateNodeVCN()
		if err != nil {
			return err
		}
		left := &indexNode{vcn: leftVCN, entries: newEntries}
		if err := idx.saveNode(left); err != nil {
			return err
		}
		newEntries = []*indexEntry{
			{Key: promoted.Key, Value: promoted.Value, HasChild: true, ChildVCN: leftVCN},
			{IsEnd: true, HasChild: true, ChildVCN: promoted.ChildVCN},
		}
	}

	return idx.saveRoot(newEntries)
}

// insertInto inserts into a node's entries, splitting into (left,
// separator-promoted-up) when it overflows maxEntriesPerNode. Returns
// the updated entries for this node, and non-nil `promoted` only when
// this node split and a new sibling entry must be linked in by the
// caller (only meaningfully used by the root's caller above; interior
// recursion writes siblings directly via saveNode).
func (idx *Index) insertInto(entries []*indexEntry, key, value []byte, isRootCall bool) ([]*indexEntry, *indexEntry, error) {
	pos := 0
	for pos < len(entries)-1 {
		c := idx.collator.Compare(key, entries[pos].Key)
		if c == 0 {
			return nil, nil, alreadyExistsf("index key already present")
		}
		if c < 0 {
			break
		}
		pos++
	}

	target := entries[pos]
	if target.HasChild {
		child, err := idx.loadNode(target.ChildVCN)
		if err != nil {
			return nil, nil, err
		}
		updated, promoted, err := idx.insertInto(child.entries, key, value, false)
		if err != nil {
			return nil, nil, err
		}
		if promoted != nil {
			child.entries = updated
			if err := idx.saveNode(child); err != nil {
				return nil, nil, err
			}
			newEntries := append([]*indexEntry(nil), entries[:pos]...)
			newEntries = append(newEntries, promoted)
			newEntries = append(newEntries, entries[pos:]...)
			return idx.maybeSplit(newEntries)
		}
		child.entries = updated
		return entries, nil, idx.saveNode(child)
	}

	newEntry := &indexEntry{Key: key, Value: value}
	newEntries := append([]*indexEntry(nil), entries[:pos]...)
	newEntries = append(newEntries, newEntry)
	newEntries = append(newEntries, entries[pos:]...)
	return idx.maybeSplit(newEntries)
}

// maxNodeEntries bounds how many entries a node may hold before it
// must split; sized conservatively against IndexBufferSize.
func (idx *Index) maxNodeEntries() int {
	n := int(idx.nodeSize-24) / 48
	if n < 4 {
		n = 4
	}
	return n
}

func (idx *Index) maybeSplit(entries []*indexEntry) ([]*indexEntry, *indexEntry, error) {
	if len(entries) <= idx.maxNodeEntries() {
		return entries, nil, nil
	}

	mid := len(entries) / 2
	sep := entries[mid]

	leftEntries := append([]*indexEntry(nil), entries[:mid]...)
	leftEntries = append(leftEntries, &indexEntry{IsEnd: true, HasChild: sep.HasChild, ChildVCN: sep.ChildVCN})

	rightVCN, err := idx.allocateNodeVCN()
	if err != nil {
		return nil, nil, err
	}
	rightEntries := entries[mid+1:]
	if err := idx.saveNode(&indexNode{vcn: rightVCN, entries: rightEntries}); err != nil {
		return nil, nil, err
	}

	promoted := &indexEntry{Key: sep.Key, Value: sep.Value, HasChild: true, ChildVCN: rightVCN}
	return leftEntries, promoted, nil
}

// Remove deletes key if present. Nodes are not rebalanced: a node that
// drops below half its capacity neither borrows from nor merges with a
// sibling and is left as it is. The one structural change is at the
// root: a root left holding only a child pointer takes that child's
// entries back.
func (idx *Index) Remove(key []byte) error {
	root, _, _, err := idx.loadRoot()
	if err != nil {
		return err
	}
	newEntries, removed, err := idx.removeFrom(root.entries, key)
	if err != nil {
		return err
	}
	if !removed {
		return notFoundf("index key not present")
	}

	// Root-collapse: if the root is a single child pointer (no real
	// keys), pull that child's entries back into the resident root
	// (spec §4.9: "if the root becomes empty, pull children back").
	if len(newEntries) == 1 && newEntries[0].IsEnd && newEntries[0].HasChild {
		child, err := idx.loadNode(newEntries[0].ChildVCN)
		if err != nil {
			return err
		}
		newEntries = child.entries
	}

	return idx.saveRoot(newEntries)
}

func (idx *Index) removeFrom(entries []*indexEntry, key []byte) ([]*indexEntry, bool, error) {
	for i, e := range entries {
		if e.IsEnd {
			break
		}
		c := idx.collator.Compare(key, e.Key)
		if c == 0 {
			out := append([]*indexEntry(nil), entries[:i]...)
			out = append(out, entries[i+1:]...)
			return out, true, nil
		}
		if c < 0 && e.HasChild {
			child, err := idx.loadNode(e.ChildVCN)
			if err != nil {
				return nil, false, err
			}
			updated, removed, err := idx.removeFrom(child.entries, key)
			if err != nil || !removed {
				return entries, removed, err
			}
			child.entries = updated
			if err := idx.saveNode(child); err != nil {
				return nil, false, err
			}
			return entries, true, nil
		}
	}
	last := entries[len(entries)-1]
	if last.HasChild {
		child, err := idx.loadNode(last.ChildVCN)
		if err != nil {
			return nil, false, err
		}
		updated, removed, err := idx.removeFrom(child.entries, key)
		if err != nil || !removed {
			return entries, removed, err
		}
		child.entries = updated
		return entries, true, idx.saveNode(child)
	}
	return entries, false, nil
}

// RangeScan walks every (key, value) pair in ascending collation
// order, stopping early if fn returns false.
func (idx *Index) RangeScan(fn func(key, value []byte) bool) error {
	root, _, _, err := idx.loadRoot()
	if err != nil {
		return err
	}
	_, err = idx.scan(root.entries, fn)
	return err
}

func (idx *Index) scan(entries []*indexEntry, fn func(key, value []byte) bool) (bool, error) {
	for _, e := range entries {
		if e.HasChild && !e.IsEnd {
			child, err := idx.loadNode(e.ChildVCN)
			if err != nil {
				return false, err
			}
			cont, err := idx.scan(child.entries, fn)
			if err != nil || !cont {
				return cont, err
			}
		}
		if e.IsEnd {
			if e.HasChild {
				child, err := idx.loadNode(e.ChildVCN)
				if err != nil {
					return false, err
				}
				return idx.scan(child.entries, fn)
			}
			return true, nil
		}
		if !fn(e.Key, e.Value) {
			return false, nil
		}
	}
	return true, nil
}

// ShrinkRoot pushes the tail half of the resident root's entries into
// a freshly allocated IndexAllocation node, reclaiming space in the
// owning FileRecord (spec §4.7 rule 2, driven by File.UpdateRecordInMft).
func (idx *Index) ShrinkRoot() error {
	root, _, _, err := idx.loadRoot()
	if err != nil {
		return err
	}
	if len(root.entries) < 2 {
		return invalidArgf("index root too small to shrink")
	}

	mid := len(root.entries) / 2
	tail := root.entries[mid:]

	vcn, err := idx.allocateNodeVCN()
	if err != nil {
		return err
	}
	if err := idx.saveNode(&indexNode{vcn: vcn, entries: tail}); err != nil {
		return err
	}

	newRoot := append([]*indexEntry(nil), root.entries[:mid]...)
	newRoot = append(newRoot, &indexEntry{IsEnd: true, HasChild: true, ChildVCN: vcn})
	return idx.saveRoot(newRoot)
}
