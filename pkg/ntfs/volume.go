package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// RawVolume is the external collaborator this engine is built on: a
// byte-addressable random-access store. Anything satisfying it — a
// raw block device, a file, a carved-out region of a larger container
// image — can back a Volume. Implementations outside this module are
// responsible for translating partition offsets; the engine always
// addresses byte 0 as the start of the NTFS boot sector.
type RawVolume interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Len() int64
}

// RandomSource supplies the engine's two sources of non-deterministic
// state: the boot sector's volume serial number, and object IDs handed
// out for the $ObjId system index (spec §1 names this collaborator).
type RandomSource interface {
	NextSerialNumber() uint64
	NextObjectID() [16]byte
}

// DefaultRandomSource backs serial numbers with crypto/rand and object
// IDs with github.com/google/uuid, matching the 128-bit GUID shape
// $ObjId actually stores on disk.
type DefaultRandomSource struct{}

// NextSerialNumber returns 8 random bytes interpreted little-endian.
func (DefaultRandomSource) NextSerialNumber() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// NextObjectID returns a fresh random (version 4) GUID.
func (DefaultRandomSource) NextObjectID() [16]byte {
	id := uuid.New()
	var out [16]byte
	copy(out[:], id[:])
	return out
}

// blockCacheEntry is one cached cluster.
type blockCacheEntry struct {
	lcn   int64
	data  []byte
	dirty bool
	elem  *list.Element
}

// BlockCache wraps a RawVolume with an optional read-through LRU cache
// keyed by cluster (LCN), per spec §2's component table. A cache size
// of 0 disables caching entirely and every read/write passes straight
// through to the RawVolume.
//
// Concurrent reads of the same cluster are collapsed with a
// singleflight.Group so a cache miss storm against one hot cluster
// only issues a single RawVolume.ReadAt — the one place this engine
// allows itself parallelism below the RawVolume boundary (spec §5).
type BlockCache struct {
	vol           RawVolume
	bytesPerCluster int64
	capacity      int
	mu            sync.Mutex
	entries       map[int64]*blockCacheEntry
	order         *list.List
	sf            singleflight.Group
}

// NewBlockCache constructs a cache over vol with clusters of
// bytesPerCluster bytes, retaining up to capacityClusters of them.
func NewBlockCache(vol RawVolume, bytesPerCluster int64, capacityClusters int) *BlockCache {
	return &BlockCache{
		vol:             vol,
		bytesPerCluster: bytesPerCluster,
		capacity:        capacityClusters,
		entries:         make(map[int64]*blockCacheEntry),
		order:           list.New(),
	}
}

// ReadCluster returns a private copy of cluster lcn's bytes.
func (c *BlockCache) ReadCluster(lcn int64) ([]byte, error) {
	if c.capacity <= 0 {
		buf := make([]byte, c.bytesPerCluster)
		if _, err := c.vol.ReadAt(buf, lcn*c.bytesPerCluster); err != nil {
			return nil, ioFailuref(err, "read cluster %d", lcn)
		}
		return buf, nil
	}

	c.mu.Lock()
	if e, ok := c.entries[lcn]; ok {
		c.order.MoveToFront(e.elem)
		out := make([]byte, len(e.data))
		copy(out, e.data)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do(singleflightKey(lcn), func() (interface{}, error) {
		buf := make([]byte, c.bytesPerCluster)
		if _, err := c.vol.ReadAt(buf, lcn*c.bytesPerCluster); err != nil {
			return nil, ioFailuref(err, "read cluster %d", lcn)
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	buf := v.([]byte)

	c.mu.Lock()
	c.insertLocked(lcn, buf, false)
	c.mu.Unlock()

	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// WriteCluster writes p (exactly one cluster) to lcn, updating the
// cache entry if present.
func (c *BlockCache) WriteCluster(lcn int64, p []byte) error {
	if _, err := c.vol.WriteAt(p, lcn*c.bytesPerCluster); err != nil {
		return ioFailuref(err, "write cluster %d", lcn)
	}
	if c.capacity <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.insertLocked(lcn, cp, false)
	return nil
}

func (c *BlockCache) insertLocked(lcn int64, data []byte, dirty bool) {
	if e, ok := c.entries[lcn]; ok {
		e.data = data
		e.dirty = e.dirty || dirty
		c.order.MoveToFront(e.elem)
		return
	}
	e := &blockCacheEntry{lcn: lcn, data: data, dirty: dirty}
	e.elem = c.order.PushFront(e)
	c.entries[lcn] = e
	for len(c.entries) > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*blockCacheEntry)
		c.order.Remove(back)
		delete(c.entries, victim.lcn)
	}
}

func singleflightKey(lcn int64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(lcn))
	return string(b[:])
}

// zeroFill writes n zero bytes to vol starting at byte offset off,
// without allocating an n-byte buffer. Grounded on pkg/vio's Zeroes
// reader (writeseeker.go), adapted from a streaming io.Reader into a
// direct RawVolume write helper used when expanding sparse regions.
func zeroFill(vol RawVolume, off, n int64) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	for n > 0 {
		w := n
		if w > chunk {
			w = chunk
		}
		if _, err := vol.WriteAt(buf[:w], off); err != nil {
			return ioFailuref(err, "zero-fill at %d", off)
		}
		off += w
		n -= w
	}
	return nil
}
