package ntfs

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// KeyCodec serializes/deserializes a typed key to/from the byte form
// an Index stores and a Collator compares (spec §9: "Typed views are
// thin façades" over the byte-level Index).
type KeyCodec[K any] interface {
	EncodeKey(k K) []byte
	DecodeKey(b []byte) (K, error)
}

// ValueCodec does the same for values.
type ValueCodec[V any] interface {
	EncodeValue(v V) []byte
	DecodeValue(b []byte) (V, error)
}

// IndexView is a typed façade over a byte-level Index (spec §4, entry
// "IndexView<K,V>").
type IndexView[K any, V any] struct {
	idx   *Index
	keys  KeyCodec[K]
	vals  ValueCodec[V]
}

// NewIndexView wraps an already-open Index with typed codecs.
func NewIndexView[K any, V any](idx *Index, keys KeyCodec[K], vals ValueCodec[V]) *IndexView[K, V] {
	return &IndexView[K, V]{idx: idx, keys: keys, vals: vals}
}

// Lookup returns the value stored under key, if present.
func (v *IndexView[K, V]) Lookup(key K) (V, bool, error) {
	var zero V
	raw, ok, err := v.idx.Lookup(v.keys.EncodeKey(key))
	if err != nil || !ok {
		return zero, false, err
	}
	val, err := v.vals.DecodeValue(raw)
	return val, err == nil, err
}

// Insert adds (key, value).
func (v *IndexView[K, V]) Insert(key K, value V) error {
	return v.idx.Insert(v.keys.EncodeKey(key), v.vals.EncodeValue(value))
}

// Remove deletes key.
func (v *IndexView[K, V]) Remove(key K) error {
	return v.idx.Remove(v.keys.EncodeKey(key))
}

// Range calls fn for every (key, value) pair in ascending collation
// order, stopping early if fn returns false. Decode failures are
// passed through to the caller rather than silently skipped, since a
// bad entry here means on-disk corruption.
func (v *IndexView[K, V]) Range(fn func(K, V) bool) error {
	var decodeErr error
	err := v.idx.RangeScan(func(kb, vb []byte) bool {
		k, err := v.keys.DecodeKey(kb)
		if err != nil {
			decodeErr = err
			return false
		}
		val, err := v.vals.DecodeValue(vb)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(k, val)
	})
	if err != nil {
		return err
	}
	return decodeErr
}
