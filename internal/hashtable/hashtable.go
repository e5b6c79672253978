// Package hashtable implements the chained hash index described in
// §4.2: a power-of-two bucket array, collisions resolved by a single
// linked chain embedded inside the item itself (slab.Item.Next) rather
// than a separate node allocation, so a lookup touches one extra cache
// line per hop instead of two.
//
// The index reaches item keys and chain links only through the small
// ItemSource interface rather than the allocator's full surface, and
// follows this design's own call for "a fast non-cryptographic hash (e.g., a
// Murmur/xxhash-class 64-bit mixer)" — xxhash is used directly here
// instead of hash/maphash, since xxhash is the concrete algorithm class
// named and was already present as an indirect dependency.
//
// © 2025 twemcached authors. MIT License.
package hashtable

import (
	"github.com/cespare/xxhash/v2"

	"github.com/Voskan/twemcached/internal/slab"
)

// ItemSource is the minimal view the hash index needs onto stored items.
// internal/store supplies the concrete adapter backed by *slab.Allocator;
// keeping the index parameterised over this interface (rather than
// importing slab.Allocator's full surface) mirrors the layered split
// between shard, clockpro and genring from the prior sharded-cache design.
type ItemSource interface {
	Key(ref slab.Ref) []byte
	Next(ref slab.Ref) slab.Ref
	SetNext(ref slab.Ref, next slab.Ref)
}

// Index is a chained hash table of item references. Capacity is a power
// of two fixed at Setup; the table never resizes (§4.2, "The hash table
// never resizes after setup").
type Index struct {
	buckets []slab.Ref
	mask    uint64
	src     ItemSource
	size    int
}

// Setup constructs an Index with 2^hashPower buckets (item_setup, §4.3).
func Setup(hashPower uint, src ItemSource) *Index {
	n := uint64(1) << hashPower
	buckets := make([]slab.Ref, n)
	for i := range buckets {
		buckets[i] = slab.NilRef
	}
	return &Index{buckets: buckets, mask: n - 1, src: src}
}

// hash returns the bucket index for key.
func (idx *Index) hash(key []byte) uint64 {
	return xxhash.Sum64(key) & idx.mask
}

// Put prepends ref to its chain (hashtable_put, §4.2). The caller must
// have already unlinked any prior value for this key; duplicates are not
// checked.
func (idx *Index) Put(key []byte, ref slab.Ref) {
	h := idx.hash(key)
	idx.src.SetNext(ref, idx.buckets[h])
	idx.buckets[h] = ref
	idx.size++
}

// Get walks the chain for key and returns the first matching item
// reference (hashtable_get, §4.2).
func (idx *Index) Get(key []byte) (slab.Ref, bool) {
	h := idx.hash(key)
	for cur := idx.buckets[h]; !cur.IsNil(); cur = idx.src.Next(cur) {
		if bytesEqual(idx.src.Key(cur), key) {
			return cur, true
		}
	}
	return slab.NilRef, false
}

// Delete removes the first entry matching key from its chain, reporting
// whether one was found (hashtable_delete, §4.2).
func (idx *Index) Delete(key []byte) bool {
	h := idx.hash(key)
	prev := slab.NilRef
	cur := idx.buckets[h]
	for !cur.IsNil() {
		if bytesEqual(idx.src.Key(cur), key) {
			next := idx.src.Next(cur)
			if prev.IsNil() {
				idx.buckets[h] = next
			} else {
				idx.src.SetNext(prev, next)
			}
			idx.size--
			return true
		}
		prev = cur
		cur = idx.src.Next(cur)
	}
	return false
}

// DeleteRef removes ref from its chain directly, used when the caller
// already resolved the reference (e.g. during slab eviction) and knows
// the key bytes may be about to become invalid.
func (idx *Index) DeleteRef(key []byte, ref slab.Ref) bool {
	h := idx.hash(key)
	prev := slab.NilRef
	cur := idx.buckets[h]
	for !cur.IsNil() {
		if cur == ref {
			next := idx.src.Next(cur)
			if prev.IsNil() {
				idx.buckets[h] = next
			} else {
				idx.src.SetNext(prev, next)
			}
			idx.size--
			return true
		}
		prev = cur
		cur = idx.src.Next(cur)
	}
	return false
}

// Len returns the number of linked entries.
func (idx *Index) Len() int { return idx.size }

// Buckets returns the bucket count, mostly useful for diagnostics.
func (idx *Index) Buckets() int { return len(idx.buckets) }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
