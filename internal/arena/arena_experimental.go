//go:build goexperiment.arenas

// Package arena wraps Go's experimental arena package behind a tiny, stable
// surface so the slab allocator never has to import `arena` directly. We
// expose only what internal/slab needs to carve a region big enough to
// back one slab, plus Free to release the whole region in O(1).
// internal/slab never calls Free: a slab recycled across classes keeps
// its region and reuses the memory.
//
// Concurrency
// -----------
// Arena is *not* thread-safe; the slab allocator is already single-writer
// per §5, so no locking is added here.
//
// ⚠️  DISCLAIMER  ----------------------------------------------
// Using arenas bypasses the garbage collector. In twemcached this is safe
// because a slab region's bytes never contain Go pointers (items store raw
// key/value bytes only) and the region's lifetime is scoped to the slab
// that owns it.
// -------------------------------------------------------------
//
// © 2025 twemcached authors. MIT License.
package arena

import "arena"

// Region is a thin new-type wrapper preventing the rest of the module from
// depending on `arena.Arena` directly.
type Region struct{ ar arena.Arena }

// New constructs an empty region ready for allocation.
func New() *Region {
	return &Region{ar: *arena.NewArena()}
}

// Free releases all memory carved from the region. Any byte slice
// previously returned from AllocBytes becomes invalid.
func (r *Region) Free() {
	r.ar.Free()
}

// AllocBytes carves n zero-initialised bytes out of the region.
func (r *Region) AllocBytes(n int) []byte {
	return arena.MakeSlice[byte](&r.ar, n, n)
}
