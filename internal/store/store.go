// Package store implements the item operations of §4.3: alloc,
// link/unlink, get, insert, update, annex (append/prepend), delete,
// flush and CAS versioning. It is the layer that couples the slab
// allocator (internal/slab) to the hash index (internal/hashtable) and
// stamps timestamps from the coarse clock (internal/clock).
//
// Follows pkg/cache.go's shard shape (the put/get/delete split and the
// hits/misses/evictions atomic counters), generalised from a generic
// K/V cache to this design's byte-key, CAS-versioned item model.
//
// © 2025 twemcached authors. MIT License.
package store

import (
	"bytes"
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/Voskan/twemcached/internal/clock"
	"github.com/Voskan/twemcached/internal/hashtable"
	"github.com/Voskan/twemcached/internal/slab"
)

// Errors surfaced to the protocol dispatch layer, mapped to status lines
// or CLIENT_ERROR/SERVER_ERROR per §7.
var (
	ErrNotFound      = errors.New("store: key not found")
	ErrExists        = errors.New("store: cas mismatch")
	ErrNotStored     = errors.New("store: conditional store failed")
	ErrNotNumeric    = errors.New("store: existing value is not numeric")
	ErrOversized     = slab.ErrOversized
	ErrOutOfMemory   = slab.ErrOutOfMemory
)

// Config mirrors the storage-relevant subset of §6.3.
type Config struct {
	Slab      slab.Config
	HashPower uint
	UseCAS    bool
}

// EjectCallback is invoked once per item evicted by slab capacity
// pressure, carrying a defensive copy of the key and value so the caller
// (e.g. internal/l2's write-behind) can persist it after the slot has
// already been recycled.
type EjectCallback func(key, value []byte)

// Store is the process-wide (per shard, in a sharded deployment) item
// store. Per §5 it is owned by a single worker goroutine; none of
// its methods block or perform I/O.
type Store struct {
	alloc  *slab.Allocator
	idx    *hashtable.Index
	clk    *clock.Source
	useCAS bool
	casCtr atomic.Uint64
	eject  EjectCallback

	hits      atomic.Uint64
	misses    atomic.Uint64
	expired   atomic.Uint64
	evictions atomic.Uint64
}

type srcAdapter struct{ alloc *slab.Allocator }

func (s srcAdapter) Key(ref slab.Ref) []byte    { return s.alloc.Key(ref) }
func (s srcAdapter) Next(ref slab.Ref) slab.Ref { return s.alloc.Item(ref).Next }
func (s srcAdapter) SetNext(ref, next slab.Ref) { s.alloc.Item(ref).Next = next }

// Setup constructs the slab allocator and hash index and wires them
// together (item_setup, §4.3). clk must already be ticking.
func Setup(cfg Config, clk *clock.Source, eject EjectCallback) (*Store, error) {
	s := &Store{clk: clk, useCAS: cfg.UseCAS, eject: eject}

	cfg.Slab.UseCAS = cfg.UseCAS
	alloc, err := slab.Setup(cfg.Slab, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.alloc = alloc
	s.idx = hashtable.Setup(cfg.HashPower, srcAdapter{alloc})
	return s, nil
}

// onEvict is the slab allocator's hook, fired for every linked item a
// slab eviction displaces. It unlinks the item from the hash index
// before the slab allocator's reclaim repurposes its backing memory, and
// hands a copy of the key/value to the optional write-behind callback.
func (s *Store) onEvict(ref slab.Ref) {
	key := append([]byte(nil), s.alloc.Key(ref)...)
	if s.eject != nil {
		val := append([]byte(nil), s.alloc.Value(ref)...)
		s.eject(key, val)
	}
	s.idx.DeleteRef(key, ref)
	s.evictions.Add(1)
}

func (s *Store) footprint(klen, vlen int) int {
	n := slab.HeaderOverhead + klen + vlen
	if s.useCAS {
		n += slab.CASOverhead
	}
	return n
}

func (s *Store) nextCAS() uint64 {
	if !s.useCAS {
		return 0
	}
	return s.casCtr.Add(1)
}

// unlinkAndRecycle removes ref from the hash index and returns its slot
// to the free queue. Used both by explicit Delete and by lazy expiry.
func (s *Store) unlinkAndRecycle(key []byte, ref slab.Ref) {
	s.idx.DeleteRef(key, ref)
	s.alloc.Put(ref)
}

// lookup resolves key to a live (non-expired) item, lazily unlinking and
// recycling it if expired (§4.3.1, "Expiration is lazy"). It is the
// shared first step of Get, Add, Replace, Cas, Annex, Delete and
// IncrDecr.
func (s *Store) lookup(key []byte) (slab.Ref, *slab.Item, bool) {
	ref, ok := s.idx.Get(key)
	if !ok {
		s.misses.Add(1)
		return slab.NilRef, nil, false
	}
	it := s.alloc.Item(ref)
	if s.clk.Expired(it.ExpireAt, it.CreateAt) {
		s.expired.Add(1)
		s.unlinkAndRecycle(key, ref)
		s.misses.Add(1)
		return slab.NilRef, nil, false
	}
	s.hits.Add(1)
	return ref, it, true
}

// Value describes a fully resolved item as returned by Get: its
// reference, value bytes, flag, CAS and absolute expiry.
type Value struct {
	Ref      slab.Ref
	Data     []byte
	Flag     uint32
	CAS      uint64
	ExpireAt int64
}

// Get implements item_get (§4.3): look up, lazily expire, and return the
// value bytes. The returned slice aliases slab-owned memory and is only
// valid until the next mutating Store call (§3.3, Ownership) — callers
// must copy it into a response buffer before returning to the event
// loop.
func (s *Store) Get(key []byte) (Value, bool) {
	ref, it, ok := s.lookup(key)
	if !ok {
		return Value{}, false
	}
	return Value{Ref: ref, Data: s.alloc.Value(ref), Flag: it.DataFlag, CAS: it.CAS, ExpireAt: it.ExpireAt}, true
}

// Insert implements item_insert (§4.3): allocate a fresh slot, copy key
// and value left-aligned, stamp times, assign CAS, and link. It does not
// check for or replace a prior value — see Set/Add/Replace for that
// composed behaviour.
func (s *Store) Insert(key, val []byte, flag uint32, expireAt int64) (slab.Ref, error) {
	return s.insert(key, val, flag, s.clk.Normalize(expireAt))
}

// insert stores val with absExpireAt already resolved onto the clock's
// absolute timeline, skipping Normalize. Insert is the public entry point
// for client-supplied (relative-or-absolute) expiries; insert itself is
// used when re-inserting an item whose ExpireAt was normalized once
// already, so it is never passed through Normalize a second time.
func (s *Store) insert(key, val []byte, flag uint32, absExpireAt int64) (slab.Ref, error) {
	classID, err := s.alloc.ClassFor(s.footprint(len(key), len(val)))
	if err != nil {
		return slab.NilRef, err
	}
	ref, err := s.alloc.Get(classID)
	if err != nil {
		return slab.NilRef, err
	}
	s.alloc.WriteLeftAligned(ref, key, val)
	it := s.alloc.Item(ref)
	it.Magic = slab.ItemMagic
	it.DataFlag = flag
	it.CreateAt = s.clk.Now()
	it.ExpireAt = absExpireAt
	it.CAS = s.nextCAS()
	it.Linked = true
	s.idx.Put(key, ref)
	return ref, nil
}

// replace swaps out whatever currently occupies key (if anything) for a
// freshly inserted item, used by Set/Replace/Cas once the precondition
// check has already happened. expireAt is a raw, not-yet-normalized
// client-supplied value.
func (s *Store) replace(key, val []byte, flag uint32, expireAt int64) error {
	if ref, ok := s.idx.Get(key); ok {
		s.unlinkAndRecycle(key, ref)
	}
	_, err := s.Insert(key, val, flag, expireAt)
	return err
}

// replaceAbsolute is replace's counterpart for a value already resolved
// onto the clock's absolute timeline (e.g. IncrDecr's reinsert of an
// existing item's own ExpireAt), bypassing Normalize so a finite TTL
// below absoluteThreshold isn't shifted forward by a second now()+expire.
func (s *Store) replaceAbsolute(key, val []byte, flag uint32, absExpireAt int64) error {
	if ref, ok := s.idx.Get(key); ok {
		s.unlinkAndRecycle(key, ref)
	}
	_, err := s.insert(key, val, flag, absExpireAt)
	return err
}

// Set stores val unconditionally, replacing any prior value (the
// memcached-flavor `set` verb, §6.1).
func (s *Store) Set(key, val []byte, flag uint32, expireAt int64) error {
	return s.replace(key, val, flag, expireAt)
}

// Add stores val only if key is absent (or expired); returns
// ErrNotStored otherwise.
func (s *Store) Add(key, val []byte, flag uint32, expireAt int64) error {
	if _, _, ok := s.lookup(key); ok {
		return ErrNotStored
	}
	_, err := s.Insert(key, val, flag, expireAt)
	return err
}

// Replace stores val only if key is already present; returns
// ErrNotStored otherwise.
func (s *Store) Replace(key, val []byte, flag uint32, expireAt int64) error {
	if _, _, ok := s.lookup(key); !ok {
		return ErrNotStored
	}
	return s.replace(key, val, flag, expireAt)
}

// Cas stores val only if key is present and its current CAS equals
// want. Returns ErrNotFound or ErrExists otherwise (the `cas` verb,
// §6.1).
func (s *Store) Cas(key, val []byte, flag uint32, expireAt int64, want uint64) error {
	_, it, ok := s.lookup(key)
	if !ok {
		return ErrNotFound
	}
	if it.CAS != want {
		return ErrExists
	}
	return s.replace(key, val, flag, expireAt)
}

// Update implements item_update (§4.3): an in-place overwrite, valid
// only while the new footprint still fits the item's current class. The
// caller (IncrDecr) falls back to replaceAbsolute when Update reports a
// class change is needed — Update itself never reallocates,
// matching the precondition in §4.3 ("still fits in current
// class").
func (s *Store) Update(ref slab.Ref, val []byte) error {
	it := s.alloc.Item(ref)
	classID, err := s.alloc.ClassFor(s.footprint(int(it.KLen), len(val)))
	if err != nil {
		return err
	}
	if classID != it.ClassID {
		return errClassChanged
	}
	key := append([]byte(nil), s.alloc.Key(ref)...)
	s.alloc.WriteLeftAligned(ref, key, val)
	it.CAS = s.nextCAS()
	return nil
}

var errClassChanged = errors.New("store: new value no longer fits current class")

// Annex implements item_annex (§4.3): append or prepend val to the
// value currently stored at key, taking the in-place fast path when the
// result still fits the item's class and alignment, otherwise
// reallocating into a new class and swapping the hash-index entry.
func (s *Store) Annex(key, val []byte, isAppend bool) error {
	ref, it, ok := s.lookup(key)
	if !ok {
		return ErrNotStored
	}
	payloadCap := s.alloc.PayloadCap(it.ClassID)
	newVLen := int(it.VLen) + len(val)

	if isAppend && !it.RAligned && int(it.KLen)+newVLen <= payloadCap {
		payload := s.alloc.Payload(ref)
		copy(payload[int(it.KLen)+int(it.VLen):], val)
		it.VLen = uint32(newVLen)
		it.CAS = s.nextCAS()
		return nil
	}
	if !isAppend && it.RAligned && int(it.KLen)+newVLen <= payloadCap {
		payload := s.alloc.Payload(ref)
		start := len(payload) - newVLen
		copy(payload[start:len(payload)-int(it.VLen)], val)
		it.VLen = uint32(newVLen)
		it.CAS = s.nextCAS()
		return nil
	}
	return s.reallocAnnex(key, ref, it, val, isAppend)
}

func (s *Store) reallocAnnex(key []byte, oldRef slab.Ref, oldIt *slab.Item, val []byte, isAppend bool) error {
	key = append([]byte(nil), key...)
	oldVal := append([]byte(nil), s.alloc.Value(oldRef)...)

	var combined []byte
	if isAppend {
		combined = append(append([]byte(nil), oldVal...), val...)
	} else {
		combined = append(append([]byte(nil), val...), oldVal...)
	}

	classID, err := s.alloc.ClassFor(s.footprint(len(key), len(combined)))
	if err != nil {
		return err
	}
	newRef, err := s.alloc.Get(classID)
	if err != nil {
		return err
	}
	if isAppend {
		s.alloc.WriteLeftAligned(newRef, key, combined)
	} else {
		s.alloc.WriteRightAligned(newRef, key, combined)
	}
	newIt := s.alloc.Item(newRef)
	newIt.Magic = slab.ItemMagic
	newIt.DataFlag = oldIt.DataFlag
	newIt.CreateAt = oldIt.CreateAt
	newIt.ExpireAt = oldIt.ExpireAt
	newIt.CAS = s.nextCAS()
	newIt.Linked = true

	s.idx.DeleteRef(key, oldRef)
	s.alloc.Put(oldRef)
	s.idx.Put(key, newRef)
	return nil
}

// Delete implements item_delete (§4.3): unlink if present, recycling the
// slot. Returns false if the key was absent or already expired.
func (s *Store) Delete(key []byte) bool {
	ref, _, ok := s.lookup(key)
	if !ok {
		return false
	}
	s.unlinkAndRecycle(key, ref)
	return true
}

// Flush implements item_flush (§4.3): stamp the watermark so every item
// created at or before this instant expires on its next access.
func (s *Store) Flush() {
	s.clk.SetFlush()
}

// IncrDecr implements the `incr`/`decr` verbs: the stored value must be
// an ASCII decimal uint64; delta is added (incr) or subtracted, clamping
// at zero for decr per traditional memcached semantics. Returns the new
// value formatted the same way it is stored.
func (s *Store) IncrDecr(key []byte, delta uint64, decr bool) (uint64, error) {
	ref, it, ok := s.lookup(key)
	if !ok {
		return 0, ErrNotFound
	}
	cur, err := strconv.ParseUint(string(s.alloc.Value(ref)), 10, 64)
	if err != nil {
		return 0, ErrNotNumeric
	}

	var next uint64
	if decr {
		if delta > cur {
			next = 0
		} else {
			next = cur - delta
		}
	} else {
		next = cur + delta
	}
	out := []byte(strconv.FormatUint(next, 10))

	if err := s.Update(ref, out); err != nil {
		// New decimal width no longer fits this class: reinsert.
		if err := s.replaceAbsolute(key, out, it.DataFlag, it.ExpireAt); err != nil {
			return 0, err
		}
	}
	return next, nil
}

// KeyEqual is exposed for tests that need to assert two byte slices
// referencing slab-owned memory hold identical content.
func KeyEqual(a, b []byte) bool { return bytes.Equal(a, b) }

// Stats is a point-in-time snapshot for the admin plane.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Expired   uint64
	Evictions uint64
	Items     int
	Slab      slab.Stats
}

// Stats returns a snapshot of store-wide counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Expired:   s.expired.Load(),
		Evictions: s.evictions.Load(),
		Items:     s.idx.Len(),
		Slab:      s.alloc.Stats(),
	}
}

// ClassStats exposes the allocator's per-class snapshot directly.
func (s *Store) ClassStats() []slab.ClassStats { return s.alloc.ClassStatsAll() }
