// Package slab implements the fixed-class slab allocator described in
// §3.1 and §4.1: a byte region is partitioned into slabs, each an
// array of equal-sized items belonging to exactly one size class. Classes
// are chosen so the smallest one that fits a request wins (§3.2 invariant
// 5); slots are recycled through a per-class free queue and, when that is
// exhausted, through slab eviction (§4.1 step 4).
//
// Follows internal/genring's generation bookkeeping (byte accounting,
// atomic IDs) and a Couchbase-derived slab/chunk arena
// (other_examples/f1f387eb, slabClass.slabs + chunk free-lists) for the
// class/slot/free-queue shape itself.
//
// Concurrency: per §5 the allocator is owned exclusively by the single
// worker goroutine; no internal locking is performed. Counters exposed for
// the admin plane are atomics so a second reader goroutine never torn-reads.
//
// © 2025 twemcached authors. MIT License.
package slab

import (
	"errors"
	"math/rand"
	"sync/atomic"

	"github.com/Voskan/twemcached/internal/arena"
)

// Errors surfaced to the item-operations layer (§7).
var (
	ErrOversized  = errors.New("slab: item larger than largest class")
	ErrOutOfMemory = errors.New("slab: class exhausted and eviction unavailable")
	ErrBadConfig  = errors.New("slab: invalid configuration")
)

// EvictOpt selects the slab eviction policy consulted in step 4 of
// slab_get_item (§4.1).
type EvictOpt uint8

const (
	EvictNone EvictOpt = iota
	EvictRandom
	EvictLRU
)

// itemAlign is the byte boundary every class size is rounded up to. Chosen
// to match the natural alignment of the header fields callers pack into
// the class-size math (expire_at, create_at, cas are all <= 8 bytes).
const itemAlign = 8

// HeaderOverhead approximates the fixed per-item header footprint that
// §3.1 folds into a class's S_c (magic, offset/id, flags, klen, vlen,
// dataflag, expire_at, create_at). It is added to every class-size
// computation even though, in this Go port, those fields live in the Item
// struct rather than packed into the slab's byte array (see DESIGN.md).
const HeaderOverhead = 32

// CASOverhead is the optional 8 bytes §3.1 reserves per item when CAS
// versioning is enabled. Exported so internal/store can size insert
// requests using the identical formula Setup used to size classes.
const CASOverhead = 8

// Ref is a non-owning reference to an item slot: a (block, slot) pair
// rather than a raw pointer, per the design note in §9 ("use an index
// rather than a raw pointer in a safety-conscious target"). The zero value
// refers to slot 0 of block 0; the "no item" sentinel is NilRef.
type Ref struct {
	Block int32
	Slot  int32
}

// NilRef is the sentinel "no item" reference, also used as the terminator
// of embedded hash chains and free-queue stacks.
var NilRef = Ref{Block: -1, Slot: -1}

// IsNil reports whether r is the sentinel reference.
func (r Ref) IsNil() bool { return r == NilRef }

// Item is the metadata kept for every slot, exported so internal/hashtable
// and internal/store can read and mutate it through Allocator.Item. Field
// order is not significant (no byte-level aliasing is performed on this
// struct), unlike clockpro.entry which duplicates a layout for unsafe
// reinterpretation — Ref-based indirection makes that unnecessary here.
type Item struct {
	Magic    uint32
	Linked   bool
	InFreeQ  bool
	RAligned bool
	KLen     uint8
	VLen     uint32
	DataFlag uint32
	ExpireAt int64
	CreateAt int64
	CAS      uint64
	ClassID  int32
	Next     Ref // embedded hash-chain pointer (§4.2, §9)
}

// ItemMagic marks a live item for corruption checks when debug magic
// checking is enabled (§3.1).
const ItemMagic uint32 = 0xFEEDFACE

// Config bundles the setup-time knobs of slab_setup (§6.3).
type Config struct {
	SlabBytes int64    // bytes per slab
	MaxBytes  int64    // cap on total slab memory
	Prealloc  bool     // carve one slab per class at setup
	EvictOpt  EvictOpt // NONE / RANDOM / LRU
	UseFreeQ  bool     // enable per-class free queue
	UseCAS    bool     // reserve 8 bytes per item for CAS
	ChunkSize int64    // granularity of size-class growth when Profile is nil
	Profile   []int64  // explicit class item-footprint sizes, overrides ChunkSize
}

type class struct {
	id         int32
	itemSize   int64 // S_c: full item footprint (header+klen+vlen[+cas])
	payloadCap int   // bytes of the slot given to key+value storage

	blocks       []int32 // block indices currently owned by this class
	partialBlock int32   // index into Allocator.blocks, or -1
	partialNext  int32   // next unused slot within partialBlock

	freeq []Ref // LIFO of recycled slots, used when UseFreeQ is set

	seq int64 // bumped whenever a block becomes partial; used for LRU ordering
}

type block struct {
	region *arena.Region
	memory []byte
	items  []Item
	class  int32 // current owning class id
	touch  int64 // class.seq value stamped at (re)carve time
}

// EjectFunc is invoked once per linked item before its slab is repurposed,
// so the hash index can unlink it first (§4.1, "Eviction of a slab unlinks
// every live item it contains"). Implemented by internal/store.
type EjectFunc func(ref Ref)

// Allocator is the process-wide (or, in tests, per-test) slab region. It
// has no notion of keys or values; those live one layer up in
// internal/store, which is also the only caller expected to hold
// Allocator across goroutines other than the single worker (see §5).
type Allocator struct {
	cfg     Config
	classes []*class // index 0 unused; ids run [1, lastID]
	lastID  int32
	blocks  []*block
	used    int64 // bytes committed to slab blocks
	rng     *rand.Rand
	onEvict EjectFunc

	evictions atomic.Uint64
	oversized atomic.Uint64
	oom       atomic.Uint64
}

// Setup constructs the class table and, if cfg.Prealloc, carves one slab
// per class up front subject to cfg.MaxBytes (slab_setup, §4.1).
func Setup(cfg Config, onEvict EjectFunc) (*Allocator, error) {
	if cfg.SlabBytes <= 0 || cfg.MaxBytes <= 0 {
		return nil, ErrBadConfig
	}
	sizes, err := classSizes(cfg)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(1)),
		onEvict: onEvict,
	}
	a.classes = make([]*class, len(sizes)+1)
	for i, s := range sizes {
		id := int32(i + 1)
		payload := int(s) - HeaderOverhead
		if cfg.UseCAS {
			payload -= CASOverhead
		}
		if payload <= 0 {
			return nil, ErrBadConfig
		}
		a.classes[id] = &class{
			id:           id,
			itemSize:     s,
			payloadCap:   payload,
			partialBlock: -1,
		}
	}
	a.lastID = int32(len(sizes))

	if cfg.Prealloc {
		for id := int32(1); id <= a.lastID; id++ {
			if a.used+cfg.SlabBytes > cfg.MaxBytes {
				break
			}
			if _, err := a.carve(a.classes[id]); err != nil {
				break
			}
		}
	}
	return a, nil
}

// classSizes derives the ascending, strictly-monotonic per-class item
// footprint table (§3.2 invariant 5). An explicit Profile always wins;
// otherwise classes grow geometrically from ChunkSize by a fixed 1.25
// factor (the classic memcached growth factor), rounded to itemAlign,
// until a class would exceed SlabBytes.
func classSizes(cfg Config) ([]int64, error) {
	if len(cfg.Profile) > 0 {
		prev := int64(0)
		out := make([]int64, len(cfg.Profile))
		for i, s := range cfg.Profile {
			aligned := alignUp(s, itemAlign)
			if aligned <= prev {
				return nil, ErrBadConfig
			}
			out[i] = aligned
			prev = aligned
		}
		return out, nil
	}

	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 48
	}
	const growth = 1.25
	var sizes []int64
	size := alignUp(chunk, itemAlign)
	for size <= cfg.SlabBytes {
		sizes = append(sizes, size)
		next := int64(float64(size) * growth)
		if next <= size {
			next = size + itemAlign
		}
		size = alignUp(next, itemAlign)
	}
	if len(sizes) == 0 {
		return nil, ErrBadConfig
	}
	return sizes, nil
}

func alignUp(x, align int64) int64 {
	return (x + align - 1) &^ (align - 1)
}

// ClassFor returns the smallest class id whose item footprint accommodates
// totalBytes (header+klen+vlen[+cas]), or ErrOversized if none does
// (slab_id, §4.1).
func (a *Allocator) ClassFor(totalBytes int) (int32, error) {
	n := int64(totalBytes)
	lo, hi := int32(1), a.lastID
	best := int32(-1)
	for lo <= hi {
		mid := (lo + hi) / 2
		if a.classes[mid].itemSize >= n {
			best = mid
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	if best == -1 {
		a.oversized.Add(1)
		return 0, ErrOversized
	}
	return best, nil
}

// PayloadCap returns the key+value byte budget for the given class.
func (a *Allocator) PayloadCap(classID int32) int {
	return a.classes[classID].payloadCap
}

// LastClass returns the highest valid class id.
func (a *Allocator) LastClass() int32 { return a.lastID }

// Get returns a slot of the given class, carving, recycling, or evicting
// as needed (slab_get_item, §4.1).
func (a *Allocator) Get(classID int32) (Ref, error) {
	c := a.classes[classID]

	if a.cfg.UseFreeQ && len(c.freeq) > 0 {
		ref := c.freeq[len(c.freeq)-1]
		c.freeq = c.freeq[:len(c.freeq)-1]
		it := a.Item(ref)
		it.InFreeQ = false
		return ref, nil
	}

	if ref, ok := a.bumpPartial(c); ok {
		return ref, nil
	}

	if a.used+a.cfg.SlabBytes <= a.cfg.MaxBytes {
		if _, err := a.carve(c); err == nil {
			if ref, ok := a.bumpPartial(c); ok {
				return ref, nil
			}
		}
	}

	switch a.cfg.EvictOpt {
	case EvictRandom:
		if a.evictRandom(c) {
			if ref, ok := a.bumpPartial(c); ok {
				return ref, nil
			}
		}
	case EvictLRU:
		if a.evictLRU(c) {
			if ref, ok := a.bumpPartial(c); ok {
				return ref, nil
			}
		}
	}

	a.oom.Add(1)
	return NilRef, ErrOutOfMemory
}

func (a *Allocator) bumpPartial(c *class) (Ref, bool) {
	if c.partialBlock < 0 {
		return NilRef, false
	}
	blk := a.blocks[c.partialBlock]
	if int(c.partialNext) >= len(blk.items) {
		return NilRef, false
	}
	slot := c.partialNext
	c.partialNext++
	ref := Ref{Block: c.partialBlock, Slot: slot}
	blk.items[slot] = Item{ClassID: c.id}
	return ref, true
}

// carve reserves a fresh slab-sized region and assigns it to class c as its
// new partial slab.
func (a *Allocator) carve(c *class) (int32, error) {
	if a.used+a.cfg.SlabBytes > a.cfg.MaxBytes {
		return 0, ErrOutOfMemory
	}
	itemsPerSlab := int(a.cfg.SlabBytes) / int(c.itemSize)
	if itemsPerSlab <= 0 {
		itemsPerSlab = 1
	}
	region := arena.New()
	mem := region.AllocBytes(itemsPerSlab * c.payloadCap)

	blk := &block{
		region: region,
		memory: mem,
		items:  make([]Item, itemsPerSlab),
		class:  c.id,
	}
	idx := int32(len(a.blocks))
	a.blocks = append(a.blocks, blk)
	a.used += a.cfg.SlabBytes

	c.seq++
	blk.touch = c.seq
	c.blocks = append(c.blocks, idx)
	c.partialBlock = idx
	c.partialNext = 0
	return idx, nil
}

// evictRandom implements step 4's RANDOM policy: pick any existing slab
// uniformly (across all classes, matching "Linkage into a global LRU of
// slabs" in §3.1), evict its live items, and repurpose it for c.
func (a *Allocator) evictRandom(c *class) bool {
	if len(a.blocks) == 0 {
		return false
	}
	idx := int32(a.rng.Intn(len(a.blocks)))
	a.reclaim(idx, c)
	return true
}

// evictLRU implements the optional LRU policy: pick the least-recently
// touched slab owned by c itself ("class-wide list", §4.1 step 4), falling
// back to a global random pick if c owns no slabs yet.
func (a *Allocator) evictLRU(c *class) bool {
	if len(c.blocks) == 0 {
		return a.evictRandom(c)
	}
	victim := c.blocks[0]
	oldest := a.blocks[victim].touch
	for _, bi := range c.blocks[1:] {
		if a.blocks[bi].touch < oldest {
			oldest = a.blocks[bi].touch
			victim = bi
		}
	}
	a.reclaim(victim, c)
	return true
}

// reclaim evicts every linked item in block idx, detaches it from its
// current owning class, and re-carves its backing memory for dest.
func (a *Allocator) reclaim(idx int32, dest *class) {
	blk := a.blocks[idx]
	donor := a.classes[blk.class]

	for slot := range blk.items {
		it := &blk.items[slot]
		if it.Linked {
			if a.onEvict != nil {
				a.onEvict(Ref{Block: idx, Slot: int32(slot)})
			}
			a.evictions.Add(1)
		}
	}

	donor.blocks = removeInt32(donor.blocks, idx)
	if donor.partialBlock == idx {
		donor.partialBlock = -1
	}
	if a.cfg.UseFreeQ && donor != dest {
		filtered := donor.freeq[:0]
		for _, r := range donor.freeq {
			if r.Block != idx {
				filtered = append(filtered, r)
			}
		}
		donor.freeq = filtered
	}

	itemsPerSlab := int(a.cfg.SlabBytes) / int(dest.itemSize)
	if itemsPerSlab <= 0 {
		itemsPerSlab = 1
	}
	need := itemsPerSlab * dest.payloadCap
	if len(blk.memory) < need {
		blk.memory = append(blk.memory, make([]byte, need-len(blk.memory))...)
	}
	blk.items = make([]Item, itemsPerSlab)
	blk.class = dest.id

	dest.seq++
	blk.touch = dest.seq
	dest.blocks = append(dest.blocks, idx)
	dest.partialBlock = idx
	dest.partialNext = 0
}

func removeInt32(s []int32, v int32) []int32 {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// Put returns a slot to its class's free queue (slab_put_item, §4.1).
// If the allocator is configured without a free queue, the slot is simply
// marked unlinked and left for a future slab eviction to reclaim.
func (a *Allocator) Put(ref Ref) {
	it := a.Item(ref)
	it.Linked = false
	if !a.cfg.UseFreeQ {
		return
	}
	it.InFreeQ = true
	c := a.classes[it.ClassID]
	c.freeq = append(c.freeq, ref)
}

// Item returns a pointer to the slot's metadata. The pointer is valid until
// the owning slab is repurposed by eviction; callers must not retain it
// across an operation that can evict (§3.3, Ownership).
func (a *Allocator) Item(ref Ref) *Item {
	return &a.blocks[ref.Block].items[ref.Slot]
}

// Payload returns the full key+value byte region for ref.
func (a *Allocator) Payload(ref Ref) []byte {
	c := a.classes[a.Item(ref).ClassID]
	off := int(ref.Slot) * c.payloadCap
	return a.blocks[ref.Block].memory[off : off+c.payloadCap]
}

// Key returns the key bytes of ref's item (always left-aligned at the
// start of the payload, §3.1).
func (a *Allocator) Key(ref Ref) []byte {
	it := a.Item(ref)
	return a.Payload(ref)[:it.KLen]
}

// Value returns the value bytes of ref's item, honouring RAligned (§3.2
// invariant 4: item_data is a function of is_raligned).
func (a *Allocator) Value(ref Ref) []byte {
	it := a.Item(ref)
	payload := a.Payload(ref)
	if it.RAligned {
		return payload[len(payload)-int(it.VLen):]
	}
	return payload[int(it.KLen) : int(it.KLen)+int(it.VLen)]
}

// WriteLeftAligned stores key immediately followed by val, left-justified,
// and clears RAligned.
func (a *Allocator) WriteLeftAligned(ref Ref, key, val []byte) {
	it := a.Item(ref)
	it.KLen = uint8(len(key))
	it.VLen = uint32(len(val))
	it.RAligned = false
	payload := a.Payload(ref)
	copy(payload, key)
	copy(payload[len(key):], val)
}

// WriteRightAligned stores key at the front of the payload and val flush
// with the payload's end, setting RAligned. Used by prepend's
// reallocation path (§4.3, item_annex).
func (a *Allocator) WriteRightAligned(ref Ref, key, val []byte) {
	it := a.Item(ref)
	it.KLen = uint8(len(key))
	it.VLen = uint32(len(val))
	it.RAligned = true
	payload := a.Payload(ref)
	copy(payload, key)
	copy(payload[len(payload)-len(val):], val)
}

// Stats is a point-in-time snapshot for the admin plane.
type Stats struct {
	Blocks     int
	UsedBytes  int64
	MaxBytes   int64
	Classes    int32
	Evictions  uint64
	Oversized  uint64
	OutOfMemory uint64
}

// Stats returns a snapshot of allocator-wide counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Blocks:      len(a.blocks),
		UsedBytes:   a.used,
		MaxBytes:    a.cfg.MaxBytes,
		Classes:     a.lastID,
		Evictions:   a.evictions.Load(),
		Oversized:   a.oversized.Load(),
		OutOfMemory: a.oom.Load(),
	}
}

// ClassStats describes a single class's occupancy, served by the admin
// /debug/twemcached/classes endpoint.
type ClassStats struct {
	ID         int32
	ItemSize   int64
	PayloadCap int
	Slabs      int
	FreeSlots  int
}

// ClassStatsAll returns a snapshot for every configured class.
func (a *Allocator) ClassStatsAll() []ClassStats {
	out := make([]ClassStats, 0, a.lastID)
	for id := int32(1); id <= a.lastID; id++ {
		c := a.classes[id]
		out = append(out, ClassStats{
			ID:         id,
			ItemSize:   c.itemSize,
			PayloadCap: c.payloadCap,
			Slabs:      len(c.blocks),
			FreeSlots:  len(c.freeq),
		})
	}
	return out
}
