package slab

import "testing"

func newTestAllocator(t *testing.T, cfg Config, onEvict EjectFunc) *Allocator {
	t.Helper()
	a, err := Setup(cfg, onEvict)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return a
}

func TestClassSizesMonotonic(t *testing.T) {
	a := newTestAllocator(t, Config{
		SlabBytes: 4096,
		MaxBytes:  1 << 20,
		ChunkSize: 48,
	}, nil)

	var prev int64
	for id := int32(1); id <= a.LastClass(); id++ {
		c := a.classes[id]
		if c.itemSize <= prev {
			t.Fatalf("class %d size %d not strictly greater than previous %d", id, c.itemSize, prev)
		}
		prev = c.itemSize
	}
}

func TestClassForPicksSmallestFit(t *testing.T) {
	a := newTestAllocator(t, Config{
		SlabBytes: 4096,
		MaxBytes:  1 << 20,
		Profile:   []int64{64, 128, 256},
	}, nil)

	id, err := a.ClassFor(64)
	if err != nil || id != 1 {
		t.Fatalf("ClassFor(64) = %d, %v, want 1", id, err)
	}
	id, err = a.ClassFor(65)
	if err != nil || id != 2 {
		t.Fatalf("ClassFor(65) = %d, %v, want 2", id, err)
	}
	if _, err := a.ClassFor(1000); err != ErrOversized {
		t.Fatalf("ClassFor(1000) err = %v, want ErrOversized", err)
	}
}

func TestGetPutFreeQueueReuse(t *testing.T) {
	a := newTestAllocator(t, Config{
		SlabBytes: 256,
		MaxBytes:  1 << 20,
		Profile:   []int64{64},
		UseFreeQ:  true,
	}, nil)

	ref, err := a.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a.WriteLeftAligned(ref, []byte("k"), []byte("v"))
	a.Put(ref)

	ref2, err := a.Get(1)
	if err != nil {
		t.Fatalf("Get after Put: %v", err)
	}
	if ref2 != ref {
		t.Fatalf("expected free-queue slot reuse, got different ref %v vs %v", ref2, ref)
	}
	if a.Item(ref2).InFreeQ {
		t.Fatalf("reused item still marked InFreeQ")
	}
}

func TestOutOfMemoryWithoutEviction(t *testing.T) {
	a := newTestAllocator(t, Config{
		SlabBytes: 64, // one item per slab
		MaxBytes:  64, // exactly one slab total
		Profile:   []int64{64},
		EvictOpt:  EvictNone,
	}, nil)

	if _, err := a.Get(1); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := a.Get(1); err != ErrOutOfMemory {
		t.Fatalf("second Get err = %v, want ErrOutOfMemory", err)
	}
}

func TestEvictRandomRepurposesAcrossClasses(t *testing.T) {
	var evicted []Ref
	a := newTestAllocator(t, Config{
		SlabBytes: 64,
		MaxBytes:  64, // single slab in the whole region
		Profile:   []int64{40, 64},
		EvictOpt:  EvictRandom,
	}, func(ref Ref) { evicted = append(evicted, ref) })

	ref, err := a.Get(1) // smaller class claims the only slab
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	a.WriteLeftAligned(ref, []byte("k"), []byte("v"))
	a.Item(ref).Linked = true

	// Requesting the larger class forces eviction + repurposing of the
	// single slab since MaxBytes admits no second one.
	ref2, err := a.Get(2)
	if err != nil {
		t.Fatalf("Get(2) after forced eviction: %v", err)
	}
	if len(evicted) != 1 {
		t.Fatalf("expected exactly one evicted item, got %d", len(evicted))
	}
	if a.Item(ref2).ClassID != 2 {
		t.Fatalf("repurposed slot belongs to class %d, want 2", a.Item(ref2).ClassID)
	}
}

func TestPreallocCarvesOnePerClass(t *testing.T) {
	a := newTestAllocator(t, Config{
		SlabBytes: 64,
		MaxBytes:  256,
		Profile:   []int64{40, 48, 64},
		Prealloc:  true,
	}, nil)

	stats := a.Stats()
	if stats.Blocks != 3 {
		t.Fatalf("Blocks = %d, want 3 (one per class)", stats.Blocks)
	}
}

func TestWriteRightAlignedPlacesValueAtEnd(t *testing.T) {
	a := newTestAllocator(t, Config{
		SlabBytes: 256,
		MaxBytes:  1 << 20,
		Profile:   []int64{64},
	}, nil)

	ref, err := a.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a.WriteRightAligned(ref, []byte("key"), []byte("value"))
	if string(a.Value(ref)) != "value" {
		t.Fatalf("Value() = %q, want %q", a.Value(ref), "value")
	}
	if string(a.Key(ref)) != "key" {
		t.Fatalf("Key() = %q, want %q", a.Key(ref), "key")
	}
	payload := a.Payload(ref)
	if string(payload[len(payload)-5:]) != "value" {
		t.Fatalf("value not flush with payload end")
	}
}
