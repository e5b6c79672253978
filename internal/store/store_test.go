package store

import (
	"bytes"
	"testing"

	"github.com/Voskan/twemcached/internal/clock"
	"github.com/Voskan/twemcached/internal/slab"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	clk := clock.New()
	clk.Tick()
	s, err := Setup(cfg, clk, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return s
}

func defaultCfg() Config {
	return Config{
		Slab: slab.Config{
			SlabBytes: 4096,
			MaxBytes:  1 << 20,
			ChunkSize: 48,
			UseFreeQ:  true,
			EvictOpt:  slab.EvictRandom,
		},
		HashPower: 8,
		UseCAS:    true,
	}
}

// S3: set then get round-trips the exact value and flag.
func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t, defaultCfg())

	if err := s.Set([]byte("foo"), []byte("bar"), 42, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get([]byte("foo"))
	if !ok {
		t.Fatalf("Get(foo) not found")
	}
	if !bytes.Equal(v.Data, []byte("bar")) {
		t.Fatalf("Get(foo) = %q, want %q", v.Data, "bar")
	}
	if v.Flag != 42 {
		t.Fatalf("Get(foo).Flag = %d, want 42", v.Flag)
	}
}

func TestAddFailsWhenPresent(t *testing.T) {
	s := newTestStore(t, defaultCfg())
	if err := s.Add([]byte("k"), []byte("v1"), 0, 0); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := s.Add([]byte("k"), []byte("v2"), 0, 0); err != ErrNotStored {
		t.Fatalf("second Add err = %v, want ErrNotStored", err)
	}
	v, _ := s.Get([]byte("k"))
	if !bytes.Equal(v.Data, []byte("v1")) {
		t.Fatalf("value overwritten by failed Add: %q", v.Data)
	}
}

func TestReplaceFailsWhenAbsent(t *testing.T) {
	s := newTestStore(t, defaultCfg())
	if err := s.Replace([]byte("missing"), []byte("v"), 0, 0); err != ErrNotStored {
		t.Fatalf("Replace on absent key err = %v, want ErrNotStored", err)
	}
}

func TestCasMismatchAndMatch(t *testing.T) {
	s := newTestStore(t, defaultCfg())
	if err := s.Set([]byte("k"), []byte("v1"), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _ := s.Get([]byte("k"))

	if err := s.Cas([]byte("k"), []byte("v2"), 0, 0, v.CAS+1); err != ErrExists {
		t.Fatalf("Cas with wrong token err = %v, want ErrExists", err)
	}
	if err := s.Cas([]byte("k"), []byte("v2"), 0, 0, v.CAS); err != nil {
		t.Fatalf("Cas with correct token: %v", err)
	}
	v2, _ := s.Get([]byte("k"))
	if !bytes.Equal(v2.Data, []byte("v2")) {
		t.Fatalf("Cas did not store new value, got %q", v2.Data)
	}
	if v2.CAS == v.CAS {
		t.Fatalf("CAS token did not advance across Cas store")
	}
}

// Invariant 7: CAS strictly increases on every mutation of a key.
func TestCASMonotonic(t *testing.T) {
	s := newTestStore(t, defaultCfg())
	if err := s.Set([]byte("k"), []byte("1"), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var prev uint64
	for i := 0; i < 5; i++ {
		if err := s.Set([]byte("k"), []byte("x"), 0, 0); err != nil {
			t.Fatalf("Set #%d: %v", i, err)
		}
		v, _ := s.Get([]byte("k"))
		if v.CAS <= prev {
			t.Fatalf("CAS did not strictly increase: prev=%d cur=%d", prev, v.CAS)
		}
		prev = v.CAS
	}
}

// S5: appending past the current class's payload cap must relocate the
// item into a larger class while preserving the hash index's single
// entry for the key and the concatenated value.
func TestAnnexAppendCrossesClassBoundary(t *testing.T) {
	s := newTestStore(t, Config{
		Slab: slab.Config{
			SlabBytes: 4096,
			MaxBytes:  1 << 20,
			Profile:   []int64{48, 96, 192},
			UseFreeQ:  true,
		},
		HashPower: 6,
	})

	if err := s.Set([]byte("k"), bytes.Repeat([]byte("a"), 10), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	before, _ := s.Get([]byte("k"))
	beforeClass := s.alloc.Item(before.Ref).ClassID

	big := bytes.Repeat([]byte("b"), 50)
	if err := s.Annex([]byte("k"), big, true); err != nil {
		t.Fatalf("Annex: %v", err)
	}

	after, ok := s.Get([]byte("k"))
	if !ok {
		t.Fatalf("key missing after cross-class annex")
	}
	afterClass := s.alloc.Item(after.Ref).ClassID
	if afterClass == beforeClass {
		t.Fatalf("expected class change after oversized append, stayed at %d", afterClass)
	}

	want := append(bytes.Repeat([]byte("a"), 10), big...)
	if !bytes.Equal(after.Data, want) {
		t.Fatalf("Annex result mismatch: got %d bytes, want %d bytes", len(after.Data), len(want))
	}

	if s.idx.Len() != 1 {
		t.Fatalf("hash index has %d entries for one key, want 1", s.idx.Len())
	}
}

func TestAnnexPrependInPlace(t *testing.T) {
	s := newTestStore(t, defaultCfg())
	if err := s.Set([]byte("k"), []byte("world"), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Annex([]byte("k"), []byte("hello "), false); err != nil {
		t.Fatalf("Annex prepend: %v", err)
	}
	v, _ := s.Get([]byte("k"))
	if !bytes.Equal(v.Data, []byte("hello world")) {
		t.Fatalf("Annex prepend = %q, want %q", v.Data, "hello world")
	}
}

func TestDeleteAndFlush(t *testing.T) {
	s := newTestStore(t, defaultCfg())
	if err := s.Set([]byte("k"), []byte("v"), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !s.Delete([]byte("k")) {
		t.Fatalf("Delete(k) = false, want true")
	}
	if s.Delete([]byte("k")) {
		t.Fatalf("second Delete(k) = true, want false")
	}

	if err := s.Set([]byte("k2"), []byte("v2"), 0, 0); err != nil {
		t.Fatalf("Set k2: %v", err)
	}
	s.Flush()
	if _, ok := s.Get([]byte("k2")); ok {
		t.Fatalf("Get(k2) found after Flush")
	}
}

func TestIncrDecr(t *testing.T) {
	s := newTestStore(t, defaultCfg())
	if err := s.Set([]byte("n"), []byte("10"), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.IncrDecr([]byte("n"), 5, false)
	if err != nil || got != 15 {
		t.Fatalf("IncrDecr(+5) = %d, %v, want 15, nil", got, err)
	}
	got, err = s.IncrDecr([]byte("n"), 20, true)
	if err != nil || got != 0 {
		t.Fatalf("IncrDecr(-20) = %d, %v, want 0 (clamped), nil", got, err)
	}
}

func TestIncrDecrNonNumeric(t *testing.T) {
	s := newTestStore(t, defaultCfg())
	if err := s.Set([]byte("n"), []byte("not-a-number"), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.IncrDecr([]byte("n"), 1, false); err != ErrNotNumeric {
		t.Fatalf("IncrDecr on non-numeric err = %v, want ErrNotNumeric", err)
	}
}

// Invariant 6 / class containment: Update refuses an in-place overwrite
// that would no longer fit the item's current class.
func TestUpdateRejectsClassChange(t *testing.T) {
	s := newTestStore(t, Config{
		Slab: slab.Config{
			SlabBytes: 4096,
			MaxBytes:  1 << 20,
			Profile:   []int64{48, 512},
			UseFreeQ:  true,
		},
		HashPower: 6,
	})
	if err := s.Set([]byte("k"), []byte("v"), 0, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _ := s.Get([]byte("k"))
	big := bytes.Repeat([]byte("z"), 400)
	if err := s.Update(v.Ref, big); err != errClassChanged {
		t.Fatalf("Update err = %v, want errClassChanged", err)
	}
}
