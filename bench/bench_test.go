// Package bench provides reproducible micro-benchmarks for twemcached's
// hot paths. Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// We measure:
//   1. Set            – write-only workload against the slab-backed store
//   2. Get             – read-only workload (after warm-up)
//   3. GetParallel      – concurrent reads with no caller-side lock; no key
//                         expires, so Get only reads and bumps its atomic
//                         hit/miss counters (§5)
//   4. MemcacheParse    – TryParse cost for a fully-buffered "set" command
//   5. MemcacheEncode   – Encode cost for a VALUE/END response
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// Follows the usual micro-benchmark shape: single key/value size,
// warm-up then timed loop, b.RunParallel for the concurrent case.
// Targets internal/store.Store and the wire codecs directly since the
// core here is a slab allocator + hash index, not a sharded generic
// cache.
//
// © 2025 twemcached authors. MIT License.
package bench

import (
	"math/rand"
	"testing"

	"github.com/Voskan/twemcached/internal/clock"
	"github.com/Voskan/twemcached/internal/proto"
	"github.com/Voskan/twemcached/internal/proto/memcache"
	"github.com/Voskan/twemcached/internal/slab"
	"github.com/Voskan/twemcached/internal/store"
)

const numKeys = 1 << 16 // 64k keys for dataset

func newBenchStore(b *testing.B) *store.Store {
	b.Helper()
	clk := clock.New()
	s, err := store.Setup(store.Config{
		Slab: slab.Config{
			SlabBytes: 1 << 20,
			MaxBytes:  256 << 20,
			ChunkSize: 48,
			UseFreeQ:  true,
			EvictOpt:  slab.EvictRandom,
		},
		HashPower: 18,
		UseCAS:    true,
	}, clk, nil)
	if err != nil {
		b.Fatalf("store.Setup: %v", err)
	}
	return s
}

var dataset = func() [][]byte {
	arr := make([][]byte, numKeys)
	for i := range arr {
		arr[i] = []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24), 'k'}
	}
	return arr
}()

var value64 = make([]byte, 64)

func BenchmarkSet(b *testing.B) {
	s := newBenchStore(b)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := dataset[i&(numKeys-1)]
		_ = s.Set(key, value64, 0, 0)
	}
}

func BenchmarkGet(b *testing.B) {
	s := newBenchStore(b)
	for _, k := range dataset {
		_ = s.Set(k, value64, 0, 0)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := dataset[i&(numKeys-1)]
		_, _ = s.Get(k) // (Value, bool)
	}
}

func BenchmarkGetParallel(b *testing.B) {
	s := newBenchStore(b)
	for _, k := range dataset {
		_ = s.Set(k, value64, 0, 0)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(numKeys)
		for pb.Next() {
			idx = (idx + 1) & (numKeys - 1)
			_, _ = s.Get(dataset[idx])
		}
	})
}

func BenchmarkMemcacheParseSet(b *testing.B) {
	codec := memcache.New()
	line := []byte("set benchkey 0 0 3\r\nbar\r\n")
	var req proto.Request
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.Reset()
		if _, result := codec.TryParse(line, &req); result != proto.ParseOK {
			b.Fatalf("unexpected parse result %v", result)
		}
	}
}

func BenchmarkMemcacheEncodeValue(b *testing.B) {
	codec := memcache.New()
	resp := &proto.Response{
		Status:  proto.StatusOK,
		IsArray: true,
		Values: []proto.FoundValue{
			{Key: []byte("benchkey"), Value: value64},
		},
	}
	dst := make([]byte, 0, 256)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst = codec.Encode(dst[:0], resp)
	}
}
