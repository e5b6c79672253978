// Package engine is the process-wide storage engine: it owns the clock,
// slab allocator, hash index and item-operations store (internal/clock,
// internal/slab, internal/hashtable, internal/store) behind a single
// setup → run → teardown lifecycle, and maps protocol-neutral
// proto.Request values onto store calls (§9, "encapsulate them in a
// single owned Engine value held by the main task").
//
// Mirrors the usual top-level Cache[K,V] shape (a single entry point
// wrapping the allocator/index/eviction pieces), generalized from a
// generic cache to this design's byte-key item store, with the
// configuration/metrics split kept in config.go/metrics.go.
//
// © 2025 twemcached authors. MIT License.
package engine

import (
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Voskan/twemcached/internal/clock"
	"github.com/Voskan/twemcached/internal/pool"
	"github.com/Voskan/twemcached/internal/proto"
	"github.com/Voskan/twemcached/internal/store"
)

// Engine is the single owned value the daemon's main goroutine
// constructs at startup and shares (read-mostly, single-writer) with
// the server's connection handlers.
type Engine struct {
	Store  *store.Store
	Clock  *clock.Source
	logger *zap.Logger
	stats  metricsSink

	requests  *pool.Pool[proto.Request]
	responses *pool.Pool[proto.Response]

	l2      func(key []byte) ([]byte, bool)
	l2Group singleflight.Group
}

// Setup constructs the engine's full storage stack (item_setup +
// slab_setup in storage terms).
func Setup(opts ...Option) (*Engine, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	clk.Tick()

	st, err := store.Setup(store.Config{
		Slab:      cfg.slab,
		HashPower: cfg.hashPower,
		UseCAS:    cfg.slab.UseCAS,
	}, clk, cfg.onEvict)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Store:  st,
		Clock:  clk,
		logger: cfg.logger,
		stats:  newMetricsSink(cfg.registry),
		requests: pool.New(cfg.requestPool, func() *proto.Request {
			return &proto.Request{}
		}),
		responses: pool.New(cfg.responsePool, func() *proto.Response {
			return &proto.Response{}
		}),
		l2: cfg.l2,
	}
	e.logger.Info("engine setup complete",
		zap.Int64("slab_bytes", cfg.slab.SlabBytes),
		zap.Int64("slab_maxbytes", cfg.slab.MaxBytes),
		zap.Uint("hash_power", cfg.hashPower),
	)
	return e, nil
}

// Tick advances the coarse clock; the event loop calls this once per
// iteration or a ticker goroutine calls it once per second (§4.6).
func (e *Engine) Tick() int64 { return e.Clock.Tick() }

// AcquireRequest and ReleaseRequest manage the bounded Request pool
// (§5, "Pools"). ReleaseRequest resets the object before returning it.
func (e *Engine) AcquireRequest() (*proto.Request, error) { return e.requests.Get() }

func (e *Engine) ReleaseRequest(r *proto.Request) {
	r.Reset()
	e.requests.Put(r)
}

// AcquireResponse and ReleaseResponse manage the bounded Response pool.
func (e *Engine) AcquireResponse() (*proto.Response, error) { return e.responses.Get() }

func (e *Engine) ReleaseResponse(r *proto.Response) {
	r.Reset()
	e.responses.Put(r)
}

// Teardown releases engine-held resources. The storage engine itself
// holds no file descriptors or goroutines to stop; this exists for
// symmetry with Setup and as the hook future persistence/replication
// work (explicitly out of scope, §1) would extend.
func (e *Engine) Teardown() {
	e.logger.Info("engine teardown")
}

// Stats returns a snapshot combining store and allocator counters, used
// by internal/admin's debug endpoint.
func (e *Engine) Stats() store.Stats { return e.Store.Stats() }
