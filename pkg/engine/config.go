// config.go defines the engine's functional options and configuration
// object: a private config struct filled in by defaultConfig, mutated
// by a slice of Option values, then validated once by applyOptions.
//
// © 2025 twemcached authors. MIT License.
package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/twemcached/internal/slab"
)

// Option configures an Engine at Setup time.
type Option func(*config)

type config struct {
	slab      slab.Config
	hashPower uint

	bufInitSize   int
	dbufMaxPower  uint
	requestPool   int
	responsePool  int

	registry *prometheus.Registry
	logger   *zap.Logger

	onEvict func(key, value []byte)
	l2      func(key []byte) ([]byte, bool)
}

func defaultConfig() *config {
	return &config{
		slab: slab.Config{
			SlabBytes: 1 << 20,
			MaxBytes:  64 << 20,
			ChunkSize: 48,
			EvictOpt:  slab.EvictRandom,
			UseFreeQ:  true,
			UseCAS:    true,
		},
		hashPower:    16,
		bufInitSize:  4096,
		dbufMaxPower: 10, // init_size << 10, e.g. 4MiB cap
		requestPool:  1024,
		responsePool: 1024,
		logger:       zap.NewNop(),
	}
}

// WithSlabConfig overrides the allocator's class table and capacity
// knobs (slab_size, slab_maxbytes, slab_prealloc, slab_evict_opt,
// slab_use_freeq, slab_use_cas, slab_chunk_size, slab_profile — §6.3).
func WithSlabConfig(cfg slab.Config) Option {
	return func(c *config) { c.slab = cfg }
}

// WithHashPower sets slab_hash_power, the log2 of the hash table's fixed
// bucket count.
func WithHashPower(power uint) Option {
	return func(c *config) { c.hashPower = power }
}

// WithBufferSizes sets buf_init_size and dbuf_max_power (§6.3).
func WithBufferSizes(initSize int, maxPower uint) Option {
	return func(c *config) {
		c.bufInitSize = initSize
		c.dbufMaxPower = maxPower
	}
}

// WithPoolSizes sets request_poolsize and buf_sock_poolsize (§6.3,
// reused here as the response pool capacity).
func WithPoolSizes(requestPool, responsePool int) Option {
	return func(c *config) {
		c.requestPool = requestPool
		c.responsePool = responsePool
	}
}

// WithMetrics enables Prometheus collection; passing nil disables
// metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. The engine never logs on the
// per-request hot path; only setup, teardown, and error paths do.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEjectCallback registers a write-behind hook invoked once per item
// evicted by slab capacity pressure, e.g. internal/l2's Badger tier.
func WithEjectCallback(cb func(key, value []byte)) Option {
	return func(c *config) { c.onEvict = cb }
}

// WithL2Lookup registers a read-through hook consulted on a store miss,
// e.g. internal/l2.Tier.Lookup. Concurrent misses on the same key are
// coalesced through a singleflight.Group so a thundering herd of
// connections requesting a just-evicted key triggers at most one L2 read
// (§C of this package's scope: "golang.org/x/sync/singleflight ... reused
// for request de-duplication when multiple connections await a load from
// L2 for the same key").
func WithL2Lookup(lookup func(key []byte) ([]byte, bool)) Option {
	return func(c *config) { c.l2 = lookup }
}

var (
	errBadSlabBytes = errors.New("engine: slab.Config.SlabBytes must be > 0")
	errBadMaxBytes  = errors.New("engine: slab.Config.MaxBytes must be > 0")
	errBadHashPower = errors.New("engine: hash power must be > 0")
)

func applyOptions(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.slab.SlabBytes <= 0 {
		return nil, errBadSlabBytes
	}
	if cfg.slab.MaxBytes <= 0 {
		return nil, errBadMaxBytes
	}
	if cfg.hashPower == 0 {
		return nil, errBadHashPower
	}
	return cfg, nil
}
