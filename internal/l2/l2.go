// Package l2 is an optional write-behind/read-through overflow tier
// backed by BadgerDB, supplementing the in-memory core with the kind of
// second-level store the original distillation's example programs
// demonstrate but the core itself treats as out of scope (§1: the
// core is "entirely in-memory", §6.4 "Persisted state: None"). It never
// participates in the hot path directly — the engine's eject callback
// and an explicit miss-fallback call are the only two entry points.
//
// Follows a Badger-backed EjectCallback + loader-consults-Badger-then-
// generates pattern, adapted from a demo HTTP handler's inline closures
// into a reusable Tier type wired through store.EjectCallback.
//
// © 2025 twemcached authors. MIT License.
package l2

import (
	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Tier wraps an embedded Badger database used as overflow storage for
// items the slab allocator evicts under capacity pressure.
type Tier struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) a Badger database rooted at dir.
func Open(dir string, logger *zap.Logger) (*Tier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Tier{db: db, logger: logger}, nil
}

// Close releases the underlying Badger database.
func (t *Tier) Close() error { return t.db.Close() }

// EjectCallback is wired into store.Setup / engine.WithEjectCallback:
// every item the slab allocator displaces is persisted here before its
// memory is repurposed, so a subsequent Lookup can still serve it.
func (t *Tier) EjectCallback(key, value []byte) {
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append([]byte(nil), key...), append([]byte(nil), value...))
	})
	if err != nil {
		t.logger.Error("l2 write-behind failed", zap.Error(err), zap.ByteString("key", key))
	}
}

// Lookup consults the overflow tier for a key the in-memory store has
// already reported as absent. pkg/engine.WithL2Lookup wires this in and
// promotes a hit back into the hot tier itself, coalescing concurrent
// misses on the same key through a singleflight.Group.
func (t *Tier) Lookup(key []byte) ([]byte, bool) {
	var val []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			val = append([]byte(nil), b...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return val, true
}

// KeyCount scans the overflow tier and returns how many keys it holds.
// It is O(n) and never called on the hot path.
func (t *Tier) KeyCount() uint64 {
	var n uint64
	_ = t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}
