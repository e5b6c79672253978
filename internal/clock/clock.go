// Package clock provides the coarse, syscall-free time source shared by the
// storage engine. Time advances in whole seconds and is read far more often
// than it is written: every item touch calls Now(), while only the event
// loop's ticker (or a test) calls Tick().
//
// © 2025 twemcached authors. MIT License.
package clock

import (
	"math"
	"sync/atomic"
	"time"
)

// absoluteThreshold is the boundary the original memcached protocol uses to
// decide whether a client-supplied expiry is an absolute Unix timestamp or a
// relative offset in seconds. Values at or above this are treated as epoch
// time; values below are offsets added to the current time (§4.6).
const absoluteThreshold = 60 * 60 * 24 * 30 // 30 days, in seconds

// noFlush is the flushAt sentinel meaning "flush_all has never been issued".
// It must stay clear of every real watermark SetFlush can stamp, including
// 0 itself (a flush_all issued before the first Tick advances the clock
// past its start), so it is pinned well below any value Now() can ever
// produce rather than reusing 0.
const noFlush = math.MinInt64

// Source is a process-wide monotonic clock counting whole seconds since it
// was started. It is safe for concurrent use: Now is lock-free, Tick and
// SetFlush use atomics, matching the single-writer/many-reader model in
// §5 ("flush_at ... single-writer worker; atomic read for the admin
// reader").
type Source struct {
	start    time.Time
	relative atomic.Int64 // seconds elapsed since start, updated by Tick
	flushAt  atomic.Int64 // watermark; items created at-or-before this are flushed; noFlush if never set
}

// New creates a Source anchored at the current wall-clock time.
func New() *Source {
	s := &Source{start: time.Now()}
	s.flushAt.Store(noFlush)
	return s
}

// Now returns the current coarse time in whole seconds since the Source was
// created. It never performs a syscall; callers must drive it with Tick.
func (s *Source) Now() int64 {
	return s.relative.Load()
}

// Tick advances the clock to the number of whole seconds elapsed since
// start. The event loop is expected to call this once per iteration (or a
// ticker goroutine once per second); it is idempotent within the same
// second.
func (s *Source) Tick() int64 {
	n := int64(time.Since(s.start) / time.Second)
	s.relative.Store(n)
	return n
}

// Flush returns the current flush_at watermark.
func (s *Source) Flush() int64 {
	return s.flushAt.Load()
}

// SetFlush stamps the flush watermark to the clock's current time, making
// every item created at or before this instant — including one created in
// the same coarse second the flush itself lands in — expire on its next
// access (§4.3.1). Returns the stamped watermark.
func (s *Source) SetFlush() int64 {
	watermark := s.Now()
	s.flushAt.Store(watermark)
	return watermark
}

// Normalize resolves a client-supplied expiry into an absolute point on this
// Source's timeline. Two interpretations are supported per §4.6: values at
// or above absoluteThreshold are epoch seconds; smaller values are relative
// offsets added to the clock's current time, Now(). A zero input means "never
// expires" and is passed through unchanged.
func (s *Source) Normalize(expire int64) int64 {
	if expire <= 0 {
		return 0
	}
	if expire < absoluteThreshold {
		return s.Now() + expire
	}
	// Absolute Unix timestamp: rebase onto the Source's relative timeline.
	return expire - s.start.Unix()
}

// Expired reports whether an item with the given expireAt/createAt pair is
// logically expired, per the predicate in §4.3.1:
//
//	expired(it) := (expire_at > 0 ∧ expire_at < now()) ∨ (create_at ≤ flush_at)
//
// The flush_at arm only applies once SetFlush has actually been called;
// flushAt's zero-value would otherwise equal the createAt of any item
// stamped before the first Tick and report it expired before its first
// item_get.
func (s *Source) Expired(expireAt, createAt int64) bool {
	now := s.Now()
	if expireAt > 0 && expireAt < now {
		return true
	}
	flushAt := s.flushAt.Load()
	return flushAt != noFlush && createAt <= flushAt
}
