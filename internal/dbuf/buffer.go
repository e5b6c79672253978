// Package dbuf implements the growable byte buffer the protocol codecs read
// and write through. It has no notion of sockets or framing; it is a
// contiguous array with a read cursor and a write cursor, doubled on demand
// up to a configured cap (§4.5).
//
// © 2025 twemcached authors. MIT License.
package dbuf

import "errors"

// ErrCapExceeded is returned by Reserve and Double when growth would exceed the
// buffer's configured maximum size.
var ErrCapExceeded = errors.New("dbuf: growth would exceed max_size")

// Buffer is a linear read/write byte buffer with independent cursors. Bytes
// in [rpos, wpos) are unread payload; bytes in [wpos, len(data)) are free
// space available for writes. Cursors are preserved across growth.
type Buffer struct {
	data     []byte
	rpos     int
	wpos     int
	initSize int
	maxSize  int
}

// New allocates a Buffer with the given initial size and a maximum size of
// initSize<<maxPower: a hard cap derived from a small tunable rather than
// unbounded growth.
func New(initSize int, maxPower uint) *Buffer {
	if initSize <= 0 {
		initSize = 1024
	}
	return &Buffer{
		data:     make([]byte, initSize),
		initSize: initSize,
		maxSize:  initSize << maxPower,
	}
}

// RPos returns the current read cursor.
func (b *Buffer) RPos() int { return b.rpos }

// WPos returns the current write cursor.
func (b *Buffer) WPos() int { return b.wpos }

// SetRPos rewinds or advances the read cursor, e.g. to restore position on
// an INVALID result (§4.4.1).
func (b *Buffer) SetRPos(p int) { b.rpos = p }

// Unread returns the slice of bytes not yet consumed by the reader.
func (b *Buffer) Unread() []byte { return b.data[b.rpos:b.wpos] }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.wpos - b.rpos }

// Free returns the number of bytes available for writing without growing.
func (b *Buffer) Free() int { return len(b.data) - b.wpos }

// Advance moves the read cursor forward by n bytes. Panics if that would
// pass wpos; callers only ever advance over bytes they just inspected.
func (b *Buffer) Advance(n int) {
	if b.rpos+n > b.wpos {
		panic("dbuf: advance past write cursor")
	}
	b.rpos += n
}

// WriteSlice appends p to the buffer, growing first if necessary.
func (b *Buffer) WriteSlice(p []byte) (int, error) {
	if err := b.Reserve(len(p)); err != nil {
		return 0, err
	}
	n := copy(b.data[b.wpos:], p)
	b.wpos += n
	return n, nil
}

// Reserve ensures at least n free bytes follow wpos, growing through fit
// (dbuf_fit) when the free space is short.
func (b *Buffer) Reserve(n int) error {
	if b.Free() >= n {
		return nil
	}
	return b.fit(b.wpos + n)
}

// Double grows the backing array to twice its current size, capped at
// maxSize. Returns ErrCapExceeded if already at the cap.
func (b *Buffer) Double() error {
	if len(b.data) >= b.maxSize {
		return ErrCapExceeded
	}
	newSize := len(b.data) * 2
	if newSize > b.maxSize {
		newSize = b.maxSize
	}
	b.grow(newSize)
	return nil
}

// fit doubles the current capacity until it is >= want and grows to that
// size, or returns ErrCapExceeded if that exceeds maxSize (dbuf_fit).
func (b *Buffer) fit(want int) error {
	size := len(b.data)
	for size < want {
		size *= 2
	}
	if size > b.maxSize {
		return ErrCapExceeded
	}
	b.grow(size)
	return nil
}

func (b *Buffer) grow(newSize int) {
	nd := make([]byte, newSize)
	copy(nd, b.data[:b.wpos])
	b.data = nd
}

// Shrink returns the buffer to its initial size, discarding any unread data,
// which bounds long-lived idle memory (dbuf_shrink).
func (b *Buffer) Shrink() {
	if len(b.data) <= b.initSize {
		b.Reset()
		return
	}
	b.data = make([]byte, b.initSize)
	b.rpos, b.wpos = 0, 0
}

// Reset rewinds both cursors to the start, discarding unread bytes without
// reallocating, e.g. for a connection that closes mid-parse (§5,
// Cancellation).
func (b *Buffer) Reset() {
	b.rpos, b.wpos = 0, 0
}

// Compact slides unread bytes down to offset 0, reclaiming space consumed
// by already-parsed requests. The event loop calls this before reading more
// bytes off the socket so growth is driven by genuinely unread data.
func (b *Buffer) Compact() {
	if b.rpos == 0 {
		return
	}
	n := copy(b.data, b.data[b.rpos:b.wpos])
	b.wpos = n
	b.rpos = 0
}

// WriteArea returns the free region following wpos for a direct read(2)-style
// fill, along with Commit to register how much was actually written.
func (b *Buffer) WriteArea() []byte { return b.data[b.wpos:] }

// Commit advances wpos by n bytes just written into WriteArea's slice.
func (b *Buffer) Commit(n int) { b.wpos += n }
