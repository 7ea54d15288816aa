package payload

import (
	"sync"
	"sync/atomic"
)

// Buffer is a reference-counted handle to encoded bytes.
//
// Every handle (the original and each Clone) shares one backing array and
// must be released on its own. Releasing a handle twice is a no-op; releasing
// one handle never affects another. The backing bytes are dropped, and the
// free hook runs, when the last handle goes.
type Buffer struct {
	sh       *shared
	released atomic.Bool
}

type shared struct {
	mu     sync.RWMutex
	data   []byte
	refs   int32
	onFree func()
}

type BufferOption func(*shared)

// WithFree installs a hook that runs once, when the last handle is released.
func WithFree(fn func()) BufferOption {
	return func(s *shared) { s.onFree = fn }
}

// NewBuffer wraps data in a new handle. The buffer takes ownership of data;
// callers must not modify it afterwards.
func NewBuffer(data []byte, opts ...BufferOption) *Buffer {
	sh := &shared{data: data, refs: 1}
	for _, o := range opts {
		o(sh)
	}
	return &Buffer{sh: sh}
}

// Valid reports whether the handle is live and holds at least one byte.
func (b *Buffer) Valid() bool {
	if b == nil || b.released.Load() {
		return false
	}
	b.sh.mu.RLock()
	ok := b.sh.refs > 0 && len(b.sh.data) > 0
	b.sh.mu.RUnlock()
	return ok
}

// Bytes returns the shared bytes. The slice is only valid while the handle is
// held and must be treated as read-only.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.released.Load() {
		return nil
	}
	b.sh.mu.RLock()
	defer b.sh.mu.RUnlock()
	return b.sh.data
}

// Len returns the payload size in bytes (0 once released).
func (b *Buffer) Len() int { return len(b.Bytes()) }

// Refs returns the number of live handles sharing the backing bytes.
func (b *Buffer) Refs() int {
	if b == nil {
		return 0
	}
	b.sh.mu.RLock()
	defer b.sh.mu.RUnlock()
	return int(b.sh.refs)
}

// Clone returns a new handle to the same bytes, or nil if b was released.
func (b *Buffer) Clone() Payload {
	c := b.CloneBuffer()
	if c == nil {
		return nil
	}
	return c
}

// CloneBuffer is Clone with a concrete result type.
func (b *Buffer) CloneBuffer() *Buffer {
	if b == nil || b.released.Load() {
		return nil
	}
	b.sh.mu.Lock()
	defer b.sh.mu.Unlock()
	if b.sh.refs <= 0 {
		return nil
	}
	b.sh.refs++
	return &Buffer{sh: b.sh}
}

// Release drops this handle. Safe to call more than once.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	b.sh.mu.Lock()
	b.sh.refs--
	last := b.sh.refs == 0
	var onFree func()
	if last {
		b.sh.data = nil
		onFree = b.sh.onFree
	}
	b.sh.mu.Unlock()
	if onFree != nil {
		onFree()
	}
}

// Released reports whether this handle was released.
func (b *Buffer) Released() bool {
	return b == nil || b.released.Load()
}
