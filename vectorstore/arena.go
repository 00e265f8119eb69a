package vectorstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrCapacityExceeded is returned when an allocation would exceed the
	// configured hard capacity ceiling.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrReadOnly is returned by mutating operations on a read-only arena.
	ErrReadOnly = errors.New("store is read-only")
)

// Arena is a slot-indexed contiguous store for fixed-stride code blocks.
//
// Reads load the buffer pointer atomically and never block. Writes into
// existing slots hold a shared lock; growing the buffer takes the lock
// exclusively, copies into a fresh buffer and swaps the pointer. Old buffers
// are left to the garbage collector, which keeps slices returned by At valid
// across a concurrent grow.
type Arena struct {
	stride   int
	maxSlots int
	readonly bool

	mu  sync.RWMutex
	buf atomic.Pointer[[]byte]
	len atomic.Uint64 // slots in use
}

// NewArena creates an arena for code blocks of stride bytes. capacity is the
// initial slot count; maxSlots caps growth (0 means unbounded).
func NewArena(stride, capacity, maxSlots int) (*Arena, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("vectorstore: invalid stride %d", stride)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("vectorstore: invalid capacity %d", capacity)
	}
	if maxSlots > 0 && capacity > maxSlots {
		capacity = maxSlots
	}

	a := &Arena{stride: stride, maxSlots: maxSlots}
	buf := make([]byte, capacity*stride)
	a.buf.Store(&buf)
	return a, nil
}

// NewArenaFromBytes wraps an existing buffer holding n encoded vectors, for
// example a mapped snapshot section. The arena is read-only; Set and Grow
// return ErrReadOnly. The caller keeps ownership of buf.
func NewArenaFromBytes(stride, n int, buf []byte) (*Arena, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("vectorstore: invalid stride %d", stride)
	}
	if len(buf) < n*stride {
		return nil, fmt.Errorf("vectorstore: buffer holds %d bytes, need %d", len(buf), n*stride)
	}

	a := &Arena{stride: stride, readonly: true}
	a.buf.Store(&buf)
	a.len.Store(uint64(n))
	return a, nil
}

// Stride returns the code block size in bytes.
func (a *Arena) Stride() int { return a.stride }

// Len returns the number of slots in use.
func (a *Arena) Len() int { return int(a.len.Load()) }

// Capacity returns the number of slots the current buffer can hold.
func (a *Arena) Capacity() int {
	return len(*a.buf.Load()) / a.stride
}

// MaxSlots returns the hard growth ceiling, 0 when unbounded.
func (a *Arena) MaxSlots() int { return a.maxSlots }

// ReadOnly reports whether the arena rejects mutation.
func (a *Arena) ReadOnly() bool { return a.readonly }

// At returns the code block stored at slot. The returned slice aliases arena
// memory and remains valid even if the arena grows afterwards.
func (a *Arena) At(slot uint32) []byte {
	buf := *a.buf.Load()
	off := int(slot) * a.stride
	return buf[off : off+a.stride : off+a.stride]
}

// Set copies code into slot, growing the arena if the slot lies beyond the
// current capacity. Slots at or past Len extend the in-use count.
func (a *Arena) Set(slot uint32, code []byte) error {
	if a.readonly {
		return ErrReadOnly
	}
	if len(code) != a.stride {
		return fmt.Errorf("vectorstore: code block is %d bytes, want %d", len(code), a.stride)
	}

	if int(slot) >= a.Capacity() {
		if err := a.grow(int(slot) + 1); err != nil {
			return err
		}
	}

	a.mu.RLock()
	buf := *a.buf.Load()
	copy(buf[int(slot)*a.stride:], code)
	a.mu.RUnlock()

	for {
		cur := a.len.Load()
		if uint64(slot) < cur {
			return nil
		}
		if a.len.CompareAndSwap(cur, uint64(slot)+1) {
			return nil
		}
	}
}

// Reserve grows the arena so that at least n slots fit without further
// reallocation.
func (a *Arena) Reserve(n int) error {
	if a.readonly {
		return ErrReadOnly
	}
	if n <= a.Capacity() {
		return nil
	}
	return a.grow(n)
}

func (a *Arena) grow(minSlots int) error {
	if a.maxSlots > 0 && minSlots > a.maxSlots {
		return fmt.Errorf("vectorstore: %d slots requested, ceiling is %d: %w", minSlots, a.maxSlots, ErrCapacityExceeded)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	old := *a.buf.Load()
	if minSlots*a.stride <= len(old) {
		return nil
	}

	capSlots := len(old) / a.stride
	if capSlots == 0 {
		capSlots = 1
	}
	for capSlots < minSlots {
		capSlots *= 2
	}
	if a.maxSlots > 0 && capSlots > a.maxSlots {
		capSlots = a.maxSlots
	}

	buf := make([]byte, capSlots*a.stride)
	copy(buf, old)
	a.buf.Store(&buf)
	return nil
}

// Bytes returns the in-use prefix of the underlying buffer. The slice aliases
// arena memory; callers must not mutate it.
func (a *Arena) Bytes() []byte {
	buf := *a.buf.Load()
	return buf[:a.Len()*a.stride]
}
