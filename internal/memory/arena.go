// Package memory tracks every lease a caller holds on foreign memory so that each
// one is released exactly once.
package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
)

// Buffer describes a leased range of foreign memory.
type Buffer struct {
	Ptr foreign.Ptr
	Len uint32
}

// lease is a live entry in the arena. Kind is empty for buffers and names the
// object type otherwise.
type lease struct {
	ptr  foreign.Ptr
	size uint32
	kind string
}

func lessLease(a, b lease) bool { return a.ptr < b.ptr }

// Stats counts arena activity since creation.
type Stats struct {
	Allocations uint64
	Adoptions   uint64
	Frees       uint64
	LiveBuffers int
	LiveObjects int
}

// Arena hands out buffers from a foreign module and records every live buffer and
// opaque foreign object, so releases can be checked against what is actually owned.
type Arena struct {
	mu      sync.Mutex
	module  foreign.Module
	buffers *btree.BTreeG[lease]
	objects *btree.BTreeG[lease]
	stats   Stats
}

// NewArena creates an arena over the given module.
func NewArena(module foreign.Module) *Arena {
	return &Arena{
		module:  module,
		buffers: btree.NewG(16, lessLease),
		objects: btree.NewG(16, lessLease),
	}
}

// Module returns the underlying foreign module.
func (a *Arena) Module() foreign.Module {
	return a.module
}

// Allocate leases n bytes of foreign memory.
func (a *Arena) Allocate(ctx context.Context, n uint32) (Buffer, error) {
	if n == 0 {
		return Buffer{}, ErrInvalidSize
	}
	ptr, err := a.module.Allocate(ctx, n)
	if err != nil {
		return Buffer{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.buffers.Get(lease{ptr: ptr}); ok {
		return Buffer{}, fmt.Errorf("%w: 0x%x", ErrAliasedLease, ptr)
	}
	a.buffers.ReplaceOrInsert(lease{ptr: ptr, size: n})
	a.stats.Allocations++
	return Buffer{Ptr: ptr, Len: n}, nil
}

// Adopt takes ownership of n bytes the foreign side allocated on the caller's behalf.
func (a *Arena) Adopt(ptr foreign.Ptr, n uint32) (Buffer, error) {
	if ptr == 0 {
		return Buffer{}, ErrNullPointer
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.buffers.Get(lease{ptr: ptr}); ok {
		return Buffer{}, fmt.Errorf("%w: 0x%x", ErrAliasedLease, ptr)
	}
	a.buffers.ReplaceOrInsert(lease{ptr: ptr, size: n})
	a.stats.Adoptions++
	return Buffer{Ptr: ptr, Len: n}, nil
}

// Free releases a buffer. A buffer that is not live is refused without touching
// the foreign heap. The lease is dropped even when the foreign free fails, so a
// release is never retried.
func (a *Arena) Free(ctx context.Context, b Buffer) error {
	a.mu.Lock()
	_, ok := a.buffers.Delete(lease{ptr: b.Ptr})
	if ok {
		a.stats.Frees++
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrDoubleFree, b.Ptr)
	}
	return a.module.Free(ctx, b.Ptr)
}

// Track records ownership of an opaque foreign object.
func (a *Arena) Track(ptr foreign.Ptr, kind string) error {
	if ptr == 0 {
		return ErrNullPointer
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.objects.Get(lease{ptr: ptr}); ok {
		return fmt.Errorf("%w: %s 0x%x", ErrAliasedLease, kind, ptr)
	}
	a.objects.ReplaceOrInsert(lease{ptr: ptr, kind: kind})
	return nil
}

// Untrack drops ownership of an opaque foreign object, either because it was
// released or because ownership moved into the foreign side.
func (a *Arena) Untrack(ptr foreign.Ptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.objects.Delete(lease{ptr: ptr}); !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownObject, ptr)
	}
	return nil
}

// Outstanding returns the number of live buffers and objects.
func (a *Arena) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffers.Len() + a.objects.Len()
}

// Stats returns a snapshot of the arena counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.LiveBuffers = a.buffers.Len()
	s.LiveObjects = a.objects.Len()
	return s
}

// Leaks describes every live lease, lowest address first.
func (a *Arena) Leaks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	a.buffers.Ascend(func(l lease) bool {
		out = append(out, fmt.Sprintf("buffer 0x%x (%d bytes)", l.ptr, l.size))
		return true
	})
	a.objects.Ascend(func(l lease) bool {
		out = append(out, fmt.Sprintf("%s 0x%x", l.kind, l.ptr))
		return true
	})
	return out
}

// check verifies that [off, off+n) lies inside the live buffer b.
func (a *Arena) check(b Buffer, off, n uint32) error {
	if uint64(off)+uint64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: offset=%d, length=%d overflows", ErrInvalidMemoryAccess, off, n)
	}
	a.mu.Lock()
	l, ok := a.buffers.Get(lease{ptr: b.Ptr})
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: buffer 0x%x is not live", ErrInvalidMemoryAccess, b.Ptr)
	}
	if off+n > l.size {
		return fmt.Errorf("%w: offset=%d, length=%d, capacity=%d", ErrInvalidMemoryAccess, off, n, l.size)
	}
	return nil
}

// Read copies n bytes starting at off within buffer b.
func (a *Arena) Read(b Buffer, off, n uint32) ([]byte, error) {
	if err := a.check(b, off, n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	return a.module.Read(b.Ptr+foreign.Ptr(off), n)
}

// Write copies data into buffer b starting at off.
func (a *Arena) Write(b Buffer, off uint32, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidMemoryAccess, len(data))
	}
	if err := a.check(b, off, uint32(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return a.module.Write(b.Ptr+foreign.Ptr(off), data)
}

// ReadUint32 reads a little-endian uint32 from the start of b.
func (a *Arena) ReadUint32(b Buffer) (uint32, error) {
	data, err := a.Read(b, 0, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// WriteUint32 writes a little-endian uint32 to the start of b.
func (a *Arena) WriteUint32(b Buffer, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return a.Write(b, 0, buf)
}

// ReadPointer reads a foreign address written into b by a foreign procedure.
func (a *Arena) ReadPointer(b Buffer) (foreign.Ptr, error) {
	size := a.module.PointerSize()
	data, err := a.Read(b, 0, size)
	if err != nil {
		return 0, err
	}
	if size == 8 {
		return foreign.Ptr(binary.LittleEndian.Uint64(data)), nil
	}
	return foreign.Ptr(binary.LittleEndian.Uint32(data)), nil
}
