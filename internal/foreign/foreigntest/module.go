// Package foreigntest provides an in-process stand-in for the sandboxed OpenSSL
// build. It exposes the same export table over a private linear memory, backed by
// Go's crypto packages, and counts every allocation and foreign object so tests
// can prove that nothing leaks.
package foreigntest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/types"
)

const (
	versionAddr  = 1024
	errorAddr    = 2048
	errorBufSize = 256
	heapBase     = 64 * 1024
	// MaxMemory caps the linear memory; allocations beyond it return null.
	MaxMemory = 64 * 1024 * 1024

	objectBase = 0x8000_0000
	objectStep = 16
	staticBase = 0x7000_0000
)

// Version is the text returned by openssl_version.
const Version = "OpenSSL 3.1.4 24 Oct 2023"

type export struct {
	sig  foreign.Signature
	fail uint64
	fn   func(args []uint64) (uint64, error)
	// consumes marks exports that free their first argument whatever they
	// return, so injected failures free it too.
	consumes bool
}

type object struct {
	value any
	refs  int
}

// Module emulates one loaded instance of the library. The zero value is not
// usable; call New.
type Module struct {
	mu sync.Mutex

	mem  []byte
	heap map[foreign.Ptr]uint32
	next foreign.Ptr

	objects map[foreign.Ptr]*object
	nextObj foreign.Ptr

	errs    []string
	exports map[string]*export

	missing    map[string]bool
	failNext   map[string]int
	trapNext   map[string]int
	calls      map[string]int
	allocLimit int // remaining successful allocations, -1 for unlimited

	badFrees    int
	initialized bool
	cleanedUp   bool
	closed      bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

var _ foreign.Module = (*Module)(nil)

// New returns a fresh module with the complete export table.
func New() *Module {
	m := &Module{
		mem:        make([]byte, heapBase),
		heap:       make(map[foreign.Ptr]uint32),
		next:       heapBase,
		objects:    make(map[foreign.Ptr]*object),
		nextObj:    objectBase,
		missing:    make(map[string]bool),
		failNext:   make(map[string]int),
		trapNext:   make(map[string]int),
		calls:      make(map[string]int),
		allocLimit: -1,
	}
	copy(m.mem[versionAddr:], Version)
	m.exports = m.glue()
	return m
}

// Without removes an export, as if the binary had been built without it.
func (m *Module) Without(symbols ...string) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		m.missing[s] = true
	}
	return m
}

// FailAllocationsAfter lets the next n allocations succeed and fails every one
// after that, including allocations the library makes internally. A negative n
// removes the limit.
func (m *Module) FailAllocationsAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocLimit = n
}

// FailNext makes the next call to symbol report failure and queue a diagnostic.
func (m *Module) FailNext(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[symbol]++
}

// TrapNext makes the next call to symbol trap.
func (m *Module) TrapNext(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trapNext[symbol]++
}

// Allocated returns the number of live heap allocations, counting both caller
// buffers and memory the library holds internally.
func (m *Module) Allocated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

// LiveObjects returns the number of live opaque objects.
func (m *Module) LiveObjects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// BadFrees returns how many frees named memory or objects that were not live.
func (m *Module) BadFrees() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.badFrees
}

// Calls returns how many times symbol was called. Allocations count as "malloc"
// and "free".
func (m *Module) Calls(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[symbol]
}

// TotalCalls returns the number of calls across every export.
func (m *Module) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// MaxInFlight returns the highest number of calls that were ever executing at
// the same time.
func (m *Module) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

// PendingErrors returns a copy of the error queue.
func (m *Module) PendingErrors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errs...)
}

// CleanedUp reports whether openssl_cleanup ran.
func (m *Module) CleanedUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanedUp
}

func (m *Module) enter() func() {
	n := m.inFlight.Add(1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { m.inFlight.Add(-1) }
}

func (m *Module) Allocate(_ context.Context, n uint32) (foreign.Ptr, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, types.ErrClosed
	}
	m.calls["malloc"]++
	ptr := m.malloc(n)
	if ptr == 0 {
		return 0, fmt.Errorf("%w: malloc(%d) returned null", types.ErrAllocation, n)
	}
	return ptr, nil
}

func (m *Module) Free(_ context.Context, ptr foreign.Ptr) error {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.ErrClosed
	}
	m.calls["free"]++
	return m.free(ptr)
}

func (m *Module) Read(ptr foreign.Ptr, n uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := m.read(ptr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (m *Module) Write(ptr foreign.Ptr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(ptr, data)
}

func (m *Module) PointerSize() uint32 { return 4 }

func (m *Module) Resolve(sig foreign.Signature) (foreign.Procedure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.exports[sig.Name]
	if !ok || m.missing[sig.Name] {
		return nil, foreign.MissingSymbol(sig.Name)
	}
	if exp.sig.Result != sig.Result || len(exp.sig.Params) != len(sig.Params) {
		return nil, foreign.Mismatch(sig, "exported as "+exp.sig.String())
	}
	for i := range sig.Params {
		if exp.sig.Params[i] != sig.Params[i] {
			return nil, foreign.Mismatch(sig, "exported as "+exp.sig.String())
		}
	}
	return &procedure{m: m, exp: exp}, nil
}

func (m *Module) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type procedure struct {
	m   *Module
	exp *export
}

func (p *procedure) Signature() foreign.Signature { return p.exp.sig }

func (p *procedure) Call(_ context.Context, args ...uint64) (uint64, error) {
	m := p.m
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	name := p.exp.sig.Name
	if m.closed {
		return 0, types.ErrClosed
	}
	if len(args) != len(p.exp.sig.Params) {
		return 0, fmt.Errorf("%s: %w", name, foreign.ErrArity)
	}
	m.calls[name]++
	if m.trapNext[name] > 0 {
		m.trapNext[name]--
		return 0, fmt.Errorf("%w: %s: unreachable", types.ErrTrap, name)
	}
	if m.failNext[name] > 0 && p.exp.sig.Result != foreign.Void {
		m.failNext[name]--
		m.pushError("error:0A000044:injected routines::" + name + " failure")
		if p.exp.consumes {
			if _, ok := m.lookup(foreign.Ptr(args[0])); ok {
				m.release(foreign.Ptr(args[0]))
			}
		}
		return p.exp.fail, nil
	}
	return p.exp.fn(args)
}

// Linear memory helpers. All of them expect m.mu to be held.

func (m *Module) malloc(n uint32) foreign.Ptr {
	if m.allocLimit == 0 {
		return 0
	}
	if len(m.heap) == 0 {
		m.next = heapBase
	}
	size := (uint64(max(n, 1)) + 7) &^ 7
	end := uint64(m.next) + size
	if end > MaxMemory {
		return 0
	}
	if end > uint64(len(m.mem)) {
		grown := make([]byte, max(end, uint64(len(m.mem))*2))
		copy(grown, m.mem)
		m.mem = grown
	}
	ptr := m.next
	clear(m.mem[ptr:end])
	m.next = foreign.Ptr(end)
	m.heap[ptr] = n
	if m.allocLimit > 0 {
		m.allocLimit--
	}
	return ptr
}

func (m *Module) free(ptr foreign.Ptr) error {
	if ptr == 0 {
		return nil
	}
	if _, ok := m.heap[ptr]; !ok {
		m.badFrees++
		return fmt.Errorf("free of unallocated pointer 0x%x", ptr)
	}
	delete(m.heap, ptr)
	return nil
}

func (m *Module) read(ptr foreign.Ptr, n uint32) ([]byte, error) {
	end := uint64(ptr) + uint64(n)
	if ptr == 0 || end > uint64(len(m.mem)) {
		return nil, fmt.Errorf("%w: read 0x%x+%d", foreign.ErrOutOfBounds, ptr, n)
	}
	return m.mem[ptr:end], nil
}

func (m *Module) write(ptr foreign.Ptr, data []byte) error {
	end := uint64(ptr) + uint64(len(data))
	if ptr == 0 || end > uint64(len(m.mem)) {
		return fmt.Errorf("%w: write 0x%x+%d", foreign.ErrOutOfBounds, ptr, len(data))
	}
	copy(m.mem[ptr:end], data)
	return nil
}

func (m *Module) writeUint32(ptr foreign.Ptr, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return m.write(ptr, buf[:])
}

func (m *Module) pushError(s string) {
	m.errs = append(m.errs, s)
}

func (m *Module) newObject(v any) foreign.Ptr {
	ptr := m.nextObj
	m.nextObj += objectStep
	m.objects[ptr] = &object{value: v, refs: 1}
	return ptr
}

func (m *Module) lookup(ptr foreign.Ptr) (any, bool) {
	obj, ok := m.objects[ptr]
	if !ok {
		return nil, false
	}
	return obj.value, true
}

func (m *Module) retain(ptr foreign.Ptr) {
	if obj, ok := m.objects[ptr]; ok {
		obj.refs++
	}
}

// release drops one reference and runs the value's cleanup when none remain.
func (m *Module) release(ptr foreign.Ptr) {
	if ptr == 0 {
		return
	}
	obj, ok := m.objects[ptr]
	if !ok {
		m.badFrees++
		return
	}
	obj.refs--
	if obj.refs > 0 {
		return
	}
	delete(m.objects, ptr)
	if c, ok := obj.value.(interface{ cleanup(m *Module) }); ok {
		c.cleanup(m)
	}
}

func trap(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrTrap, name, err)
}
