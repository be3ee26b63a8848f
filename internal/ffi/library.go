//go:build linux || darwin

// Package ffi loads a native shared build of the library with purego, without
// cgo, and exposes it as a foreign.Module.
package ffi

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/types"
)

// DefaultName is the file name used when no path is configured.
func DefaultName() string {
	if runtime.GOOS == "darwin" {
		return "libopenssl_glue.dylib"
	}
	return "libopenssl_glue.so"
}

// Library is a dlopen'ed shared object. malloc and free are resolved from the
// same handle, so memory is exchanged with the allocator the library uses.
type Library struct {
	mu           sync.Mutex
	handle       uintptr
	path         string
	malloc, free uintptr
}

var _ foreign.Module = (*Library)(nil)

// Load opens the shared object at path.
func Load(path string) (foreign.Module, error) {
	return Open(path)
}

// Open opens the shared object at path.
func Open(path string) (*Library, error) {
	if path == "" {
		path = DefaultName()
	}
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}
	lib := &Library{handle: h, path: path}
	if lib.malloc, err = purego.Dlsym(h, "malloc"); err != nil {
		purego.Dlclose(h)
		return nil, foreign.MissingSymbol("malloc")
	}
	if lib.free, err = purego.Dlsym(h, "free"); err != nil {
		purego.Dlclose(h)
		return nil, foreign.MissingSymbol("free")
	}
	return lib, nil
}

func (l *Library) live() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return types.ErrClosed
	}
	return nil
}

func (l *Library) Allocate(_ context.Context, n uint32) (foreign.Ptr, error) {
	if err := l.live(); err != nil {
		return 0, err
	}
	r1, _, _ := purego.SyscallN(l.malloc, uintptr(n))
	if r1 == 0 {
		return 0, fmt.Errorf("%w: malloc(%d) returned null", types.ErrAllocation, n)
	}
	return foreign.Ptr(r1), nil
}

func (l *Library) Free(_ context.Context, ptr foreign.Ptr) error {
	if err := l.live(); err != nil {
		return err
	}
	purego.SyscallN(l.free, uintptr(ptr))
	return nil
}

// view aliases native memory; callers copy before returning it.
func view(ptr foreign.Ptr, n uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, fmt.Errorf("%w: null address", foreign.ErrOutOfBounds)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), n), nil
}

// Read copies n bytes at ptr. Native memory has no bounds, so ptr must come
// from this library.
func (l *Library) Read(ptr foreign.Ptr, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	v, err := view(ptr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

func (l *Library) Write(ptr foreign.Ptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	v, err := view(ptr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(v, data)
	return nil
}

func (l *Library) PointerSize() uint32 {
	return uint32(unsafe.Sizeof(uintptr(0)))
}

// Resolve binds an exported symbol. Native code carries no type information,
// so only presence is checked.
func (l *Library) Resolve(sig foreign.Signature) (foreign.Procedure, error) {
	if err := l.live(); err != nil {
		return nil, err
	}
	if err := sig.Validate(); err != nil {
		return nil, foreign.Mismatch(sig, err.Error())
	}
	addr, err := purego.Dlsym(l.handle, sig.Name)
	if err != nil || addr == 0 {
		return nil, foreign.MissingSymbol(sig.Name)
	}
	return &procedure{sig: sig, addr: addr}, nil
}

func (l *Library) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}

type procedure struct {
	sig  foreign.Signature
	addr uintptr
}

func (p *procedure) Signature() foreign.Signature { return p.sig }

func (p *procedure) Call(_ context.Context, args ...uint64) (uint64, error) {
	if len(args) != len(p.sig.Params) {
		return 0, fmt.Errorf("%s: %w", p.sig.Name, foreign.ErrArity)
	}
	native := make([]uintptr, len(args))
	for i, a := range args {
		native[i] = uintptr(a)
	}
	r1, _, _ := purego.SyscallN(p.addr, native...)
	switch p.sig.Result {
	case foreign.Void:
		return 0, nil
	case foreign.Int:
		// The upper half of the return register is undefined for a C int.
		return uint64(uint32(r1)), nil
	default:
		return uint64(r1), nil
	}
}
