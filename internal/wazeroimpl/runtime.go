// Package wazeroimpl loads the WebAssembly build of the library into a wazero
// runtime and exposes it as a foreign.Module.
package wazeroimpl

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/types"
)

// Options configures a Runtime.
type Options struct {
	// MemoryLimit caps the linear memory of every instance.
	MemoryLimit types.Size
	// CacheDir, when set, holds compiled code across processes. The directory
	// is locked exclusively while the runtime is open.
	CacheDir string
	Logger   zerolog.Logger
}

// Runtime manages a wazero runtime, compiled modules and the cache directory lock.
type Runtime struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	modules map[types.Checksum]wazero.CompiledModule
	// lockfile holds the exclusive lock on the cache directory
	lockfile *os.File
	logger   zerolog.Logger
}

// NewRuntime creates a runtime with WASI and the host functions Emscripten
// builds import.
func NewRuntime(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.MemoryLimit.Bytes() == 0 {
		opts.MemoryLimit = types.DefaultMemoryLimit
	}
	r := &Runtime{
		modules: make(map[types.Checksum]wazero.CompiledModule),
		logger:  opts.Logger.With().Str("component", "wazero").Logger(),
	}
	rc := wazero.NewRuntimeConfig().WithMemoryLimitPages(opts.MemoryLimit.Pages())
	if dir := opts.CacheDir; dir != "" {
		if strings.Contains(dir, ":") && runtime.GOOS != "windows" {
			return nil, fmt.Errorf("invalid cache directory: %s", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create cache directory: %w", err)
		}
		lf, err := lockDir(dir)
		if err != nil {
			return nil, err
		}
		r.lockfile = lf
		cache, err := wazero.NewCompilationCacheWithDir(filepath.Join(dir, "wazero"))
		if err != nil {
			lf.Close()
			return nil, fmt.Errorf("could not open compilation cache: %w", err)
		}
		r.cache = cache
		rc = rc.WithCompilationCache(cache)
	}
	r.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.runtime); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := r.registerHost(ctx); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate env module: %w", err)
	}
	r.logger.Debug().Uint32("memory_pages", opts.MemoryLimit.Pages()).Str("cache_dir", opts.CacheDir).Msg("runtime ready")
	return r, nil
}

// registerHost builds the env module. Memory growth notifications are the only
// import an Emscripten standalone build needs beyond WASI.
func (r *Runtime) registerHost(ctx context.Context) error {
	_, err := r.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, index uint32) {
		r.logger.Debug().Uint32("memory_index", index).Msg("linear memory grew")
	}).Export("emscripten_notify_memory_growth").
		Instantiate(ctx)
	return err
}

// Compile stores a compiled module under its checksum.
func (r *Runtime) Compile(ctx context.Context, code []byte) (types.Checksum, error) {
	checksum := types.ComputeChecksum(code)
	if _, ok := r.modules[checksum]; ok {
		return checksum, nil
	}
	compiled, err := r.runtime.CompileModule(ctx, code)
	if err != nil {
		return types.Checksum{}, fmt.Errorf("failed to compile module: %w", err)
	}
	r.modules[checksum] = compiled
	r.logger.Debug().Stringer("checksum", checksum).Msg("module compiled")
	return checksum, nil
}

// Instantiate creates a new instance of a compiled module.
func (r *Runtime) Instantiate(ctx context.Context, checksum types.Checksum) (*Module, error) {
	compiled, ok := r.modules[checksum]
	if !ok {
		return nil, fmt.Errorf("module %s not compiled", checksum)
	}
	cfg := wazero.NewModuleConfig().
		WithName("openssl-" + checksum.String()[:12]).
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime().
		WithStartFunctions("_initialize")
	mod, err := r.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	m := &Module{module: mod, memory: mod.Memory()}
	if m.memory == nil {
		mod.Close(ctx)
		return nil, errors.New("module does not export a memory")
	}
	var errs []error
	if m.malloc, err = m.export("malloc", foreign.Sig("malloc", foreign.Offset, foreign.Length)); err != nil {
		errs = append(errs, err)
	}
	if m.free, err = m.export("free", foreign.Sig("free", foreign.Void, foreign.Offset)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		mod.Close(ctx)
		return nil, err
	}
	return m, nil
}

// Close releases the runtime, the compilation cache and the directory lock.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.runtime != nil {
		errs = append(errs, r.runtime.Close(ctx))
	}
	if r.cache != nil {
		errs = append(errs, r.cache.Close(ctx))
	}
	if r.lockfile != nil {
		errs = append(errs, r.lockfile.Close())
	}
	return errors.Join(errs...)
}

// Load compiles and instantiates code in a runtime of its own. Closing the
// returned module closes the runtime too.
func Load(ctx context.Context, code []byte, opts Options) (*Module, error) {
	r, err := NewRuntime(ctx, opts)
	if err != nil {
		return nil, err
	}
	checksum, err := r.Compile(ctx, code)
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	mod, err := r.Instantiate(ctx, checksum)
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	mod.owner = r
	return mod, nil
}

// Module is one instance of the library inside a wazero runtime.
type Module struct {
	module       api.Module
	memory       api.Memory
	malloc, free *procedure
	owner        *Runtime
}

var _ foreign.Module = (*Module)(nil)

func (m *Module) Allocate(ctx context.Context, n uint32) (foreign.Ptr, error) {
	raw, err := m.malloc.Call(ctx, uint64(n))
	if err != nil {
		return 0, err
	}
	if raw == 0 {
		return 0, fmt.Errorf("%w: malloc(%d) returned null", types.ErrAllocation, n)
	}
	return foreign.Ptr(raw), nil
}

func (m *Module) Free(ctx context.Context, ptr foreign.Ptr) error {
	_, err := m.free.Call(ctx, uint64(ptr))
	return err
}

func (m *Module) Read(ptr foreign.Ptr, n uint32) ([]byte, error) {
	if ptr > math.MaxUint32 {
		return nil, fmt.Errorf("%w: read 0x%x+%d", foreign.ErrOutOfBounds, ptr, n)
	}
	view, ok := m.memory.Read(uint32(ptr), n)
	if !ok {
		return nil, fmt.Errorf("%w: read 0x%x+%d, memory size %d", foreign.ErrOutOfBounds, ptr, n, m.memory.Size())
	}
	// The view aliases linear memory, which the next call may change or grow.
	return append([]byte(nil), view...), nil
}

func (m *Module) Write(ptr foreign.Ptr, data []byte) error {
	if ptr > math.MaxUint32 || !m.memory.Write(uint32(ptr), data) {
		return fmt.Errorf("%w: write 0x%x+%d, memory size %d", foreign.ErrOutOfBounds, ptr, len(data), m.memory.Size())
	}
	return nil
}

func (m *Module) PointerSize() uint32 { return 4 }

// Resolve binds an export after checking its Wasm type. Every non-void kind is
// an i32 on wasm32.
func (m *Module) Resolve(sig foreign.Signature) (foreign.Procedure, error) {
	return m.export(sig.Name, sig)
}

func (m *Module) export(name string, sig foreign.Signature) (*procedure, error) {
	fn := m.module.ExportedFunction(name)
	if fn == nil {
		return nil, foreign.MissingSymbol(name)
	}
	def := fn.Definition()
	params, results := def.ParamTypes(), def.ResultTypes()
	if len(params) != len(sig.Params) {
		return nil, foreign.Mismatch(sig, fmt.Sprintf("export takes %d parameters", len(params)))
	}
	for i, p := range params {
		if p != api.ValueTypeI32 {
			return nil, foreign.Mismatch(sig, fmt.Sprintf("parameter %d is %s", i, api.ValueTypeName(p)))
		}
	}
	switch {
	case sig.Result == foreign.Void && len(results) != 0:
		return nil, foreign.Mismatch(sig, "export returns a value")
	case sig.Result != foreign.Void && (len(results) != 1 || results[0] != api.ValueTypeI32):
		return nil, foreign.Mismatch(sig, fmt.Sprintf("export returns %d values", len(results)))
	}
	return &procedure{sig: sig, fn: fn}, nil
}

// Close closes the instance, and the runtime when the module owns it.
func (m *Module) Close(ctx context.Context) error {
	err := m.module.Close(ctx)
	if m.owner != nil {
		err = errors.Join(err, m.owner.Close(ctx))
	}
	return err
}

type procedure struct {
	sig foreign.Signature
	fn  api.Function
}

func (p *procedure) Signature() foreign.Signature { return p.sig }

func (p *procedure) Call(ctx context.Context, args ...uint64) (uint64, error) {
	if len(args) != len(p.sig.Params) {
		return 0, fmt.Errorf("%s: %w", p.sig.Name, foreign.ErrArity)
	}
	results, err := p.fn.Call(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", types.ErrTrap, p.sig.Name, err)
	}
	if p.sig.Result == foreign.Void || len(results) == 0 {
		return 0, nil
	}
	return uint64(uint32(results[0])), nil
}
