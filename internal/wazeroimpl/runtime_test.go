package wazeroimpl

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/types"
)

// The helpers below assemble a tiny module by hand. Every section is shorter
// than 128 bytes, so all sizes fit in a single LEB128 byte.

func vec(items ...[]byte) []byte {
	out := []byte{byte(len(items))}
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, body []byte) []byte {
	if len(body) >= 128 {
		panic("section too large for single-byte length")
	}
	return append([]byte{id, byte(len(body))}, body...)
}

func name(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func body(code ...byte) []byte {
	b := append([]byte{0x00}, code...) // no locals
	return append([]byte{byte(len(b))}, b...)
}

const (
	i32 = 0x7f
	i64 = 0x7e
)

// testModule exports memory, a malloc that returns 1024 for requests up to
// 4096 bytes and null otherwise, a no-op free, add(i32, i32) i32,
// wide() i64 and boom(), which traps.
func testModule() []byte {
	typeSec := section(1, vec(
		[]byte{0x60, 1, i32, 1, i32},
		[]byte{0x60, 1, i32, 0},
		[]byte{0x60, 2, i32, i32, 1, i32},
		[]byte{0x60, 0, 1, i64},
		[]byte{0x60, 0, 0},
	))
	funcs := section(3, vec([]byte{0}, []byte{1}, []byte{2}, []byte{3}, []byte{4}))
	memory := section(5, vec([]byte{0x00, 0x01}))
	exports := section(7, vec(
		append(name("memory"), 0x02, 0),
		append(name("malloc"), 0x00, 0),
		append(name("free"), 0x00, 1),
		append(name("add"), 0x00, 2),
		append(name("wide"), 0x00, 3),
		append(name("boom"), 0x00, 4),
	))
	code := section(10, vec(
		// local.get 0; i32.const 4096; i32.gt_u; if (result i32) i32.const 0 else i32.const 1024 end
		body(0x20, 0, 0x41, 0x80, 0x20, 0x4b, 0x04, i32, 0x41, 0x00, 0x05, 0x41, 0x80, 0x08, 0x0b, 0x0b),
		body(0x0b),
		// local.get 0; local.get 1; i32.add
		body(0x20, 0, 0x20, 1, 0x6a, 0x0b),
		body(0x42, 1, 0x0b),
		body(0x00, 0x0b), // unreachable
	))
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range [][]byte{typeSec, funcs, memory, exports, code} {
		out = append(out, s...)
	}
	return out
}

func loadTestModule(t *testing.T, opts Options) *Module {
	t.Helper()
	ctx := context.Background()
	mod, err := Load(ctx, testModule(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mod.Close(ctx)) })
	return mod
}

func TestLoadAndMemory(t *testing.T) {
	ctx := context.Background()
	mod := loadTestModule(t, Options{MemoryLimit: types.NewSizeMebi(1), Logger: zerolog.Nop()})

	ptr, err := mod.Allocate(ctx, 16)
	require.NoError(t, err)
	require.Equal(t, foreign.Ptr(1024), ptr)

	require.NoError(t, mod.Write(ptr, []byte("hello wasm")))
	data, err := mod.Read(ptr, 10)
	require.NoError(t, err)
	require.Equal(t, "hello wasm", string(data))
	require.NoError(t, mod.Free(ctx, ptr))

	_, err = mod.Allocate(ctx, 8192)
	require.ErrorIs(t, err, types.ErrAllocation)

	_, err = mod.Read(65530, 16)
	require.ErrorIs(t, err, foreign.ErrOutOfBounds)
	require.ErrorIs(t, mod.Write(1<<33, []byte{1}), foreign.ErrOutOfBounds)
	require.Equal(t, uint32(4), mod.PointerSize())
}

func TestResolve_TableDriven(t *testing.T) {
	mod := loadTestModule(t, Options{Logger: zerolog.Nop()})

	tests := []struct {
		name string
		sig  foreign.Signature
		want error
	}{
		{"matching", foreign.Sig("add", foreign.Int, foreign.Int, foreign.Length), nil},
		{"missing", foreign.Sig("rsa_sign", foreign.Int), types.ErrMissingSymbol},
		{"arity", foreign.Sig("add", foreign.Int, foreign.Int), types.ErrSignatureMismatch},
		{"void declared as int", foreign.Sig("free", foreign.Int, foreign.Offset), types.ErrSignatureMismatch},
		{"int declared as void", foreign.Sig("add", foreign.Void, foreign.Int, foreign.Int), types.ErrSignatureMismatch},
		{"i64 result", foreign.Sig("wide", foreign.Int), types.ErrSignatureMismatch},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := mod.Resolve(tc.sig)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCallAndTrap(t *testing.T) {
	ctx := context.Background()
	mod := loadTestModule(t, Options{Logger: zerolog.Nop()})

	add, err := mod.Resolve(foreign.Sig("add", foreign.Int, foreign.Int, foreign.Int))
	require.NoError(t, err)
	raw, err := add.Call(ctx, 2, foreign.Arg(-5))
	require.NoError(t, err)
	require.Equal(t, int32(-3), foreign.Status(raw))

	_, err = add.Call(ctx, 1)
	require.ErrorIs(t, err, foreign.ErrArity)

	boom, err := mod.Resolve(foreign.Sig("boom", foreign.Void))
	require.NoError(t, err)
	_, err = boom.Call(ctx)
	require.ErrorIs(t, err, types.ErrTrap)
}

func TestCacheDirIsLocked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locks are unix only")
	}
	ctx := context.Background()
	dir := t.TempDir()
	loadTestModule(t, Options{CacheDir: dir, Logger: zerolog.Nop()})

	_, err := os.Stat(filepath.Join(dir, "exclusive.lock"))
	require.NoError(t, err)

	_, err = NewRuntime(ctx, Options{CacheDir: dir, Logger: zerolog.Nop()})
	require.Error(t, err, "a second runtime must not share a locked cache directory")
}

func TestRuntimeCompileIsCached(t *testing.T) {
	ctx := context.Background()
	r, err := NewRuntime(ctx, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer r.Close(ctx)

	a, err := r.Compile(ctx, testModule())
	require.NoError(t, err)
	b, err := r.Compile(ctx, testModule())
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, r.modules, 1)

	_, err = r.Compile(ctx, []byte("not wasm"))
	require.Error(t, err)
	_, err = r.Instantiate(ctx, types.ComputeChecksum([]byte("unknown")))
	require.Error(t, err)
}
