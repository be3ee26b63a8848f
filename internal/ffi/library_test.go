//go:build linux || darwin

package ffi

import (
	"context"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/types"
)

func openLibc(t *testing.T) *Library {
	t.Helper()
	name := "libc.so.6"
	if runtime.GOOS == "darwin" {
		name = "/usr/lib/libSystem.B.dylib"
	}
	lib, err := Open(name)
	if err != nil {
		t.Skipf("libc not loadable: %v", err)
	}
	t.Cleanup(func() { require.NoError(t, lib.Close(context.Background())) })
	return lib
}

func TestNativeMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	lib := openLibc(t)

	ptr, err := lib.Allocate(ctx, 16)
	require.NoError(t, err)
	require.NoError(t, lib.Write(ptr, []byte("hello\x00")))
	data, err := lib.Read(ptr, 6)
	require.NoError(t, err)
	require.Equal(t, "hello\x00", string(data))

	strlen, err := lib.Resolve(foreign.Sig("strlen", foreign.Length, foreign.String))
	require.NoError(t, err)
	n, err := strlen.Call(ctx, uint64(ptr))
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	s, err := foreign.ReadCString(lib, ptr, 16)
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	require.NoError(t, lib.Free(ctx, ptr))
	require.Equal(t, uint32(strconv.IntSize/8), lib.PointerSize())
}

func TestNativeResolve(t *testing.T) {
	lib := openLibc(t)
	_, err := lib.Resolve(foreign.Sig("definitely_not_exported", foreign.Int))
	require.ErrorIs(t, err, types.ErrMissingSymbol)
	_, err = lib.Resolve(foreign.Sig("strlen", foreign.Int, foreign.Void))
	require.ErrorIs(t, err, types.ErrSignatureMismatch)
}

func TestOpenMissingLibrary(t *testing.T) {
	_, err := Open("/nonexistent/libopenssl_glue.so")
	require.Error(t, err)
}

func TestClosedLibrary(t *testing.T) {
	ctx := context.Background()
	lib := openLibc(t)
	require.NoError(t, lib.Close(ctx))
	_, err := lib.Allocate(ctx, 1)
	require.ErrorIs(t, err, types.ErrClosed)
}
