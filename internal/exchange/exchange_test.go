package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/internal/foreign/foreigntest"
	"github.com/unityaisolutions/openssl-web-js/internal/memory"
	"github.com/unityaisolutions/openssl-web-js/types"
)

type queue struct {
	mod           *foreigntest.Module
	errStr, clear foreign.Procedure
}

func (q *queue) Diagnose(ctx context.Context) string {
	raw, err := q.errStr.Call(ctx)
	if err != nil {
		return ""
	}
	msg, _ := foreign.ReadCString(q.mod, foreign.Address(raw), 256)
	_, _ = q.clear.Call(ctx)
	return msg
}

type fixture struct {
	mod   *foreigntest.Module
	env   Env
	procs map[string]foreign.Procedure
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mod := foreigntest.New()
	fx := &fixture{mod: mod, procs: map[string]foreign.Procedure{}}
	for _, sig := range []foreign.Signature{
		foreign.Sig("get_error_string", foreign.String),
		foreign.Sig("ERR_clear_error", foreign.Void),
		foreign.Sig("random_bytes", foreign.Int, foreign.Offset, foreign.Int),
		foreign.Sig("aes_encrypt_init", foreign.Offset, foreign.Offset, foreign.Int, foreign.Offset),
		foreign.Sig("aes_encrypt_final", foreign.Int, foreign.Offset, foreign.Offset, foreign.Offset),
		foreign.Sig("evp_cipher_ctx_free", foreign.Void, foreign.Offset),
	} {
		p, err := mod.Resolve(sig)
		require.NoError(t, err)
		fx.procs[sig.Name] = p
	}
	fx.env = Env{
		Arena:  memory.NewArena(mod),
		Diag:   &queue{mod: mod, errStr: fx.procs["get_error_string"], clear: fx.procs["ERR_clear_error"]},
		Logger: zerolog.Nop(),
	}
	return fx
}

func (fx *fixture) requireClean(t *testing.T) {
	t.Helper()
	require.Zero(t, fx.env.Arena.Outstanding(), "leases: %v", fx.env.Arena.Leaks())
	require.Zero(t, fx.mod.Allocated())
	require.Zero(t, fx.mod.LiveObjects())
	require.Zero(t, fx.mod.BadFrees())
}

// newCipher creates an AES context through f.
func (fx *fixture) newCipher(f *Frame) (*Object, error) {
	key, err := f.Input(make([]byte, 16))
	if err != nil {
		return nil, err
	}
	iv, err := f.Input(make([]byte, 16))
	if err != nil {
		return nil, err
	}
	return f.Object("EVP_CIPHER_CTX", fx.procs["evp_cipher_ctx_free"], fx.procs["aes_encrypt_init"],
		uint64(key.Ptr), foreign.Arg(16), uint64(iv.Ptr))
}

func TestRunReleasesOnSuccess(t *testing.T) {
	fx := newFixture(t)
	out, err := Run(context.Background(), fx.env, func(f *Frame) ([]byte, error) {
		buf, err := f.Output(32)
		if err != nil {
			return nil, err
		}
		if err := f.Check(fx.procs["random_bytes"], uint64(buf.Ptr), foreign.Arg(32)); err != nil {
			return nil, err
		}
		require.Equal(t, 1, fx.mod.Allocated())
		return f.Bytes(buf, 32)
	})
	require.NoError(t, err)
	require.Len(t, out, 32)
	fx.requireClean(t)
	require.Equal(t, 1, fx.mod.Calls("free"))
}

func TestRunReleasesOnError(t *testing.T) {
	fx := newFixture(t)
	sentinel := errors.New("stop")
	_, err := Run(context.Background(), fx.env, func(f *Frame) (int, error) {
		if _, err := f.Input([]byte("abc")); err != nil {
			return 0, err
		}
		if _, err := fx.newCipher(f); err != nil {
			return 0, err
		}
		return 7, sentinel
	})
	require.ErrorIs(t, err, sentinel)
	fx.requireClean(t)
	require.Equal(t, 1, fx.mod.Calls("evp_cipher_ctx_free"))
}

func TestRunZeroLengthInputStillAllocates(t *testing.T) {
	fx := newFixture(t)
	_, err := Run(context.Background(), fx.env, func(f *Frame) (struct{}, error) {
		b, err := f.Input(nil)
		require.NoError(t, err)
		require.Equal(t, uint32(1), b.Len)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	fx.requireClean(t)
}

func TestCheckFetchesDiagnosticImmediately(t *testing.T) {
	fx := newFixture(t)
	fx.mod.FailNext("random_bytes")
	_, err := Run(context.Background(), fx.env, func(f *Frame) ([]byte, error) {
		buf, err := f.Output(4)
		if err != nil {
			return nil, err
		}
		return nil, f.Check(fx.procs["random_bytes"], uint64(buf.Ptr), foreign.Arg(4))
	})
	require.ErrorIs(t, err, types.ErrOperation)
	var opErr *types.OperationError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "random_bytes", opErr.Op)
	require.Contains(t, opErr.Diagnostic, "random_bytes failure")
	require.Empty(t, fx.mod.PendingErrors())
	fx.requireClean(t)
}

func TestObjectNullResult(t *testing.T) {
	fx := newFixture(t)
	fx.mod.FailNext("aes_encrypt_init")
	_, err := Run(context.Background(), fx.env, func(f *Frame) (*Object, error) {
		return fx.newCipher(f)
	})
	require.ErrorIs(t, err, types.ErrOperation)
	require.Equal(t, 0, fx.mod.Calls("evp_cipher_ctx_free"), "a null object is never released")
	fx.requireClean(t)
}

func TestTransferSkipsRelease(t *testing.T) {
	fx := newFixture(t)
	_, err := Run(context.Background(), fx.env, func(f *Frame) (uint32, error) {
		obj, err := fx.newCipher(f)
		if err != nil {
			return 0, err
		}
		out, err := f.Output(16)
		if err != nil {
			return 0, err
		}
		n, err := f.OutLen()
		if err != nil {
			return 0, err
		}
		require.NoError(t, f.Transfer(obj))
		require.ErrorIs(t, f.Transfer(obj), memory.ErrUnknownObject)
		if err := f.Check(fx.procs["aes_encrypt_final"], uint64(obj.Ptr), uint64(out.Ptr), uint64(n.Ptr)); err != nil {
			return 0, err
		}
		return f.Uint32(n)
	})
	require.NoError(t, err)
	require.Equal(t, 0, fx.mod.Calls("evp_cipher_ctx_free"))
	fx.requireClean(t)
}

func TestInvokeArity(t *testing.T) {
	fx := newFixture(t)
	_, err := Run(context.Background(), fx.env, func(f *Frame) (uint64, error) {
		return f.Invoke(fx.procs["random_bytes"], 1)
	})
	require.ErrorIs(t, err, foreign.ErrArity)
	require.Equal(t, 0, fx.mod.Calls("random_bytes"))
}

func TestAllocationFailureMidExchange(t *testing.T) {
	fx := newFixture(t)
	fx.mod.FailAllocationsAfter(1)
	_, err := Run(context.Background(), fx.env, func(f *Frame) (struct{}, error) {
		if _, err := f.Input([]byte("first")); err != nil {
			return struct{}{}, err
		}
		_, err := f.Output(64)
		return struct{}{}, err
	})
	var allocErr *types.AllocationError
	require.ErrorAs(t, err, &allocErr)
	require.Equal(t, uint32(64), allocErr.Size)
	require.ErrorIs(t, err, types.ErrAllocation)
	fx.requireClean(t)
}

func TestTrapReleasesEverything(t *testing.T) {
	fx := newFixture(t)
	fx.mod.TrapNext("random_bytes")
	_, err := Run(context.Background(), fx.env, func(f *Frame) (struct{}, error) {
		buf, err := f.Output(8)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, f.Check(fx.procs["random_bytes"], uint64(buf.Ptr), foreign.Arg(8))
	})
	require.ErrorIs(t, err, types.ErrTrap)
	fx.requireClean(t)
}

func TestCanceledContextMakesNoForeignCall(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := Run(ctx, fx.env, func(f *Frame) (struct{}, error) {
		called = true
		return struct{}{}, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
	require.Zero(t, fx.mod.TotalCalls())
}

func TestPanicReleasesEverything(t *testing.T) {
	fx := newFixture(t)
	require.Panics(t, func() {
		_, _ = Run(context.Background(), fx.env, func(f *Frame) (struct{}, error) {
			if _, err := f.Input([]byte("x")); err != nil {
				return struct{}{}, err
			}
			panic("boom")
		})
	})
	fx.requireClean(t)
}

func TestReleaseFailureDiscardsResult(t *testing.T) {
	fx := newFixture(t)
	out, err := Run(context.Background(), fx.env, func(f *Frame) (string, error) {
		if _, err := f.Input([]byte("x")); err != nil {
			return "", err
		}
		require.NoError(t, fx.mod.Close(context.Background()))
		return "result", nil
	})
	require.ErrorIs(t, err, types.ErrClosed)
	require.Empty(t, out)
	require.Zero(t, fx.env.Arena.Outstanding(), "leases are dropped even when the foreign free fails")
}

// preleased wraps a constructor and leases its result before the frame sees it.
type preleased struct {
	foreign.Procedure
	arena *memory.Arena
	ptr   foreign.Ptr
}

func (p *preleased) Call(ctx context.Context, args ...uint64) (uint64, error) {
	raw, err := p.Procedure.Call(ctx, args...)
	if err == nil && raw != 0 {
		p.ptr = foreign.Address(raw)
		err = p.arena.Track(p.ptr, "stale")
	}
	return raw, err
}

func TestObjectReleasedWhenTrackFails(t *testing.T) {
	fx := newFixture(t)
	ctor := &preleased{Procedure: fx.procs["aes_encrypt_init"], arena: fx.env.Arena}
	_, err := Run(context.Background(), fx.env, func(f *Frame) (*Object, error) {
		key, err := f.Input(make([]byte, 16))
		if err != nil {
			return nil, err
		}
		iv, err := f.Input(make([]byte, 16))
		if err != nil {
			return nil, err
		}
		return f.Object("EVP_CIPHER_CTX", fx.procs["evp_cipher_ctx_free"], ctor,
			uint64(key.Ptr), foreign.Arg(16), uint64(iv.Ptr))
	})
	require.ErrorIs(t, err, memory.ErrAliasedLease)
	require.Equal(t, 1, fx.mod.Calls("evp_cipher_ctx_free"))
	require.Zero(t, fx.mod.LiveObjects())

	require.NoError(t, fx.env.Arena.Untrack(ctor.ptr))
	fx.requireClean(t)
}
