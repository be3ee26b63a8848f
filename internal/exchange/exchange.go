// Package exchange implements the buffer exchange every foreign operation follows:
// allocate, copy in, invoke, copy out, and release everything that was acquired,
// on every exit path.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/internal/memory"
	"github.com/unityaisolutions/openssl-web-js/types"
)

// Success is the status the wrapped library returns on success.
const Success int32 = 1

// Diagnoser fetches the library's pending error text and clears its error queue.
// It must not allocate through a Frame.
type Diagnoser interface {
	Diagnose(ctx context.Context) string
}

// Env is what a Frame needs from the loaded library.
type Env struct {
	Arena  *memory.Arena
	Diag   Diagnoser
	Logger zerolog.Logger
}

// Status is the outcome of one foreign invocation with its diagnostic, which is
// fetched immediately after a failing call.
type Status struct {
	Code       int32
	Diagnostic string
}

// OK reports whether the status is the success sentinel.
func (s Status) OK() bool {
	return s.Code == Success
}

// Object is an opaque foreign object owned by a Frame.
type Object struct {
	Ptr     foreign.Ptr
	Kind    string
	release foreign.Procedure
	owned   bool
}

// Frame owns every buffer and object acquired during one exchange.
type Frame struct {
	ctx     context.Context
	env     Env
	buffers []memory.Buffer
	objects []*Object
}

// Run executes fn inside a Frame and releases everything the frame acquired,
// objects first and then buffers, each in reverse acquisition order. Release
// runs on success, on error, and while unwinding a panic. When a release fails
// the result is discarded and the failure joined to the returned error.
func Run[T any](ctx context.Context, env Env, fn func(f *Frame) (T, error)) (out T, err error) {
	if err := ctx.Err(); err != nil {
		return out, err
	}
	f := &Frame{ctx: ctx, env: env}
	defer func() {
		if rerr := f.close(); rerr != nil {
			var zero T
			out, err = zero, errors.Join(err, rerr)
		}
	}()
	out, err = fn(f)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (f *Frame) close() error {
	var errs []error
	for i := len(f.objects) - 1; i >= 0; i-- {
		obj := f.objects[i]
		if !obj.owned {
			continue
		}
		obj.owned = false
		if err := f.env.Arena.Untrack(obj.Ptr); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := f.invoke(obj.release, uint64(obj.Ptr)); err != nil {
			f.env.Logger.Warn().Err(err).Str("object", obj.Kind).Msg("failed to release foreign object")
			errs = append(errs, fmt.Errorf("release %s: %w", obj.Kind, err))
		}
	}
	for i := len(f.buffers) - 1; i >= 0; i-- {
		if err := f.env.Arena.Free(f.ctx, f.buffers[i]); err != nil {
			f.env.Logger.Warn().Err(err).Uint32("size", f.buffers[i].Len).Msg("failed to free foreign buffer")
			errs = append(errs, fmt.Errorf("free buffer: %w", err))
		}
	}
	f.objects = nil
	f.buffers = nil
	return errors.Join(errs...)
}

func (f *Frame) alloc(n uint32) (memory.Buffer, error) {
	b, err := f.env.Arena.Allocate(f.ctx, max(n, 1))
	if err != nil {
		if errors.Is(err, types.ErrAllocation) {
			return memory.Buffer{}, &types.AllocationError{Size: n}
		}
		return memory.Buffer{}, err
	}
	f.buffers = append(f.buffers, b)
	return b, nil
}

// Input leases a buffer holding a copy of data. Empty data still leases one
// byte because the foreign allocator rejects zero-sized requests; callers pass
// len(data) alongside the address.
func (f *Frame) Input(data []byte) (memory.Buffer, error) {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return memory.Buffer{}, &types.InputError{Field: "data", Reason: "exceeds the foreign address space"}
	}
	b, err := f.alloc(uint32(len(data)))
	if err != nil {
		return memory.Buffer{}, err
	}
	if err := f.env.Arena.Write(b, 0, data); err != nil {
		return memory.Buffer{}, err
	}
	return b, nil
}

// Output leases an n-byte buffer for foreign output.
func (f *Frame) Output(n uint32) (memory.Buffer, error) {
	return f.alloc(n)
}

// OutLen leases a zeroed 4-byte side buffer that receives a reported length.
func (f *Frame) OutLen() (memory.Buffer, error) {
	b, err := f.alloc(4)
	if err != nil {
		return memory.Buffer{}, err
	}
	return b, f.env.Arena.WriteUint32(b, 0)
}

// OutPointer leases a zeroed buffer that receives a foreign address.
func (f *Frame) OutPointer() (memory.Buffer, error) {
	size := f.env.Arena.Module().PointerSize()
	b, err := f.alloc(size)
	if err != nil {
		return memory.Buffer{}, err
	}
	return b, f.env.Arena.Write(b, 0, make([]byte, size))
}

// Adopt takes ownership of n bytes the foreign side allocated for the caller.
func (f *Frame) Adopt(ptr foreign.Ptr, n uint32) (memory.Buffer, error) {
	b, err := f.env.Arena.Adopt(ptr, n)
	if err != nil {
		return memory.Buffer{}, err
	}
	f.buffers = append(f.buffers, b)
	return b, nil
}

func (f *Frame) invoke(p foreign.Procedure, args ...uint64) (uint64, error) {
	sig := p.Signature()
	if len(args) != len(sig.Params) {
		return 0, fmt.Errorf("%s: %w: got %d, want %d", sig.Name, foreign.ErrArity, len(args), len(sig.Params))
	}
	return p.Call(f.ctx, args...)
}

// Invoke calls p and returns its raw result without interpreting it.
func (f *Frame) Invoke(p foreign.Procedure, args ...uint64) (uint64, error) {
	return f.invoke(p, args...)
}

// Status calls p and returns its status. A non-success status carries the
// diagnostic fetched immediately after the call.
func (f *Frame) Status(p foreign.Procedure, args ...uint64) (Status, error) {
	raw, err := f.invoke(p, args...)
	if err != nil {
		return Status{}, err
	}
	st := Status{Code: foreign.Status(raw)}
	if !st.OK() {
		st.Diagnostic = f.env.Diag.Diagnose(f.ctx)
	}
	return st, nil
}

// Check calls p and fails unless it returns the success sentinel.
func (f *Frame) Check(p foreign.Procedure, args ...uint64) error {
	st, err := f.Status(p, args...)
	if err != nil {
		return err
	}
	if !st.OK() {
		return f.operationError(p, st.Diagnostic)
	}
	return nil
}

// Length calls p, which returns a byte count or a negative status on failure.
func (f *Frame) Length(p foreign.Procedure, args ...uint64) (uint32, error) {
	raw, err := f.invoke(p, args...)
	if err != nil {
		return 0, err
	}
	n := foreign.Status(raw)
	if n < 0 {
		return 0, f.operationError(p, f.env.Diag.Diagnose(f.ctx))
	}
	return uint32(n), nil
}

// Pointer calls p, which returns an address the caller does not own, or null on
// failure.
func (f *Frame) Pointer(p foreign.Procedure, args ...uint64) (foreign.Ptr, error) {
	raw, err := f.invoke(p, args...)
	if err != nil {
		return 0, err
	}
	ptr := foreign.Address(raw)
	if ptr == 0 {
		return 0, f.operationError(p, f.env.Diag.Diagnose(f.ctx))
	}
	return ptr, nil
}

// Object calls the constructor ctor and takes ownership of the object it returns.
// The object is released with release when the frame closes, unless ownership is
// transferred first. A null result fails with the library's diagnostic. An
// object the arena refuses to track is released before Object returns.
func (f *Frame) Object(kind string, release, ctor foreign.Procedure, args ...uint64) (*Object, error) {
	ptr, err := f.Pointer(ctor, args...)
	if err != nil {
		return nil, err
	}
	if err := f.env.Arena.Track(ptr, kind); err != nil {
		if _, rerr := f.invoke(release, uint64(ptr)); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release %s: %w", kind, rerr))
		}
		return nil, err
	}
	obj := &Object{Ptr: ptr, Kind: kind, release: release, owned: true}
	f.objects = append(f.objects, obj)
	return obj, nil
}

// Transfer records that ownership of obj moved into the foreign side, for
// example into a procedure that frees it. The frame no longer releases it.
func (f *Frame) Transfer(obj *Object) error {
	if !obj.owned {
		return fmt.Errorf("%w: %s 0x%x", memory.ErrUnknownObject, obj.Kind, obj.Ptr)
	}
	obj.owned = false
	return f.env.Arena.Untrack(obj.Ptr)
}

// Bytes copies the first n bytes of b out of foreign memory.
func (f *Frame) Bytes(b memory.Buffer, n uint32) ([]byte, error) {
	return f.env.Arena.Read(b, 0, n)
}

// Uint32 reads a length written into a side buffer.
func (f *Frame) Uint32(b memory.Buffer) (uint32, error) {
	return f.env.Arena.ReadUint32(b)
}

// ReadPointer reads an address written into a pointer side buffer.
func (f *Frame) ReadPointer(b memory.Buffer) (foreign.Ptr, error) {
	return f.env.Arena.ReadPointer(b)
}

// Borrow copies n bytes from memory owned by a live foreign object, such as a
// memory BIO's storage. The frame must own the object for the whole read.
func (f *Frame) Borrow(owner *Object, ptr foreign.Ptr, n uint32) ([]byte, error) {
	if !owner.owned {
		return nil, fmt.Errorf("%w: %s 0x%x", memory.ErrUnknownObject, owner.Kind, owner.Ptr)
	}
	if n == 0 {
		return []byte{}, nil
	}
	return f.env.Arena.Module().Read(ptr, n)
}

// Fail builds the error for a result p reported out of band, such as a negative
// length written to a side buffer. fallback is used when the library queued no
// diagnostic.
func (f *Frame) Fail(p foreign.Procedure, fallback string) error {
	diagnostic := f.env.Diag.Diagnose(f.ctx)
	if diagnostic == "" {
		diagnostic = fallback
	}
	return f.operationError(p, diagnostic)
}

func (f *Frame) operationError(p foreign.Procedure, diagnostic string) error {
	op := p.Signature().Name
	f.env.Logger.Debug().Str("op", op).Str("diagnostic", diagnostic).Msg("foreign operation failed")
	return &types.OperationError{Op: op, Diagnostic: diagnostic}
}
