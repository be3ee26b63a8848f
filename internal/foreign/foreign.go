// Package foreign defines the handle on a loaded sandboxed (or native) build of the
// wrapped library: raw allocation, byte copies in and out of its address space, and
// resolution of named exports into typed procedures.
package foreign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/unityaisolutions/openssl-web-js/types"
)

// Ptr is an address in the foreign address space. Zero is the null sentinel.
type Ptr uint64

// Kind tags the declared shape of a foreign argument or result.
type Kind uint8

const (
	// Void is only valid as a result kind.
	Void Kind = iota
	// Int is a 32-bit status code or scalar.
	Int
	// Offset is an address of a buffer or of an opaque foreign object.
	Offset
	// Length is a byte count.
	Length
	// String is the address of a NUL-terminated text.
	String
)

func (k Kind) String() string {
	switch k {
	case Void:
		return "void"
	case Int:
		return "int"
	case Offset:
		return "offset"
	case Length:
		return "length"
	case String:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Signature is the declared shape of a foreign export.
type Signature struct {
	Name   string
	Result Kind
	Params []Kind
}

// Sig is shorthand for building a Signature.
func Sig(name string, result Kind, params ...Kind) Signature {
	return Signature{Name: name, Result: result, Params: params}
}

func (s Signature) String() string {
	params := make([]string, len(s.Params))
	for i, p := range s.Params {
		params[i] = p.String()
	}
	return fmt.Sprintf("%s(%s) %s", s.Name, strings.Join(params, ", "), s.Result)
}

// Validate rejects shapes outside the closed kind set.
func (s Signature) Validate() error {
	if s.Name == "" {
		return errors.New("signature without a name")
	}
	if s.Result > String {
		return fmt.Errorf("%s: invalid result kind %s", s.Name, s.Result)
	}
	for i, p := range s.Params {
		if p == Void || p > String {
			return fmt.Errorf("%s: invalid kind %s for parameter %d", s.Name, p, i)
		}
	}
	return nil
}

// Procedure is a foreign export bound to a declared signature. It is immutable
// after binding.
type Procedure interface {
	Signature() Signature
	// Call invokes the export. The raw result is 0 for Void procedures.
	Call(ctx context.Context, args ...uint64) (uint64, error)
}

// Memory copies bytes across the boundary. Implementations return copies, never
// views into foreign memory.
type Memory interface {
	Read(ptr Ptr, n uint32) ([]byte, error)
	Write(ptr Ptr, data []byte) error
}

// Module is the handle on one loaded instance of the wrapped library.
//
// A Module is not safe for concurrent use; callers serialize access.
type Module interface {
	Memory
	// Allocate returns n bytes of foreign memory or an error wrapping
	// types.ErrAllocation when the foreign allocator returns null.
	Allocate(ctx context.Context, n uint32) (Ptr, error)
	// Free releases memory obtained from Allocate or from a foreign procedure
	// documented to hand ownership to the caller.
	Free(ctx context.Context, ptr Ptr) error
	// Resolve binds a named export, failing with types.ErrMissingSymbol or
	// types.ErrSignatureMismatch.
	Resolve(sig Signature) (Procedure, error)
	// PointerSize is the width in bytes of a foreign address: 4 on wasm32,
	// 8 on 64-bit native builds.
	PointerSize() uint32
	Close(ctx context.Context) error
}

// Status decodes an Int result. Results are sign-extended from 32 bits so
// a foreign -1 reads as -1 on every backend.
func Status(raw uint64) int32 {
	return int32(uint32(raw))
}

// Address decodes an Offset or String result.
func Address(raw uint64) Ptr {
	return Ptr(raw)
}

// Arg encodes a signed scalar argument.
func Arg(v int32) uint64 {
	return uint64(uint32(v))
}

// ReadCString reads a NUL-terminated string at ptr, scanning at most limit bytes.
// A null ptr yields "".
func ReadCString(mem Memory, ptr Ptr, limit uint32) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	const chunk = 64
	var out []byte
	for uint32(len(out)) < limit {
		at := ptr + Ptr(len(out))
		n := min(chunk, limit-uint32(len(out)))
		data, err := mem.Read(at, n)
		if err != nil {
			// The string may end close to the top of memory.
			data, err = readBytewise(mem, at, n)
		}
		if i := bytes.IndexByte(data, 0); i >= 0 {
			return string(append(out, data[:i]...)), nil
		}
		if err != nil {
			return "", err
		}
		out = append(out, data...)
	}
	return string(out), nil
}

func readBytewise(mem Memory, ptr Ptr, n uint32) ([]byte, error) {
	out := make([]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		b, err := mem.Read(ptr+Ptr(i), 1)
		if err != nil {
			return out, err
		}
		out = append(out, b[0])
		if b[0] == 0 {
			break
		}
	}
	return out, nil
}

// Binding pairs a declared signature with the slot that receives its procedure.
type Binding struct {
	Sig    Signature
	Target *Procedure
}

// Bind resolves every binding in the table. All failures are reported together;
// on error no target is guaranteed to be set.
func Bind(mod Module, table []Binding) error {
	var errs []error
	for _, b := range table {
		if err := b.Sig.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		proc, err := mod.Resolve(b.Sig)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*b.Target = proc
	}
	return errors.Join(errs...)
}

// MissingSymbol builds the error returned by Resolve for an absent export.
func MissingSymbol(name string) error {
	return fmt.Errorf("%w: %s", types.ErrMissingSymbol, name)
}

// Mismatch builds the error returned by Resolve for a mis-shaped export.
func Mismatch(sig Signature, detail string) error {
	return fmt.Errorf("%w: %s: %s", types.ErrSignatureMismatch, sig, detail)
}
