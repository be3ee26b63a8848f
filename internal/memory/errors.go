package memory

import "errors"

var (
	// ErrInvalidMemoryAccess is returned when trying to access memory outside a live lease
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	// ErrInvalidSize is returned for zero-byte allocations
	ErrInvalidSize = errors.New("allocation size must be positive")
	// ErrDoubleFree is returned when releasing a buffer that is not live
	ErrDoubleFree = errors.New("buffer is not live")
	// ErrUnknownObject is returned when releasing an object that is not tracked
	ErrUnknownObject = errors.New("foreign object is not tracked")
	// ErrAliasedLease is returned when the foreign allocator hands out a live address twice
	ErrAliasedLease = errors.New("foreign allocator returned a live address")
	// ErrNullPointer is returned when adopting or tracking a null address
	ErrNullPointer = errors.New("null foreign pointer")
)
