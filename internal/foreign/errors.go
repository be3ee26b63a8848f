package foreign

import "errors"

var (
	// ErrOutOfBounds is returned when a read or write falls outside the foreign address space.
	ErrOutOfBounds = errors.New("foreign memory access out of bounds")
	// ErrArity is returned when a procedure is called with the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")
)
