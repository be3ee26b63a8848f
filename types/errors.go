package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() checks.
var (
	// ErrAllocation is returned when the foreign allocator cannot satisfy a request.
	ErrAllocation = errors.New("foreign allocation failed")

	// ErrOperation is returned when a foreign procedure reports a non-success status.
	ErrOperation = errors.New("foreign operation failed")

	// ErrInvalidInput is returned when caller input is rejected before any foreign call.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInitialization is returned when the library cannot be loaded or initialized.
	ErrInitialization = errors.New("initialization failed")

	// ErrMissingSymbol is returned when a required export is absent from the binary.
	ErrMissingSymbol = errors.New("missing required symbol")

	// ErrSignatureMismatch is returned when an export does not have the declared shape.
	ErrSignatureMismatch = errors.New("symbol signature mismatch")

	// ErrTrap is returned when the sandboxed binary traps during a call.
	ErrTrap = errors.New("foreign call trapped")

	// ErrClosed is returned when operations are attempted after Cleanup.
	ErrClosed = errors.New("library has been cleaned up")

	// ErrBackendUnavailable is returned when a backend is not supported on this platform.
	ErrBackendUnavailable = errors.New("backend unavailable on this platform")

	// ErrChecksumMismatch is returned when a module binary does not match its pinned checksum.
	ErrChecksumMismatch = errors.New("module checksum mismatch")
)

// AllocationError reports a failed foreign allocation.
type AllocationError struct {
	Size uint32
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("foreign allocation of %d bytes failed", e.Size)
}

func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocation
}

// OperationError carries the library's diagnostic for a failed foreign procedure.
type OperationError struct {
	// Op is the foreign procedure that reported failure.
	Op string
	// Diagnostic is the text from the library's error queue. It may be empty
	// when the library queued nothing.
	Diagnostic string
}

func (e *OperationError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s failed", e.Op)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Diagnostic)
}

func (e *OperationError) Is(target error) bool {
	return target == ErrOperation
}

// InputError reports caller input rejected before entering the foreign boundary.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// InitError reports a fatal failure while setting up the library.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialization failed during %s: %v", e.Stage, e.Err)
}

func (e *InitError) Is(target error) bool {
	return target == ErrInitialization
}

func (e *InitError) Unwrap() error {
	return e.Err
}
