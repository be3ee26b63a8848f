package types

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		text     string
	}{
		{&AllocationError{Size: 42}, ErrAllocation, "foreign allocation of 42 bytes failed"},
		{&OperationError{Op: "rsa_sign"}, ErrOperation, "rsa_sign failed"},
		{
			&OperationError{Op: "aes_decrypt_final", Diagnostic: "error:1C800064:Provider routines::bad decrypt"},
			ErrOperation,
			"aes_decrypt_final failed: error:1C800064:Provider routines::bad decrypt",
		},
		{&InputError{Field: "iv", Reason: "must be 16 bytes"}, ErrInvalidInput, "invalid iv: must be 16 bytes"},
		{&InitError{Stage: "bind", Err: ErrMissingSymbol}, ErrInitialization, "initialization failed during bind: missing required symbol"},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.sentinel)
		assert.EqualError(t, tc.err, tc.text)
		wrapped := fmt.Errorf("wrapped: %w", tc.err)
		assert.ErrorIs(t, wrapped, tc.sentinel)
	}
}

func TestInitErrorUnwraps(t *testing.T) {
	err := error(&InitError{Stage: "read", Err: &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}})
	require.ErrorIs(t, err, ErrInitialization)
	require.ErrorIs(t, err, fs.ErrNotExist)

	var opErr *OperationError
	inner := &InitError{Stage: "init", Err: &OperationError{Op: "openssl_init"}}
	require.True(t, errors.As(inner, &opErr))
	assert.Equal(t, "openssl_init", opErr.Op)
	assert.NotErrorIs(t, inner, ErrTrap)
}
