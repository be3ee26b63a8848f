//go:build !linux && !darwin

// Package ffi loads a native shared build of the library. It is only available
// on linux and darwin.
package ffi

import (
	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/types"
)

// DefaultName is the file name used when no path is configured.
func DefaultName() string {
	return "openssl_glue.dll"
}

// Load always fails on this platform.
func Load(string) (foreign.Module, error) {
	return nil, types.ErrBackendUnavailable
}
