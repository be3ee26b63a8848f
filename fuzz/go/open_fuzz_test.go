//go:build go1.18

package gofuzz

import (
	"context"
	"errors"
	"testing"

	opensslwasm "github.com/unityaisolutions/openssl-web-js"
	"github.com/unityaisolutions/openssl-web-js/types"
)

func FuzzOpen(f *testing.F) {
	f.Add([]byte{})                                   // empty
	f.Add([]byte{0x00, 0x61, 0x73, 0x6d})             // valid header only
	f.Add([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00}) // valid header + version prefix
	f.Add([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	f.Fuzz(func(t *testing.T, wasm []byte) {
		lib, err := opensslwasm.Open(context.Background(), types.Config{
			Module:      wasm,
			MemoryLimit: types.NewSizeMebi(16),
		})
		if err == nil {
			// Nothing random can export the full glue table.
			_ = lib.Cleanup(context.Background())
			t.Fatal("arbitrary bytes opened as a library")
		}
		if !errors.Is(err, types.ErrInitialization) {
			t.Fatalf("Open failed with %v, want an initialization error", err)
		}
	})
}
