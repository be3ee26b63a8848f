//go:build go1.18

package gofuzz

import (
	"bytes"
	"testing"

	"github.com/unityaisolutions/openssl-web-js/internal/store"
	"github.com/unityaisolutions/openssl-web-js/types"
)

func FuzzStoreCode(f *testing.F) {
	f.Add([]byte{0x00, 0x61, 0x73, 0x6d})             // header only
	f.Add([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00}) // header + version prefix
	f.Add([]byte("x"))

	f.Fuzz(func(t *testing.T, code []byte) {
		s := store.NewMemory()
		defer s.Close()

		sum, err := s.Save(code)
		if len(code) == 0 {
			if err == nil {
				t.Fatal("empty code was stored")
			}
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		if sum != types.ComputeChecksum(code) {
			t.Fatalf("checksum %s does not match content", sum)
		}
		got, err := s.Load(sum)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, code) {
			t.Fatal("stored code changed")
		}
		if err := s.Remove(sum); err != nil {
			t.Fatal(err)
		}
	})
}
