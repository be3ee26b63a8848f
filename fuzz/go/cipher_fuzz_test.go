//go:build go1.18

package gofuzz

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/unityaisolutions/openssl-web-js/types"
)

func fuzzKey(seed []byte, size int) []byte {
	key := make([]byte, size)
	for i := range key {
		if len(seed) > 0 {
			key[i] = seed[i%len(seed)]
		}
	}
	return key
}

func FuzzAESRoundTrip(f *testing.F) {
	f.Add([]byte("attack at dawn"), []byte("key"), uint8(0))
	f.Add([]byte{}, []byte{}, uint8(1))
	f.Add(bytes.Repeat([]byte{1}, 16), []byte{0xFF}, uint8(2))

	f.Fuzz(func(t *testing.T, data, seed []byte, keySize uint8) {
		e, mod := newEngine(t)
		ctx := context.Background()
		key := fuzzKey(seed, []int{16, 24, 32}[int(keySize)%3])
		iv := fuzzKey(append([]byte{0x5A}, seed...), 16)

		ct, err := e.AESEncrypt(ctx, data, key, iv)
		if err != nil {
			t.Fatal(err)
		}
		if len(ct)%16 != 0 || len(ct) <= len(data) {
			t.Fatalf("ciphertext of %d bytes for %d bytes of input", len(ct), len(data))
		}
		pt, err := e.AESDecrypt(ctx, ct, key, iv)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(pt, data) && len(data) > 0 {
			t.Fatalf("round trip changed %x into %x", data, pt)
		}
		checkReleased(t, e, mod)
	})
}

func FuzzAESDecrypt(f *testing.F) {
	f.Add([]byte{})
	f.Add(bytes.Repeat([]byte{0}, 16))
	f.Add(bytes.Repeat([]byte{7}, 33))

	f.Fuzz(func(t *testing.T, ct []byte) {
		e, mod := newEngine(t)
		key := fuzzKey([]byte("k"), 32)
		iv := fuzzKey([]byte("iv"), 16)
		_, err := e.AESDecrypt(context.Background(), ct, key, iv)
		if err != nil && !errors.Is(err, types.ErrOperation) {
			t.Fatalf("unexpected error kind: %v", err)
		}
		checkReleased(t, e, mod)
	})
}
