//go:build go1.18

package gofuzz

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
)

func FuzzBase64RoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("hello"))
	f.Add([]byte{0x00, 0xFF, 0x10})
	f.Add(bytes.Repeat([]byte{0xAA}, 1000))

	f.Fuzz(func(t *testing.T, data []byte) {
		e, mod := newEngine(t)
		ctx := context.Background()

		enc, err := e.Base64Encode(ctx, data)
		if err != nil {
			t.Fatal(err)
		}
		if want := base64.StdEncoding.EncodeToString(data); enc != want {
			t.Fatalf("encoded %q, want %q", enc, want)
		}
		dec, err := e.Base64Decode(ctx, enc)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(dec, data) {
			t.Fatalf("round trip changed %x into %x", data, dec)
		}
		checkReleased(t, e, mod)
	})
}

func FuzzBase64Decode(f *testing.F) {
	f.Add("")
	f.Add("aGVsbG8=")
	f.Add("====")
	f.Add("a")
	f.Add("!!not base64!!")

	f.Fuzz(func(t *testing.T, text string) {
		e, mod := newEngine(t)
		// Garbage must fail cleanly, never leak the decode buffer.
		_, _ = e.Base64Decode(context.Background(), text)
		checkReleased(t, e, mod)
	})
}
