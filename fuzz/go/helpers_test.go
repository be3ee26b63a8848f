package gofuzz

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign/foreigntest"
	"github.com/unityaisolutions/openssl-web-js/internal/openssl"
)

// newEngine returns an initialized engine over the in-process glue emulation.
func newEngine(t *testing.T) (*openssl.Engine, *foreigntest.Module) {
	t.Helper()
	mod := foreigntest.New()
	e, err := openssl.NewEngine(mod, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e, mod
}

// checkReleased fails when anything leased during the call is still live.
func checkReleased(t *testing.T, e *openssl.Engine, mod *foreigntest.Module) {
	t.Helper()
	if n := e.Outstanding(); n != 0 {
		t.Fatalf("%d leases outstanding: %v", n, e.Leaks())
	}
	if n := mod.Allocated(); n != 0 {
		t.Fatalf("%d foreign allocations live", n)
	}
	if n := mod.LiveObjects(); n != 0 {
		t.Fatalf("%d foreign objects live", n)
	}
	if n := mod.BadFrees(); n != 0 {
		t.Fatalf("%d bad frees", n)
	}
}
