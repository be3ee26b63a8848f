// Package opensslwasm runs OpenSSL compiled to WebAssembly (or a native shared
// build of the same glue) and exposes its cryptographic primitives as typed Go
// calls. Every call copies its inputs into the library's memory, invokes the
// library, copies the result out and releases everything it allocated.
package opensslwasm

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/internal/openssl"
	"github.com/unityaisolutions/openssl-web-js/types"
)

// Library is a loaded and initialized instance of the wrapped library.
//
// A Library is safe for concurrent use. Calls are serialized: one exchange with
// the library is in flight at a time.
type Library struct {
	mu      sync.Mutex
	engine  *openssl.Engine
	module  foreign.Module
	logger  zerolog.Logger
	version string
	closed  bool
}

// Open loads the module described by cfg, binds every required export and
// initializes the library. Any failure is fatal and returned as a
// *types.InitError; nothing is left loaded.
func Open(ctx context.Context, cfg types.Config, opts ...Option) (*Library, error) {
	o := newOptions(opts)
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &types.InitError{Stage: "config", Err: err}
	}
	mod, err := load(ctx, cfg, o.logger)
	if err != nil {
		return nil, err
	}
	return newLibrary(ctx, mod, o.logger)
}

func newLibrary(ctx context.Context, mod foreign.Module, logger zerolog.Logger) (*Library, error) {
	logger = logger.With().Str("component", "library").Logger()
	engine, err := openssl.NewEngine(mod, logger)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, &types.InitError{Stage: "bind", Err: err}
	}
	if err := engine.Init(ctx); err != nil {
		_ = mod.Close(ctx)
		return nil, &types.InitError{Stage: "init", Err: err}
	}
	version, err := engine.Version(ctx)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, &types.InitError{Stage: "version", Err: err}
	}
	logger.Debug().Str("version", version).Msg("library initialized")
	return &Library{engine: engine, module: mod, logger: logger, version: version}, nil
}

// call runs fn under the library lock.
func call[T any](l *Library, fn func(e *openssl.Engine) (T, error)) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		var zero T
		return zero, types.ErrClosed
	}
	return fn(l.engine)
}

// Version returns the library's version text, for example
// "OpenSSL 3.1.4 24 Oct 2023".
func (l *Library) Version(ctx context.Context) (string, error) {
	return call(l, func(e *openssl.Engine) (string, error) {
		return e.Version(ctx)
	})
}

// Cleanup releases the library's global state and unloads the module. It is
// safe to call more than once; every other method fails with types.ErrClosed
// afterwards.
func (l *Library) Cleanup(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if leaks := l.engine.Leaks(); len(leaks) > 0 {
		l.logger.Warn().Strs("leases", leaks).Msg("cleanup with outstanding foreign leases")
	}
	err := l.engine.Cleanup(ctx)
	if cerr := l.module.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	l.logger.Debug().Err(err).Msg("library cleaned up")
	return err
}

// Outstanding returns the number of foreign buffers and objects currently
// leased. It is zero whenever no call is in progress.
func (l *Library) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.Outstanding()
}

// Metrics returns the foreign memory counters accumulated since Open.
func (l *Library) Metrics() types.Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.engine.Stats()
	return types.Metrics{
		Allocations: st.Allocations,
		Adoptions:   st.Adoptions,
		Frees:       st.Frees,
		LiveBuffers: st.LiveBuffers,
		LiveObjects: st.LiveObjects,
	}
}

// RandomBytes returns n cryptographically secure random bytes.
func (l *Library) RandomBytes(ctx context.Context, n int) ([]byte, error) {
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.RandomBytes(ctx, n)
	})
}

// Hash returns the alg digest of data.
func (l *Library) Hash(ctx context.Context, alg types.DigestAlgorithm, data []byte) ([]byte, error) {
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.Digest(ctx, alg, data)
	})
}

// HashString returns the alg digest of the UTF-8 bytes of text.
func (l *Library) HashString(ctx context.Context, alg types.DigestAlgorithm, text string) ([]byte, error) {
	return l.Hash(ctx, alg, []byte(text))
}

// MD5 returns the 16-byte MD5 digest of data.
func (l *Library) MD5(ctx context.Context, data []byte) ([]byte, error) {
	return l.Hash(ctx, types.MD5, data)
}

// SHA1 returns the 20-byte SHA-1 digest of data.
func (l *Library) SHA1(ctx context.Context, data []byte) ([]byte, error) {
	return l.Hash(ctx, types.SHA1, data)
}

// SHA256 returns the 32-byte SHA-256 digest of data.
func (l *Library) SHA256(ctx context.Context, data []byte) ([]byte, error) {
	return l.Hash(ctx, types.SHA256, data)
}

// SHA384 returns the 48-byte SHA-384 digest of data.
func (l *Library) SHA384(ctx context.Context, data []byte) ([]byte, error) {
	return l.Hash(ctx, types.SHA384, data)
}

// SHA512 returns the 64-byte SHA-512 digest of data.
func (l *Library) SHA512(ctx context.Context, data []byte) ([]byte, error) {
	return l.Hash(ctx, types.SHA512, data)
}

// HMAC returns the keyed alg digest of data.
func (l *Library) HMAC(ctx context.Context, alg types.DigestAlgorithm, key, data []byte) ([]byte, error) {
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.HMAC(ctx, alg, key, data)
	})
}

// AESEncrypt encrypts data with AES-CBC and PKCS#7 padding. key must be 16, 24
// or 32 bytes and iv 16 bytes.
func (l *Library) AESEncrypt(ctx context.Context, data, key, iv []byte) ([]byte, error) {
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.AESEncrypt(ctx, data, key, iv)
	})
}

// AESDecrypt reverses AESEncrypt.
func (l *Library) AESDecrypt(ctx context.Context, data, key, iv []byte) ([]byte, error) {
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.AESDecrypt(ctx, data, key, iv)
	})
}

// GenerateRSAKeyPair generates an RSA key with the given modulus size. The
// private key is PEM PKCS#8 and the public key PEM SubjectPublicKeyInfo. With
// WithPassphrase the private key is written as an ENCRYPTED PRIVATE KEY.
func (l *Library) GenerateRSAKeyPair(ctx context.Context, bits int, opts ...KeyOption) (types.KeyPair, error) {
	o := newKeyOptions(opts)
	return call(l, func(e *openssl.Engine) (types.KeyPair, error) {
		return e.GenerateRSAKeyPair(ctx, bits, o.passphrase)
	})
}

// RSAEncrypt encrypts data to publicPEM with OAEP padding.
func (l *Library) RSAEncrypt(ctx context.Context, data []byte, publicPEM string) ([]byte, error) {
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.RSAEncrypt(ctx, data, publicPEM)
	})
}

// RSADecrypt decrypts data produced by RSAEncrypt. An encrypted privatePEM
// needs WithPassphrase.
func (l *Library) RSADecrypt(ctx context.Context, data []byte, privatePEM string, opts ...KeyOption) ([]byte, error) {
	o := newKeyOptions(opts)
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.RSADecrypt(ctx, data, privatePEM, o.passphrase)
	})
}

// RSASign signs data with PKCS#1 v1.5 over its alg digest. An empty alg means
// sha256.
func (l *Library) RSASign(ctx context.Context, data []byte, privatePEM string, alg types.DigestAlgorithm, opts ...KeyOption) ([]byte, error) {
	alg, err := types.ParseDigestAlgorithm(string(alg))
	if err != nil {
		return nil, err
	}
	o := newKeyOptions(opts)
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.RSASign(ctx, data, privatePEM, alg, o.passphrase)
	})
}

// RSAVerify reports whether signature is a valid RSASign signature of data.
// A signature that does not match is reported as false, not as an error.
func (l *Library) RSAVerify(ctx context.Context, data, signature []byte, publicPEM string, alg types.DigestAlgorithm) (bool, error) {
	alg, err := types.ParseDigestAlgorithm(string(alg))
	if err != nil {
		return false, err
	}
	return call(l, func(e *openssl.Engine) (bool, error) {
		return e.RSAVerify(ctx, data, signature, publicPEM, alg)
	})
}

// Base64Encode encodes data as standard base64 without line breaks.
func (l *Library) Base64Encode(ctx context.Context, data []byte) (string, error) {
	return call(l, func(e *openssl.Engine) (string, error) {
		return e.Base64Encode(ctx, data)
	})
}

// Base64Decode decodes standard base64 without line breaks.
func (l *Library) Base64Decode(ctx context.Context, text string) ([]byte, error) {
	return call(l, func(e *openssl.Engine) ([]byte, error) {
		return e.Base64Decode(ctx, text)
	})
}

// ToHex is the method form of the package function ToHex.
func (l *Library) ToHex(data []byte) string {
	return ToHex(data)
}

// FromHex is the method form of the package function FromHex.
func (l *Library) FromHex(s string) ([]byte, error) {
	return FromHex(s)
}
