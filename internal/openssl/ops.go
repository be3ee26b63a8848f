package openssl

import (
	"context"
	"fmt"
	"strings"

	"github.com/unityaisolutions/openssl-web-js/internal/exchange"
	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/internal/memory"
	"github.com/unityaisolutions/openssl-web-js/types"
)

const (
	aesBlockSize = 16
	// hmacMaxSize is EVP_MAX_MD_SIZE.
	hmacMaxSize = 64
	// randomChunk bounds a single random_bytes call.
	randomChunk = 1 << 20

	minRSABits = 512
	maxRSABits = 16384

	rsaPKCS1OAEPPadding = 4
	evpPKeyRSA          = 6
)

// RandomBytes returns n bytes from the library's generator. Requests larger
// than randomChunk are filled in chunks within one exchange.
func (e *Engine) RandomBytes(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, &types.InputError{Field: "length", Reason: "must be positive"}
	}
	if n > maxInput {
		return nil, &types.InputError{Field: "length", Reason: "exceeds 2 GiB"}
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) ([]byte, error) {
		out, err := f.Output(uint32(n))
		if err != nil {
			return nil, err
		}
		for off := 0; off < n; off += randomChunk {
			chunk := min(randomChunk, n-off)
			if err := f.Check(e.procs.RandomBytes, uint64(out.Ptr)+uint64(off), foreign.Arg(int32(chunk))); err != nil {
				return nil, err
			}
		}
		return f.Bytes(out, uint32(n))
	})
}

// Digest hashes data with alg.
func (e *Engine) Digest(ctx context.Context, alg types.DigestAlgorithm, data []byte) ([]byte, error) {
	if !alg.Valid() {
		return nil, &types.InputError{Field: "algorithm", Reason: fmt.Sprintf("unsupported digest %q", alg)}
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) ([]byte, error) {
		out, err := e.digest(f, alg, data)
		if err != nil {
			return nil, err
		}
		return f.Bytes(out, uint32(alg.Size()))
	})
}

// digest leaves the digest of data in a frame buffer of exactly alg.Size() bytes.
func (e *Engine) digest(f *exchange.Frame, alg types.DigestAlgorithm, data []byte) (memory.Buffer, error) {
	in, err := f.Input(data)
	if err != nil {
		return memory.Buffer{}, err
	}
	out, err := f.Output(uint32(alg.Size()))
	if err != nil {
		return memory.Buffer{}, err
	}
	proc := e.procs.Digests[alg].Digest
	if err := f.Check(proc, uint64(in.Ptr), uint64(len(data)), uint64(out.Ptr)); err != nil {
		return memory.Buffer{}, err
	}
	return out, nil
}

// HMAC computes the keyed digest of data.
func (e *Engine) HMAC(ctx context.Context, alg types.DigestAlgorithm, key, data []byte) ([]byte, error) {
	if !alg.Valid() {
		return nil, &types.InputError{Field: "algorithm", Reason: fmt.Sprintf("unsupported digest %q", alg)}
	}
	if err := checkLength("key", key); err != nil {
		return nil, err
	}
	if err := checkLength("data", data); err != nil {
		return nil, err
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) ([]byte, error) {
		md, err := f.Pointer(e.procs.Digests[alg].Method)
		if err != nil {
			return nil, err
		}
		keyBuf, err := f.Input(key)
		if err != nil {
			return nil, err
		}
		dataBuf, err := f.Input(data)
		if err != nil {
			return nil, err
		}
		out, err := f.Output(hmacMaxSize)
		if err != nil {
			return nil, err
		}
		outLen, err := f.OutLen()
		if err != nil {
			return nil, err
		}
		hctx, err := f.Object("HMAC_CTX", e.procs.HMACCtxFree, e.procs.HMACInit,
			uint64(keyBuf.Ptr), foreign.Arg(int32(len(key))), uint64(md))
		if err != nil {
			return nil, err
		}
		if err := f.Check(e.procs.HMACUpdate, uint64(hctx.Ptr), uint64(dataBuf.Ptr), foreign.Arg(int32(len(data)))); err != nil {
			return nil, err
		}
		// hmac_final frees the context whatever it returns.
		if err := f.Transfer(hctx); err != nil {
			return nil, err
		}
		if err := f.Check(e.procs.HMACFinal, uint64(hctx.Ptr), uint64(out.Ptr), uint64(outLen.Ptr)); err != nil {
			return nil, err
		}
		n, err := f.Uint32(outLen)
		if err != nil {
			return nil, err
		}
		if n != uint32(alg.Size()) {
			return nil, fmt.Errorf("hmac_final reported %d bytes for %s", n, alg)
		}
		return f.Bytes(out, n)
	})
}

type cipherProcs struct {
	init, update, final foreign.Procedure
}

// AESEncrypt encrypts data with AES-CBC and PKCS#7 padding. The key length
// selects AES-128, AES-192 or AES-256.
func (e *Engine) AESEncrypt(ctx context.Context, data, key, iv []byte) ([]byte, error) {
	return e.aes(ctx, cipherProcs{e.procs.EncryptInit, e.procs.EncryptUpdate, e.procs.EncryptFinal}, data, key, iv)
}

// AESDecrypt reverses AESEncrypt. A wrong key or corrupted ciphertext fails with
// the library's padding diagnostic.
func (e *Engine) AESDecrypt(ctx context.Context, data, key, iv []byte) ([]byte, error) {
	return e.aes(ctx, cipherProcs{e.procs.DecryptInit, e.procs.DecryptUpdate, e.procs.DecryptFinal}, data, key, iv)
}

func (e *Engine) aes(ctx context.Context, procs cipherProcs, data, key, iv []byte) ([]byte, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, &types.InputError{Field: "key", Reason: fmt.Sprintf("must be 16, 24 or 32 bytes, got %d", len(key))}
	}
	if len(iv) != aesBlockSize {
		return nil, &types.InputError{Field: "iv", Reason: fmt.Sprintf("must be %d bytes, got %d", aesBlockSize, len(iv))}
	}
	if uint64(len(data)) > maxInput-aesBlockSize {
		return nil, &types.InputError{Field: "data", Reason: "exceeds 2 GiB"}
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) ([]byte, error) {
		in, err := f.Input(data)
		if err != nil {
			return nil, err
		}
		keyBuf, err := f.Input(key)
		if err != nil {
			return nil, err
		}
		ivBuf, err := f.Input(iv)
		if err != nil {
			return nil, err
		}
		capacity := uint32(len(data)) + aesBlockSize
		out, err := f.Output(capacity)
		if err != nil {
			return nil, err
		}
		updateLen, err := f.OutLen()
		if err != nil {
			return nil, err
		}
		finalLen, err := f.OutLen()
		if err != nil {
			return nil, err
		}
		cctx, err := f.Object("EVP_CIPHER_CTX", e.procs.CipherCtxFree, procs.init,
			uint64(keyBuf.Ptr), foreign.Arg(int32(len(key))), uint64(ivBuf.Ptr))
		if err != nil {
			return nil, err
		}
		if err := f.Check(procs.update, uint64(cctx.Ptr), uint64(in.Ptr), foreign.Arg(int32(len(data))),
			uint64(out.Ptr), uint64(updateLen.Ptr)); err != nil {
			return nil, err
		}
		n1, err := f.Uint32(updateLen)
		if err != nil {
			return nil, err
		}
		if n1 > capacity-aesBlockSize {
			return nil, fmt.Errorf("%s reported %d bytes for %d bytes of input", procs.update.Signature().Name, n1, len(data))
		}
		// The final step frees the context whatever it returns.
		if err := f.Transfer(cctx); err != nil {
			return nil, err
		}
		if err := f.Check(procs.final, uint64(cctx.Ptr), uint64(out.Ptr)+uint64(n1), uint64(finalLen.Ptr)); err != nil {
			return nil, err
		}
		n2, err := f.Uint32(finalLen)
		if err != nil {
			return nil, err
		}
		if n2 > aesBlockSize {
			return nil, fmt.Errorf("%s reported %d bytes", procs.final.Signature().Name, n2)
		}
		return f.Bytes(out, n1+n2)
	})
}

// GenerateRSAKeyPair creates an RSA key of the given size and exports both
// halves as PEM. A non-empty passphrase encrypts the private key.
func (e *Engine) GenerateRSAKeyPair(ctx context.Context, bits int, passphrase string) (types.KeyPair, error) {
	if bits < minRSABits || bits > maxRSABits || bits%8 != 0 {
		return types.KeyPair{}, &types.InputError{
			Field:  "bits",
			Reason: fmt.Sprintf("must be a multiple of 8 between %d and %d, got %d", minRSABits, maxRSABits, bits),
		}
	}
	if err := checkPassphrase(passphrase); err != nil {
		return types.KeyPair{}, err
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) (types.KeyPair, error) {
		rsa, err := f.Object("RSA", e.procs.RSAFree, e.procs.RSAGenerate, foreign.Arg(int32(bits)))
		if err != nil {
			return types.KeyPair{}, err
		}
		pkey, err := f.Object("EVP_PKEY", e.procs.PKeyFree, e.procs.PKeyNew)
		if err != nil {
			return types.KeyPair{}, err
		}
		if err := f.Check(e.procs.PKeyAssign, uint64(pkey.Ptr), foreign.Arg(evpPKeyRSA), uint64(rsa.Ptr)); err != nil {
			return types.KeyPair{}, err
		}
		// The EVP_PKEY now owns the RSA key.
		if err := f.Transfer(rsa); err != nil {
			return types.KeyPair{}, err
		}
		pass, err := passphraseArg(f, passphrase)
		if err != nil {
			return types.KeyPair{}, err
		}
		private, err := e.exportPEM(f, e.procs.WritePrivateKey, pkey, pass)
		if err != nil {
			return types.KeyPair{}, err
		}
		public, err := e.exportPEM(f, e.procs.WritePublicKey, pkey)
		if err != nil {
			return types.KeyPair{}, err
		}
		return types.KeyPair{PublicKey: public, PrivateKey: private}, nil
	})
}

// exportPEM writes pkey into a fresh memory BIO and copies the BIO's contents out.
func (e *Engine) exportPEM(f *exchange.Frame, write foreign.Procedure, pkey *exchange.Object, extra ...uint64) (string, error) {
	method, err := f.Pointer(e.procs.BIOMem)
	if err != nil {
		return "", err
	}
	bio, err := f.Object("BIO", e.procs.BIOFree, e.procs.BIONew, uint64(method))
	if err != nil {
		return "", err
	}
	args := append([]uint64{uint64(bio.Ptr), uint64(pkey.Ptr)}, extra...)
	if err := f.Check(write, args...); err != nil {
		return "", err
	}
	pp, err := f.OutPointer()
	if err != nil {
		return "", err
	}
	n, err := f.Length(e.procs.BIOMemData, uint64(bio.Ptr), uint64(pp.Ptr))
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", f.Fail(e.procs.BIOMemData, "memory BIO is empty after PEM write")
	}
	data, err := f.ReadPointer(pp)
	if err != nil {
		return "", err
	}
	if data == 0 {
		return "", fmt.Errorf("bio_get_mem_data reported %d bytes at a null address", n)
	}
	pem, err := f.Borrow(bio, data, n)
	if err != nil {
		return "", err
	}
	return string(pem), nil
}

// loadKey parses a PEM key and returns the RSA key inside it. The frame owns
// the BIO, the EVP_PKEY and the extra RSA reference. passphrase only applies to
// private keys.
func (e *Engine) loadKey(f *exchange.Frame, pem string, private bool, passphrase string) (*exchange.Object, error) {
	in, err := f.Input([]byte(pem))
	if err != nil {
		return nil, err
	}
	bio, err := f.Object("BIO", e.procs.BIOFree, e.procs.BIOMemBuf, uint64(in.Ptr), foreign.Arg(int32(len(pem))))
	if err != nil {
		return nil, err
	}
	var pkey *exchange.Object
	if private {
		var pass uint64
		if pass, err = passphraseArg(f, passphrase); err != nil {
			return nil, err
		}
		pkey, err = f.Object("EVP_PKEY", e.procs.PKeyFree, e.procs.ReadPrivateKey, uint64(bio.Ptr), pass)
	} else {
		pkey, err = f.Object("EVP_PKEY", e.procs.PKeyFree, e.procs.ReadPublicKey, uint64(bio.Ptr))
	}
	if err != nil {
		return nil, err
	}
	return f.Object("RSA", e.procs.RSAFree, e.procs.PKeyGetRSA, uint64(pkey.Ptr))
}

func (e *Engine) rsaSize(f *exchange.Frame, rsa *exchange.Object) (uint32, error) {
	n, err := f.Length(e.procs.RSASize, uint64(rsa.Ptr))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, f.Fail(e.procs.RSASize, "key has no modulus")
	}
	return n, nil
}

func checkPEM(field, pem string) error {
	if pem == "" {
		return &types.InputError{Field: field, Reason: "empty PEM"}
	}
	if len(pem) > maxInput {
		return &types.InputError{Field: field, Reason: "exceeds 2 GiB"}
	}
	return nil
}

// checkPrivateKey also rejects an encrypted key without a passphrase, which
// would make the library fall back to prompting for one.
func checkPrivateKey(pem, passphrase string) error {
	if err := checkPEM("private key", pem); err != nil {
		return err
	}
	if err := checkPassphrase(passphrase); err != nil {
		return err
	}
	if passphrase == "" && strings.Contains(pem, "ENCRYPTED") {
		return &types.InputError{Field: "passphrase", Reason: "required for an encrypted private key"}
	}
	return nil
}

func checkPassphrase(passphrase string) error {
	if strings.IndexByte(passphrase, 0) >= 0 {
		return &types.InputError{Field: "passphrase", Reason: "contains a NUL byte"}
	}
	return nil
}

// passphraseArg copies a passphrase in as a C string and returns its address,
// or null when there is none.
func passphraseArg(f *exchange.Frame, passphrase string) (uint64, error) {
	if passphrase == "" {
		return 0, nil
	}
	in, err := f.Input(append([]byte(passphrase), 0))
	if err != nil {
		return 0, err
	}
	return uint64(in.Ptr), nil
}

// RSAEncrypt encrypts data for the holder of the private half of publicPEM,
// with OAEP padding.
func (e *Engine) RSAEncrypt(ctx context.Context, data []byte, publicPEM string) ([]byte, error) {
	if err := checkPEM("public key", publicPEM); err != nil {
		return nil, err
	}
	if err := checkLength("data", data); err != nil {
		return nil, err
	}
	return e.rsaCrypt(ctx, e.procs.RSAEncrypt, data, publicPEM, false, "")
}

// RSADecrypt reverses RSAEncrypt.
func (e *Engine) RSADecrypt(ctx context.Context, data []byte, privatePEM, passphrase string) ([]byte, error) {
	if err := checkPrivateKey(privatePEM, passphrase); err != nil {
		return nil, err
	}
	if err := checkLength("data", data); err != nil {
		return nil, err
	}
	return e.rsaCrypt(ctx, e.procs.RSADecrypt, data, privatePEM, true, passphrase)
}

func (e *Engine) rsaCrypt(ctx context.Context, proc foreign.Procedure, data []byte, pem string, private bool, passphrase string) ([]byte, error) {
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) ([]byte, error) {
		rsa, err := e.loadKey(f, pem, private, passphrase)
		if err != nil {
			return nil, err
		}
		size, err := e.rsaSize(f, rsa)
		if err != nil {
			return nil, err
		}
		in, err := f.Input(data)
		if err != nil {
			return nil, err
		}
		out, err := f.Output(size)
		if err != nil {
			return nil, err
		}
		n, err := f.Length(proc, foreign.Arg(int32(len(data))), uint64(in.Ptr), uint64(out.Ptr),
			uint64(rsa.Ptr), foreign.Arg(rsaPKCS1OAEPPadding))
		if err != nil {
			return nil, err
		}
		if n > size {
			return nil, fmt.Errorf("%s reported %d bytes for a %d byte key", proc.Signature().Name, n, size)
		}
		return f.Bytes(out, n)
	})
}

// RSASign signs the alg digest of data with PKCS#1 v1.5.
func (e *Engine) RSASign(ctx context.Context, data []byte, privatePEM string, alg types.DigestAlgorithm, passphrase string) ([]byte, error) {
	if !alg.Valid() {
		return nil, &types.InputError{Field: "algorithm", Reason: fmt.Sprintf("unsupported digest %q", alg)}
	}
	if err := checkPrivateKey(privatePEM, passphrase); err != nil {
		return nil, err
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) ([]byte, error) {
		md, err := e.digest(f, alg, data)
		if err != nil {
			return nil, err
		}
		rsa, err := e.loadKey(f, privatePEM, true, passphrase)
		if err != nil {
			return nil, err
		}
		size, err := e.rsaSize(f, rsa)
		if err != nil {
			return nil, err
		}
		sig, err := f.Output(size)
		if err != nil {
			return nil, err
		}
		sigLen, err := f.OutLen()
		if err != nil {
			return nil, err
		}
		if err := f.Check(e.procs.RSASign, foreign.Arg(alg.NID()), uint64(md.Ptr), uint64(alg.Size()),
			uint64(sig.Ptr), uint64(sigLen.Ptr), uint64(rsa.Ptr)); err != nil {
			return nil, err
		}
		n, err := f.Uint32(sigLen)
		if err != nil {
			return nil, err
		}
		if n > size {
			return nil, fmt.Errorf("rsa_sign reported %d bytes for a %d byte key", n, size)
		}
		return f.Bytes(sig, n)
	})
}

// RSAVerify checks a PKCS#1 v1.5 signature over the alg digest of data. A
// signature that does not match returns false without error.
func (e *Engine) RSAVerify(ctx context.Context, data, signature []byte, publicPEM string, alg types.DigestAlgorithm) (bool, error) {
	if !alg.Valid() {
		return false, &types.InputError{Field: "algorithm", Reason: fmt.Sprintf("unsupported digest %q", alg)}
	}
	if err := checkPEM("public key", publicPEM); err != nil {
		return false, err
	}
	if err := checkLength("signature", signature); err != nil {
		return false, err
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) (bool, error) {
		md, err := e.digest(f, alg, data)
		if err != nil {
			return false, err
		}
		rsa, err := e.loadKey(f, publicPEM, false, "")
		if err != nil {
			return false, err
		}
		sig, err := f.Input(signature)
		if err != nil {
			return false, err
		}
		st, err := f.Status(e.procs.RSAVerify, foreign.Arg(alg.NID()), uint64(md.Ptr), uint64(alg.Size()),
			uint64(sig.Ptr), uint64(len(signature)), uint64(rsa.Ptr))
		if err != nil {
			return false, err
		}
		if !st.OK() {
			e.logger.Debug().Str("diagnostic", st.Diagnostic).Msg("signature rejected")
		}
		return st.OK(), nil
	})
}

// Base64Encode encodes data without line breaks.
func (e *Engine) Base64Encode(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if uint64(len(data)) > maxInput/4*3 {
		return "", &types.InputError{Field: "data", Reason: "too large to encode"}
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) (string, error) {
		in, err := f.Input(data)
		if err != nil {
			return "", err
		}
		outLen, err := f.OutLen()
		if err != nil {
			return "", err
		}
		ptr, err := f.Pointer(e.procs.Base64Encode, uint64(in.Ptr), foreign.Arg(int32(len(data))), uint64(outLen.Ptr))
		if err != nil {
			return "", err
		}
		n, err := f.Uint32(outLen)
		if err != nil {
			return "", err
		}
		// The result is NUL-terminated, so the allocation is one byte longer.
		out, err := f.Adopt(ptr, n+1)
		if err != nil {
			return "", err
		}
		if limit := 4 * ((uint32(len(data)) + 2) / 3); n > limit {
			return "", fmt.Errorf("base64_encode reported %d bytes, at most %d expected", n, limit)
		}
		text, err := f.Bytes(out, n)
		if err != nil {
			return "", err
		}
		return string(text), nil
	})
}

// Base64Decode decodes text produced by Base64Encode.
func (e *Engine) Base64Decode(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return []byte{}, nil
	}
	if len(text) > maxInput {
		return nil, &types.InputError{Field: "text", Reason: "exceeds 2 GiB"}
	}
	return exchange.Run(ctx, e.env(), func(f *exchange.Frame) ([]byte, error) {
		in, err := f.Input([]byte(text))
		if err != nil {
			return nil, err
		}
		outLen, err := f.OutLen()
		if err != nil {
			return nil, err
		}
		ptr, err := f.Pointer(e.procs.Base64Decode, uint64(in.Ptr), foreign.Arg(int32(len(text))), uint64(outLen.Ptr))
		if err != nil {
			return nil, err
		}
		// The output buffer is as long as the input and is ours even when
		// decoding failed.
		out, err := f.Adopt(ptr, uint32(len(text)))
		if err != nil {
			return nil, err
		}
		raw, err := f.Uint32(outLen)
		if err != nil {
			return nil, err
		}
		n := int32(raw)
		if n <= 0 {
			return nil, f.Fail(e.procs.Base64Decode, "invalid base64 input")
		}
		if limit := 3 * ((uint32(len(text)) + 3) / 4); uint32(n) > limit || uint32(n) > out.Len {
			return nil, fmt.Errorf("base64_decode reported %d bytes, at most %d expected", n, limit)
		}
		return f.Bytes(out, uint32(n))
	})
}
