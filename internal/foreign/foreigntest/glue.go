package foreigntest

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"

	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
)

const (
	rsaPKCS1OAEPPadding = 4
	evpPKeyRSA          = 6
	bioMemMethod        = staticBase + 0x100
)

// OpenSSL-style queue entries produced by the emulated library.
const (
	ErrBadDecrypt         = "error:1C800064:Provider routines::bad decrypt"
	ErrWrongFinalBlock    = "error:1C80006B:Provider routines::wrong final block length"
	ErrInvalidKeyLength   = "error:0300007A:digital envelope routines::invalid key length"
	ErrDataTooLarge       = "error:0200006E:rsa routines::data too large for key size"
	ErrOAEPDecoding       = "error:02000079:rsa routines::oaep decoding error"
	ErrBadSignature       = "error:02000068:rsa routines::bad signature"
	ErrNoPrivateKey       = "error:0200009F:rsa routines::value missing"
	ErrKeyGeneration      = "error:02000078:rsa routines::key size too small"
	ErrDecoderUnsupported = "error:1E08010C:DECODER routines::unsupported"
	ErrNoStartLine        = "error:0480006C:PEM routines::no start line"
	ErrMallocFailure      = "error:0300000D:digital envelope routines::malloc failure"
	ErrNoPassword         = "error:0480006D:PEM routines::problems getting password"
)

type digest struct {
	name string
	nid  int32
	hash crypto.Hash
	new  func() hash.Hash
}

var digests = []digest{
	{"md5", 4, crypto.MD5, md5.New},
	{"sha1", 64, crypto.SHA1, sha1.New},
	{"sha256", 672, crypto.SHA256, sha256.New},
	{"sha384", 673, crypto.SHA384, sha512.New384},
	{"sha512", 674, crypto.SHA512, sha512.New},
}

func digestMethod(i int) foreign.Ptr { return staticBase + foreign.Ptr(i)*16 }

func digestByMethod(ptr foreign.Ptr) (digest, bool) {
	for i, d := range digests {
		if digestMethod(i) == ptr {
			return d, true
		}
	}
	return digest{}, false
}

func digestByNID(nid int32) (digest, bool) {
	for _, d := range digests {
		if d.nid == nid {
			return d, true
		}
	}
	return digest{}, false
}

type cipherCtx struct {
	mode    cipher.BlockMode
	encrypt bool
	pending []byte
}

type hmacCtx struct {
	mac hash.Hash
}

type rsaKey struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

type pkey struct {
	rsa foreign.Ptr
}

func (p *pkey) cleanup(m *Module) {
	m.release(p.rsa)
}

type bio struct {
	data    []byte
	storage foreign.Ptr
}

func (b *bio) cleanup(m *Module) {
	if b.storage != 0 {
		_ = m.free(b.storage)
	}
}

const (
	I = foreign.Int
	O = foreign.Offset
	L = foreign.Length
	S = foreign.String
	V = foreign.Void
)

const failLength = 0xFFFF_FFFF

func (m *Module) glue() map[string]*export {
	table := map[string]*export{}
	add := func(sig foreign.Signature, fail uint64, fn func(args []uint64) (uint64, error)) {
		table[sig.Name] = &export{sig: sig, fail: fail, fn: fn}
	}

	add(foreign.Sig("openssl_version", S), 0, func([]uint64) (uint64, error) {
		return versionAddr, nil
	})
	add(foreign.Sig("openssl_init", I), 0, func([]uint64) (uint64, error) {
		m.initialized = true
		return 1, nil
	})
	add(foreign.Sig("openssl_cleanup", V), 0, func([]uint64) (uint64, error) {
		m.cleanedUp = true
		return 0, nil
	})
	add(foreign.Sig("get_error_string", S), 0, func([]uint64) (uint64, error) {
		if len(m.errs) == 0 {
			return 0, nil
		}
		msg := m.errs[0]
		m.errs = m.errs[1:]
		if len(msg) > errorBufSize-1 {
			msg = msg[:errorBufSize-1]
		}
		buf := make([]byte, len(msg)+1)
		copy(buf, msg)
		return errorAddr, m.write(errorAddr, buf)
	})
	add(foreign.Sig("ERR_clear_error", V), 0, func([]uint64) (uint64, error) {
		m.errs = nil
		return 0, nil
	})
	add(foreign.Sig("random_bytes", I, O, I), 0, func(a []uint64) (uint64, error) {
		n := foreign.Status(a[1])
		if n < 0 {
			return 0, nil
		}
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			m.pushError("error:12000090:random number generator::unable to fetch drbg")
			return 0, nil
		}
		if err := m.write(foreign.Ptr(a[0]), buf); err != nil {
			return 0, trap("random_bytes", err)
		}
		return 1, nil
	})

	for i, d := range digests {
		name := d.name + "_digest"
		add(foreign.Sig(name, I, O, L, O), 0, func(a []uint64) (uint64, error) {
			data, err := m.read(foreign.Ptr(a[0]), uint32(a[1]))
			if a[1] == 0 {
				data, err = nil, nil
			}
			if err != nil {
				return 0, trap(name, err)
			}
			h := d.new()
			h.Write(data)
			if err := m.write(foreign.Ptr(a[2]), h.Sum(nil)); err != nil {
				return 0, trap(name, err)
			}
			return 1, nil
		})
		method := digestMethod(i)
		add(foreign.Sig("EVP_"+d.name, O), 0, func([]uint64) (uint64, error) {
			return uint64(method), nil
		})
	}

	m.cipherExports(add)
	m.hmacExports(add)
	m.rsaExports(add)
	m.bioExports(add)

	add(foreign.Sig("base64_encode", O, O, I, O), 0, func(a []uint64) (uint64, error) {
		n := uint32(a[1])
		var in []byte
		if n > 0 {
			data, err := m.read(foreign.Ptr(a[0]), n)
			if err != nil {
				return 0, trap("base64_encode", err)
			}
			in = data
		}
		enc := base64.StdEncoding.EncodeToString(in)
		out := m.malloc(uint32(len(enc)) + 1)
		if out == 0 {
			return 0, nil
		}
		if err := m.write(out, append([]byte(enc), 0)); err != nil {
			return 0, trap("base64_encode", err)
		}
		if err := m.writeUint32(foreign.Ptr(a[2]), uint32(len(enc))); err != nil {
			return 0, trap("base64_encode", err)
		}
		return uint64(out), nil
	})
	add(foreign.Sig("base64_decode", O, O, I, O), 0, func(a []uint64) (uint64, error) {
		n := uint32(a[1])
		in, err := m.read(foreign.Ptr(a[0]), n)
		if err != nil {
			return 0, trap("base64_decode", err)
		}
		text := string(in)
		out := m.malloc(n)
		if out == 0 {
			return 0, nil
		}
		dec, err := base64.StdEncoding.DecodeString(text)
		length := uint32(len(dec))
		if err != nil {
			length = failLength
		} else if err := m.write(out, dec); err != nil {
			return 0, trap("base64_decode", err)
		}
		if err := m.writeUint32(foreign.Ptr(a[2]), length); err != nil {
			return 0, trap("base64_decode", err)
		}
		return uint64(out), nil
	})
	for _, name := range []string{"aes_encrypt_final", "aes_decrypt_final", "hmac_final"} {
		table[name].consumes = true
	}
	return table
}

func (m *Module) cipherExports(add func(foreign.Signature, uint64, func([]uint64) (uint64, error))) {
	for _, encrypt := range []bool{true, false} {
		prefix := "aes_decrypt"
		if encrypt {
			prefix = "aes_encrypt"
		}
		add(foreign.Sig(prefix+"_init", O, O, I, O), 0, func(a []uint64) (uint64, error) {
			keyLen := foreign.Status(a[1])
			if keyLen != 16 && keyLen != 24 && keyLen != 32 {
				m.pushError(ErrInvalidKeyLength)
				return 0, nil
			}
			key, err := m.read(foreign.Ptr(a[0]), uint32(keyLen))
			if err != nil {
				return 0, trap(prefix+"_init", err)
			}
			iv, err := m.read(foreign.Ptr(a[2]), aes.BlockSize)
			if err != nil {
				return 0, trap(prefix+"_init", err)
			}
			block, err := aes.NewCipher(key)
			if err != nil {
				m.pushError(ErrInvalidKeyLength)
				return 0, nil
			}
			ctx := &cipherCtx{encrypt: encrypt}
			if encrypt {
				ctx.mode = cipher.NewCBCEncrypter(block, bytes.Clone(iv))
			} else {
				ctx.mode = cipher.NewCBCDecrypter(block, bytes.Clone(iv))
			}
			return uint64(m.newObject(ctx)), nil
		})
		add(foreign.Sig(prefix+"_update", I, O, O, I, O, O), 0, func(a []uint64) (uint64, error) {
			ctx, ok := m.cipherCtx(foreign.Ptr(a[0]), encrypt)
			if !ok {
				return 0, nil
			}
			n := uint32(a[2])
			if n > 0 {
				in, err := m.read(foreign.Ptr(a[1]), n)
				if err != nil {
					return 0, trap(prefix+"_update", err)
				}
				ctx.pending = append(ctx.pending, in...)
			}
			// Decryption keeps the last full block back until final, where the
			// padding is checked.
			ready := len(ctx.pending) / aes.BlockSize * aes.BlockSize
			if !encrypt && ready == len(ctx.pending) && ready > 0 {
				ready -= aes.BlockSize
			}
			out := make([]byte, ready)
			ctx.mode.CryptBlocks(out, ctx.pending[:ready])
			ctx.pending = ctx.pending[ready:]
			if err := m.write(foreign.Ptr(a[3]), out); err != nil && ready > 0 {
				return 0, trap(prefix+"_update", err)
			}
			if err := m.writeUint32(foreign.Ptr(a[4]), uint32(ready)); err != nil {
				return 0, trap(prefix+"_update", err)
			}
			return 1, nil
		})
		add(foreign.Sig(prefix+"_final", I, O, O, O), 0, func(a []uint64) (uint64, error) {
			ptr := foreign.Ptr(a[0])
			ctx, ok := m.cipherCtx(ptr, encrypt)
			if !ok {
				return 0, nil
			}
			defer m.release(ptr)
			var out []byte
			if encrypt {
				pad := aes.BlockSize - len(ctx.pending)
				block := append(bytes.Clone(ctx.pending), bytes.Repeat([]byte{byte(pad)}, pad)...)
				out = make([]byte, aes.BlockSize)
				ctx.mode.CryptBlocks(out, block)
			} else {
				if len(ctx.pending) != aes.BlockSize {
					m.pushError(ErrWrongFinalBlock)
					return 0, nil
				}
				block := make([]byte, aes.BlockSize)
				ctx.mode.CryptBlocks(block, ctx.pending)
				pad := int(block[aes.BlockSize-1])
				if pad == 0 || pad > aes.BlockSize || !bytes.Equal(block[aes.BlockSize-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
					m.pushError(ErrBadDecrypt)
					return 0, nil
				}
				out = block[:aes.BlockSize-pad]
			}
			if len(out) > 0 {
				if err := m.write(foreign.Ptr(a[1]), out); err != nil {
					return 0, trap(prefix+"_final", err)
				}
			}
			if err := m.writeUint32(foreign.Ptr(a[2]), uint32(len(out))); err != nil {
				return 0, trap(prefix+"_final", err)
			}
			return 1, nil
		})
	}
	add(foreign.Sig("evp_cipher_ctx_free", V, O), 0, m.releaser)
}

func (m *Module) cipherCtx(ptr foreign.Ptr, encrypt bool) (*cipherCtx, bool) {
	v, ok := m.lookup(ptr)
	ctx, isCipher := v.(*cipherCtx)
	if !ok || !isCipher || ctx.encrypt != encrypt {
		m.pushError("error:1C800066:Provider routines::cipher operation failed")
		return nil, false
	}
	return ctx, true
}

func (m *Module) releaser(a []uint64) (uint64, error) {
	m.release(foreign.Ptr(a[0]))
	return 0, nil
}

func (m *Module) hmacExports(add func(foreign.Signature, uint64, func([]uint64) (uint64, error))) {
	add(foreign.Sig("hmac_init", O, O, I, O), 0, func(a []uint64) (uint64, error) {
		d, ok := digestByMethod(foreign.Ptr(a[2]))
		if !ok {
			m.pushError("error:0300009F:digital envelope routines::no digest set")
			return 0, nil
		}
		var key []byte
		if n := uint32(a[1]); n > 0 {
			data, err := m.read(foreign.Ptr(a[0]), n)
			if err != nil {
				return 0, trap("hmac_init", err)
			}
			key = data
		}
		return uint64(m.newObject(&hmacCtx{mac: hmac.New(d.new, key)})), nil
	})
	add(foreign.Sig("hmac_update", I, O, O, I), 0, func(a []uint64) (uint64, error) {
		ctx, ok := m.hmacCtx(foreign.Ptr(a[0]))
		if !ok {
			return 0, nil
		}
		if n := uint32(a[2]); n > 0 {
			data, err := m.read(foreign.Ptr(a[1]), n)
			if err != nil {
				return 0, trap("hmac_update", err)
			}
			ctx.mac.Write(data)
		}
		return 1, nil
	})
	add(foreign.Sig("hmac_final", I, O, O, O), 0, func(a []uint64) (uint64, error) {
		ptr := foreign.Ptr(a[0])
		ctx, ok := m.hmacCtx(ptr)
		if !ok {
			return 0, nil
		}
		defer m.release(ptr)
		sum := ctx.mac.Sum(nil)
		if err := m.write(foreign.Ptr(a[1]), sum); err != nil {
			return 0, trap("hmac_final", err)
		}
		if err := m.writeUint32(foreign.Ptr(a[2]), uint32(len(sum))); err != nil {
			return 0, trap("hmac_final", err)
		}
		return 1, nil
	})
	add(foreign.Sig("HMAC_CTX_free", V, O), 0, m.releaser)
}

func (m *Module) hmacCtx(ptr foreign.Ptr) (*hmacCtx, bool) {
	v, _ := m.lookup(ptr)
	ctx, ok := v.(*hmacCtx)
	if !ok {
		m.pushError("error:1C800066:Provider routines::mac operation failed")
	}
	return ctx, ok
}

func (m *Module) rsaKey(ptr foreign.Ptr) (*rsaKey, bool) {
	v, _ := m.lookup(ptr)
	key, ok := v.(*rsaKey)
	if !ok {
		m.pushError("error:02000043:rsa routines::passed a null parameter")
	}
	return key, ok
}

func (m *Module) rsaExports(add func(foreign.Signature, uint64, func([]uint64) (uint64, error))) {
	add(foreign.Sig("rsa_generate_key", O, I), 0, func(a []uint64) (uint64, error) {
		priv, err := rsa.GenerateKey(rand.Reader, int(foreign.Status(a[0])))
		if err != nil {
			m.pushError(ErrKeyGeneration)
			return 0, nil
		}
		return uint64(m.newObject(&rsaKey{priv: priv, pub: &priv.PublicKey})), nil
	})
	add(foreign.Sig("RSA_free", V, O), 0, m.releaser)
	add(foreign.Sig("RSA_size", I, O), 0, func(a []uint64) (uint64, error) {
		key, ok := m.rsaKey(foreign.Ptr(a[0]))
		if !ok {
			return 0, nil
		}
		return uint64(key.pub.Size()), nil
	})
	add(foreign.Sig("rsa_public_encrypt", I, I, O, O, O, I), failLength, func(a []uint64) (uint64, error) {
		return m.rsaCrypt("rsa_public_encrypt", a, true)
	})
	add(foreign.Sig("rsa_private_decrypt", I, I, O, O, O, I), failLength, func(a []uint64) (uint64, error) {
		return m.rsaCrypt("rsa_private_decrypt", a, false)
	})
	add(foreign.Sig("rsa_sign", I, I, O, L, O, O, O), 0, func(a []uint64) (uint64, error) {
		d, ok := digestByNID(foreign.Status(a[0]))
		if !ok {
			m.pushError("error:02000075:rsa routines::unknown algorithm type")
			return 0, nil
		}
		key, ok := m.rsaKey(foreign.Ptr(a[5]))
		if !ok {
			return 0, nil
		}
		if key.priv == nil {
			m.pushError(ErrNoPrivateKey)
			return 0, nil
		}
		digest, err := m.read(foreign.Ptr(a[1]), uint32(a[2]))
		if err != nil {
			return 0, trap("rsa_sign", err)
		}
		sig, err := rsa.SignPKCS1v15(nil, key.priv, d.hash, digest)
		if err != nil {
			m.pushError("error:02000070:rsa routines::digest too big for rsa key")
			return 0, nil
		}
		if err := m.write(foreign.Ptr(a[3]), sig); err != nil {
			return 0, trap("rsa_sign", err)
		}
		if err := m.writeUint32(foreign.Ptr(a[4]), uint32(len(sig))); err != nil {
			return 0, trap("rsa_sign", err)
		}
		return 1, nil
	})
	add(foreign.Sig("rsa_verify", I, I, O, L, O, L, O), 0, func(a []uint64) (uint64, error) {
		d, ok := digestByNID(foreign.Status(a[0]))
		if !ok {
			m.pushError("error:02000075:rsa routines::unknown algorithm type")
			return 0, nil
		}
		key, ok := m.rsaKey(foreign.Ptr(a[5]))
		if !ok {
			return 0, nil
		}
		digest, err := m.read(foreign.Ptr(a[1]), uint32(a[2]))
		if err != nil {
			return 0, trap("rsa_verify", err)
		}
		var sig []byte
		if n := uint32(a[4]); n > 0 {
			if sig, err = m.read(foreign.Ptr(a[3]), n); err != nil {
				return 0, trap("rsa_verify", err)
			}
		}
		if err := rsa.VerifyPKCS1v15(key.pub, d.hash, digest, sig); err != nil {
			m.pushError(ErrBadSignature)
			return 0, nil
		}
		return 1, nil
	})
	add(foreign.Sig("EVP_PKEY_new", O), 0, func([]uint64) (uint64, error) {
		return uint64(m.newObject(&pkey{})), nil
	})
	add(foreign.Sig("EVP_PKEY_assign", I, O, I, O), 0, func(a []uint64) (uint64, error) {
		v, _ := m.lookup(foreign.Ptr(a[0]))
		p, ok := v.(*pkey)
		if !ok || foreign.Status(a[1]) != evpPKeyRSA {
			m.pushError("error:03000096:digital envelope routines::operation not supported for this keytype")
			return 0, nil
		}
		if _, ok := m.rsaKey(foreign.Ptr(a[2])); !ok {
			return 0, nil
		}
		if p.rsa != 0 {
			m.release(p.rsa)
		}
		p.rsa = foreign.Ptr(a[2])
		return 1, nil
	})
	add(foreign.Sig("EVP_PKEY_get1_RSA", O, O), 0, func(a []uint64) (uint64, error) {
		v, _ := m.lookup(foreign.Ptr(a[0]))
		p, ok := v.(*pkey)
		if !ok || p.rsa == 0 {
			m.pushError("error:03000082:digital envelope routines::expecting an rsa key")
			return 0, nil
		}
		m.retain(p.rsa)
		return uint64(p.rsa), nil
	})
	add(foreign.Sig("evp_pkey_free", V, O), 0, m.releaser)
}

func (m *Module) rsaCrypt(name string, a []uint64, encrypt bool) (uint64, error) {
	flen := foreign.Status(a[0])
	if foreign.Status(a[4]) != rsaPKCS1OAEPPadding {
		m.pushError("error:0200008E:rsa routines::unknown padding type")
		return failLength, nil
	}
	key, ok := m.rsaKey(foreign.Ptr(a[3]))
	if !ok || flen < 0 {
		return failLength, nil
	}
	var in []byte
	if flen > 0 {
		data, err := m.read(foreign.Ptr(a[1]), uint32(flen))
		if err != nil {
			return 0, trap(name, err)
		}
		in = data
	}
	var out []byte
	var err error
	if encrypt {
		out, err = rsa.EncryptOAEP(sha1.New(), rand.Reader, key.pub, in, nil)
		if err != nil {
			m.pushError(ErrDataTooLarge)
			return failLength, nil
		}
	} else {
		if key.priv == nil {
			m.pushError(ErrNoPrivateKey)
			return failLength, nil
		}
		out, err = rsa.DecryptOAEP(sha1.New(), nil, key.priv, in, nil)
		if err != nil {
			m.pushError(ErrOAEPDecoding)
			return failLength, nil
		}
	}
	if len(out) > 0 {
		if err := m.write(foreign.Ptr(a[2]), out); err != nil {
			return 0, trap(name, err)
		}
	}
	return uint64(len(out)), nil
}

func (m *Module) bio(ptr foreign.Ptr) (*bio, bool) {
	v, _ := m.lookup(ptr)
	b, ok := v.(*bio)
	if !ok {
		m.pushError("error:10000080:BIO routines::null parameter")
	}
	return b, ok
}

func (m *Module) bioExports(add func(foreign.Signature, uint64, func([]uint64) (uint64, error))) {
	add(foreign.Sig("BIO_s_mem", O), 0, func([]uint64) (uint64, error) {
		return bioMemMethod, nil
	})
	add(foreign.Sig("BIO_new", O, O), 0, func(a []uint64) (uint64, error) {
		if foreign.Ptr(a[0]) != bioMemMethod {
			m.pushError("error:10000080:BIO routines::null parameter")
			return 0, nil
		}
		return uint64(m.newObject(&bio{})), nil
	})
	add(foreign.Sig("bio_new_mem_buf", O, O, I), 0, func(a []uint64) (uint64, error) {
		n := foreign.Status(a[1])
		if n < 0 {
			m.pushError("error:10000080:BIO routines::null parameter")
			return 0, nil
		}
		data, err := m.read(foreign.Ptr(a[0]), uint32(n))
		if err != nil {
			return 0, trap("bio_new_mem_buf", err)
		}
		return uint64(m.newObject(&bio{data: bytes.Clone(data)})), nil
	})
	add(foreign.Sig("bio_free", V, O), 0, m.releaser)
	add(foreign.Sig("bio_get_mem_data", I, O, O), 0, func(a []uint64) (uint64, error) {
		b, ok := m.bio(foreign.Ptr(a[0]))
		if !ok {
			return 0, nil
		}
		if b.storage != 0 {
			_ = m.free(b.storage)
			b.storage = 0
		}
		if len(b.data) > 0 {
			b.storage = m.malloc(uint32(len(b.data)))
			if b.storage == 0 {
				m.pushError(ErrMallocFailure)
				return 0, nil
			}
			if err := m.write(b.storage, b.data); err != nil {
				return 0, trap("bio_get_mem_data", err)
			}
		}
		if err := m.writeUint32(foreign.Ptr(a[1]), uint32(b.storage)); err != nil {
			return 0, trap("bio_get_mem_data", err)
		}
		return uint64(len(b.data)), nil
	})
	add(foreign.Sig("pem_write_bio_private_key", I, O, O, S), 0, func(a []uint64) (uint64, error) {
		b, key, ok := m.pemTarget(foreign.Ptr(a[0]), foreign.Ptr(a[1]))
		if !ok {
			return 0, nil
		}
		passphrase, err := m.cstring(foreign.Ptr(a[2]))
		if err != nil {
			return 0, trap("pem_write_bio_private_key", err)
		}
		if key.priv == nil {
			m.pushError("error:1C8000B7:Provider routines::unsupported key type")
			return 0, nil
		}
		der, err := x509.MarshalPKCS8PrivateKey(key.priv)
		if err != nil {
			m.pushError("error:1C8000B7:Provider routines::unsupported key type")
			return 0, nil
		}
		block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
		if passphrase != "" {
			enc, err := encryptPKCS8(der, passphrase)
			if err != nil {
				m.pushError("error:1C800066:Provider routines::cipher operation failed")
				return 0, nil
			}
			block = &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: enc}
		}
		b.data = append(b.data, pem.EncodeToMemory(block)...)
		return 1, nil
	})
	add(foreign.Sig("pem_write_bio_pubkey", I, O, O), 0, func(a []uint64) (uint64, error) {
		b, key, ok := m.pemTarget(foreign.Ptr(a[0]), foreign.Ptr(a[1]))
		if !ok {
			return 0, nil
		}
		der, err := x509.MarshalPKIXPublicKey(key.pub)
		if err != nil {
			m.pushError("error:1C8000B7:Provider routines::unsupported key type")
			return 0, nil
		}
		b.data = append(b.data, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})...)
		return 1, nil
	})
	add(foreign.Sig("pem_read_bio_private_key", O, O, S), 0, func(a []uint64) (uint64, error) {
		b, ok := m.bio(foreign.Ptr(a[0]))
		if !ok {
			return 0, nil
		}
		passphrase, err := m.cstring(foreign.Ptr(a[1]))
		if err != nil {
			return 0, trap("pem_read_bio_private_key", err)
		}
		block, _ := pem.Decode(b.data)
		if block == nil {
			m.pushError(ErrNoStartLine)
			return 0, nil
		}
		if block.Type == "ENCRYPTED PRIVATE KEY" {
			if passphrase == "" {
				m.pushError(ErrNoPassword)
				return 0, nil
			}
			der, err := decryptPKCS8(block.Bytes, passphrase)
			if err == nil {
				_, err = x509.ParsePKCS8PrivateKey(der)
			}
			if err != nil {
				m.pushError(ErrBadDecrypt)
				return 0, nil
			}
			block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
		}
		priv, err := parsePrivateKey(block)
		if err != nil {
			m.pushError(ErrDecoderUnsupported)
			return 0, nil
		}
		return uint64(m.wrapKey(&rsaKey{priv: priv, pub: &priv.PublicKey})), nil
	})
	add(foreign.Sig("pem_read_bio_pubkey", O, O), 0, func(a []uint64) (uint64, error) {
		b, ok := m.bio(foreign.Ptr(a[0]))
		if !ok {
			return 0, nil
		}
		block, _ := pem.Decode(b.data)
		if block == nil || block.Type != "PUBLIC KEY" {
			m.pushError(ErrNoStartLine)
			return 0, nil
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		pub, isRSA := parsed.(*rsa.PublicKey)
		if err != nil || !isRSA {
			m.pushError(ErrDecoderUnsupported)
			return 0, nil
		}
		return uint64(m.wrapKey(&rsaKey{pub: pub})), nil
	})
}

func (m *Module) pemTarget(bioPtr, keyPtr foreign.Ptr) (*bio, *rsaKey, bool) {
	b, ok := m.bio(bioPtr)
	if !ok {
		return nil, nil, false
	}
	v, _ := m.lookup(keyPtr)
	p, ok := v.(*pkey)
	if !ok || p.rsa == 0 {
		m.pushError("error:1C8000B7:Provider routines::unsupported key type")
		return nil, nil, false
	}
	key, ok := m.rsaKey(p.rsa)
	return b, key, ok
}

// cstring reads the NUL-terminated string at ptr; null reads as empty.
func (m *Module) cstring(ptr foreign.Ptr) (string, error) {
	if ptr == 0 {
		return "", nil
	}
	if uint64(ptr) >= uint64(len(m.mem)) {
		return "", fmt.Errorf("%w: string at 0x%x", foreign.ErrOutOfBounds, ptr)
	}
	i := bytes.IndexByte(m.mem[ptr:], 0)
	if i < 0 {
		return "", fmt.Errorf("%w: unterminated string at 0x%x", foreign.ErrOutOfBounds, ptr)
	}
	return string(m.mem[ptr : int(ptr)+i]), nil
}

// wrapKey returns a new EVP_PKEY holding the only reference to a new RSA key.
func (m *Module) wrapKey(key *rsaKey) foreign.Ptr {
	return m.newObject(&pkey{rsa: m.newObject(key)})
}

func parsePrivateKey(block *pem.Block) (*rsa.PrivateKey, error) {
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an RSA key")
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, errors.New("unsupported PEM type " + block.Type)
	}
}
