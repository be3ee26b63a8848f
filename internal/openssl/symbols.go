// Package openssl binds the exports of the OpenSSL glue build and composes them
// into complete operations, each run as one buffer exchange.
package openssl

import (
	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/types"
)

const (
	i = foreign.Int
	o = foreign.Offset
	l = foreign.Length
	s = foreign.String
	v = foreign.Void
)

// diagnosticLimit is the size of the glue's static error string buffer.
const diagnosticLimit = 256

// Procs holds every bound export. It is filled once at load time and never
// changes afterwards.
type Procs struct {
	Version, Init, Cleanup          foreign.Procedure
	ErrorString, ClearError         foreign.Procedure
	RandomBytes                     foreign.Procedure
	Digests                         map[types.DigestAlgorithm]*DigestProcs
	EncryptInit, EncryptUpdate      foreign.Procedure
	EncryptFinal                    foreign.Procedure
	DecryptInit, DecryptUpdate      foreign.Procedure
	DecryptFinal                    foreign.Procedure
	CipherCtxFree                   foreign.Procedure
	HMACInit, HMACUpdate, HMACFinal foreign.Procedure
	HMACCtxFree                     foreign.Procedure
	RSAGenerate, RSAFree, RSASize   foreign.Procedure
	RSAEncrypt, RSADecrypt          foreign.Procedure
	RSASign, RSAVerify              foreign.Procedure
	PKeyNew, PKeyAssign, PKeyGetRSA foreign.Procedure
	PKeyFree                        foreign.Procedure
	BIONew, BIOMem, BIOMemBuf       foreign.Procedure
	BIOFree, BIOMemData             foreign.Procedure
	ReadPrivateKey, ReadPublicKey   foreign.Procedure
	WritePrivateKey, WritePublicKey foreign.Procedure
	Base64Encode, Base64Decode      foreign.Procedure
}

// DigestProcs are the exports for one digest algorithm: the one-shot digest and
// the EVP_MD accessor used by HMAC.
type DigestProcs struct {
	Digest, Method foreign.Procedure
}

// Symbols returns the symbol table the library requires, bound into p.
func Symbols(p *Procs) []foreign.Binding {
	p.Digests = make(map[types.DigestAlgorithm]*DigestProcs)
	table := []foreign.Binding{
		{Sig: foreign.Sig("openssl_version", s), Target: &p.Version},
		{Sig: foreign.Sig("openssl_init", i), Target: &p.Init},
		{Sig: foreign.Sig("openssl_cleanup", v), Target: &p.Cleanup},
		{Sig: foreign.Sig("get_error_string", s), Target: &p.ErrorString},
		{Sig: foreign.Sig("ERR_clear_error", v), Target: &p.ClearError},
		{Sig: foreign.Sig("random_bytes", i, o, i), Target: &p.RandomBytes},

		{Sig: foreign.Sig("aes_encrypt_init", o, o, i, o), Target: &p.EncryptInit},
		{Sig: foreign.Sig("aes_encrypt_update", i, o, o, i, o, o), Target: &p.EncryptUpdate},
		{Sig: foreign.Sig("aes_encrypt_final", i, o, o, o), Target: &p.EncryptFinal},
		{Sig: foreign.Sig("aes_decrypt_init", o, o, i, o), Target: &p.DecryptInit},
		{Sig: foreign.Sig("aes_decrypt_update", i, o, o, i, o, o), Target: &p.DecryptUpdate},
		{Sig: foreign.Sig("aes_decrypt_final", i, o, o, o), Target: &p.DecryptFinal},
		{Sig: foreign.Sig("evp_cipher_ctx_free", v, o), Target: &p.CipherCtxFree},

		{Sig: foreign.Sig("hmac_init", o, o, i, o), Target: &p.HMACInit},
		{Sig: foreign.Sig("hmac_update", i, o, o, i), Target: &p.HMACUpdate},
		{Sig: foreign.Sig("hmac_final", i, o, o, o), Target: &p.HMACFinal},
		{Sig: foreign.Sig("HMAC_CTX_free", v, o), Target: &p.HMACCtxFree},

		{Sig: foreign.Sig("rsa_generate_key", o, i), Target: &p.RSAGenerate},
		{Sig: foreign.Sig("RSA_free", v, o), Target: &p.RSAFree},
		{Sig: foreign.Sig("RSA_size", i, o), Target: &p.RSASize},
		{Sig: foreign.Sig("rsa_public_encrypt", i, i, o, o, o, i), Target: &p.RSAEncrypt},
		{Sig: foreign.Sig("rsa_private_decrypt", i, i, o, o, o, i), Target: &p.RSADecrypt},
		{Sig: foreign.Sig("rsa_sign", i, i, o, l, o, o, o), Target: &p.RSASign},
		{Sig: foreign.Sig("rsa_verify", i, i, o, l, o, l, o), Target: &p.RSAVerify},
		{Sig: foreign.Sig("EVP_PKEY_new", o), Target: &p.PKeyNew},
		{Sig: foreign.Sig("EVP_PKEY_assign", i, o, i, o), Target: &p.PKeyAssign},
		{Sig: foreign.Sig("EVP_PKEY_get1_RSA", o, o), Target: &p.PKeyGetRSA},
		{Sig: foreign.Sig("evp_pkey_free", v, o), Target: &p.PKeyFree},

		{Sig: foreign.Sig("BIO_new", o, o), Target: &p.BIONew},
		{Sig: foreign.Sig("BIO_s_mem", o), Target: &p.BIOMem},
		{Sig: foreign.Sig("bio_new_mem_buf", o, o, i), Target: &p.BIOMemBuf},
		{Sig: foreign.Sig("bio_free", v, o), Target: &p.BIOFree},
		{Sig: foreign.Sig("bio_get_mem_data", i, o, o), Target: &p.BIOMemData},
		{Sig: foreign.Sig("pem_read_bio_private_key", o, o, s), Target: &p.ReadPrivateKey},
		{Sig: foreign.Sig("pem_read_bio_pubkey", o, o), Target: &p.ReadPublicKey},
		{Sig: foreign.Sig("pem_write_bio_private_key", i, o, o, s), Target: &p.WritePrivateKey},
		{Sig: foreign.Sig("pem_write_bio_pubkey", i, o, o), Target: &p.WritePublicKey},

		{Sig: foreign.Sig("base64_encode", o, o, i, o), Target: &p.Base64Encode},
		{Sig: foreign.Sig("base64_decode", o, o, i, o), Target: &p.Base64Decode},
	}
	for _, alg := range types.DigestAlgorithms() {
		d := &DigestProcs{}
		p.Digests[alg] = d
		table = append(table,
			foreign.Binding{Sig: foreign.Sig(string(alg)+"_digest", i, o, l, o), Target: &d.Digest},
			foreign.Binding{Sig: foreign.Sig("EVP_"+string(alg), o), Target: &d.Method},
		)
	}
	return table
}
