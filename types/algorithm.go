package types

import (
	"fmt"
	"strings"
)

// DigestAlgorithm names a message digest supported by the wrapped library.
type DigestAlgorithm string

const (
	MD5    DigestAlgorithm = "md5"
	SHA1   DigestAlgorithm = "sha1"
	SHA256 DigestAlgorithm = "sha256"
	SHA384 DigestAlgorithm = "sha384"
	SHA512 DigestAlgorithm = "sha512"
)

// DefaultSignatureAlgorithm is used by sign and verify when no algorithm is given.
const DefaultSignatureAlgorithm = SHA256

// digestInfo holds the fixed output size and OpenSSL NID of each digest.
var digestInfo = map[DigestAlgorithm]struct {
	size int
	nid  int32
}{
	MD5:    {16, 4},
	SHA1:   {20, 64},
	SHA256: {32, 672},
	SHA384: {48, 673},
	SHA512: {64, 674},
}

// DigestAlgorithms lists every supported digest.
func DigestAlgorithms() []DigestAlgorithm {
	return []DigestAlgorithm{MD5, SHA1, SHA256, SHA384, SHA512}
}

// ParseDigestAlgorithm accepts names like "SHA-256" or "sha256".
// An empty name yields DefaultSignatureAlgorithm.
func ParseDigestAlgorithm(name string) (DigestAlgorithm, error) {
	if name == "" {
		return DefaultSignatureAlgorithm, nil
	}
	alg := DigestAlgorithm(strings.ReplaceAll(strings.ToLower(name), "-", ""))
	if _, ok := digestInfo[alg]; !ok {
		return "", &InputError{Field: "algorithm", Reason: fmt.Sprintf("unsupported digest %q", name)}
	}
	return alg, nil
}

// Size returns the digest output length in bytes, or 0 for an unknown algorithm.
func (a DigestAlgorithm) Size() int {
	return digestInfo[a].size
}

// NID returns the OpenSSL numeric identifier used by RSA sign and verify.
func (a DigestAlgorithm) NID() int32 {
	return digestInfo[a].nid
}

// Valid reports whether the algorithm is supported.
func (a DigestAlgorithm) Valid() bool {
	_, ok := digestInfo[a]
	return ok
}

// KeyPair holds PEM-encoded RSA key material.
type KeyPair struct {
	// PublicKey is a PEM "PUBLIC KEY" (SubjectPublicKeyInfo) block.
	PublicKey string `json:"public_key" msgpack:"public_key"`
	// PrivateKey is a PEM "PRIVATE KEY" (PKCS#8) block.
	PrivateKey string `json:"private_key" msgpack:"private_key"`
}
