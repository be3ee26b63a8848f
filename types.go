package opensslwasm

import "github.com/unityaisolutions/openssl-web-js/types"

// Checksum identifies a module binary by the SHA-256 of its bytes
type Checksum = types.Checksum

// Config locates and sandboxes the OpenSSL build
type Config = types.Config

// KeyPair is PEM-encoded RSA key material
type KeyPair = types.KeyPair

// DigestAlgorithm names a supported message digest
type DigestAlgorithm = types.DigestAlgorithm

// Metrics summarizes foreign memory activity
type Metrics = types.Metrics
