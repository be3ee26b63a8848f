package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Checksum identifies a module binary. It is the SHA-256 hash of the binary's bytes.
type Checksum [ChecksumLen]byte

// ChecksumLen is the length of a checksum in bytes.
const ChecksumLen = 32

// ComputeChecksum hashes the given module binary.
func ComputeChecksum(code []byte) Checksum {
	return Checksum(sha256.Sum256(code))
}

func (cs Checksum) String() string {
	return hex.EncodeToString(cs[:])
}

// IsZero reports whether the checksum is unset.
func (cs Checksum) IsZero() bool {
	return cs == Checksum{}
}

// MarshalJSON implements the json.Marshaler interface for Checksum.
// It converts the checksum to a hex-encoded string, or "" when unset.
func (cs Checksum) MarshalJSON() ([]byte, error) {
	if cs.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(hex.EncodeToString(cs[:]))
}

// UnmarshalJSON implements the json.Unmarshaler interface for Checksum.
func (cs *Checksum) UnmarshalJSON(input []byte) error {
	var hexString string
	if err := json.Unmarshal(input, &hexString); err != nil {
		return err
	}
	if hexString == "" {
		*cs = Checksum{}
		return nil
	}
	parsed, err := ParseChecksum(hexString)
	if err != nil {
		return err
	}
	*cs = parsed
	return nil
}

// ParseChecksum decodes a hex-encoded checksum.
func ParseChecksum(input string) (Checksum, error) {
	data, err := hex.DecodeString(input)
	if err != nil {
		return Checksum{}, fmt.Errorf("could not decode checksum: %w", err)
	}
	return NewChecksum(data)
}

// Bytes returns the checksum as a byte slice.
func (cs Checksum) Bytes() []byte {
	return cs[:]
}

// NewChecksum creates a new Checksum from a byte slice.
// Returns an error if the slice length is not ChecksumLen.
func NewChecksum(b []byte) (Checksum, error) {
	if len(b) != ChecksumLen {
		return Checksum{}, errors.New("got wrong number of bytes for checksum")
	}
	var cs Checksum
	copy(cs[:], b)
	return cs, nil
}
