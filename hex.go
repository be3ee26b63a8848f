package opensslwasm

import (
	"encoding/hex"
	"fmt"

	"github.com/unityaisolutions/openssl-web-js/types"
)

// ToHex returns the lowercase hexadecimal encoding of data.
func ToHex(data []byte) string {
	return hex.EncodeToString(data)
}

// FromHex decodes a hexadecimal string in either case. Odd-length input and
// non-hex characters are input errors.
func FromHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, &types.InputError{Field: "hex", Reason: fmt.Sprintf("odd length %d", len(s))}
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, &types.InputError{Field: "hex", Reason: err.Error()}
	}
	return out, nil
}
