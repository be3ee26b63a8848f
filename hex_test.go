package opensslwasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unityaisolutions/openssl-web-js/types"
)

func TestToHex(t *testing.T) {
	assert.Equal(t, "", ToHex(nil))
	assert.Equal(t, "00ff10ab", ToHex([]byte{0x00, 0xFF, 0x10, 0xAB}))
}

func TestFromHex(t *testing.T) {
	got, err := FromHex("00FF10ab")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xFF, 0x10, 0xAB}, got)

	got, err = FromHex("")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"abc", "zz", "0x12"} {
		_, err := FromHex(bad)
		require.ErrorIs(t, err, types.ErrInvalidInput, bad)
	}
}

func TestHexRoundTrip(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	s := ToHex(data)
	assert.Len(t, s, 512)
	back, err := FromHex(s)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}
