package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const abcChecksum = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestComputeChecksum(t *testing.T) {
	cs := ComputeChecksum([]byte("abc"))
	assert.Equal(t, abcChecksum, cs.String())
	assert.False(t, cs.IsZero())
	assert.True(t, Checksum{}.IsZero())
	assert.Len(t, cs.Bytes(), ChecksumLen)
}

func TestParseChecksum(t *testing.T) {
	cs, err := ParseChecksum(abcChecksum)
	require.NoError(t, err)
	assert.Equal(t, ComputeChecksum([]byte("abc")), cs)

	_, err = ParseChecksum("zz")
	require.ErrorContains(t, err, "could not decode checksum")
	_, err = ParseChecksum(abcChecksum[:62])
	require.ErrorContains(t, err, "wrong number of bytes")

	_, err = NewChecksum(make([]byte, 31))
	require.Error(t, err)
}

func TestChecksumJSON(t *testing.T) {
	cs := ComputeChecksum([]byte("abc"))
	bz, err := json.Marshal(cs)
	require.NoError(t, err)
	assert.Equal(t, `"`+abcChecksum+`"`, string(bz))

	var back Checksum
	require.NoError(t, json.Unmarshal(bz, &back))
	assert.Equal(t, cs, back)

	bz, err = json.Marshal(Checksum{})
	require.NoError(t, err)
	assert.Equal(t, `""`, string(bz))
	require.NoError(t, json.Unmarshal(bz, &back))
	assert.True(t, back.IsZero())

	require.Error(t, json.Unmarshal([]byte(`"abcd"`), &back))
	require.Error(t, json.Unmarshal([]byte(`12`), &back))
}
