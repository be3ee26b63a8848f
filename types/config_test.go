package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigJSON(t *testing.T) {
	config := Config{
		Backend:     BackendWasm,
		ModulePath:  "/opt/openssl.wasm",
		CacheDir:    "/tmp",
		MemoryLimit: NewSizeMebi(16),
		Module:      []byte{0, 'a', 's', 'm'},
	}
	expected := `{"backend":"wasm","module_path":"/opt/openssl.wasm","checksum":"","expected_checksum":"","cache_dir":"/tmp","memory_limit":16777216}`

	bz, err := json.Marshal(config)
	require.NoError(t, err)
	assert.Equal(t, expected, string(bz))

	var back Config
	require.NoError(t, json.Unmarshal(bz, &back))
	config.Module = nil
	assert.Equal(t, config, back)
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{}.WithDefaults()
	assert.Equal(t, BackendWasm, c.Backend)
	assert.Equal(t, DefaultMemoryLimit, c.MemoryLimit)
	assert.Equal(t, DefaultConfig(), c)

	c = Config{Backend: BackendNative, MemoryLimit: NewSizeKibi(128)}.WithDefaults()
	assert.Equal(t, BackendNative, c.Backend)
	assert.Equal(t, uint32(2), c.MemoryLimit.Pages())
}

func TestConfigValidate(t *testing.T) {
	sum := ComputeChecksum([]byte("code"))
	cases := map[string]struct {
		config Config
		valid  bool
	}{
		"wasm path":              {Config{ModulePath: "x.wasm"}, true},
		"wasm bytes":             {Config{Module: []byte{1}}, true},
		"wasm checksum":          {Config{Checksum: sum, CacheDir: "/tmp"}, true},
		"wasm nothing":           {Config{}, false},
		"checksum without cache": {Config{Checksum: sum}, false},
		"tiny memory":            {Config{ModulePath: "x.wasm", MemoryLimit: NewSizeKibi(63)}, false},
		"native path":            {Config{Backend: BackendNative, ModulePath: "libx.so"}, true},
		"native bytes":           {Config{Backend: BackendNative, Module: []byte{1}}, false},
		"unknown backend":        {Config{Backend: "jvm", ModulePath: "x"}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := tc.config
			if c.Backend == "" {
				c.Backend = BackendWasm
			}
			if c.MemoryLimit.Bytes() == 0 {
				c.MemoryLimit = DefaultMemoryLimit
			}
			err := c.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidInput)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	sum := ComputeChecksum([]byte("code"))
	t.Setenv(EnvBackend, "NATIVE")
	t.Setenv(EnvModulePath, "/usr/lib/libopenssl_glue.so")
	t.Setenv(EnvChecksum, "")
	t.Setenv(EnvExpectedChecksum, sum.String())
	t.Setenv(EnvCacheDir, "/var/cache/openssl")
	t.Setenv(EnvMemoryLimitMiB, "32")

	c, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, BackendNative, c.Backend)
	assert.Equal(t, "/usr/lib/libopenssl_glue.so", c.ModulePath)
	assert.True(t, c.Checksum.IsZero())
	assert.Equal(t, sum, c.ExpectedChecksum)
	assert.Equal(t, "/var/cache/openssl", c.CacheDir)
	assert.Equal(t, uint32(32<<20), c.MemoryLimit.Bytes())
}

func TestConfigFromEnvErrors(t *testing.T) {
	for env, value := range map[string]string{
		EnvChecksum:         "nothex",
		EnvExpectedChecksum: "abcd",
		EnvMemoryLimitMiB:   "lots",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, value)
			_, err := ConfigFromEnv()
			require.ErrorContains(t, err, env)
		})
	}

	t.Setenv(EnvMemoryLimitMiB, "4096")
	_, err := ConfigFromEnv()
	require.ErrorContains(t, err, "exceeds")
}

func TestSize(t *testing.T) {
	assert.Equal(t, uint32(1536), NewSizeKibi(1).Bytes()+512)
	assert.Equal(t, uint32(16), NewSizeMebi(1).Pages())
	assert.Equal(t, uint32(0), NewSize(65535).Pages())

	var s Size
	require.NoError(t, json.Unmarshal([]byte("4096"), &s))
	assert.Equal(t, NewSizeKibi(4), s)
}
