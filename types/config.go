package types

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Backend selects how the OpenSSL build is loaded.
type Backend string

const (
	// BackendWasm runs the WebAssembly build inside the wazero sandbox.
	BackendWasm Backend = "wasm"
	// BackendNative loads a native shared-library build of the same glue.
	BackendNative Backend = "native"
)

// DefaultMemoryLimit bounds the sandbox's linear memory.
var DefaultMemoryLimit = NewSizeMebi(256)

// Environment variables read by ConfigFromEnv.
const (
	EnvBackend          = "OPENSSL_WASM_BACKEND"
	EnvModulePath       = "OPENSSL_WASM_PATH"
	EnvChecksum         = "OPENSSL_WASM_CHECKSUM"
	EnvExpectedChecksum = "OPENSSL_WASM_EXPECTED_CHECKSUM"
	EnvCacheDir         = "OPENSSL_WASM_CACHE_DIR"
	EnvMemoryLimitMiB   = "OPENSSL_WASM_MEMORY_LIMIT_MIB"
)

// Config defines how a Library locates and sandboxes its OpenSSL build.
type Config struct {
	Backend Backend `json:"backend"`
	// ModulePath is the .wasm file (wasm backend) or shared object (native backend).
	ModulePath string `json:"module_path,omitempty"`
	// Module holds the raw wasm binary. It takes precedence over ModulePath.
	Module []byte `json:"-"`
	// Checksum loads the binary from the code store in CacheDir.
	Checksum Checksum `json:"checksum,omitempty"`
	// ExpectedChecksum pins the binary loaded from ModulePath or Module.
	ExpectedChecksum Checksum `json:"expected_checksum,omitempty"`
	// CacheDir enables the on-disk compilation cache and code store.
	CacheDir    string `json:"cache_dir,omitempty"`
	MemoryLimit Size   `json:"memory_limit"`
}

// DefaultConfig returns a wasm-backed configuration with default limits.
func DefaultConfig() Config {
	return Config{
		Backend:     BackendWasm,
		MemoryLimit: DefaultMemoryLimit,
	}
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendWasm
	}
	if c.MemoryLimit.Bytes() == 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	return c
}

// Validate checks that the configuration names exactly one usable binary source.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendWasm:
		if len(c.Module) == 0 && c.ModulePath == "" && c.Checksum.IsZero() {
			return &InputError{Field: "config", Reason: "one of Module, ModulePath or Checksum is required"}
		}
		if !c.Checksum.IsZero() && c.CacheDir == "" {
			return &InputError{Field: "config", Reason: "loading by checksum requires CacheDir"}
		}
		if c.MemoryLimit.Bytes() < wasmPageSize {
			return &InputError{Field: "memory_limit", Reason: "must be at least one 64KiB page"}
		}
	case BackendNative:
		if c.ModulePath == "" {
			return &InputError{Field: "config", Reason: "native backend requires ModulePath"}
		}
	default:
		return &InputError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q", c.Backend)}
	}
	return nil
}

// ConfigFromEnv builds a Config from the OPENSSL_WASM_* environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv(EnvBackend); v != "" {
		cfg.Backend = Backend(strings.ToLower(v))
	}
	cfg.ModulePath = os.Getenv(EnvModulePath)
	cfg.CacheDir = os.Getenv(EnvCacheDir)
	if v := os.Getenv(EnvChecksum); v != "" {
		cs, err := ParseChecksum(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvChecksum, err)
		}
		cfg.Checksum = cs
	}
	if v := os.Getenv(EnvExpectedChecksum); v != "" {
		cs, err := ParseChecksum(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvExpectedChecksum, err)
		}
		cfg.ExpectedChecksum = cs
	}
	if v := os.Getenv(EnvMemoryLimitMiB); v != "" {
		mib, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvMemoryLimitMiB, err)
		}
		if mib >= 4096 {
			return Config{}, fmt.Errorf("%s: %d MiB exceeds the 4GiB wasm32 address space", EnvMemoryLimitMiB, mib)
		}
		cfg.MemoryLimit = NewSizeMebi(uint32(mib))
	}
	return cfg, nil
}

const wasmPageSize = 65536

// Size is a byte count.
type Size struct{ uint32 }

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.uint32)
}

func (s *Size) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.uint32)
}

// Bytes returns the size in bytes.
func (s Size) Bytes() uint32 {
	return s.uint32
}

// Pages returns the number of whole 64KiB wasm pages that fit in the size.
func (s Size) Pages() uint32 {
	return s.uint32 / wasmPageSize
}

func NewSize(v uint32) Size {
	return Size{v}
}

func NewSizeKibi(v uint32) Size {
	return Size{v * 1024}
}

func NewSizeMebi(v uint32) Size {
	return Size{v * 1024 * 1024}
}
