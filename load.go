package opensslwasm

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/unityaisolutions/openssl-web-js/internal/ffi"
	"github.com/unityaisolutions/openssl-web-js/internal/foreign"
	"github.com/unityaisolutions/openssl-web-js/internal/store"
	"github.com/unityaisolutions/openssl-web-js/internal/wazeroimpl"
	"github.com/unityaisolutions/openssl-web-js/types"
)

// load instantiates the module cfg describes on the configured backend.
func load(ctx context.Context, cfg types.Config, logger zerolog.Logger) (foreign.Module, error) {
	switch cfg.Backend {
	case types.BackendNative:
		if !cfg.ExpectedChecksum.IsZero() {
			code, err := os.ReadFile(cfg.ModulePath)
			if err != nil {
				return nil, &types.InitError{Stage: "read", Err: err}
			}
			if err := verify(code, cfg.ExpectedChecksum); err != nil {
				return nil, &types.InitError{Stage: "verify", Err: err}
			}
		}
		mod, err := ffi.Load(cfg.ModulePath)
		if err != nil {
			return nil, &types.InitError{Stage: "load", Err: err}
		}
		logger.Debug().Str("backend", string(cfg.Backend)).Str("path", cfg.ModulePath).Msg("module loaded")
		return mod, nil
	case types.BackendWasm:
		code, err := moduleCode(cfg)
		if err != nil {
			return nil, err
		}
		mod, err := wazeroimpl.Load(ctx, code, wazeroimpl.Options{
			MemoryLimit: cfg.MemoryLimit,
			CacheDir:    cfg.CacheDir,
			Logger:      logger,
		})
		if err != nil {
			return nil, &types.InitError{Stage: "instantiate", Err: err}
		}
		logger.Debug().Str("backend", string(cfg.Backend)).Stringer("checksum", types.ComputeChecksum(code)).Msg("module loaded")
		return mod, nil
	default:
		return nil, &types.InitError{Stage: "config", Err: fmt.Errorf("unknown backend %q", cfg.Backend)}
	}
}

// moduleCode returns the module bytes from cfg.Module, the code store or
// cfg.ModulePath, in that order of preference. With a cache directory, code
// read from elsewhere is saved to the store so it can later be opened by
// checksum.
func moduleCode(cfg types.Config) ([]byte, error) {
	var code []byte
	switch {
	case len(cfg.Module) > 0:
		code = cfg.Module
	case !cfg.Checksum.IsZero():
		s, err := store.Open(cfg.CacheDir)
		if err != nil {
			return nil, &types.InitError{Stage: "store", Err: err}
		}
		defer s.Close()
		if code, err = s.Load(cfg.Checksum); err != nil {
			return nil, &types.InitError{Stage: "store", Err: err}
		}
	default:
		var err error
		if code, err = os.ReadFile(cfg.ModulePath); err != nil {
			return nil, &types.InitError{Stage: "read", Err: err}
		}
	}
	if !cfg.ExpectedChecksum.IsZero() {
		if err := verify(code, cfg.ExpectedChecksum); err != nil {
			return nil, &types.InitError{Stage: "verify", Err: err}
		}
	}
	if cfg.CacheDir != "" && cfg.Checksum.IsZero() {
		if _, err := StoreCode(cfg.CacheDir, code); err != nil {
			return nil, &types.InitError{Stage: "store", Err: err}
		}
	}
	return code, nil
}

func verify(code []byte, expected types.Checksum) error {
	if got := types.ComputeChecksum(code); got != expected {
		return fmt.Errorf("%w: expected %s, got %s", types.ErrChecksumMismatch, expected, got)
	}
	return nil
}

// StoreCode saves a module binary in the code store under dir and returns its
// checksum, for use as Config.Checksum.
func StoreCode(dir string, code []byte) (types.Checksum, error) {
	s, err := store.Open(dir)
	if err != nil {
		return types.Checksum{}, err
	}
	defer s.Close()
	return s.Save(code)
}
