// Package store keeps module binaries addressed by their sha256 checksum so a
// library can be opened by checksum instead of by path.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/unityaisolutions/openssl-web-js/types"
)

// ErrNotFound is returned when no code is stored under a checksum.
var ErrNotFound = errors.New("code not found")

var codePrefix = []byte("code/")

func key(checksum types.Checksum) []byte {
	return append(append([]byte(nil), codePrefix...), checksum.Bytes()...)
}

// CodeStore is a checksum-addressed blob store.
type CodeStore struct {
	db dbm.DB
}

// Open opens (or creates) the on-disk store in dir/code.db.
func Open(dir string) (*CodeStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create store directory: %w", err)
	}
	db, err := dbm.NewDB("code", dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("could not open code store in %s: %w", filepath.Join(dir, "code.db"), err)
	}
	return &CodeStore{db: db}, nil
}

// NewMemory returns a store that lives only in memory.
func NewMemory() *CodeStore {
	return &CodeStore{db: dbm.NewMemDB()}
}

// Save stores code and returns its checksum. Saving the same code twice is a no-op.
func (s *CodeStore) Save(code []byte) (types.Checksum, error) {
	if len(code) == 0 {
		return types.Checksum{}, &types.InputError{Field: "code", Reason: "empty"}
	}
	checksum := types.ComputeChecksum(code)
	has, err := s.db.Has(key(checksum))
	if err != nil {
		return types.Checksum{}, err
	}
	if has {
		return checksum, nil
	}
	if err := s.db.SetSync(key(checksum), code); err != nil {
		return types.Checksum{}, fmt.Errorf("failed to store code %s: %w", checksum, err)
	}
	return checksum, nil
}

// Load returns the code stored under checksum after verifying its digest.
func (s *CodeStore) Load(checksum types.Checksum) ([]byte, error) {
	code, err := s.db.Get(key(checksum))
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, checksum)
	}
	if got := types.ComputeChecksum(code); got != checksum {
		return nil, fmt.Errorf("%w: stored under %s, content hashes to %s", types.ErrChecksumMismatch, checksum, got)
	}
	return code, nil
}

// Has reports whether code is stored under checksum.
func (s *CodeStore) Has(checksum types.Checksum) (bool, error) {
	return s.db.Has(key(checksum))
}

// Remove deletes the code stored under checksum.
func (s *CodeStore) Remove(checksum types.Checksum) error {
	has, err := s.db.Has(key(checksum))
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrNotFound, checksum)
	}
	return s.db.DeleteSync(key(checksum))
}

// Checksums lists every stored checksum in ascending order.
func (s *CodeStore) Checksums() ([]types.Checksum, error) {
	it, err := dbm.IteratePrefix(s.db, codePrefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []types.Checksum
	for ; it.Valid(); it.Next() {
		cs, err := types.NewChecksum(it.Key()[len(codePrefix):])
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, it.Error()
}

// Close closes the underlying database.
func (s *CodeStore) Close() error {
	return s.db.Close()
}
