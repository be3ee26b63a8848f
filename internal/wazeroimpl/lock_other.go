//go:build !unix

package wazeroimpl

import (
	"fmt"
	"os"
	"path/filepath"
)

// lockDir creates dir/exclusive.lock. Advisory locking is not available on
// this platform, so concurrent processes are not detected.
func lockDir(dir string) (*os.File, error) {
	lf, err := os.OpenFile(filepath.Join(dir, "exclusive.lock"), os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not open exclusive.lock: %w", err)
	}
	return lf, nil
}
