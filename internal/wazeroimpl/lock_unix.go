//go:build unix

package wazeroimpl

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockDir takes an exclusive lock on dir/exclusive.lock.
func lockDir(dir string) (*os.File, error) {
	lockPath := filepath.Join(dir, "exclusive.lock")
	lf, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not open exclusive.lock: %w", err)
	}
	if _, err := lf.WriteString("exclusive lock for the OpenSSL runtime cache\n"); err != nil {
		lf.Close()
		return nil, fmt.Errorf("error writing to exclusive.lock: %w", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, fmt.Errorf("could not lock exclusive.lock; is another process using %s? %w", dir, err)
	}
	return lf, nil
}
