// internal/security/permissions.go
package security

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnsafePermissions marks a path other users could modify.
var ErrUnsafePermissions = errors.New("unsafe permissions")

// ValidateDirectoryPermissions checks that the trigger definitions directory
// is at most group readable. Anyone who can drop a file there can make the
// daemon call agents and webhooks.
func ValidateDirectoryPermissions(path string) error {
	mode, err := perm(path, true)
	if err != nil {
		return err
	}
	if mode&0027 != 0 {
		return fmt.Errorf("%w: directory %s has mode %04o, expected 0700 or 0750", ErrUnsafePermissions, path, mode)
	}
	return nil
}

// ValidateFilePermissions checks that a config or definition file is not
// writable by users outside the owning group.
func ValidateFilePermissions(path string) error {
	mode, err := perm(path, false)
	if err != nil {
		return err
	}
	if mode&0002 != 0 {
		return fmt.Errorf("%w: file %s is world-writable (mode %04o)", ErrUnsafePermissions, path, mode)
	}
	return nil
}

func perm(path string, wantDir bool) (os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("checking permissions: %w", err)
	}
	if info.IsDir() != wantDir {
		if wantDir {
			return 0, fmt.Errorf("%s is not a directory", path)
		}
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Mode().Perm(), nil
}
