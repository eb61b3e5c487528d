// Package errdefs defines the error classes shared across the build
// pipeline. Callers match them with errors.Is; every one of them is fatal
// to the build that raised it.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates a malformed or missing required config field,
	// detected before any filesystem mutation.
	ErrConfig = errors.New("invalid configuration")

	// ErrMount indicates a mount or unmount failure. Previously
	// established mounts are left in place for manual inspection.
	ErrMount = errors.New("mount failure")

	// ErrArchiveRead indicates a layer archive is unreadable or corrupt.
	ErrArchiveRead = errors.New("unreadable layer archive")
)

// Configf returns an ErrConfig with a formatted detail message.
func Configf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// WrapMount annotates err as a mount failure for target.
func WrapMount(err error, target string) error {
	return fmt.Errorf("%w: %s: %v", ErrMount, target, err)
}

// WrapArchiveRead annotates err with the identity of the layer whose
// archive could not be read.
func WrapArchiveRead(err error, name, archive string) error {
	return fmt.Errorf("%w: [%s] %s: %v", ErrArchiveRead, name, archive, err)
}
