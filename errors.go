package flashfs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Error is the error type returned by every operation in this module. The
// Errno value survives any amount of WithMessage/Wrap decoration, so callers
// can always dispatch on the failure category.
type Error interface {
	error
	Errno() Errno
	WithMessage(message string) Error
	Wrap(err error) Error
}

// Errno is a category code for an [Error], loosely modeled on the POSIX codes
// a flash filesystem would surface through a C API.
type Errno int

const (
	EOK Errno = iota
	// EIO: the block device reported a failure. Fatal to the in-flight
	// operation; the filesystem stays in its last committed state.
	EIO
	// ECORRUPT: both halves of a metadata pair failed validation.
	ECORRUPT
	// EMEDIUM: superblock magic, version, or geometry doesn't match the
	// device at mount time.
	EMEDIUM
	// ENOSPC: the allocator swept the whole device without finding enough
	// free blocks.
	ENOSPC
	ENOENT
	EEXIST
	ENOTDIR
	EISDIR
	ENOTEMPTY
	// EALIGN: a program call violated the device's program size alignment
	// contract. Programmer error, not a runtime condition.
	EALIGN
	EINVAL
	ENAMETOOLONG
	EFBIG
	EROFS
	EBADF
)

var ErrIOFailed = newBaseError(EIO, "Input/output error")
var ErrCorrupted = newBaseError(ECORRUPT, "Filesystem structure corrupted")
var ErrInvalidFileSystem = newBaseError(EMEDIUM, "Invalid or mismatched superblock")
var ErrNoSpaceOnDevice = newBaseError(ENOSPC, "No space left on device")
var ErrNotFound = newBaseError(ENOENT, "No such file or directory")
var ErrExists = newBaseError(EEXIST, "File exists")
var ErrNotADirectory = newBaseError(ENOTDIR, "Not a directory")
var ErrIsADirectory = newBaseError(EISDIR, "Is a directory")
var ErrDirectoryNotEmpty = newBaseError(ENOTEMPTY, "Directory not empty")
var ErrAlignment = newBaseError(EALIGN, "Misaligned device access")
var ErrInvalidArgument = newBaseError(EINVAL, "Invalid argument")
var ErrNameTooLong = newBaseError(ENAMETOOLONG, "File name too long")
var ErrFileTooLarge = newBaseError(EFBIG, "File too large")
var ErrReadOnlyFileSystem = newBaseError(EROFS, "Read-only file system")
var ErrInvalidHandle = newBaseError(EBADF, "Handle is closed or unmounted")

type baseError struct {
	errno   Errno
	message string
}

func newBaseError(errno Errno, message string) Error {
	return baseError{errno: errno, message: message}
}

func (e baseError) Error() string {
	return e.message
}

func (e baseError) Errno() Errno {
	return e.errno
}

func (e baseError) WithMessage(message string) Error {
	return customError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e baseError) Wrap(err error) Error {
	return customError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.message, err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customError struct {
	errno         Errno
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e customError) Error() string {
	return e.message
}

func (e customError) Errno() Errno {
	return e.errno
}

func (e customError) WithMessage(message string) Error {
	return customError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customError) Wrap(err error) Error {
	return customError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customError) Unwrap() error {
	return e.originalError
}

// CastToError converts an arbitrary error to an [Error]. Errors that already
// implement the interface pass through unmodified; anything else is treated
// as a device I/O failure, since the block device is the only place foreign
// errors can enter the core.
func CastToError(err error) Error {
	if err == nil {
		return nil
	}
	if flashErr, ok := err.(Error); ok {
		return flashErr
	}
	return ErrIOFailed.Wrap(err)
}
