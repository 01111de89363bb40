// Package errors defines the error taxonomy for the shadow file system, using
// a sentinel-error-with-message shape that supports errors.Is comparisons
// while still carrying a specific, human-readable message.
package errors

import "fmt"

// ShadowError is a sentinel error type. Each package-level constant below is
// a distinct ShadowError value; callers compare against them with errors.Is.
type ShadowError string

func (e ShadowError) Error() string {
	return string(e)
}

// WithMessage returns a new error that wraps e with an additional, more
// specific message. errors.Is(result, e) still holds.
func (e ShadowError) WithMessage(message string) error {
	return &detailedError{sentinel: e, message: fmt.Sprintf("%s: %s", e, message)}
}

// Wrap returns a new error that wraps both e and cause. errors.Is holds for
// both e and cause.
func (e ShadowError) Wrap(cause error) error {
	return &detailedError{
		sentinel: e,
		cause:    cause,
		message:  fmt.Sprintf("%s: %s", e, cause.Error()),
	}
}

type detailedError struct {
	sentinel ShadowError
	cause    error
	message  string
}

func (e *detailedError) Error() string {
	return e.message
}

func (e *detailedError) Is(target error) bool {
	return target == error(e.sentinel)
}

func (e *detailedError) Unwrap() error {
	return e.cause
}

// The error taxonomy returned by filesystem operations.
const (
	// ErrNoSpace: the free bitmap is exhausted during allocation.
	ErrNoSpace = ShadowError("no free blocks available")
	// ErrNoInode: the inode pool is exhausted.
	ErrNoInode = ShadowError("no free inodes available")
	// ErrNoHandle: the open-file table is full.
	ErrNoHandle = ShadowError("open file table is full")
	// ErrNotFound: the name is absent from the live directory.
	ErrNotFound = ShadowError("file not found")
	// ErrAlreadyOpen: fopen of a name with an active handle.
	ErrAlreadyOpen = ShadowError("file is already open")
	// ErrBadArgument: null/empty name, negative offset, fd/cnum out of range.
	ErrBadArgument = ShadowError("invalid argument")
	// ErrIO: propagated from the block device.
	ErrIO = ShadowError("i/o error")
)

// InternalError marks an assertion-class inconsistency: a violation of a
// structural invariant that the engine cannot safely continue past, and so
// treats as fatal rather than risk silently corrupting the image. It is
// raised via panic, never returned, so that it cannot be silently ignored by
// a caller that only checks the error return.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "internal inconsistency: " + e.Message
}

// Abort panics with an InternalError built from the given message.
func Abort(message string) {
	panic(&InternalError{Message: message})
}

// Abortf is Abort with fmt.Sprintf-style formatting.
func Abortf(format string, args ...any) {
	panic(&InternalError{Message: fmt.Sprintf(format, args...)})
}
