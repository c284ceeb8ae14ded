// Package errs defines the sentinel error kinds surfaced to callers of
// the cache core, and the wrapping helpers used to keep internal
// DBError/IOError causes out of the caller-visible surface.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a caller-visible error classification. Internal causes
// (database errors, raw I/O errors) are never surfaced as a Kind; they
// are wrapped and kept behind CoreError.Cause().
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota
	// FileOffline means data could not be loaded within the configured
	// wait bound, or the segment has a sticky load error.
	FileOffline
	// AccessDenied covers writes on a read-only handle and sharing
	// violations.
	AccessDenied
	// DiskFull covers writes whose segment reached BufferOverflow and
	// writes that timed out waiting for write-buffer space. No maximum
	// file size is checked.
	DiskFull
	// FileNotFound means the virtual path does not resolve to a file.
	FileNotFound
	// FileExists means a create collided with an existing path.
	FileExists
	// FileNameTooLong means the virtual path exceeds the share's limit.
	FileNameTooLong
	// LockConflict is propagated from the byte-range lock manager.
	LockConflict
	// NotImplemented marks a capability the active FileLoader does not
	// support (e.g. random-order loading, in-memory conversion).
	NotImplemented
)

func (k Kind) String() string {
	switch k {
	case FileOffline:
		return "FileOffline"
	case AccessDenied:
		return "AccessDenied"
	case DiskFull:
		return "DiskFull"
	case FileNotFound:
		return "FileNotFound"
	case FileExists:
		return "FileExists"
	case FileNameTooLong:
		return "FileNameTooLong"
	case LockConflict:
		return "LockConflict"
	case NotImplemented:
		return "NotImplemented"
	default:
		return "Unknown"
	}
}

// CoreError is the caller-visible error type. It always carries a Kind;
// Cause, when non-nil, is an internal DBError/IOError that must never be
// inspected by protocol front-ends for control flow.
type CoreError struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *CoreError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap lets errors.Is/errors.As from the standard library and from
// github.com/pkg/errors see through to the internal cause, without that
// cause's type leaking into caller-facing switch statements (callers
// should switch on Kind, not on the unwrapped type).
func (e *CoreError) Unwrap() error { return e.cause }

// New builds a CoreError with no internal cause.
func New(kind Kind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a CoreError whose cause is an internal DBError/IOError,
// keeping the original (wrapped with a stack via pkg/errors) reachable
// for logging but never for caller control flow.
func Wrap(kind Kind, cause error, format string, args ...any) *CoreError {
	return &CoreError{
		Kind:  kind,
		Msg:   fmt.Sprintf(format, args...),
		cause: errors.Wrap(cause, fmt.Sprintf(format, args...)),
	}
}

// Is reports whether err is a CoreError of the given Kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*CoreError)
	if !ok {
		return false
	}
	return ce.Kind == kind
}

// DBError wraps a failure from DBQueueInterface/ObjectIdInterface. It is
// an internal error: the save path leaves the durable record in place
// and keeps an in-process pending list rather than surfacing this to
// the caller (see section 7 recovery policy).
func DBError(cause error, format string, args ...any) error {
	return errors.Wrap(cause, fmt.Sprintf(format, args...))
}

// IOError wraps a local filesystem failure against a segment's temp
// file.
func IOError(cause error, format string, args ...any) error {
	return errors.Wrap(cause, fmt.Sprintf(format, args...))
}
