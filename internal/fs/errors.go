package fs

import (
	"errors"
	"fmt"
)

// Code distinguishes the kinds of file exceptions surfaced by the filesystem.
// Anything not expressible below is an invariant violation and travels as a
// plain error.
type Code string

const (
	ENOENT     Code = "ENOENT"
	EEXIST     Code = "EEXIST"
	ENOTDIR    Code = "ENOTDIR"
	ENOTFILE   Code = "ENOTFILE"
	ENOTLINK   Code = "not-link"
	EISDIR     Code = "EISDIR"
	ENOTEMPTY  Code = "ENOTEMPTY"
	EEOF       Code = "EEOF"
	EPERM      Code = "EPERM"
	EBUSY      Code = "EBUSY"
	EIO        Code = "EIO"
	ECONFLICT  Code = "concurrent-update"
	EPARSE     Code = "parsing-error"
	ENOSYS     Code = "ENOSYS"
	EENDLESS   Code = "is-endless"
	EVERSION   Code = "version-mismatch"
	EXATTRS    Code = "attrsNotEnabledInFS"
	ECLOSED    Code = "storage-closed"
	EBADARG    Code = "bad-arg"
)

// Error is the file exception type. Path is attached at the outermost frame
// that knows the user-visible path.
type Error struct {
	Code  Code
	Path  string
	Cause error
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Path != "" {
		s += ": " + e.Path
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two file exceptions by code, so errors.Is(err, ErrNotFound)
// works regardless of path and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Path == "" || t.Path == e.Path)
}

// Sentinels for errors.Is assertions.
var (
	ErrNotFound     = &Error{Code: ENOENT}
	ErrExists       = &Error{Code: EEXIST}
	ErrNotDirectory = &Error{Code: ENOTDIR}
	ErrNotFile      = &Error{Code: ENOTFILE}
	ErrNotLink      = &Error{Code: ENOTLINK}
	ErrIsDirectory  = &Error{Code: EISDIR}
	ErrNotEmpty     = &Error{Code: ENOTEMPTY}
	ErrPermission   = &Error{Code: EPERM}
	ErrIO           = &Error{Code: EIO}
	ErrConcurrent   = &Error{Code: ECONFLICT}
	ErrParse        = &Error{Code: EPARSE}
	ErrVersion      = &Error{Code: EVERSION}
	ErrClosed       = &Error{Code: ECLOSED}
	ErrBadArg       = &Error{Code: EBADARG}
)

func fileErr(code Code, path string) *Error {
	return &Error{Code: code, Path: path}
}

func fileErrCause(code Code, path string, cause error) *Error {
	return &Error{Code: code, Path: path, Cause: cause}
}

// withPath fills in the user-visible path on a file exception that was raised
// deeper in the call chain, without overwriting one already set.
func withPath(err error, path string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Path == "" {
		return &Error{Code: fe.Code, Path: path, Cause: fe.Cause}
	}
	return err
}

func errorf(typeMethod, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/mfedel/safefs/internal/fs."+typeMethod+": "+format, a...)
}
