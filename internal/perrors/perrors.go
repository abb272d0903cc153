// Package perrors defines the typed error kinds shared across the
// application pool: a failed syscall, a malformed wire frame, a
// bounded wait that expired, a failed login, a spawn that couldn't
// produce a backend, and a file-system operation on a known path.
package perrors

import (
	"errors"
	"fmt"
)

// SystemError wraps a failed platform call. Retried locally by the
// caller only when Err is syscall.EINTR and cancellation is disabled.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *SystemError) Unwrap() error { return e.Err }

// IOError signals unexpected EOF or a malformed frame on a channel.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}
func (e *IOError) Unwrap() error { return e.Err }

// TimeoutError signals a bounded wait expired.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return e.Op + ": timed out" }

// SecurityError signals authentication or authorization failure.
// Any SecurityError always results in the connection being dropped.
type SecurityError struct {
	Msg string
}

func (e *SecurityError) Error() string { return e.Msg }

// SpawnError signals the spawn server refused to create an instance or
// died mid-spawn. HTML, if non-empty, is an error page to show in
// place of the application's response.
type SpawnError struct {
	AppRoot string
	Msg     string
	HTML    string
}

func (e *SpawnError) Error() string {
	if e.AppRoot != "" {
		return fmt.Sprintf("%s: %s", e.AppRoot, e.Msg)
	}
	return e.Msg
}

// HasErrorPage reports whether an HTML error page is attached.
func (e *SpawnError) HasErrorPage() bool { return e.HTML != "" }

// BusyError signals Pool.get could not satisfy a request within its
// GET_TIMEOUT deadline.
type BusyError struct {
	AppRoot string
}

func (e *BusyError) Error() string { return "pool busy: " + e.AppRoot }

// FileSystemError signals a file-system operation on a known path
// failed.
type FileSystemError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}
func (e *FileSystemError) Unwrap() error { return e.Err }

// IsBusy reports whether err is (or wraps) a BusyError.
func IsBusy(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsSpawnError reports whether err is (or wraps) a SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
