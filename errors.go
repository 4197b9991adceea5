package orbit

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/behrlich/orbit/internal/dispatch"
	"github.com/behrlich/orbit/internal/region"
)

// Error represents a structured orbit error with context and errno mapping.
type Error struct {
	Op      string    // Operation that failed (e.g., "CALL", "CREATE_ORBIT")
	MPID    uint32     // Multiprocess ID of the orbit, 0 if not applicable
	LOBID   uint32     // Local orbit ID, 0 if not applicable
	TaskID  int64      // Task/future ID, -1 if not applicable
	Code    ErrorCode  // High-level error category
	Errno   syscall.Errno
	Msg     string
	Inner   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.MPID != 0 {
		parts = append(parts, fmt.Sprintf("mpid=%d", e.MPID))
	}
	if e.LOBID != 0 {
		parts = append(parts, fmt.Sprintf("lobid=%d", e.LOBID))
	}
	if e.TaskID >= 0 {
		parts = append(parts, fmt.Sprintf("task=%d", e.TaskID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("orbit: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("orbit: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is provides errors.Is support, matching on error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories, matching the taxonomy
// implied by spec.md's error-handling sections: invalid arguments, the
// orbit being gone, exhausted allocators, and unexpected host/orbit faults.
type ErrorCode string

const (
	ErrCodeInvalidArgument ErrorCode = "invalid argument"
	ErrCodeNotFound        ErrorCode = "not found"
	ErrCodeGone            ErrorCode = "orbit gone"
	ErrCodeBusy            ErrorCode = "busy"
	ErrCodeOutOfSpace      ErrorCode = "out of space"
	ErrCodeAreaMoved       ErrorCode = "area moved"
	ErrCodeCancelled       ErrorCode = "cancelled"
	ErrCodeIOError         ErrorCode = "I/O error"
	ErrCodeTimeout         ErrorCode = "timeout"
	ErrCodeInternal        ErrorCode = "internal error"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, TaskID: -1}
}

// NewErrorWithErrno creates a new structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), TaskID: -1}
}

// NewOrbitError creates a new orbit-scoped error.
func NewOrbitError(op string, mpid, lobid uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, MPID: mpid, LOBID: lobid, Code: code, Msg: msg, TaskID: -1}
}

// NewTaskError creates a new task/future-scoped error.
func NewTaskError(op string, mpid, lobid uint32, taskID int64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, MPID: mpid, LOBID: lobid, TaskID: taskID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with orbit context, preserving a
// structured error's fields or mapping a raw syscall errno to a category.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if oe, ok := inner.(*Error); ok {
		return &Error{
			Op: op, MPID: oe.MPID, LOBID: oe.LOBID, TaskID: oe.TaskID,
			Code: oe.Code, Errno: oe.Errno, Msg: oe.Msg, Inner: oe.Inner,
		}
	}

	if errors.Is(inner, region.ErrAreaMoved) {
		return &Error{Op: op, Code: ErrCodeAreaMoved, Msg: inner.Error(), Inner: inner, TaskID: -1}
	}

	if errors.Is(inner, dispatch.ErrArgTooLarge) || errors.Is(inner, dispatch.ErrIncompatibleFlags) {
		return &Error{Op: op, Code: ErrCodeInvalidArgument, Msg: inner.Error(), Inner: inner, TaskID: -1}
	}

	code := ErrCodeIOError
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
		return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), Inner: inner, TaskID: -1}
	}

	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner, TaskID: -1}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeNotFound
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeOutOfSpace
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Errno == errno
	}
	return false
}
