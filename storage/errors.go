package storage

import (
	"errors"
	"fmt"
)

// Code classifies a storage failure.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeSave               Code = "SAVE_ERROR"
	CodeLoad               Code = "LOAD_ERROR"
	CodeSerialization      Code = "SERIALIZATION_ERROR"
	CodeDeserialization    Code = "DESERIALIZATION_ERROR"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeRemove             Code = "REMOVE_ERROR"
	CodeClear              Code = "CLEAR_ERROR"
	CodeListingUnsupported Code = "LISTING_UNSUPPORTED"
)

// Recoverable reports whether a failure with this code may succeed on
// another backend or after capacity recovery.
func (c Code) Recoverable() bool {
	switch c {
	case CodeQuotaExceeded, CodeSave, CodeLoad, CodeRemove, CodeClear:
		return true
	}
	return false
}

// Error is the structured failure returned by every storage operation.
type Error struct {
	Code    Code
	Op      string
	Key     string
	Backend string
	Err     error
}

var (
	// ErrNotFound is returned when no record exists under a key.
	ErrNotFound = &Error{Code: CodeNotFound}
	// ErrQuotaExceeded is returned when a write would exceed a medium's capacity.
	ErrQuotaExceeded = &Error{Code: CodeQuotaExceeded}
	// ErrSerialization is returned when a value cannot be encoded.
	ErrSerialization = &Error{Code: CodeSerialization}
	// ErrDeserialization is returned when stored text cannot be decoded.
	ErrDeserialization = &Error{Code: CodeDeserialization}
	// ErrSave, ErrLoad, ErrRemove and ErrClear are generic medium failures.
	ErrSave   = &Error{Code: CodeSave}
	ErrLoad   = &Error{Code: CodeLoad}
	ErrRemove = &Error{Code: CodeRemove}
	ErrClear  = &Error{Code: CodeClear}
	// ErrListingUnsupported is returned by Lister implementations that cannot
	// enumerate their keys natively.
	ErrListingUnsupported = &Error{Code: CodeListingUnsupported}
)

func (e *Error) Error() string {
	msg := "storage: " + string(e.Code)
	if e.Backend != "" {
		msg += " [" + e.Backend + "]"
	}
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Recoverable reports whether the failure may be retried elsewhere.
func (e *Error) Recoverable() bool { return e.Code.Recoverable() }

// Fail builds an *Error for op on key. backend may be empty.
func Fail(code Code, backend, op, key string, err error) *Error {
	return &Error{Code: code, Backend: backend, Op: op, Key: key, Err: err}
}

// CodeOf extracts the code of err, or "" when err is not a storage error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRecoverable reports whether err is a storage error with a recoverable code.
func IsRecoverable(err error) bool {
	return CodeOf(err).Recoverable()
}
