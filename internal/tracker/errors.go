package tracker

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes tracker errors.
type ErrorCode string

const (
	// ErrCodeInitFailed indicates Init could not assemble the tracker. The
	// instance has been torn down.
	ErrCodeInitFailed ErrorCode = "INIT_FAILED"

	// ErrCodeNotInitialized indicates a call made before Init succeeded.
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"
)

// ErrStopped is returned by calls made after Stop or Unload.
var ErrStopped = errors.New("tracker: stopped")

// Error is a structured tracker failure.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsInitError returns true if err is an init failure.
// Uses errors.As to handle wrapped errors.
func IsInitError(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == ErrCodeInitFailed
	}
	return false
}

func newInitError(message string, err error) *Error {
	return &Error{Code: ErrCodeInitFailed, Message: message, Err: err}
}

var errNotInitialized = &Error{Code: ErrCodeNotInitialized, Message: "Init has not succeeded"}
