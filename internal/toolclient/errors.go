package toolclient

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed tool invocation.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindConnection     ErrorKind = "connection"
	KindRemoteRejected ErrorKind = "remote_rejected"
	KindRemoteError    ErrorKind = "remote_error"
)

// Error is returned by every failed invocation.
type Error struct {
	Kind   ErrorKind
	Server string
	Tool   string
	Err    error
}

func (e *Error) Error() string {
	target := e.Tool
	if e.Server != "" {
		target = e.Server + "/" + e.Tool
	}
	if e.Err == nil {
		return fmt.Sprintf("tool %s: %s", target, e.Kind)
	}
	return fmt.Sprintf("tool %s: %s: %v", target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same call may succeed. A remote
// rejection is deterministic and is never retried.
func (e *Error) Retryable() bool {
	return e.Kind != KindRemoteRejected
}

// KindOf returns the kind of a tool error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsRetryable reports whether err is a tool error worth retrying.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable()
}
