package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed turn. The kind and its user message are what
// reach the client; the wrapped cause stays in internal logs.
type ErrorKind string

const (
	ErrClassificationFailed ErrorKind = "classification_failed"
	ErrValidationExhausted  ErrorKind = "validation_exhausted"
	ErrExecutionFailed      ErrorKind = "execution_failed"
	ErrNoDataToVisualize    ErrorKind = "no_data_to_visualize"
	ErrSessionNotFound      ErrorKind = "session_not_found"
	ErrGenerationFailed     ErrorKind = "generation_failed"
	ErrInvalidRequest       ErrorKind = "invalid_request"
)

var userMessages = map[ErrorKind]string{
	ErrClassificationFailed: "I couldn't work out what you were asking. Could you rephrase the question?",
	ErrValidationExhausted:  "I couldn't produce a safe query for that question. Try rephrasing it or naming the tables involved.",
	ErrExecutionFailed:      "The data service could not complete the request. Please try again in a moment.",
	ErrNoDataToVisualize:    "There is no query result to chart yet. Ask a data question first, then request a chart.",
	ErrSessionNotFound:      "Your previous session has expired, so this conversation starts fresh.",
	ErrGenerationFailed:     "The language model is unavailable right now. Please try again in a moment.",
	ErrInvalidRequest:       "The request was invalid.",
}

// UserMessage returns the stable, user-facing explanation for kind.
func UserMessage(kind ErrorKind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return "Something went wrong while processing your request."
}

// executionCauses summarizes why a tool call failed, keyed by the tool error
// kind. Only these fixed phrases reach the client; the tool's own error text
// never does.
var executionCauses = map[string]string{
	"timeout":         "The query took too long and was stopped.",
	"connection":      "The data service could not be reached.",
	"remote_rejected": "The data service refused the query.",
	"remote_error":    "The database reported an error while running the query.",
}

// FailureMessage is UserMessage for kind, extended with a fixed summary of
// cause when kind is ErrExecutionFailed. cause is a tool error kind such as
// "timeout"; unknown or empty causes add nothing.
func FailureMessage(kind ErrorKind, cause string) string {
	msg := UserMessage(kind)
	if kind != ErrExecutionFailed {
		return msg
	}
	if summary, ok := executionCauses[cause]; ok {
		return summary + " " + msg
	}
	return msg
}

// Error is a pipeline failure with a user-visible kind and an internal cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError wraps err with kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds an Error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
