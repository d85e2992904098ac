// Package errs implements the error taxonomy: a closed set of
// error kinds with retry classification, plus a durable record shape so raw
// provider errors can be logged without becoming opaque blobs.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and display purposes.
type Kind string

const (
	KindRateLimit     Kind = "rate_limit"
	KindContextLength Kind = "context_length"
	KindInvalidReq    Kind = "invalid_request"
	KindAuth          Kind = "auth"
	KindServer        Kind = "server"
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindAbort         Kind = "abort"
	KindSafety        Kind = "safety"
	KindUnsupported   Kind = "unsupported"
	KindUnknown       Kind = "unknown"
)

// retryable reports the default retry classification for a Kind. Adapters
// may override via Error.Retryable when they have better information (e.g.
// a rate_limit error on the very last allowed attempt is still retryable in
// kind, but the Engine decides whether to consume another attempt).
var retryable = map[Kind]bool{
	KindRateLimit:     true,
	KindContextLength: false,
	KindInvalidReq:    false,
	KindAuth:          false,
	KindServer:        true,
	KindNetwork:       true,
	KindTimeout:       true,
	KindAbort:         false,
	KindSafety:        false,
	KindUnsupported:   false,
	KindUnknown:       false,
}

// Record is a durable, loggable capture of a raw error: its name, message,
// and any enumerable properties the adapter chose to preserve. It exists so
// provider errors can be logged structurally instead of as an opaque blob.
type Record struct {
	Name       string
	Message    string
	Properties map[string]any
}

// Error is the typed error returned by provider adapters and the Engine.
// Every failure surfaced to a caller is either an *Error or an
// AbortedResponse (content.AbortedResponse).
type Error struct {
	Kind         Kind
	Message      string
	Retryable    bool
	RetryAfterMS int
	HTTPStatus   int
	ProviderCode string
	RawError     *Record
	RawRequest   any
	wrapped      error
}

// New constructs an Error of the given kind with the default retry
// classification for that kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable[kind]}
}

// Wrap constructs an Error of the given kind wrapping cause, preserving
// cause in the error chain for errors.Is/errors.As and capturing a Record
// from it.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := &Error{Kind: kind, Message: message, Retryable: retryable[kind], wrapped: cause}
	if cause != nil {
		e.RawError = &Record{Name: fmt.Sprintf("%T", cause), Message: cause.Error()}
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.wrapped }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.KindRateLimit, "")) style checks — in
// practice callers should compare e.Kind directly after errors.As, but this
// keeps errors.Is ergonomic for sentinel-style kind checks.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// IsRetryable reports whether err (an *Error or any error) should be
// retried by the Engine's retry loop. Non-Error values are treated as
// non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// RetryAfterMS extracts a provider-supplied retry delay, if present.
func RetryAfterMS(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfterMS > 0 {
		return e.RetryAfterMS, true
	}
	return 0, false
}

// KindOf extracts the Kind from err, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ClassifyHTTPStatus maps an HTTP status code to a default Kind:
// 429 -> rate_limit, 401/403 -> auth, 5xx -> server.
// Adapters still need to special-case context-length and safety responses
// using provider-specific body/message patterns; this only covers the
// purely status-code-driven part of the table.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 401 || status == 403:
		return KindAuth
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindInvalidReq
	default:
		return KindUnknown
	}
}
