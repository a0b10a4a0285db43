// Package protoerr defines the error kinds surfaced across the daemon's IPC
// boundary (spec §7). Every error that crosses a connection is one of these
// kinds so clients can branch on it without string matching.
package protoerr

import "errors"

// Kind identifies one of the daemon's externally visible error categories.
type Kind string

const (
	Protocol          Kind = "protocol"
	NotFound          Kind = "not_found"
	InvalidInput      Kind = "invalid_input"
	EnvCreationFailed Kind = "env_creation_failed"
	KernelFailed      Kind = "kernel_failed"
	DaemonRunning     Kind = "daemon_already_running"
	ConnectionClosed  Kind = "connection_closed"
)

// Error wraps an underlying cause with a Kind so callers can use errors.As
// to recover it and forward the kind verbatim over IPC.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, protoerr.ErrProtocol) style checks against a bare Kind
// by treating a sentinel Error{Kind: k} as matching any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind wrapping cause, formatting msg
// with the cause's text when msg is empty.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Sentinel helpers so callers can `errors.Is(err, protoerr.ErrNotFound)`.
var (
	ErrProtocol          = &Error{Kind: Protocol}
	ErrNotFound          = &Error{Kind: NotFound}
	ErrInvalidInput      = &Error{Kind: InvalidInput}
	ErrEnvCreationFailed = &Error{Kind: EnvCreationFailed}
	ErrKernelFailed      = &Error{Kind: KernelFailed}
	ErrDaemonRunning     = &Error{Kind: DaemonRunning}
	ErrConnectionClosed  = &Error{Kind: ConnectionClosed}
)

// Of returns the Kind of err if it (or something it wraps) is a *Error,
// otherwise "".
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
