package sftp

import (
	"errors"
	"io"
	"io/fs"

	sshfx "github.com/paras-lalchandani/sftptogo/encoding/ssh/filexfer"
)

// kindError is the type of the error kinds every failure of this package is classified into.
type kindError string

func (k kindError) Error() string { return string(k) }

// Error kinds.
// Every error returned by this package matches exactly one of these with errors.Is.
const (
	ErrConnection      = kindError("connection error")      // transport unreachable or reset
	ErrAuthentication  = kindError("authentication failed") // all credential methods exhausted
	ErrSessionClosed   = kindError("session closed")        // operation after close or failure
	ErrSessionNotReady = kindError("session not ready")     // operation on a session that never connected
	ErrNotFound        = kindError("not found")
	ErrPermission      = kindError("permission denied")
	ErrProtocol        = kindError("protocol error") // malformed or unmatched response
	ErrIO              = kindError("i/o error")
	ErrInvalidArgument = kindError("invalid argument")
)

// Error records a failed operation, the path it was operating on, and the kind of the failure.
type Error struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	s := "sftp: " + e.Op
	if e.Path != "" {
		s += " " + e.Path
	}

	s += ": " + e.Kind.Error()

	if e.Err != nil {
		s += ": " + e.Err.Error()
	}

	return s
}

// Unwrap returns both the Kind and the underlying cause,
// so that errors.Is matches either of them.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// classify returns the kind of err, or fallback if err is not of any known kind.
func classify(err error, fallback error) error {
	for _, kind := range []error{
		ErrSessionClosed,
		ErrSessionNotReady,
		ErrProtocol,
		ErrAuthentication,
		ErrInvalidArgument,
		ErrConnection,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermission
	}

	return fallback
}

// wrapErr wraps err into an *Error for the given operation and path.
// The kind is taken from err when it is already classified, fallback is used otherwise.
func wrapErr(op, path string, fallback, err error) error {
	if err == nil {
		return nil
	}

	kind := classify(err, fallback)

	if _, ok := err.(kindError); ok {
		// A bare kind carries no further cause.
		err = nil
	} else if e, ok := err.(*Error); ok && e.Kind == kind {
		// Re-home the error onto this operation, rather than nesting it.
		err = e.Err
	}

	return &Error{
		Op:   op,
		Path: path,
		Kind: kind,
		Err:  err,
	}
}

// statusToError converts a status packet into the closest matching Go error.
func statusToError(status *sshfx.StatusPacket, okExpected bool) error {
	switch status.StatusCode {
	case sshfx.StatusOK:
		if !okExpected {
			return protocolError("unexpected SSH_FX_OK")
		}
		return nil

	case sshfx.StatusEOF:
		return io.EOF
	case sshfx.StatusNoSuchFile:
		return fs.ErrNotExist
	case sshfx.StatusPermissionDenied:
		return fs.ErrPermission
	case sshfx.StatusBadMessage:
		return &Error{Op: "status", Kind: ErrProtocol, Err: status}
	}

	s := *status
	return &s
}

func protocolError(msg string) error {
	return &Error{Op: "recv", Kind: ErrProtocol, Err: errors.New(msg)}
}
