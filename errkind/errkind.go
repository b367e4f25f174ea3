// Package errkind implements the error taxonomy of the ARN protocol: a
// small set of kinds that every local or wire-level failure is classified
// into, so that session code can decide, without inspecting message text,
// whether to log, reply with an err frame, or close the connection.
package errkind

import (
	"errors"
	"fmt"
)

// Code identifies a Kind on the wire, in an `err code=<c> text=<t>` frame.
type Code byte

const (
	CodeUndef Code = iota
	CodeInfo
	CodeWarning
	CodeNotOpen
	CodeCreateError
	CodeConnectionError
	CodeProtocol
	CodeNotAuthorized
	CodeTimeout
	CodeScriptError
)

// Kind is one taxonomy entry. It wraps an underlying cause and carries the
// wire Code and a label; the §7 handling policy for each kind is noted on
// its constructor below and applied by the caller.
type Kind struct {
	code  Code
	label string
	cause error
}

func (k *Kind) Error() string {
	if k.cause == nil {
		return k.label
	}
	return fmt.Sprintf("%s: %v", k.label, k.cause)
}

func (k *Kind) Unwrap() error { return k.cause }

// Code returns the wire code for this kind, for encoding in an err frame.
func (k *Kind) Code() Code { return k.code }

func newf(code Code, label string) func(format string, args ...any) *Kind {
	return func(format string, args ...any) *Kind {
		return &Kind{code: code, label: label, cause: fmt.Errorf(format, args...)}
	}
}

// wrap returns a constructor that attaches a kind to cause, or returns nil
// if cause is nil.
func wrap(code Code, label string) func(cause error) *Kind {
	return func(cause error) *Kind {
		if cause == nil {
			return nil
		}
		return &Kind{code: code, label: label, cause: cause}
	}
}

var (
	// NotOpen: operation on a closed handle. Local; logged at warning.
	NotOpenf = newf(CodeNotOpen, "item not open")
	NotOpen  = wrap(CodeNotOpen, "item not open")

	// CreateError: invalid path or bad template. Local; operation returns without effect.
	CreateErrorf = newf(CodeCreateError, "create error")
	CreateError  = wrap(CodeCreateError, "create error")

	// ConnectionError: cannot bind/connect/accept. Surfaced to caller;
	// session-level occurrences are logged and the session is closed.
	ConnectionErrorf = newf(CodeConnectionError, "connection error")
	ConnectionError  = wrap(CodeConnectionError, "connection error")

	// Protocol: malformed frame or forbidden operation. Reply with err, close session.
	Protocolf = newf(CodeProtocol, "protocol error")
	Protocol  = wrap(CodeProtocol, "protocol error")

	// NotAuthorized: allow bits missing for the requested operation. Reply with err, keep session.
	NotAuthorizedf = newf(CodeNotAuthorized, "not authorized")
	NotAuthorized  = wrap(CodeNotAuthorized, "not authorized")

	// Timeout: resolve/lookup/dep refresh exceeded. Retry policy is operation-specific.
	Timeoutf = newf(CodeTimeout, "timeout")
	Timeout  = wrap(CodeTimeout, "timeout")
)

// Is reports whether the first *Kind in err's chain has the given code.
// A Kind nested further down the chain is not examined.
func Is(err error, code Code) bool {
	var k *Kind
	if errors.As(err, &k) {
		return k.code == code
	}
	return false
}

// CodeOf extracts the wire code for err, defaulting to CodeUndef.
func CodeOf(err error) Code {
	var k *Kind
	if errors.As(err, &k) {
		return k.code
	}
	return CodeUndef
}
