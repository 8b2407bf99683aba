package modem

import (
	"errors"
	"fmt"
)

// Kind classifies a modem operation failure so callers (the dispatcher, the
// reconciler) can decide whether to retry, snooze, or give up without
// inspecting error strings.
type Kind string

const (
	KindCircuitOpen Kind = "circuit-open"
	KindHTTP        Kind = "http"
	KindTimeout     Kind = "timeout"
	KindParse       Kind = "parse"
	KindModemCode   Kind = "modem-code"
)

// Error is the error type returned by every modem.Client operation. It never
// panics; XML and transport failures are always surfaced through this type.
type Error struct {
	Kind       Kind
	StatusCode int    // set when Kind == KindHTTP
	Code       int    // set when Kind == KindModemCode
	Message    string
	Err        error // underlying cause, if any
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("modem: http %d: %s", e.StatusCode, e.Message)
	case KindModemCode:
		return fmt.Sprintf("modem: code %d: %s", e.Code, e.Message)
	default:
		if e.Message != "" {
			return fmt.Sprintf("modem: %s: %s", e.Kind, e.Message)
		}
		return fmt.Sprintf("modem: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func errCircuitOpen() *Error {
	return &Error{Kind: KindCircuitOpen, Message: "circuit breaker open"}
}

func errTimeout(err error) *Error {
	return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
}

func errHTTP(status int, body string) *Error {
	return &Error{Kind: KindHTTP, StatusCode: status, Message: body}
}

func errTransport(err error) *Error {
	return &Error{Kind: KindHTTP, Message: err.Error(), Err: err}
}

func errParse(context string, err error) *Error {
	return &Error{Kind: KindParse, Message: context, Err: err}
}

func errModemCode(code int, message string) *Error {
	return &Error{Kind: KindModemCode, Code: code, Message: message}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var me *Error
	if !errors.As(err, &me) {
		return false
	}
	return me.Kind == kind
}
