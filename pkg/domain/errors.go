package domain

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes bridge failures.
type ErrorCode string

const (
	// CodeTransportSetupFailed: bind, connect or accept could not complete.
	CodeTransportSetupFailed ErrorCode = "TRANSPORT_SETUP_FAILED"
	// CodeTransportFailed: send or receive failed after the connection was established.
	CodeTransportFailed ErrorCode = "TRANSPORT_FAILED"
	// CodeMalformedMessage: the payload did not decode against the declared ports.
	CodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	// CodeProtocolViolation: a message or call arrived out of turn.
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	// CodePeerTerminated labels a clean in-band stop. It is not a failure.
	CodePeerTerminated ErrorCode = "PEER_TERMINATED"
	// CodeSessionTimeout: a bounded receive expired.
	CodeSessionTimeout ErrorCode = "SESSION_TIMEOUT"
)

// Sentinels matched with errors.Is against any *Error of the same code.
var (
	ErrTransportSetupFailed = errors.New("transport setup failed")
	ErrTransportFailed      = errors.New("transport failed")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrPeerTerminated       = errors.New("peer terminated")
	ErrSessionTimeout       = errors.New("session timeout")
)

var sentinels = map[ErrorCode]error{
	CodeTransportSetupFailed: ErrTransportSetupFailed,
	CodeTransportFailed:      ErrTransportFailed,
	CodeMalformedMessage:     ErrMalformedMessage,
	CodeProtocolViolation:    ErrProtocolViolation,
	CodePeerTerminated:       ErrPeerTerminated,
	CodeSessionTimeout:       ErrSessionTimeout,
}

// Error is the coded error returned by transports, codecs and sessions.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode
	// Op is the failing operation ("bind", "send", "decode"...).
	Op string
	// Address is the transport address, when known.
	Address string
	// Err is the underlying cause, if any.
	Err error
}

// NewError builds a coded error.
func NewError(code ErrorCode, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// Errorf builds a coded error with a formatted cause.
func Errorf(code ErrorCode, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// At returns a copy of e annotated with the transport address.
func (e *Error) At(address string) *Error {
	c := *e
	c.Address = address
	return &c
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Address != "" {
		msg += " (" + e.Address + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the code sentinel and the cause.
func (e *Error) Unwrap() []error {
	var errs []error
	if s, ok := sentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// IsFatal reports whether err ends the session. A clean peer stop is not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	code, ok := CodeOf(err)
	return !ok || code != CodePeerTerminated
}
