package proto

import (
	"errors"
	"fmt"
)

// Kind classifies an LwDFX failure; stable across releases, used in logs and metrics.
type Kind string

const (
	KindInvalidPacket      Kind = "invalid_packet"
	KindVersionRejected    Kind = "invalid_version"
	KindAlpRejected        Kind = "invalid_alp"
	KindHandshakeTimeout   Kind = "handshake_timeout"
	KindTimeout            Kind = "timeout"
	KindConnectionLost     Kind = "conn_lost"
	KindFrameTooLarge      Kind = "frame_too_large"
	KindProtocolViolation  Kind = "protocol_violation"
	KindTooManyConnections Kind = "conn_max_out"
	KindConnectError       Kind = "connect_error"
	KindInvalidConfig      Kind = "invalid_config"
	KindGatewayBusy        Kind = "gateway_busy"
)

// Error is the only error type produced by the protocol layer.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("lwdfx: %s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("lwdfx: %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidPacket      = &Error{Kind: KindInvalidPacket}
	ErrVersionRejected    = &Error{Kind: KindVersionRejected}
	ErrAlpRejected        = &Error{Kind: KindAlpRejected}
	ErrHandshakeTimeout   = &Error{Kind: KindHandshakeTimeout}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrConnectionLost     = &Error{Kind: KindConnectionLost}
	ErrFrameTooLarge      = &Error{Kind: KindFrameTooLarge}
	ErrProtocolViolation  = &Error{Kind: KindProtocolViolation}
	ErrTooManyConnections = &Error{Kind: KindTooManyConnections}
	ErrConnectError       = &Error{Kind: KindConnectError}
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrGatewayBusy        = &Error{Kind: KindGatewayBusy}
)

// NewError returns an *Error of kind with msg.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError returns an *Error of kind carrying cause.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
