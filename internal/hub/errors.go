package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// Kind classifies a failure talking to the hub
type Kind int

const (
	// KindUnknown is reported for errors that did not come from this package
	KindUnknown Kind = iota
	// KindConnection is a transport failure reaching the hub; retryable.
	KindConnection
	// KindConfiguration is missing or invalid static configuration.
	KindConfiguration
	// KindProtocol means the hub answered but broke the expected contract.
	KindProtocol
)

// String returns the name used in logs and API responses
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection_error"
	case KindConfiguration:
		return "configuration_error"
	case KindProtocol:
		return "protocol_error"
	default:
		return "unknown_error"
	}
}

// Error is returned by every hub operation that fails
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, or KindUnknown
func KindOf(err error) Kind {
	var hubErr *Error
	if errors.As(err, &hubErr) {
		return hubErr.Kind
	}
	return KindUnknown
}

func configurationError(op, message string) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Message: message}
}

func protocolError(op, message string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: message, Err: err}
}

// classify wraps a failed round trip: transport level failures become
// KindConnection, everything else KindProtocol.
func classify(op string, err error) *Error {
	if isConnectionFailure(err) {
		return &Error{Kind: KindConnection, Op: op, Message: "hub unreachable", Err: err}
	}
	return protocolError(op, "unexpected hub response", err)
}

func isConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	// A canceled context means the caller is shutting down, not that the
	// hub misbehaved
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// url.Error itself satisfies net.Error, so look at what it wraps
	inner := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		inner = urlErr.Err
	}
	var netErr net.Error
	if errors.As(inner, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
