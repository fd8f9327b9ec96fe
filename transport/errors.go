package transport

import (
	"errors"
	"fmt"
)

var ErrRetriesExhausted = errors.New("transport: retries exhausted")

type ConnectError struct {
	Endpoint Endpoint
	Err      error
}

// ErrConnect matches every ConnectError.
var ErrConnect = &ConnectError{}

func (e *ConnectError) Error() string {
	msg := "transport: cannot connect"
	if e.Endpoint.Host != "" {
		msg += " to " + e.Endpoint.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	var t *ConnectError
	return errors.As(target, &t)
}

type SendErrorKind int

const (
	Encode SendErrorKind = iota
	Write
	Closed
)

func (k SendErrorKind) String() string {
	switch k {
	case Encode:
		return "encode"
	case Write:
		return "write"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type SendError struct {
	Kind     SendErrorKind
	Sequence uint64
	Err      error
}

var (
	ErrEncode = &SendError{Kind: Encode}
	ErrWrite  = &SendError{Kind: Write}
	ErrClosed = &SendError{Kind: Closed}
)

func (e *SendError) Error() string {
	msg := fmt.Sprintf("transport: %s failed for message %d", e.Kind, e.Sequence)
	if e.Kind == Closed {
		msg = fmt.Sprintf("transport: connection closed, message %d not sent", e.Sequence)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func (e *SendError) Is(target error) bool {
	var t *SendError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}
