package smtp

import (
	"errors"
	"fmt"
)

// Kind classifies session errors.
type Kind uint8

const (
	// KindProtocol errors are answered with a reply; the session continues.
	KindProtocol Kind = iota + 1
	// KindFraming errors come from malformed input framing; the session ends.
	KindFraming
	// KindIO errors come from the network; the session ends without a reply.
	KindIO
	// KindDelivery errors come from the Deliverer; answered with 451, the session continues.
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindFraming:
		return "framing"
	case KindIO:
		return "io"
	case KindDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

var (
	ErrUnrecognizedCommand = errors.New("unrecognized command")
	ErrBadSequence         = errors.New("bad sequence of commands")
	ErrMessageTooLarge     = errors.New("message size exceeds maximum")
	ErrLineTooLong         = errors.New("line too long")
	ErrDeliveryFailed      = errors.New("delivery failed")
)

// Error is the error type returned by this package.
type Error struct {
	Kind Kind
	Op   string // command verb or I/O step
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("smtp %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("smtp %s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func protocolError(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

func ioError(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// KindOf returns the Kind of err. Bare sentinels are classified by identity;
// errors from outside this package are KindIO.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrLineTooLong):
		return KindFraming
	case errors.Is(err, ErrUnrecognizedCommand), errors.Is(err, ErrBadSequence), errors.Is(err, ErrMessageTooLarge):
		return KindProtocol
	case errors.Is(err, ErrDeliveryFailed):
		return KindDelivery
	default:
		return KindIO
	}
}

// IsFatal reports whether err must end the session.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindFraming, KindIO:
		return true
	default:
		return false
	}
}
