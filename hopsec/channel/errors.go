package channel

import (
	"errors"
	"fmt"
)

var (
	ErrCrypto            = errors.New("channel: cryptographic failure")
	ErrProtocolViolation = errors.New("channel: protocol violation")
	ErrTrust             = errors.New("channel: peer not trusted")
	ErrTimeout           = errors.New("channel: timed out")
	ErrTransport         = errors.New("channel: transport failure")
	ErrCancelled         = errors.New("channel: cancelled")
	ErrReplay            = errors.New("channel: replayed or stale nonce")
	ErrClosed            = errors.New("channel: closed")
	ErrNotEstablished    = errors.New("channel: not established")
	ErrNonceExhausted    = errors.New("channel: send nonce exhausted")
	ErrRateLimited       = errors.New("channel: handshake rate limited")
)

// Reason classifies why establishment failed.
type Reason string

const (
	ReasonCrypto    Reason = "crypto"
	ReasonProtocol  Reason = "protocol"
	ReasonTrust     Reason = "trust"
	ReasonTimeout   Reason = "timeout"
	ReasonTransport Reason = "transport"
	ReasonCancelled Reason = "cancelled"
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonCrypto:
		return ErrCrypto
	case ReasonProtocol:
		return ErrProtocolViolation
	case ReasonTrust:
		return ErrTrust
	case ReasonTimeout:
		return ErrTimeout
	case ReasonTransport:
		return ErrTransport
	default:
		return ErrCancelled
	}
}

// EstablishError reports a failed handshake. errors.Is matches both the
// reason's sentinel and the underlying cause.
type EstablishError struct {
	Reason Reason
	Err    error
}

func (e *EstablishError) Error() string {
	if e.Err == nil {
		return "channel: establish failed: " + string(e.Reason)
	}
	return fmt.Sprintf("channel: establish failed (%s): %v", e.Reason, e.Err)
}

// Unwrap exposes both the reason sentinel and the underlying cause to errors.Is.
func (e *EstablishError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason.sentinel()}
	}
	return []error{e.Reason.sentinel(), e.Err}
}

// reasonOf maps an error to its establishment reason.
func reasonOf(err error) Reason {
	var ee *EstablishError
	switch {
	case errors.As(err, &ee):
		return ee.Reason
	case errors.Is(err, ErrTrust):
		return ReasonTrust
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, ErrTransport):
		return ReasonTransport
	case errors.Is(err, ErrCrypto):
		return ReasonCrypto
	default:
		return ReasonProtocol
	}
}

func establishError(err error) *EstablishError {
	var ee *EstablishError
	if errors.As(err, &ee) {
		return ee
	}
	return &EstablishError{Reason: reasonOf(err), Err: err}
}

func classify(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}
