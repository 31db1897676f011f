package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not valid in the
	// session's current state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrSessionClosed is returned for work discarded because its session
	// was torn down first.
	ErrSessionClosed = errors.New("session closed")
	// ErrEngineClosed is returned once Close has been called.
	ErrEngineClosed = errors.New("engine closed")

	errConnectionFailed = errors.New("peer connection failed")
)

// ErrorKind classifies negotiation failures.
type ErrorKind string

const (
	KindOfferCreationFailed    ErrorKind = "offerCreationFailed"
	KindFailedToSetDescription ErrorKind = "failedToSetDescription"
	KindFailedToCreateAnswer   ErrorKind = "failedToCreateAnswer"
	KindFailedToAddCandidate   ErrorKind = "failedToAddCandidate"
	KindConnectionFailed       ErrorKind = "connectionFailed"
)

// NegotiationError is a per-peer negotiation failure. Except for
// KindFailedToAddCandidate it is fatal to that peer's session only.
type NegotiationError struct {
	Kind   ErrorKind
	PeerID string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s with %s: %v", e.Kind, e.PeerID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
