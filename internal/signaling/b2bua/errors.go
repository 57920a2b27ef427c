package b2bua

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrNoRouteAvailable indicates no destination is configured for inbound calls.
	ErrNoRouteAvailable = errors.New("no route available")

	// ErrDialFailed indicates the outbound session could not be created.
	ErrDialFailed = errors.New("dial failed")

	// ErrUnknownSession indicates a notification for a session no pair owns.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionExists indicates the session is already bound to a pair.
	ErrSessionExists = errors.New("session already bound")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state for operation")
)

// DialError describes a failed dial-out toward the destination.
type DialError struct {
	LegID       string
	Destination string
	Cause       error
}

// Error returns the error message.
func (e *DialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dial %s (leg %s): %v", e.Destination, e.LegID, e.Cause)
	}
	return fmt.Sprintf("dial %s (leg %s): unknown error", e.Destination, e.LegID)
}

// Unwrap lets errors.Is match both ErrDialFailed and the cause.
func (e *DialError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrDialFailed}
	}
	return []error{ErrDialFailed, e.Cause}
}

// TreatmentKind names a local audio treatment.
type TreatmentKind string

const (
	TreatmentRingback     TreatmentKind = "ringback"
	TreatmentAnnouncement TreatmentKind = "announcement"
)

// TreatmentError is a failed ringback or announcement. It never ends the call.
type TreatmentError struct {
	Kind  TreatmentKind
	LegID string
	Op    string
	Cause error
}

// Error returns the error message.
func (e *TreatmentError) Error() string {
	return fmt.Sprintf("%s on leg %s: %s: %v", e.Kind, e.LegID, e.Op, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TreatmentError) Unwrap() error {
	return e.Cause
}

// BridgeError is a failed attempt to open the media path between two legs.
type BridgeError struct {
	LegA      string
	LegB      string
	Direction string // "a->b", "b->a" or "" when resolving endpoints
	Cause     error
}

// Error returns the error message.
func (e *BridgeError) Error() string {
	if e.Direction != "" {
		return fmt.Sprintf("bridge %s<->%s: transmit %s: %v", e.LegA, e.LegB, e.Direction, e.Cause)
	}
	return fmt.Sprintf("bridge %s<->%s: %v", e.LegA, e.LegB, e.Cause)
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// StateTransitionError indicates a notification that would move a leg backwards.
type StateTransitionError struct {
	ID   string
	From LegState
	To   LegState
}

// Error returns the error message.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("leg %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// Unwrap returns ErrInvalidState.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidState
}
