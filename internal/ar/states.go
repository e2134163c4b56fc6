package ar

import (
	"errors"
	"fmt"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateParameterizing
	StateRunning
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateConnecting:
		return "CONNECTING"
	case StateParameterizing:
		return "PARAMETERIZING"
	case StateRunning:
		return "RUNNING"
	case StateError:
		return "ERROR"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// A failed PARAMETERIZING attempt is retried from CONNECTING. RUNNING is
// only reachable through PARAMETERIZING.
var validTransitions = map[State][]State{
	StateDiscovered:     {StateConnecting},
	StateConnecting:     {StateParameterizing, StateError},
	StateParameterizing: {StateRunning, StateConnecting, StateError},
	StateRunning:        {StateError, StateDisconnected},
	StateError:          {StateConnecting, StateDisconnected},
	StateDisconnected:   {StateConnecting},
}

func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: invalid current state %s", types.ErrInvalidState, from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("%w: invalid state transition %s -> %s", types.ErrInvalidState, from, to)
}

// Cause is recorded on every transition into ERROR.
type Cause string

const (
	CauseNone               Cause = ""
	CauseCapabilityMismatch Cause = "capability_mismatch"
	CauseTimeout            Cause = "timeout"
	CauseMalformedResponse  Cause = "malformed_response"
	CauseResourceExhausted  Cause = "resource_exhausted"
	CauseRejected           Cause = "rejected"
	CauseUnreachable        Cause = "unreachable"
	CauseCycleMiss          Cause = "cycle_miss"
	CauseProtocolError      Cause = "protocol_error"
	CauseCancelled          Cause = "cancelled"
)

func causeOf(err error) Cause {
	switch {
	case err == nil:
		return CauseNone
	case errors.Is(err, types.ErrCapabilityMismatch):
		return CauseCapabilityMismatch
	case errors.Is(err, types.ErrMalformedFrame), errors.Is(err, types.ErrChecksumMismatch):
		return CauseMalformedResponse
	case errors.Is(err, types.ErrResourceExhausted):
		return CauseResourceExhausted
	case errors.Is(err, types.ErrRejected):
		return CauseRejected
	case errors.Is(err, types.ErrUnreachable), errors.Is(err, types.ErrNotConnected):
		return CauseUnreachable
	default:
		return CauseTimeout
	}
}

// retryable reports whether a connect attempt that failed with cause may be
// repeated with the same parameters.
func (c Cause) retryable() bool {
	switch c {
	case CauseCapabilityMismatch, CauseCancelled:
		return false
	default:
		return true
	}
}
