package setpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks failures reaching the broker or the optimizer.
	ErrTransport = errors.New("transport error")

	// ErrActuatorUnavailable marks a zone that has no reachable actuator.
	ErrActuatorUnavailable = errors.New("actuator unavailable")

	// ErrAckDeliveryFailed marks an acknowledgment that did not reach the optimizer.
	ErrAckDeliveryFailed = errors.New("acknowledgment delivery failed")
)

// ReasonActuatorUnavailable is the ApplyFailed reason for unbound or unreachable actuators
const ReasonActuatorUnavailable = "actuator_unavailable"

// ParseError is returned for inbound commands that cannot be decoded
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse setpoint: %v", e.Err)
	}
	return fmt.Sprintf("parse setpoint field %q: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ApplyFailedError is returned when a command could not be written to its actuator
type ApplyFailedError struct {
	Reason string
	Err    error
}

func (e *ApplyFailedError) Error() string {
	if e.Err == nil {
		return "apply failed: " + e.Reason
	}
	return fmt.Sprintf("apply failed: %s: %v", e.Reason, e.Err)
}

func (e *ApplyFailedError) Unwrap() error { return e.Err }

// NewApplyFailed classifies err into an ApplyFailedError. Unavailable
// actuators keep the fixed reason so upstream can tell them apart.
func NewApplyFailed(err error) *ApplyFailedError {
	if errors.Is(err, ErrActuatorUnavailable) {
		return &ApplyFailedError{Reason: ReasonActuatorUnavailable, Err: err}
	}
	return &ApplyFailedError{Reason: err.Error(), Err: err}
}
