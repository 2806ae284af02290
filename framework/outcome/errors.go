package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AssertionFailure means a conformance assertion did not hold. It maps to Fail.
type AssertionFailure struct {
	Message string
}

func (e *AssertionFailure) Error() string { return e.Message }

// PreconditionNotMet means a check could not evaluate its assertions. It maps to Skip.
type PreconditionNotMet struct {
	Reason string
}

func (e *PreconditionNotMet) Error() string { return e.Reason }

// ExternalTimeout means the server under test did not finish a long-running operation within the
// configured bound. Timing out does not prove non-conformance, so it maps to Skip.
type ExternalTimeout struct {
	Operation string
	Waited    time.Duration
}

func (e *ExternalTimeout) Error() string {
	if e.Waited > 0 {
		return fmt.Sprintf("%s did not complete after %s", e.Operation, e.Waited)
	}
	return fmt.Sprintf("%s did not complete in time", e.Operation)
}

// ProtocolViolation is a malformed or unexpected protocol exchange. ServerFault is true when the
// server under test broke the protocol (Fail), and false when the fault is on our side (Error).
type ProtocolViolation struct {
	ServerFault bool
	Message     string
	Err         error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// UnexpectedFailure wraps any other failure. It maps to Error.
type UnexpectedFailure struct {
	Err error
}

func (e *UnexpectedFailure) Error() string { return fmt.Sprintf("unexpected failure: %s", e.Err) }

func (e *UnexpectedFailure) Unwrap() error { return e.Err }

// ServerViolation is shorthand for a ProtocolViolation caused by the server under test.
func ServerViolation(format string, args ...interface{}) error {
	return &ProtocolViolation{ServerFault: true, Message: fmt.Sprintf(format, args...)}
}

// ClientFault is shorthand for a ProtocolViolation caused on the harness side.
func ClientFault(message string, err error) error {
	return &ProtocolViolation{Message: message, Err: err}
}

// Classify maps an error from the taxonomy to the outcome a check should record. A nil error is
// Pass; anything not in the taxonomy is Error.
func Classify(err error) Kind {
	if err == nil {
		return Pass
	}
	var af *AssertionFailure
	var pn *PreconditionNotMet
	var et *ExternalTimeout
	var pv *ProtocolViolation
	switch {
	case errors.As(err, &af):
		return Fail
	case errors.As(err, &pn):
		return Skip
	case errors.As(err, &et):
		return Skip
	case errors.As(err, &pv):
		if pv.ServerFault {
			return Fail
		}
		return Error
	case errors.Is(err, context.Canceled):
		return Cancel
	}
	return Error
}
