package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the automation session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateAwaitingLogin State = "awaiting_login"
	StateLoggedIn      State = "logged_in"
	StateStopped       State = "stopped"
)

// AllStates lists every State, in lifecycle order.
var AllStates = []State{StateUninitialized, StateInitializing, StateAwaitingLogin, StateLoggedIn, StateStopped}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}

// LoginState is the result of probing the page for the login surface.
// LoginUnknown means the probe could not tell (no page, or the check failed).
type LoginState int

const (
	LoginUnknown LoginState = iota
	LoginAwaiting
	LoginLoggedIn
)

func (l LoginState) String() string {
	switch l {
	case LoginAwaiting:
		return "awaiting"
	case LoginLoggedIn:
		return "logged_in"
	default:
		return "unknown"
	}
}

// ErrNoSession is returned when an operation needs an open browser and there
// is none, including when the session was stopped while the operation ran.
var ErrNoSession = errors.New("no active session")

// Cause classifies initialization failures.
type Cause string

const (
	CauseQRNotFound Cause = "qr_not_found"
	CauseTimeout    Cause = "timeout"
	CauseOther      Cause = "other"
)

// InitError is returned by Initialize and Restart on a fatal failure.
type InitError struct {
	Cause Cause
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize session: %s: %v", e.Cause.describe(), e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Message is the operator-facing explanation for the failure.
func (e *InitError) Message() string {
	switch e.Cause {
	case CauseQRNotFound:
		return "QR code not found. Restart the session to get a fresh QR code."
	case CauseTimeout:
		return "Timed out starting the browser or loading the chat client. Try again."
	default:
		return "Failed to initialize the session: " + e.Err.Error()
	}
}

func (c Cause) describe() string {
	switch c {
	case CauseQRNotFound:
		return "qr-code not found"
	case CauseTimeout:
		return "timeout"
	default:
		return "error"
	}
}
