package session

import "time"

// ConnState tracks the session lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticated
	// StateDegraded means the connection dropped with work still
	// in flight; the manager keeps reconnecting until MaxDisconnect.
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State             ConnState
	SessionID         string
	LastSequenceAcked uint64
	PendingEnvelopes  int
	ReconnectAttempts int
	DisconnectedSince time.Time
}
