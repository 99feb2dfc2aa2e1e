package whatsapp

import "time"

// ConnectionState is the lifecycle position of a Session.
type ConnectionState int

const (
	StateInitializing ConnectionState = iota
	StateAwaitingPairing
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is a Session lifecycle notification. The set of implementations is
// closed: PairingChallenge, Connected and Disconnected.
type Event interface {
	sessionEvent()
}

// PairingChallenge carries a fresh pairing code the operator must scan.
type PairingChallenge struct {
	Code string
}

// Connected reports a successful authentication as Identity.
type Connected struct {
	Identity string
}

// Disconnected reports that the session reached its terminal state.
// Retryable is set when a connected session dropped for a reason other than
// a logout or an authentication failure.
type Disconnected struct {
	Reason    string
	Retryable bool
}

func (PairingChallenge) sessionEvent() {}
func (Connected) sessionEvent()        {}
func (Disconnected) sessionEvent()     {}

// EventHandler receives Session events. It is called sequentially, never
// concurrently for the same Session.
type EventHandler func(operatorID string, ev Event)

// SessionInfo is a point-in-time snapshot of a Session. The raw pairing code
// is never part of it.
type SessionInfo struct {
	OperatorID      string     `json:"operatorId"`
	State           string     `json:"state"`
	Connected       bool       `json:"isConnected"`
	PairingPending  bool       `json:"pairingPending"`
	Identity        string     `json:"identity,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
}
