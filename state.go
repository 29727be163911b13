package relaykit

import "sync/atomic"

// ConnState is the lifecycle state of one backend connection. Each state
// variable is owned by exactly one connection manager (the cache facade or a
// broker driver); every other component reads it to pick its operation mode.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	// StateDegraded: connect failed in development mode; the process keeps
	// serving and operations against this backend become no-ops.
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// StateVar is an atomically updated ConnState. The zero value is
// StateDisconnected and ready to use.
type StateVar struct {
	v atomic.Int32
}

func (s *StateVar) Load() ConnState   { return ConnState(s.v.Load()) }
func (s *StateVar) Store(c ConnState) { s.v.Store(int32(c)) }
