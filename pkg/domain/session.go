package domain

import "fmt"

// Role is the side a session plays in the protocol.
// The worker is the Initiator: it speaks first (the handshake).
// The orchestrator is the Responder.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Outbound is the port direction a role encodes when sending ticks.
func (r Role) Outbound() Direction {
	if r == Responder {
		return In
	}
	return Out
}

// Inbound is the port direction a role accepts when receiving ticks.
func (r Role) Inbound() Direction {
	if r == Responder {
		return Out
	}
	return In
}

// TransportKind selects the transport binding of a session.
type TransportKind string

const (
	TransportStream TransportKind = "stream"
	TransportReqRep TransportKind = "reqrep"
	TransportMemory TransportKind = "memory"
)

// ParseTransportKind validates a transport name.
func ParseTransportKind(s string) (TransportKind, error) {
	switch k := TransportKind(s); k {
	case TransportStream, TransportReqRep, TransportMemory:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want stream, reqrep or memory)", s)
	}
}

// ConnState is the connection state of a session.
type ConnState int32

const (
	StateUnconnected ConnState = iota
	StateBinding
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateBinding:
		return "binding"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DriverState is the state of a worker driver loop.
type DriverState int32

const (
	DriverIdle DriverState = iota
	DriverStepping
	DriverStopped
)

func (s DriverState) String() string {
	switch s {
	case DriverIdle:
		return "idle"
	case DriverStepping:
		return "stepping"
	case DriverStopped:
		return "stopped"
	default:
		return fmt.Sprintf("driver(%d)", int32(s))
	}
}
