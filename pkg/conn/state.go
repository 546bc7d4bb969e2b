// Package conn implements the per-connection bring-up state machine and
// data-plane operation primitives: a TLS control channel carries a PSN
// and endpoint descriptor exchange, then drives a queue pair through
// INIT/RTR/RTS before the connection is usable for one-sided RDMA
// writes.
package conn

import "time"

// State is the bring-up/lifecycle phase of a connection, mirroring the
// original's enum client_state.
type State int

const (
	StateInit State = iota
	StateTLSHandshake
	StatePSNExchange
	StateRDMASetup
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTLSHandshake:
		return "tls_handshake"
	case StatePSNExchange:
		return "psn_exchange"
	case StateRDMASetup:
		return "rdma_setup"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats accumulates the per-connection counters surfaced to the closure
// log.
type Stats struct {
	ConnectedAt      time.Time
	ClosedAt         time.Time
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}
