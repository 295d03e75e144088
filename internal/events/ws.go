package events

import "time"

// WSConnect is emitted after a WebSocket upgrade negotiated a sub-protocol.
type WSConnect struct {
	ConnID   string
	Protocol string
}

// WSInit is emitted once the connection_init handshake has been decided.
type WSInit struct {
	ConnID        string
	Accepted      bool
	Authenticated bool
	Err           error
}

// WSClose is emitted when a connection has been torn down and all of its
// operations cancelled.
type WSClose struct {
	ConnID     string
	Code       int
	Reason     string
	Operations int
	Duration   time.Duration
}

// WSOperationStart is emitted when an operation becomes active.
type WSOperationStart struct {
	ConnID string
	OpID   string
}

// WSOperationFinish is emitted when an operation leaves the active set.
type WSOperationFinish struct {
	ConnID    string
	OpID      string
	Cancelled bool
	Duration  time.Duration
}
