package events

import "time"

// Transport names used in GraphQL events.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

// GraphQLStart is emitted before an operation is handed to the engine.
type GraphQLStart struct {
	Transport string
	// ConnID is the WebSocket connection id; empty on HTTP.
	ConnID        string
	OperationName string
	OperationType string
	// Authenticated reports whether the execution context carries a
	// credential.
	Authenticated bool
}

// GraphQLFinish is emitted when an operation has produced its last result.
// For subscriptions Results counts the delivered events.
type GraphQLFinish struct {
	Transport     string
	OperationName string
	OperationType string
	Results       int
	Errors        []error
	Duration      time.Duration
}
