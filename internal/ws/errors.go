package ws

import (
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

var (
	ErrMalformedMessage     = errors.New("malformed message")
	ErrUnknownMessageType   = errors.New("unknown message type")
	ErrDuplicateOperation   = errors.New("operation id already in use")
	ErrNotAcknowledged      = errors.New("connection not acknowledged")
	ErrAlreadyInitialised   = errors.New("connection already initialised")
	ErrInitTimeout          = errors.New("connection initialisation timeout")
	ErrInvalidInitPayload   = errors.New("invalid connection_init payload")
	ErrKeepAliveTimeout     = errors.New("keepalive timeout")
	ErrSubprotocolRejected  = errors.New("subprotocol not acceptable")
	ErrConnectionTerminated = errors.New("connection terminated by client")
	ErrServerShutdown       = errors.New("server shutting down")
)

// Close codes used by the streaming protocols.
const (
	CloseBadRequest             websocket.StatusCode = 4400
	CloseUnauthorized           websocket.StatusCode = 4401
	CloseForbidden              websocket.StatusCode = 4403
	CloseSubprotocolNotAccepted websocket.StatusCode = 4406
	CloseInitTimeout            websocket.StatusCode = 4408
	CloseTooManyInitRequests    websocket.StatusCode = 4429
)

// closeError ends a connection with a close frame.
type closeError struct {
	code   websocket.StatusCode
	reason string
	err    error
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d %s: %v", int(e.code), e.reason, e.err)
}

func (e *closeError) Unwrap() error { return e.err }

func closeWith(code websocket.StatusCode, reason string, err error) *closeError {
	// Close frame reasons are limited to 123 bytes.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	return &closeError{code: code, reason: reason, err: err}
}
