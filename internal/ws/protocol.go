package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hanpama/tokengate/internal/engine"
)

// Sub-protocol names, in server preference order.
const (
	ProtocolTransportWS = "graphql-transport-ws"
	ProtocolGraphQLWS   = "graphql-ws"
)

// kind is a protocol-independent message kind.
type kind int

const (
	kindUnknown kind = iota
	kindInit
	kindAck
	kindSubscribe
	kindNext
	kindError
	kindComplete
	kindStop
	kindPing
	kindPong
	kindKeepAlive
	kindConnectionError
	kindTerminate
)

// protocol maps message kinds to the wire type names of one sub-protocol.
type protocol struct {
	name   string
	legacy bool
	in     map[string]kind
	out    map[kind]string
}

var transportWS = &protocol{
	name: ProtocolTransportWS,
	in: map[string]kind{
		"connection_init": kindInit,
		"subscribe":       kindSubscribe,
		"complete":        kindStop,
		"ping":            kindPing,
		"pong":            kindPong,
	},
	out: map[kind]string{
		kindAck:      "connection_ack",
		kindNext:     "next",
		kindError:    "error",
		kindComplete: "complete",
		kindPing:     "ping",
		kindPong:     "pong",
	},
}

var graphqlWS = &protocol{
	name:   ProtocolGraphQLWS,
	legacy: true,
	in: map[string]kind{
		"connection_init":      kindInit,
		"start":                kindSubscribe,
		"stop":                 kindStop,
		"connection_terminate": kindTerminate,
	},
	out: map[kind]string{
		kindAck:             "connection_ack",
		kindNext:            "data",
		kindError:           "error",
		kindComplete:        "complete",
		kindKeepAlive:       "ka",
		kindConnectionError: "connection_error",
	},
}

func protocolFor(name string) *protocol {
	switch name {
	case ProtocolTransportWS:
		return transportWS
	case ProtocolGraphQLWS:
		return graphqlWS
	}
	return nil
}

// inbound is a decoded client frame.
type inbound struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	kind kind
}

type outbound struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// decode parses a text frame. On failure the returned message still carries
// the id when one could be read.
func (p *protocol) decode(data []byte) (inbound, error) {
	var m inbound
	if err := json.Unmarshal(data, &m); err != nil {
		var probe struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(data, &probe)
		return inbound{ID: probe.ID}, fmt.Errorf("%w: invalid JSON", ErrMalformedMessage)
	}
	k, ok := p.in[m.Type]
	if !ok {
		if m.Type == "" {
			return m, fmt.Errorf("%w: missing type", ErrMalformedMessage)
		}
		return m, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	m.kind = k
	return m, nil
}

func (p *protocol) message(k kind, id string, payload any) outbound {
	return outbound{ID: id, Type: p.out[k], Payload: payload}
}

var errInvalidPayload = errors.New("payload must be an object")

// initPayload decodes an optional connection_init payload. Only null or an
// object are accepted.
func initPayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errInvalidPayload
	}
	return payload, nil
}

// parseOperation decodes a subscribe/start payload.
func parseOperation(m inbound) (*engine.Operation, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}
	var op engine.Operation
	if err := json.Unmarshal(m.Payload, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if op.Query == "" {
		return nil, fmt.Errorf("%w: missing query", ErrMalformedMessage)
	}
	return &op, nil
}

// errorPayload is the payload of an error message: the GraphQL errors of
// the failed operation.
func errorPayload(errs []engine.Error) []engine.Error {
	if len(errs) == 0 {
		return []engine.Error{{Message: "unknown error"}}
	}
	return errs
}
