package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeKinds(t *testing.T) {
	cases := []struct {
		proto *protocol
		typ   string
		want  kind
	}{
		{transportWS, "connection_init", kindInit},
		{transportWS, "subscribe", kindSubscribe},
		{transportWS, "complete", kindStop},
		{transportWS, "ping", kindPing},
		{graphqlWS, "start", kindSubscribe},
		{graphqlWS, "stop", kindStop},
		{graphqlWS, "connection_terminate", kindTerminate},
	}
	for _, tc := range cases {
		m, err := tc.proto.decode([]byte(`{"type":"` + tc.typ + `"}`))
		require.NoError(t, err, tc.typ)
		require.Equal(t, tc.want, m.kind, tc.typ)
	}

	// Each protocol only understands its own vocabulary.
	_, err := graphqlWS.decode([]byte(`{"type":"subscribe"}`))
	require.ErrorIs(t, err, ErrUnknownMessageType)
	_, err = transportWS.decode([]byte(`{"type":"start"}`))
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeMalformed(t *testing.T) {
	m, err := transportWS.decode([]byte(`{"id":"3","type":`))
	require.ErrorIs(t, err, ErrMalformedMessage)
	require.Empty(t, m.ID)

	m, err = transportWS.decode([]byte(`{"id":"4"}`))
	require.ErrorIs(t, err, ErrMalformedMessage)
	require.Equal(t, "4", m.ID)
}

func TestInitPayload(t *testing.T) {
	p, err := initPayload(nil)
	require.NoError(t, err)
	require.Nil(t, p)

	p, err = initPayload(json.RawMessage(`null`))
	require.NoError(t, err)
	require.Nil(t, p)

	p, err = initPayload(json.RawMessage(`{"token":"x"}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"token": "x"}, p)

	for _, raw := range []string{`[]`, `"x"`, `1`} {
		_, err = initPayload(json.RawMessage(raw))
		require.Error(t, err, raw)
	}
}

func TestOperationPayload(t *testing.T) {
	op, err := parseOperation(inbound{ID: "1", Payload: json.RawMessage(`{"query":"{ a }","operationName":"A","variables":{"x":1}}`)})
	require.NoError(t, err)
	require.Equal(t, "{ a }", op.Query)
	require.Equal(t, "A", op.OperationName)
	require.Equal(t, map[string]any{"x": 1.0}, op.Variables)

	for _, m := range []inbound{
		{Payload: json.RawMessage(`{"query":"{ a }"}`)},
		{ID: "1"},
		{ID: "1", Payload: json.RawMessage(`{"variables":{}}`)},
		{ID: "1", Payload: json.RawMessage(`[1]`)},
	} {
		_, err := parseOperation(m)
		require.ErrorIs(t, err, ErrMalformedMessage)
	}
}

func TestCloseReasonTruncated(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	ce := closeWith(CloseForbidden, string(long), nil)
	require.Len(t, ce.reason, 123)
}
