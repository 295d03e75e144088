package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/tokengate/internal/config"
	"github.com/hanpama/tokengate/internal/ws"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"help", "serve"}, &out, io.Discard))
	require.Contains(t, out.String(), "-ws.require-token")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"help"}, &out, io.Discard))
	require.Contains(t, out.String(), "print-schema")

	require.Error(t, run(context.Background(), []string{"help", "nope"}, &out, io.Discard))
}

func TestUnknownCommand(t *testing.T) {
	var errOut bytes.Buffer
	err := run(context.Background(), []string{"frobnicate"}, io.Discard, &errOut)
	require.ErrorContains(t, err, `unknown command "frobnicate"`)
	require.Contains(t, errOut.String(), "USAGE")

	require.Error(t, run(context.Background(), nil, io.Discard, io.Discard))
}

func TestPrintSchema(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"print-schema"}, &out, io.Discard))
	require.Contains(t, out.String(), "currentToken: String")
	require.Contains(t, out.String(), "messages(topic: String!): String!")

	path := filepath.Join(t.TempDir(), "schema.graphql")
	require.NoError(t, run(context.Background(), []string{"print-schema", "-out", path}, io.Discard, io.Discard))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, out.String(), string(data))
}

func TestServeRejectsInvalidFlags(t *testing.T) {
	err := run(context.Background(), []string{"serve", "-broker.kind", "kafka"}, io.Discard, io.Discard)
	require.ErrorContains(t, err, "unknown broker")

	err = run(context.Background(), []string{"serve", "-no-such-flag"}, io.Discard, io.Discard)
	require.Error(t, err)
}

func newTestApp(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	srv := httptest.NewServer(a.mux)
	t.Cleanup(func() {
		srv.Close()
		a.close()
	})
	return srv
}

func TestAppRequestEndpoint(t *testing.T) {
	srv := newTestApp(t, nil)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/", strings.NewReader(`{"query":"{ currentToken }"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", "abc123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"data":{"currentToken":"abc123"}}`, string(body))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(metrics), "tokengate_http_requests")
}

func TestAppMetricsDisabled(t *testing.T) {
	srv := newTestApp(t, func(c *config.Config) { c.Otel.Metrics = false })

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestAppIntrospection(t *testing.T) {
	query := `{"query":"{ __type(name: \"Subscription\") { fields { name } } }"}`
	post := func(srv *httptest.Server) string {
		resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(query))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	on := newTestApp(t, nil)
	require.JSONEq(t, `{"data":{"__type":{"fields":[{"name":"values"},{"name":"ticks"},{"name":"messages"}]}}}`, post(on))

	off := newTestApp(t, func(c *config.Config) { c.App.Introspection = false })
	require.Contains(t, post(off), `Cannot query field \"__type\"`)
}

func dialApp(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		Subprotocols: []string{ws.ProtocolTransportWS},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

type wireMessage struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

func TestAppStreamingEndpoint(t *testing.T) {
	srv := newTestApp(t, func(c *config.Config) { c.WS.RequireToken = true })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	anon := dialApp(t, srv)
	require.NoError(t, wsjson.Write(ctx, anon, wireMessage{Type: "connection_init"}))
	_, _, err := anon.Read(ctx)
	var ce websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.Equal(t, ws.CloseForbidden, ce.Code)
	require.Equal(t, "Token is required", ce.Reason)

	c := dialApp(t, srv)
	require.NoError(t, wsjson.Write(ctx, c, wireMessage{Type: "connection_init", Payload: map[string]any{"token": "123456"}}))
	var m wireMessage
	require.NoError(t, wsjson.Read(ctx, c, &m))
	require.Equal(t, "connection_ack", m.Type)

	require.NoError(t, wsjson.Write(ctx, c, wireMessage{ID: "1", Type: "subscribe", Payload: map[string]any{"query": "subscription { values }"}}))
	require.NoError(t, wsjson.Read(ctx, c, &m))
	require.Equal(t, "next", m.Type)
	require.Equal(t, "1", m.ID)
	require.Equal(t, map[string]any{"data": map[string]any{"values": 10.0}}, m.Payload)

	m = wireMessage{}
	require.NoError(t, wsjson.Read(ctx, c, &m))
	require.Equal(t, wireMessage{ID: "1", Type: "complete"}, m)
}
