package config

import (
	"bytes"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8000", c.Server.Addr)
	require.Equal(t, "/", c.Server.Path)
	require.Equal(t, 10*time.Second, c.Server.Timeout)
	require.Equal(t, "/ws", c.WS.Path)
	require.Equal(t, 15*time.Second, c.WS.KeepAlive)
	require.Equal(t, "token", c.WS.TokenField)
	require.True(t, c.WS.HeaderFallback)
	require.Equal(t, "123456", c.App.Secret)
	require.True(t, c.App.Introspection)
	require.Equal(t, BrokerMemory, c.Broker.Kind)
	require.Equal(t, "tokengate", c.Otel.Service)
	require.True(t, c.Otel.Metrics)
	require.NoError(t, c.Validate())
}

func TestEnvironment(t *testing.T) {
	t.Setenv("TOKENGATE_ADDR", ":9000")
	t.Setenv("TOKENGATE_WS_KEEPALIVE", "0s")
	t.Setenv("TOKENGATE_WS_REQUIRE_TOKEN", "true")
	t.Setenv("TOKENGATE_METADATA_HEADERS", "X-A;X-B")
	t.Setenv("TOKENGATE_BROKER", "redis")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9000", c.Server.Addr)
	require.Equal(t, time.Duration(0), c.WS.KeepAlive)
	require.True(t, c.WS.RequireToken)
	require.Equal(t, []string{"X-A", "X-B"}, c.Server.MetadataHeaders)
	require.Equal(t, BrokerRedis, c.Broker.Kind)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("TOKENGATE_ADDR", ":9000")
	t.Setenv("TOKENGATE_METADATA_HEADERS", "X-Env")

	c, err := Load()
	require.NoError(t, err)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	c.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-server.addr", ":7000",
		"-server.metadata-header", "X-One",
		"-server.metadata-header", "X-Two",
		"-ws.header-fallback=false",
		"-log.format", "json",
	}))

	require.Equal(t, ":7000", c.Server.Addr)
	require.Equal(t, []string{"X-One", "X-Two"}, c.Server.MetadataHeaders)
	require.False(t, c.WS.HeaderFallback)
	require.Equal(t, "json", c.Log.Format)
}

func TestValidate(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	c.Server.Path = "graphql"
	c.Broker.Kind = "kafka"
	c.Log.Level = "loud"
	err = c.Validate()
	require.ErrorContains(t, err, "must start with /")
	require.ErrorContains(t, err, `unknown broker "kafka"`)
	require.ErrorContains(t, err, "log level")

	c, _ = Load()
	c.WS.Path = "/"
	require.ErrorContains(t, c.Validate(), "both")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := Log{Level: "warn", Format: "json"}.Logger(&buf)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = Log{Level: "info", Format: "xml"}.Logger(&buf)
	require.Error(t, err)
}
