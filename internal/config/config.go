// Package config loads the gateway configuration from the environment and
// command-line flags. Flags override environment values, which override the
// defaults declared in the struct tags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

type Config struct {
	Server Server
	WS     WS
	Auth   Auth
	App    App
	Broker Broker
	Otel   Otel
	Log    Log
}

type Server struct {
	Addr            string        `env:"TOKENGATE_ADDR,default=:8000"`
	Path            string        `env:"TOKENGATE_PATH,default=/"`
	Timeout         time.Duration `env:"TOKENGATE_TIMEOUT,default=10s"`
	Pretty          bool          `env:"TOKENGATE_PRETTY,default=false"`
	MaxBodyBytes    int64         `env:"TOKENGATE_MAX_BODY_BYTES,default=1048576"`
	MetadataHeaders []string      `env:"TOKENGATE_METADATA_HEADERS"`
	CORSOrigins     []string      `env:"TOKENGATE_CORS_ORIGINS"`
}

type WS struct {
	Path           string        `env:"TOKENGATE_WS_PATH,default=/ws"`
	KeepAlive      time.Duration `env:"TOKENGATE_WS_KEEPALIVE,default=15s"`
	InitTimeout    time.Duration `env:"TOKENGATE_WS_INIT_TIMEOUT,default=10s"`
	TokenField     string        `env:"TOKENGATE_WS_TOKEN_FIELD,default=token"`
	HeaderFallback bool          `env:"TOKENGATE_WS_HEADER_FALLBACK,default=true"`
	RequireToken   bool          `env:"TOKENGATE_WS_REQUIRE_TOKEN,default=false"`
	OriginPatterns []string      `env:"TOKENGATE_WS_ORIGIN_PATTERNS"`
}

type Auth struct {
	// MetadataKey forwards the credential as outgoing gRPC metadata when set.
	MetadataKey string `env:"TOKENGATE_AUTH_METADATA_KEY"`
}

type App struct {
	Secret        string `env:"TOKENGATE_APP_SECRET,default=123456"`
	Introspection bool   `env:"TOKENGATE_INTROSPECTION,default=true"`
}

type Broker struct {
	Kind      string `env:"TOKENGATE_BROKER,default=memory"`
	RedisAddr string `env:"TOKENGATE_REDIS_ADDR,default=localhost:6379"`
	KeyPrefix string `env:"TOKENGATE_REDIS_KEY_PREFIX,default=tokengate:pubsub:"`
}

type Otel struct {
	Endpoint string `env:"TOKENGATE_OTEL_ENDPOINT"`
	Service  string `env:"TOKENGATE_OTEL_SERVICE,default=tokengate"`
	Metrics  bool   `env:"TOKENGATE_METRICS,default=true"`
}

type Log struct {
	Level  string `env:"TOKENGATE_LOG_LEVEL,default=info"`
	Format string `env:"TOKENGATE_LOG_FORMAT,default=text"`
}

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Load reads the environment. Unset variables take their tag defaults.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &c, nil
}

// RegisterFlags binds the serve flags to c, using the current values as
// defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Server.Addr, "server.addr", c.Server.Addr, "HTTP listen address")
	fs.StringVar(&c.Server.Path, "server.path", c.Server.Path, "Request endpoint path")
	fs.DurationVar(&c.Server.Timeout, "server.timeout", c.Server.Timeout, "Per-request timeout")
	fs.BoolVar(&c.Server.Pretty, "server.pretty", c.Server.Pretty, "Pretty-print JSON responses")
	fs.Int64Var(&c.Server.MaxBodyBytes, "server.max-body-bytes", c.Server.MaxBodyBytes, "Maximum request body size")
	fs.Var(newListFlag(&c.Server.MetadataHeaders), "server.metadata-header", "Forward HTTP header to gRPC metadata. Repeatable")
	fs.Var(newListFlag(&c.Server.CORSOrigins), "server.cors-origin", "Allowed CORS origin. Repeatable")

	fs.StringVar(&c.WS.Path, "ws.path", c.WS.Path, "WebSocket endpoint path")
	fs.DurationVar(&c.WS.KeepAlive, "ws.keepalive", c.WS.KeepAlive, "Keepalive interval, 0 disables")
	fs.DurationVar(&c.WS.InitTimeout, "ws.init-timeout", c.WS.InitTimeout, "connection_init timeout")
	fs.StringVar(&c.WS.TokenField, "ws.token-field", c.WS.TokenField, "connection_init payload field carrying the token")
	fs.BoolVar(&c.WS.HeaderFallback, "ws.header-fallback", c.WS.HeaderFallback, "Use the upgrade Token header when the init payload has none")
	fs.BoolVar(&c.WS.RequireToken, "ws.require-token", c.WS.RequireToken, "Reject connections without a token")
	fs.Var(newListFlag(&c.WS.OriginPatterns), "ws.origin-pattern", "Allowed cross-origin host pattern. Repeatable")

	fs.StringVar(&c.Auth.MetadataKey, "auth.metadata-key", c.Auth.MetadataKey, "Forward the token as this gRPC metadata key")
	fs.StringVar(&c.App.Secret, "app.secret", c.App.Secret, "Token accepted by the values subscription")
	fs.BoolVar(&c.App.Introspection, "introspection", c.App.Introspection, "Serve the __schema and __type meta fields")

	fs.StringVar(&c.Broker.Kind, "broker.kind", c.Broker.Kind, "Message broker: memory or redis")
	fs.StringVar(&c.Broker.RedisAddr, "broker.redis-addr", c.Broker.RedisAddr, "Redis address")
	fs.StringVar(&c.Broker.KeyPrefix, "broker.key-prefix", c.Broker.KeyPrefix, "Redis key prefix")

	fs.StringVar(&c.Otel.Endpoint, "otel.endpoint", c.Otel.Endpoint, "OTLP collector endpoint")
	fs.StringVar(&c.Otel.Service, "otel.service", c.Otel.Service, "OpenTelemetry service name")
	fs.BoolVar(&c.Otel.Metrics, "metrics.enabled", c.Otel.Metrics, "Serve Prometheus metrics on /metrics")

	fs.StringVar(&c.Log.Level, "log.level", c.Log.Level, "Log level: debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log.format", c.Log.Format, "Log format: text or json")
}

// Validate checks values that flags and the environment cannot constrain.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Path == "" || !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server path %q must start with /", c.Server.Path))
	}
	if c.WS.Path == "" || !strings.HasPrefix(c.WS.Path, "/") {
		errs = append(errs, fmt.Errorf("ws path %q must start with /", c.WS.Path))
	}
	if c.WS.Path == c.Server.Path {
		errs = append(errs, fmt.Errorf("ws path and server path are both %q", c.WS.Path))
	}
	if c.WS.InitTimeout <= 0 {
		errs = append(errs, errors.New("ws init timeout must be positive"))
	}
	if c.WS.KeepAlive < 0 {
		errs = append(errs, errors.New("ws keepalive must not be negative"))
	}
	switch c.Broker.Kind {
	case BrokerMemory, BrokerRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker.Kind))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (l Log) level() (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return lv, nil
}

// Logger builds the process logger writing to w.
func (l Log) Logger(w io.Writer) (*slog.Logger, error) {
	lv, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lv}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", l.Format)
}

// listFlag is a repeatable flag. The first Set replaces values loaded from
// the environment.
type listFlag struct {
	dst *[]string
	set bool
}

func newListFlag(dst *[]string) *listFlag { return &listFlag{dst: dst} }

func (f *listFlag) String() string {
	if f == nil || f.dst == nil {
		return ""
	}
	return strings.Join(*f.dst, ",")
}

func (f *listFlag) Set(v string) error {
	if !f.set {
		*f.dst = nil
		f.set = true
	}
	*f.dst = append(*f.dst, v)
	return nil
}
