package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/tokengate/internal/auth"
	"github.com/hanpama/tokengate/internal/config"
	"github.com/hanpama/tokengate/internal/engine"
	"github.com/hanpama/tokengate/internal/eventbus"
	"github.com/hanpama/tokengate/internal/language"
	"github.com/hanpama/tokengate/internal/otel"
	"github.com/hanpama/tokengate/internal/pubsub"
	"github.com/hanpama/tokengate/internal/pubsub/memory"
	"github.com/hanpama/tokengate/internal/pubsub/redis"
	"github.com/hanpama/tokengate/internal/server"
	"github.com/hanpama/tokengate/internal/tokenapi"
	"github.com/hanpama/tokengate/internal/ws"
)

const rootUsage = `tokengate: GraphQL gateway passing bearer tokens to resolvers

USAGE:
  tokengate <command> [flags]

COMMANDS:
  serve            Run the GraphQL HTTP and WebSocket endpoints
  print-schema     Print the served schema as SDL
  help             Show help for any command
`

const serveUsage = `serve FLAGS (environment variable in brackets):
  -server.addr <addr>              Listen address (default: :8000) [TOKENGATE_ADDR]
  -server.path <path>              Request endpoint path (default: /) [TOKENGATE_PATH]
  -server.timeout <duration>       Per-request timeout (default: 10s) [TOKENGATE_TIMEOUT]
  -server.pretty                   Pretty-print JSON responses [TOKENGATE_PRETTY]
  -server.max-body-bytes <n>       Maximum request body size (default: 1048576)
  -server.metadata-header <name>   Forward HTTP header to gRPC metadata. Repeatable
  -server.cors-origin <origin>     Allowed CORS origin. Repeatable
  -ws.path <path>                  WebSocket endpoint path (default: /ws) [TOKENGATE_WS_PATH]
  -ws.keepalive <duration>         Keepalive interval, 0 disables (default: 15s)
  -ws.init-timeout <duration>      connection_init timeout (default: 10s)
  -ws.token-field <name>           Init payload field carrying the token (default: token)
  -ws.header-fallback <bool>       Use the upgrade Token header when the payload has none (default: true)
  -ws.require-token                Reject connections without a token
  -ws.origin-pattern <pattern>     Allowed cross-origin host pattern. Repeatable
  -auth.metadata-key <key>         Forward the token as gRPC metadata under key
  -app.secret <token>              Token accepted by the values subscription (default: 123456)
  -broker.kind <memory|redis>      Message broker (default: memory) [TOKENGATE_BROKER]
  -broker.redis-addr <addr>        Redis address (default: localhost:6379)
  -broker.key-prefix <prefix>      Redis key prefix (default: tokengate:pubsub:)
  -otel.endpoint <addr>            OTLP collector endpoint
  -otel.service <name>             OpenTelemetry service name (default: tokengate)
  -metrics.enabled <bool>          Serve Prometheus metrics on /metrics (default: true)
  -log.level <level>               debug, info, warn or error (default: info)
  -log.format <text|json>          Log format (default: text)
`

const printSchemaUsage = `print-schema FLAGS:
  -out <file>   Write SDL to file (default: stdout)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "tokengate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}
	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(ctx, cmdArgs, stderr)
	case "print-schema":
		return cmdPrintSchema(cmdArgs, stdout, stderr)
	case "help", "-h", "-help", "--help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "print-schema":
		fmt.Fprint(stdout, printSchemaUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

func cmdPrintSchema(args []string, stdout, stderr io.Writer) error {
	outFile := ""
	fs := flag.NewFlagSet("print-schema", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outFile, "out", outFile, "Write SDL to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, printSchemaUsage)
		return err
	}

	sch, err := language.LoadSchema("schema.graphql", tokenapi.SDL)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	var buf bytes.Buffer
	language.FormatSchema(&buf, sch)
	if outFile == "" {
		_, err := stdout.Write(buf.Bytes())
		return err
	}
	return os.WriteFile(outFile, buf.Bytes(), 0o644)
}

func cmdServe(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}

	logger, err := cfg.Log.Logger(stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server.listen", "addr", cfg.Server.Addr, "path", cfg.Server.Path, "ws_path", cfg.WS.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server.shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return errors.Join(a.ws.Shutdown(sctx), srv.Shutdown(sctx))
	})
	return g.Wait()
}

// app holds the wired components of a running gateway.
type app struct {
	mux       *http.ServeMux
	ws        *ws.Handler
	broker    pubsub.Broker
	telemetry *otel.Telemetry
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	bus := eventbus.New()
	eventbus.Use(bus)
	tel, err := otel.Setup(ctx, bus, otel.Config{
		Endpoint: cfg.Otel.Endpoint,
		Service:  cfg.Otel.Service,
		Metrics:  cfg.Otel.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}

	broker, err := newBroker(ctx, cfg.Broker, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	api := tokenapi.New(broker, tokenapi.WithSecret(cfg.App.Secret), tokenapi.WithLogger(logger))
	eng, err := engine.Load(tokenapi.SDL, api, engine.WithIntrospection(cfg.App.Introspection))
	if err != nil {
		_ = broker.Close()
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	builder := auth.Builder{MetadataKey: cfg.Auth.MetadataKey}

	sopts := []server.Option{
		server.WithBuilder(builder),
		server.WithLogger(logger),
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(cfg.Server.MetadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(cfg.Server.MetadataHeaders...))
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORSOrigins...))
	}

	wopts := []ws.Option{
		ws.WithBuilder(builder),
		ws.WithLogger(logger),
		ws.WithKeepAlive(cfg.WS.KeepAlive),
		ws.WithInitTimeout(cfg.WS.InitTimeout),
		ws.WithTokenField(cfg.WS.TokenField),
		ws.WithHeaderFallback(cfg.WS.HeaderFallback),
	}
	if cfg.WS.RequireToken {
		wopts = append(wopts, ws.WithInitHook(tokenapi.RequireToken))
	}
	if len(cfg.WS.OriginPatterns) > 0 {
		wopts = append(wopts, ws.WithOriginPatterns(cfg.WS.OriginPatterns...))
	}
	wsHandler := ws.New(eng, wopts...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, server.New(eng, sopts...))
	mux.Handle(cfg.WS.Path, wsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	if tel.MetricsHandler != nil {
		mux.Handle("/metrics", tel.MetricsHandler)
	}

	return &app{mux: mux, ws: wsHandler, broker: broker, telemetry: tel}, nil
}

func newBroker(ctx context.Context, cfg config.Broker, logger *slog.Logger) (pubsub.Broker, error) {
	if cfg.Kind != config.BrokerRedis {
		return memory.New(), nil
	}
	b := redis.New(redis.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.KeyPrefix, Logger: logger})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.Ping(pctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return b, nil
}

func (a *app) close() {
	_ = a.broker.Close()
	_ = a.telemetry.Shutdown(context.Background())
	eventbus.Use(nil)
}
