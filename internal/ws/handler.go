// Package ws serves GraphQL operations over WebSocket using the
// graphql-transport-ws protocol and the legacy graphql-ws protocol.
//
// The credential of a connection is read once, from the connection_init
// payload, and every operation started on the connection executes with a
// fresh context carrying it.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hanpama/tokengate/internal/auth"
	"github.com/hanpama/tokengate/internal/engine"
)

// InitRequest describes a connection_init handshake.
type InitRequest struct {
	ConnID   string
	Protocol string
	// Payload is the decoded init payload; nil when absent.
	Payload map[string]any
	// Credential is the credential extracted from Payload, or from the
	// upgrade request header when header fallback is enabled and the payload
	// carries none.
	Credential auth.Credential
	// Header is the upgrade request header.
	Header http.Header
}

// InitHook decides a handshake. The returned credential is stored on the
// connection; an error rejects the connection.
type InitHook func(ctx context.Context, req InitRequest) (auth.Credential, error)

// AcceptInit accepts every connection with the extracted credential.
func AcceptInit(_ context.Context, req InitRequest) (auth.Credential, error) {
	return req.Credential, nil
}

type Options struct {
	// KeepAlive is the ping (graphql-transport-ws) or ka (graphql-ws)
	// interval. 0 disables keepalive.
	KeepAlive time.Duration

	// InitTimeout bounds the wait for connection_init.
	InitTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// ReadLimit is the maximum frame size in bytes.
	ReadLimit int64

	// TokenField is the connection_init payload field carrying the credential.
	TokenField string

	// HeaderFallback uses the upgrade request Token header when the init
	// payload carries no credential.
	HeaderFallback bool

	// OriginPatterns are host patterns allowed to connect cross-origin.
	OriginPatterns []string

	InitHook InitHook
	Builder  auth.Builder
	Logger   *slog.Logger
}

type Option func(*Options)

func WithKeepAlive(d time.Duration) Option    { return func(o *Options) { o.KeepAlive = d } }
func WithInitTimeout(d time.Duration) Option  { return func(o *Options) { o.InitTimeout = d } }
func WithWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }
func WithReadLimit(n int64) Option            { return func(o *Options) { o.ReadLimit = n } }
func WithTokenField(f string) Option          { return func(o *Options) { o.TokenField = f } }
func WithHeaderFallback(on bool) Option       { return func(o *Options) { o.HeaderFallback = on } }
func WithInitHook(h InitHook) Option          { return func(o *Options) { o.InitHook = h } }
func WithBuilder(b auth.Builder) Option       { return func(o *Options) { o.Builder = b } }
func WithLogger(l *slog.Logger) Option        { return func(o *Options) { o.Logger = l } }
func WithOriginPatterns(p ...string) Option {
	return func(o *Options) { o.OriginPatterns = p }
}

// Handler is the http.Handler of the streaming endpoint.
type Handler struct {
	engine engine.Engine
	opt    Options

	mu       sync.Mutex // guards closing and conns.Add against Shutdown
	closing  bool
	shutdown chan struct{}
	conns    sync.WaitGroup
}

func New(eng engine.Engine, opts ...Option) *Handler {
	op := Options{
		KeepAlive:      15 * time.Second,
		InitTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadLimit:      1 << 20,
		TokenField:     auth.PayloadField,
		HeaderFallback: true,
	}
	for _, f := range opts {
		f(&op)
	}
	if op.InitHook == nil {
		op.InitHook = AcceptInit
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	return &Handler{engine: eng, opt: op, shutdown: make(chan struct{})}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.conns.Done()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{ProtocolTransportWS, ProtocolGraphQLWS},
		OriginPatterns: h.opt.OriginPatterns,
	})
	if err != nil {
		h.opt.Logger.Warn("ws.upgrade.fail", "err", err)
		return
	}
	connID := uuid.NewString()
	proto := protocolFor(c.Subprotocol())
	if proto == nil {
		h.opt.Logger.Info("ws.connection.reject", "conn_id", connID, "reason", ErrSubprotocolRejected)
		_ = c.Close(CloseSubprotocolNotAccepted, "Subprotocol not acceptable")
		return
	}
	c.SetReadLimit(h.opt.ReadLimit)

	newConn(h, c, proto, connID, r).run(context.WithoutCancel(r.Context()))
}

// Shutdown closes every open connection with status 1001 and waits for
// them to finish or for ctx to be done. New upgrades are refused.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.closing {
		h.closing = true
		close(h.shutdown)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a connection unless Shutdown has begun. Once closing is
// set no Add can follow, so Shutdown's Wait never races a new connection.
func (h *Handler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns.Add(1)
	return true
}
