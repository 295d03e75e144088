// Package server implements the GraphQL request/response endpoint.
//
// Every exchange is independent: the credential is read from the Token
// header, a fresh execution context is built for it and the operation is
// executed exactly once.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/hanpama/tokengate/internal/auth"
	"github.com/hanpama/tokengate/internal/engine"
	"github.com/hanpama/tokengate/internal/eventbus"
	"github.com/hanpama/tokengate/internal/events"
	"github.com/hanpama/tokengate/internal/reqid"
)

// Handler is an http.Handler serving one GraphQL endpoint.
type Handler struct {
	engine engine.Engine
	opt    Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata.
	// Header names are case-insensitive. Default is none.
	MetadataHeaders []string

	// Builder builds the per-operation execution context.
	Builder auth.Builder

	Logger *slog.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithBuilder(b auth.Builder) Option { return func(o *Options) { o.Builder = b } }
func WithLogger(l *slog.Logger) Option  { return func(o *Options) { o.Logger = l } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New returns a handler executing operations with eng.
func New(eng engine.Engine, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, MaxBodyBytes: 1 << 20}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	return &Handler{engine: eng, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx)
	status := http.StatusOK
	batchSize := 0
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Batch: batchSize, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		writeJSON(w, status, engine.ErrorResult("method not allowed"), h.opt.Pretty)
		return
	}

	ops, batch, err := parseRequest(r, h.opt.MaxBodyBytes)
	if err != nil {
		status = http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, engine.ErrorResult(err.Error()), h.opt.Pretty)
		return
	}

	if r.Method == http.MethodGet {
		// GET only carries queries; unparseable documents fall through to
		// the engine for a located error.
		if t := engine.OperationType(ops[0]); t == "mutation" || t == "subscription" {
			status = http.StatusMethodNotAllowed
			w.Header().Set("Allow", "POST")
			writeJSON(w, status, engine.ErrorResult("Can only perform a "+t+" operation from a POST request."), h.opt.Pretty)
			return
		}
	}

	ctx = metadata.NewOutgoingContext(ctx, h.forwardedMetadata(r.Header, rid))
	cred, _ := auth.FromHeader(r.Header)
	log := h.opt.Logger.With("request_id", rid, "credential", cred)

	results := make([]*engine.Result, len(ops))
	for i, op := range ops {
		res, panicked := h.executeOne(ctx, cred, op, log)
		if panicked {
			status = http.StatusInternalServerError
		}
		results[i] = res
	}

	if batch {
		batchSize = len(ops)
		writeJSON(w, status, results, h.opt.Pretty)
		return
	}
	writeJSON(w, status, results[0], h.opt.Pretty)
}

// executeOne runs one operation with a context built for cred. A panic in
// the engine becomes an internal error result.
func (h *Handler) executeOne(parent context.Context, cred auth.Credential, op *engine.Operation, log *slog.Logger) (res *engine.Result, panicked bool) {
	ctx := h.opt.Builder.Build(parent, cred)
	opType := engine.OperationType(op)
	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{
		Transport:     events.TransportHTTP,
		OperationName: op.OperationName,
		OperationType: opType,
		Authenticated: !cred.IsZero(),
	})
	defer func() {
		if p := recover(); p != nil {
			log.Error("http.request.panic", "operation", op.OperationName, "panic", p)
			res, panicked = engine.ErrorResult("internal server error"), true
		}
		eventbus.Publish(ctx, events.GraphQLFinish{
			Transport:     events.TransportHTTP,
			OperationName: op.OperationName,
			OperationType: opType,
			Results:       1,
			Errors:        res.Errs(),
			Duration:      time.Since(start),
		})
	}()

	res = h.engine.Execute(ctx, op)
	if res == nil {
		res = &engine.Result{}
	}
	log.Debug("http.operation.done", "operation", op.OperationName, "type", opType, "errors", len(res.Errors), "duration", time.Since(start))
	return res, false
}

func (h *Handler) forwardedMetadata(header http.Header, rid string) metadata.MD {
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md.Set(reqid.MetadataKey, rid)
	return md
}

// ------------------ Request parsing ------------------

var errBodyTooLarge = errors.New("body too large")

// parseRequest decodes one operation (GET or POST) or a POSTed batch.
func parseRequest(r *http.Request, maxBody int64) ([]*engine.Operation, bool, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		op := &engine.Operation{Query: q.Get("query"), OperationName: q.Get("operationName")}
		if op.Query == "" {
			return nil, false, errors.New("missing 'query'")
		}
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &op.Variables); err != nil {
				return nil, false, errors.New("invalid 'variables' JSON")
			}
		}
		if op.Variables == nil {
			op.Variables = map[string]any{}
		}
		return []*engine.Operation{op}, false, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return nil, false, errors.New("unsupported Content-Type")
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, errors.New("failed to read body")
	}
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, false, errBodyTooLarge
	}

	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "[") {
		var ops []*engine.Operation
		if err := json.Unmarshal(body, &ops); err != nil {
			return nil, false, errors.New("invalid JSON")
		}
		if len(ops) == 0 {
			return nil, false, errors.New("empty batch")
		}
		for _, op := range ops {
			if op == nil || op.Query == "" {
				return nil, false, errors.New("missing 'query'")
			}
		}
		return ops, true, nil
	}

	var op engine.Operation
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, false, errors.New("invalid JSON")
	}
	if op.Query == "" {
		return nil, false, errors.New("missing 'query'")
	}
	if op.Variables == nil {
		op.Variables = map[string]any{}
	}
	return []*engine.Operation{&op}, false, nil
}

// ------------------ Response formatting ------------------

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	wildcard := false
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		if o == "*" || o == origin {
			allowed = true
		}
	}
	if !allowed {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}
