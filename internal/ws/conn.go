package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/tokengate/internal/auth"
	"github.com/hanpama/tokengate/internal/engine"
	"github.com/hanpama/tokengate/internal/eventbus"
	"github.com/hanpama/tokengate/internal/events"
	"github.com/hanpama/tokengate/internal/reqid"
)

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// conn is one accepted WebSocket connection. Only the loop goroutine reads
// or writes the fields below the separator line.
type conn struct {
	h      *Handler
	ws     *websocket.Conn
	proto  *protocol
	id     string
	header http.Header
	log    *slog.Logger

	opsWG  sync.WaitGroup
	opDone chan opResult

	// loop-owned
	initialised bool
	acked       bool
	cred        auth.Credential
	ops         map[string]*operation
	started     int
	awaitPong   bool
	closeCode   websocket.StatusCode
	closeReason string
}

// operation is one active subscribe/start. The mutex orders writes for the
// operation against its cancellation: once cancelled is set no further
// message is sent for it.
type operation struct {
	id     string
	cancel context.CancelFunc
	start  time.Time

	mu        sync.Mutex
	cancelled bool
}

func (op *operation) stop() {
	op.mu.Lock()
	op.cancelled = true
	op.mu.Unlock()
	op.cancel()
}

func newConn(h *Handler, c *websocket.Conn, proto *protocol, id string, r *http.Request) *conn {
	return &conn{
		h:      h,
		ws:     c,
		proto:  proto,
		id:     id,
		header: r.Header.Clone(),
		log:    h.opt.Logger.With("conn_id", id, "protocol", proto.name),
		opDone: make(chan opResult),
		ops:    make(map[string]*operation),
	}
}

func (c *conn) run(base context.Context) {
	start := time.Now()
	eventbus.Publish(base, events.WSConnect{ConnID: c.id, Protocol: c.proto.name})
	c.log.Info("ws.connection.open")

	connCtx, cancel := context.WithCancel(base)
	defer cancel()

	g, gctx := errgroup.WithContext(connCtx)
	frames := make(chan frame)
	g.Go(func() error { return c.read(gctx, frames) })
	g.Go(func() error { return c.loop(gctx, connCtx, frames) })
	err := g.Wait()

	// The loop cancelled every operation on exit; wait for them to stop
	// before the connection is reported closed.
	cancel()
	c.opsWG.Wait()

	if c.closeCode == 0 {
		c.closeCode = websocket.CloseStatus(err)
		if c.closeCode == -1 {
			c.closeCode = websocket.StatusAbnormalClosure
		}
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			c.closeReason = ce.Reason
		}
		_ = c.ws.CloseNow()
	}
	c.log.Info("ws.connection.close", "code", int(c.closeCode), "reason", c.closeReason, "operations", c.started)
	eventbus.Publish(base, events.WSClose{
		ConnID:     c.id,
		Code:       int(c.closeCode),
		Reason:     c.closeReason,
		Operations: c.started,
		Duration:   time.Since(start),
	})
}

func (c *conn) read(ctx context.Context, frames chan<- frame) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		select {
		case frames <- frame{typ: typ, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// loop owns the connection state. It returns when the connection must close;
// a *closeError return has already been sent to the peer.
func (c *conn) loop(ctx, connCtx context.Context, frames <-chan frame) (err error) {
	defer func() {
		for id, op := range c.ops {
			op.stop()
			delete(c.ops, id)
		}
		var ce *closeError
		if errors.As(err, &ce) {
			c.closeCode, c.closeReason = ce.code, ce.reason
			c.log.Info("ws.connection.closing", "code", int(ce.code), "reason", ce.reason, "err", ce.err)
			_ = c.ws.Close(ce.code, ce.reason)
		}
	}()

	initTimer := time.NewTimer(c.h.opt.InitTimeout)
	defer initTimer.Stop()

	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	var keepAlive <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.h.shutdown:
			return closeWith(websocket.StatusGoingAway, "server shutting down", ErrServerShutdown)

		case <-initTimer.C:
			if !c.initialised {
				return closeWith(CloseInitTimeout, "Connection initialisation timeout", ErrInitTimeout)
			}

		case <-keepAlive:
			if err := c.keepAlive(ctx); err != nil {
				return err
			}

		case done := <-c.opDone:
			if c.ops[done.op.id] == done.op {
				delete(c.ops, done.op.id)
			}
			if done.final != nil {
				c.emit(ctx, done.op, *done.final)
			}

		case f := <-frames:
			if err := c.handle(ctx, connCtx, f); err != nil {
				return err
			}
			if c.acked && keepAlive == nil && c.h.opt.KeepAlive > 0 {
				ticker = time.NewTicker(c.h.opt.KeepAlive)
				keepAlive = ticker.C
				if c.proto.legacy {
					if err := c.send(ctx, c.proto.message(kindKeepAlive, "", nil)); err != nil {
						return err
					}
				}
			}
		}
	}
}

func (c *conn) keepAlive(ctx context.Context) error {
	if c.proto.legacy {
		return c.send(ctx, c.proto.message(kindKeepAlive, "", nil))
	}
	if c.awaitPong {
		return closeWith(websocket.StatusPolicyViolation, "keepalive timeout", ErrKeepAliveTimeout)
	}
	c.awaitPong = true
	return c.send(ctx, c.proto.message(kindPing, "", nil))
}

func (c *conn) handle(ctx, connCtx context.Context, f frame) error {
	if f.typ != websocket.MessageText {
		return c.sendError(ctx, "", fmt.Errorf("%w: binary frame", ErrMalformedMessage))
	}
	m, err := c.proto.decode(f.data)
	if err != nil {
		c.log.Debug("ws.message.malformed", "id", m.ID, "err", err)
		return c.sendError(ctx, m.ID, err)
	}

	switch m.kind {
	case kindInit:
		return c.init(ctx, m)

	case kindSubscribe:
		if !c.acked {
			return closeWith(CloseUnauthorized, "Unauthorized", ErrNotAcknowledged)
		}
		op, err := parseOperation(m)
		if err != nil {
			return c.sendError(ctx, m.ID, err)
		}
		if _, ok := c.ops[m.ID]; ok {
			c.log.Debug("ws.operation.duplicate", "id", m.ID)
			return c.sendError(ctx, m.ID, fmt.Errorf("%w: %s", ErrDuplicateOperation, m.ID))
		}
		c.startOperation(connCtx, m.ID, op)
		return nil

	case kindStop:
		if op, ok := c.ops[m.ID]; ok {
			op.stop()
			delete(c.ops, m.ID)
			c.log.Debug("ws.operation.stop", "id", m.ID)
		}
		return nil

	case kindPing:
		var payload any
		if len(m.Payload) > 0 {
			payload = m.Payload
		}
		return c.send(ctx, c.proto.message(kindPong, "", payload))

	case kindPong:
		c.awaitPong = false
		return nil

	case kindTerminate:
		return closeWith(websocket.StatusNormalClosure, "", ErrConnectionTerminated)
	}
	return nil
}

func (c *conn) init(ctx context.Context, m inbound) error {
	if c.initialised {
		return closeWith(CloseTooManyInitRequests, "Too many initialisation requests", ErrAlreadyInitialised)
	}
	c.initialised = true

	payload, err := initPayload(m.Payload)
	if err != nil {
		eventbus.Publish(ctx, events.WSInit{ConnID: c.id, Err: err})
		return closeWith(CloseBadRequest, "Invalid connection_init payload", fmt.Errorf("%w: %v", ErrInvalidInitPayload, err))
	}

	cred, ok := auth.FromPayload(payload, c.h.opt.TokenField)
	if !ok && c.h.opt.HeaderFallback {
		cred, _ = auth.FromHeader(c.header)
	}

	hookCtx, cancel := context.WithTimeout(ctx, c.h.opt.InitTimeout)
	defer cancel()
	cred, err = c.h.opt.InitHook(hookCtx, InitRequest{
		ConnID:     c.id,
		Protocol:   c.proto.name,
		Payload:    payload,
		Credential: cred,
		Header:     c.header,
	})
	if err != nil {
		c.log.Info("ws.init.reject", "err", err)
		eventbus.Publish(ctx, events.WSInit{ConnID: c.id, Err: err})
		if c.proto.legacy {
			_ = c.send(ctx, c.proto.message(kindConnectionError, "", map[string]any{"message": err.Error()}))
		}
		return closeWith(CloseForbidden, err.Error(), err)
	}

	c.cred = cred
	if err := c.send(ctx, c.proto.message(kindAck, "", nil)); err != nil {
		return err
	}
	c.acked = true
	c.log.Info("ws.init.accept", "credential", cred)
	eventbus.Publish(ctx, events.WSInit{ConnID: c.id, Accepted: true, Authenticated: !cred.IsZero()})
	return nil
}

// startOperation registers id and runs op on its own goroutine. The
// operation context derives from the connection context, not the loop
// context, so it outlives nothing but the connection.
func (c *conn) startOperation(connCtx context.Context, id string, op *engine.Operation) {
	ctx, cancel := context.WithCancel(connCtx)
	ctx, rid := reqid.NewContext(ctx)
	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs(reqid.MetadataKey, rid))
	ctx = c.h.opt.Builder.Build(ctx, c.cred)

	o := &operation{id: id, cancel: cancel, start: time.Now()}
	c.ops[id] = o
	c.started++

	opType := engine.OperationType(op)
	c.log.Debug("ws.operation.start", "id", id, "request_id", rid, "operation", op.OperationName, "type", opType)
	eventbus.Publish(ctx, events.WSOperationStart{ConnID: c.id, OpID: id})
	eventbus.Publish(ctx, events.GraphQLStart{
		Transport:     events.TransportWebSocket,
		ConnID:        c.id,
		OperationName: op.OperationName,
		OperationType: opType,
		Authenticated: !c.cred.IsZero(),
	})

	c.opsWG.Add(1)
	go func() {
		defer c.opsWG.Done()
		defer cancel()
		final, results, errs := c.execute(ctx, o, op)

		o.mu.Lock()
		cancelled := o.cancelled
		o.mu.Unlock()
		c.log.Debug("ws.operation.done", "id", id, "results", results, "cancelled", cancelled)
		eventbus.Publish(ctx, events.GraphQLFinish{
			Transport:     events.TransportWebSocket,
			OperationName: op.OperationName,
			OperationType: opType,
			Results:       results,
			Errors:        errs,
			Duration:      time.Since(o.start),
		})
		eventbus.Publish(ctx, events.WSOperationFinish{ConnID: c.id, OpID: id, Cancelled: cancelled, Duration: time.Since(o.start)})

		select {
		case c.opDone <- opResult{op: o, final: final}:
		case <-connCtx.Done():
		}
	}()
}

// opResult hands a finished operation back to the loop. The final message
// is sent only after the id has been released, so a client may reuse the id
// as soon as it sees it.
type opResult struct {
	op    *operation
	final *outbound
}

// execute streams the results of op and returns the terminating complete
// or error message, how many results were delivered and their errors. The
// final message is nil when the operation was cancelled.
func (c *conn) execute(ctx context.Context, o *operation, op *engine.Operation) (*outbound, int, []error) {
	stream, failed := c.h.engine.Subscribe(ctx, op)
	if failed != nil {
		m := c.proto.message(kindError, o.id, errorPayload(failed.Errors))
		return &m, 0, failed.Errs()
	}

	var (
		delivered int
		errs      []error
	)
	for res := range stream {
		if !c.emit(ctx, o, c.proto.message(kindNext, o.id, res)) {
			// Let the engine observe cancellation and close the stream.
			o.cancel()
			for range stream {
			}
			return nil, delivered, errs
		}
		delivered++
		errs = append(errs, res.Errs()...)
	}
	m := c.proto.message(kindComplete, o.id, nil)
	return &m, delivered, errs
}

// emit sends m for o unless o has been cancelled. It reports whether the
// message was written.
func (c *conn) emit(ctx context.Context, o *operation, m outbound) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled {
		return false
	}
	if err := c.send(ctx, m); err != nil {
		o.cancelled = true
		return false
	}
	return true
}

func (c *conn) sendError(ctx context.Context, id string, err error) error {
	return c.send(ctx, c.proto.message(kindError, id, []engine.Error{{Message: err.Error()}}))
}

func (c *conn) send(ctx context.Context, m outbound) error {
	ctx, cancel := context.WithTimeout(ctx, c.h.opt.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, m)
}
