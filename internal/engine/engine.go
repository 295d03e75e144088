// Package engine is the execution boundary used by the transports: it turns
// an Operation and a context into one Result or a stream of Results.
package engine

import (
	"context"
	"fmt"

	"github.com/hanpama/tokengate/internal/executor"
	"github.com/hanpama/tokengate/internal/introspection"
	"github.com/hanpama/tokengate/internal/language"
	"github.com/hanpama/tokengate/internal/schema"
)

// Engine executes operations. Credentials and other per-operation values
// travel in ctx; the engine never inspects the transport.
type Engine interface {
	// Execute runs a query or mutation and returns exactly one result.
	Execute(ctx context.Context, op *Operation) *Result

	// Subscribe runs any operation as a stream. Subscriptions yield one
	// result per source event; queries and mutations yield one result. The
	// channel is closed when the stream ends or ctx is done.
	//
	// When the operation fails before producing a stream (parse, validation
	// or source errors) the channel is nil and the second return is the
	// failure.
	Subscribe(ctx context.Context, op *Operation) (<-chan *Result, *Result)
}

// Service is the Engine backed by the breadth-first executor.
type Service struct {
	ast  *language.Schema
	exec *executor.Executor
}

var _ Engine = (*Service)(nil)

type options struct {
	introspection bool
}

// Option configures a Service.
type Option func(*options)

// WithIntrospection enables or disables the __schema and __type meta
// fields. They are enabled by default.
func WithIntrospection(enabled bool) Option { return func(o *options) { o.introspection = enabled } }

// New returns a Service for a validated schema and its runtime.
func New(src *language.Schema, runtime executor.Runtime, opts ...Option) *Service {
	o := options{introspection: true}
	for _, opt := range opts {
		opt(&o)
	}
	sch := schema.FromAST(src)
	if o.introspection {
		sch = introspection.Extend(sch)
		runtime = introspection.Wrap(runtime, sch)
	}
	return &Service{ast: src, exec: executor.NewExecutor(runtime, sch)}
}

// Load builds a Service from SDL.
func Load(sdl string, runtime executor.Runtime, opts ...Option) (*Service, error) {
	src, err := language.LoadSchema("schema.graphql", sdl)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return New(src, runtime, opts...), nil
}

// Schema returns the validated schema the service executes against.
func (s *Service) Schema() *language.Schema { return s.ast }

func (s *Service) Execute(ctx context.Context, op *Operation) *Result {
	doc, errRes := s.load(op)
	if errRes != nil {
		return errRes
	}
	if operationType(doc, op.OperationName) == string(language.Subscription) {
		return ErrorResult("Subscriptions are only supported over the streaming transport.")
	}
	return fromExecution(s.exec.ExecuteRequest(ctx, doc, op.OperationName, op.Variables, nil))
}

func (s *Service) Subscribe(ctx context.Context, op *Operation) (<-chan *Result, *Result) {
	doc, errRes := s.load(op)
	if errRes != nil {
		return nil, errRes
	}

	if operationType(doc, op.OperationName) != string(language.Subscription) {
		out := make(chan *Result, 1)
		out <- fromExecution(s.exec.ExecuteRequest(ctx, doc, op.OperationName, op.Variables, nil))
		close(out)
		return out, nil
	}

	src, failed := s.exec.Subscribe(ctx, doc, op.OperationName, op.Variables)
	if failed != nil {
		return nil, fromExecution(failed)
	}
	out := make(chan *Result)
	go func() {
		defer close(out)
		for res := range src {
			select {
			case out <- fromExecution(res):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) load(op *Operation) (*language.QueryDocument, *Result) {
	if op == nil || op.Query == "" {
		return nil, ErrorResult("Must provide query string.")
	}
	doc, errs := language.LoadQuery(s.ast, op.Query)
	if len(errs) > 0 {
		return nil, fromErrorList(errs)
	}
	return doc, nil
}

// OperationType reports "query", "mutation" or "subscription" for the
// operation op selects, or "" when the document does not parse or the
// selection is ambiguous. It does not validate.
func OperationType(op *Operation) string {
	if op == nil {
		return ""
	}
	doc, err := language.ParseQuery(op.Query)
	if err != nil {
		return ""
	}
	return operationType(doc, op.OperationName)
}

func operationType(doc *language.QueryDocument, name string) string {
	var def *language.OperationDefinition
	switch {
	case name != "":
		def = doc.Operations.ForName(name)
	case len(doc.Operations) == 1:
		def = doc.Operations[0]
	}
	if def == nil {
		return ""
	}
	if def.Operation == "" {
		return string(language.Query)
	}
	return string(def.Operation)
}
