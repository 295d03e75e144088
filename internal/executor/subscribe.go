package executor

import (
	"context"

	"github.com/hanpama/tokengate/internal/language"
	"github.com/hanpama/tokengate/internal/schema"
)

// Subscribe creates the source stream of a subscription operation and maps
// every source event to an ExecutionResult.
//
// On success the returned channel yields one result per source event and is
// closed when the source ends or ctx is done; the second return is nil. If
// the subscription cannot be created the channel is nil and the second
// return describes the failure.
func (e *Executor) Subscribe(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variables map[string]any,
) (<-chan *ExecutionResult, *ExecutionResult) {
	ex, op, rootType, errRes := e.prepare(ctx, document, operationName, variables)
	if errRes != nil {
		return nil, errRes
	}
	if op.Operation != language.Subscription {
		return nil, errorResult("Operation %q is not a subscription.", op.Name)
	}
	rt, ok := e.runtime.(SubscriptionRuntime)
	if !ok {
		return nil, errorResult("Subscriptions are not supported by this server.")
	}

	groups := ex.collectFields(rootType, op.SelectionSet)
	if len(groups) != 1 {
		return nil, errorResult("Subscription must select only one top level field.")
	}
	group := groups[0]
	def := rootType.Field(group.fields[0].Name)
	if def == nil {
		return nil, errorResult("Cannot query field %q on type %q.", group.fields[0].Name, rootType.Name)
	}
	path := Path{group.responseName}
	args := ex.coerceArguments(def, group.fields[0].Arguments, path)
	if len(ex.errors) > 0 {
		return nil, &ExecutionResult{Errors: ex.errors}
	}

	source, err := rt.Subscribe(ctx, def.Name, args)
	if err != nil {
		return nil, &ExecutionResult{Errors: []GraphQLError{{Message: err.Error(), Path: path}}}
	}

	out := make(chan *ExecutionResult)
	go func() {
		defer close(out)
		for {
			var (
				ev SourceEvent
				ok bool
			)
			select {
			case <-ctx.Done():
				return
			case ev, ok = <-source:
				if !ok {
					return
				}
			}
			res := e.executeEvent(ex, rootType, def, group, ev)
			select {
			case <-ctx.Done():
				return
			case out <- res:
			}
		}
	}()
	return out, nil
}

// executeEvent completes one source event as the value of the subscription
// root field, with a fresh error list and batch queue.
func (e *Executor) executeEvent(base *execution, rootType *schema.Type, def *schema.Field, group *fieldGroup, ev SourceEvent) *ExecutionResult {
	ex := &execution{
		ctx:       base.ctx,
		runtime:   base.runtime,
		schema:    base.schema,
		document:  base.document,
		variables: base.variables,
		nulled:    make(map[string]struct{}),
	}
	data := map[string]any{group.responseName: asyncPending{}}
	ex.completeAsync(data, &asyncTask{
		task:   AsyncResolveTask{ObjectType: rootType.Name, Field: def.Name},
		path:   Path{group.responseName},
		typ:    def.Type,
		fields: group.fields,
	}, AsyncResolveResult{Value: ev.Value, Error: ev.Error})
	ex.drain(data)
	return &ExecutionResult{Data: data, Errors: ex.errors}
}
