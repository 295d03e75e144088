package executor

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hanpama/tokengate/internal/language"
	"github.com/hanpama/tokengate/internal/schema"
)

// Executor executes validated documents against a schema.
type Executor struct {
	runtime Runtime
	schema  *schema.Schema
}

func NewExecutor(runtime Runtime, s *schema.Schema) *Executor {
	return &Executor{runtime: runtime, schema: s}
}

// execution is the state of one operation, or of one subscription event.
type execution struct {
	ctx       context.Context
	runtime   Runtime
	schema    *schema.Schema
	document  *language.QueryDocument
	variables map[string]any
	pending   []*asyncTask
	errors    []GraphQLError
	// tombstoned response paths, keyed by Path.String
	nulled map[string]struct{}
}

type asyncTask struct {
	task   AsyncResolveTask
	path   Path
	typ    *schema.TypeRef
	fields []*language.Field
}

// asyncPending marks a response slot whose value arrives with a later batch.
type asyncPending struct{}

// ExecuteRequest executes the selected operation of document. Subscription
// operations are executed like queries; use Subscribe for a stream.
func (e *Executor) ExecuteRequest(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variables map[string]any,
	initialValue any,
) *ExecutionResult {
	ex, op, rootType, errRes := e.prepare(ctx, document, operationName, variables)
	if errRes != nil {
		return errRes
	}
	data := ex.selectionSet(rootType, op.SelectionSet, initialValue, nil)
	ex.drain(data)
	return &ExecutionResult{Data: data, Errors: ex.errors}
}

func (e *Executor) prepare(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variables map[string]any,
) (*execution, *language.OperationDefinition, *schema.Type, *ExecutionResult) {
	op := selectOperation(document, operationName)
	if op == nil {
		if operationName != "" {
			return nil, nil, nil, errorResult("Unknown operation named %q.", operationName)
		}
		return nil, nil, nil, errorResult("Must provide operation name if query contains multiple operations.")
	}

	var rootType *schema.Type
	switch op.Operation {
	case language.Query, "":
		rootType = e.schema.GetQueryType()
	case language.Mutation:
		rootType = e.schema.GetMutationType()
	case language.Subscription:
		rootType = e.schema.GetSubscriptionType()
	default:
		return nil, nil, nil, errorResult("unsupported operation type: %s", op.Operation)
	}
	if rootType == nil {
		return nil, nil, nil, errorResult("Schema is not configured for %s operations.", op.Operation)
	}

	coerced, err := coerceVariableValues(e.schema, op, variables)
	if err != nil {
		return nil, nil, nil, errorResult("%s", err.Error())
	}

	ex := &execution{
		ctx:       ctx,
		runtime:   e.runtime,
		schema:    e.schema,
		document:  document,
		variables: coerced,
		nulled:    make(map[string]struct{}),
	}
	return ex, op, rootType, nil
}

func selectOperation(document *language.QueryDocument, name string) *language.OperationDefinition {
	if document == nil {
		return nil
	}
	if name == "" {
		if len(document.Operations) == 1 {
			return document.Operations[0]
		}
		return nil
	}
	return document.Operations.ForName(name)
}

// selectionSet expands one object. Sync fields complete in place, async
// fields are queued and leave an asyncPending placeholder. A nil map means a
// Non-Null child of a nested object was null.
func (ex *execution) selectionSet(objectType *schema.Type, set language.SelectionSet, source any, path Path) map[string]any {
	out := make(map[string]any)
	for _, group := range ex.collectFields(objectType, set) {
		fieldPath := path.child(group.responseName)
		first := group.fields[0]

		if first.Name == "__typename" {
			out[group.responseName] = objectType.Name
			continue
		}
		def := objectType.Field(first.Name)
		if def == nil {
			ex.addError(fieldPath, "Cannot query field %q on type %q.", first.Name, objectType.Name)
			continue
		}

		value := ex.field(objectType, def, group.fields, source, fieldPath)
		if isNullish(value) {
			if schema.IsNonNull(def.Type) && len(path) > 0 {
				return nil
			}
			value = nil
		}
		out[group.responseName] = value
	}
	return out
}

func (ex *execution) field(objectType *schema.Type, def *schema.Field, fields []*language.Field, source any, path Path) any {
	args := ex.coerceArguments(def, fields[0].Arguments, path)
	if def.Async {
		ex.pending = append(ex.pending, &asyncTask{
			task: AsyncResolveTask{
				ObjectType: objectType.Name,
				Field:      def.Name,
				Source:     source,
				Args:       args,
			},
			path:   path,
			typ:    def.Type,
			fields: fields,
		})
		return asyncPending{}
	}

	value, err := ex.runtime.ResolveSync(ex.ctx, objectType.Name, def.Name, source, args)
	if err != nil {
		ex.addError(path, "%s", err.Error())
		value = nil
	}
	return ex.complete(def.Type, fields, value, path)
}

// drain runs batches until no async work is left.
func (ex *execution) drain(data map[string]any) {
	for len(ex.pending) > 0 {
		live := make([]*asyncTask, 0, len(ex.pending))
		for _, t := range ex.pending {
			if !ex.isNulled(t.path) {
				live = append(live, t)
			}
		}
		ex.pending = nil
		if len(live) == 0 {
			return
		}

		tasks := make([]AsyncResolveTask, len(live))
		for i, t := range live {
			tasks[i] = t.task
		}
		results := ex.runtime.BatchResolveAsync(ex.ctx, tasks)
		for i, t := range live {
			res := AsyncResolveResult{Error: fmt.Errorf("runtime returned %d results for %d tasks", len(results), len(tasks))}
			if i < len(results) {
				res = results[i]
			}
			ex.completeAsync(data, t, res)
		}
	}
}

func (ex *execution) completeAsync(data map[string]any, t *asyncTask, res AsyncResolveResult) {
	if ex.isNulled(t.path) {
		return
	}
	var value any
	if res.Error != nil {
		ex.addError(t.path, "%s", res.Error.Error())
	} else {
		value = ex.complete(t.typ, t.fields, res.Value, t.path)
	}

	if isNullish(value) {
		if schema.IsNonNull(t.typ) {
			if res.Error == nil && !ex.hasErrorAt(t.path) {
				ex.addError(t.path, "Cannot return null for non-nullable field %s.", t.path)
			}
			top := topLevel(t.path)
			setAtPath(data, top, nil)
			ex.nulled[top.String()] = struct{}{}
			return
		}
		value = nil
	}
	setAtPath(data, t.path, value)
}

func (ex *execution) complete(typ *schema.TypeRef, fields []*language.Field, value any, path Path) any {
	if schema.IsNonNull(typ) {
		if isNullish(value) {
			if !ex.hasErrorAt(path) {
				ex.addError(path, "Cannot return null for non-nullable field %s.", path)
			}
			return nil
		}
		return ex.complete(schema.Unwrap(typ), fields, value, path)
	}
	if isNullish(value) {
		return nil
	}
	if schema.IsList(typ) {
		return ex.completeList(typ, fields, value, path)
	}

	name := schema.GetNamedType(typ)
	named := ex.schema.Types[name]
	if named == nil {
		ex.addError(path, "Unknown type %q.", name)
		return nil
	}
	switch named.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		out, err := ex.runtime.SerializeLeafValue(ex.ctx, name, value)
		if err != nil {
			ex.addError(path, "%s", err.Error())
			return nil
		}
		return out
	case schema.TypeKindObject:
		return ex.selectionSet(named, mergeSelectionSets(fields), value, path)
	case schema.TypeKindInterface, schema.TypeKindUnion:
		return ex.completeAbstract(named, fields, value, path)
	default:
		ex.addError(path, "Cannot complete value of kind %s.", named.Kind)
		return nil
	}
}

func (ex *execution) completeList(typ *schema.TypeRef, fields []*language.Field, value any, path Path) any {
	items, ok := value.([]any)
	if !ok {
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			ex.addError(path, "Expected a list, got %T.", value)
			return nil
		}
		items = make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
	}

	inner := schema.Unwrap(typ)
	out := make([]any, len(items))
	for i, item := range items {
		v := ex.complete(inner, fields, item, path.child(i))
		if isNullish(v) {
			if schema.IsNonNull(inner) {
				return nil
			}
			v = nil
		}
		out[i] = v
	}
	return out
}

func (ex *execution) completeAbstract(abstract *schema.Type, fields []*language.Field, value any, path Path) any {
	typeName, err := ex.runtime.ResolveType(ex.ctx, abstract.Name, value)
	if err != nil {
		ex.addError(path, "%s", err.Error())
		return nil
	}
	object := ex.schema.Types[typeName]
	if object == nil || object.Kind != schema.TypeKindObject {
		ex.addError(path, "Abstract type %q must resolve to an Object type at runtime, got %q.", abstract.Name, typeName)
		return nil
	}
	if !ex.schema.IsPossibleType(abstract.Name, typeName) {
		ex.addError(path, "Runtime object type %q is not a possible type for %q.", typeName, abstract.Name)
		return nil
	}
	return ex.selectionSet(object, mergeSelectionSets(fields), value, path)
}

func (ex *execution) addError(path Path, format string, args ...any) {
	ex.errors = append(ex.errors, GraphQLError{Message: fmt.Sprintf(format, args...), Path: path})
}

func (ex *execution) hasErrorAt(path Path) bool {
	for _, e := range ex.errors {
		if reflect.DeepEqual(e.Path, path) {
			return true
		}
	}
	return false
}

func (ex *execution) isNulled(path Path) bool {
	if len(ex.nulled) == 0 {
		return false
	}
	for i := 1; i <= len(path); i++ {
		if _, ok := ex.nulled[path[:i].String()]; ok {
			return true
		}
	}
	return false
}

func topLevel(p Path) Path {
	if len(p) == 0 {
		return p
	}
	return p[:1]
}

// setAtPath writes value into the response tree. Nothing is written when an
// ancestor has been nulled in the meantime.
func setAtPath(root map[string]any, path Path, value any) {
	if len(path) == 0 {
		return
	}
	var cur any = root
	for _, elem := range path[:len(path)-1] {
		switch e := elem.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return
			}
			cur = m[e]
		case int:
			s, ok := cur.([]any)
			if !ok || e >= len(s) {
				return
			}
			cur = s[e]
		}
		if isNullish(cur) {
			return
		}
	}
	switch e := path[len(path)-1].(type) {
	case string:
		if m, ok := cur.(map[string]any); ok {
			m[e] = value
		}
	case int:
		if s, ok := cur.([]any); ok && e < len(s) {
			s[e] = value
		}
	}
}

func mergeSelectionSets(fields []*language.Field) language.SelectionSet {
	var merged language.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}

// isNullish reports nil and typed nil values.
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
