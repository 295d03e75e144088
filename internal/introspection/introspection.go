// Package introspection serves the __schema and __type meta fields.
//
// The meta types themselves (__Schema, __Type, __Field and friends) come from
// the GraphQL prelude and are already part of a schema built with
// schema.FromAST. Extend adds the two meta fields to the query root, and Wrap
// answers every field of the meta types before delegating to the base
// runtime.
package introspection

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hanpama/tokengate/internal/executor"
	"github.com/hanpama/tokengate/internal/schema"
)

// Extend adds __schema and __type to the query root of sch. It is a no-op
// when sch has no query type or already carries the fields.
func Extend(sch *schema.Schema) *schema.Schema {
	q := sch.GetQueryType()
	if q == nil || q.Field("__schema") != nil {
		return sch
	}
	q.AddField(schema.NewField("__schema", "Access the current type schema of this server.",
		schema.NonNullType(schema.NamedType("__Schema"))))
	q.AddField(schema.NewField("__type", "Request the type information of a single type.",
		schema.NamedType("__Type")).
		AddArgument(schema.NewInputValue("name", "", schema.NonNullType(schema.NamedType("String")))))
	return sch
}

// Wrap returns a runtime resolving the meta fields of sch and delegating
// everything else to base. The result implements
// executor.SubscriptionRuntime exactly when base does.
func Wrap(base executor.Runtime, sch *schema.Schema) executor.Runtime {
	r := &runtime{Runtime: base, schema: sch}
	if sub, ok := base.(executor.SubscriptionRuntime); ok {
		return &subscriptionRuntime{runtime: r, sub: sub}
	}
	return r
}

type runtime struct {
	executor.Runtime
	schema *schema.Schema
}

type subscriptionRuntime struct {
	*runtime
	sub executor.SubscriptionRuntime
}

func (r *subscriptionRuntime) Subscribe(ctx context.Context, field string, args map[string]any) (<-chan executor.SourceEvent, error) {
	return r.sub.Subscribe(ctx, field, args)
}

func (r *runtime) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	if objectType == r.schema.QueryType {
		switch field {
		case "__schema":
			return r.schema, nil
		case "__type":
			name, _ := args["name"].(string)
			if t := r.schema.Types[name]; t != nil {
				return t, nil
			}
			return nil, nil
		}
	}
	if !strings.HasPrefix(objectType, "__") {
		return r.Runtime.ResolveSync(ctx, objectType, field, source, args)
	}

	switch src := source.(type) {
	case *schema.Schema:
		return r.schemaField(src, field)
	case *schema.Type:
		return r.typeField(src, field, args)
	case *schema.TypeRef:
		return r.wrapperField(src, field)
	case *schema.Field:
		return r.fieldField(src, field, args)
	case *schema.InputValue:
		return r.inputValueField(src, field)
	case *schema.EnumValue:
		return enumValueField(src, field)
	case *schema.Directive:
		return directiveField(src, field, args)
	}
	return nil, fmt.Errorf("introspection: unexpected %T for %s.%s", source, objectType, field)
}

func (r *runtime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	if strings.HasPrefix(typeName, "__") {
		return value, nil
	}
	return r.Runtime.SerializeLeafValue(ctx, typeName, value)
}

func (r *runtime) schemaField(s *schema.Schema, field string) (any, error) {
	switch field {
	case "description":
		return optional(s.Description), nil
	case "types":
		out := make([]*schema.Type, 0, len(s.Types))
		for _, t := range s.Types {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	case "queryType":
		return s.GetQueryType(), nil
	case "mutationType":
		return s.GetMutationType(), nil
	case "subscriptionType":
		return s.GetSubscriptionType(), nil
	case "directives":
		out := make([]*schema.Directive, 0, len(s.Directives))
		for _, d := range s.Directives {
			out = append(out, d)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	}
	return nil, unknownField("__Schema", field)
}

func (r *runtime) typeField(t *schema.Type, field string, args map[string]any) (any, error) {
	deprecated := includeDeprecated(args)
	switch field {
	case "kind":
		return string(t.Kind), nil
	case "name":
		return t.Name, nil
	case "description":
		return optional(t.Description), nil
	case "specifiedByURL":
		if t.SpecifiedByURL == nil {
			return nil, nil
		}
		return *t.SpecifiedByURL, nil
	case "isOneOf":
		if t.Kind != schema.TypeKindInputObject {
			return nil, nil
		}
		return t.OneOf, nil
	case "ofType":
		return nil, nil
	case "fields":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil, nil
		}
		out := []*schema.Field{}
		for _, f := range t.Fields {
			if strings.HasPrefix(f.Name, "__") || (f.IsDeprecated && !deprecated) {
				continue
			}
			out = append(out, f)
		}
		return out, nil
	case "interfaces":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil, nil
		}
		return r.lookup(t.Interfaces), nil
	case "possibleTypes":
		if t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion {
			return nil, nil
		}
		return r.lookup(t.PossibleTypes), nil
	case "enumValues":
		if t.Kind != schema.TypeKindEnum {
			return nil, nil
		}
		out := []*schema.EnumValue{}
		for _, v := range t.EnumValues {
			if !v.IsDeprecated || deprecated {
				out = append(out, v)
			}
		}
		return out, nil
	case "inputFields":
		if t.Kind != schema.TypeKindInputObject {
			return nil, nil
		}
		return inputValues(t.InputFields, deprecated), nil
	}
	return nil, unknownField("__Type", field)
}

// wrapperField answers __Type fields for LIST and NON_NULL wrappers. Named
// references never reach it: typeOf resolves them to their definition.
func (r *runtime) wrapperField(ref *schema.TypeRef, field string) (any, error) {
	switch field {
	case "kind":
		return string(ref.Kind), nil
	case "ofType":
		return r.typeOf(ref.OfType), nil
	case "name", "description", "specifiedByURL", "isOneOf",
		"fields", "interfaces", "possibleTypes", "enumValues", "inputFields":
		return nil, nil
	}
	return nil, unknownField("__Type", field)
}

func (r *runtime) fieldField(f *schema.Field, field string, args map[string]any) (any, error) {
	switch field {
	case "name":
		return f.Name, nil
	case "description":
		return optional(f.Description), nil
	case "args":
		return inputValues(f.Arguments, includeDeprecated(args)), nil
	case "type":
		return r.typeOf(f.Type), nil
	case "isDeprecated":
		return f.IsDeprecated, nil
	case "deprecationReason":
		return reason(f.IsDeprecated, f.DeprecationReason), nil
	}
	return nil, unknownField("__Field", field)
}

// typeOf maps a reference onto the value the executor completes as __Type:
// the named definition itself, or the wrapper.
func (r *runtime) typeOf(ref *schema.TypeRef) any {
	if ref == nil {
		return nil
	}
	if ref.Kind == schema.TypeRefKindNamed {
		if t := r.schema.Types[ref.Named]; t != nil {
			return t
		}
		return nil
	}
	return ref
}

func (r *runtime) lookup(names []string) []*schema.Type {
	out := make([]*schema.Type, 0, len(names))
	for _, name := range names {
		if t := r.schema.Types[name]; t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (r *runtime) inputValueField(v *schema.InputValue, field string) (any, error) {
	switch field {
	case "name":
		return v.Name, nil
	case "description":
		return optional(v.Description), nil
	case "type":
		return r.typeOf(v.Type), nil
	case "defaultValue":
		if v.DefaultValue == nil {
			return nil, nil
		}
		return r.literal(v.DefaultValue, v.Type), nil
	case "isDeprecated":
		return v.IsDeprecated, nil
	case "deprecationReason":
		return reason(v.IsDeprecated, v.DeprecationReason), nil
	}
	return nil, unknownField("__InputValue", field)
}

func enumValueField(v *schema.EnumValue, field string) (any, error) {
	switch field {
	case "name":
		return v.Name, nil
	case "description":
		return optional(v.Description), nil
	case "isDeprecated":
		return v.IsDeprecated, nil
	case "deprecationReason":
		return reason(v.IsDeprecated, v.DeprecationReason), nil
	}
	return nil, unknownField("__EnumValue", field)
}

func directiveField(d *schema.Directive, field string, args map[string]any) (any, error) {
	switch field {
	case "name":
		return d.Name, nil
	case "description":
		return optional(d.Description), nil
	case "isRepeatable":
		return d.IsRepeatable, nil
	case "locations":
		return append([]string(nil), d.Locations...), nil
	case "args":
		return inputValues(d.Arguments, includeDeprecated(args)), nil
	}
	return nil, unknownField("__Directive", field)
}

// literal renders a coerced default value as GraphQL source text.
func (r *runtime) literal(value any, typ *schema.TypeRef) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		if t := r.schema.Types[schema.GetNamedType(typ)]; t != nil && t.Kind == schema.TypeKindEnum {
			return v
		}
		return strconv.Quote(v)
	case []any:
		inner := typ
		if schema.IsNonNull(inner) {
			inner = inner.OfType
		}
		if inner != nil && inner.Kind == schema.TypeRefKindList {
			inner = inner.OfType
		}
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = r.literal(item, inner)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		var fields map[string]*schema.TypeRef
		if t := r.schema.Types[schema.GetNamedType(typ)]; t != nil {
			fields = make(map[string]*schema.TypeRef, len(t.InputFields))
			for _, f := range t.InputFields {
				fields[f.Name] = f.Type
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + r.literal(v[k], fields[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(v)
	}
}

func inputValues(in []*schema.InputValue, deprecated bool) []*schema.InputValue {
	out := []*schema.InputValue{}
	for _, v := range in {
		if !v.IsDeprecated || deprecated {
			out = append(out, v)
		}
	}
	return out
}

func includeDeprecated(args map[string]any) bool {
	b, _ := args["includeDeprecated"].(bool)
	return b
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func reason(deprecated bool, why string) any {
	if !deprecated {
		return nil
	}
	return why
}

func unknownField(typeName, field string) error {
	return fmt.Errorf("introspection: unknown field %s.%s", typeName, field)
}
