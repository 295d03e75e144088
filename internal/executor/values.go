package executor

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/hanpama/tokengate/internal/language"
	"github.com/hanpama/tokengate/internal/schema"
)

var errNullForNonNull = errors.New("cannot provide null for non-null type")

// coerceVariableValues coerces the raw request variables against the
// operation's variable definitions.
func coerceVariableValues(s *schema.Schema, op *language.OperationDefinition, raw map[string]any) (map[string]any, error) {
	coerced := make(map[string]any, len(op.VariableDefinitions))
	for _, def := range op.VariableDefinitions {
		name := def.Variable
		val, ok := raw[name]
		if !ok {
			switch {
			case def.DefaultValue != nil:
				val = language.ValueToGo(def.DefaultValue)
			case def.Type.NonNull:
				return nil, fmt.Errorf("Variable \"$%s\" of required type %q was not provided.", name, def.Type.String())
			default:
				continue
			}
		}
		cv, err := coerceValue(s, val, typeRefFromAST(def.Type))
		if err != nil {
			return nil, fmt.Errorf("Variable \"$%s\" got invalid value: %v.", name, err)
		}
		coerced[name] = cv
	}
	return coerced, nil
}

// coerceArguments builds the argument map of one field, applying defaults.
// Coercion failures are recorded at path and the argument is left out.
func (ex *execution) coerceArguments(def *schema.Field, args language.ArgumentList, path Path) map[string]any {
	out := make(map[string]any, len(def.Arguments))
	for _, argDef := range def.Arguments {
		var (
			val      any
			provided bool
		)
		if arg := args.ForName(argDef.Name); arg != nil {
			if arg.Value.Kind == language.Variable {
				val, provided = ex.variables[arg.Value.Raw]
			} else {
				val, provided = resolveValue(arg.Value, ex.variables), true
			}
		}
		if !provided {
			if argDef.DefaultValue != nil {
				out[argDef.Name] = argDef.DefaultValue
			} else if schema.IsNonNull(argDef.Type) {
				ex.addError(path, "Argument %q of required type %q was not provided.", argDef.Name, argDef.Type.String())
			}
			continue
		}
		cv, err := coerceValue(ex.schema, val, argDef.Type)
		if err != nil {
			ex.addError(path, "Argument %q has invalid value: %v.", argDef.Name, err)
			continue
		}
		out[argDef.Name] = cv
	}
	return out
}

// resolveValue converts an AST value, substituting variables at any depth.
func resolveValue(v *language.Value, variables map[string]any) any {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case language.Variable:
		return variables[v.Raw]
	case language.ListValue:
		out := make([]any, len(v.Children))
		for i, c := range v.Children {
			out[i] = resolveValue(c.Value, variables)
		}
		return out
	case language.ObjectValue:
		out := make(map[string]any, len(v.Children))
		for _, c := range v.Children {
			out[c.Name] = resolveValue(c.Value, variables)
		}
		return out
	default:
		return language.ValueToGo(v)
	}
}

func coerceValue(s *schema.Schema, value any, typ *schema.TypeRef) (any, error) {
	if schema.IsNonNull(typ) {
		if value == nil {
			return nil, errNullForNonNull
		}
		return coerceValue(s, value, schema.Unwrap(typ))
	}
	if value == nil {
		return nil, nil
	}
	if schema.IsList(typ) {
		inner := schema.Unwrap(typ)
		items, ok := value.([]any)
		if !ok {
			// A single value is coerced to a list of one.
			item, err := coerceValue(s, value, inner)
			if err != nil {
				return nil, err
			}
			return []any{item}, nil
		}
		out := make([]any, len(items))
		for i, item := range items {
			cv, err := coerceValue(s, item, inner)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			out[i] = cv
		}
		return out, nil
	}

	name := schema.GetNamedType(typ)
	switch name {
	case "Int":
		return coerceInt(value)
	case "Float":
		return coerceFloat(value)
	case "String":
		if v, ok := value.(string); ok {
			return v, nil
		}
		return nil, fmt.Errorf("String cannot represent a non string value: %v", value)
	case "Boolean":
		if v, ok := value.(bool); ok {
			return v, nil
		}
		return nil, fmt.Errorf("Boolean cannot represent a non boolean value: %v", value)
	case "ID":
		return coerceID(value)
	}

	t := s.Types[name]
	if t == nil {
		return value, nil
	}
	switch t.Kind {
	case schema.TypeKindEnum:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("Enum %q cannot represent non-string value: %v", name, value)
		}
		for _, ev := range t.EnumValues {
			if ev.Name == str {
				return str, nil
			}
		}
		return nil, fmt.Errorf("Value %q does not exist in %q enum", str, name)
	case schema.TypeKindInputObject:
		return coerceInputObject(s, t, value)
	default:
		// custom scalars pass through
		return value, nil
	}
}

func coerceInputObject(s *schema.Schema, t *schema.Type, value any) (any, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("Expected type %q to be an object", t.Name)
	}
	known := make(map[string]bool, len(t.InputFields))
	out := make(map[string]any, len(t.InputFields))
	for _, f := range t.InputFields {
		known[f.Name] = true
		v, ok := obj[f.Name]
		if !ok {
			if f.DefaultValue != nil {
				out[f.Name] = f.DefaultValue
			} else if schema.IsNonNull(f.Type) {
				return nil, fmt.Errorf("Field %q of required type %q was not provided", f.Name, f.Type.String())
			}
			continue
		}
		cv, err := coerceValue(s, v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[f.Name] = cv
	}
	for k := range obj {
		if !known[k] {
			return nil, fmt.Errorf("Field %q is not defined by type %q", k, t.Name)
		}
	}
	if t.OneOf && len(out) != 1 {
		return nil, fmt.Errorf("OneOf input object %q must specify exactly one key", t.Name)
	}
	return out, nil
}

func coerceInt(value any) (any, error) {
	switch v := value.(type) {
	case int:
		if v > math.MaxInt32 || v < math.MinInt32 {
			break
		}
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		if v > math.MaxInt32 || v < math.MinInt32 {
			break
		}
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
			break
		}
		return int(v), nil
	}
	return nil, fmt.Errorf("Int cannot represent value: %v", value)
}

func coerceFloat(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return nil, fmt.Errorf("Float cannot represent value: %v", value)
}

func coerceID(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10), nil
		}
	}
	return nil, fmt.Errorf("ID cannot represent value: %v", value)
}

func typeRefFromAST(t *language.Type) *schema.TypeRef {
	if t == nil {
		return nil
	}
	var ref *schema.TypeRef
	if t.Elem != nil {
		ref = schema.ListType(typeRefFromAST(t.Elem))
	} else {
		ref = schema.NamedType(t.NamedType)
	}
	if t.NonNull {
		ref = schema.NonNullType(ref)
	}
	return ref
}
