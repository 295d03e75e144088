package schema

import (
	"sort"
	"strings"

	"github.com/hanpama/tokengate/internal/language"
)

// FromAST builds an executable schema from a validated gqlparser schema.
//
// Fields of the root operation types are marked async: they are backed by
// resolvers and batched per depth. Every other field is a projection of its
// parent value and resolves synchronously.
func FromAST(src *language.Schema) *Schema {
	s := NewSchema("")
	if src.Query != nil {
		s.SetQueryType(src.Query.Name)
	}
	if src.Mutation != nil {
		s.SetMutationType(src.Mutation.Name)
	}
	if src.Subscription != nil {
		s.SetSubscriptionType(src.Subscription.Name)
	}
	roots := map[string]bool{s.QueryType: true, s.MutationType: true, s.SubscriptionType: true}

	names := make([]string, 0, len(src.Types))
	for name := range src.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.AddType(buildType(src, src.Types[name], roots[name]))
	}
	for name, dir := range src.Directives {
		d := NewDirective(name, dir.Description).SetRepeatable(dir.IsRepeatable)
		for _, loc := range dir.Locations {
			d.Locations = append(d.Locations, string(loc))
		}
		for _, arg := range dir.Arguments {
			d.AddArgument(buildArgument(arg))
		}
		s.AddDirective(d)
	}
	return s
}

// BuildFromSDL loads and validates sdl, then builds the executable schema.
func BuildFromSDL(sdl string) (*Schema, error) {
	src, err := language.LoadSchema("schema.graphql", sdl)
	if err != nil {
		return nil, err
	}
	return FromAST(src), nil
}

func buildType(src *language.Schema, def *language.Definition, root bool) *Type {
	var t *Type
	switch def.Kind {
	case language.Object:
		t = NewType(def.Name, TypeKindObject, def.Description)
	case language.Interface:
		t = NewType(def.Name, TypeKindInterface, def.Description)
	case language.Union:
		t = NewType(def.Name, TypeKindUnion, def.Description)
	case language.Enum:
		t = NewType(def.Name, TypeKindEnum, def.Description)
	case language.InputObject:
		t = NewType(def.Name, TypeKindInputObject, def.Description)
	default:
		t = NewType(def.Name, TypeKindScalar, def.Description)
	}

	for _, name := range def.Interfaces {
		t.AddInterface(name)
	}
	if t.Kind == TypeKindInterface || t.Kind == TypeKindUnion {
		possible := src.GetPossibleTypes(def)
		names := make([]string, 0, len(possible))
		for _, p := range possible {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		for _, name := range names {
			t.AddPossibleType(name)
		}
	}

	switch t.Kind {
	case TypeKindObject, TypeKindInterface:
		for _, fd := range def.Fields {
			// Introspection meta fields are not served.
			if strings.HasPrefix(fd.Name, "__") {
				continue
			}
			t.AddField(buildField(fd, root))
		}
	case TypeKindInputObject:
		for _, fd := range def.Fields {
			in := NewInputValue(fd.Name, fd.Description, buildTypeRef(fd.Type)).
				SetDefault(language.ValueToGo(fd.DefaultValue))
			t.AddInputField(in)
		}
		t.SetOneOf(def.Directives.ForName("oneOf") != nil)
	case TypeKindEnum:
		for _, v := range def.EnumValues {
			ev := NewEnumValue(v.Name, v.Description)
			if dep := v.Directives.ForName("deprecated"); dep != nil {
				ev.Deprecate(deprecationReason(dep))
			}
			t.AddEnumValue(ev)
		}
	}
	return t
}

func buildField(fd *language.FieldDefinition, root bool) *Field {
	f := NewField(fd.Name, fd.Description, buildTypeRef(fd.Type)).SetAsync(root)
	if dep := fd.Directives.ForName("deprecated"); dep != nil {
		f.Deprecate(deprecationReason(dep))
	}
	for _, arg := range fd.Arguments {
		f.AddArgument(buildArgument(arg))
	}
	return f
}

func buildArgument(arg *language.ArgumentDefinition) *InputValue {
	return NewInputValue(arg.Name, arg.Description, buildTypeRef(arg.Type)).
		SetDefault(language.ValueToGo(arg.DefaultValue))
}

func buildTypeRef(t *language.Type) *TypeRef {
	if t == nil {
		return nil
	}
	var ref *TypeRef
	if t.Elem != nil {
		ref = ListType(buildTypeRef(t.Elem))
	} else {
		ref = NamedType(t.NamedType)
	}
	if t.NonNull {
		ref = NonNullType(ref)
	}
	return ref
}

func deprecationReason(dep *language.Directive) string {
	if arg := dep.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return arg.Value.Raw
	}
	return "No longer supported"
}
