package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/tokengate/internal/language"
	"github.com/hanpama/tokengate/internal/schema"
)

func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	require.NoError(t, err)
	return d
}

func mustBuildSchema(t *testing.T, sdl string) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL(sdl)
	require.NoError(t, err)
	return s
}

func scalars(s *schema.Schema) *schema.Schema {
	for _, name := range []string{"String", "Int", "Boolean", "ID", "Float"} {
		s.AddType(schema.NewType(name, schema.TypeKindScalar, ""))
	}
	return s
}

func TestSyncFieldsResolveBeforeTheBatch(t *testing.T) {
	query := schema.NewType("Query", schema.TypeKindObject, "").
		AddField(schema.NewField("a", "", schema.NamedType("String"))).
		AddField(schema.NewField("b", "", schema.NamedType("String")).SetAsync(true)).
		AddField(schema.NewField("c", "", schema.NamedType("String")))
	sch := scalars(schema.NewSchema("").SetQueryType("Query").AddType(query))

	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a": NewMockValueResolver("A"),
		"Query.b": NewMockValueResolver("B"),
		"Query.c": NewMockValueResolver("C"),
	})
	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ a b c }"), "", nil, nil)

	want := &ExecutionResult{Data: map[string]any{"a": "A", "b": "B", "c": "C"}}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	wantCalls := []Call{
		{Kind: CallKindSync, ObjectType: "Query", Field: "a", Args: map[string]any{}},
		{Kind: CallKindSync, ObjectType: "Query", Field: "c", Args: map[string]any{}},
		{Kind: CallKindAsync, ObjectType: "Query", Field: "b", Args: map[string]any{}, BatchID: 1},
	}
	if diff := cmp.Diff(wantCalls, rt.GetCalls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestOneBatchPerAsyncDepth(t *testing.T) {
	query := schema.NewType("Query", schema.TypeKindObject, "").
		AddField(schema.NewField("users", "", schema.NonNullType(schema.ListType(schema.NonNullType(schema.NamedType("User"))))).SetAsync(true))
	user := schema.NewType("User", schema.TypeKindObject, "").
		AddField(schema.NewField("id", "", schema.NamedType("ID"))).
		AddField(schema.NewField("posts", "", schema.ListType(schema.NamedType("String"))).SetAsync(true))
	sch := scalars(schema.NewSchema("").SetQueryType("Query").AddType(query).AddType(user))

	rt := NewMockRuntime(map[string]MockResolver{
		"Query.users": NewMockValueResolver([]any{map[string]any{"id": "1"}, map[string]any{"id": "2"}}),
		"User.id": func(_ context.Context, src any, _ map[string]any) (any, error) {
			return src.(map[string]any)["id"], nil
		},
		"User.posts": func(_ context.Context, src any, _ map[string]any) (any, error) {
			return []string{"post-" + src.(map[string]any)["id"].(string)}, nil
		},
	})
	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ users { id posts } }"), "", nil, nil)

	want := map[string]any{"users": []any{
		map[string]any{"id": "1", "posts": []any{"post-1"}},
		map[string]any{"id": "2", "posts": []any{"post-2"}},
	}}
	require.Empty(t, res.Errors)
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}

	batches := map[int]int{}
	for _, c := range rt.GetCalls() {
		if c.Kind == CallKindAsync {
			batches[c.BatchID]++
		}
	}
	require.Equal(t, map[int]int{1: 1, 2: 2}, batches)
}

func TestNonNullAsyncErrorNullsTopLevelField(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { item: Item!  other: String }
		type Item { name: String }
	`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.item":  NewMockErrorResolver(errors.New("backend down")),
		"Query.other": NewMockValueResolver("ok"),
	})
	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ item { name } other }"), "", nil, nil)

	require.Equal(t, map[string]any{"item": nil, "other": "ok"}, res.Data)
	require.Equal(t, []GraphQLError{{Message: "backend down", Path: Path{"item"}}}, res.Errors)
}

func TestNonNullSyncChildNullsParent(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { obj: Obj }
		type Obj { req: String!  opt: String }
	`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.obj": NewMockValueResolver(map[string]any{}),
		"Obj.opt":   NewMockValueResolver("x"),
	})
	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ obj { opt req } }"), "", nil, nil)

	require.Equal(t, map[string]any{"obj": nil}, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, Path{"obj", "req"}, res.Errors[0].Path)
}

func TestFragmentsOnAbstractTypes(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { node: Node }
		interface Node { id: ID! }
		type User implements Node { id: ID!  name: String }
		type Post implements Node { id: ID!  title: String }
	`)
	field := func(name string) MockResolver {
		return func(_ context.Context, src any, _ map[string]any) (any, error) {
			return src.(map[string]any)[name], nil
		}
	}
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.node": NewMockValueResolver(map[string]any{"__typename": "User", "id": "u1", "name": "Ann"}),
		"User.id":    field("id"),
		"User.name":  field("name"),
	})
	doc := mustParseQuery(t, `
		{ node { __typename ...NodeFields ... on User { name } ... on Post { title } } }
		fragment NodeFields on Node { id }
	`)
	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "", nil, nil)

	require.Empty(t, res.Errors)
	want := map[string]any{"node": map[string]any{"__typename": "User", "id": "u1", "name": "Ann"}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestSkipAndIncludeWithVariables(t *testing.T) {
	sch := mustBuildSchema(t, `type Query { a: String  b: String }`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a": NewMockValueResolver("A"),
		"Query.b": NewMockValueResolver("B"),
	})
	doc := mustParseQuery(t, `query Q($on: Boolean!) { a @include(if: $on) b @skip(if: $on) }`)

	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "Q", map[string]any{"on": true}, nil)
	require.Equal(t, map[string]any{"a": "A"}, res.Data)

	res = NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "Q", map[string]any{"on": false}, nil)
	require.Equal(t, map[string]any{"b": "B"}, res.Data)
}

func TestArgumentsAndVariables(t *testing.T) {
	sch := mustBuildSchema(t, `
		type Query { echo(n: Int! = 5, tag: String): String }
	`)
	var got map[string]any
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.echo": func(_ context.Context, _ any, args map[string]any) (any, error) {
			got = args
			return "ok", nil
		},
	})
	ex := NewExecutor(rt, sch)

	ex.ExecuteRequest(context.Background(), mustParseQuery(t, `{ echo }`), "", nil, nil)
	require.Equal(t, map[string]any{"n": 5}, got)

	doc := mustParseQuery(t, `query($n: Int!, $tag: String) { echo(n: $n, tag: $tag) }`)
	ex.ExecuteRequest(context.Background(), doc, "", map[string]any{"n": 2.0, "tag": "x"}, nil)
	require.Equal(t, map[string]any{"n": 2, "tag": "x"}, got)

	res := ex.ExecuteRequest(context.Background(), doc, "", map[string]any{"n": 2.5}, nil)
	require.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, `"$n"`)

	res = ex.ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, "was not provided")
}

func TestOperationSelection(t *testing.T) {
	sch := mustBuildSchema(t, `type Query { a: String }`)
	ex := NewExecutor(NewMockRuntime(nil), sch)
	doc := mustParseQuery(t, `query One { a } query Two { a }`)

	res := ex.ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Equal(t, "Must provide operation name if query contains multiple operations.", res.Errors[0].Message)

	res = ex.ExecuteRequest(context.Background(), doc, "Three", nil, nil)
	require.Equal(t, `Unknown operation named "Three".`, res.Errors[0].Message)

	res = ex.ExecuteRequest(context.Background(), doc, "Two", nil, nil)
	require.Empty(t, res.Errors)

	res = ex.ExecuteRequest(context.Background(), mustParseQuery(t, `mutation { a }`), "", nil, nil)
	require.Equal(t, "Schema is not configured for mutation operations.", res.Errors[0].Message)
}

func TestResolverSeesContext(t *testing.T) {
	type key struct{}
	sch := mustBuildSchema(t, `type Query { who: String }`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.who": func(ctx context.Context, _ any, _ map[string]any) (any, error) {
			return ctx.Value(key{}), nil
		},
	})
	ctx := context.WithValue(context.Background(), key{}, "alice")
	res := NewExecutor(rt, sch).ExecuteRequest(ctx, mustParseQuery(t, `{ who }`), "", nil, nil)
	require.Equal(t, map[string]any{"who": "alice"}, res.Data)
}

func TestPathString(t *testing.T) {
	require.Equal(t, "users[1].posts[0]", Path{"users", 1, "posts", 0}.String())
	require.Equal(t, "", Path{}.String())
}
