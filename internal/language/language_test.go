package language

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadQueryValidates(t *testing.T) {
	s, err := LoadSchema("schema.graphql", `type Query { hello(n: Int): String }`)
	require.NoError(t, err)

	doc, errs := LoadQuery(s, `{ hello(n: 1) }`)
	require.Empty(t, errs)
	require.Len(t, doc.Operations, 1)

	_, errs = LoadQuery(s, `{ nope }`)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, `"nope"`)
}

func TestLoadSchemaRejectsInvalidSDL(t *testing.T) {
	_, err := LoadSchema("schema.graphql", `type Query { a: Missing }`)
	require.Error(t, err)
}

func TestValueToGo(t *testing.T) {
	doc, err := ParseQuery(`{ f(a: 1, b: 2.5, c: "s", d: true, e: RED, f: [1, 2], g: {x: null}, h: $v) }`)
	require.NoError(t, err)
	args := doc.Operations[0].SelectionSet[0].(*Field).Arguments

	got := map[string]any{}
	for _, a := range args {
		got[a.Name] = ValueToGo(a.Value)
	}
	require.Equal(t, map[string]any{
		"a": 1,
		"b": 2.5,
		"c": "s",
		"d": true,
		"e": "RED",
		"f": []any{1, 2},
		"g": map[string]any{"x": nil},
		"h": nil,
	}, got)
}

func TestFormatSchema(t *testing.T) {
	s, err := LoadSchema("schema.graphql", `type Query { hello: String }`)
	require.NoError(t, err)
	var b strings.Builder
	FormatSchema(&b, s)
	require.Contains(t, b.String(), "hello: String")
}
