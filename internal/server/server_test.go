package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/tokengate/internal/auth"
	"github.com/hanpama/tokengate/internal/engine"
	"github.com/hanpama/tokengate/internal/eventbus"
	"github.com/hanpama/tokengate/internal/events"
	"github.com/hanpama/tokengate/internal/executor"
	"github.com/hanpama/tokengate/internal/reqid"
)

const testSDL = `
type Query { hello: String  token: String  boom: String  echo(v: String): String }
type Mutation { bump: Int }
type Subscription { count: Int! }
`

func newTestHandler(t *testing.T, rt executor.Runtime, opts ...Option) *Handler {
	t.Helper()
	eng, err := engine.Load(testSDL, rt)
	require.NoError(t, err)
	return New(eng, opts...)
}

func tokenRuntime() *executor.MockRuntime {
	return executor.NewMockRuntime(map[string]executor.MockResolver{
		"Query.hello": executor.NewMockValueResolver("world"),
		"Query.echo": func(_ context.Context, _ any, args map[string]any) (any, error) {
			return args["v"], nil
		},
		"Mutation.bump": executor.NewMockValueResolver(1),
		"Query.token": func(ctx context.Context, _ any, _ map[string]any) (any, error) {
			if cred, ok := auth.FromContext(ctx); ok {
				return cred.Value(), nil
			}
			return nil, nil
		},
	})
}

func post(t *testing.T, h http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHelloWithToken(t *testing.T) {
	h := newTestHandler(t, tokenRuntime())

	w := post(t, h, `{"query":"{ hello }"}`, http.Header{"Token": {"abc123"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"hello":"world"}}`, w.Body.String())
}

func TestTokenReachesResolver(t *testing.T) {
	h := newTestHandler(t, tokenRuntime())

	w := post(t, h, `{"query":"{ token }"}`, http.Header{"Token": {"abc123"}})
	require.JSONEq(t, `{"data":{"token":"abc123"}}`, w.Body.String())

	w = post(t, h, `{"query":"{ token }"}`, nil)
	require.JSONEq(t, `{"data":{"token":null}}`, w.Body.String())
}

func TestRequestsDoNotShareCredentials(t *testing.T) {
	h := newTestHandler(t, tokenRuntime())

	w := post(t, h, `{"query":"{ token }"}`, http.Header{"Token": {"alice"}})
	require.JSONEq(t, `{"data":{"token":"alice"}}`, w.Body.String())
	w = post(t, h, `{"query":"{ token }"}`, http.Header{"Token": {"bob"}})
	require.JSONEq(t, `{"data":{"token":"bob"}}`, w.Body.String())
	w = post(t, h, `{"query":"{ token }"}`, http.Header{"Token": {""}})
	require.JSONEq(t, `{"data":{"token":null}}`, w.Body.String())
}

func TestGetRequest(t *testing.T) {
	h := newTestHandler(t, tokenRuntime())

	q := url.Values{"query": {"query($x: String) { echo(v: $x) token }"}, "variables": {`{"x":"y"}`}}
	req := httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil)
	req.Header.Set("Token", "abc123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"echo":"y","token":"abc123"}}`, w.Body.String())
}

func TestGetOnlyRunsQueries(t *testing.T) {
	rt := tokenRuntime()
	h := newTestHandler(t, rt)

	for _, query := range []string{"mutation { bump }", "subscription { count }"} {
		req := httptest.NewRequest(http.MethodGet, "/?"+url.Values{"query": {query}}.Encode(), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code, query)
		require.Equal(t, "POST", w.Header().Get("Allow"))
	}
	require.Empty(t, rt.GetCalls())

	w := post(t, h, `{"query":"mutation { bump }"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"bump":1}}`, w.Body.String())
}

func TestBatchRequest(t *testing.T) {
	h := newTestHandler(t, tokenRuntime())

	w := post(t, h, `[{"query":"{ hello }"},{"query":"{ token }"}]`, http.Header{"Token": {"abc123"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[{"data":{"hello":"world"}},{"data":{"token":"abc123"}}]`, w.Body.String())
}

func TestBadRequests(t *testing.T) {
	h := newTestHandler(t, tokenRuntime())

	cases := []struct {
		name, body string
	}{
		{"invalid json", `{"query":`},
		{"missing query", `{"variables":{}}`},
		{"empty batch", `[]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := post(t, h, tc.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)
			require.NotEmpty(t, decode(t, w)["errors"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`query=x`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPut, "/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Allow"))
}

func TestValidationErrorsAreOK(t *testing.T) {
	h := newTestHandler(t, tokenRuntime())

	w := post(t, h, `{"query":"{ nope }"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	require.Nil(t, out["data"])
	require.NotEmpty(t, out["errors"])
}

func TestSubscriptionRejected(t *testing.T) {
	h := newTestHandler(t, tokenRuntime())

	w := post(t, h, `{"query":"subscription { count }"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":null,"errors":[{"message":"Subscriptions are only supported over the streaming transport."}]}`, w.Body.String())
}

func TestPanicBecomesInternalError(t *testing.T) {
	rt := tokenRuntime()
	rt.SetResolver("Query", "boom", func(context.Context, any, map[string]any) (any, error) {
		panic("kaboom")
	})
	h := newTestHandler(t, rt)

	w := post(t, h, `{"query":"{ boom }"}`, nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"data":null,"errors":[{"message":"internal server error"}]}`, w.Body.String())
}

func TestForwardedHeaders(t *testing.T) {
	rt := tokenRuntime()
	var captured metadata.MD
	rt.SetResolver("Query", "hello", func(ctx context.Context, src any, args map[string]any) (any, error) {
		captured, _ = metadata.FromOutgoingContext(ctx)
		return "world", nil
	})
	h := newTestHandler(t, rt, WithMetadataHeaders("X-Test"))

	w := post(t, h, `{"query":"{ hello }"}`, http.Header{"X-Test": {"abc"}, "X-Other": {"nope"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"abc"}, captured.Get("x-test"))
	require.Empty(t, captured.Get("x-other"))
}

func TestForwardedHeadersDefaultEmpty(t *testing.T) {
	rt := tokenRuntime()
	var captured metadata.MD
	rt.SetResolver("Query", "hello", func(ctx context.Context, src any, args map[string]any) (any, error) {
		captured, _ = metadata.FromOutgoingContext(ctx)
		return "world", nil
	})
	h := newTestHandler(t, rt)

	post(t, h, `{"query":"{ hello }"}`, http.Header{"X-Test": {"abc"}})
	require.Empty(t, captured.Get("x-test"))
}

func TestCredentialForwardedAsMetadata(t *testing.T) {
	rt := tokenRuntime()
	var captured metadata.MD
	rt.SetResolver("Query", "hello", func(ctx context.Context, src any, args map[string]any) (any, error) {
		captured, _ = metadata.FromOutgoingContext(ctx)
		return "world", nil
	})
	h := newTestHandler(t, rt, WithBuilder(auth.Builder{MetadataKey: "token"}))

	post(t, h, `{"query":"{ hello }"}`, http.Header{"Token": {"abc123"}})
	require.Equal(t, []string{"abc123"}, captured.Get("token"))
	require.Len(t, captured.Get(reqid.MetadataKey), 1)
}

func TestCORSAndPreflight(t *testing.T) {
	h := newTestHandler(t, tokenRuntime(), WithCORS("*"))

	w := post(t, h, `{"query":"{ hello }"}`, http.Header{"Origin": {"http://example.com"}})
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	pre := httptest.NewRequest(http.MethodOptions, "/", nil)
	pre.Header.Set("Origin", "http://example.com")
	pre.Header.Set("Access-Control-Request-Headers", "Token")
	pw := httptest.NewRecorder()
	h.ServeHTTP(pw, pre)
	require.Equal(t, http.StatusNoContent, pw.Code)
	require.Equal(t, "*", pw.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Token", pw.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORSSpecificOrigin(t *testing.T) {
	h := newTestHandler(t, tokenRuntime(), WithCORS("http://a.example"))

	w := post(t, h, `{"query":"{ hello }"}`, http.Header{"Origin": {"http://a.example"}})
	require.Equal(t, "http://a.example", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Origin", w.Header().Get("Vary"))

	w = post(t, h, `{"query":"{ hello }"}`, http.Header{"Origin": {"http://b.example"}})
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMaxBodyBytes(t *testing.T) {
	h := newTestHandler(t, tokenRuntime(), WithMaxBodyBytes(10))

	w := post(t, h, `{"query":"1234567890"}`, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPrettyOutput(t *testing.T) {
	h := newTestHandler(t, tokenRuntime(), WithPretty())

	w := post(t, h, `{"query":"{ hello }"}`, nil)
	require.Contains(t, w.Body.String(), "\n  \"data\"")
}

func TestRequestID(t *testing.T) {
	rt := tokenRuntime()
	var capturedMD metadata.MD
	var capturedID string
	rt.SetResolver("Query", "hello", func(ctx context.Context, src any, args map[string]any) (any, error) {
		capturedMD, _ = metadata.FromOutgoingContext(ctx)
		capturedID, _ = reqid.FromContext(ctx)
		return "world", nil
	})
	h := newTestHandler(t, rt)

	w := post(t, h, `{"query":"{ hello }"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, capturedID)
	require.Equal(t, []string{capturedID}, capturedMD.Get(reqid.MetadataKey))
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })

	var starts []events.GraphQLStart
	var finishes []events.HTTPFinish
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.GraphQLStart) { starts = append(starts, e) })
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.HTTPFinish) { finishes = append(finishes, e) })

	h := newTestHandler(t, tokenRuntime())
	post(t, h, `[{"query":"query A { hello }","operationName":"A"},{"query":"{ hello }"}]`, http.Header{"Token": {"abc123"}})

	require.Len(t, starts, 2)
	require.Equal(t, events.GraphQLStart{
		Transport:     events.TransportHTTP,
		OperationName: "A",
		OperationType: "query",
		Authenticated: true,
	}, starts[0])
	require.Len(t, finishes, 1)
	require.Equal(t, http.StatusOK, finishes[0].Status)
	require.Equal(t, 2, finishes[0].Batch)
}
