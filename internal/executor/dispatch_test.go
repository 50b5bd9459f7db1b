package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/takumi3488/gqlforge/internal/auth"
	"github.com/takumi3488/gqlforge/internal/script"
	"github.com/takumi3488/gqlforge/internal/transport"
)

func TestExecuteExprResolver(t *testing.T) {
	cfg := buildConfig(t, `
type Query { greeting(name: String!): Greeting @expr(body: {message: "hello {{.args.name}}", static: 1}) }
type Greeting { message: String static: Int }
`)
	p := buildPlan(t, cfg, `{ greeting(name: "ann") { message static } }`, nil)
	ex := New(Options{Config: cfg})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{
		"greeting": map[string]any{"message": "hello ann", "static": int64(1)},
	}, res.Data)
}

func TestExecuteJSResolver(t *testing.T) {
	cfg := buildConfig(t, `
type Query { shout(word: String!): String @js(name: "shout") }
`)
	p := buildPlan(t, cfg, `{ shout(word: "hey") }`, nil)
	ex := New(Options{Config: cfg, Script: script.Funcs{
		"shout": func(ctx context.Context, scope map[string]any) (any, error) {
			args := scope["args"].(map[string]any)
			return args["word"].(string) + "!", nil
		},
	}})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"shout": "hey!"}, res.Data)
}

func TestExecuteJSResolverWithoutScriptLink(t *testing.T) {
	cfg := buildConfig(t, `
type Query { shout: String @js(name: "shout") }
`)
	p := buildPlan(t, cfg, `{ shout }`, nil)
	ex := New(Options{Config: cfg})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, "no script linked")
}

func TestExecuteCallResolverPipesSteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/7":
			w.Write([]byte(`{"id":7,"companyId":3}`))
		case "/companies/3":
			w.Write([]byte(`{"name":"acme"}`))
		}
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query {
  user(id: Int!): User @http(url: %q)
  company(id: Int!): Company @http(url: %q)
  userCompany(id: Int!): Company @call(steps: [
    {query: "user", args: {id: "{{.args.id}}"}},
    {query: "company", args: {id: "{{.value.companyId}}"}}
  ])
}
type User { id: Int companyId: Int }
type Company { name: String }
`, srv.URL+"/users/{{.args.id}}", srv.URL+"/companies/{{.args.id}}"))

	p := buildPlan(t, cfg, `{ userCompany(id: 7) { name } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"userCompany": map[string]any{"name": "acme"}}, res.Data)
}

func TestExecuteCallResolverUnknownStep(t *testing.T) {
	cfg := buildConfig(t, `
type Query { broken: String @call(steps: [{query: "nosuch"}]) }
`)
	p := buildPlan(t, cfg, `{ broken }`, nil)
	ex := New(Options{Config: cfg})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, `"nosuch"`)
}

func TestExecuteGraphQLProxyResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `profile(uid: 9)`)
		require.Contains(t, string(body), "{ name age }")
		w.Write([]byte(`{"data":{"profile":{"name":"Zed","age":30}}}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { profile(id: Int!): Profile @graphQL(name: "profile", baseURL: %q, args: [{key: "uid", value: "{{.args.id}}"}]) }
type Profile { name: String age: Int }
`, srv.URL))

	p := buildPlan(t, cfg, `{ profile(id: 9) { name age } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{
		"profile": map[string]any{"name": "Zed", "age": float64(30)},
	}, res.Data)
}

func TestExecuteGraphQLProxyUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"upstream exploded"}]}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { profile: Profile @graphQL(name: "profile", baseURL: %q) }
type Profile { name: String }
`, srv.URL))

	p := buildPlan(t, cfg, `{ profile { name } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, "upstream exploded")
}

func TestExecuteForwardsAllowedHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tenant-1", r.Header.Get("X-Tenant"))
		require.Empty(t, r.Header.Get("X-Secret"))
		w.Write([]byte(`{"v":"ok"}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
schema @upstream(allowedHeaders: ["X-Tenant"]) { query: Query }
type Query { box: Box @http(url: %q) }
type Box { v: String }
`, srv.URL+"/box"))

	p := buildPlan(t, cfg, `{ box { v } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})

	incoming := http.Header{}
	incoming.Set("X-Tenant", "tenant-1")
	incoming.Set("X-Secret", "nope")
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, incoming)
	require.Empty(t, res.Errors)
}

func TestExecuteRelativeURLUsesBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/users/5", r.URL.Path)
		w.Write([]byte(`{"id":5}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, `
type Query { user(id: Int!): User @http(url: "/api/users/{{.args.id}}") }
type User { id: Int }
`)

	p := buildPlan(t, cfg, `{ user(id: 5) { id } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{}), BaseURL: srv.URL})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"user": map[string]any{"id": float64(5)}}, res.Data)
}

func TestDeepMerge(t *testing.T) {
	cases := []struct {
		name              string
		left, right, want any
	}{
		{"right wins leaf", map[string]any{"a": 1}, map[string]any{"a": 2}, map[string]any{"a": 2}},
		{"disjoint keys join", map[string]any{"a": 1}, map[string]any{"b": 2}, map[string]any{"a": 1, "b": 2}},
		{"lists concat", []any{1}, []any{2}, []any{1, 2}},
		{"nested merge", map[string]any{"o": map[string]any{"x": 1, "y": 1}}, map[string]any{"o": map[string]any{"y": 2}}, map[string]any{"o": map[string]any{"x": 1, "y": 2}}},
		{"nil left", nil, "v", "v"},
		{"nil right keeps left", "v", nil, "v"},
		{"type conflict right wins", map[string]any{"a": 1}, "s", "s"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, deepMerge(c.left, c.right))
		})
	}
}
