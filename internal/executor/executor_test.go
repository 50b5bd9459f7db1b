package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/takumi3488/gqlforge/internal/auth"
	"github.com/takumi3488/gqlforge/internal/batch"
	"github.com/takumi3488/gqlforge/internal/cache"
	"github.com/takumi3488/gqlforge/internal/config"
	"github.com/takumi3488/gqlforge/internal/plan"
	"github.com/takumi3488/gqlforge/internal/transport"
)

func buildConfig(t *testing.T, sdl string) *config.EffectiveConfig {
	t.Helper()
	doc, err := config.Parse("test.graphql", sdl)
	require.NoError(t, err)
	cfg, err := config.Merge([]*config.Document{doc})
	require.NoError(t, err)
	return cfg
}

func buildPlan(t *testing.T, cfg *config.EffectiveConfig, query string, reg *auth.Registry) *plan.Plan {
	t.Helper()
	doc, perr := parser.ParseQuery(&ast.Source{Name: "query", Input: query})
	require.Nil(t, perr)
	p, err := plan.Compile(cfg, doc, "", reg)
	require.NoError(t, err)
	return p
}

type claimsProvider struct {
	id     string
	claims map[string]any
	err    error
	calls  atomic.Int32
}

func (p *claimsProvider) ID() string { return p.id }
func (p *claimsProvider) Validate(context.Context, auth.Credentials) (map[string]any, error) {
	p.calls.Add(1)
	return p.claims, p.err
}

func basicCreds() auth.Credentials {
	return auth.Credentials{Username: "u", Password: "p"}
}

func TestExecuteSimpleHTTPField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/1", r.URL.Path)
		w.Write([]byte(`{"id":1,"name":"Ann","secret":"x"}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { user(id: Int!): User @http(url: %q) }
type User { id: Int! name: String! }
`, srv.URL+"/users/{{.args.id}}"))

	p := buildPlan(t, cfg, `{ user(id: 1) { id name } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{
		"user": map[string]any{"id": float64(1), "name": "Ann"},
	}, res.Data)
}

func TestExecuteFieldCacheScenario(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fmt.Sprintf(`{"id":1,"name":"call-%d"}`, calls.Add(1))))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { user(id: Int!): User @http(url: %q) @cache(maxAge: 30000) }
type User { id: Int! name: String! }
`, srv.URL+"/users/{{.args.id}}"))

	p := buildPlan(t, cfg, `{ user(id: 1) { name } }`, nil)
	ex := New(Options{
		Config:     cfg,
		HTTP:       transport.NewHTTP(transport.HTTPOptions{}),
		FieldCache: cache.New(64),
	})

	first := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)
	second := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, first.Errors)
	require.Equal(t, first.Data, second.Data, "within the TTL window the payload is served unchanged")
	require.Equal(t, int32(1), calls.Load(), "no new outbound call within the TTL window")

	// a different argument set is a different cache key
	p2 := buildPlan(t, cfg, `{ user(id: 2) { name } }`, nil)
	ex.Execute(context.Background(), p2, nil, auth.Credentials{}, nil)
	require.Equal(t, int32(2), calls.Load())
}

func TestExecuteFieldCacheExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { user: User @http(url: %q) @cache(maxAge: 30) }
type User { id: Int! }
`, srv.URL+"/user"))

	p := buildPlan(t, cfg, `{ user { id } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{}), FieldCache: cache.New(64)})

	ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)
	ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)
	require.Equal(t, int32(1), calls.Load())

	time.Sleep(50 * time.Millisecond)
	ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)
	require.Equal(t, int32(2), calls.Load(), "expired entry triggers a fresh outbound call")
}

func TestExecuteBatchedListChildren(t *testing.T) {
	var userCalls, postCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users":
			userCalls.Add(1)
			out := "["
			for i := 0; i < 10; i++ {
				if i > 0 {
					out += ","
				}
				out += fmt.Sprintf(`{"id":%d,"name":"u%d"}`, i, i)
			}
			w.Write([]byte(out + "]"))
		case "/posts":
			postCalls.Add(1)
			ids := r.URL.Query()["userId"]
			out := "["
			for i, id := range ids {
				if i > 0 {
					out += ","
				}
				out += fmt.Sprintf(`{"userId":%s,"title":"post of %s"}`, id, id)
			}
			w.Write([]byte(out + "]"))
		}
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { users: [User] @http(url: %q) }
type User {
  id: Int!
  name: String!
  post: Post @http(url: %q, query: [{key: "userId", value: "{{.value.id}}"}], batchKey: ["userId"])
}
type Post { title: String! }
`, srv.URL+"/users", srv.URL+"/posts"))

	p := buildPlan(t, cfg, `{ users { id post { title } } }`, nil)
	ex := New(Options{
		Config: cfg,
		HTTP:   transport.NewHTTP(transport.HTTPOptions{}),
		Batch:  batch.Options{Window: time.Second},
	})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, int32(1), userCalls.Load())
	require.Equal(t, int32(1), postCalls.Load(), "ten children coalesce into one outbound call")

	users := res.Data.(map[string]any)["users"].([]any)
	require.Len(t, users, 10)
	for i, u := range users {
		post := u.(map[string]any)["post"].(map[string]any)
		require.Equal(t, fmt.Sprintf("post of %d", i), post["title"], "demux matches each item's own key")
	}
}

func TestExecuteDedupeCollapsesSiblings(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query {
  a: Stat @http(url: %q, dedupe: true)
  b: Stat @http(url: %q, dedupe: true)
}
type Stat { value: Int! }
`, srv.URL+"/stat", srv.URL+"/stat"))

	p := buildPlan(t, cfg, `{ a { value } b { value } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{}), Deduper: batch.NewDeduper()})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, int32(1), calls.Load(), "identical concurrent calls collapse")
}

func TestExecuteMultiResolverDeepMerge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/base":
			w.Write([]byte(`{"id":1,"name":"base","tags":["a"]}`))
		case "/extra":
			w.Write([]byte(`{"name":"extra","email":"e@x","tags":["b"]}`))
		}
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { user: User @http(url: %q) @http(url: %q) }
type User { id: Int name: String email: String tags: [String] }
`, srv.URL+"/base", srv.URL+"/extra"))

	p := buildPlan(t, cfg, `{ user { id name email tags } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	user := res.Data.(map[string]any)["user"].(map[string]any)
	require.Equal(t, float64(1), user["id"], "left-only key survives")
	require.Equal(t, "extra", user["name"], "later directive wins on leaf conflict")
	require.Equal(t, "e@x", user["email"], "right-only key joins")
	require.Equal(t, []any{"a", "b"}, user["tags"], "lists concatenate in declaration order")
}

func TestExecuteUnionDiscriminatorScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ty":"Foo","foo":"hi"}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { fooBar: FooBar @http(url: %q) }
union FooBar @discriminate(name: "ty") = Foo | Bar
type Foo { foo: String }
type Bar { bar: String }
`, srv.URL+"/x"))

	p := buildPlan(t, cfg, `{ fooBar { __typename ... on Foo { foo } ... on Bar { bar } } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{
		"fooBar": map[string]any{"__typename": "Foo", "foo": "hi"},
	}, res.Data)
}

func TestExecuteUnionWrapperKeyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Bar":{"bar":"yo"}}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { fooBar: FooBar @http(url: %q) }
union FooBar = Foo | Bar
type Foo { foo: String }
type Bar { bar: String }
`, srv.URL+"/x"))

	p := buildPlan(t, cfg, `{ fooBar { ... on Bar { bar } } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"fooBar": map[string]any{"bar": "yo"}}, res.Data)
}

func TestExecuteUnionUnknownMemberIsDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ty":"foo","foo":"hi"}`)) // lower-case, not a member
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { fooBar: FooBar @http(url: %q) }
union FooBar @discriminate(name: "ty") = Foo | Bar
type Foo { foo: String }
type Bar { bar: String }
`, srv.URL+"/x"))

	p := buildPlan(t, cfg, `{ fooBar { ... on Foo { foo } } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, "not a member")
	require.Equal(t, map[string]any{"fooBar": nil}, res.Data)
}

func TestExecuteProtectedExpressionScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"flag":"top-secret"}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query {
  secret: Secret @protected(id: ["basic"], expr: "claims.role == 'admin'") @http(url: %q)
}
type Secret { flag: String }
`, srv.URL+"/secret"))

	run := func(role string) *Result {
		provider := &claimsProvider{id: "basic", claims: map[string]any{"role": role}}
		reg, err := auth.NewRegistry(provider)
		require.NoError(t, err)
		p := buildPlan(t, cfg, `{ secret { flag } }`, reg)
		ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{}), Providers: reg})
		return ex.Execute(context.Background(), p, nil, basicCreds(), nil)
	}

	allowed := run("admin")
	require.Empty(t, allowed.Errors)
	require.Equal(t, map[string]any{"secret": map[string]any{"flag": "top-secret"}}, allowed.Data)

	denied := run("user")
	require.Len(t, denied.Errors, 1)
	require.Contains(t, denied.Errors[0].Message, "authorization denied")
	require.Equal(t, map[string]any{"secret": nil}, denied.Data)
}

func TestExecuteAuthHoistingValidatesOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"v":"x"}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query {
  a: Box @protected(id: ["a"]) @http(url: %q)
  b: Box @protected(id: ["a"]) @http(url: %q)
}
type Box { v: String }
`, srv.URL+"/a", srv.URL+"/b"))

	provider := &claimsProvider{id: "a", claims: map[string]any{"sub": "u"}}
	reg, err := auth.NewRegistry(provider)
	require.NoError(t, err)

	p := buildPlan(t, cfg, `{ a { v } b { v } }`, reg)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{}), Providers: reg})
	res := ex.Execute(context.Background(), p, nil, basicCreds(), nil)

	require.Empty(t, res.Errors)
	require.Equal(t, int32(1), provider.calls.Load(), "shared requirement validates once per request")
}

func TestExecuteAuthDenialShortCircuitsSubtree(t *testing.T) {
	var upstreamCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.Write([]byte(`{"v":"x"}`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { box: Box @protected(id: ["a"]) @http(url: %q) }
type Box { v: String inner: Inner @http(url: %q) }
type Inner { v: String }
`, srv.URL+"/box", srv.URL+"/inner"))

	provider := &claimsProvider{id: "a", err: fmt.Errorf("bad credentials")}
	reg, err := auth.NewRegistry(provider)
	require.NoError(t, err)

	p := buildPlan(t, cfg, `{ box { v inner { v } } }`, reg)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{}), Providers: reg})
	res := ex.Execute(context.Background(), p, nil, basicCreds(), nil)

	require.Len(t, res.Errors, 1, "one error per protected boundary, not per leaf")
	require.Equal(t, int32(0), upstreamCalls.Load(), "denied subtree is never resolved")
	require.Equal(t, map[string]any{"box": nil}, res.Data)
}

func TestExecuteNonNullPropagation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":1}`)) // name missing
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query { user: User @http(url: %q) }
type User { id: Int! name: String! }
`, srv.URL+"/user"))

	p := buildPlan(t, cfg, `{ user { id name } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.NotEmpty(t, res.Errors)
	require.Contains(t, res.Errors[0].Message, "non-nullable")
	require.Equal(t, map[string]any{"user": nil}, res.Data, "null propagates to the nearest nullable ancestor")
}

func TestExecuteNonNullRootCollapsesData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query {
  must: String! @http(url: %q)
  other: String @expr(body: "ok")
}
`, srv.URL+"/must"))

	p := buildPlan(t, cfg, `{ must other }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.NotEmpty(t, res.Errors)
	require.Contains(t, res.Errors[0].Message, "non-nullable")
	require.Nil(t, res.Data, "a null root field of non-null type nulls the whole response data")
}

func TestExecuteResolutionErrorYieldsPartialResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"v":"fine"}`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	cfg := buildConfig(t, fmt.Sprintf(`
type Query {
  good: Box @http(url: %q)
  bad: Box @http(url: %q)
}
type Box { v: String }
`, srv.URL+"/ok", srv.URL+"/bad"))

	p := buildPlan(t, cfg, `{ good { v } bad { v } }`, nil)
	ex := New(Options{Config: cfg, HTTP: transport.NewHTTP(transport.HTTPOptions{})})
	res := ex.Execute(context.Background(), p, nil, auth.Credentials{}, nil)

	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, "status 500")
	require.Equal(t, Path{"bad"}, res.Errors[0].Path)
	require.Equal(t, map[string]any{
		"good": map[string]any{"v": "fine"},
		"bad":  nil,
	}, res.Data)
}
