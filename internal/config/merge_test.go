package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, name, sdl string) *Document {
	t.Helper()
	doc, err := Parse(name, sdl)
	require.NoError(t, err)
	return doc
}

func TestMerge_CovariantUnion_OutputFields(t *testing.T) {
	a := mustParse(t, "a.graphql", `type T { a: String }`)
	b := mustParse(t, "b.graphql", `type T { b: String }`)

	cfg, err := Merge([]*Document{a, b})
	require.NoError(t, err)

	td := cfg.Types["T"]
	require.NotNil(t, td)
	assert.Contains(t, td.Fields, "a")
	assert.Contains(t, td.Fields, "b")
	assert.Len(t, td.Fields, 2)
}

func TestMerge_ContravariantIntersection_InputFields(t *testing.T) {
	a := mustParse(t, "a.graphql", `input T { a: String b: String }`)
	b := mustParse(t, "b.graphql", `input T { a: String }`)

	cfg, err := Merge([]*Document{a, b})
	require.NoError(t, err)

	td := cfg.Types["T"]
	require.NotNil(t, td)
	assert.Contains(t, td.Fields, "a")
	assert.NotContains(t, td.Fields, "b")
}

func TestMerge_Idempotence(t *testing.T) {
	sdl := `
		schema @upstream(baseURL: "http://api.example.com", timeout: 500) { query: Query }
		type Query { user(id: Int!): User @http(url: "/users/{{.args.id}}") }
		type User { id: Int! name: String }
		input Filter { q: String }
	`
	a1 := mustParse(t, "a.graphql", sdl)
	a2 := mustParse(t, "a.graphql", sdl)

	once, err := Merge([]*Document{a1})
	require.NoError(t, err)
	twice, err := Merge([]*Document{a1, a2})
	require.NoError(t, err)

	assert.Equal(t, once.Runtime, twice.Runtime)
	assert.Equal(t, once.Types["User"], twice.Types["User"])
	assert.Equal(t, once.Types["Filter"], twice.Types["Filter"])
	assert.Equal(t, once.Types["Query"].Fields["user"].Resolvers, twice.Types["Query"].Fields["user"].Resolvers)
}

func TestMerge_RuntimeSettings_RightBias(t *testing.T) {
	a := mustParse(t, "a.graphql", `schema @upstream(baseURL: "http://left", timeout: 100, allowedHeaders: ["X-A"]) { query: Query }
		type Query { ok: Boolean }`)
	b := mustParse(t, "b.graphql", `schema @upstream(baseURL: "http://right", allowedHeaders: ["X-B", "X-C"]) { query: Query }
		type Query { ok: Boolean }`)

	cfg, err := Merge([]*Document{a, b})
	require.NoError(t, err)

	assert.Equal(t, "http://right", cfg.Runtime.Upstream.BaseURL)
	// scalar absent on the right keeps the left value
	assert.Equal(t, int64(100), cfg.Runtime.Upstream.Timeout)
	// arrays are replaced wholesale, not concatenated
	assert.Equal(t, []string{"X-B", "X-C"}, cfg.Runtime.Upstream.AllowedHeaders)
}

func TestMerge_Links_AreAdditive(t *testing.T) {
	a := mustParse(t, "a.graphql", `schema @link(src: "users.htpasswd", type: Htpasswd, id: "basic") { query: Query }
		type Query { ok: Boolean }`)
	b := mustParse(t, "b.graphql", `schema @link(src: "keys.jwks", type: Jwks, id: "jwt") { query: Query }
		type Query { ok: Boolean }`)

	cfg, err := Merge([]*Document{a, b})
	require.NoError(t, err)
	require.Len(t, cfg.Links, 2)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "basic", cfg.Providers[0].ID)
	assert.Equal(t, "jwt", cfg.Providers[1].ID)
}

func TestMerge_DuplicateLinkID_Fatal(t *testing.T) {
	a := mustParse(t, "a.graphql", `schema @link(src: "a.htpasswd", type: Htpasswd, id: "auth") { query: Query }
		type Query { ok: Boolean }`)
	b := mustParse(t, "b.graphql", `schema @link(src: "b.jwks", type: Jwks, id: "auth") { query: Query }
		type Query { ok: Boolean }`)

	_, err := Merge([]*Document{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate link id "auth"`)
}

func TestMerge_MultipleServerBlocks_Fatal(t *testing.T) {
	a := mustParse(t, "a.graphql", `schema @server(port: 8000) { query: Query }
		type Query { ok: Boolean }`)
	b := mustParse(t, "b.graphql", `schema @server(port: 9000) { query: Query }
		type Query { ok: Boolean }`)

	_, err := Merge([]*Document{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple @server blocks")

	var merr MergeError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "b.graphql", merr[0].Document)
}

func TestMerge_IncompatibleFieldRedefinition_Fatal(t *testing.T) {
	a := mustParse(t, "a.graphql", `type T { x: String }`)
	b := mustParse(t, "b.graphql", `type T { x: Int }`)

	_, err := Merge([]*Document{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field T.x redefined with type Int")
}

func TestMerge_DirectiveOverride_RightMostWins(t *testing.T) {
	a := mustParse(t, "a.graphql", `type Query { user: String @http(url: "/v1/user") }`)
	b := mustParse(t, "b.graphql", `type Query { user: String @http(url: "/v2/user") }`)

	cfg, err := Merge([]*Document{a, b})
	require.NoError(t, err)

	rs := cfg.Types["Query"].Fields["user"].Resolvers
	require.Len(t, rs, 1)
	assert.Equal(t, "/v2/user", rs[0].HTTP.URL)
}

func TestMerge_PartialDirectiveOverride_Ambiguous(t *testing.T) {
	a := mustParse(t, "a.graphql", `type Query { user: String @http(url: "/v1/user") @expr(body: {x: 1}) }`)
	b := mustParse(t, "b.graphql", `type Query { user: String @expr(body: {x: 2}) }`)

	_, err := Merge([]*Document{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting resolver directives")
}

func TestMerge_PlainRedeclaration_KeepsLeftDirectives(t *testing.T) {
	a := mustParse(t, "a.graphql", `type Query { user: String @http(url: "/v1/user") @cache(maxAge: 1000) }`)
	b := mustParse(t, "b.graphql", `type Query { user: String }`)

	cfg, err := Merge([]*Document{a, b})
	require.NoError(t, err)

	f := cfg.Types["Query"].Fields["user"]
	require.Len(t, f.Resolvers, 1)
	assert.Equal(t, "/v1/user", f.Resolvers[0].HTTP.URL)
	require.NotNil(t, f.Cache)
	assert.Equal(t, int64(1000), f.Cache.MaxAgeMillis)
}

func TestMerge_UnionMembers_Union(t *testing.T) {
	a := mustParse(t, "a.graphql", `union FooBar @discriminate(name: "ty") = Foo
		type Foo { foo: String }`)
	b := mustParse(t, "b.graphql", `union FooBar = Bar
		type Bar { bar: String }`)

	cfg, err := Merge([]*Document{a, b})
	require.NoError(t, err)

	u := cfg.Unions["FooBar"]
	require.NotNil(t, u)
	assert.Equal(t, []string{"Bar", "Foo"}, u.MemberNames())
	assert.Equal(t, "ty", u.Discriminator)
}
