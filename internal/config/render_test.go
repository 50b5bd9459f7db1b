package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const renderSDL = `
schema
  @server(port: 8030, batchRequests: true)
  @upstream(baseURL: "http://jsonplaceholder.typicode.com", httpCache: 128, allowedHeaders: ["X-Tenant"], batch: {delay: 10, maxSize: 100})
  @telemetry(serviceName: "gqlforge", otlpEndpoint: "collector:4317")
  @link(src: "users.htpasswd", type: Htpasswd, id: "basic")
{
  query: Query
}

type Query {
  user(id: Int!): User @http(url: "/users/{{.args.id}}") @cache(maxAge: 30000)
  feed: [FeedItem] @http(url: "/feed")
  secret: String @expr(body: "42") @protected(id: ["basic"])
}

type User {
  id: Int!
  name: String
  posts: [Post] @http(url: "/posts", query: [{key: "userId", value: "{{.value.id}}"}], batchKey: ["userId"], dedupe: true)
}

type Post {
  id: Int!
  title: String
}

type Photo {
  url: String
}

union FeedItem @discriminate(name: "kind") = Post | Photo
`

// Rendering the merged config and re-parsing it must produce the same
// configuration.
func TestRenderRoundTrip(t *testing.T) {
	doc, err := Parse("a.graphql", renderSDL)
	require.NoError(t, err)
	cfg, err := Merge([]*Document{doc})
	require.NoError(t, err)

	rendered := Render(cfg)

	doc2, err := Parse("rendered.graphql", rendered)
	require.NoError(t, err)
	cfg2, err := Merge([]*Document{doc2})
	require.NoError(t, err)

	if diff := cmp.Diff(cfg, cfg2); diff != "" {
		t.Fatalf("round-trip mismatch (-first +reparsed):\n%s", diff)
	}
}

func TestRenderContainsDirectives(t *testing.T) {
	doc, err := Parse("a.graphql", renderSDL)
	require.NoError(t, err)
	cfg, err := Merge([]*Document{doc})
	require.NoError(t, err)

	out := Render(cfg)
	require.Contains(t, out, `@server(port: 8030, batchRequests: true)`)
	require.Contains(t, out, `@link(src: "users.htpasswd", type: Htpasswd, id: "basic")`)
	require.Contains(t, out, `@cache(maxAge: 30000)`)
	require.Contains(t, out, `batchKey: ["userId"]`)
	require.Contains(t, out, `union FeedItem @discriminate(name: "kind") = Photo | Post`)
	require.Contains(t, out, `@protected(id: ["basic"])`)
}

func TestRenderNilConfig(t *testing.T) {
	require.Equal(t, "", Render(nil))
}
