package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/takumi3488/gqlforge/internal/config"
)

func lintConfig(t *testing.T, sdl string) *config.EffectiveConfig {
	t.Helper()
	doc, err := config.Parse("test.graphql", sdl)
	require.NoError(t, err)
	cfg, err := config.Merge([]*config.Document{doc})
	require.NoError(t, err)
	return cfg
}

func TestLintFlagsUnbatchedListChildren(t *testing.T) {
	cfg := lintConfig(t, `
type Query { users: [User] @http(url: "/users") }
type User {
  id: Int!
  posts: [Post] @http(url: "/posts?userId={{.value.id}}")
}
type Post { id: Int! }
`)
	diags, err := Lint(cfg, nil)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	require.Equal(t, "Query.users[].posts", diags[0].Path)
	require.Contains(t, diags[0].Message, "batchKey")
}

func TestLintAcceptsBatchedListChildren(t *testing.T) {
	cfg := lintConfig(t, `
type Query { users: [User] @http(url: "/users") }
type User {
  id: Int!
  posts: [Post] @http(url: "/posts", query: [{key: "userId", value: "{{.value.id}}"}], batchKey: ["userId"])
}
type Post { id: Int! }
`)
	diags, err := Lint(cfg, nil)
	require.NoError(t, err)
	require.Empty(t, diags)
}

func TestLintRejectsUndefinedFieldType(t *testing.T) {
	cfg := lintConfig(t, `
type Query { thing: Missing @http(url: "/thing") }
`)
	_, err := Lint(cfg, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), `"Missing"`)
}

func TestLintRejectsBadAccessExpression(t *testing.T) {
	cfg := lintConfig(t, `
type Query { secret: String @expr(body: "x") @protected(expr: "claims.role ==") }
`)
	_, err := Lint(cfg, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "access expression")
}

func TestLintIgnoresValueReadsWithoutOutboundCalls(t *testing.T) {
	cfg := lintConfig(t, `
type Query { users: [User] @http(url: "/users") }
type User {
  id: Int!
  label: String @expr(body: "user {{.value.id}}")
}
`)
	diags, err := Lint(cfg, nil)
	require.NoError(t, err)
	require.Empty(t, diags)
}
