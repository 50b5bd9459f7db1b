package plan

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/takumi3488/gqlforge/internal/auth"
	"github.com/takumi3488/gqlforge/internal/config"
)

// Plan is the compiled execution graph for one operation shape. It is
// immutable and shared read-only across requests.
type Plan struct {
	Operation     string // query, mutation or subscription
	OperationName string
	RootType      string
	Roots         []*Node
	ShapeKey      uint64
	Diagnostics   []Diagnostic

	// Auth is a requirement shared by every root field, hoisted to the plan
	// so it runs once before any resolution starts.
	Auth *auth.Requirement
}

// Node is one resolver invocation site. Children depend on this node's
// resolved value; RootIndependent children may start before it resolves.
type Node struct {
	// Path is the response path, used in error entries and diagnostics.
	Path string
	// ParentType is the enclosing type name.
	ParentType string
	// Field is the merged field definition; nil for __typename.
	Field *config.FieldDef
	// Alias is the response key (the alias when given, else the field name
	// after renames).
	Alias string
	// Args are the operation's literal argument values; variables are
	// substituted at execution time.
	Args ast.ArgumentList

	// Typename marks the __typename meta field.
	Typename bool

	// RootIndependent is true when no resolver directive references the
	// parent value, so the node can run concurrently with its parent's
	// resolution.
	RootIndependent bool

	// Batch is set when the node joined a batch group.
	Batch *BatchSpec

	// Auth is the requirement enforced at this node after hoisting. Nil
	// means no check here (it may have been hoisted to an ancestor).
	Auth *auth.Requirement

	// Union is set when the field's type is a union.
	Union *UnionSpec

	// Children are the sub-selections for object-typed fields. For unions
	// the per-member selections live in Union.MemberSelections instead.
	Children []*Node
}

// BatchSpec describes how a node's resolver coalesces with its siblings into
// one outbound call.
type BatchSpec struct {
	// GroupID identifies the batch group: one per resolver invocation site.
	GroupID string
	// URL is the endpoint template without the varying query parameter.
	URL string
	// Method is GET or POST.
	Method string
	// QueryParam carries the batch keys as a repeated parameter (GET).
	QueryParam string
	// Query holds the remaining static query parameters.
	Query []config.KV
	// BodyTemplate is the per-item body (POST); exactly one placeholder
	// varies per item.
	BodyTemplate string
	// KeyTemplate renders the per-item batch key from the parent value.
	KeyTemplate string
	// KeyPath locates the key inside each response element for demux.
	KeyPath string
	// Headers are the static request headers.
	Headers []config.KV
}

// UnionSpec carries union decode information for a node.
type UnionSpec struct {
	Name string
	// Discriminator is the response field naming the member type. Empty
	// means wrapper-key decoding: a single key equal to the member name.
	Discriminator string
	Members       map[string]struct{}
	// MemberSelections maps member type name to the selection compiled for
	// that member (from inline fragments or fragment spreads). Unconditional
	// selections (e.g. __typename) appear under every member.
	MemberSelections map[string][]*Node
}

// Diagnostic is an advisory compiler finding. Diagnostics never fail
// compilation; check-style validation may surface them.
type Diagnostic struct {
	Path    string
	Message string
}

func (d Diagnostic) String() string { return d.Path + ": " + d.Message }

// CompileError is a fatal compilation failure for one operation. Other
// operations may still compile.
type CompileError struct {
	Path    string
	Message string
}

func (e *CompileError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Resolvers returns the field's resolver directives in declaration order.
func (n *Node) Resolvers() []config.Resolver {
	if n.Field == nil {
		return nil
	}
	return n.Field.Resolvers
}
