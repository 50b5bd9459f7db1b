package plan

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/takumi3488/gqlforge/internal/auth"
	"github.com/takumi3488/gqlforge/internal/config"
	"github.com/takumi3488/gqlforge/internal/template"
)

// Compile analyzes one operation against the merged configuration and
// produces an immutable execution plan: a dependency DAG annotated with
// batch groups and hoisted auth requirements.
func Compile(cfg *config.EffectiveConfig, doc *ast.QueryDocument, operationName string, providers *auth.Registry) (*Plan, error) {
	op, err := selectOperation(doc, operationName)
	if err != nil {
		return nil, err
	}

	var rootType string
	switch op.Operation {
	case ast.Query:
		rootType = cfg.QueryType()
	case ast.Mutation:
		rootType = cfg.MutationType()
	case ast.Subscription:
		rootType = cfg.SubscriptionType()
	default:
		return nil, &CompileError{Message: fmt.Sprintf("unsupported operation %q", op.Operation)}
	}
	if _, ok := cfg.Types[rootType]; !ok {
		return nil, &CompileError{Message: fmt.Sprintf("root type %q is not defined", rootType)}
	}

	c := &compiler{cfg: cfg, providers: providers, fragments: doc.Fragments}
	roots, err := c.compileSelection(rootType, op.SelectionSet, "", false)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Operation:     string(op.Operation),
		OperationName: op.Name,
		RootType:      rootType,
		Roots:         roots,
		Diagnostics:   c.diags,
	}
	p.Auth = hoist(p.Roots)
	return p, nil
}

func selectOperation(doc *ast.QueryDocument, name string) (*ast.OperationDefinition, error) {
	if name != "" {
		if op := doc.Operations.ForName(name); op != nil {
			return op, nil
		}
		return nil, &CompileError{Message: fmt.Sprintf("operation %q not found", name)}
	}
	if len(doc.Operations) != 1 {
		return nil, &CompileError{Message: "operation name required when the document defines multiple operations"}
	}
	return doc.Operations[0], nil
}

type compiler struct {
	cfg       *config.EffectiveConfig
	providers *auth.Registry
	fragments ast.FragmentDefinitionList
	diags     []Diagnostic
}

// compileSelection compiles a selection set against typeName. underList is
// true when any ancestor field is list-typed, which makes value-dependent
// resolvers batch candidates.
func (c *compiler) compileSelection(typeName string, sel ast.SelectionSet, path string, underList bool) ([]*Node, error) {
	var nodes []*Node
	for _, s := range sel {
		switch f := s.(type) {
		case *ast.Field:
			node, err := c.compileField(typeName, f, path, underList)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		case *ast.InlineFragment:
			on := typeName
			if f.TypeCondition != "" {
				on = f.TypeCondition
			}
			children, err := c.compileSelection(on, f.SelectionSet, path, underList)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, children...)
		case *ast.FragmentSpread:
			frag := c.fragments.ForName(f.Name)
			if frag == nil {
				return nil, &CompileError{Path: path, Message: fmt.Sprintf("undefined fragment %q", f.Name)}
			}
			children, err := c.compileSelection(frag.TypeCondition, frag.SelectionSet, path, underList)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, children...)
		}
	}
	return nodes, nil
}

func (c *compiler) compileField(typeName string, f *ast.Field, path string, underList bool) (*Node, error) {
	fieldPath := joinPath(path, f.Alias)

	if f.Name == "__typename" {
		return &Node{Path: fieldPath, ParentType: typeName, Alias: f.Alias, Typename: true, RootIndependent: true}, nil
	}

	td, ok := c.cfg.Types[typeName]
	if !ok {
		return nil, &CompileError{Path: fieldPath, Message: fmt.Sprintf("type %q is not defined", typeName)}
	}
	fd := td.ResolveField(f.Name)
	if fd == nil || fd.Omit {
		return nil, &CompileError{Path: fieldPath, Message: fmt.Sprintf("field %q is not defined on type %q", f.Name, typeName)}
	}

	node := &Node{
		Path:       fieldPath,
		ParentType: typeName,
		Field:      fd,
		Alias:      f.Alias,
		Args:       f.Arguments,
	}

	dependsOnValue := resolversReferenceValue(fd.Resolvers)
	node.RootIndependent = len(fd.Resolvers) > 0 && !dependsOnValue

	req, err := c.requirement(td, fd, fieldPath)
	if err != nil {
		return nil, err
	}
	node.Auth = req

	if underList && dependsOnValue {
		if spec, err := c.batchSpec(typeName, fd, fieldPath); err != nil {
			return nil, err
		} else if spec != nil {
			node.Batch = spec
		} else if hasOutboundResolver(fd.Resolvers) {
			c.diags = append(c.diags, Diagnostic{
				Path:    fieldPath,
				Message: fmt.Sprintf("field %q resolves per list item (N+1); declare batchKey to coalesce", f.Name),
			})
		}
	}

	named := fd.Type.NamedTypeName()
	if u, isUnion := c.cfg.Unions[named]; isUnion {
		spec, err := c.compileUnion(u, f.SelectionSet, fieldPath, underList || fd.Type.IsList())
		if err != nil {
			return nil, err
		}
		node.Union = spec
		hoistInto(node, flattenMembers(spec))
		return node, nil
	}

	childType, isComposite := c.cfg.Types[named]
	isComposite = isComposite && (childType.Kind == config.KindObject || childType.Kind == config.KindInterface)
	switch {
	case isComposite && len(f.SelectionSet) == 0:
		return nil, &CompileError{Path: fieldPath, Message: fmt.Sprintf("field of composite type %q requires a selection set", named)}
	case !isComposite && len(f.SelectionSet) > 0:
		return nil, &CompileError{Path: fieldPath, Message: fmt.Sprintf("cannot select subfields of %q", named)}
	}

	if isComposite {
		children, err := c.compileSelection(named, f.SelectionSet, fieldPath, underList || fd.Type.IsList())
		if err != nil {
			return nil, err
		}
		node.Children = children
		hoistInto(node, children)
	}
	return node, nil
}

// requirement combines type-level and field-level @protected constraints and
// validates the referenced provider ids.
func (c *compiler) requirement(td *config.TypeDef, fd *config.FieldDef, path string) (*auth.Requirement, error) {
	var req *auth.Requirement
	for _, p := range []*config.Protected{td.Protected, fd.Protected} {
		if p == nil {
			continue
		}
		r := &auth.Requirement{IDs: append([]string(nil), p.IDs...)}
		if p.Expr != "" {
			expr, err := auth.ParseExpr(p.Expr)
			if err != nil {
				return nil, &CompileError{Path: path, Message: fmt.Sprintf("invalid access expression: %v", err)}
			}
			r.Exprs = []*auth.Expr{expr}
		}
		req = req.Combine(r)
	}
	if req == nil {
		return nil, nil
	}
	if c.providers != nil {
		for _, id := range req.IDs {
			if !c.providers.Has(id) {
				return nil, &CompileError{Path: path, Message: fmt.Sprintf("auth provider %q is not configured", id)}
			}
		}
	}
	return req, nil
}

func (c *compiler) compileUnion(u *config.UnionDef, sel ast.SelectionSet, path string, underList bool) (*UnionSpec, error) {
	spec := &UnionSpec{
		Name:             u.Name,
		Discriminator:    u.Discriminator,
		Members:          u.Members,
		MemberSelections: map[string][]*Node{},
	}
	var shared []*Node
	perMember := map[string]ast.SelectionSet{}

	for _, s := range sel {
		switch f := s.(type) {
		case *ast.Field:
			if f.Name != "__typename" {
				return nil, &CompileError{Path: path, Message: fmt.Sprintf("field %q selected directly on union %q; use a fragment", f.Name, u.Name)}
			}
			shared = append(shared, &Node{Path: joinPath(path, f.Alias), ParentType: u.Name, Alias: f.Alias, Typename: true, RootIndependent: true})
		case *ast.InlineFragment:
			if _, ok := u.Members[f.TypeCondition]; !ok {
				return nil, &CompileError{Path: path, Message: fmt.Sprintf("type %q is not a member of union %q", f.TypeCondition, u.Name)}
			}
			perMember[f.TypeCondition] = append(perMember[f.TypeCondition], f.SelectionSet...)
		case *ast.FragmentSpread:
			frag := c.fragments.ForName(f.Name)
			if frag == nil {
				return nil, &CompileError{Path: path, Message: fmt.Sprintf("undefined fragment %q", f.Name)}
			}
			if _, ok := u.Members[frag.TypeCondition]; !ok {
				return nil, &CompileError{Path: path, Message: fmt.Sprintf("type %q is not a member of union %q", frag.TypeCondition, u.Name)}
			}
			perMember[frag.TypeCondition] = append(perMember[frag.TypeCondition], frag.SelectionSet...)
		}
	}

	for member, memberSel := range perMember {
		children, err := c.compileSelection(member, memberSel, path, underList)
		if err != nil {
			return nil, err
		}
		spec.MemberSelections[member] = append(append([]*Node(nil), shared...), children...)
	}
	if len(perMember) == 0 && len(shared) > 0 {
		for member := range u.Members {
			spec.MemberSelections[member] = shared
		}
	}
	return spec, nil
}

// batchSpec derives the coalescing shape from the first resolver declaring a
// batchKey. Only HTTP resolvers batch; other kinds resolve per item.
func (c *compiler) batchSpec(typeName string, fd *config.FieldDef, path string) (*BatchSpec, error) {
	for _, r := range fd.Resolvers {
		key := r.BatchKeyPath()
		if len(key) == 0 {
			continue
		}
		if r.Kind != config.ResolverHTTP {
			c.diags = append(c.diags, Diagnostic{
				Path:    path,
				Message: fmt.Sprintf("batchKey on %s resolver is not coalesced; calls are deduplicated only", r.Kind),
			})
			return nil, nil
		}
		h := r.HTTP
		spec := &BatchSpec{
			GroupID: typeName + "." + fd.Name,
			URL:     h.URL,
			Method:  methodOrGet(h.Method),
			KeyPath: strings.Join(key, "."),
			Headers: h.Headers,
		}
		for _, kv := range h.Query {
			if spec.QueryParam == "" && template.References(kv.Value, "value") {
				spec.QueryParam = kv.Key
				spec.KeyTemplate = kv.Value
				continue
			}
			spec.Query = append(spec.Query, kv)
		}
		if spec.QueryParam == "" && template.References(h.Body, "value") {
			spec.BodyTemplate = h.Body
			for _, t := range template.Tokens(h.Body) {
				if t.Root() == "value" {
					spec.KeyTemplate = t.Raw
					break
				}
			}
		}
		if spec.KeyTemplate == "" {
			return nil, &CompileError{Path: path, Message: "batchKey declared but the resolver has no parent value reference in query or body"}
		}
		return spec, nil
	}
	return nil, nil
}

// hoist lifts a requirement shared by two or more roots to the plan level and
// returns it; a single protected root keeps its own check.
func hoist(roots []*Node) *auth.Requirement {
	shared := sharedRequirement(roots)
	if shared == nil || countResolvable(roots) < 2 {
		return nil
	}
	for _, n := range roots {
		n.Auth = nil
	}
	return shared
}

func countResolvable(nodes []*Node) int {
	n := 0
	for _, node := range nodes {
		if !node.Typename {
			n++
		}
	}
	return n
}

// hoistInto moves a requirement shared by every child up to the parent, so
// the check runs once per request instead of once per field.
func hoistInto(parent *Node, children []*Node) {
	shared := sharedRequirement(children)
	if shared == nil {
		return
	}
	for _, ch := range children {
		ch.Auth = nil
	}
	parent.Auth = parent.Auth.Combine(shared)
}

// sharedRequirement returns the requirement common to all resolvable nodes,
// or nil when any node lacks one or signatures differ. Requirements carrying
// access expressions never hoist: expressions evaluate against the owning
// field's argument scope. Meta fields are ignored.
func sharedRequirement(nodes []*Node) *auth.Requirement {
	var shared *auth.Requirement
	seen := false
	for _, n := range nodes {
		if n.Typename {
			continue
		}
		if n.Auth == nil || len(n.Auth.Exprs) > 0 {
			return nil
		}
		if !seen {
			shared = n.Auth
			seen = true
			continue
		}
		if n.Auth.Signature() != shared.Signature() {
			return nil
		}
	}
	if !seen {
		return nil
	}
	return shared
}

func flattenMembers(spec *UnionSpec) []*Node {
	var out []*Node
	for _, nodes := range spec.MemberSelections {
		out = append(out, nodes...)
	}
	return out
}

func resolversReferenceValue(resolvers []config.Resolver) bool {
	for _, r := range resolvers {
		if resolverReferencesValue(r) {
			return true
		}
	}
	return false
}

func resolverReferencesValue(r config.Resolver) bool {
	refs := func(s string) bool { return template.References(s, "value") }
	refsKVs := func(kvs []config.KV) bool {
		for _, kv := range kvs {
			if refs(kv.Value) {
				return true
			}
		}
		return false
	}
	switch r.Kind {
	case config.ResolverHTTP:
		return refs(r.HTTP.URL) || refs(r.HTTP.Body) || refsKVs(r.HTTP.Query) || refsKVs(r.HTTP.Headers)
	case config.ResolverGRPC:
		return refs(r.GRPC.Body) || refsKVs(r.GRPC.Headers)
	case config.ResolverGraphQL:
		return refsKVs(r.GraphQL.Args)
	case config.ResolverExpr:
		return valueReferencesValue(r.Expr.Body)
	case config.ResolverJS:
		// scripts receive the parent value in their invocation context
		return true
	case config.ResolverCall:
		for _, step := range r.Call.Steps {
			for _, v := range step.Args {
				if refs(v) {
					return true
				}
			}
		}
	}
	return false
}

func valueReferencesValue(v any) bool {
	switch x := v.(type) {
	case string:
		return template.References(x, "value")
	case map[string]any:
		for _, e := range x {
			if valueReferencesValue(e) {
				return true
			}
		}
	case []any:
		for _, e := range x {
			if valueReferencesValue(e) {
				return true
			}
		}
	}
	return false
}

func hasOutboundResolver(resolvers []config.Resolver) bool {
	for _, r := range resolvers {
		switch r.Kind {
		case config.ResolverHTTP, config.ResolverGRPC, config.ResolverGraphQL:
			return true
		}
	}
	return false
}

func methodOrGet(m string) string {
	if m == "" {
		return "GET"
	}
	return m
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}
