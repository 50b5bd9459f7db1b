package config

// ResolverKind tags the resolver variant. The executor dispatches on it with
// an exhaustive switch.
type ResolverKind string

const (
	ResolverHTTP    ResolverKind = "http"
	ResolverGRPC    ResolverKind = "grpc"
	ResolverGraphQL ResolverKind = "graphQL"
	ResolverExpr    ResolverKind = "expr"
	ResolverJS      ResolverKind = "js"
	ResolverCall    ResolverKind = "call"
)

// Resolver is one resolvable directive instance attached to a field. Exactly
// one of the variant pointers is set, selected by Kind.
type Resolver struct {
	Kind    ResolverKind
	HTTP    *HTTPResolver
	GRPC    *GRPCResolver
	GraphQL *GraphQLResolver
	Expr    *ExprResolver
	JS      *JSResolver
	Call    *CallResolver
}

// KV is an ordered key/value pair; values may contain template placeholders.
type KV struct {
	Key   string
	Value string
}

// HTTPResolver is the @http directive.
type HTTPResolver struct {
	URL     string
	Method  string // defaults to GET
	Query   []KV
	Body    string
	Headers []KV

	// BatchKey names the response path used to group and demultiplex
	// coalesced calls. Empty means the field is not batchable.
	BatchKey []string
	Dedupe   bool
}

// GRPCResolver is the @grpc directive. Method is the fully qualified
// "package.Service.Method" name resolved against linked proto descriptors.
type GRPCResolver struct {
	Method  string
	Body    string
	Headers []KV

	BatchKey []string
	Dedupe   bool
}

// GraphQLResolver is the @graphQL directive proxying to an upstream GraphQL
// endpoint.
type GraphQLResolver struct {
	Name    string // upstream root field name
	Args    []KV
	BaseURL string
	Headers []KV
	Batch   bool
	Dedupe  bool
}

// ExprResolver is the @expr directive: a constant JSON shape whose string
// leaves may contain template placeholders. Pure computation, never suspends.
type ExprResolver struct {
	Body any
}

// JSResolver is the @js directive: invokes a named function on the linked
// script engine.
type JSResolver struct {
	Name string
}

// CallResolver is the @call directive: composes other root-field resolvers.
type CallResolver struct {
	Steps []CallStep
}

// CallStep invokes one Query or Mutation root field with templated args.
type CallStep struct {
	Query    string // root query field name; mutually exclusive with Mutation
	Mutation string
	Args     map[string]string
}

// DedupeEnabled reports whether the resolver opted into request collapsing.
func (r *Resolver) DedupeEnabled() bool {
	switch r.Kind {
	case ResolverHTTP:
		return r.HTTP.Dedupe
	case ResolverGRPC:
		return r.GRPC.Dedupe
	case ResolverGraphQL:
		return r.GraphQL.Dedupe
	default:
		return false
	}
}

// BatchKey returns the declared batch key path, if any.
func (r *Resolver) BatchKeyPath() []string {
	switch r.Kind {
	case ResolverHTTP:
		return r.HTTP.BatchKey
	case ResolverGRPC:
		return r.GRPC.BatchKey
	default:
		return nil
	}
}
