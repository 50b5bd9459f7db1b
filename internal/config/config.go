package config

import "sort"

// Document is one parsed configuration unit: type definitions with their
// directive attachments plus the runtime settings declared in that file.
// Documents only exist during composition; Merge consumes them and produces
// a single EffectiveConfig.
type Document struct {
	Name string // source file name, used in merge error reports

	Schema  RootTypes
	Types   map[string]*TypeDef
	Unions  map[string]*UnionDef
	Runtime RuntimeSettings
	Links   []Link

	// HasServer records whether this document declared an @server block.
	// Composing two @server blocks is a fatal merge error.
	HasServer bool
}

// EffectiveConfig is the single merged configuration. It is immutable once
// produced by Merge and is shared read-only across concurrent requests.
type EffectiveConfig struct {
	Schema  RootTypes
	Types   map[string]*TypeDef
	Unions  map[string]*UnionDef
	Runtime RuntimeSettings
	Links   []Link

	// Providers lists the auth provider declarations derived from
	// Htpasswd/Jwks links, in link order.
	Providers []ProviderDecl
}

// RootTypes names the operation root types. Empty fields fall back to the
// conventional Query/Mutation/Subscription names at decode time.
type RootTypes struct {
	Query        string
	Mutation     string
	Subscription string
}

type TypeKind string

const (
	KindObject    TypeKind = "OBJECT"
	KindInterface TypeKind = "INTERFACE"
	KindInput     TypeKind = "INPUT_OBJECT"
	KindScalar    TypeKind = "SCALAR"
	KindEnum      TypeKind = "ENUM"
)

// TypeDef is a named type in the arena. Fields reference other types by name
// only; there are no direct pointers between definitions.
type TypeDef struct {
	Name      string
	Kind      TypeKind
	Fields    map[string]*FieldDef
	Protected *Protected // type-level @protected applies to all fields
	EnumVals  []string
}

// FieldDef carries the resolvable directives (ordered) and transformation
// directives attached to one field.
type FieldDef struct {
	Name  string
	Index int // declaration order within the type
	Type  *TypeRef
	Args  map[string]*ArgDef

	Resolvers []Resolver // declaration order is significant for result merge
	Cache     *Cache
	Protected *Protected
	Omit      bool
	Modify    string // rename for public consumption; empty means no rename
}

type ArgDef struct {
	Name    string
	Type    *TypeRef
	Default any
}

// UnionDef is a set of member type names plus the optional discriminator
// field name used at decode time.
type UnionDef struct {
	Name    string
	Members map[string]struct{}
	// Discriminator is the response field selecting the concrete member
	// type. Empty means no @discriminate directive: the executor expects a
	// single wrapper key equal to the member type name instead.
	Discriminator string
}

// Cache is the @cache directive. MaxAgeMillis is milliseconds.
type Cache struct {
	MaxAgeMillis int64
}

// Protected is the @protected directive: the provider ids that must all
// validate the request's credentials, plus an optional access expression
// over verified claims and field arguments.
type Protected struct {
	IDs  []string
	Expr string
}

type LinkType string

const (
	LinkConfig   LinkType = "Config"
	LinkProtobuf LinkType = "Protobuf"
	LinkScript   LinkType = "Script"
	LinkCert     LinkType = "Cert"
	LinkKey      LinkType = "Key"
	LinkHtpasswd LinkType = "Htpasswd"
	LinkJwks     LinkType = "Jwks"
)

// Link is one @link entry. Links are additive across documents; duplicate
// non-empty ids are a merge error.
type Link struct {
	ID   string
	Src  string
	Type LinkType
}

// ProviderDecl names an auth provider derived from a Htpasswd or Jwks link.
type ProviderDecl struct {
	ID   string
	Src  string
	Type LinkType
}

// RuntimeSettings groups the server, upstream and telemetry blocks. Scalars
// merge right-biased; nested blocks merge recursively.
type RuntimeSettings struct {
	Server    Server
	Upstream  Upstream
	Telemetry Telemetry
}

type Server struct {
	Host            string
	Port            int
	Timeout         int64 // per-request timeout in milliseconds
	Headers         []string
	Pretty          bool
	EnableBatching  bool
	AllowedOrigins  []string
	QueryValidation bool
}

type Upstream struct {
	BaseURL        string
	Timeout        int64 // outbound call timeout in milliseconds
	HTTPCacheSize  int   // transport-level cache entries; 0 disables
	AllowedHeaders []string
	Batch          *BatchSettings
}

// BatchSettings controls the batch coordinator flush window.
type BatchSettings struct {
	DelayMillis int64
	MaxSize     int
}

type Telemetry struct {
	ServiceName  string
	OTLPEndpoint string
}

// OrderedFields returns the type's fields in declaration order.
func (t *TypeDef) OrderedFields() []*FieldDef {
	fields := make([]*FieldDef, 0, len(t.Fields))
	for _, f := range t.Fields {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Index < fields[j].Index })
	return fields
}

// MemberNames returns the union's members sorted by name.
func (u *UnionDef) MemberNames() []string {
	names := make([]string, 0, len(u.Members))
	for n := range u.Members {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResponseName is the public field name after @modify renames.
func (f *FieldDef) ResponseName() string {
	if f.Modify != "" {
		return f.Modify
	}
	return f.Name
}

// ResolveField returns the field selectable under the given public name,
// honoring @modify renames. A renamed field is reachable only by its public
// name; the internal name resolves to nil.
func (t *TypeDef) ResolveField(name string) *FieldDef {
	if f := t.Fields[name]; f != nil && f.ResponseName() == name {
		return f
	}
	for _, f := range t.Fields {
		if f.Modify == name {
			return f
		}
	}
	return nil
}

// TypeRef is a type expression: a NAMED leaf optionally wrapped by LIST and
// NON_NULL layers.
type TypeRef struct {
	Kind   TypeRefKind
	OfType *TypeRef
	Named  string
}

type TypeRefKind string

const (
	TypeRefNamed   TypeRefKind = "NAMED"
	TypeRefList    TypeRefKind = "LIST"
	TypeRefNonNull TypeRefKind = "NON_NULL"
)

func NamedType(name string) *TypeRef { return &TypeRef{Kind: TypeRefNamed, Named: name} }
func ListType(t *TypeRef) *TypeRef   { return &TypeRef{Kind: TypeRefList, OfType: t} }
func NonNull(t *TypeRef) *TypeRef    { return &TypeRef{Kind: TypeRefNonNull, OfType: t} }

func (t *TypeRef) IsNonNull() bool { return t != nil && t.Kind == TypeRefNonNull }

func (t *TypeRef) IsList() bool {
	if t == nil {
		return false
	}
	if t.Kind == TypeRefList {
		return true
	}
	return t.Kind == TypeRefNonNull && t.OfType != nil && t.OfType.Kind == TypeRefList
}

// Unwrap removes one NON_NULL or LIST layer.
func (t *TypeRef) Unwrap() *TypeRef {
	if t.Kind == TypeRefNonNull || t.Kind == TypeRefList {
		return t.OfType
	}
	return t
}

// NamedTypeName returns the innermost named type.
func (t *TypeRef) NamedTypeName() string {
	for cur := t; cur != nil; cur = cur.OfType {
		if cur.Named != "" {
			return cur.Named
		}
	}
	return ""
}

func (t *TypeRef) String() string {
	if t == nil {
		return ""
	}
	switch t.Kind {
	case TypeRefList:
		return "[" + t.OfType.String() + "]"
	case TypeRefNonNull:
		return t.OfType.String() + "!"
	default:
		return t.Named
	}
}

// Equal reports structural equality of two type expressions.
func (t *TypeRef) Equal(o *TypeRef) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Kind != o.Kind || t.Named != o.Named {
		return false
	}
	if t.OfType == nil && o.OfType == nil {
		return true
	}
	return t.OfType.Equal(o.OfType)
}

// QueryType returns the effective query root type name.
func (c *EffectiveConfig) QueryType() string {
	if c.Schema.Query != "" {
		return c.Schema.Query
	}
	return "Query"
}

// MutationType returns the effective mutation root type name.
func (c *EffectiveConfig) MutationType() string {
	if c.Schema.Mutation != "" {
		return c.Schema.Mutation
	}
	return "Mutation"
}

// SubscriptionType returns the effective subscription root type name.
func (c *EffectiveConfig) SubscriptionType() string {
	if c.Schema.Subscription != "" {
		return c.Schema.Subscription
	}
	return "Subscription"
}
