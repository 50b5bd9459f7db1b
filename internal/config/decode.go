package config

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Parse parses one SDL source into a Document. The textual parsing itself is
// delegated to gqlparser; this file only maps the AST into the config model.
func Parse(name, input string) (*Document, error) {
	astDoc, err := parser.ParseSchema(&ast.Source{Name: name, Input: input})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return decode(name, astDoc)
}

func decode(name string, astDoc *ast.SchemaDocument) (*Document, error) {
	doc := &Document{
		Name:   name,
		Types:  map[string]*TypeDef{},
		Unions: map[string]*UnionDef{},
	}

	schemaDefs := append(ast.SchemaDefinitionList{}, astDoc.Schema...)
	schemaDefs = append(schemaDefs, astDoc.SchemaExtension...)
	for _, sd := range schemaDefs {
		for _, op := range sd.OperationTypes {
			switch op.Operation {
			case ast.Query:
				doc.Schema.Query = op.Type
			case ast.Mutation:
				doc.Schema.Mutation = op.Type
			case ast.Subscription:
				doc.Schema.Subscription = op.Type
			}
		}
		if err := decodeSchemaDirectives(doc, sd.Directives); err != nil {
			return nil, err
		}
	}

	defs := append(ast.DefinitionList{}, astDoc.Definitions...)
	defs = append(defs, astDoc.Extensions...)
	for _, def := range defs {
		switch def.Kind {
		case ast.Object, ast.Interface, ast.InputObject:
			td, err := decodeTypeDef(doc.Name, def)
			if err != nil {
				return nil, err
			}
			doc.Types[td.Name] = td
		case ast.Union:
			ud, err := decodeUnionDef(doc.Name, def)
			if err != nil {
				return nil, err
			}
			doc.Unions[ud.Name] = ud
		case ast.Scalar:
			doc.Types[def.Name] = &TypeDef{Name: def.Name, Kind: KindScalar}
		case ast.Enum:
			td := &TypeDef{Name: def.Name, Kind: KindEnum}
			for _, v := range def.EnumValues {
				td.EnumVals = append(td.EnumVals, v.Name)
			}
			doc.Types[def.Name] = td
		}
	}
	return doc, nil
}

func decodeSchemaDirectives(doc *Document, dirs ast.DirectiveList) error {
	for _, d := range dirs {
		switch d.Name {
		case "server":
			if doc.HasServer {
				return fmt.Errorf("%s: duplicate @server block", doc.Name)
			}
			doc.HasServer = true
			decodeServer(&doc.Runtime.Server, d)
		case "upstream":
			decodeUpstream(&doc.Runtime.Upstream, d)
		case "telemetry":
			doc.Runtime.Telemetry.ServiceName = argString(d, "serviceName")
			doc.Runtime.Telemetry.OTLPEndpoint = argString(d, "otlpEndpoint")
		case "link":
			doc.Links = append(doc.Links, Link{
				ID:   argString(d, "id"),
				Src:  argString(d, "src"),
				Type: LinkType(argString(d, "type")),
			})
		default:
			return fmt.Errorf("%s: unknown schema directive @%s", doc.Name, d.Name)
		}
	}
	return nil
}

func decodeServer(s *Server, d *ast.Directive) {
	s.Host = argString(d, "host")
	s.Port = int(argInt(d, "port"))
	s.Timeout = argInt(d, "timeout")
	s.Headers = argStrings(d, "headers")
	s.Pretty = argBool(d, "pretty")
	s.EnableBatching = argBool(d, "batchRequests")
	s.AllowedOrigins = argStrings(d, "allowedOrigins")
	s.QueryValidation = argBool(d, "queryValidation")
}

func decodeUpstream(u *Upstream, d *ast.Directive) {
	u.BaseURL = argString(d, "baseURL")
	u.Timeout = argInt(d, "timeout")
	u.HTTPCacheSize = int(argInt(d, "httpCache"))
	u.AllowedHeaders = argStrings(d, "allowedHeaders")
	if v := d.Arguments.ForName("batch"); v != nil {
		bs := &BatchSettings{}
		for _, c := range v.Value.Children {
			switch c.Name {
			case "delay":
				bs.DelayMillis = constInt(c.Value)
			case "maxSize":
				bs.MaxSize = int(constInt(c.Value))
			}
		}
		u.Batch = bs
	}
}

func decodeTypeDef(docName string, def *ast.Definition) (*TypeDef, error) {
	td := &TypeDef{Name: def.Name, Fields: map[string]*FieldDef{}}
	switch def.Kind {
	case ast.Object:
		td.Kind = KindObject
	case ast.Interface:
		td.Kind = KindInterface
	case ast.InputObject:
		td.Kind = KindInput
	}
	for _, d := range def.Directives {
		switch d.Name {
		case "protected":
			td.Protected = decodeProtected(d)
		default:
			return nil, fmt.Errorf("%s: type %s: unsupported type directive @%s", docName, def.Name, d.Name)
		}
	}
	for i, fd := range def.Fields {
		f, err := decodeFieldDef(docName, def.Name, fd)
		if err != nil {
			return nil, err
		}
		f.Index = i
		td.Fields[f.Name] = f
	}
	return td, nil
}

func decodeUnionDef(docName string, def *ast.Definition) (*UnionDef, error) {
	ud := &UnionDef{Name: def.Name, Members: map[string]struct{}{}}
	for _, m := range def.Types {
		ud.Members[m] = struct{}{}
	}
	for _, d := range def.Directives {
		if d.Name != "discriminate" {
			return nil, fmt.Errorf("%s: union %s: unsupported directive @%s", docName, def.Name, d.Name)
		}
		ud.Discriminator = argString(d, "name")
		if ud.Discriminator == "" {
			ud.Discriminator = "type"
		}
	}
	return ud, nil
}

func decodeFieldDef(docName, typeName string, fd *ast.FieldDefinition) (*FieldDef, error) {
	f := &FieldDef{
		Name: fd.Name,
		Type: typeRefFromAST(fd.Type),
		Args: map[string]*ArgDef{},
	}
	for _, ad := range fd.Arguments {
		var def any
		if ad.DefaultValue != nil {
			def, _ = ad.DefaultValue.Value(nil)
		}
		f.Args[ad.Name] = &ArgDef{Name: ad.Name, Type: typeRefFromAST(ad.Type), Default: def}
	}
	for _, d := range fd.Directives {
		r, err := decodeResolver(d)
		if err != nil {
			return nil, fmt.Errorf("%s: %s.%s: %w", docName, typeName, fd.Name, err)
		}
		if r != nil {
			f.Resolvers = append(f.Resolvers, *r)
			continue
		}
		switch d.Name {
		case "cache":
			ma := argInt(d, "maxAge")
			if ma <= 0 {
				return nil, fmt.Errorf("%s: %s.%s: @cache maxAge must be a positive duration in milliseconds", docName, typeName, fd.Name)
			}
			f.Cache = &Cache{MaxAgeMillis: ma}
		case "protected":
			f.Protected = decodeProtected(d)
		case "omit":
			f.Omit = true
		case "modify":
			f.Modify = argString(d, "name")
		default:
			return nil, fmt.Errorf("%s: %s.%s: unknown directive @%s", docName, typeName, fd.Name, d.Name)
		}
	}
	return f, nil
}

func decodeResolver(d *ast.Directive) (*Resolver, error) {
	switch d.Name {
	case "http":
		h := &HTTPResolver{
			URL:      argString(d, "url"),
			Method:   argString(d, "method"),
			Body:     argString(d, "body"),
			Query:    argKVs(d, "query"),
			Headers:  argKVs(d, "headers"),
			BatchKey: argStrings(d, "batchKey"),
			Dedupe:   argBool(d, "dedupe"),
		}
		if h.URL == "" {
			return nil, fmt.Errorf("@http requires url")
		}
		if h.Method == "" {
			h.Method = "GET"
		}
		return &Resolver{Kind: ResolverHTTP, HTTP: h}, nil
	case "grpc":
		g := &GRPCResolver{
			Method:   argString(d, "method"),
			Body:     argString(d, "body"),
			Headers:  argKVs(d, "headers"),
			BatchKey: argStrings(d, "batchKey"),
			Dedupe:   argBool(d, "dedupe"),
		}
		if g.Method == "" {
			return nil, fmt.Errorf("@grpc requires method")
		}
		return &Resolver{Kind: ResolverGRPC, GRPC: g}, nil
	case "graphQL":
		g := &GraphQLResolver{
			Name:    argString(d, "name"),
			Args:    argKVs(d, "args"),
			BaseURL: argString(d, "baseURL"),
			Headers: argKVs(d, "headers"),
			Batch:   argBool(d, "batch"),
			Dedupe:  argBool(d, "dedupe"),
		}
		if g.Name == "" {
			return nil, fmt.Errorf("@graphQL requires name")
		}
		return &Resolver{Kind: ResolverGraphQL, GraphQL: g}, nil
	case "expr":
		v := d.Arguments.ForName("body")
		if v == nil {
			return nil, fmt.Errorf("@expr requires body")
		}
		body, err := v.Value.Value(nil)
		if err != nil {
			return nil, fmt.Errorf("@expr body: %w", err)
		}
		return &Resolver{Kind: ResolverExpr, Expr: &ExprResolver{Body: body}}, nil
	case "js":
		name := argString(d, "name")
		if name == "" {
			return nil, fmt.Errorf("@js requires name")
		}
		return &Resolver{Kind: ResolverJS, JS: &JSResolver{Name: name}}, nil
	case "call":
		v := d.Arguments.ForName("steps")
		if v == nil {
			return nil, fmt.Errorf("@call requires steps")
		}
		c := &CallResolver{}
		for _, item := range v.Value.Children {
			step := CallStep{Args: map[string]string{}}
			for _, f := range item.Value.Children {
				switch f.Name {
				case "query":
					step.Query = constString(f.Value)
				case "mutation":
					step.Mutation = constString(f.Value)
				case "args":
					for _, a := range f.Value.Children {
						step.Args[a.Name] = constString(a.Value)
					}
				}
			}
			if step.Query == "" && step.Mutation == "" {
				return nil, fmt.Errorf("@call step requires query or mutation")
			}
			c.Steps = append(c.Steps, step)
		}
		return &Resolver{Kind: ResolverCall, Call: c}, nil
	}
	return nil, nil
}

func decodeProtected(d *ast.Directive) *Protected {
	return &Protected{IDs: argStrings(d, "id"), Expr: argString(d, "expr")}
}

func typeRefFromAST(t *ast.Type) *TypeRef {
	if t == nil {
		return nil
	}
	if t.NonNull {
		return NonNull(typeRefFromAST(&ast.Type{NamedType: t.NamedType, Elem: t.Elem}))
	}
	if t.NamedType != "" {
		return NamedType(t.NamedType)
	}
	return ListType(typeRefFromAST(t.Elem))
}

// ---- directive argument helpers ----

func argString(d *ast.Directive, name string) string {
	if a := d.Arguments.ForName(name); a != nil {
		return constString(a.Value)
	}
	return ""
}

func argInt(d *ast.Directive, name string) int64 {
	if a := d.Arguments.ForName(name); a != nil {
		return constInt(a.Value)
	}
	return 0
}

func argBool(d *ast.Directive, name string) bool {
	if a := d.Arguments.ForName(name); a != nil {
		v, _ := a.Value.Value(nil)
		b, _ := v.(bool)
		return b
	}
	return false
}

// argStrings accepts either a single string or a list of strings.
func argStrings(d *ast.Directive, name string) []string {
	a := d.Arguments.ForName(name)
	if a == nil {
		return nil
	}
	if a.Value.Kind == ast.ListValue {
		var out []string
		for _, c := range a.Value.Children {
			out = append(out, constString(c.Value))
		}
		return out
	}
	return []string{constString(a.Value)}
}

// argKVs decodes an object-valued argument preserving key declaration order.
func argKVs(d *ast.Directive, name string) []KV {
	a := d.Arguments.ForName(name)
	if a == nil {
		return nil
	}
	var out []KV
	for _, c := range a.Value.Children {
		out = append(out, KV{Key: c.Name, Value: constString(c.Value)})
	}
	return out
}

func constString(v *ast.Value) string {
	raw, _ := v.Value(nil)
	if s, ok := raw.(string); ok {
		return s
	}
	return v.Raw
}

func constInt(v *ast.Value) int64 {
	raw, _ := v.Value(nil)
	switch n := raw.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
