package config

import "fmt"

// Violation is one fatal merge problem, reported with the offending document.
type Violation struct {
	Message  string
	Document string
}

// MergeError collects every violation found while composing documents. The
// engine refuses to start on any violation.
type MergeError []*Violation

func (e MergeError) Error() string {
	msg := "configuration merge failed:\n"
	for _, v := range e {
		msg += fmt.Sprintf("- %s (%s)\n", v.Message, v.Document)
	}
	return msg
}

// Merge composes an ordered sequence of documents into one EffectiveConfig.
//
// Two orthogonal rules apply. Runtime settings merge right-biased and deep:
// later scalar values win, nested blocks recurse, arrays are replaced
// wholesale except the link list which concatenates. Type definitions merge
// by variance: output object types take the covariant union of fields, input
// object types the contravariant intersection, unions the member set union.
func Merge(docs []*Document) (*EffectiveConfig, error) {
	cfg := &EffectiveConfig{
		Types:  map[string]*TypeDef{},
		Unions: map[string]*UnionDef{},
	}
	var errs MergeError

	serverDocs := []string{}
	for _, doc := range docs {
		if doc.HasServer {
			serverDocs = append(serverDocs, doc.Name)
		}
	}
	if len(serverDocs) > 1 {
		errs = append(errs, &Violation{
			Message:  fmt.Sprintf("multiple @server blocks: %v; exactly one runtime server configuration is allowed", serverDocs),
			Document: serverDocs[len(serverDocs)-1],
		})
	}

	for _, doc := range docs {
		mergeRootTypes(&cfg.Schema, doc.Schema)
		mergeRuntime(&cfg.Runtime, &doc.Runtime)
		cfg.Links = append(cfg.Links, doc.Links...)

		for name, td := range doc.Types {
			prev, ok := cfg.Types[name]
			if !ok {
				cfg.Types[name] = cloneTypeDef(td)
				continue
			}
			if prev.Kind != td.Kind {
				errs = append(errs, &Violation{
					Message:  fmt.Sprintf("type %s redefined as %s (was %s)", name, td.Kind, prev.Kind),
					Document: doc.Name,
				})
				continue
			}
			switch td.Kind {
			case KindInput:
				cfg.Types[name] = intersectInput(prev, td)
			case KindEnum:
				cfg.Types[name] = unionEnum(prev, td)
			case KindScalar:
				// identical redefinition is a no-op
			default:
				merged, vs := unionOutput(prev, td, doc.Name)
				cfg.Types[name] = merged
				errs = append(errs, vs...)
			}
		}

		for name, ud := range doc.Unions {
			prev, ok := cfg.Unions[name]
			if !ok {
				cfg.Unions[name] = cloneUnionDef(ud)
				continue
			}
			for m := range ud.Members {
				prev.Members[m] = struct{}{}
			}
			if ud.Discriminator != "" {
				prev.Discriminator = ud.Discriminator
			}
		}
	}

	seen := map[string]string{}
	for _, l := range cfg.Links {
		if l.ID == "" {
			continue
		}
		if prev, dup := seen[l.ID]; dup {
			errs = append(errs, &Violation{
				Message:  fmt.Sprintf("duplicate link id %q (src %s and %s)", l.ID, prev, l.Src),
				Document: l.Src,
			})
			continue
		}
		seen[l.ID] = l.Src
		if l.Type == LinkHtpasswd || l.Type == LinkJwks {
			cfg.Providers = append(cfg.Providers, ProviderDecl{ID: l.ID, Src: l.Src, Type: l.Type})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// unionOutput merges two output (object or interface) definitions covariantly:
// the result contains every field from both sides. An identically redefined
// field is a no-op. A field whose resolver directives conflict is a merge
// error unless the right side explicitly overrides, i.e. restates at least
// every resolver kind the left side declared; the right-most declaration then
// wins wholesale.
func unionOutput(left, right *TypeDef, docName string) (*TypeDef, []*Violation) {
	out := cloneTypeDef(left)
	var errs []*Violation
	if right.Protected != nil {
		out.Protected = right.Protected
	}
	next := len(out.Fields)
	for _, rf := range right.OrderedFields() {
		lf, ok := out.Fields[rf.Name]
		if !ok {
			cp := cloneFieldDef(rf)
			cp.Index = next
			next++
			out.Fields[rf.Name] = cp
			continue
		}
		if !lf.Type.Equal(rf.Type) {
			errs = append(errs, &Violation{
				Message:  fmt.Sprintf("field %s.%s redefined with type %s (was %s)", right.Name, rf.Name, rf.Type, lf.Type),
				Document: docName,
			})
			continue
		}
		merged, err := overrideField(lf, rf)
		if err != nil {
			errs = append(errs, &Violation{
				Message:  fmt.Sprintf("field %s.%s: %v", right.Name, rf.Name, err),
				Document: docName,
			})
			continue
		}
		out.Fields[rf.Name] = merged
	}
	return out, errs
}

func overrideField(left, right *FieldDef) (*FieldDef, error) {
	out := cloneFieldDef(left)

	if len(right.Resolvers) > 0 {
		if !coversResolverKinds(right.Resolvers, left.Resolvers) {
			return nil, fmt.Errorf("conflicting resolver directives; the later document must restate every resolver kind to override")
		}
		out.Resolvers = append([]Resolver(nil), right.Resolvers...)
	}
	if right.Cache != nil {
		out.Cache = right.Cache
	}
	if right.Protected != nil {
		out.Protected = right.Protected
	}
	if right.Modify != "" {
		out.Modify = right.Modify
	}
	if right.Omit {
		out.Omit = true
	}
	for name, arg := range right.Args {
		out.Args[name] = arg
	}
	return out, nil
}

func coversResolverKinds(override, base []Resolver) bool {
	kinds := map[ResolverKind]struct{}{}
	for _, r := range override {
		kinds[r.Kind] = struct{}{}
	}
	for _, r := range base {
		if _, ok := kinds[r.Kind]; !ok {
			return false
		}
	}
	return true
}

// intersectInput merges two input definitions contravariantly: only fields
// present on both sides survive, so any caller valid against every document
// stays valid against the merge.
func intersectInput(left, right *TypeDef) *TypeDef {
	out := &TypeDef{Name: left.Name, Kind: KindInput, Fields: map[string]*FieldDef{}}
	for name, lf := range left.Fields {
		if _, ok := right.Fields[name]; ok {
			out.Fields[name] = cloneFieldDef(lf)
		}
	}
	return out
}

func unionEnum(left, right *TypeDef) *TypeDef {
	out := &TypeDef{Name: left.Name, Kind: KindEnum}
	seen := map[string]struct{}{}
	for _, v := range append(append([]string{}, left.EnumVals...), right.EnumVals...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out.EnumVals = append(out.EnumVals, v)
	}
	return out
}

func mergeRootTypes(dst *RootTypes, src RootTypes) {
	if src.Query != "" {
		dst.Query = src.Query
	}
	if src.Mutation != "" {
		dst.Mutation = src.Mutation
	}
	if src.Subscription != "" {
		dst.Subscription = src.Subscription
	}
}

// mergeRuntime applies the right-biased deep merge for runtime settings.
// Scalars: a set (non-zero) right value wins. Arrays: replaced wholesale.
// Booleans merge as OR since presence is not observable on a plain bool.
func mergeRuntime(dst *RuntimeSettings, src *RuntimeSettings) {
	mergeServer(&dst.Server, &src.Server)
	mergeUpstream(&dst.Upstream, &src.Upstream)
	if src.Telemetry.ServiceName != "" {
		dst.Telemetry.ServiceName = src.Telemetry.ServiceName
	}
	if src.Telemetry.OTLPEndpoint != "" {
		dst.Telemetry.OTLPEndpoint = src.Telemetry.OTLPEndpoint
	}
}

func mergeServer(dst, src *Server) {
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if len(src.Headers) > 0 {
		dst.Headers = append([]string(nil), src.Headers...)
	}
	if len(src.AllowedOrigins) > 0 {
		dst.AllowedOrigins = append([]string(nil), src.AllowedOrigins...)
	}
	dst.Pretty = dst.Pretty || src.Pretty
	dst.EnableBatching = dst.EnableBatching || src.EnableBatching
	dst.QueryValidation = dst.QueryValidation || src.QueryValidation
}

func mergeUpstream(dst, src *Upstream) {
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if src.HTTPCacheSize != 0 {
		dst.HTTPCacheSize = src.HTTPCacheSize
	}
	if len(src.AllowedHeaders) > 0 {
		dst.AllowedHeaders = append([]string(nil), src.AllowedHeaders...)
	}
	if src.Batch != nil {
		if dst.Batch == nil {
			dst.Batch = &BatchSettings{}
		}
		if src.Batch.DelayMillis != 0 {
			dst.Batch.DelayMillis = src.Batch.DelayMillis
		}
		if src.Batch.MaxSize != 0 {
			dst.Batch.MaxSize = src.Batch.MaxSize
		}
	}
}

func cloneTypeDef(td *TypeDef) *TypeDef {
	out := &TypeDef{
		Name:      td.Name,
		Kind:      td.Kind,
		Protected: td.Protected,
		EnumVals:  append([]string(nil), td.EnumVals...),
		Fields:    make(map[string]*FieldDef, len(td.Fields)),
	}
	for name, f := range td.Fields {
		out.Fields[name] = cloneFieldDef(f)
	}
	return out
}

func cloneFieldDef(f *FieldDef) *FieldDef {
	cp := *f
	cp.Resolvers = append([]Resolver(nil), f.Resolvers...)
	cp.Args = make(map[string]*ArgDef, len(f.Args))
	for name, a := range f.Args {
		cp.Args[name] = a
	}
	return &cp
}

func cloneUnionDef(ud *UnionDef) *UnionDef {
	out := &UnionDef{Name: ud.Name, Discriminator: ud.Discriminator, Members: map[string]struct{}{}}
	for m := range ud.Members {
		out.Members[m] = struct{}{}
	}
	return out
}
