package config

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Render produces SDL from the merged configuration, directives included.
// Deterministic ordering: type and union names sorted lexicographically,
// fields in declaration order.
func Render(c *EffectiveConfig) string {
	if c == nil {
		return ""
	}
	var b strings.Builder

	renderSchema(&b, c)

	typeNames := make([]string, 0, len(c.Types))
	for name := range c.Types {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)
	for _, name := range typeNames {
		renderType(&b, c.Types[name])
	}

	unionNames := make([]string, 0, len(c.Unions))
	for name := range c.Unions {
		unionNames = append(unionNames, name)
	}
	sort.Strings(unionNames)
	for _, name := range unionNames {
		renderUnion(&b, c.Unions[name])
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func renderSchema(b *strings.Builder, c *EffectiveConfig) {
	b.WriteString("schema")
	renderServer(b, c.Runtime.Server)
	renderUpstream(b, c.Runtime.Upstream)
	renderTelemetry(b, c.Runtime.Telemetry)
	for _, l := range c.Links {
		args := []string{"src: " + strconv.Quote(l.Src), "type: " + string(l.Type)}
		if l.ID != "" {
			args = append(args, "id: "+strconv.Quote(l.ID))
		}
		b.WriteString(" @link(" + strings.Join(args, ", ") + ")")
	}
	b.WriteString(" {\n")
	b.WriteString("  query: " + c.QueryType() + "\n")
	if c.Schema.Mutation != "" {
		b.WriteString("  mutation: " + c.Schema.Mutation + "\n")
	}
	if c.Schema.Subscription != "" {
		b.WriteString("  subscription: " + c.Schema.Subscription + "\n")
	}
	b.WriteString("}\n\n")
}

func renderServer(b *strings.Builder, s Server) {
	var args []string
	if s.Host != "" {
		args = append(args, "host: "+strconv.Quote(s.Host))
	}
	if s.Port != 0 {
		args = append(args, "port: "+strconv.Itoa(s.Port))
	}
	if s.Timeout != 0 {
		args = append(args, "timeout: "+strconv.FormatInt(s.Timeout, 10))
	}
	if len(s.Headers) > 0 {
		args = append(args, "headers: "+stringList(s.Headers))
	}
	if s.Pretty {
		args = append(args, "pretty: true")
	}
	if s.EnableBatching {
		args = append(args, "batchRequests: true")
	}
	if len(s.AllowedOrigins) > 0 {
		args = append(args, "allowedOrigins: "+stringList(s.AllowedOrigins))
	}
	if s.QueryValidation {
		args = append(args, "queryValidation: true")
	}
	if len(args) > 0 {
		b.WriteString(" @server(" + strings.Join(args, ", ") + ")")
	}
}

func renderUpstream(b *strings.Builder, u Upstream) {
	var args []string
	if u.BaseURL != "" {
		args = append(args, "baseURL: "+strconv.Quote(u.BaseURL))
	}
	if u.Timeout != 0 {
		args = append(args, "timeout: "+strconv.FormatInt(u.Timeout, 10))
	}
	if u.HTTPCacheSize != 0 {
		args = append(args, "httpCache: "+strconv.Itoa(u.HTTPCacheSize))
	}
	if len(u.AllowedHeaders) > 0 {
		args = append(args, "allowedHeaders: "+stringList(u.AllowedHeaders))
	}
	if u.Batch != nil {
		args = append(args, "batch: {delay: "+strconv.FormatInt(u.Batch.DelayMillis, 10)+
			", maxSize: "+strconv.Itoa(u.Batch.MaxSize)+"}")
	}
	if len(args) > 0 {
		b.WriteString(" @upstream(" + strings.Join(args, ", ") + ")")
	}
}

func renderTelemetry(b *strings.Builder, t Telemetry) {
	var args []string
	if t.ServiceName != "" {
		args = append(args, "serviceName: "+strconv.Quote(t.ServiceName))
	}
	if t.OTLPEndpoint != "" {
		args = append(args, "otlpEndpoint: "+strconv.Quote(t.OTLPEndpoint))
	}
	if len(args) > 0 {
		b.WriteString(" @telemetry(" + strings.Join(args, ", ") + ")")
	}
}

func renderType(b *strings.Builder, t *TypeDef) {
	switch t.Kind {
	case KindScalar:
		b.WriteString("scalar " + t.Name + "\n\n")
		return
	case KindEnum:
		b.WriteString("enum " + t.Name + " {\n")
		for _, v := range t.EnumVals {
			b.WriteString("  " + v + "\n")
		}
		b.WriteString("}\n\n")
		return
	case KindInput:
		b.WriteString("input " + t.Name)
	case KindInterface:
		b.WriteString("interface " + t.Name)
	default:
		b.WriteString("type " + t.Name)
	}
	if t.Protected != nil {
		b.WriteString(renderProtected(t.Protected))
	}
	b.WriteString(" {\n")
	for _, f := range t.OrderedFields() {
		renderField(b, f)
	}
	b.WriteString("}\n\n")
}

func renderField(b *strings.Builder, f *FieldDef) {
	b.WriteString("  " + f.Name)
	if len(f.Args) > 0 {
		names := make([]string, 0, len(f.Args))
		for n := range f.Args {
			names = append(names, n)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, n := range names {
			a := f.Args[n]
			p := a.Name + ": " + a.Type.String()
			if a.Default != nil {
				p += " = " + jsonValue(a.Default)
			}
			parts = append(parts, p)
		}
		b.WriteString("(" + strings.Join(parts, ", ") + ")")
	}
	b.WriteString(": " + f.Type.String())

	for _, r := range f.Resolvers {
		b.WriteString(renderResolver(r))
	}
	if f.Cache != nil {
		b.WriteString(" @cache(maxAge: " + strconv.FormatInt(f.Cache.MaxAgeMillis, 10) + ")")
	}
	if f.Protected != nil {
		b.WriteString(renderProtected(f.Protected))
	}
	if f.Omit {
		b.WriteString(" @omit")
	}
	if f.Modify != "" {
		b.WriteString(" @modify(name: " + strconv.Quote(f.Modify) + ")")
	}
	b.WriteString("\n")
}

func renderResolver(r Resolver) string {
	switch r.Kind {
	case ResolverHTTP:
		h := r.HTTP
		args := []string{"url: " + strconv.Quote(h.URL)}
		if h.Method != "" && h.Method != "GET" {
			args = append(args, "method: "+strconv.Quote(h.Method))
		}
		if len(h.Query) > 0 {
			args = append(args, "query: "+kvList(h.Query))
		}
		if h.Body != "" {
			args = append(args, "body: "+strconv.Quote(h.Body))
		}
		if len(h.Headers) > 0 {
			args = append(args, "headers: "+kvList(h.Headers))
		}
		if len(h.BatchKey) > 0 {
			args = append(args, "batchKey: "+stringList(h.BatchKey))
		}
		if h.Dedupe {
			args = append(args, "dedupe: true")
		}
		return " @http(" + strings.Join(args, ", ") + ")"
	case ResolverGRPC:
		g := r.GRPC
		args := []string{"method: " + strconv.Quote(g.Method)}
		if g.Body != "" {
			args = append(args, "body: "+strconv.Quote(g.Body))
		}
		if len(g.Headers) > 0 {
			args = append(args, "headers: "+kvList(g.Headers))
		}
		if len(g.BatchKey) > 0 {
			args = append(args, "batchKey: "+stringList(g.BatchKey))
		}
		if g.Dedupe {
			args = append(args, "dedupe: true")
		}
		return " @grpc(" + strings.Join(args, ", ") + ")"
	case ResolverGraphQL:
		g := r.GraphQL
		args := []string{"name: " + strconv.Quote(g.Name)}
		if g.BaseURL != "" {
			args = append(args, "baseURL: "+strconv.Quote(g.BaseURL))
		}
		if len(g.Args) > 0 {
			args = append(args, "args: "+kvList(g.Args))
		}
		if len(g.Headers) > 0 {
			args = append(args, "headers: "+kvList(g.Headers))
		}
		if g.Batch {
			args = append(args, "batch: true")
		}
		if g.Dedupe {
			args = append(args, "dedupe: true")
		}
		return " @graphQL(" + strings.Join(args, ", ") + ")"
	case ResolverExpr:
		return " @expr(body: " + jsonValue(r.Expr.Body) + ")"
	case ResolverJS:
		return " @js(name: " + strconv.Quote(r.JS.Name) + ")"
	case ResolverCall:
		steps := make([]string, 0, len(r.Call.Steps))
		for _, st := range r.Call.Steps {
			var parts []string
			if st.Query != "" {
				parts = append(parts, "query: "+strconv.Quote(st.Query))
			}
			if st.Mutation != "" {
				parts = append(parts, "mutation: "+strconv.Quote(st.Mutation))
			}
			if len(st.Args) > 0 {
				keys := make([]string, 0, len(st.Args))
				for k := range st.Args {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				pairs := make([]string, 0, len(keys))
				for _, k := range keys {
					pairs = append(pairs, k+": "+strconv.Quote(st.Args[k]))
				}
				parts = append(parts, "args: {"+strings.Join(pairs, ", ")+"}")
			}
			steps = append(steps, "{"+strings.Join(parts, ", ")+"}")
		}
		return " @call(steps: [" + strings.Join(steps, ", ") + "])"
	}
	return ""
}

func renderProtected(p *Protected) string {
	var args []string
	if len(p.IDs) > 0 {
		args = append(args, "id: "+stringList(p.IDs))
	}
	if p.Expr != "" {
		args = append(args, "expr: "+strconv.Quote(p.Expr))
	}
	if len(args) == 0 {
		return " @protected"
	}
	return " @protected(" + strings.Join(args, ", ") + ")"
}

func renderUnion(b *strings.Builder, u *UnionDef) {
	b.WriteString("union " + u.Name)
	if u.Discriminator != "" {
		b.WriteString(" @discriminate(name: " + strconv.Quote(u.Discriminator) + ")")
	}
	b.WriteString(" = " + strings.Join(u.MemberNames(), " | ") + "\n\n")
}

func kvList(kvs []KV) string {
	parts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		parts = append(parts, "{key: "+strconv.Quote(kv.Key)+", value: "+strconv.Quote(kv.Value)+"}")
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func stringList(vals []string) string {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		parts = append(parts, strconv.Quote(v))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// jsonValue renders a decoded constant back as a GraphQL input literal.
// JSON and GraphQL literals agree except that object keys are unquoted.
func jsonValue(v any) string {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+jsonValue(x[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, jsonValue(e))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		raw, _ := json.Marshal(x)
		return string(raw)
	}
}
