package executor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/takumi3488/gqlforge/internal/batch"
	"github.com/takumi3488/gqlforge/internal/config"
	"github.com/takumi3488/gqlforge/internal/plan"
	"github.com/takumi3488/gqlforge/internal/template"
	"github.com/takumi3488/gqlforge/internal/transport"
)

// maxCallDepth bounds @call step recursion through mutually calling fields.
const maxCallDepth = 10

func (s *state) dispatch(n *plan.Node, r config.Resolver, scope map[string]any, path Path, expected, depth int) (any, error) {
	switch r.Kind {
	case config.ResolverHTTP:
		if n.Batch != nil && len(r.HTTP.BatchKey) > 0 {
			return s.dispatchBatch(n, scope, expected)
		}
		return s.dispatchHTTP(r.HTTP, scope)
	case config.ResolverGRPC:
		return s.dispatchGRPC(r.GRPC, scope)
	case config.ResolverGraphQL:
		return s.dispatchGraphQL(n, r.GraphQL, scope)
	case config.ResolverExpr:
		return renderAny(r.Expr.Body, scope), nil
	case config.ResolverJS:
		return s.ex.opts.Script.Invoke(s.ctx, r.JS.Name, scope)
	case config.ResolverCall:
		return s.dispatchCall(n, r.Call, scope, path, expected, depth)
	}
	return nil, fmt.Errorf("unsupported resolver kind %q", r.Kind)
}

func (s *state) dispatchHTTP(h *config.HTTPResolver, scope map[string]any) (any, error) {
	endpoint, err := s.buildURL(h.URL, h.Query, scope)
	if err != nil {
		return nil, err
	}
	headers := s.outboundHeaders(h.Headers, scope)
	var body []byte
	if h.Body != "" {
		body = []byte(template.Render(h.Body, scope))
		headers.Set("Content-Type", "application/json")
	}
	res, err := s.roundTrip(s.ex.opts.HTTP, &transport.Request{
		Endpoint: endpoint,
		Method:   h.Method,
		Headers:  headers,
		Body:     body,
	}, h.Dedupe)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("upstream returned status %d", res.Status)
	}
	return decodeJSON(res.Body)
}

func (s *state) dispatchBatch(n *plan.Node, scope map[string]any, expected int) (any, error) {
	b := n.Batch
	endpoint, err := s.buildURL(b.URL, b.Query, scope)
	if err != nil {
		return nil, err
	}
	var body []byte
	if b.BodyTemplate != "" {
		body = []byte(template.Render(b.BodyTemplate, scope))
	}
	raw, err := s.coord.Enqueue(s.ctx, batch.Request{
		GroupID:    b.GroupID,
		URL:        endpoint,
		Method:     b.Method,
		Headers:    s.outboundHeaders(b.Headers, scope),
		QueryParam: b.QueryParam,
		Body:       body,
		Key:        template.Render(b.KeyTemplate, scope),
		KeyPath:    b.KeyPath,
		Expected:   expected,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

func (s *state) dispatchGRPC(g *config.GRPCResolver, scope map[string]any) (any, error) {
	if s.ex.opts.GRPC == nil {
		return nil, fmt.Errorf("grpc resolver %s: no grpc transport configured", g.Method)
	}
	var body []byte
	if g.Body != "" {
		body = []byte(template.Render(g.Body, scope))
	}
	res, err := s.roundTrip(s.ex.opts.GRPC, &transport.Request{
		Endpoint: s.ex.opts.GRPCTarget,
		Method:   g.Method,
		Headers:  s.outboundHeaders(g.Headers, scope),
		Body:     body,
	}, g.Dedupe)
	if err != nil {
		return nil, err
	}
	return decodeJSON(res.Body)
}

func (s *state) dispatchGraphQL(n *plan.Node, g *config.GraphQLResolver, scope map[string]any) (any, error) {
	endpoint := g.BaseURL
	if endpoint == "" {
		endpoint = s.ex.opts.BaseURL
	}
	if endpoint == "" {
		return nil, fmt.Errorf("graphQL resolver %s: no upstream endpoint configured", g.Name)
	}

	var args []string
	for _, kv := range g.Args {
		raw, err := json.Marshal(template.RenderValue(kv.Value, scope))
		if err != nil {
			return nil, fmt.Errorf("graphQL resolver %s: argument %q: %w", g.Name, kv.Key, err)
		}
		args = append(args, kv.Key+": "+string(raw))
	}
	field := g.Name
	if len(args) > 0 {
		field += "(" + strings.Join(args, ", ") + ")"
	}
	query := "query { " + field + selectionString(n) + " }"
	payload, _ := json.Marshal(map[string]any{"query": query})

	headers := s.outboundHeaders(g.Headers, scope)
	headers.Set("Content-Type", "application/json")
	res, err := s.roundTrip(s.ex.opts.HTTP, &transport.Request{
		Endpoint: endpoint,
		Method:   http.MethodPost,
		Headers:  headers,
		Body:     payload,
	}, g.Dedupe)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("upstream returned status %d", res.Status)
	}

	if msg, err := jsonparser.GetString(res.Body, "errors", "[0]", "message"); err == nil {
		return nil, fmt.Errorf("graphQL resolver %s: upstream error: %s", g.Name, msg)
	}
	raw, dataType, _, err := jsonparser.Get(res.Body, "data", g.Name)
	if err != nil || dataType == jsonparser.NotExist || dataType == jsonparser.Null {
		return nil, nil
	}
	if dataType == jsonparser.String {
		// Get strips the quotes from string values.
		return string(raw), nil
	}
	return decodeJSON(raw)
}

// dispatchCall pipes the parent value through root-field resolvers, each step
// receiving the previous step's result as its value scope.
func (s *state) dispatchCall(n *plan.Node, c *config.CallResolver, scope map[string]any, path Path, expected, depth int) (any, error) {
	if depth >= maxCallDepth {
		return nil, fmt.Errorf("call depth %d exceeded", maxCallDepth)
	}
	cfg := s.ex.opts.Config
	value := scope["value"]

	for _, step := range c.Steps {
		rootType, fieldName := cfg.QueryType(), step.Query
		if step.Mutation != "" {
			rootType, fieldName = cfg.MutationType(), step.Mutation
		}
		td := cfg.Types[rootType]
		var fd *config.FieldDef
		if td != nil {
			fd = td.Fields[fieldName]
		}
		if fd == nil {
			return nil, fmt.Errorf("call step: field %q is not defined on type %q", fieldName, rootType)
		}

		args := make(map[string]any, len(step.Args))
		for k, v := range step.Args {
			args[k] = template.RenderValue(v, scope)
		}
		stepScope := map[string]any{
			"value":   value,
			"args":    args,
			"env":     s.ex.env,
			"vars":    s.vars,
			"headers": s.headerScope,
		}

		var result any
		for _, r := range fd.Resolvers {
			v, err := s.dispatch(n, r, stepScope, path, expected, depth+1)
			if err != nil {
				return nil, fmt.Errorf("call step %q: %w", fieldName, err)
			}
			result = deepMerge(result, v)
		}
		value = result
		scope = stepScope
	}
	return value, nil
}

func (s *state) roundTrip(t transport.Transport, req *transport.Request, dedupe bool) (*transport.Response, error) {
	if dedupe && s.ex.opts.Deduper != nil {
		return s.ex.opts.Deduper.RoundTrip(s.ctx, t, req)
	}
	return t.RoundTrip(s.ctx, req)
}

// buildURL renders the endpoint template, resolves it against the upstream
// base and appends the rendered query parameters.
func (s *state) buildURL(rawURL string, query []config.KV, scope map[string]any) (string, error) {
	rendered := template.Render(rawURL, scope)
	if s.ex.opts.BaseURL != "" && !strings.Contains(rendered, "://") {
		rendered = strings.TrimSuffix(s.ex.opts.BaseURL, "/") + "/" + strings.TrimPrefix(rendered, "/")
	}
	u, err := url.Parse(rendered)
	if err != nil {
		return "", fmt.Errorf("invalid upstream url %q: %w", rendered, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for _, kv := range query {
			q.Set(kv.Key, template.Render(kv.Value, scope))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// outboundHeaders forwards the allow-listed incoming headers, then applies
// the resolver's rendered header pairs.
func (s *state) outboundHeaders(kvs []config.KV, scope map[string]any) http.Header {
	h := http.Header{}
	for _, name := range s.ex.opts.Config.Runtime.Upstream.AllowedHeaders {
		if v := s.headers.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	for _, kv := range kvs {
		h.Set(kv.Key, template.Render(kv.Value, scope))
	}
	return h
}

// selectionString renders a plan subtree back into GraphQL selection syntax
// for proxied upstream queries.
func selectionString(n *plan.Node) string {
	if n.Union != nil {
		var parts []string
		for member, sel := range n.Union.MemberSelections {
			inner := ""
			for _, ch := range sel {
				inner += " " + fieldString(ch)
			}
			parts = append(parts, "... on "+member+" {"+inner+" }")
		}
		if len(parts) == 0 {
			return ""
		}
		return " { " + strings.Join(parts, " ") + " }"
	}
	if len(n.Children) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(" {")
	for _, ch := range n.Children {
		b.WriteString(" ")
		b.WriteString(fieldString(ch))
	}
	b.WriteString(" }")
	return b.String()
}

func fieldString(n *plan.Node) string {
	if n.Typename {
		return "__typename"
	}
	name := n.Field.Name
	if n.Alias != name {
		name = n.Alias + ": " + name
	}
	var args []string
	for _, a := range n.Args {
		args = append(args, a.Name+": "+a.Value.String())
	}
	if len(args) > 0 {
		name += "(" + strings.Join(args, ", ") + ")"
	}
	return name + selectionString(n)
}

// renderAny substitutes placeholders through a constant JSON shape.
func renderAny(v any, scope map[string]any) any {
	switch x := v.(type) {
	case string:
		return template.RenderValue(x, scope)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = renderAny(e, scope)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = renderAny(e, scope)
		}
		return out
	default:
		return v
	}
}

// deepMerge combines results of multiple resolver directives on one field:
// objects merge key-by-key with the later value winning on leaf conflicts,
// lists concatenate in declaration order.
func deepMerge(left, right any) any {
	if left == nil {
		return right
	}
	if right == nil {
		return left
	}
	if lm, ok := left.(map[string]any); ok {
		if rm, ok := right.(map[string]any); ok {
			out := make(map[string]any, len(lm)+len(rm))
			for k, v := range lm {
				out[k] = v
			}
			for k, rv := range rm {
				if lv, ok := out[k]; ok {
					out[k] = deepMerge(lv, rv)
				} else {
					out[k] = rv
				}
			}
			return out
		}
	}
	if ls, ok := left.([]any); ok {
		if rs, ok := right.([]any); ok {
			return append(append([]any{}, ls...), rs...)
		}
	}
	return right
}

func decodeJSON(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decoding upstream response: %w", err)
	}
	return v, nil
}
