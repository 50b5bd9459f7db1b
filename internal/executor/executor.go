// Package executor walks compiled execution plans: independent nodes run
// concurrently, dependent nodes wait for their parent value, and batching,
// deduplication, caching and authorization compose around each resolver
// invocation.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/takumi3488/gqlforge/internal/auth"
	"github.com/takumi3488/gqlforge/internal/batch"
	"github.com/takumi3488/gqlforge/internal/cache"
	"github.com/takumi3488/gqlforge/internal/config"
	"github.com/takumi3488/gqlforge/internal/eventbus"
	"github.com/takumi3488/gqlforge/internal/events"
	"github.com/takumi3488/gqlforge/internal/plan"
	"github.com/takumi3488/gqlforge/internal/script"
	"github.com/takumi3488/gqlforge/internal/transport"
)

// Options wire the executor's collaborators. HTTP is required; the rest
// degrade gracefully when absent.
type Options struct {
	Config     *config.EffectiveConfig
	HTTP       transport.Transport
	GRPC       transport.Transport
	GRPCTarget string
	BaseURL    string // base for relative @http urls
	Providers  *auth.Registry
	FieldCache *cache.Cache
	Deduper    *batch.Deduper
	Batch      batch.Options
	Script     script.Engine
	Env        map[string]string
}

type Executor struct {
	opts Options
	env  map[string]any
}

func New(opts Options) *Executor {
	if opts.Script == nil {
		opts.Script = script.Disabled()
	}
	env := make(map[string]any, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}
	return &Executor{opts: opts, env: env}
}

// Execute walks the plan and returns data plus any errors attached to the
// partial response. Mutations resolve root fields serially; everything else
// runs independent nodes concurrently.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, vars map[string]any, creds auth.Credentials, headers http.Header) *Result {
	s := &state{
		ex:      e,
		ctx:     ctx,
		vars:    vars,
		creds:   creds,
		headers: headers,
		coord:   batch.NewCoordinator(e.opts.HTTP, e.opts.Batch),
	}
	if e.opts.Providers != nil {
		s.session = e.opts.Providers.NewSession()
	}
	s.headerScope = map[string]any{}
	for k, vs := range headers {
		if len(vs) > 0 {
			s.headerScope[strings.ToLower(k)] = vs[0]
		}
	}

	if p.Auth != nil && !s.authorize(p.Auth, Path{}, nil) {
		return &Result{Errors: s.errors}
	}

	var data any
	if m := s.executeNodes(p.Roots, p.RootType, nil, Path{}, 1, p.Operation == "mutation"); m != nil {
		data = m
	}
	return &Result{Data: data, Errors: s.errors}
}

type state struct {
	ex          *Executor
	ctx         context.Context
	vars        map[string]any
	creds       auth.Credentials
	headers     http.Header
	headerScope map[string]any
	session     *auth.Session
	coord       *batch.Coordinator

	mu     sync.Mutex
	errors []Error
}

// executeNodes resolves one selection level. Null violations on non-null
// fields collapse the enclosing object; at the root that nulls the response
// data itself.
func (s *state) executeNodes(nodes []*plan.Node, typename string, parent any, path Path, expected int, serial bool) map[string]any {
	result := make(map[string]any, len(nodes))
	var mu sync.Mutex

	run := func(n *plan.Node) {
		v := s.executeNode(n, typename, parent, appendPath(path, n.Alias), expected)
		mu.Lock()
		result[n.Alias] = v
		mu.Unlock()
	}
	if serial {
		for _, n := range nodes {
			run(n)
		}
	} else {
		var wg sync.WaitGroup
		for _, n := range nodes {
			wg.Add(1)
			go func(n *plan.Node) {
				defer wg.Done()
				run(n)
			}(n)
		}
		wg.Wait()
	}

	for _, n := range nodes {
		if n.Field == nil || !n.Field.Type.IsNonNull() {
			continue
		}
		if isNullish(result[n.Alias]) {
			return nil
		}
	}
	for k, v := range result {
		if isNullish(v) {
			result[k] = nil
		}
	}
	return result
}

func (s *state) executeNode(n *plan.Node, typename string, parent any, path Path, expected int) any {
	if n.Typename {
		return typename
	}
	if s.ctx.Err() != nil {
		return nil
	}

	args, err := s.coerceArgs(n)
	if err != nil {
		s.addError(err.Error(), path)
		return nil
	}
	if n.Auth != nil && !s.authorize(n.Auth, path, args) {
		return nil
	}

	fd := n.Field
	scope := s.scope(parent, args)

	var cacheKey uint64
	cacheable := fd.Cache != nil && s.ex.opts.FieldCache != nil
	if cacheable {
		cacheKey = cache.FieldKey(n.ParentType+"."+fd.Name, args, parent)
		if v, ok := s.ex.opts.FieldCache.Get(cacheKey); ok {
			eventbus.Publish(s.ctx, events.CacheHit{Layer: "field", Key: strconv.FormatUint(cacheKey, 16)})
			return s.complete(n, fd.Type, v, path, expected)
		}
	}

	var value any
	if len(fd.Resolvers) == 0 {
		value = readField(parent, fd.Name)
	} else {
		for _, r := range fd.Resolvers {
			v, err := s.dispatch(n, r, scope, path, expected, 0)
			if err != nil {
				s.addError(err.Error(), path)
				return nil
			}
			value = deepMerge(value, v)
		}
	}

	if cacheable {
		s.ex.opts.FieldCache.Put(cacheKey, value, time.Duration(fd.Cache.MaxAgeMillis)*time.Millisecond)
	}
	return s.complete(n, fd.Type, value, path, expected)
}

func (s *state) complete(n *plan.Node, t *config.TypeRef, value any, path Path, expected int) any {
	if t.IsNonNull() {
		if isNullish(value) {
			if !s.hasErrorAt(path) {
				s.addError(fmt.Sprintf("cannot return null for non-nullable field %s", path), path)
			}
			return nil
		}
		completed := s.complete(n, t.Unwrap(), value, path, expected)
		if isNullish(completed) {
			return nil
		}
		return completed
	}
	if isNullish(value) {
		return nil
	}
	if t.Kind == config.TypeRefList {
		return s.completeList(n, t, value, path, expected)
	}

	if n.Union != nil {
		return s.completeUnion(n, value, path, expected)
	}
	named := t.Named
	if td := s.ex.opts.Config.Types[named]; td != nil && (td.Kind == config.KindObject || td.Kind == config.KindInterface) {
		return s.executeNodes(n.Children, named, asMap(value), path, expected, false)
	}
	return value
}

// completeList completes items concurrently so that batched children across
// items can coalesce before the flush window closes.
func (s *state) completeList(n *plan.Node, t *config.TypeRef, value any, path Path, expected int) any {
	items, ok := value.([]any)
	if !ok {
		s.addError(fmt.Sprintf("expected a list value, got %T", value), path)
		return nil
	}
	inner := t.OfType
	completed := make([]any, len(items))
	childExpected := expected * len(items)

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			completed[i] = s.complete(n, inner, item, appendPath(path, i), childExpected)
		}(i, item)
	}
	wg.Wait()

	for i := range completed {
		if inner.IsNonNull() && isNullish(completed[i]) {
			return nil
		}
		if isNullish(completed[i]) {
			completed[i] = nil
		}
	}
	return completed
}

// completeUnion selects the concrete member type via the discriminator field
// or, absent one, a single wrapper key equal to the member name.
func (s *state) completeUnion(n *plan.Node, value any, path Path, expected int) any {
	u := n.Union
	m, ok := value.(map[string]any)
	if !ok {
		s.addError(fmt.Sprintf("cannot decode %T as union %s", value, u.Name), path)
		return nil
	}

	var member string
	var payload map[string]any
	if u.Discriminator != "" {
		d, ok := m[u.Discriminator].(string)
		if !ok {
			s.addError(fmt.Sprintf("union %s: discriminator field %q missing or not a string", u.Name, u.Discriminator), path)
			return nil
		}
		member, payload = d, m
	} else {
		if len(m) != 1 {
			s.addError(fmt.Sprintf("union %s: expected a single wrapper key, got %d keys", u.Name, len(m)), path)
			return nil
		}
		for k, v := range m {
			member = k
			payload = asMap(v)
		}
	}

	if _, ok := u.Members[member]; !ok {
		s.addError(fmt.Sprintf("union %s: %q is not a member type", u.Name, member), path)
		return nil
	}
	sel := u.MemberSelections[member]
	if len(sel) == 0 {
		return map[string]any{}
	}
	return s.executeNodes(sel, member, payload, path, expected, false)
}

func (s *state) coerceArgs(n *plan.Node) (map[string]any, error) {
	args := map[string]any{}
	for _, a := range n.Args {
		v, err := a.Value.Value(s.vars)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a.Name, err)
		}
		args[a.Name] = v
	}
	if n.Field != nil {
		for name, def := range n.Field.Args {
			if _, ok := args[name]; !ok && def.Default != nil {
				args[name] = def.Default
			}
		}
	}
	return args, nil
}

func (s *state) authorize(req *auth.Requirement, path Path, args map[string]any) bool {
	var err error
	if s.session == nil {
		err = &auth.DeniedError{Reason: "no auth providers configured"}
	} else {
		_, err = s.session.Authorize(s.ctx, req, s.creds, args)
	}
	if err != nil {
		s.addError(err.Error(), path)
		eventbus.Publish(s.ctx, events.AuthDenied{Path: path.String(), Reason: err.Error()})
		return false
	}
	return true
}

func (s *state) scope(parent any, args map[string]any) map[string]any {
	return map[string]any{
		"value":   parent,
		"args":    args,
		"env":     s.ex.env,
		"vars":    s.vars,
		"headers": s.headerScope,
	}
}

func (s *state) addError(message string, path Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, Error{Message: message, Path: path})
}

func (s *state) hasErrorAt(path Path) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.errors {
		if reflect.DeepEqual(e.Path, path) {
			return true
		}
	}
	return false
}

func readField(parent any, name string) any {
	if m, ok := parent.(map[string]any); ok {
		return m[name]
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// isNullish reports nil interfaces and typed nils.
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
