package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Credentials is the parsed Authorization material presented by a request.
type Credentials struct {
	Username string // basic auth
	Password string
	Token    string // bearer token
}

// HasAny reports whether the request presented any credentials at all.
func (c Credentials) HasAny() bool {
	return c.Username != "" || c.Token != ""
}

// ParseCredentials extracts credentials from an Authorization header value.
// An empty or unrecognized header yields empty credentials; validation
// failures are the providers' concern.
func ParseCredentials(authorization string) Credentials {
	scheme, rest, ok := strings.Cut(authorization, " ")
	if !ok {
		return Credentials{}
	}
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(scheme) {
	case "basic":
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return Credentials{}
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok {
			return Credentials{}
		}
		return Credentials{Username: user, Password: pass}
	case "bearer":
		return Credentials{Token: rest}
	}
	return Credentials{}
}

// Provider validates credentials against one configured credential source.
// Implementations must be safe for concurrent use.
type Provider interface {
	ID() string
	// Validate returns the verified claims (may be nil for providers without
	// a claims concept) or an error describing why validation failed.
	Validate(ctx context.Context, creds Credentials) (map[string]any, error)
}

// DeniedError is an authorization failure with a user-facing reason.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "authorization denied: " + e.Reason }

// Requirement is the hoisted auth constraint attached to a plan node: every
// listed provider id must independently validate the credentials, and every
// access expression must evaluate to true against the merged claims.
type Requirement struct {
	IDs   []string
	Exprs []*Expr
}

// Signature is a stable identity for requirement deduplication and hoisting.
func (r *Requirement) Signature() string {
	ids := append([]string(nil), r.IDs...)
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString(strings.Join(ids, ","))
	for _, e := range r.Exprs {
		b.WriteString("|")
		b.WriteString(e.String())
	}
	return b.String()
}

// Combine merges another requirement into this one: provider id sets union
// (AND semantics), expressions conjoin.
func (r *Requirement) Combine(other *Requirement) *Requirement {
	if other == nil {
		return r
	}
	if r == nil {
		return other
	}
	out := &Requirement{}
	seen := map[string]struct{}{}
	for _, id := range append(append([]string{}, r.IDs...), other.IDs...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out.IDs = append(out.IDs, id)
	}
	out.Exprs = append(append([]*Expr{}, r.Exprs...), other.Exprs...)
	return out
}

// Registry holds the configured providers. It is immutable after
// construction and shared read-only across requests.
type Registry struct {
	providers map[string]Provider
	order     []string
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.ID()]; dup {
			return nil, fmt.Errorf("duplicate auth provider id %q", p.ID())
		}
		r.providers[p.ID()] = p
		r.order = append(r.order, p.ID())
	}
	return r, nil
}

// Has reports whether a provider id is configured.
func (r *Registry) Has(id string) bool {
	_, ok := r.providers[id]
	return ok
}

// Empty reports whether no providers are configured.
func (r *Registry) Empty() bool { return len(r.order) == 0 }

// Session memoizes provider validations for one request so that a hoisted
// requirement plus any residual per-field requirements still validate each
// provider at most once.
type Session struct {
	reg *Registry

	mu      sync.Mutex
	results map[string]validation
}

type validation struct {
	claims map[string]any
	err    error
}

func (r *Registry) NewSession() *Session {
	return &Session{reg: r, results: map[string]validation{}}
}

// Authorize checks a requirement: AND across all required provider ids (all
// configured providers when the id list is empty), then evaluates access
// expressions against the merged claims and the provided args scope.
func (s *Session) Authorize(ctx context.Context, req *Requirement, creds Credentials, args map[string]any) (map[string]any, error) {
	if req == nil {
		return nil, nil
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = s.reg.order
	}
	if len(ids) == 0 {
		return nil, &DeniedError{Reason: "no auth providers configured"}
	}
	if !creds.HasAny() {
		return nil, &DeniedError{Reason: "missing credentials"}
	}

	claims := map[string]any{}
	for _, id := range ids {
		got, err := s.validate(ctx, id, creds)
		if err != nil {
			return nil, &DeniedError{Reason: fmt.Sprintf("provider %q: %v", id, err)}
		}
		for k, v := range got {
			claims[k] = v
		}
	}

	for _, expr := range req.Exprs {
		scope := map[string]any{"claims": claims, "args": args}
		if !expr.Eval(scope) {
			return nil, &DeniedError{Reason: fmt.Sprintf("access expression %q not satisfied", expr)}
		}
	}
	return claims, nil
}

func (s *Session) validate(ctx context.Context, id string, creds Credentials) (map[string]any, error) {
	s.mu.Lock()
	if v, ok := s.results[id]; ok {
		s.mu.Unlock()
		return v.claims, v.err
	}
	s.mu.Unlock()

	p, ok := s.reg.providers[id]
	var v validation
	if !ok {
		v.err = fmt.Errorf("unknown provider")
	} else {
		v.claims, v.err = p.Validate(ctx, creds)
	}

	s.mu.Lock()
	s.results[id] = v
	s.mu.Unlock()
	return v.claims, v.err
}

// Validations reports how many distinct providers have been validated in
// this session. Used by tests to assert hoisting behavior.
func (s *Session) Validations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
