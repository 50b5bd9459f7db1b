// Package engine owns the configuration lifecycle: documents merge into an
// EffectiveConfig, plans compile against it, and requests execute against an
// immutable snapshot. Reload swaps the snapshot atomically; in-flight
// requests finish against the snapshot they started with.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/takumi3488/gqlforge/internal/auth"
	"github.com/takumi3488/gqlforge/internal/batch"
	"github.com/takumi3488/gqlforge/internal/cache"
	"github.com/takumi3488/gqlforge/internal/config"
	"github.com/takumi3488/gqlforge/internal/eventbus"
	"github.com/takumi3488/gqlforge/internal/events"
	"github.com/takumi3488/gqlforge/internal/executor"
	"github.com/takumi3488/gqlforge/internal/plan"
	"github.com/takumi3488/gqlforge/internal/protoreg"
	"github.com/takumi3488/gqlforge/internal/script"
	"github.com/takumi3488/gqlforge/internal/transport"
)

// Options configure engine construction. LoadLink resolves @link srcs to
// their contents; the default reads nothing and fails closed.
type Options struct {
	Env      map[string]string
	Script   script.Engine
	LoadLink func(src string) ([]byte, error)
	Logger   zerolog.Logger
}

type Engine struct {
	opts Options
	snap atomic.Pointer[snapshot]
}

// snapshot binds everything derived from one merged configuration. The field
// cache and transport cache belong to the snapshot: a reload starts cold.
type snapshot struct {
	cfg       *config.EffectiveConfig
	plans     *plan.Cache
	providers *auth.Registry
	exec      *executor.Executor
	grpc      *transport.GRPC

	// refs counts the installed reference plus one per in-flight request.
	// Pooled connections close when the count reaches zero, so requests that
	// started before a reload keep a live transport.
	refs atomic.Int64
}

// acquire takes a reference, failing once the snapshot is retired.
func (s *snapshot) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference; the last one closes the pooled connections.
func (s *snapshot) release() error {
	if s.refs.Add(-1) == 0 && s.grpc != nil {
		return s.grpc.Close()
	}
	return nil
}

func New(opts Options) *Engine {
	if opts.LoadLink == nil {
		opts.LoadLink = func(src string) ([]byte, error) {
			return nil, fmt.Errorf("no link loader configured for %q", src)
		}
	}
	if opts.Script == nil {
		opts.Script = script.Disabled()
	}
	return &Engine{opts: opts}
}

// Load merges the documents and atomically installs the new snapshot,
// invalidating every cached plan. The previous snapshot keeps serving its
// in-flight requests; its gRPC connections close when the last one finishes.
func (e *Engine) Load(docs []*config.Document) error {
	snap, err := e.build(docs)
	if err != nil {
		return err
	}
	if old := e.snap.Swap(snap); old != nil {
		_ = old.release()
	}
	e.opts.Logger.Info().
		Int("documents", len(docs)).
		Int("types", len(snap.cfg.Types)).
		Int("links", len(snap.cfg.Links)).
		Msg("configuration loaded")
	return nil
}

func (e *Engine) build(docs []*config.Document) (*snapshot, error) {
	cfg, err := config.Merge(docs)
	if err != nil {
		return nil, err
	}

	providers, err := e.buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	var descriptors [][]byte
	for _, l := range cfg.Links {
		if l.Type != config.LinkProtobuf {
			continue
		}
		raw, err := e.opts.LoadLink(l.Src)
		if err != nil {
			return nil, fmt.Errorf("link %q: %w", l.Src, err)
		}
		descriptors = append(descriptors, raw)
	}

	var httpCache *cache.HTTPCache
	if size := cfg.Runtime.Upstream.HTTPCacheSize; size > 0 {
		httpCache = cache.NewHTTPCache(size)
	}
	httpTransport := transport.NewHTTP(transport.HTTPOptions{
		Timeout: time.Duration(cfg.Runtime.Upstream.Timeout) * time.Millisecond,
		Cache:   httpCache,
	})

	snap := &snapshot{
		cfg:       cfg,
		plans:     plan.NewCache(plan.DefaultCacheSize),
		providers: providers,
	}

	var grpcTransport transport.Transport
	if len(descriptors) > 0 {
		reg, err := protoreg.NewRegistry(descriptors...)
		if err != nil {
			return nil, err
		}
		snap.grpc = transport.NewGRPC(transport.GRPCOptions{
			Registry:   reg,
			RPCTimeout: time.Duration(cfg.Runtime.Upstream.Timeout) * time.Millisecond,
		})
		grpcTransport = snap.grpc
	}

	batchOpts := batch.Options{}
	if b := cfg.Runtime.Upstream.Batch; b != nil {
		batchOpts.Window = time.Duration(b.DelayMillis) * time.Millisecond
		batchOpts.MaxSize = b.MaxSize
	}

	snap.exec = executor.New(executor.Options{
		Config:     cfg,
		HTTP:       httpTransport,
		GRPC:       grpcTransport,
		GRPCTarget: cfg.Runtime.Upstream.BaseURL,
		BaseURL:    cfg.Runtime.Upstream.BaseURL,
		Providers:  providers,
		FieldCache: cache.New(cache.DefaultSize),
		Deduper:    batch.NewDeduper(),
		Batch:      batchOpts,
		Script:     e.opts.Script,
		Env:        e.opts.Env,
	})
	snap.refs.Store(1)
	return snap, nil
}

// acquire returns the current snapshot with a reference held, or nil before
// the first Load. A concurrent swap retries against the new snapshot.
func (e *Engine) acquire() *snapshot {
	for {
		snap := e.snap.Load()
		if snap == nil {
			return nil
		}
		if snap.acquire() {
			return snap
		}
	}
}

func (e *Engine) buildProviders(cfg *config.EffectiveConfig) (*auth.Registry, error) {
	var providers []auth.Provider
	for _, decl := range cfg.Providers {
		raw, err := e.opts.LoadLink(decl.Src)
		if err != nil {
			return nil, fmt.Errorf("auth provider %q: %w", decl.ID, err)
		}
		switch decl.Type {
		case config.LinkHtpasswd:
			p, err := auth.NewBasicProvider(decl.ID, string(raw))
			if err != nil {
				return nil, fmt.Errorf("auth provider %q: %w", decl.ID, err)
			}
			providers = append(providers, p)
		case config.LinkJwks:
			p, err := auth.NewJWTProvider(decl.ID, raw)
			if err != nil {
				return nil, fmt.Errorf("auth provider %q: %w", decl.ID, err)
			}
			providers = append(providers, p)
		}
	}
	if len(providers) == 0 {
		return nil, nil
	}
	return auth.NewRegistry(providers...)
}

// Check builds the configuration without installing it and returns static
// diagnostics. Merge failures, unreadable links and malformed providers
// surface as the error.
func (e *Engine) Check(docs []*config.Document) ([]plan.Diagnostic, error) {
	snap, err := e.build(docs)
	if err != nil {
		return nil, err
	}
	defer func() { _ = snap.release() }()
	return plan.Lint(snap.cfg, snap.providers)
}

// Request is one GraphQL request against the current snapshot.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
	Headers       http.Header
}

// Execute parses, plans and runs one request. Plan compilation is cached per
// operation shape; compile failures surface as a single-error result.
func (e *Engine) Execute(ctx context.Context, req Request) *executor.Result {
	snap := e.acquire()
	if snap == nil {
		return &executor.Result{Errors: []executor.Error{{Message: "engine not loaded"}}}
	}
	defer func() { _ = snap.release() }()

	p, ok := snap.plans.Get(req.Query, req.OperationName)
	if !ok {
		doc, perr := parser.ParseQuery(&ast.Source{Name: "query", Input: req.Query})
		if perr != nil {
			return &executor.Result{Errors: []executor.Error{{Message: perr.Error()}}}
		}
		start := time.Now()
		compiled, err := plan.Compile(snap.cfg, doc, req.OperationName, snap.providers)
		if err != nil {
			return &executor.Result{Errors: []executor.Error{{Message: err.Error()}}}
		}
		snap.plans.Add(req.Query, req.OperationName, compiled)
		eventbus.Publish(ctx, events.PlanCompiled{
			OperationType: compiled.Operation,
			ShapeKey:      compiled.ShapeKey,
			Diagnostics:   len(compiled.Diagnostics),
			Duration:      time.Since(start),
		})
		for _, d := range compiled.Diagnostics {
			e.opts.Logger.Warn().Str("path", d.Path).Msg(d.Message)
		}
		p = compiled
	}

	creds := auth.ParseCredentials(req.Headers.Get("Authorization"))

	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: p.Operation,
	})
	res := snap.exec.Execute(ctx, p, req.Variables, creds, req.Headers)
	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: p.Operation,
		ErrorCount:    len(res.Errors),
		Duration:      time.Since(start),
	})
	return res
}

// Config returns the current merged configuration, or nil before Load.
func (e *Engine) Config() *config.EffectiveConfig {
	if snap := e.snap.Load(); snap != nil {
		return snap.cfg
	}
	return nil
}

// InvalidatePlans drops all cached plans for the current snapshot. The
// file-watch collaborator calls this when linked resources change without a
// config merge.
func (e *Engine) InvalidatePlans() {
	if snap := e.snap.Load(); snap != nil {
		snap.plans.Purge()
	}
}

// Close retires the current snapshot; its pooled connections close once the
// remaining in-flight requests drain.
func (e *Engine) Close() error {
	if snap := e.snap.Swap(nil); snap != nil {
		return snap.release()
	}
	return nil
}
