package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/takumi3488/gqlforge/internal/eventbus"
	"github.com/takumi3488/gqlforge/internal/events"
	"github.com/takumi3488/gqlforge/internal/protoreg"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/dynamicpb"
)

// GRPCOptions configure the gRPC transport.
type GRPCOptions struct {
	Registry            *protoreg.Registry
	RPCTimeout          time.Duration
	MaxConnsPerEndpoint int
	DialOptions         []grpc.DialOption
}

// GRPC performs outbound gRPC calls against methods resolved from the linked
// descriptor registry. Request and response bodies are JSON, converted to and
// from dynamic messages at the wire boundary. Connections are pooled per
// endpoint.
type GRPC struct {
	opts GRPCOptions

	mu     sync.RWMutex
	pools  map[string]*connPool
	closed atomic.Bool
}

func NewGRPC(opts GRPCOptions) *GRPC {
	if len(opts.DialOptions) == 0 {
		opts.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &GRPC{
		opts:  opts,
		pools: make(map[string]*connPool),
	}
}

func (t *GRPC) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("grpc transport: closed")
	}
	if t.opts.Registry == nil {
		return nil, fmt.Errorf("grpc transport: no descriptor sets linked")
	}
	md, err := t.opts.Registry.Method(req.Method)
	if err != nil {
		return nil, err
	}

	in := dynamicpb.NewMessage(md.Input())
	if len(req.Body) > 0 {
		if err := protojson.Unmarshal(req.Body, in); err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", req.Method, err)
		}
	}

	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			ctx = metadata.AppendToOutgoingContext(ctx, k, v)
		}
	}

	cc, err := t.getConn(ctx, req.Endpoint)
	if err != nil {
		return nil, err
	}
	defer t.returnConn(req.Endpoint, cc)

	fullMethod := fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
	out := dynamicpb.NewMessage(md.Output())

	start := time.Now()
	eventbus.Publish(ctx, events.UpstreamStart{Endpoint: req.Endpoint, Method: req.Method})
	err = cc.Invoke(ctx, fullMethod, in, out)
	eventbus.Publish(ctx, events.UpstreamFinish{
		Endpoint: req.Endpoint,
		Method:   req.Method,
		Status:   int(status.Code(err)),
		Err:      err,
		Duration: time.Since(start),
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", req.Method, err)
	}

	data, err := protojson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", req.Method, err)
	}
	return &Response{
		Status:  http.StatusOK,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    data,
	}, nil
}

func (t *GRPC) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.close()
	}
	t.pools = map[string]*connPool{}
	return nil
}

// connPool keeps idle conns in a buffered channel. The channel is never
// closed; every send and drain happens under the mutex so close cannot race
// a pending put.
type connPool struct {
	endpoint string
	dialOpts []grpc.DialOption

	mu     sync.Mutex
	conns  chan *grpc.ClientConn
	closed bool
}

func newConnPool(endpoint string, maxConns int, dialOpts []grpc.DialOption) *connPool {
	if maxConns <= 0 {
		maxConns = 2
	}
	return &connPool{
		endpoint: endpoint,
		dialOpts: dialOpts,
		conns:    make(chan *grpc.ClientConn, maxConns),
	}
}

func (p *connPool) get(ctx context.Context) (*grpc.ClientConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("grpc transport: pool closed")
	}
	select {
	case cc := <-p.conns:
		p.mu.Unlock()
		return cc, nil
	default:
	}
	p.mu.Unlock()
	return grpc.DialContext(ctx, p.endpoint, p.dialOpts...)
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if cc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = cc.Close()
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case cc := <-p.conns:
			_ = cc.Close()
		default:
			return
		}
	}
}

func (t *GRPC) getConn(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool == nil {
		t.mu.Lock()
		pool = t.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, t.opts.MaxConnsPerEndpoint, t.opts.DialOptions)
			t.pools[endpoint] = pool
		}
		t.mu.Unlock()
	}
	return pool.get(ctx)
}

func (t *GRPC) returnConn(endpoint string, cc *grpc.ClientConn) {
	t.mu.RLock()
	pool := t.pools[endpoint]
	t.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
