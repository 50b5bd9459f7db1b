package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/takumi3488/gqlforge/internal/cache"
	"github.com/takumi3488/gqlforge/internal/eventbus"
	"github.com/takumi3488/gqlforge/internal/events"
)

// HTTPOptions configure the HTTP transport.
type HTTPOptions struct {
	Timeout       time.Duration
	MaxBodyBytes  int64
	Cache         *cache.HTTPCache
	DefaultHeader http.Header
}

// HTTP performs outbound HTTP calls. GET responses pass through the shared
// transport cache when one is configured, honoring Cache-Control max-age and
// revalidating stale entries with If-None-Match.
type HTTP struct {
	client  *http.Client
	cache   *cache.HTTPCache
	header  http.Header
	maxBody int64
}

func NewHTTP(opts HTTPOptions) *HTTP {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = 32 << 20
	}
	return &HTTP{
		client:  &http.Client{Timeout: timeout},
		cache:   opts.Cache,
		header:  opts.DefaultHeader,
		maxBody: maxBody,
	}
}

func (t *HTTP) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	cacheable := t.cache != nil && req.Method == http.MethodGet
	var stale *cache.CachedResponse
	if cacheable {
		if entry, fresh := t.cache.Lookup(req.Endpoint); entry != nil {
			if fresh {
				eventbus.Publish(ctx, events.CacheHit{Layer: "transport", Key: req.Endpoint})
				return &Response{Status: entry.Status, Headers: entry.Headers, Body: entry.Body}, nil
			}
			stale = entry
		}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.Endpoint, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range t.header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Headers {
		hreq.Header[k] = vs
	}
	if stale != nil && stale.ETag != "" {
		hreq.Header.Set("If-None-Match", stale.ETag)
	}

	start := time.Now()
	eventbus.Publish(ctx, events.UpstreamStart{Endpoint: req.Endpoint, Method: req.Method})
	hres, err := t.client.Do(hreq)
	if err != nil {
		eventbus.Publish(ctx, events.UpstreamFinish{
			Endpoint: req.Endpoint, Method: req.Method, Err: err, Duration: time.Since(start),
		})
		return nil, err
	}
	defer hres.Body.Close()

	if hres.StatusCode == http.StatusNotModified && stale != nil {
		t.cache.Revalidated(req.Endpoint, hres.Header)
		eventbus.Publish(ctx, events.UpstreamFinish{
			Endpoint: req.Endpoint, Method: req.Method, Status: hres.StatusCode, Duration: time.Since(start),
		})
		return &Response{Status: stale.Status, Headers: stale.Headers, Body: stale.Body}, nil
	}

	data, err := io.ReadAll(io.LimitReader(hres.Body, t.maxBody))
	if err != nil {
		return nil, err
	}
	eventbus.Publish(ctx, events.UpstreamFinish{
		Endpoint: req.Endpoint, Method: req.Method, Status: hres.StatusCode, Duration: time.Since(start),
	})

	if cacheable {
		t.cache.Store(req.Endpoint, hres.StatusCode, hres.Header, data)
	}
	return &Response{Status: hres.StatusCode, Headers: hres.Header, Body: data}, nil
}
