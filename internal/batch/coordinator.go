package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/takumi3488/gqlforge/internal/eventbus"
	"github.com/takumi3488/gqlforge/internal/events"
	"github.com/takumi3488/gqlforge/internal/transport"
)

// Request describes one member of a batch group. Items sharing GroupID within
// a coordinator coalesce into a single upstream call.
type Request struct {
	// GroupID identifies the batch group, shared by all sibling fields
	// resolved by the same endpoint.
	GroupID string
	// URL is the endpoint without the batch parameter.
	URL string
	// Method is GET or POST. GET batches by repeating QueryParam; POST
	// batches by sending Body elements as a JSON array.
	Method  string
	Headers http.Header
	// QueryParam is the query parameter carrying the key (GET only).
	QueryParam string
	// Body is this item's rendered request body (POST only).
	Body []byte
	// Key is this item's batch key value.
	Key string
	// KeyPath locates the key inside each response element for demux.
	KeyPath string
	// Expected is the number of items the group will receive for this
	// GraphQL request. The group flushes as soon as all are enqueued.
	Expected int
}

// Options configure a Coordinator.
type Options struct {
	// Window bounds how long an incomplete group waits before flushing.
	Window time.Duration
	// MaxSize flushes a group early once it accumulates this many items.
	MaxSize int
}

// Coordinator accumulates batchable field resolutions for one GraphQL request
// and flushes each group as a single upstream call. A fresh coordinator is
// created per request; groups never span requests.
type Coordinator struct {
	transport transport.Transport
	window    time.Duration
	maxSize   int

	mu     sync.Mutex
	groups map[string]*group
}

func NewCoordinator(t transport.Transport, opts Options) *Coordinator {
	window := opts.Window
	if window <= 0 {
		window = 10 * time.Millisecond
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Coordinator{
		transport: t,
		window:    window,
		maxSize:   maxSize,
		groups:    make(map[string]*group),
	}
}

type item struct {
	key  string
	body []byte
	done chan result
}

type result struct {
	data json.RawMessage
	err  error
}

type group struct {
	proto Request
	items []item
	timer *time.Timer
	fired bool
}

// Enqueue adds one item to its group and blocks until the group flushes,
// returning the response element whose KeyPath value equals req.Key. An
// element missing from the upstream response yields null, not an error.
func (c *Coordinator) Enqueue(ctx context.Context, req Request) (json.RawMessage, error) {
	it := item{key: req.Key, body: req.Body, done: make(chan result, 1)}

	c.mu.Lock()
	g := c.groups[req.GroupID]
	if g == nil {
		g = &group{proto: req}
		c.groups[req.GroupID] = g
		g.timer = time.AfterFunc(c.window, func() { c.flush(ctx, req.GroupID) })
	}
	g.items = append(g.items, it)
	full := len(g.items) >= c.maxSize || (req.Expected > 0 && len(g.items) >= req.Expected)
	c.mu.Unlock()

	if full {
		c.flush(ctx, req.GroupID)
	}

	select {
	case r := <-it.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flush detaches the group and issues its coalesced call. Safe to call more
// than once; only the first wins.
func (c *Coordinator) flush(ctx context.Context, groupID string) {
	c.mu.Lock()
	g := c.groups[groupID]
	if g == nil || g.fired {
		c.mu.Unlock()
		return
	}
	g.fired = true
	delete(c.groups, groupID)
	c.mu.Unlock()
	g.timer.Stop()

	eventbus.Publish(ctx, events.BatchFlush{Group: groupID, Items: len(g.items)})

	res, err := c.call(ctx, g)
	if err != nil {
		for _, it := range g.items {
			it.done <- result{err: err}
		}
		return
	}
	c.demux(g, res)
}

func (c *Coordinator) call(ctx context.Context, g *group) (*transport.Response, error) {
	treq := &transport.Request{
		Endpoint: g.proto.URL,
		Method:   g.proto.Method,
		Headers:  g.proto.Headers,
	}
	switch g.proto.Method {
	case http.MethodGet:
		u, err := url.Parse(g.proto.URL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for _, it := range g.items {
			q.Add(g.proto.QueryParam, it.key)
		}
		u.RawQuery = q.Encode()
		treq.Endpoint = u.String()
	default:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, it := range g.items {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.Write(it.body)
		}
		sb.WriteByte(']')
		treq.Body = []byte(sb.String())
	}

	res, err := c.transport.RoundTrip(ctx, treq)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("batch call %s: upstream returned status %d", g.proto.GroupID, res.Status)
	}
	return res, nil
}

// demux distributes response elements to waiting items by batch key. The
// upstream may return elements in any order.
func (c *Coordinator) demux(g *group, res *transport.Response) {
	parsed := gjson.ParseBytes(res.Body)
	if !parsed.IsArray() {
		err := fmt.Errorf("batch call %s: expected a JSON array response", g.proto.GroupID)
		for _, it := range g.items {
			it.done <- result{err: err}
		}
		return
	}
	byKey := map[string]json.RawMessage{}
	for _, elem := range parsed.Array() {
		k := elem.Get(g.proto.KeyPath)
		if k.Exists() {
			byKey[k.String()] = json.RawMessage(elem.Raw)
		}
	}
	for _, it := range g.items {
		if data, ok := byKey[it.key]; ok {
			it.done <- result{data: data}
		} else {
			it.done <- result{data: json.RawMessage("null")}
		}
	}
}
