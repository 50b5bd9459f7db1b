package batch

import (
	"context"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/takumi3488/gqlforge/internal/transport"
)

// Deduper coalesces identical in-flight upstream calls so that concurrent
// fields resolved by the same endpoint with the same arguments share one
// round trip. Completed calls are not cached; only concurrency is collapsed.
type Deduper struct {
	group singleflight.Group
}

func NewDeduper() *Deduper { return &Deduper{} }

// Key derives the coalescing identity of a request from its method, endpoint
// and body. Headers are excluded; requests differing only in trace headers
// still coalesce.
func Key(req *transport.Request) string {
	h := xxhash.New()
	h.WriteString(req.Method)
	h.WriteString("\x00")
	h.WriteString(req.Endpoint)
	h.WriteString("\x00")
	h.Write(req.Body)
	return strconv.FormatUint(h.Sum64(), 16)
}

// RoundTrip performs the call through t, sharing the result with any
// concurrent identical call.
func (d *Deduper) RoundTrip(ctx context.Context, t transport.Transport, req *transport.Request) (*transport.Response, error) {
	v, err, _ := d.group.Do(Key(req), func() (any, error) {
		return t.RoundTrip(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*transport.Response), nil
}
