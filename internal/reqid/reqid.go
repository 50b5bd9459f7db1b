package reqid

import (
	"context"
	"sync/atomic"
)

type key struct{}

var counter atomic.Int64

// NewContext stores a fresh request id in ctx and returns it. Ids are unique
// within the process lifetime.
func NewContext(parent context.Context) (context.Context, int64) {
	id := counter.Add(1)
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the request id, reporting whether one was present.
func FromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(key{}).(int64)
	return id, ok
}
