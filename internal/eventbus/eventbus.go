package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Bus dispatches in-process events to handlers registered by event type.
// Publishing is synchronous; handlers must be fast and non-blocking.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]func(context.Context, any)
}

func New() *Bus {
	return &Bus{handlers: map[reflect.Type][]func(context.Context, any){}}
}

func (b *Bus) add(t reflect.Type, fn func(context.Context, any)) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], fn)
	b.mu.Unlock()
}

func (b *Bus) emit(ctx context.Context, e any) {
	t := reflect.TypeOf(e)
	b.mu.RLock()
	hs := b.handlers[t]
	b.mu.RUnlock()
	for _, fn := range hs {
		fn(ctx, e)
	}
}

var active atomic.Pointer[Bus]

// Use installs the process-wide bus. A nil bus disables event publishing.
func Use(b *Bus) { active.Store(b) }

// Subscribe registers a handler for events of type T on the active bus.
func Subscribe[T any](h func(context.Context, T)) {
	b := active.Load()
	if b == nil {
		return
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.add(t, func(ctx context.Context, v any) { h(ctx, v.(T)) })
}

// Publish emits e on the active bus, if any.
func Publish[T any](ctx context.Context, e T) {
	if b := active.Load(); b != nil {
		b.emit(ctx, e)
	}
}
