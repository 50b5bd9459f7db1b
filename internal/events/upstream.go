package events

import "time"

// UpstreamStart is emitted before an outbound resolver call.
type UpstreamStart struct {
	Endpoint string
	Method   string
}

// UpstreamFinish is emitted after an outbound resolver call completes.
type UpstreamFinish struct {
	Endpoint string
	Method   string
	Status   int
	Err      error
	Duration time.Duration
}

// CacheHit is emitted when a field resolution is served from the field
// cache, or an upstream GET from the transport cache.
type CacheHit struct {
	Layer string // "field" or "transport"
	Key   string
}

// BatchFlush is emitted when a batch group issues its coalesced call.
type BatchFlush struct {
	Group string
	Items int
}
