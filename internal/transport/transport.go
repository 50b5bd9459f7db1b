package transport

import (
	"context"
	"net/http"
)

// Request is the uniform outbound-call contract shared by HTTP, gRPC and
// proxied GraphQL upstreams. Endpoint is a full URL for HTTP-style targets
// or a dial target for gRPC; Method is an HTTP verb or a fully qualified
// "package.Service.Method" name.
type Request struct {
	Endpoint string
	Method   string
	Headers  http.Header
	Body     []byte
}

// Response is the uniform result: status code, headers and raw body. Non-2xx
// statuses are returned as responses, not errors; only transport-level
// failures produce an error.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Transport performs one outbound call. Implementations must be safe for
// concurrent use across requests.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// OK reports whether the response status is a success.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }
