package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// HTTPCache implements transport-level caching for GET upstream calls,
// honoring Cache-Control max-age, Expires and ETag revalidation. It is
// independent of the field-level Cache; both may apply to one field, the
// field cache being consulted first.
type HTTPCache struct {
	entries *lru.Cache
	now     func() time.Time
}

// CachedResponse is a stored upstream response.
type CachedResponse struct {
	Status  int
	Headers http.Header
	Body    []byte

	ETag    string
	expires time.Time
}

func NewHTTPCache(size int) *HTTPCache {
	if size <= 0 {
		size = DefaultSize
	}
	entries, _ := lru.New(size)
	return &HTTPCache{entries: entries, now: time.Now}
}

// Lookup returns the cached response for url. fresh reports whether it may
// be served without revalidation; a stale entry with an ETag is returned
// stale so the caller can issue a conditional request.
func (c *HTTPCache) Lookup(url string) (resp *CachedResponse, fresh bool) {
	v, ok := c.entries.Get(url)
	if !ok {
		return nil, false
	}
	e := v.(*CachedResponse)
	if c.now().Before(e.expires) {
		return e, true
	}
	if e.ETag == "" {
		c.entries.Remove(url)
		return nil, false
	}
	return e, false
}

// Store records an upstream response if its headers allow caching.
func (c *HTTPCache) Store(url string, status int, headers http.Header, body []byte) {
	if status != http.StatusOK {
		return
	}
	ttl, etag, cacheable := freshness(headers, c.now())
	if !cacheable {
		return
	}
	c.entries.Add(url, &CachedResponse{
		Status:  status,
		Headers: headers,
		Body:    body,
		ETag:    etag,
		expires: c.now().Add(ttl),
	})
}

// Revalidated extends a stale entry's lifetime after a 304 Not Modified.
func (c *HTTPCache) Revalidated(url string, headers http.Header) *CachedResponse {
	v, ok := c.entries.Get(url)
	if !ok {
		return nil
	}
	e := v.(*CachedResponse)
	if ttl, _, ok := freshness(headers, c.now()); ok {
		e.expires = c.now().Add(ttl)
	} else {
		// no explicit lifetime on the 304; hold briefly before revalidating again
		e.expires = c.now().Add(time.Minute)
	}
	return e
}

// freshness derives (ttl, etag, cacheable) from response headers. A response
// is cacheable when it carries a positive max-age, a future Expires, or an
// ETag (ttl zero, revalidate every time).
func freshness(headers http.Header, now time.Time) (time.Duration, string, bool) {
	cc := headers.Get("Cache-Control")
	if strings.Contains(cc, "no-store") {
		return 0, "", false
	}
	etag := headers.Get("ETag")

	for _, part := range strings.Split(cc, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			secs, err := strconv.Atoi(v)
			if err == nil && secs > 0 {
				return time.Duration(secs) * time.Second, etag, true
			}
		}
	}
	if exp := headers.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil && t.After(now) {
			return t.Sub(now), etag, true
		}
	}
	if etag != "" {
		return 0, etag, true
	}
	return 0, "", false
}
