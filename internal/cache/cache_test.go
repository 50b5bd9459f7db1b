package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ReturnsWithinTTLAndExpiresAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New(16)
	c.now = func() time.Time { return now }

	key := FieldKey("Query.user", map[string]any{"id": 1}, nil)
	c.Put(key, "payload", 30*time.Second)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "payload", got)

	now = now.Add(29 * time.Second)
	_, ok = c.Get(key)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok, "stale entries are never returned")
	assert.Equal(t, 0, c.Len(), "stale entry evicted lazily on lookup")
}

func TestCache_NonPositiveTTLIgnored(t *testing.T) {
	c := New(16)
	c.Put(1, "x", 0)
	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestFieldKey_Components(t *testing.T) {
	base := FieldKey("Query.user", map[string]any{"id": 1}, nil)

	assert.Equal(t, base, FieldKey("Query.user", map[string]any{"id": 1}, nil))
	assert.NotEqual(t, base, FieldKey("Query.user", map[string]any{"id": 2}, nil))
	assert.NotEqual(t, base, FieldKey("Query.other", map[string]any{"id": 1}, nil))
	assert.NotEqual(t, base, FieldKey("Query.user", map[string]any{"id": 1}, map[string]any{"parent": 7}))
}

func TestHTTPCache_MaxAge(t *testing.T) {
	now := time.Unix(2000, 0)
	c := NewHTTPCache(16)
	c.now = func() time.Time { return now }

	h := http.Header{"Cache-Control": []string{"max-age=60"}}
	c.Store("http://api/users/1", 200, h, []byte(`{"id":1}`))

	resp, fresh := c.Lookup("http://api/users/1")
	require.NotNil(t, resp)
	assert.True(t, fresh)

	now = now.Add(61 * time.Second)
	resp, fresh = c.Lookup("http://api/users/1")
	assert.Nil(t, resp)
	assert.False(t, fresh)
}

func TestHTTPCache_ETagRevalidation(t *testing.T) {
	now := time.Unix(3000, 0)
	c := NewHTTPCache(16)
	c.now = func() time.Time { return now }

	h := http.Header{"Cache-Control": []string{"max-age=1"}, "Etag": []string{`"v1"`}}
	c.Store("http://api/users/2", 200, h, []byte(`{"id":2}`))

	now = now.Add(5 * time.Second)
	resp, fresh := c.Lookup("http://api/users/2")
	require.NotNil(t, resp, "stale entry with ETag is kept for revalidation")
	assert.False(t, fresh)
	assert.Equal(t, `"v1"`, resp.ETag)

	refreshed := c.Revalidated("http://api/users/2", http.Header{"Cache-Control": []string{"max-age=60"}})
	require.NotNil(t, refreshed)
	_, fresh = c.Lookup("http://api/users/2")
	assert.True(t, fresh)
}

func TestHTTPCache_NoStoreSkipped(t *testing.T) {
	c := NewHTTPCache(16)
	c.Store("http://api/x", 200, http.Header{"Cache-Control": []string{"no-store"}}, []byte("x"))
	resp, _ := c.Lookup("http://api/x")
	assert.Nil(t, resp)

	c.Store("http://api/y", 500, http.Header{"Cache-Control": []string{"max-age=60"}}, []byte("y"))
	resp, _ = c.Lookup("http://api/y")
	assert.Nil(t, resp)
}
