package ledgerpipe

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// CacheConfig configures the built-in response cache.
type CacheConfig struct {
	// MaxEntries bounds the store. Zero means 512.
	MaxEntries int
	// DefaultTTL applies when Set is called without a TTL. Zero means 1m.
	DefaultTTL time.Duration
	// LRU evicts the least-recently-used entry at capacity instead of the
	// oldest-inserted one.
	LRU bool
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 512
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Minute
	}
	return c
}

// ResponseCache is a bounded TTL store of successful GET responses.
// Expired entries are evicted lazily on read; capacity eviction happens on
// write. Safe for concurrent use.
type ResponseCache struct {
	cfg CacheConfig

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // eviction order, most recently used at back

	// now is a clock function, overridable for testing.
	now func() time.Time
}

type cacheItem struct {
	key   string
	entry *CacheEntry
}

// NewResponseCache creates a cache with the given configuration.
func NewResponseCache(cfg CacheConfig) *ResponseCache {
	return &ResponseCache{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the entry for key if present and unexpired. Expired entries
// are removed on the spot.
func (c *ResponseCache) Get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if !c.now().Before(item.entry.ExpiresAt) {
		c.removeLocked(elem)
		return nil, false
	}
	if c.cfg.LRU {
		c.order.MoveToBack(elem)
	}
	return item.entry, true
}

// Set stores an entry under key. A non-positive ttl selects the default.
// When the key is new and the cache is at capacity, one entry is evicted
// first: the least-recently-used in LRU mode, the oldest-inserted otherwise.
func (c *ResponseCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	entry.ExpiresAt = c.now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheItem).entry = entry
		c.order.MoveToBack(elem)
		return
	}

	if len(c.entries) >= c.cfg.MaxEntries {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front)
		}
	}
	c.entries[key] = c.order.PushBack(&cacheItem{key: key, entry: entry})
}

// Delete removes the entry for key, if any.
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Clear removes every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of stored entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResponseCache) removeLocked(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	c.order.Remove(elem)
	delete(c.entries, item.key)
}

// DefaultCacheKeyFunc fingerprints a request as a hash of method plus URL
// with query parameters in sorted order, so two logically identical
// requests collide regardless of how the caller ordered parameters or
// headers.
func DefaultCacheKeyFunc(req *http.Request) string {
	h := fnv.New64a()
	h.Write([]byte(req.Method))
	h.Write([]byte{':'})
	if req.URL != nil {
		h.Write([]byte(req.URL.Scheme))
		h.Write([]byte("://"))
		h.Write([]byte(req.URL.Host))
		h.Write([]byte(req.URL.Path))
		query := req.URL.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			values := query[k]
			sort.Strings(values)
			for _, v := range values {
				h.Write([]byte{'&'})
				h.Write([]byte(k))
				h.Write([]byte{'='})
				h.Write([]byte(v))
			}
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (c *Client) createResponseFromCache(entry *CacheEntry) *http.Response {
	return &http.Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(entry.Body)),
	}
}

func (c *Client) createCacheEntry(resp *http.Response) *CacheEntry {
	const maxCacheBody = 10 * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheBody))
	if err != nil && err != io.EOF {
		return nil
	}
	_ = resp.Body.Close()

	// Restore the body for the caller.
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &CacheEntry{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}
}

func (c *Client) shouldCacheRequest(req *http.Request) bool {
	if c.cache == nil {
		return false
	}
	if cacheControl, ok := req.Context().Value(CacheControlKey).(*CacheControl); ok {
		return cacheControl.Enabled
	}
	return c.cacheCondition(req)
}

func (c *Client) getCacheTTLForRequest(req *http.Request) time.Duration {
	if cacheControl, ok := req.Context().Value(CacheControlKey).(*CacheControl); ok && cacheControl.TTL > 0 {
		return cacheControl.TTL
	}
	return c.cacheTTL
}

// WithContextCacheEnabled forces caching on for the request, overriding
// the client's cache condition.
func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true})
}

// WithContextCacheDisabled bypasses the cache for the request.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: false})
}

// WithContextCacheTTL enables caching for the request with a custom TTL.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true, TTL: ttl})
}
