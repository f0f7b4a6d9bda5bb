// Package cache implements the PayloadCache: a TTL-bounded store of large
// field bodies keyed by opaque handles, with paged retrieval, used by the
// QueryEngine to truncate oversized result fields (spec.md §4.E).
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPreviewSize is the default byte/char length at which a large
// payload field is truncated for a response.
const DefaultPreviewSize = 2000

// DefaultMaxFetchSize is the default page size for Retrieve.
const DefaultMaxFetchSize = 5000

// DefaultTTL is the default entry lifetime.
const DefaultTTL = 15 * time.Minute

// ErrCacheExpired is returned by Retrieve when the handle is unknown or
// has been evicted. Non-fatal: the caller must re-run the query.
var ErrCacheExpired = errors.New("cache: handle expired or unknown")

// entry is a single cached field body.
type entry struct {
	content    string
	createdAt  time.Time
	lastAccess time.Time
	size       int
}

// PayloadCache is a concurrent, TTL-evicted map of handle -> content.
type PayloadCache struct {
	mu           sync.Mutex
	entries      map[string]*entry
	ttl          time.Duration
	maxFetchSize int
}

// New creates a PayloadCache with the given TTL and page size. Zero
// values fall back to DefaultTTL / DefaultMaxFetchSize.
func New(ttl time.Duration, maxFetchSize int) *PayloadCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxFetchSize <= 0 {
		maxFetchSize = DefaultMaxFetchSize
	}
	return &PayloadCache{
		entries:      make(map[string]*entry),
		ttl:          ttl,
		maxFetchSize: maxFetchSize,
	}
}

// Store saves content under a new random opaque handle and returns it.
// At most one active handle is created per call; callers needing
// "at-most-one active handle per field per result" (spec.md §3) enforce
// that by calling Store once per field and holding onto the handle.
func (c *PayloadCache) Store(content string) string {
	handle := uuid.NewString()
	now := time.Now()
	c.mu.Lock()
	c.entries[handle] = &entry{content: content, createdAt: now, lastAccess: now, size: len(content)}
	c.mu.Unlock()
	return handle
}

// RetrievePage is the result of a paged Retrieve call.
type RetrievePage struct {
	Content    string
	Page       int
	TotalPages int
	HasMore    bool
}

// Retrieve returns the page-th page (0-indexed) of maxFetchSize bytes
// starting at offset page*maxFetchSize.
func (c *PayloadCache) Retrieve(handle string, page int) (RetrievePage, error) {
	c.mu.Lock()
	e, ok := c.entries[handle]
	if !ok {
		c.mu.Unlock()
		return RetrievePage{}, ErrCacheExpired
	}
	e.lastAccess = time.Now()
	content := e.content
	c.mu.Unlock()

	totalPages := (len(content) + c.maxFetchSize - 1) / c.maxFetchSize
	if totalPages == 0 {
		totalPages = 1
	}
	start := page * c.maxFetchSize
	if start > len(content) {
		start = len(content)
	}
	end := start + c.maxFetchSize
	if end > len(content) {
		end = len(content)
	}

	return RetrievePage{
		Content:    content[start:end],
		Page:       page,
		TotalPages: totalPages,
		HasMore:    end < len(content),
	}, nil
}

// Evict removes a single handle immediately (explicit cleanup).
func (c *PayloadCache) Evict(handle string) {
	c.mu.Lock()
	delete(c.entries, handle)
	c.mu.Unlock()
}

// sweep removes entries older than the TTL (measured from creation, not
// last access, matching a fixed-lifetime cache entry per spec.md §3).
func (c *PayloadCache) sweep() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	for h, e := range c.entries {
		if e.createdAt.Before(cutoff) {
			delete(c.entries, h)
		}
	}
	c.mu.Unlock()
}

// RunEvictor starts a background goroutine that sweeps expired entries
// every interval, until ctx is cancelled. It has no global lifetime: the
// caller owns starting and stopping it via ctx.
func (c *PayloadCache) RunEvictor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Len returns the number of active (not-yet-evicted) entries, mostly for
// tests and diagnostics.
func (c *PayloadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TruncatedField is the shape QueryEngine attaches to a result for each
// large field it truncates.
type TruncatedField struct {
	Preview    string `json:"preview"`
	CacheHandle string `json:"cache_handle"`
	HasMore    bool   `json:"has_more"`
	TotalSize  int    `json:"total_size"`
}

// Truncate applies the §4.E truncation rule to a single field: if content
// exceeds previewSize, it stores the full content and returns a
// TruncatedField; otherwise ok is false and the caller keeps the field
// inline.
func (c *PayloadCache) Truncate(content string, previewSize int) (TruncatedField, bool) {
	if previewSize <= 0 {
		previewSize = DefaultPreviewSize
	}
	if len(content) <= previewSize {
		return TruncatedField{}, false
	}
	handle := c.Store(content)
	return TruncatedField{
		Preview:     content[:previewSize],
		CacheHandle: handle,
		HasMore:     true,
		TotalSize:   len(content),
	}, true
}
