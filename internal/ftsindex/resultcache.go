package ftsindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultResultCacheSize bounds the FTS result cache (spec.md §3's
// supplemented "FTS cache" feature), mirroring the sizing the teacher
// picks for its embedding and gitignore-matcher caches.
const DefaultResultCacheSize = 256

// ResultCache memoizes Search results for identical (query, limit)
// lookups against the same index generation. It must be invalidated
// (dropped and recreated) whenever the index is written to, since a
// stale cache entry would silently return pre-update results.
type ResultCache struct {
	cache *lru.Cache[string, []SearchHit]
}

// NewResultCache creates a result cache with the given capacity
// (DefaultResultCacheSize if size <= 0).
func NewResultCache(size int) *ResultCache {
	if size <= 0 {
		size = DefaultResultCacheSize
	}
	c, _ := lru.New[string, []SearchHit](size)
	return &ResultCache{cache: c}
}

// Key derives a stable cache key from the query text and limit. Callers
// that apply a FilterFunc should not use the cache (the filter is not
// part of the key), since two different closures are indistinguishable.
func Key(query string, limit int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", query, limit)))
	return hex.EncodeToString(sum[:])
}

// Get returns cached hits for key, if present.
func (rc *ResultCache) Get(key string) ([]SearchHit, bool) {
	return rc.cache.Get(key)
}

// Put stores hits under key.
func (rc *ResultCache) Put(key string, hits []SearchHit) {
	rc.cache.Add(key, hits)
}

// Invalidate drops every cached entry. Call after any write
// (AddDocuments/DeleteDocuments/Commit) to the backing index.
func (rc *ResultCache) Invalidate() {
	rc.cache.Purge()
}

// Len reports the number of cached entries.
func (rc *ResultCache) Len() int {
	return rc.cache.Len()
}
