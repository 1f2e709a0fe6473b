package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Fingerprint identifies template text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ShortFingerprint is the 8-character prefix of Fingerprint, used in logs
// and generated function names.
func ShortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

// Cache memoizes PathMaps by template fingerprint.
type Cache struct {
	maps   *lru.Cache[string, PathMap]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache returns a cache holding at most size PathMaps.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 1024
	}
	maps, err := lru.New[string, PathMap](size)
	if err != nil {
		return nil, err
	}
	return &Cache{maps: maps}, nil
}

// Get returns the PathMap of text and its fingerprint.
func (c *Cache) Get(text string) (PathMap, string) {
	fp := Fingerprint(text)
	if pm, ok := c.maps.Get(fp); ok {
		c.hits.Add(1)
		return pm, fp
	}
	c.misses.Add(1)
	pm := ExtractPaths(text)
	c.maps.Add(fp, pm)
	return pm, fp
}

// Len returns the number of cached PathMaps.
func (c *Cache) Len() int { return c.maps.Len() }

// Purge drops every cached PathMap.
func (c *Cache) Purge() { c.maps.Purge() }

// Stats returns the hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
