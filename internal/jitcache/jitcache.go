// Package jitcache memoizes compiled serializers by template, variable and
// entity type.
package jitcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/liveweave/internal/codegen"
)

// Shape distinguishes serializers for a single entity from those applied to
// a collection.
type Shape string

const (
	ShapeScalar Shape = "scalar"
	ShapeList   Shape = "list"
)

// Key identifies one compiled serializer.
type Key struct {
	TemplateFingerprint string
	Variable            string
	TypeFingerprint     string
	Shape               Shape
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TemplateFingerprint, k.Variable, k.TypeFingerprint, k.Shape)
}

// CompileFunc builds the serializer for a key on a miss.
type CompileFunc func() (*codegen.Serializer, error)

// Stats are cumulative cache counters.
type Stats struct {
	Hits     int64 `json:"hits" yaml:"hits"`
	Misses   int64 `json:"misses" yaml:"misses"`
	Compiles int64 `json:"compiles" yaml:"compiles"`
	Entries  int   `json:"entries" yaml:"entries"`
}

// store is the map behind the cache: unbounded or LRU.
type store interface {
	get(k Key) (*codegen.Serializer, bool)
	add(k Key, s *codegen.Serializer)
	len() int
	purge()
}

type mapStore struct {
	mu sync.RWMutex
	m  map[Key]*codegen.Serializer
}

func (s *mapStore) get(k Key) (*codegen.Serializer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[k]
	return v, ok
}

func (s *mapStore) add(k Key, v *codegen.Serializer) {
	s.mu.Lock()
	s.m[k] = v
	s.mu.Unlock()
}

func (s *mapStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *mapStore) purge() {
	s.mu.Lock()
	s.m = make(map[Key]*codegen.Serializer)
	s.mu.Unlock()
}

type lruStore struct {
	c *lru.Cache[Key, *codegen.Serializer]
}

func (s lruStore) get(k Key) (*codegen.Serializer, bool) { return s.c.Get(k) }
func (s lruStore) add(k Key, v *codegen.Serializer)      { s.c.Add(k, v) }
func (s lruStore) len() int                              { return s.c.Len() }
func (s lruStore) purge()                                { s.c.Purge() }

// Cache is safe for concurrent use. Concurrent misses on one key compile
// once and share the result. Failed compiles are not cached.
type Cache struct {
	entries store
	group   singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	compiles atomic.Int64
}

// New returns a cache. maxEntries <= 0 means unbounded; otherwise the least
// recently used serializers are evicted past the bound.
func New(maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		return &Cache{entries: &mapStore{m: make(map[Key]*codegen.Serializer)}}, nil
	}
	c, err := lru.New[Key, *codegen.Serializer](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: lruStore{c: c}}, nil
}

// GetOrCompile returns the cached serializer for key, calling compile on a
// miss.
func (c *Cache) GetOrCompile(key Key, compile CompileFunc) (*codegen.Serializer, error) {
	if s, ok := c.entries.get(key); ok {
		c.hits.Add(1)
		return s, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// A caller that lost the race to a finished compile lands here.
		if s, ok := c.entries.get(key); ok {
			return s, nil
		}
		c.compiles.Add(1)
		s, err := compile()
		if err != nil {
			return nil, err
		}
		c.entries.add(key, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*codegen.Serializer), nil
}

// Get returns the cached serializer for key without compiling.
func (c *Cache) Get(key Key) (*codegen.Serializer, bool) {
	return c.entries.get(key)
}

// Len returns the number of cached serializers.
func (c *Cache) Len() int { return c.entries.len() }

// Purge drops every serializer. Counters are kept.
func (c *Cache) Purge() { c.entries.purge() }

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Compiles: c.compiles.Load(),
		Entries:  c.entries.len(),
	}
}
