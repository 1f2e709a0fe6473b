package jitcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/codegen"
	"github.com/conneroisu/liveweave/internal/testutils"
)

func compiler(t *testing.T, paths ...string) (CompileFunc, *atomic.Int64) {
	t.Helper()
	reg := testutils.LeaseRegistry()
	var n atomic.Int64
	return func() (*codegen.Serializer, error) {
		n.Add(1)
		return codegen.Compile(reg, "Lease", paths, "")
	}, &n
}

func key(v string) Key {
	return Key{TemplateFingerprint: "tpl", Variable: v, TypeFingerprint: "Lease#1", Shape: ShapeScalar}
}

func TestGetOrCompile(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	compile, n := compiler(t, "rent")

	a, err := c.GetOrCompile(key("lease"), compile)
	require.NoError(t, err)
	b, err := c.GetOrCompile(key("lease"), compile)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, int64(1), n.Load())
	assert.Equal(t, Stats{Hits: 1, Misses: 1, Compiles: 1, Entries: 1}, c.Stats())

	list := key("lease")
	list.Shape = ShapeList
	l, err := c.GetOrCompile(list, compile)
	require.NoError(t, err)
	assert.NotSame(t, a, l, "shape is part of the key")
	assert.Equal(t, 2, c.Len())
}

func TestFailuresAreNotCached(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	calls := 0
	fail := func() (*codegen.Serializer, error) {
		calls++
		return nil, fmt.Errorf("boom")
	}

	_, err = c.GetOrCompile(key("x"), fail)
	require.Error(t, err)
	_, err = c.GetOrCompile(key("x"), fail)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Zero(t, c.Len())

	_, ok := c.Get(key("x"))
	assert.False(t, ok)
}

func TestConcurrentCompileOnce(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)

	var n atomic.Int64
	release := make(chan struct{})
	reg := testutils.LeaseRegistry()
	slow := func() (*codegen.Serializer, error) {
		n.Add(1)
		<-release
		return codegen.Compile(reg, "Lease", []string{"tenant.user.email"}, "")
	}

	const workers = 32
	results := make([]*codegen.Serializer, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.GetOrCompile(key("lease"), slow)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), n.Load())
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, int64(1), c.Stats().Compiles)
}

func TestBounded(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)
	compile, n := compiler(t, "status")

	for _, v := range []string{"a", "b", "c"} {
		_, err := c.GetOrCompile(key(v), compile)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get(key("a"))
	assert.False(t, ok, "least recently used entry is evicted")

	_, err = c.GetOrCompile(key("a"), compile)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n.Load(), "eviction costs a recompile")

	c.Purge()
	assert.Zero(t, c.Len())
	assert.Equal(t, int64(4), c.Stats().Compiles)
}
