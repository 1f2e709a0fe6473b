package jit

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/blob"
	"github.com/conneroisu/liveweave/internal/config"
	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/loader"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/testutils"
	"github.com/conneroisu/liveweave/internal/tmpl"
)

const dashboard = `<ul>{% for lease in leases %}<li>{{ lease.tenant.user.email }}:` +
	`{% for tag in lease.property.tags.all %} {{ tag.label }}{% endfor %}</li>{% endfor %}</ul>`

func TestDashboard(t *testing.T) {
	for _, n := range []int{10, 20} {
		t.Run(fmt.Sprintf("%d leases", n), func(t *testing.T) {
			mem, reg := testutils.LeaseMemory(n)
			p, err := New(reg)
			require.NoError(t, err)

			data, err := p.RenderContext(context.Background(), map[string]interface{}{
				"leases": mem.Query("Lease").OrderBy("id"),
			}, dashboard)
			require.NoError(t, err)

			assert.Equal(t, int64(3), mem.Queries(), "one base fetch plus one per relation group")
			assert.Equal(t, []string{"fetch Lease", "prefetch property", "prefetch property__tags"}, mem.Log())

			leases := data["leases"].([]interface{})
			require.Len(t, leases, n)
			assert.Equal(t, map[string]interface{}{
				"tenant":   map[string]interface{}{"user": map[string]interface{}{"email": "tenant1@example.com"}},
				"property": map[string]interface{}{"tags": []interface{}{map[string]interface{}{"label": "tag-2"}}},
			}, leases[0])

			html, err := tmpl.NewRenderer().Render(tmpl.MustParse(dashboard), data)
			require.NoError(t, err)
			assert.Contains(t, html, "<li>tenant1@example.com: tag-2</li>")
			assert.Equal(t, int64(3), mem.Queries(), "rendering plain data runs no query")
		})
	}
}

func TestEntityPaths(t *testing.T) {
	calls := testutils.NewCalls()
	p, err := New(testutils.BlogRegistry(calls))
	require.NoError(t, err)

	out, err := p.RenderContext(context.Background(), map[string]interface{}{
		"post":  testutils.SamplePost(),
		"count": 3,
		"none":  nil,
		"posts": []*testutils.Post{testutils.SamplePost(), testutils.SamplePost()},
		"plain": map[string]interface{}{"a": []int{1, 2}},
	}, `{{ post.title }} {{ count }} {% for p in posts %}{{ p.url }}{% endfor %} {{ plain.a }}`)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"title": "Hello"}, out["post"])
	assert.Equal(t, 3, out["count"])
	assert.Nil(t, out["none"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"url": "/hello"},
		map[string]interface{}{"url": "/hello"},
	}, out["posts"])
	assert.Equal(t, map[string]interface{}{"a": []interface{}{1, 2}}, out["plain"])

	assert.Zero(t, calls.Count("Post.secret"))
	assert.Equal(t, 1, calls.Count("Post.title"))
	assert.Equal(t, 2, calls.Count("Post.url"))
}

func TestUnreferencedEntityUsesDeepSerializer(t *testing.T) {
	p, err := New(testutils.BlogRegistry(nil))
	require.NoError(t, err)

	out, err := p.RenderContext(context.Background(), map[string]interface{}{
		"post": testutils.SamplePost(),
	}, `<h1>{{ post }}</h1>`)
	require.NoError(t, err)

	post := out["post"].(map[string]interface{})
	assert.Equal(t, "Hello", post["__str__"])
	assert.Equal(t, "Post", post["__model__"])
	assert.Equal(t, "s3cret", post["secret"])

	html, err := tmpl.NewRenderer().Render(tmpl.MustParse(`<h1>{{ post }}</h1>`), out)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hello</h1>", html)
	assert.Equal(t, int64(1), p.Cache().Stats().Compiles, "fallback markers are cached too")
}

func TestAdvisoryFallback(t *testing.T) {
	reg := schema.NewRegistry().MustRegister(
		schema.Define[*testutils.Tag]("Tag").
			Scalar("label", func(t *testutils.Tag) interface{} { return t.Label }).
			Build(),
		schema.Define[*testutils.Post]("Post").
			Scalar("title", func(p *testutils.Post) interface{} { return p.Title }).
			ToMany("broken", "Tag", func(*testutils.Post) ([]schema.Entity, error) {
				return nil, fmt.Errorf("connection reset")
			}).
			Build(),
	)
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelDebug, Output: &buf})
	p, err := New(reg, WithLogger(logger))
	require.NoError(t, err)

	out, err := p.RenderContext(context.Background(), map[string]interface{}{
		"post": testutils.SamplePost(),
	}, `{{ post.title }}{% for t in post.broken %}{{ t.label }}{% endfor %}`)
	require.NoError(t, err)

	post := out["post"].(map[string]interface{})
	assert.Equal(t, "Hello", post["title"])
	assert.NotContains(t, post, "broken")
	assert.Contains(t, buf.String(), "compiled serializer failed")
}

func TestFetchError(t *testing.T) {
	mem, reg := testutils.LeaseMemory(1)
	p, err := New(reg)
	require.NoError(t, err)

	_, err = p.RenderContext(context.Background(), map[string]interface{}{
		"things": mem.Query("Nope"),
	}, `{{ things.count }}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), errors.ErrCodeQueryFailed)
}

func TestCacheReuse(t *testing.T) {
	mem, reg := testutils.LeaseMemory(2)
	p, err := New(reg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := p.RenderContext(context.Background(), map[string]interface{}{
			"leases": mem.Query("Lease"),
		}, dashboard)
		require.NoError(t, err)
	}
	stats := p.Cache().Stats()
	assert.Equal(t, int64(1), stats.Compiles)
	assert.Equal(t, int64(2), stats.Hits)

	hits, misses := p.PathCache().Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)

	_, err = p.RenderContext(context.Background(), map[string]interface{}{
		"leases": mem.Query("Lease"),
	}, dashboard+" ")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Cache().Stats().Compiles, "new template text compiles again")
}

func TestIncludes(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "templates/row.html", []byte(`<li>{{ post.title }}</li>`), 0o644))

	calls := testutils.NewCalls()
	p, err := New(testutils.BlogRegistry(calls), WithLoader(loader.New(fs, []string{"templates"})))
	require.NoError(t, err)

	out, err := p.RenderContext(context.Background(), map[string]interface{}{
		"post": testutils.SamplePost(),
	}, `<ul>{% include "row.html" %}</ul>`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"title": "Hello"}, out["post"])
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Serializer.MaxDepth = 1
	cfg.Serializer.TruncateWithDisplay = false
	cfg.Serializer.ExactDecimals = true
	cfg.Cache.MaxEntries = 8

	p, err := FromConfig(cfg, testutils.BlogRegistry(nil), blob.Prefix("/media"), logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Deep().MaxDepth())

	out, err := p.RenderContext(context.Background(), map[string]interface{}{
		"post": testutils.SamplePost(),
	}, `{{ post }}`)
	require.NoError(t, err)
	post := out["post"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"id": int64(9)}, post["author"])
	assert.Equal(t, "19.99", post["price"])
	assert.Equal(t, "/media/covers/hello.png", post["cover"])
}
