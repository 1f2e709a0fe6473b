package loader

import (
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/watcher"
)

func newFS(t *testing.T, files map[string]string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for name, body := range files {
		require.NoError(t, util.WriteFile(fs, name, []byte(body), 0o644))
	}
	return fs
}

func TestLoad(t *testing.T) {
	fs := newFS(t, map[string]string{
		"templates/page.html":            `<ul>{% include "partials/row.html" %}</ul>`,
		"templates/partials/row.html":    `<li>{{ item.name }}</li>`,
		"templates/with.html":            `{% include "partials/row.html" with item=lease.tenant only %}`,
		"templates/missing.html":         `a{% include "nope.html" %}b`,
		"templates/dynamic.html":         `{% include tpl_name %}`,
		"templates/cycle_a.html":         `A{% include "cycle_b.html" %}`,
		"templates/cycle_b.html":         `B{% include "cycle_a.html" %}`,
		"other/shadow.html":              `other`,
		"templates/partials/nested.html": `{% include "partials/row.html" %}!`,
	})
	l := New(fs, []string{"templates", "other"})

	tests := []struct {
		name string
		want string
	}{
		{"page.html", `<ul><li>{{ item.name }}</li></ul>`},
		{"with.html", `{% with item=lease.tenant %}<li>{{ item.name }}</li>{% endwith %}`},
		{"missing.html", `a{% include "nope.html" %}b`},
		{"dynamic.html", `{% include tpl_name %}`},
		{"cycle_a.html", `AB{% include "cycle_a.html" %}`},
		{"shadow.html", `other`},
		{"partials/nested.html", `<li>{{ item.name }}</li>!`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Load(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadNotFound(t *testing.T) {
	l := New(newFS(t, nil), []string{"templates"})

	_, err := l.Load("absent.html")
	require.Error(t, err)
	var le *errors.LiveError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, errors.ErrCodeTemplateNotFound, le.Code)

	_, err = l.Load("../etc/passwd")
	require.Error(t, err)
}

func TestMaxDepth(t *testing.T) {
	fs := newFS(t, map[string]string{
		"t/0.html": `0{% include "1.html" %}`,
		"t/1.html": `1{% include "2.html" %}`,
		"t/2.html": `2{% include "3.html" %}`,
		"t/3.html": `3`,
	})

	got, err := New(fs, []string{"t"}).Load("0.html")
	require.NoError(t, err)
	assert.Equal(t, "0123", got)

	got, err = New(fs, []string{"t"}, WithMaxDepth(2)).Load("0.html")
	require.NoError(t, err)
	assert.Equal(t, `01{% include "2.html" %}`, got)
}

func TestResolveMalformed(t *testing.T) {
	l := New(newFS(t, nil), nil)
	src := `{% include "x.html" `
	assert.Equal(t, src, l.Resolve(src))
}

func TestCacheInvalidation(t *testing.T) {
	fs := newFS(t, map[string]string{
		"t/page.html": `[{% include "part.html" %}]`,
		"t/part.html": `one`,
	})
	l := New(fs, []string{"t"})

	got, err := l.Load("page.html")
	require.NoError(t, err)
	assert.Equal(t, "[one]", got)
	assert.Equal(t, []string{"page.html"}, l.Cached())

	require.NoError(t, util.WriteFile(fs, "t/part.html", []byte("two"), 0o644))
	got, err = l.Load("page.html")
	require.NoError(t, err)
	assert.Equal(t, "[one]", got, "served from cache until invalidated")

	var notified []string
	handler := l.Handler(func(paths []string) { notified = paths })
	require.NoError(t, handler([]watcher.ChangeEvent{{Type: watcher.EventTypeModified, Path: "t/part.html"}}))
	assert.Equal(t, []string{"t/part.html"}, notified)
	assert.Empty(t, l.Cached())

	got, err = l.Load("page.html")
	require.NoError(t, err)
	assert.Equal(t, "[two]", got)
}

func TestList(t *testing.T) {
	fs := newFS(t, map[string]string{
		"a/page.html":    "",
		"a/sub/row.html": "",
		"a/.hidden.html": "",
		"a/readme.md":    "",
		"b/page.html":    "",
		"b/extra.djhtml": "",
	})
	names, err := New(fs, []string{"a", "b", "missing"}).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"extra.djhtml", "page.html", "sub/row.html"}, names)
}

func TestWithClause(t *testing.T) {
	assert.Equal(t, "", withClause(`"a.html"`))
	assert.Equal(t, "", withClause(`"a.html" only`))
	assert.Equal(t, "x=y", withClause(`"a.html" with x=y`))
	assert.Equal(t, "x=y z=w", withClause(`"a.html" with x=y z=w only`))
}
