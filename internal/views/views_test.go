package views

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/jit"
	"github.com/conneroisu/liveweave/internal/loader"
	"github.com/conneroisu/liveweave/internal/session"
	"github.com/conneroisu/liveweave/internal/testutils"
)

const doc = `
views:
  tenants:
    template: tenants.html
    context:
      title: Tenants
    queries:
      leases:
        type: Lease
        filter: {status: active}
        order_by: [id]
        limit: 2
  about:
    template: pages/about.html
`

const tenantsHTML = `<h1>{{ title }}</h1><ul>{% for lease in leases %}<li>{{ lease.tenant.user.name }}</li>{% endfor %}</ul>`

func newLoader(t *testing.T) *loader.Loader {
	t.Helper()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "templates/tenants.html", []byte(tenantsHTML), 0o644))
	require.NoError(t, util.WriteFile(fs, "templates/pages/about.html", []byte(`<p>about</p>`), 0o644))
	return loader.New(fs, []string{"templates"})
}

func TestParseAndValidate(t *testing.T) {
	f, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"about", "tenants"}, f.Names())
	assert.Equal(t, map[string]string{"leases": "Lease"}, f.Bindings("tenants"))
	assert.Empty(t, f.Bindings("about"))

	require.NoError(t, f.Validate(testutils.LeaseRegistry()))

	err = f.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenants.leases: queries need a schema")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name, doc, want string
	}{
		{"template", "views: {a: {}}", "a: missing template"},
		{"type", "views: {a: {template: a.html, queries: {x: {type: Nope}}}}", `a.x: unknown type "Nope"`},
		{"twice", "views: {a: {template: a.html, context: {x: 1}, queries: {x: {type: Lease}}}}", "a.x: bound twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			err = f.Validate(testutils.LeaseRegistry())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Parse([]byte("views: ["))
	assert.Error(t, err)
}

func TestViewRendersQueries(t *testing.T) {
	mem, reg := testutils.LeaseMemory(3)
	f, err := Parse([]byte(doc))
	require.NoError(t, err)
	v := f.Bind(mem)["tenants"]
	assert.Equal(t, `{% include "tenants.html" %}`, v.Template())

	l := newLoader(t)
	p, err := jit.New(reg, jit.WithLoader(l))
	require.NoError(t, err)
	live := session.New(session.WithPipeline(p), session.WithLoader(l))

	raw, err := v.Context(context.Background())
	require.NoError(t, err)
	res, err := live.DiffAndVersion(context.Background(), v.Template(), raw)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Tenants</h1><ul><li>Tenant 1</li><li>Tenant 2</li></ul>", res.HTML)
	assert.Equal(t, 1, res.Version)
}

func TestContextWithoutStore(t *testing.T) {
	f, err := Parse([]byte(doc))
	require.NoError(t, err)
	_, err = f.Bind(nil)["tenants"].Context(context.Background())
	require.Error(t, err)
	var le *errors.LiveError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, errors.ErrorTypeConfig, le.Type)

	raw, err := f.Bind(nil)["about"].Context(context.Background())
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestDiscover(t *testing.T) {
	f, err := Discover(newLoader(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"pages.about", "tenants"}, f.Names())
	assert.Equal(t, "pages/about.html", f.Views["pages.about"].Template)
}

func TestName(t *testing.T) {
	tests := map[string]string{
		"index.html":         "index",
		"pages/about.html":   "pages.about",
		"partials/nav.jinja": "partials.nav",
		"plain":              "plain",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, Name(in))
		})
	}
}
