package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/liveweave/internal/logging"
)

const (
	userSchema = `
types:
  - name: User
    table: users
    display: name
    fields: [name, email]
`
	userViews = `
views:
  users:
    template: users.html
    context: {title: People}
    queries:
      users: {type: User, order_by: [id]}
`
	userSeed = `
- table: users
  rows:
    - {id: 1, name: Ada, email: ada@example.com}
    - {id: 2, name: Linus, email: linus@example.com}
`
	usersHTML = `<h1>{{ title }}</h1><ul>{% for u in users %}<li>{{ u.name }}</li>{% endfor %}</ul>`
)

// setupProject writes files into a temporary directory, makes it the
// working directory and points the configuration at it.
func setupProject(t *testing.T, files map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	oldDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldDir) })

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("templates.dirs", []string{"templates"})
	viper.Set("store.driver", "memory")
	viper.Set("log.level", "error")
}

func userProject(t *testing.T, extra map[string]string) {
	t.Helper()
	files := map[string]string{
		"schema.yml":           userSchema,
		"views.yml":            userViews,
		"seed.yml":             userSeed,
		"templates/users.html": usersHTML,
	}
	for k, v := range extra {
		files[k] = v
	}
	setupProject(t, files)
	viper.Set("store.schema", "schema.yml")
	viper.Set("templates.views", "views.yml")
}

// run calls a command's RunE with fresh output buffers.
func run(t *testing.T, runE func(*cobra.Command, []string) error, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetContext(context.Background())
	c.SetOut(&out)
	c.SetErr(io.Discard)
	err := runE(c, args)
	return out.String(), err
}

func TestRenderTemplate(t *testing.T) {
	setupProject(t, map[string]string{
		"templates/hello.html": `<p>Hello {{ name|upper }}</p>`,
		"ctx.json":             `{"name": "ada"}`,
	})

	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "inline", data: `{"name": "grace"}`, want: "<p>Hello GRACE</p>\n"},
		{name: "file", data: "@ctx.json", want: "<p>Hello ADA</p>\n"},
		{name: "empty", data: "", want: "<p>Hello </p>\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renderData, renderView = tt.data, ""
			defer func() { renderData = "" }()
			out, err := run(t, runRender, "hello.html")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRenderArguments(t *testing.T) {
	setupProject(t, nil)
	renderData, renderView = "", ""

	_, err := run(t, runRender)
	assert.ErrorContains(t, err, "needs a template or --view")

	renderView = "users"
	defer func() { renderView = "" }()
	_, err = run(t, runRender, "hello.html")
	assert.ErrorContains(t, err, "cannot render both")
}

func TestRenderView(t *testing.T) {
	userProject(t, nil)
	renderData, renderView = "", "users"
	defer func() { renderView = "" }()

	out, err := run(t, runRender)
	require.NoError(t, err)
	assert.Equal(t, "<h1>People</h1><ul></ul>\n", out, "the memory store starts empty")

	renderView = "missing"
	_, err = run(t, runRender)
	assert.ErrorContains(t, err, "unknown view missing")
}

func TestServeSeededView(t *testing.T) {
	userProject(t, nil)
	serveSeed = "seed.yml"
	defer func() { serveSeed = "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	var out bytes.Buffer
	srv, p, err := buildServer(context.Background(), &out, cfg, logging.NewNop())
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "Seeded 2 rows\n", out.String())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/views/users")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "<h1>People</h1><ul><li>Ada</li><li>Linus</li></ul>")
}

func TestSeedWithoutSchema(t *testing.T) {
	setupProject(t, map[string]string{"templates/a.html": "<p>a</p>", "seed.yml": userSeed})
	serveSeed = "seed.yml"
	defer func() { serveSeed = "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	_, _, err = buildServer(context.Background(), io.Discard, cfg, logging.NewNop())
	assert.ErrorContains(t, err, "--seed needs a schema")
}

func TestDiffDocuments(t *testing.T) {
	setupProject(t, map[string]string{
		"old.html": `<p>1</p>`,
		"new.html": `<p>2</p>`,
	})
	diffTemplate = ""

	out, err := run(t, runDiff, "old.html", "new.html")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"patch","version":2,"patches":[{"type":"ReplaceText","path":[0,0],"id":"2","value":"2"}]}`, out)

	_, err = run(t, runDiff, "old.html", "missing.html")
	assert.ErrorContains(t, err, "new:")
}

func TestDiffTemplate(t *testing.T) {
	setupProject(t, map[string]string{
		"templates/list.html": `<ul>{% for i in items %}<li>{{ i }}</li>{% endfor %}</ul>`,
	})
	diffTemplate = "list.html"
	defer func() { diffTemplate = "" }()

	out, err := run(t, runDiff, `{"items": ["a", "b"]}`, `{"items": ["a", "b", "c"]}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"patch","version":2,"patches":[{"type":"InsertChild","path":[0],"id":"1","position":2,"html":"<li>c</li>"}]}`, out)

	_, err = run(t, runDiff, `[1]`, `{}`)
	assert.ErrorContains(t, err, "must hold a JSON object")
}

func TestAudit(t *testing.T) {
	userProject(t, nil)
	auditFormat, auditSource, auditBindings = "text", false, nil

	out, err := run(t, runAudit, "users.html")
	require.NoError(t, err)
	assert.Contains(t, out, "Template users.html (")
	assert.Contains(t, out, "users: User\n  - name\n")
	assert.Contains(t, out, "  serializer serialize_users\n")

	auditFormat = "json"
	defer func() { auditFormat = "text" }()
	out, err = run(t, runAudit, "users.html")
	require.NoError(t, err)
	var report struct {
		Variables []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"variables"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Contains(t, report.Variables, struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}{Name: "users", Type: "User"})

	auditBindings = []string{"nope"}
	defer func() { auditBindings = nil }()
	_, err = run(t, runAudit, "users.html")
	assert.ErrorContains(t, err, "want var=Type")
}

func TestList(t *testing.T) {
	userProject(t, nil)
	listFormat = "json"
	defer func() { listFormat = "table" }()

	out, err := run(t, runList)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"users","template":"users.html","queries":{"users":"User"}}]`, out)

	listFormat = "table"
	out, err = run(t, runList)
	require.NoError(t, err)
	assert.Contains(t, out, "users:User")
	assert.Contains(t, out, "Total: 1 views")
}

func TestListDiscoversTemplates(t *testing.T) {
	setupProject(t, map[string]string{
		"templates/index.html":       "<p>home</p>",
		"templates/pages/about.html": "<p>about</p>",
	})
	listFormat = "json"
	defer func() { listFormat = "table" }()

	out, err := run(t, runList)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"index","template":"index.html"},{"name":"pages.about","template":"pages/about.html"}]`, out)
}

func TestValidate(t *testing.T) {
	userProject(t, map[string]string{
		"templates/bad.html":  `<p>{% if x %}</p>`,
		"templates/attr.html": `<a class="{% if x %}on{% endif %}">x</a>`,
	})
	validateFormatFlag = "text"

	out, err := run(t, runValidateCommand)
	require.Error(t, err)
	assert.Contains(t, out, "ok      users.html")
	assert.Contains(t, out, "invalid bad.html")
	assert.Contains(t, out, "invalid attr.html")

	out, err = run(t, runValidateCommand, "users.html")
	require.NoError(t, err)
	assert.Contains(t, out, "ok      users.html")
}

func TestValidateReportsBadViews(t *testing.T) {
	userProject(t, map[string]string{
		"views.yml": "views: {x: {template: users.html, queries: {users: {type: Ghost}}}}",
	})
	validateFormatFlag = "json"
	defer func() { validateFormatFlag = "text" }()

	out, err := run(t, runValidateCommand)
	require.Error(t, err)
	var summary ValidationSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.False(t, summary.Valid)
	require.Len(t, summary.Problems, 1)
	assert.Contains(t, summary.Problems[0], `unknown type "Ghost"`)
}

func TestVersion(t *testing.T) {
	versionFormat, versionShort = "json", false
	defer func() { versionFormat = "text" }()

	out, err := run(t, runVersionCommand)
	require.NoError(t, err)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "release")

	versionFormat, versionShort = "text", true
	out, err = run(t, runVersionCommand)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))

	versionFormat = "xml"
	_, err = run(t, runVersionCommand)
	assert.Error(t, err)
}
