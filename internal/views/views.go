// Package views declares the pages served by liveweave. A view names a
// template and the context it renders with: literal values plus store
// queries that the pipeline plans, fetches and serializes on every cycle.
package views

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/loader"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/store"
)

// Querier starts queries over one entity type.
type Querier interface {
	Query(typ string) store.Query
}

// File is the YAML form of a set of views.
//
//	views:
//	  dashboard:
//	    template: dashboard.html
//	    context: {title: Leases}
//	    queries:
//	      leases: {type: Lease, filter: {status: active}, order_by: [id], limit: 20}
type File struct {
	Views map[string]Spec `yaml:"views"`
}

// Spec declares one view.
type Spec struct {
	Template string                 `yaml:"template"`
	Context  map[string]interface{} `yaml:"context,omitempty"`
	Queries  map[string]QuerySpec   `yaml:"queries,omitempty"`
}

// QuerySpec declares a query bound to a context variable.
type QuerySpec struct {
	Type    string                 `yaml:"type"`
	Filter  map[string]interface{} `yaml:"filter,omitempty"`
	OrderBy []string               `yaml:"order_by,omitempty"`
	Limit   int                    `yaml:"limit,omitempty"`
}

// View renders a named template with the context of its Spec.
type View struct {
	Name string
	Spec Spec
	db   Querier
}

// Template returns an include of the view's template so the session's
// loader reads the current file on every parse.
func (v *View) Template() string {
	return fmt.Sprintf(`{%% include %q %%}`, v.Spec.Template)
}

// Context builds the raw context: literals are copied, queries are started
// but not fetched.
func (v *View) Context(ctx context.Context) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(v.Spec.Context)+len(v.Spec.Queries))
	for k, val := range v.Spec.Context {
		out[k] = val
	}
	for name, qs := range v.Spec.Queries {
		if v.db == nil {
			return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("view %s queries %s but no store is configured", v.Name, qs.Type))
		}
		out[name] = qs.Build(v.db)
	}
	return out, nil
}

// Build starts the query on db.
func (qs QuerySpec) Build(db Querier) store.Query {
	q := db.Query(qs.Type)
	keys := make([]string, 0, len(qs.Filter))
	for k := range qs.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q = q.Filter(k, qs.Filter[k])
	}
	if len(qs.OrderBy) > 0 {
		q = q.OrderBy(qs.OrderBy...)
	}
	if qs.Limit > 0 {
		q = q.Limit(qs.Limit)
	}
	return q
}

// Parse reads a views document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "parse views file")
	}
	return &f, nil
}

// LoadFile reads a views file.
func LoadFile(p string) (*File, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeFileNotFound, "read views file").WithContext("path", p)
	}
	return Parse(data)
}

// Validate checks that every view names a template and that every query
// targets a type of reg. A nil reg accepts no queries.
func (f *File) Validate(reg *schema.Registry) error {
	var problems []string
	for _, name := range f.Names() {
		spec := f.Views[name]
		if spec.Template == "" {
			problems = append(problems, name+": missing template")
		}
		for variable, qs := range spec.Queries {
			if reg == nil {
				problems = append(problems, fmt.Sprintf("%s.%s: queries need a schema", name, variable))
				continue
			}
			if _, ok := reg.Lookup(qs.Type); !ok {
				problems = append(problems, fmt.Sprintf("%s.%s: unknown type %q", name, variable, qs.Type))
			}
			if _, dup := spec.Context[variable]; dup {
				problems = append(problems, fmt.Sprintf("%s.%s: bound twice", name, variable))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.NewConfigError(errors.ErrCodeConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Names returns the view names, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Views))
	for name := range f.Views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings returns the entity type bound to each queried variable of the
// named view.
func (f *File) Bindings(name string) map[string]string {
	out := map[string]string{}
	for variable, qs := range f.Views[name].Queries {
		out[variable] = qs.Type
	}
	return out
}

// Bind returns the views of f over db.
func (f *File) Bind(db Querier) map[string]*View {
	out := make(map[string]*View, len(f.Views))
	for name, spec := range f.Views {
		out[name] = &View{Name: name, Spec: spec, db: db}
	}
	return out
}

// Discover declares one view per template found by l, without context.
// Views are named after the template path with the extension dropped and
// slashes turned into dots.
func Discover(l *loader.Loader) (*File, error) {
	names, err := l.List()
	if err != nil {
		return nil, err
	}
	f := &File{Views: make(map[string]Spec, len(names))}
	for _, name := range names {
		f.Views[Name(name)] = Spec{Template: name}
	}
	return f, nil
}

// Name returns the view name of a template path.
func Name(template string) string {
	base := strings.TrimSuffix(template, path.Ext(template))
	return strings.ReplaceAll(base, "/", ".")
}
