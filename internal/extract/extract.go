// Package extract computes, for each top-level variable of a template, the
// attribute paths the template reads from it.
package extract

import (
	"sort"
	"strings"

	"github.com/conneroisu/liveweave/internal/tmpl"
)

// PathMap maps variable names to the sorted, deduplicated attribute paths
// read from them. A variable referenced without attribute access maps to an
// empty slice. A PathMap is read-only once returned.
type PathMap struct {
	Vars map[string][]string
	// Loops maps a loop item or with alias to the source expression it was
	// bound to, such as "item" -> "lease.units". The first binding of a name
	// wins.
	Loops map[string]string
	// Bound holds the paths read through a Loops binding inside the body
	// that binding covers. A name read after its loop ends is only in Vars.
	Bound map[string][]string
}

// Empty returns a PathMap with no variables.
func Empty() PathMap {
	return PathMap{Vars: map[string][]string{}, Loops: map[string]string{}, Bound: map[string][]string{}}
}

// Has reports whether name was referenced.
func (m PathMap) Has(name string) bool {
	_, ok := m.Vars[name]
	return ok
}

// Names returns the referenced variable names, sorted.
func (m PathMap) Names() []string {
	names := make([]string, 0, len(m.Vars))
	for name := range m.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Paths returns a copy of the paths recorded for name.
func (m PathMap) Paths(name string) []string {
	return append([]string{}, m.Vars[name]...)
}

// Effective returns the paths of name plus the paths of every loop item or
// alias bound under it, prefixed by the binding's attribute chain. Given
// "for item in items" and "item.title", Effective("items") contains "title".
func (m PathMap) Effective(name string) []string {
	set := make(map[string]struct{})
	m.effective(name, "", m.Vars[name], set, map[string]bool{})
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m PathMap) effective(name, prefix string, paths []string, set map[string]struct{}, visiting map[string]bool) {
	if visiting[name] {
		return
	}
	visiting[name] = true
	defer delete(visiting, name)

	if prefix != "" {
		set[prefix] = struct{}{}
	}
	for _, p := range paths {
		set[join(prefix, p)] = struct{}{}
	}

	items := make([]string, 0)
	for item := range m.Loops {
		items = append(items, item)
	}
	sort.Strings(items)
	for _, item := range items {
		root, attrs, _ := strings.Cut(m.Loops[item], ".")
		if root != name || item == name {
			continue
		}
		m.effective(item, join(prefix, attrs), m.Bound[item], set, visiting)
	}
}

func join(prefix, p string) string {
	switch {
	case prefix == "":
		return p
	case p == "":
		return prefix
	}
	return prefix + "." + p
}

// ignoredVars are provided by the renderer, not the view context.
var ignoredVars = map[string]bool{
	"forloop": true,
	"block":   true,
}

type collector struct {
	vars  map[string]map[string]struct{}
	loops map[string]string
	bound map[string]map[string]struct{}
	// scope lists the names bound around the node being visited, innermost
	// last. tracked marks a binding recorded in loops.
	scope []binding
}

type binding struct {
	name    string
	tracked bool
}

// ExtractPaths parses text and returns its PathMap. Includes must already be
// resolved. Malformed text yields an empty PathMap.
func ExtractPaths(text string) (pm PathMap) {
	defer func() {
		if recover() != nil {
			pm = Empty()
		}
	}()

	t, err := tmpl.Parse(text)
	if err != nil {
		return Empty()
	}
	return FromTemplate(t)
}

// FromTemplate computes the PathMap of an already parsed template.
func FromTemplate(t *tmpl.Template) PathMap {
	c := &collector{
		vars:  make(map[string]map[string]struct{}),
		loops: make(map[string]string),
		bound: make(map[string]map[string]struct{}),
	}
	c.nodes(t.Nodes)
	return c.result()
}

func (c *collector) result() PathMap {
	return PathMap{Vars: sorted(c.vars), Loops: c.loops, Bound: sorted(c.bound)}
}

func sorted(sets map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(sets))
	for name, set := range sets {
		paths := make([]string, 0, len(set))
		for p := range set {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		out[name] = paths
	}
	return out
}

func (c *collector) nodes(nodes []tmpl.Node) {
	for _, n := range nodes {
		c.node(n)
	}
}

func (c *collector) node(n tmpl.Node) {
	switch n := n.(type) {
	case *tmpl.VarNode:
		c.expr(n.Expr)
	case *tmpl.IfNode:
		for _, br := range n.Branches {
			br.Cond.Walk(c.expr)
			c.nodes(br.Body)
		}
		c.nodes(n.Else)
	case *tmpl.ForNode:
		c.expr(n.Source)
		depth := len(c.scope)
		for _, v := range n.Vars {
			c.scope = append(c.scope, binding{name: v, tracked: len(n.Vars) == 1 && c.bind(v, n.Source)})
		}
		c.nodes(n.Body)
		c.scope = c.scope[:depth]
		c.nodes(n.Empty)
	case *tmpl.WithNode:
		depth := len(c.scope)
		for _, b := range n.Bindings {
			c.expr(b.Value)
			c.scope = append(c.scope, binding{name: b.Name, tracked: c.bind(b.Name, b.Value)})
		}
		c.nodes(n.Body)
		c.scope = c.scope[:depth]
	case *tmpl.BlockNode:
		c.nodes(n.Body)
	case *tmpl.TagNode:
		for _, e := range n.Args {
			c.expr(e)
		}
	case *tmpl.IncludeNode:
		// Unresolved includes contribute nothing.
	}
}

// bind records name as bound to a plain variable reference. It reports
// whether the recorded binding of name is e.
func (c *collector) bind(name string, e *tmpl.Expr) bool {
	if e == nil || e.Cond != nil || e.Operand.IsLiteral || e.Operand.Call {
		return false
	}
	src := e.Operand.String()
	if src == "" || e.Operand.Var() == name {
		return false
	}
	if prev, ok := c.loops[name]; ok {
		return prev == src
	}
	c.loops[name] = src
	return true
}

// tracked reports whether the innermost binding of name is recorded.
func (c *collector) tracked(name string) bool {
	for i := len(c.scope) - 1; i >= 0; i-- {
		if c.scope[i].name == name {
			return c.scope[i].tracked
		}
	}
	return false
}

func (c *collector) expr(e *tmpl.Expr) {
	if e == nil {
		return
	}
	c.operand(&e.Operand)
	for _, f := range e.Filters {
		if f.Arg != nil {
			c.operand(f.Arg)
		}
	}
	if e.Cond != nil {
		e.Cond.Walk(c.expr)
	}
	c.expr(e.Else)
}

func (c *collector) operand(o *tmpl.Operand) {
	name := o.Var()
	if name == "" || ignoredVars[name] {
		return
	}
	record(c.vars, name, o.Attrs())
	if c.tracked(name) {
		record(c.bound, name, o.Attrs())
	}
}

func record(sets map[string]map[string]struct{}, name string, attrs []string) {
	set, ok := sets[name]
	if !ok {
		set = make(map[string]struct{})
		sets[name] = set
	}
	if len(attrs) > 0 {
		set[strings.Join(attrs, ".")] = struct{}{}
	}
}
