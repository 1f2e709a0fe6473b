package tmpl

import (
	"fmt"
	"html"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// SafeString is rendered without escaping.
type SafeString string

// RenderError reports a failure while executing a template.
type RenderError struct {
	Line int
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render line %d: %v", e.Line, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// scope is a chain of variable frames searched innermost first.
type scope struct {
	vars   map[string]interface{}
	parent *scope
}

func (s *scope) lookup(name string) (interface{}, bool) {
	for f := s; f != nil; f = f.parent {
		if v, ok := f.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *scope) push(vars map[string]interface{}) *scope {
	return &scope{vars: vars, parent: s}
}

// Renderer executes parsed templates against plain data.
type Renderer struct {
	filters map[string]FilterFunc
}

// NewRenderer returns a renderer with the built-in filters.
func NewRenderer() *Renderer {
	return &Renderer{filters: builtinFilters()}
}

// RegisterFilter adds or replaces a filter.
func (r *Renderer) RegisterFilter(name string, fn FilterFunc) {
	r.filters[name] = fn
}

// Render executes t with data and returns the output.
func (r *Renderer) Render(t *Template, data map[string]interface{}) (string, error) {
	var b strings.Builder
	b.Grow(len(t.Source))
	if err := r.Execute(&b, t, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Execute writes the output of t to w.
func (r *Renderer) Execute(w io.Writer, t *Template, data map[string]interface{}) error {
	var b strings.Builder
	if err := r.renderNodes(&b, t.Nodes, (&scope{}).push(data)); err != nil {
		return err
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Renderer) renderNodes(b *strings.Builder, nodes []Node, s *scope) error {
	for _, n := range nodes {
		if err := r.renderNode(b, n, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) renderNode(b *strings.Builder, n Node, s *scope) error {
	switch n := n.(type) {
	case *TextNode:
		b.WriteString(n.Text)
	case *VarNode:
		v, err := r.eval(n.Expr, s)
		if err != nil {
			return &RenderError{Line: n.Line, Err: err}
		}
		writeValue(b, v)
	case *IfNode:
		for _, br := range n.Branches {
			ok, err := r.test(br.Cond, s)
			if err != nil {
				return &RenderError{Line: n.Line, Err: err}
			}
			if ok {
				return r.renderNodes(b, br.Body, s)
			}
		}
		return r.renderNodes(b, n.Else, s)
	case *ForNode:
		return r.renderFor(b, n, s)
	case *WithNode:
		frame := make(map[string]interface{}, len(n.Bindings))
		for _, bind := range n.Bindings {
			v, err := r.eval(bind.Value, s)
			if err != nil {
				return &RenderError{Line: n.Line, Err: err}
			}
			frame[bind.Name] = v
		}
		return r.renderNodes(b, n.Body, s.push(frame))
	case *BlockNode:
		return r.renderNodes(b, n.Body, s)
	case *TagNode:
		return r.renderTag(b, n, s)
	case *IncludeNode:
	}
	return nil
}

func (r *Renderer) renderTag(b *strings.Builder, n *TagNode, s *scope) error {
	if n.Name != "firstof" {
		return nil
	}
	for _, arg := range n.Args {
		v, err := r.eval(arg, s)
		if err != nil {
			return &RenderError{Line: n.Line, Err: err}
		}
		if truthy(v) {
			writeValue(b, v)
			return nil
		}
	}
	return nil
}

func (r *Renderer) renderFor(b *strings.Builder, n *ForNode, s *scope) error {
	src, err := r.eval(n.Source, s)
	if err != nil {
		return &RenderError{Line: n.Line, Err: err}
	}
	items := iterate(src)
	if len(items) == 0 {
		return r.renderNodes(b, n.Empty, s)
	}
	if n.Reversed {
		rev := make([]interface{}, len(items))
		for i, it := range items {
			rev[len(items)-1-i] = it
		}
		items = rev
	}

	parentLoop, _ := s.lookup("forloop")
	for i, item := range items {
		frame := map[string]interface{}{
			"forloop": map[string]interface{}{
				"counter":     i + 1,
				"counter0":    i,
				"revcounter":  len(items) - i,
				"revcounter0": len(items) - i - 1,
				"first":       i == 0,
				"last":        i == len(items)-1,
				"parentloop":  parentLoop,
			},
		}
		if len(n.Vars) == 1 {
			frame[n.Vars[0]] = item
		} else {
			parts := iterate(item)
			for j, name := range n.Vars {
				if j < len(parts) {
					frame[name] = parts[j]
				} else {
					frame[name] = nil
				}
			}
		}
		if err := r.renderNodes(b, n.Body, s.push(frame)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) eval(e *Expr, s *scope) (interface{}, error) {
	if e.Cond != nil {
		ok, err := r.test(e.Cond, s)
		if err != nil {
			return nil, err
		}
		if !ok {
			return r.eval(e.Else, s)
		}
	}

	v := r.resolve(&e.Operand, s)
	for _, f := range e.Filters {
		fn, ok := r.filters[f.Name]
		if !ok {
			return nil, fmt.Errorf("unknown filter %q", f.Name)
		}
		var arg interface{}
		if f.Arg != nil {
			arg = r.resolve(f.Arg, s)
		}
		var err error
		v, err = fn(v, arg, f.Arg != nil)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Name, err)
		}
	}
	return v, nil
}

func (r *Renderer) resolve(o *Operand, s *scope) interface{} {
	if o.IsLiteral {
		return o.Literal
	}
	v, ok := s.lookup(o.Path[0])
	if !ok {
		return nil
	}
	if o.lookup != nil {
		return o.lookup.First(v)
	}
	for _, seg := range o.Path[1:] {
		v = step(v, seg)
		if v == nil {
			return nil
		}
	}
	return v
}

// step resolves one segment against plain data. Collections answer the
// pseudo-methods all, count, length, first, last and exists.
func step(v interface{}, seg string) interface{} {
	switch cur := v.(type) {
	case map[string]interface{}:
		if x, ok := cur[seg]; ok {
			return x
		}
		switch seg {
		case "items":
			keys := sortedKeys(cur)
			out := make([]interface{}, len(keys))
			for i, k := range keys {
				out[i] = []interface{}{k, cur[k]}
			}
			return out
		case "keys":
			keys := sortedKeys(cur)
			out := make([]interface{}, len(keys))
			for i, k := range keys {
				out[i] = k
			}
			return out
		case "values":
			keys := sortedKeys(cur)
			out := make([]interface{}, len(keys))
			for i, k := range keys {
				out[i] = cur[k]
			}
			return out
		}
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		switch seg {
		case "all":
			return v
		case "count", "length":
			return rv.Len()
		case "exists":
			return rv.Len() > 0
		case "first":
			if rv.Len() == 0 {
				return nil
			}
			return rv.Index(0).Interface()
		case "last":
			if rv.Len() == 0 {
				return nil
			}
			return rv.Index(rv.Len() - 1).Interface()
		}
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil
		}
		return rv.Index(i).Interface()
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		x := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !x.IsValid() {
			return nil
		}
		return x.Interface()
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// iterate turns a value into a slice for loops. Maps iterate their keys in
// sorted order; nil and scalars yield nothing.
func iterate(v interface{}) []interface{} {
	switch cur := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return cur
	case map[string]interface{}:
		keys := sortedKeys(cur)
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out
	case string:
		out := make([]interface{}, 0, len(cur))
		for _, r := range cur {
			out = append(out, string(r))
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return nil
}

func (r *Renderer) test(c *Cond, s *scope) (bool, error) {
	switch c.Kind {
	case CondValue:
		v, err := r.eval(c.Value, s)
		if err != nil {
			return false, err
		}
		return truthy(v), nil
	case CondNot:
		ok, err := r.test(c.Args[0], s)
		return !ok, err
	case CondAnd:
		for _, a := range c.Args {
			ok, err := r.test(a, s)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case CondOr:
		for _, a := range c.Args {
			ok, err := r.test(a, s)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case CondCompare:
		left, err := r.eval(c.Value, s)
		if err != nil {
			return false, err
		}
		right, err := r.eval(c.Right, s)
		if err != nil {
			return false, err
		}
		return compare(left, c.Op, right), nil
	}
	return false, fmt.Errorf("unknown condition kind %d", c.Kind)
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case SafeString:
		return x != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func compare(left interface{}, op string, right interface{}) bool {
	switch op {
	case "in":
		return contains(right, left)
	case "not in":
		return !contains(right, left)
	case "is":
		return left == nil && right == nil || (left != nil && right != nil && equal(left, right))
	case "is not":
		return !compare(left, "is", right)
	case "==":
		return equal(left, right)
	case "!=":
		return !equal(left, right)
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs
		case ">":
			return ls > rs
		case "<=":
			return ls <= rs
		case ">=":
			return ls >= rs
		}
	}
	return false
}

func equal(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if as, ok := a.(SafeString); ok {
		a = string(as)
	}
	if bs, ok := b.(SafeString); ok {
		b = string(bs)
	}
	return reflect.DeepEqual(a, b)
}

func contains(container, item interface{}) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case map[string]interface{}:
		s, ok := item.(string)
		if !ok {
			return false
		}
		_, found := c[s]
		return found
	}
	for _, x := range iterate(container) {
		if equal(x, item) {
			return true
		}
	}
	return false
}

func writeValue(b *strings.Builder, v interface{}) {
	if s, ok := v.(SafeString); ok {
		b.WriteString(string(s))
		return
	}
	b.WriteString(html.EscapeString(stringify(v)))
}

// stringify renders a value the way templates print it.
func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case SafeString:
		return string(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		if math.Trunc(x) == x && math.Abs(x) < 1e15 {
			return strconv.FormatFloat(x, 'f', 1, 64)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return stringify(float64(x))
	case fmt.Stringer:
		return x.String()
	case map[string]interface{}:
		// serialized entities print as their display string
		if str, ok := x["__str__"]; ok {
			return stringify(str)
		}
	}
	return fmt.Sprint(v)
}
