// Package codegen compiles a template's path set for one entity type into a
// serializer that reads exactly those paths and nothing else.
//
// Compilation resolves every segment against the schema once. The result is
// a tree of resolved fields walked by Serialize, plus the equivalent Go
// source for inspection.
package codegen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/serialize"
)

// collection pseudo-segments answered by the renderer on lists.
var collectionSegments = map[string]bool{
	"all":    true,
	"count":  true,
	"length": true,
	"exists": true,
	"first":  true,
	"last":   true,
}

// leafSegments end a path: nothing after them is read.
var leafSegments = map[string]bool{
	"count":  true,
	"length": true,
	"exists": true,
}

func isCollectionSegment(seg string) bool {
	if collectionSegments[seg] {
		return true
	}
	_, err := strconv.Atoi(seg)
	return err == nil
}

// Node is one resolved segment of the path tree.
type Node struct {
	Name   string
	Kind   schema.FieldKind
	Target string
	// Pseudo marks a collection segment such as "all" under a to-many
	// relation. It reads nothing; its children apply to the elements.
	Pseudo   bool
	Children []*Node

	field *schema.Field
	elems []*Node
	leaf  bool
}

func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	c := &Node{Name: name}
	n.Children = append(n.Children, c)
	return c
}

// prune removes relation and pseudo nodes that no kept path ends at or
// passes through. It reports whether n survives.
func (n *Node) prune() bool {
	kept := n.Children[:0]
	for _, c := range n.Children {
		if c.prune() {
			kept = append(kept, c)
		}
	}
	n.Children = kept
	if len(n.Children) > 0 || n.leaf {
		return true
	}
	return n.Kind == schema.KindScalar || n.Kind == schema.KindMethod
}

func (n *Node) sort() {
	sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Name < n.Children[j].Name })
	for _, c := range n.Children {
		c.sort()
	}
}

// finish computes the element plan of to-many nodes: their direct field
// children merged with the children of their pseudo-segments.
func (n *Node) finish() {
	for _, c := range n.Children {
		c.finish()
	}
	if n.Kind != schema.KindToMany {
		return
	}
	merged := &Node{}
	var collect func(nodes []*Node)
	collect = func(nodes []*Node) {
		for _, c := range nodes {
			if c.Pseudo {
				collect(c.Children)
				continue
			}
			mergeInto(merged, c)
		}
	}
	collect(n.Children)
	merged.sort()
	n.elems = merged.Children
}

func mergeInto(dst *Node, src *Node) {
	d := dst.child(src.Name)
	d.Kind, d.Target, d.Pseudo, d.field, d.leaf = src.Kind, src.Target, src.Pseudo, src.field, src.leaf
	for _, c := range src.Children {
		mergeInto(d, c)
	}
	if src.Kind == schema.KindToMany {
		d.elems = src.elems
	}
}

// Serializer is an immutable compiled serializer for one entity type and
// path set.
type Serializer struct {
	Type  string
	Paths []string
	// Generated is false for the fallback marker returned for an empty path
	// set; callers then use the deep serializer.
	Generated bool
	FnName    string
	Source    string
	// Dropped lists the paths, or path tails, that did not resolve.
	Dropped []string

	root *Node
	typ  *schema.EntityType
	deep *serialize.Serializer
}

// Tree returns the resolved path tree.
func (s *Serializer) Tree() []*Node {
	if s.root == nil {
		return nil
	}
	return s.root.Children
}

// Option configures Compile.
type Option func(*compiler)

// WithDeep sets the serializer used for leaf values and for the fallback.
func WithDeep(d *serialize.Serializer) Option {
	return func(c *compiler) {
		if d != nil {
			c.deep = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *compiler) {
		c.logger = logging.OrNop(logger).WithComponent("codegen")
	}
}

type compiler struct {
	reg     *schema.Registry
	deep    *serialize.Serializer
	logger  logging.Logger
	dropped []string
}

// FnName returns the default function name for typeName and paths.
func FnName(typeName string, paths []string) string {
	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "serialize" + identifier(typeName) + "_" + hex.EncodeToString(h.Sum(nil))[:8]
}

func identifier(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Compile builds the serializer of typeName for paths. fnName names the
// generated function; empty means FnName(typeName, paths). Unknown segments
// are dropped and logged; an unknown type is an advisory error.
func Compile(reg *schema.Registry, typeName string, paths []string, fnName string, opts ...Option) (*Serializer, error) {
	c := &compiler{reg: reg, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.deep == nil {
		c.deep = serialize.New(reg)
	}

	typ, ok := reg.Lookup(typeName)
	if !ok {
		return nil, errors.NewAdvisoryError(errors.ErrCodeUnknownEntity,
			fmt.Sprintf("no accessor table for %q", typeName), nil)
	}

	sorted := normalizePaths(paths)
	if fnName == "" {
		fnName = FnName(typeName, sorted)
	}
	fnName = identifier(fnName)

	s := &Serializer{
		Type:   typeName,
		Paths:  sorted,
		FnName: fnName,
		typ:    typ,
		deep:   c.deep,
	}
	if len(sorted) == 0 {
		return s, nil
	}

	root := &Node{Name: typeName, Kind: schema.KindToOne, Target: typeName}
	for _, p := range sorted {
		c.insert(root, typ, p, strings.Split(p, "."), 0, false)
	}
	root.prune()
	root.sort()
	root.finish()

	src, err := generate(fnName, typ, root)
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeCompileFailed,
			"format generated serializer for "+typeName, err)
	}

	s.Generated = true
	s.root = root
	s.Source = src
	s.Dropped = c.dropped
	return s, nil
}

func normalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *compiler) drop(path string, segs []string, i int, reason string) {
	tail := strings.Join(segs[i:], ".")
	c.dropped = append(c.dropped, path+" ("+tail+")")
	c.logger.Debug(context.Background(), "dropping unresolved path", "path", path, "segment", segs[i], "reason", reason)
}

// insert adds segs[i:] below parent, resolved against typ. inCollection is
// set right below a to-many relation, where pseudo-segments are allowed.
func (c *compiler) insert(parent *Node, typ *schema.EntityType, path string, segs []string, i int, inCollection bool) {
	if i >= len(segs) {
		return
	}
	seg := segs[i]
	if inCollection && isCollectionSegment(seg) {
		n := parent.child(seg)
		n.Pseudo = true
		n.Kind = schema.KindUnknown
		if i == len(segs)-1 {
			n.leaf = true
		}
		if leafSegments[seg] {
			n.leaf = true
			if i+1 < len(segs) {
				c.drop(path, segs, i+1, "after "+seg)
			}
			return
		}
		c.insert(n, typ, path, segs, i+1, false)
		return
	}

	f, kind := c.reg.Resolve(typ.Name, seg)
	if kind == schema.KindUnknown {
		c.drop(path, segs, i, "unknown field of "+typ.Name)
		return
	}
	n := parent.child(seg)
	n.Kind, n.field, n.Target = kind, f, f.Target
	if i == len(segs)-1 {
		n.leaf = true
	}

	switch kind {
	case schema.KindToOne, schema.KindToMany:
		target, ok := c.reg.Lookup(f.Target)
		if !ok {
			c.drop(path, segs, i, "unknown target "+f.Target)
			return
		}
		c.insert(n, target, path, segs, i+1, kind == schema.KindToMany)
	default:
		if i+1 < len(segs) {
			c.drop(path, segs, i+1, "below "+kind.String()+" "+seg)
		}
	}
}

// Serialize reads the compiled paths of e. A nil entity serializes to nil;
// an entity of another type is a type mismatch.
func (s *Serializer) Serialize(ctx context.Context, e schema.Entity) (map[string]interface{}, error) {
	if schema.IsNil(e) {
		return nil, nil
	}
	if !s.typ.Accepts(e) {
		return nil, errors.NewTypeMismatchError(s.Type, e.EntityType())
	}
	if !s.Generated {
		out, _ := s.deep.Serialize(ctx, e).(map[string]interface{})
		return out, nil
	}
	out := make(map[string]interface{}, len(s.root.Children))
	if err := s.fill(ctx, out, e, s.root.Children); err != nil {
		return nil, err
	}
	return out, nil
}

// SerializeList serializes each entity in order.
func (s *Serializer) SerializeList(ctx context.Context, es []schema.Entity) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(es))
	for _, e := range es {
		m, err := s.Serialize(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Serializer) fill(ctx context.Context, out map[string]interface{}, e schema.Entity, nodes []*Node) error {
	for _, n := range nodes {
		switch n.Kind {
		case schema.KindScalar, schema.KindMethod:
			v, err := n.field.Get(e)
			if err != nil {
				return s.fieldError(e, n, err)
			}
			out[n.Name] = s.deep.Scalar(ctx, v)
		case schema.KindToOne:
			t, err := n.field.One(e)
			if err != nil {
				return s.fieldError(e, n, err)
			}
			if schema.IsNil(t) {
				out[n.Name] = nil
				continue
			}
			if len(n.Children) == 0 {
				out[n.Name] = s.deep.Display(t)
				continue
			}
			m := make(map[string]interface{}, len(n.Children))
			if err := s.fill(ctx, m, t, n.Children); err != nil {
				return err
			}
			out[n.Name] = m
		case schema.KindToMany:
			items, err := n.field.Many(e)
			if err != nil {
				return s.fieldError(e, n, err)
			}
			list := make([]interface{}, 0, len(items))
			for _, item := range items {
				if schema.IsNil(item) {
					continue
				}
				if len(n.elems) == 0 {
					list = append(list, s.deep.Scalar(ctx, item))
					continue
				}
				m := make(map[string]interface{}, len(n.elems))
				if err := s.fill(ctx, m, item, n.elems); err != nil {
					return err
				}
				list = append(list, m)
			}
			out[n.Name] = list
		}
	}
	return nil
}

func (s *Serializer) fieldError(e schema.Entity, n *Node, err error) error {
	return errors.WrapAdvisory(err, errors.ErrCodeCompileFailed,
		fmt.Sprintf("read %s.%s", e.EntityType(), n.Name), "codegen")
}

// Describe renders the tree one node per line, indented by depth.
func (s *Serializer) Describe() string {
	if !s.Generated {
		return "(fallback)\n"
	}
	var b strings.Builder
	var walk func(nodes []*Node, depth int)
	walk = func(nodes []*Node, depth int) {
		for _, n := range nodes {
			kind := n.Kind.String()
			if n.Pseudo {
				kind = "collection"
			}
			fmt.Fprintf(&b, "%s%s [%s]", strings.Repeat("  ", depth), n.Name, kind)
			if n.Target != "" {
				fmt.Fprintf(&b, " -> %s", n.Target)
			}
			b.WriteByte('\n')
			walk(n.Children, depth+1)
		}
	}
	walk(s.root.Children, 0)
	return b.String()
}
