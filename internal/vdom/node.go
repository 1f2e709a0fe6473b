// Package vdom holds the server-side tree of the HTML a session last sent
// to the browser, and computes the patches that turn one tree into the next.
package vdom

import (
	"hash/fnv"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	// FragmentTag is the tag of the root every built tree hangs from. The
	// root stands for the element the rendered HTML is mounted into.
	FragmentTag = "#fragment"
	// IDAttr may carry a node id in client markup. The differ ignores it.
	IDAttr = "data-dj-id"
)

// rawText elements render their text children unescaped.
var rawText = map[string]bool{
	"script": true, "style": true, "xmp": true, "iframe": true,
	"noembed": true, "noframes": true, "plaintext": true, "noscript": true,
}

// Attr is one attribute, in source order.
type Attr struct {
	Name  string
	Value string
}

// Node is an element or a text node. Text nodes have an empty Tag. A Node
// is never modified after Build or Rebuild returns it.
type Node struct {
	// ID is stable across rebuilds for a node that keeps its slot.
	ID       string
	Tag      string
	Attrs    []Attr
	Children []*Node
	Text     string
	// Key comes from the key, data-key or id attribute, in that order.
	Key string

	sum uint64
}

// IsText reports whether n is a text node.
func (n *Node) IsText() bool { return n.Tag == "" }

// Attr returns the value of the named attribute.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Find returns the node at path, each element an index into Children.
func (n *Node) Find(path []int) (*Node, bool) {
	cur := n
	for _, i := range path {
		if i < 0 || i >= len(cur.Children) {
			return nil, false
		}
		cur = cur.Children[i]
	}
	return cur, true
}

// Count returns the number of nodes in the tree rooted at n.
func (n *Node) Count() int {
	c := 1
	for _, child := range n.Children {
		c += child.Count()
	}
	return c
}

// HTML returns the serialized subtree.
func (n *Node) HTML() string { return Render(n) }

func (n *Node) clone() *Node {
	c := *n
	c.Attrs = append([]Attr(nil), n.Attrs...)
	c.Children = make([]*Node, len(n.Children))
	for i, child := range n.Children {
		c.Children[i] = child.clone()
	}
	return &c
}

// Render serializes n as HTML. A fragment root renders its children only.
// Node ids are not written.
func Render(n *Node) string {
	var b strings.Builder
	render(&b, n, "")
	return b.String()
}

func render(b *strings.Builder, n *Node, parent string) {
	switch {
	case n == nil:
	case n.Tag == FragmentTag:
		for _, c := range n.Children {
			render(b, c, "")
		}
	case n.IsText():
		if rawText[parent] {
			b.WriteString(n.Text)
			return
		}
		b.WriteString(html.EscapeString(n.Text))
	default:
		_ = html.Render(b, toHTML(n))
	}
}

func toHTML(n *Node) *html.Node {
	if n.IsText() {
		return &html.Node{Type: html.TextNode, Data: n.Text}
	}
	h := &html.Node{Type: html.ElementNode, Data: n.Tag, DataAtom: atom.Lookup([]byte(n.Tag))}
	for _, a := range n.Attrs {
		h.Attr = append(h.Attr, html.Attribute{Key: a.Name, Val: a.Value})
	}
	for _, c := range n.Children {
		h.AppendChild(toHTML(c))
	}
	return h
}

// checksum hashes the content of n and its subtree, ids excluded. Children
// must be summed first.
func checksum(n *Node) uint64 {
	h := fnv.New64a()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	if n.IsText() {
		write("#text")
		write(n.Text)
		return h.Sum64()
	}
	write(n.Tag)
	for _, a := range n.Attrs {
		if a.Name == IDAttr {
			continue
		}
		write(a.Name)
		write(a.Value)
	}
	for _, c := range n.Children {
		write(strconv.FormatUint(c.sum, 16))
	}
	return h.Sum64()
}

func rehash(n *Node) {
	for _, c := range n.Children {
		rehash(c)
	}
	n.sum = checksum(n)
}

func formatID(seq uint64) string { return strconv.FormatUint(seq, 36) }

// maxID returns the largest numeric id in the tree.
func maxID(n *Node) (uint64, bool) {
	var best uint64
	found := false
	var walk func(*Node)
	walk = func(n *Node) {
		if v, err := strconv.ParseUint(n.ID, 36, 64); err == nil {
			if !found || v > best {
				best = v
			}
			found = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	return best, found
}
