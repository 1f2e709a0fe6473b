package vdom

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/liveweave/internal/errors"
)

const (
	maxNesting = 512
	// maxAlignCells bounds the table of one child alignment. Larger child
	// lists are aligned greedily.
	maxAlignCells = 1 << 18
)

// Build parses rendered HTML and numbers every node in document order.
// Fragments are parsed in a body context; a full document contributes the
// content of its body. Comments and whitespace-only text are dropped.
func Build(src string) (*Node, error) {
	root, err := parse(src, FragmentTag)
	if err != nil {
		return nil, err
	}
	var seq uint64
	number(root, &seq)
	return root, nil
}

// Rebuild parses src like Build but keeps the ids of prev for nodes that
// hold the same slot: children are matched per parent by key when they
// carry one, otherwise by an order-preserving alignment that prefers
// identical subtrees, then nodes with the same attributes, then nodes of
// the same tag. Unmatched nodes get
// ids past the largest id of prev. prev is not modified.
func Rebuild(prev *Node, src string) (*Node, error) {
	if prev == nil {
		return Build(src)
	}
	root, err := parse(src, FragmentTag)
	if err != nil {
		return nil, err
	}
	seq := uint64(0)
	if m, ok := maxID(prev); ok {
		seq = m + 1
	}
	a := &assigner{seq: seq}
	if prev.Tag == root.Tag {
		a.match(prev, root)
	} else {
		a.fresh(root)
	}
	return root, nil
}

func structural(code, msg string, cause error) error {
	if cause != nil {
		return errors.WrapStructural(cause, code, msg).WithComponent("vdom")
	}
	return errors.NewStructuralError(code, msg, nil).WithComponent("vdom")
}

func parse(src, context string) (*Node, error) {
	if !utf8.ValidString(src) {
		return nil, structural(errors.ErrCodeHTMLParse, "rendered HTML is not valid UTF-8", nil)
	}

	var top []*html.Node
	if isDocument(src) {
		doc, err := html.Parse(strings.NewReader(src))
		if err != nil {
			return nil, structural(errors.ErrCodeHTMLParse, "parse document", err)
		}
		body := findBody(doc)
		if body == nil {
			return nil, structural(errors.ErrCodeEmptyDocument, "document has no body", nil)
		}
		for c := body.FirstChild; c != nil; c = c.NextSibling {
			top = append(top, c)
		}
	} else {
		nodes, err := html.ParseFragment(strings.NewReader(src), contextNode(context))
		if err != nil {
			return nil, structural(errors.ErrCodeHTMLParse, "parse fragment", err)
		}
		top = nodes
	}

	root := &Node{Tag: FragmentTag}
	children, err := convertAll(top, 1)
	if err != nil {
		return nil, err
	}
	root.Children = children
	root.sum = checksum(root)
	return root, nil
}

func isDocument(src string) bool {
	head := strings.ToLower(strings.TrimSpace(src))
	if len(head) > 16 {
		head = head[:16]
	}
	return strings.HasPrefix(head, "<!doctype") || strings.HasPrefix(head, "<html")
}

func contextNode(tag string) *html.Node {
	if tag == "" || tag == FragmentTag {
		tag = "body"
	}
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func convertAll(nodes []*html.Node, depth int) ([]*Node, error) {
	out := make([]*Node, 0, len(nodes))
	for _, h := range nodes {
		n, err := convert(h, depth)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func convert(h *html.Node, depth int) (*Node, error) {
	if depth > maxNesting {
		return nil, structural(errors.ErrCodeHTMLParse, fmt.Sprintf("nesting deeper than %d", maxNesting), nil)
	}
	switch h.Type {
	case html.TextNode:
		if strings.TrimSpace(h.Data) == "" {
			return nil, nil
		}
		n := &Node{Text: h.Data}
		n.sum = checksum(n)
		return n, nil
	case html.ElementNode:
		n := &Node{Tag: h.Data}
		for _, a := range h.Attr {
			name := a.Key
			if a.Namespace != "" {
				name = a.Namespace + ":" + a.Key
			}
			n.Attrs = append(n.Attrs, Attr{Name: name, Value: a.Val})
		}
		n.Key = keyOf(n)
		var kids []*html.Node
		for c := h.FirstChild; c != nil; c = c.NextSibling {
			kids = append(kids, c)
		}
		children, err := convertAll(kids, depth+1)
		if err != nil {
			return nil, err
		}
		n.Children = children
		n.sum = checksum(n)
		return n, nil
	}
	return nil, nil
}

func keyOf(n *Node) string {
	for _, name := range []string{"key", "data-key", "id"} {
		if v, ok := n.Attr(name); ok && v != "" {
			return v
		}
	}
	return ""
}

func number(n *Node, seq *uint64) {
	n.ID = formatID(*seq)
	*seq++
	for _, c := range n.Children {
		number(c, seq)
	}
}

type assigner struct {
	seq uint64
}

func (a *assigner) fresh(n *Node) {
	number(n, &a.seq)
}

func (a *assigner) match(prev, next *Node) {
	next.ID = prev.ID
	pairs := pairChildren(prev.Children, next.Children)
	for i, c := range next.Children {
		if j := pairs[i]; j >= 0 {
			a.match(prev.Children[j], c)
			continue
		}
		a.fresh(c)
	}
}

func slotKey(n *Node) string { return n.Tag + "\x00" + n.Key }

// pairChildren returns, for each child of next, the index of the prev
// child holding its slot, or -1.
func pairChildren(prev, next []*Node) []int {
	pair := make([]int, len(next))
	for i := range pair {
		pair[i] = -1
	}
	used := make([]bool, len(prev))

	// repeated keys pair up in order of appearance
	byKey := make(map[string][]int)
	for j, p := range prev {
		if p.Key != "" {
			byKey[slotKey(p)] = append(byKey[slotKey(p)], j)
		}
	}
	for i, c := range next {
		if c.Key == "" {
			continue
		}
		if js := byKey[slotKey(c)]; len(js) > 0 {
			pair[i], used[js[0]] = js[0], true
			byKey[slotKey(c)] = js[1:]
		}
	}

	var oi, ni []int
	for j := range prev {
		if !used[j] {
			oi = append(oi, j)
		}
	}
	for i, c := range next {
		if pair[i] < 0 && c.Key == "" {
			ni = append(ni, i)
		}
	}
	for _, m := range align(prev, next, oi, ni) {
		pair[m[1]] = m[0]
	}
	return pair
}

// align pairs prev[oi] with next[ni] in order: identical subtrees first,
// then, inside the gaps left between them, nodes with the same tag and
// attributes, then nodes of the same tag. An inserted element therefore
// never takes the slot of a sibling that only shares its tag.
func align(prev, next []*Node, oi, ni []int) [][2]int {
	sigs := make(map[*Node]string)
	signature := func(n *Node) string {
		s, ok := sigs[n]
		if !ok {
			s = attrSignature(n)
			sigs[n] = s
		}
		return s
	}
	levels := []func(p, n *Node) bool{
		func(p, n *Node) bool { return p.Tag == n.Tag && p.sum == n.sum },
		func(p, n *Node) bool { return p.Tag == n.Tag && signature(p) == signature(n) },
		func(p, n *Node) bool { return p.Tag == n.Tag },
	}
	return alignLevels(prev, next, oi, ni, levels)
}

func alignLevels(prev, next []*Node, oi, ni []int, levels []func(p, n *Node) bool) [][2]int {
	if len(levels) == 0 || len(oi) == 0 || len(ni) == 0 {
		return nil
	}
	eq := levels[0]
	matches := lcs(len(oi), len(ni), func(j, i int) bool { return eq(prev[oi[j]], next[ni[i]]) })
	matches = append(matches, [2]int{len(oi), len(ni)})

	var out [][2]int
	pj, pi := 0, 0
	for _, m := range matches {
		out = append(out, alignLevels(prev, next, oi[pj:m[0]], ni[pi:m[1]], levels[1:])...)
		if m[0] < len(oi) {
			out = append(out, [2]int{oi[m[0]], ni[m[1]]})
		}
		pj, pi = m[0]+1, m[1]+1
	}
	return out
}

// attrSignature is the sorted attribute list of n without IDAttr.
func attrSignature(n *Node) string {
	parts := make([]string, 0, len(n.Attrs))
	for _, a := range n.Attrs {
		if a.Name != IDAttr {
			parts = append(parts, a.Name+"="+a.Value)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x00")
}

// lcs returns the index pairs of a longest common subsequence of two
// sequences of lengths n and m under eq, preferring earlier matches.
func lcs(n, m int, eq func(i, j int) bool) [][2]int {
	var out [][2]int
	lo := 0
	for lo < n && lo < m && eq(lo, lo) {
		out = append(out, [2]int{lo, lo})
		lo++
	}
	hiN, hiM := n, m
	var tail [][2]int
	for hiN > lo && hiM > lo && eq(hiN-1, hiM-1) {
		hiN--
		hiM--
		tail = append(tail, [2]int{hiN, hiM})
	}

	a, b := hiN-lo, hiM-lo
	switch {
	case a == 0 || b == 0:
	case a*b > maxAlignCells:
		j := lo
		for i := lo; i < hiN && j < hiM; i++ {
			if eq(i, j) {
				out = append(out, [2]int{i, j})
				j++
			}
		}
	default:
		// L[i][j] is the LCS length of the suffixes starting at i and j.
		L := make([][]int, a+1)
		for i := range L {
			L[i] = make([]int, b+1)
		}
		for i := a - 1; i >= 0; i-- {
			for j := b - 1; j >= 0; j-- {
				switch {
				case eq(lo+i, lo+j):
					L[i][j] = L[i+1][j+1] + 1
				case L[i+1][j] >= L[i][j+1]:
					L[i][j] = L[i+1][j]
				default:
					L[i][j] = L[i][j+1]
				}
			}
		}
		i, j := 0, 0
		for i < a && j < b {
			switch {
			case eq(lo+i, lo+j) && L[i][j] == L[i+1][j+1]+1:
				out = append(out, [2]int{lo + i, lo + j})
				i++
				j++
			case L[i+1][j] >= L[i][j+1]:
				i++
			default:
				j++
			}
		}
	}

	for k := len(tail) - 1; k >= 0; k-- {
		out = append(out, tail[k])
	}
	return out
}
