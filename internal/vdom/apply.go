package vdom

import (
	"fmt"

	"github.com/conneroisu/liveweave/internal/errors"
)

// Apply returns a copy of root with patches applied in order, the way a
// client would apply them. Inserted nodes have no ids. root is unchanged.
func Apply(root *Node, patches []Patch) (*Node, error) {
	out := root.clone()
	for i, p := range patches {
		if err := apply(out, p); err != nil {
			return nil, structural(errors.ErrCodePatchApply, fmt.Sprintf("patch %d (%s at %v)", i, p.Op, p.Path), err)
		}
	}
	rehash(out)
	return out, nil
}

func apply(root *Node, p Patch) error {
	n, ok := root.Find(p.Path)
	if !ok {
		return fmt.Errorf("no node at path %v", p.Path)
	}
	switch p.Op {
	case OpInsertChild:
		if n.IsText() {
			return fmt.Errorf("insert into text node")
		}
		if p.Index < 0 || p.Index > len(n.Children) {
			return fmt.Errorf("insert position %d out of range [0,%d]", p.Index, len(n.Children))
		}
		frag, err := parse(p.HTML, n.Tag)
		if err != nil {
			return err
		}
		kids := append([]*Node{}, n.Children[:p.Index]...)
		kids = append(kids, frag.Children...)
		n.Children = append(kids, n.Children[p.Index:]...)

	case OpRemoveChild:
		if p.Index < 0 || p.Index >= len(n.Children) {
			return fmt.Errorf("remove position %d out of range [0,%d)", p.Index, len(n.Children))
		}
		n.Children = append(n.Children[:p.Index], n.Children[p.Index+1:]...)

	case OpReplaceText:
		if !n.IsText() {
			return fmt.Errorf("replace text of <%s>", n.Tag)
		}
		n.Text = p.Value

	case OpSetAttr:
		if n.IsText() {
			return fmt.Errorf("set attribute on text node")
		}
		setAttr(n, p.Name, p.Value, p.Remove)

	case OpMoveChild:
		if p.From < 0 || p.From >= len(n.Children) {
			return fmt.Errorf("move source %d out of range [0,%d)", p.From, len(n.Children))
		}
		child := n.Children[p.From]
		rest := append(n.Children[:p.From:p.From], n.Children[p.From+1:]...)
		to := p.To
		if to < 0 || to > len(rest) {
			return fmt.Errorf("move destination %d out of range [0,%d]", to, len(rest))
		}
		kids := append([]*Node{}, rest[:to]...)
		kids = append(kids, child)
		n.Children = append(kids, rest[to:]...)

	default:
		return fmt.Errorf("unknown op %q", p.Op)
	}
	return nil
}

func setAttr(n *Node, name, value string, remove bool) {
	for i, a := range n.Attrs {
		if a.Name != name {
			continue
		}
		if remove {
			n.Attrs = append(n.Attrs[:i], n.Attrs[i+1:]...)
			return
		}
		n.Attrs[i].Value = value
		return
	}
	if !remove {
		n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
	}
}
