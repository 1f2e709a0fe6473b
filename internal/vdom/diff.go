package vdom

import (
	"sort"
)

// Op names a patch operation. The values are the wire discriminators.
type Op string

const (
	OpInsertChild Op = "InsertChild"
	OpRemoveChild Op = "RemoveChild"
	OpReplaceText Op = "ReplaceText"
	OpSetAttr     Op = "SetAttr"
	OpMoveChild   Op = "MoveChild"
)

// Patch is one DOM mutation. Path locates the node the patch applies to;
// for child operations that is the parent. Target is the id of that node.
// Patches apply in order, each against the result of the previous one.
type Patch struct {
	Op     Op
	Path   []int
	Target string
	// Index is the child position of InsertChild and RemoveChild.
	Index int
	// From and To are the child positions of MoveChild.
	From int
	To   int
	// Name is the attribute of SetAttr; Remove deletes it.
	Name   string
	Value  string
	Remove bool
	// HTML is the serialized subtree of InsertChild.
	HTML string
}

// Diff returns the patches that turn old into cur. Nodes are matched by id,
// so cur should come from Rebuild(old, ...). Within one parent the patches
// are: attribute changes in name order, removals by descending index,
// moves, insertions by ascending index, then the patches of each kept child
// in its final position. Identical trees give an empty, non-nil slice.
//
// The roots are mount points: when they differ in tag or id, the content
// of the old root is removed and the content of the new root inserted.
func Diff(old, cur *Node) []Patch {
	d := &differ{patches: []Patch{}}
	switch {
	case old == nil && cur == nil:
	case old == nil:
		d.replaceContent(&Node{Tag: FragmentTag}, cur, []int{})
	case cur == nil:
		d.replaceContent(old, &Node{Tag: FragmentTag}, []int{})
	case !sameSlot(old, cur):
		d.replaceContent(old, cur, []int{})
	default:
		d.node(old, cur, []int{})
	}
	return d.patches
}

type differ struct {
	patches []Patch
}

func (d *differ) emit(p Patch) {
	d.patches = append(d.patches, p)
}

func sameSlot(a, b *Node) bool {
	return a.ID == b.ID && a.Tag == b.Tag
}

func childPath(path []int, i int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = i
	return out
}

func (d *differ) node(old, cur *Node, path []int) {
	if old.IsText() {
		if old.Text != cur.Text {
			d.emit(Patch{Op: OpReplaceText, Path: path, Target: old.ID, Value: cur.Text})
		}
		return
	}
	d.attrs(old, cur, path)
	d.children(old, cur, path)
}

func (d *differ) replaceContent(old, cur *Node, path []int) {
	if !old.IsText() && !cur.IsText() {
		d.attrs(old, cur, path)
	}
	for j := len(old.Children) - 1; j >= 0; j-- {
		d.emit(Patch{Op: OpRemoveChild, Path: path, Target: old.ID, Index: j})
	}
	for i, c := range cur.Children {
		d.emit(Patch{Op: OpInsertChild, Path: path, Target: old.ID, Index: i, HTML: Render(c)})
	}
}

func (d *differ) attrs(old, cur *Node, path []int) {
	before := make(map[string]string, len(old.Attrs))
	for _, a := range old.Attrs {
		before[a.Name] = a.Value
	}
	after := make(map[string]string, len(cur.Attrs))
	for _, a := range cur.Attrs {
		after[a.Name] = a.Value
	}
	names := make([]string, 0, len(before)+len(after))
	for name := range before {
		names = append(names, name)
	}
	for name := range after {
		if _, ok := before[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if name == IDAttr {
			continue
		}
		was, had := before[name]
		is, has := after[name]
		switch {
		case had && !has:
			d.emit(Patch{Op: OpSetAttr, Path: path, Target: old.ID, Name: name, Remove: true})
		case !had || was != is:
			d.emit(Patch{Op: OpSetAttr, Path: path, Target: old.ID, Name: name, Value: is})
		}
	}
}

func (d *differ) children(old, cur *Node, path []int) {
	at := make(map[string]int, len(old.Children))
	for j, c := range old.Children {
		if _, dup := at[c.ID]; !dup && c.ID != "" {
			at[c.ID] = j
		}
	}
	match := make([]int, len(cur.Children))
	kept := make([]bool, len(old.Children))
	for i, c := range cur.Children {
		match[i] = -1
		j, ok := at[c.ID]
		if !ok || kept[j] || !sameSlot(old.Children[j], c) {
			continue
		}
		match[i], kept[j] = j, true
	}

	for j := len(old.Children) - 1; j >= 0; j-- {
		if !kept[j] {
			d.emit(Patch{Op: OpRemoveChild, Path: path, Target: old.ID, Index: j})
		}
	}

	var order, target []int
	for j := range old.Children {
		if kept[j] {
			order = append(order, j)
		}
	}
	for _, j := range match {
		if j >= 0 {
			target = append(target, j)
		}
	}
	d.moves(path, old.ID, order, target)

	for i, c := range cur.Children {
		if match[i] < 0 {
			d.emit(Patch{Op: OpInsertChild, Path: path, Target: old.ID, Index: i, HTML: Render(c)})
		}
	}

	for i, c := range cur.Children {
		if j := match[i]; j >= 0 {
			d.node(old.Children[j], c, childPath(path, i))
		}
	}
}

// moves reorders order into target. Children on a longest increasing
// subsequence stay; every other child moves right behind its predecessor
// in target.
func (d *differ) moves(path []int, parent string, order, target []int) {
	if len(order) < 2 {
		return
	}
	rank := make(map[int]int, len(target))
	for k, j := range target {
		rank[j] = k
	}
	seq := make([]int, len(order))
	for p, j := range order {
		seq[p] = rank[j]
	}
	stable := make(map[int]bool, len(order))
	for _, p := range lis(seq) {
		stable[order[p]] = true
	}
	if len(stable) == len(order) {
		return
	}

	cur := append([]int(nil), order...)
	for k, j := range target {
		if stable[j] {
			continue
		}
		from := indexOf(cur, j)
		cur = append(cur[:from], cur[from+1:]...)
		to := 0
		if k > 0 {
			to = indexOf(cur, target[k-1]) + 1
		}
		cur = append(cur[:to], append([]int{j}, cur[to:]...)...)
		if from != to {
			d.emit(Patch{Op: OpMoveChild, Path: path, Target: parent, From: from, To: to})
		}
	}
}

func indexOf(xs []int, x int) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

// lis returns the positions of a longest strictly increasing subsequence
// of seq.
func lis(seq []int) []int {
	if len(seq) == 0 {
		return nil
	}
	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for i, v := range seq {
		k := sort.Search(len(tails), func(t int) bool { return seq[tails[t]] >= v })
		if k > 0 {
			prev[i] = tails[k-1]
		} else {
			prev[i] = -1
		}
		if k == len(tails) {
			tails = append(tails, i)
		} else {
			tails[k] = i
		}
	}
	out := make([]int, len(tails))
	for i, k := len(tails)-1, tails[len(tails)-1]; i >= 0; i, k = i-1, prev[k] {
		out[i] = k
	}
	return out
}
