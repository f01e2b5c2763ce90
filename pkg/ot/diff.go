package ot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/astromechza/strate-sync/pkg/tree"
)

// In JsonML the tag sits at index 0 and the attributes at index 1 so the first child lives at index 2.
const (
	attrsIndex  = 1
	childOffset = 2
)

// Diff computes the operations that turn oldTree into newTree. Operations apply sequentially: every path is valid
// against the document produced by the operations before it.
func Diff(oldTree, newTree tree.Node) ([]Op, error) {
	d := &differ{dmp: diffmatchpatch.New()}
	d.root(tree.Normalize(oldTree), tree.Normalize(newTree))
	if d.err != nil {
		return nil, d.err
	}
	return d.ops, nil
}

type differ struct {
	dmp *diffmatchpatch.DiffMatchPatch
	ops []Op
	err error
}

func (d *differ) root(a, b tree.Node) {
	switch {
	case a == nil && b == nil:
	case a == nil:
		d.ops = append(d.ops, Op{Path: Path{}, ObjectInsert: tree.ToJSONML(b)})
	case b == nil:
		d.ops = append(d.ops, Op{Path: Path{}, ObjectDelete: tree.ToJSONML(a)})
	default:
		ae, aok := a.(*tree.Element)
		be, bok := b.(*tree.Element)
		if aok && bok && ae.Tag == be.Tag {
			d.element(Path{}, ae, be)
			return
		}
		d.ops = append(d.ops, ReplaceRoot(a, b))
	}
}

func (d *differ) element(p Path, a, b *tree.Element) {
	keys := make([]string, 0, len(a.Attrs)+len(b.Attrs))
	for k := range a.Attrs {
		keys = append(keys, k)
	}
	for k := range b.Attrs {
		if _, ok := a.Attrs[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		av, inA := a.Attrs[k]
		bv, inB := b.Attrs[k]
		switch {
		case inA && !inB:
			d.ops = append(d.ops, RemoveAttr(p.With(attrsIndex, k), av))
		case !inA && inB:
			d.ops = append(d.ops, SetAttr(p.With(attrsIndex, k), nil, bv))
		case av != bv:
			d.ops = append(d.ops, SetAttr(p.With(attrsIndex, k), av, bv))
		}
	}
	d.children(p, a.Children, b.Children)
}

// children aligns the two child lists with a line-mode diff where every child is serialized to one line, then walks
// the edit script keeping track of the position in the list as it is being rewritten.
func (d *differ) children(p Path, a, b []tree.Node) {
	textA, err := childLines(a)
	if err != nil {
		d.err = err
		return
	}
	textB, err := childLines(b)
	if err != nil {
		d.err = err
		return
	}
	runesA, runesB, _ := d.dmp.DiffLinesToRunes(textA, textB)
	diffs := d.dmp.DiffMainRunes(runesA, runesB, false)

	pos, ai, bi := 0, 0, 0
	for i := 0; i < len(diffs); {
		if diffs[i].Type == diffmatchpatch.DiffEqual {
			n := len([]rune(diffs[i].Text))
			pos, ai, bi = pos+n, ai+n, bi+n
			i++
			continue
		}
		deleted, inserted := 0, 0
		for ; i < len(diffs) && diffs[i].Type != diffmatchpatch.DiffEqual; i++ {
			if diffs[i].Type == diffmatchpatch.DiffDelete {
				deleted += len([]rune(diffs[i].Text))
			} else {
				inserted += len([]rune(diffs[i].Text))
			}
		}
		paired := min(deleted, inserted)
		for k := 0; k < paired; k++ {
			d.child(p.With(pos+childOffset), a[ai], b[bi])
			pos, ai, bi = pos+1, ai+1, bi+1
		}
		for k := paired; k < deleted; k++ {
			d.ops = append(d.ops, Delete(p.With(pos+childOffset), tree.ToJSONML(a[ai])))
			ai++
		}
		for k := paired; k < inserted; k++ {
			d.ops = append(d.ops, Insert(p.With(pos+childOffset), tree.ToJSONML(b[bi])))
			pos, bi = pos+1, bi+1
		}
	}
	if ai != len(a) || bi != len(b) {
		d.err = fmt.Errorf("failed to align children at %v: consumed %d/%d and %d/%d", p, ai, len(a), bi, len(b))
	}
}

func (d *differ) child(p Path, a, b tree.Node) {
	ae, aok := a.(*tree.Element)
	be, bok := b.(*tree.Element)
	if aok && bok && ae.Tag == be.Tag {
		d.element(p, ae, be)
		return
	}
	d.ops = append(d.ops, Replace(p, tree.ToJSONML(a), tree.ToJSONML(b)))
}

func childLines(nodes []tree.Node) (string, error) {
	var sb strings.Builder
	for _, n := range nodes {
		if n == nil {
			return "", fmt.Errorf("failed to diff: nil child node")
		}
		raw, err := json.Marshal(tree.ToJSONML(n))
		if err != nil {
			return "", fmt.Errorf("failed to serialize child: %w", err)
		}
		sb.Write(raw)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
