// Package tree holds the typed document tree used on both sides of the sync: the HTML codec, JsonML conversion and
// the normalization rules every diff relies on.
package tree

import (
	"strings"
)

// Node is either an *Element or a Text. A nil Node is the empty tree.
type Node interface {
	isNode()
}

// Element is a tagged node with attributes and ordered children.
type Element struct {
	Tag      string
	Attrs    map[string]string
	Children []Node
}

// Text is a leaf text node.
type Text string

func (*Element) isNode() {}
func (Text) isNode()     {}

// NewElement builds an element with an empty attribute map.
func NewElement(tag string, children ...Node) *Element {
	return &Element{Tag: tag, Attrs: map[string]string{}, Children: children}
}

// DefaultDocument is the minimal tree a freshly created resource is initialized with.
func DefaultDocument() *Element {
	return NewElement("html", NewElement("body"))
}

// Normalize returns a copy of n where every element has a lower-case tag and a non-nil attribute map.
// Normalize(Normalize(n)) is equal to Normalize(n).
func Normalize(n Node) Node {
	switch v := n.(type) {
	case nil:
		return nil
	case Text:
		return v
	case *Element:
		if v == nil {
			return nil
		}
		out := &Element{
			Tag:      strings.ToLower(v.Tag),
			Attrs:    make(map[string]string, len(v.Attrs)),
			Children: make([]Node, 0, len(v.Children)),
		}
		for k, val := range v.Attrs {
			out.Attrs[k] = val
		}
		for _, c := range v.Children {
			if nc := Normalize(c); nc != nil {
				out.Children = append(out.Children, nc)
			}
		}
		return out
	}
	return nil
}

// Equal compares two trees structurally. A nil and an empty attribute map are considered equal.
func Equal(a, b Node) bool {
	switch av := a.(type) {
	case nil:
		return isEmpty(b)
	case Text:
		bv, ok := b.(Text)
		return ok && av == bv
	case *Element:
		if av == nil {
			return isEmpty(b)
		}
		bv, ok := b.(*Element)
		if !ok || bv == nil || av.Tag != bv.Tag || len(av.Attrs) != len(bv.Attrs) || len(av.Children) != len(bv.Children) {
			return false
		}
		for k, v := range av.Attrs {
			if bval, ok := bv.Attrs[k]; !ok || bval != v {
				return false
			}
		}
		for i := range av.Children {
			if !Equal(av.Children[i], bv.Children[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func isEmpty(n Node) bool {
	if n == nil {
		return true
	}
	e, ok := n.(*Element)
	return ok && e == nil
}
