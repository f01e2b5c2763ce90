package tree

import (
	"strings"
)

// FindByID returns the first element in document order whose id attribute equals id.
func FindByID(n Node, id string) *Element {
	el, ok := n.(*Element)
	if !ok || el == nil {
		return nil
	}
	if el.Attrs["id"] == id {
		return el
	}
	for _, c := range el.Children {
		if found := FindByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// FindByTag returns the first element in document order with the given tag.
func FindByTag(n Node, tag string) *Element {
	el, ok := n.(*Element)
	if !ok || el == nil {
		return nil
	}
	if el.Tag == tag {
		return el
	}
	for _, c := range el.Children {
		if found := FindByTag(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// TextContent concatenates every text node below n.
func TextContent(n Node) string {
	var sb strings.Builder
	collectText(&sb, n)
	return sb.String()
}

func collectText(sb *strings.Builder, n Node) {
	switch v := n.(type) {
	case Text:
		sb.WriteString(string(v))
	case *Element:
		if v == nil {
			return
		}
		for _, c := range v.Children {
			collectText(sb, c)
		}
	}
}

// WithTextContent returns a normalized copy of root where the element with the given id holds exactly one text
// child. When no such element exists a <pre> carrying the id is appended to the body, or to the root element if
// there is no body. A nil root starts from DefaultDocument.
func WithTextContent(root Node, id, text string) Node {
	out, _ := Normalize(root).(*Element)
	if out == nil {
		out = DefaultDocument()
	}
	target := FindByID(out, id)
	if target == nil {
		target = NewElement("pre")
		target.Attrs["id"] = id
		parent := FindByTag(out, "body")
		if parent == nil {
			parent = out
		}
		parent.Children = append(parent.Children, target)
	}
	if text == "" {
		target.Children = nil
	} else {
		target.Children = []Node{Text(text)}
	}
	return out
}
