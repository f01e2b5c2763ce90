package tree

import (
	"fmt"
	"sort"
	"strings"
)

var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true, "img": true, "input": true,
	"keygen": true, "link": true, "menuitem": true, "meta": true, "param": true, "source": true, "track": true,
	"wbr": true,
}

// IsVoid reports whether tag is always rendered self-closing.
func IsVoid(tag string) bool {
	return voidTags[strings.ToLower(tag)]
}

// IsRawText reports whether text children of tag are kept without entity escaping.
func IsRawText(tag string) bool {
	switch strings.ToLower(tag) {
	case "script", "style":
		return true
	}
	return false
}

// Encode renders a tree as html. Attributes are written in key order so the output is deterministic.
func Encode(n Node) (string, error) {
	var sb strings.Builder
	if err := encodeNode(&sb, n, ""); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func encodeNode(sb *strings.Builder, n Node, parentTag string) error {
	switch v := n.(type) {
	case nil:
		return nil
	case Text:
		if IsRawText(parentTag) {
			sb.WriteString(string(v))
		} else {
			sb.WriteString(EscapeText(string(v)))
		}
		return nil
	case *Element:
		if v == nil {
			return nil
		}
		if v.Tag == "" {
			return fmt.Errorf("failed to encode element: empty tag")
		}
		tag := strings.ToLower(v.Tag)
		sb.WriteByte('<')
		sb.WriteString(tag)
		keys := make([]string, 0, len(v.Attrs))
		for k := range v.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte(' ')
			sb.WriteString(k)
			sb.WriteString(`="`)
			sb.WriteString(attrEncoder.Replace(v.Attrs[k]))
			sb.WriteByte('"')
		}
		if IsVoid(tag) {
			sb.WriteString("/>")
			return nil
		}
		sb.WriteByte('>')
		for _, c := range v.Children {
			if err := encodeNode(sb, c, tag); err != nil {
				return err
			}
		}
		sb.WriteString("</")
		sb.WriteString(tag)
		sb.WriteByte('>')
		return nil
	}
	return fmt.Errorf("failed to encode node: unsupported type %T", n)
}
