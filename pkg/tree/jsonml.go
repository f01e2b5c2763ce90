package tree

import (
	"encoding/json"
	"fmt"
)

// ToJSONML converts a tree into the generic JsonML shape used on the wire: [tag, {attrs}, ...children] for
// elements and plain strings for text.
func ToJSONML(n Node) any {
	switch v := n.(type) {
	case Text:
		return string(v)
	case *Element:
		if v == nil {
			return nil
		}
		attrs := make(map[string]any, len(v.Attrs))
		for k, val := range v.Attrs {
			attrs[k] = val
		}
		out := make([]any, 0, len(v.Children)+2)
		out = append(out, v.Tag, attrs)
		for _, c := range v.Children {
			out = append(out, ToJSONML(c))
		}
		return out
	}
	return nil
}

// FromJSONML converts a generic JsonML value into a normalized tree. The attribute slot may be absent, in which
// case an empty attribute map is used.
func FromJSONML(v any) (Node, error) {
	n, err := fromJSONML(v, nil)
	if err != nil {
		return nil, err
	}
	return Normalize(n), nil
}

func fromJSONML(v any, path []int) (Node, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return Text(x), nil
	case []any:
		if len(x) == 0 {
			return nil, nil
		}
		tag, ok := x[0].(string)
		if !ok || tag == "" {
			return nil, fmt.Errorf("invalid jsonml at %v: tag must be a non-empty string, got %T", path, x[0])
		}
		el := NewElement(tag)
		rest := x[1:]
		if len(rest) > 0 {
			if attrs, ok := rest[0].(map[string]any); ok {
				for k, av := range attrs {
					if s, ok := av.(string); ok {
						el.Attrs[k] = s
					} else {
						el.Attrs[k] = fmt.Sprint(av)
					}
				}
				rest = rest[1:]
			}
		}
		for i, c := range rest {
			cn, err := fromJSONML(c, append(path, i))
			if err != nil {
				return nil, err
			}
			if cn != nil {
				el.Children = append(el.Children, cn)
			}
		}
		return el, nil
	}
	return nil, fmt.Errorf("invalid jsonml at %v: unsupported value %T", path, v)
}

// MarshalJSON writes the element in JsonML form.
func (e *Element) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToJSONML(e))
}
