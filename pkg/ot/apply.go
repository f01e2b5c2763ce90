package ot

import (
	"fmt"
	"unicode/utf16"
)

// Apply applies ops in order to a deep copy of doc. When any component fails the original doc is returned
// together with an error wrapping ErrIncompatible.
func Apply(doc any, ops []Op) (any, error) {
	out := DeepCopy(doc)
	for i, op := range ops {
		var err error
		if out, err = applyOne(out, op); err != nil {
			return doc, fmt.Errorf("component %d %s: %w", i, op, err)
		}
	}
	return out, nil
}

func applyOne(doc any, op Op) (any, error) {
	if len(op.Path) == 0 {
		if !op.isObject() {
			return nil, incompatible("only object insert or delete can target the root")
		}
		return DeepCopy(op.ObjectInsert), nil
	}
	parent, key := op.Path[:len(op.Path)-1], op.Path[len(op.Path)-1]
	return update(doc, parent, func(container any) (any, error) {
		switch c := container.(type) {
		case []any:
			return applyList(c, key, op)
		case map[string]any:
			return applyObject(c, key, op)
		case string:
			return applyString(c, key, op)
		}
		return nil, incompatible("cannot apply to %T", container)
	})
}

func update(node any, path Path, fn func(any) (any, error)) (any, error) {
	if len(path) == 0 {
		return fn(node)
	}
	switch c := node.(type) {
	case []any:
		i, ok := path[0].(int)
		if !ok || i < 0 || i >= len(c) {
			return nil, incompatible("list index %v out of range", path[0])
		}
		v, err := update(c[i], path[1:], fn)
		if err != nil {
			return nil, err
		}
		c[i] = v
		return c, nil
	case map[string]any:
		k, ok := path[0].(string)
		if !ok {
			return nil, incompatible("object key must be a string, got %T", path[0])
		}
		child, exists := c[k]
		if !exists {
			return nil, incompatible("missing key %q", k)
		}
		v, err := update(child, path[1:], fn)
		if err != nil {
			return nil, err
		}
		c[k] = v
		return c, nil
	}
	return nil, incompatible("cannot descend into %T", node)
}

func applyList(c []any, key any, op Op) (any, error) {
	idx, ok := key.(int)
	if !ok {
		return nil, incompatible("list index must be an int, got %T", key)
	}
	switch {
	case op.ListInsert != nil && op.ListDelete != nil:
		if idx < 0 || idx >= len(c) {
			return nil, incompatible("replace index %d out of range", idx)
		}
		c[idx] = DeepCopy(op.ListInsert)
		return c, nil
	case op.ListDelete != nil:
		if idx < 0 || idx >= len(c) {
			return nil, incompatible("delete index %d out of range", idx)
		}
		return append(c[:idx], c[idx+1:]...), nil
	case op.ListInsert != nil:
		if idx < 0 || idx > len(c) {
			return nil, incompatible("insert index %d out of range", idx)
		}
		c = append(c, nil)
		copy(c[idx+1:], c[idx:])
		c[idx] = DeepCopy(op.ListInsert)
		return c, nil
	}
	return nil, incompatible("list container needs li or ld")
}

func applyObject(c map[string]any, key any, op Op) (any, error) {
	k, ok := key.(string)
	if !ok {
		return nil, incompatible("object key must be a string, got %T", key)
	}
	switch {
	case op.ObjectInsert != nil:
		c[k] = DeepCopy(op.ObjectInsert)
		return c, nil
	case op.ObjectDelete != nil:
		if _, exists := c[k]; !exists {
			return nil, incompatible("missing key %q", k)
		}
		delete(c, k)
		return c, nil
	}
	return nil, incompatible("object container needs oi or od")
}

func applyString(s string, key any, op Op) (any, error) {
	offset, ok := key.(int)
	if !ok || !op.isString() {
		return nil, incompatible("string container needs si or sd at an int offset")
	}
	units := utf16.Encode([]rune(s))
	if offset < 0 || offset > len(units) {
		return nil, incompatible("string offset %d out of range", offset)
	}
	if op.StringDelete != "" {
		del := utf16.Encode([]rune(op.StringDelete))
		if offset+len(del) > len(units) || string(utf16.Decode(units[offset:offset+len(del)])) != op.StringDelete {
			return nil, incompatible("deleted text does not match at offset %d", offset)
		}
		units = append(units[:offset:offset], units[offset+len(del):]...)
	}
	if op.StringInsert != "" {
		ins := utf16.Encode([]rune(op.StringInsert))
		out := make([]uint16, 0, len(units)+len(ins))
		out = append(out, units[:offset]...)
		out = append(out, ins...)
		units = append(out, units[offset:]...)
	}
	return string(utf16.Decode(units)), nil
}

// DeepCopy copies the generic json containers in v.
func DeepCopy(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = DeepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = DeepCopy(e)
		}
		return out
	}
	return v
}
