// Package ot implements the subset of the json0 operation type needed to keep JsonML documents in sync: computing
// operations between two trees and applying received operations to a snapshot.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/astromechza/strate-sync/pkg/tree"
)

// ErrIncompatible is returned when an operation does not fit the structure of the document it is applied to.
var ErrIncompatible = errors.New("operation is incompatible with the document")

// Path addresses a value inside a json document. Segments are int list indexes or string object keys.
type Path []any

// UnmarshalJSON converts json numbers back into int segments.
func (p *Path) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Path, len(raw))
	for i, seg := range raw {
		switch v := seg.(type) {
		case float64:
			if v != math.Trunc(v) || v < 0 {
				return fmt.Errorf("invalid path segment %v", v)
			}
			out[i] = int(v)
		case string:
			out[i] = v
		default:
			return fmt.Errorf("invalid path segment of type %T", seg)
		}
	}
	*p = out
	return nil
}

// With returns a copy of p extended by segs.
func (p Path) With(segs ...any) Path {
	out := make(Path, 0, len(p)+len(segs))
	out = append(out, p...)
	return append(out, segs...)
}

// Op is one json0 component. Which fields are set decides its meaning: li/ld act on lists, oi/od on objects or the
// root, si/sd on strings (offsets counted in UTF-16 code units).
type Op struct {
	Path         Path   `json:"p"`
	ListInsert   any    `json:"li,omitempty"`
	ListDelete   any    `json:"ld,omitempty"`
	ObjectInsert any    `json:"oi,omitempty"`
	ObjectDelete any    `json:"od,omitempty"`
	StringInsert string `json:"si,omitempty"`
	StringDelete string `json:"sd,omitempty"`
}

func (o Op) isList() bool   { return o.ListInsert != nil || o.ListDelete != nil }
func (o Op) isObject() bool { return o.ObjectInsert != nil || o.ObjectDelete != nil }
func (o Op) isString() bool { return o.StringInsert != "" || o.StringDelete != "" }

func (o Op) String() string {
	data, _ := json.Marshal(o)
	return string(data)
}

// Insert inserts value into a list at the position addressed by p.
func Insert(p Path, value any) Op {
	return Op{Path: p, ListInsert: value}
}

// Delete removes the list entry addressed by p. old is the removed value.
func Delete(p Path, old any) Op {
	return Op{Path: p, ListDelete: old}
}

// Replace swaps the list entry addressed by p.
func Replace(p Path, old, value any) Op {
	return Op{Path: p, ListDelete: old, ListInsert: value}
}

// SetAttr sets an object key. old is the previous value or nil.
func SetAttr(p Path, old, value any) Op {
	return Op{Path: p, ObjectDelete: old, ObjectInsert: value}
}

// RemoveAttr deletes an object key.
func RemoveAttr(p Path, old any) Op {
	return Op{Path: p, ObjectDelete: old}
}

// FullReplace resets the whole document to an empty html page.
func FullReplace() Op {
	return Op{Path: Path{}, ObjectInsert: tree.ToJSONML(tree.DefaultDocument())}
}

// ReplaceRoot replaces the whole document with the given tree.
func ReplaceRoot(old, value tree.Node) Op {
	return Op{Path: Path{}, ObjectDelete: tree.ToJSONML(old), ObjectInsert: tree.ToJSONML(value)}
}

func incompatible(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIncompatible, fmt.Sprintf(format, args...))
}
