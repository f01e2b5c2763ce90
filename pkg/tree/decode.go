package tree

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ParseError is returned when markup cannot be turned into a single rooted tree.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to parse html: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to parse html: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var entityDecoder = strings.NewReplacer("&gt;", ">", "&lt;", "<", "&amp;", "&")
var entityEncoder = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
var attrEncoder = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// UnescapeText reverses EscapeText. Entities other than &amp; &lt; and &gt; are left as they are.
func UnescapeText(s string) string {
	return entityDecoder.Replace(s)
}

// EscapeText escapes the three characters that would otherwise change the structure of the markup.
func EscapeText(s string) string {
	return entityEncoder.Replace(s)
}

// Decode parses an html string into a normalized tree. The parse is literal: no html, head or body elements are
// invented, comments and doctype declarations are dropped, and text inside script or style is kept verbatim.
// An empty input decodes to a nil tree.
func Decode(input string) (Node, error) {
	z := html.NewTokenizer(strings.NewReader(strings.TrimSpace(input)))
	container := &Element{}
	stack := []*Element{container}

	for {
		tt := z.Next()
		top := stack[len(stack)-1]
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return rootOf(container)
			}
			return nil, &ParseError{Reason: "tokenizer failed", Err: z.Err()}
		case html.TextToken:
			text := string(z.Raw())
			if !IsRawText(top.Tag) {
				text = UnescapeText(text)
			}
			appendText(top, text)
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			el := NewElement(string(name))
			for hasAttr {
				var k, v []byte
				k, v, hasAttr = z.TagAttr()
				el.Attrs[string(k)] = string(v)
			}
			top.Children = append(top.Children, el)
			if tt == html.StartTagToken && !IsVoid(el.Tag) {
				stack = append(stack, el)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].Tag == tag {
					stack = stack[:i]
					break
				}
			}
		}
	}
}

func appendText(parent *Element, text string) {
	if text == "" {
		return
	}
	if n := len(parent.Children); n > 0 {
		if prev, ok := parent.Children[n-1].(Text); ok {
			parent.Children[n-1] = prev + Text(text)
			return
		}
	}
	parent.Children = append(parent.Children, Text(text))
}

func rootOf(container *Element) (Node, error) {
	var root *Element
	for _, c := range container.Children {
		switch v := c.(type) {
		case Text:
			if strings.TrimSpace(string(v)) != "" {
				return nil, &ParseError{Reason: "text outside of the root element"}
			}
		case *Element:
			if root != nil {
				return nil, &ParseError{Reason: fmt.Sprintf("multiple root elements <%s> and <%s>", root.Tag, v.Tag)}
			}
			root = v
		}
	}
	if root == nil {
		return nil, nil
	}
	return Normalize(root), nil
}
