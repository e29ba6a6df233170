package markup

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Attr is a tag attribute with its value unescaped.
type Attr struct {
	Key string
	Val string
}

// Handler receives document events in order. Tags inside literal regions are
// not reported, and neither is their text.
type Handler interface {
	StartTag(name string, attrs []Attr)
	EndTag(name string)
	// Text receives flowing text with character references normalized.
	Text(text string)
}

// literalTags hold opaque content that is never interpreted as markup.
var literalTags = map[string]bool{
	"script":   true,
	"style":    true,
	"textarea": true,
}

// Scan normalizes doc and streams its events to h. Scan only fails when the
// tokenizer stops on something other than end of input or panics.
func Scan(doc string, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan markup: %v", r)
		}
	}()

	z := html.NewTokenizer(strings.NewReader(Normalize(doc)))
	// literal is the open literal tag, or "". Inside it "<" is plain data:
	// nothing opened there is tracked, and the first matching end tag
	// closes the region.
	var literal string
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return nil
			}
			return fmt.Errorf("scan markup: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, attrs := readTag(z)
			if literal != "" {
				z.NextIsNotRawText()
				continue
			}
			opensLiteral := tt == html.StartTagToken && literalTags[name]
			if !opensLiteral {
				z.NextIsNotRawText()
			}
			h.StartTag(name, attrs)
			if opensLiteral {
				literal = name
			} else if tt == html.SelfClosingTagToken {
				h.EndTag(name)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if literal != "" {
				if tag != literal {
					continue
				}
				literal = ""
			}
			h.EndTag(tag)
		case html.TextToken:
			if literal != "" {
				continue
			}
			h.Text(NormalizeEntities(string(z.Raw())))
		}
	}
}

func readTag(z *html.Tokenizer) (string, []Attr) {
	name, more := z.TagName()
	tag := string(name)
	var attrs []Attr
	for more {
		var key, val []byte
		key, val, more = z.TagAttr()
		attrs = append(attrs, Attr{Key: string(key), Val: string(val)})
	}
	return tag, attrs
}

// attr returns the first attribute named key.
func attr(attrs []Attr, key string) (string, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
