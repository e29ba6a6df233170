package markup

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var entityRef = regexp.MustCompile(`&(?:([a-zA-Z][-.a-zA-Z0-9]*)|#(x?[0-9A-Fa-f]+))(;?)`)

// Named references that stay encoded so decoded text never reintroduces markup.
var xmlEntities = map[string]bool{
	"lt":   true,
	"gt":   true,
	"amp":  true,
	"quot": true,
	"apos": true,
}

// Numeric references to markup-significant characters map to their named form.
var xmlCodepoints = map[int]string{
	'"':  "&quot;",
	'&':  "&amp;",
	'\'': "&apos;",
	'<':  "&lt;",
	'>':  "&gt;",
}

// NormalizeEntities decodes numeric and named character references to the
// characters they stand for, except references to the five XML-significant
// characters, which are kept in named form. Unrecognized references are
// returned unchanged.
func NormalizeEntities(text string) string {
	if !strings.Contains(text, "&") {
		return text
	}
	return entityRef.ReplaceAllStringFunc(text, func(ref string) string {
		m := entityRef.FindStringSubmatch(ref)
		if m[1] != "" {
			return namedEntity(ref, m[1])
		}
		return numericEntity(ref, m[2])
	})
}

func namedEntity(ref, name string) string {
	if xmlEntities[name] {
		return "&" + name + ";"
	}
	decoded := html.UnescapeString("&" + name + ";")
	// UnescapeString falls back to prefix matches such as "&notit;" -> "¬it;".
	if decoded == "&"+name+";" || utf8.RuneCountInString(decoded) > 2 {
		return ref
	}
	return decoded
}

func numericEntity(ref, digits string) string {
	var (
		n   int64
		err error
	)
	if rest, ok := strings.CutPrefix(digits, "x"); ok {
		n, err = strconv.ParseInt(rest, 16, 32)
	} else {
		n, err = strconv.ParseInt(digits, 10, 32)
	}
	if err != nil {
		return ref
	}
	if named, ok := xmlCodepoints[int(n)]; ok {
		return named
	}
	r := rune(n)
	if n <= 0 || !utf8.ValidRune(r) {
		return ref
	}
	return string(r)
}
