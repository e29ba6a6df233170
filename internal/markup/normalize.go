package markup

import "regexp"

var (
	// <br/> and <img src="x"/> lack the space some parsers require.
	selfClosingTag = regexp.MustCompile(`(<[^<>]*[^<>\s/])/>`)
	// <!  DOCTYPE html> style declarations with leading whitespace.
	spacedDeclaration = regexp.MustCompile(`<!\s+([^<>]*)>`)
)

// Normalize repairs two classes of malformed markup before tokenizing:
// self-closing tags written without a space ("<br/>" becomes "<br />") and
// declarations with whitespace after the bang ("<!  x>" becomes "<!x>").
// Normalize is idempotent and the two repairs commute.
func Normalize(doc string) string {
	doc = selfClosingTag.ReplaceAllString(doc, "$1 />")
	return spacedDeclaration.ReplaceAllString(doc, "<!$1>")
}
