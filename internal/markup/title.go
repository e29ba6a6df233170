package markup

import "strings"

type titleCollector struct {
	inTitle  bool
	hasTitle bool
	title    strings.Builder

	// best is the most prominent heading level recorded so far, 0 for none.
	best      int
	inHeading bool
	heading   strings.Builder
}

func headingLevel(name string) int {
	if len(name) == 2 && name[0] == 'h' && name[1] >= '1' && name[1] <= '6' {
		return int(name[1] - '0')
	}
	return 0
}

func (c *titleCollector) StartTag(name string, _ []Attr) {
	if name == "title" {
		c.inTitle = true
		c.hasTitle = true
		return
	}
	level := headingLevel(name)
	if level == 0 || (c.best != 0 && level >= c.best) {
		return
	}
	c.best = level
	c.inHeading = true
	c.heading.Reset()
}

func (c *titleCollector) EndTag(name string) {
	if name == "title" {
		c.inTitle = false
		return
	}
	if headingLevel(name) != 0 {
		c.inHeading = false
	}
}

func (c *titleCollector) Text(text string) {
	if c.inTitle {
		c.title.WriteString(text)
	}
	if c.inHeading {
		c.heading.WriteString(text)
	}
}

// Title returns the text of the document's title element or, failing that,
// of its most prominent heading. Among headings of the same level the first
// wins. Whitespace runs collapse to single spaces.
func Title(doc string) string {
	c := &titleCollector{}
	if err := Scan(doc, c); err != nil {
		return ""
	}
	if c.hasTitle {
		if title := collapse(c.title.String()); title != "" {
			return title
		}
	}
	return collapse(c.heading.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
