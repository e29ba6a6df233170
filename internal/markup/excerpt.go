package markup

import "strings"

// DefaultExcerptWords is the excerpt size used when none is given.
const DefaultExcerptWords = 32

// anchorSpan is the segment range covered by one anchor. An anchor without
// text has end == start-1.
type anchorSpan struct {
	start, end int
}

type excerptCollector struct {
	target   string
	segments [][]string
	spans    []anchorSpan
	open     bool
	start    int
}

func (c *excerptCollector) StartTag(name string, attrs []Attr) {
	if name != "a" {
		return
	}
	c.closeAnchor()
	if href, ok := attr(attrs, "href"); ok && strings.TrimSpace(href) == c.target {
		c.open = true
		c.start = len(c.segments)
	}
}

func (c *excerptCollector) EndTag(name string) {
	if name == "a" {
		c.closeAnchor()
	}
}

func (c *excerptCollector) Text(text string) {
	if words := strings.Fields(text); len(words) > 0 {
		c.segments = append(c.segments, words)
	}
}

func (c *excerptCollector) closeAnchor() {
	if !c.open {
		return
	}
	c.open = false
	c.spans = append(c.spans, anchorSpan{start: c.start, end: len(c.segments) - 1})
}

// Excerpts returns one excerpt per anchor in doc whose href equals target.
// Each excerpt holds at most maxWords words: the anchor text, padded with
// context taken ceil-left and floor-right from the surrounding text. Quota
// the left side cannot fill moves to the right; the reverse never happens.
// An anchor with maxWords words or more is truncated without context.
func Excerpts(doc, target string, maxWords int) []string {
	if maxWords <= 0 {
		maxWords = DefaultExcerptWords
	}
	c := &excerptCollector{target: strings.TrimSpace(target)}
	if err := Scan(doc, c); err != nil {
		return nil
	}
	c.closeAnchor()

	out := make([]string, 0, len(c.spans))
	for _, span := range c.spans {
		out = append(out, strings.Join(c.window(span, maxWords), " "))
	}
	return out
}

// Excerpt returns the first excerpt for target, or "" when doc does not link
// to it.
func Excerpt(doc, target string, maxWords int) string {
	excerpts := Excerpts(doc, target, maxWords)
	if len(excerpts) == 0 {
		return ""
	}
	return excerpts[0]
}

func (c *excerptCollector) window(span anchorSpan, maxWords int) []string {
	var anchor []string
	for i := span.start; i <= span.end; i++ {
		anchor = append(anchor, c.segments[i]...)
	}
	if len(anchor) >= maxWords {
		return anchor[:maxWords]
	}

	deficit := maxWords - len(anchor)
	leftQuota := (deficit + 1) / 2
	rightQuota := deficit / 2

	var left []string
	for i := span.start - 1; i >= 0 && len(left) < leftQuota; i-- {
		words := c.segments[i]
		need := min(leftQuota-len(left), len(words))
		left = append(append([]string(nil), words[len(words)-need:]...), left...)
	}
	rightQuota += leftQuota - len(left)

	var right []string
	for i := span.end + 1; i < len(c.segments) && len(right) < rightQuota; i++ {
		words := c.segments[i]
		need := min(rightQuota-len(right), len(words))
		right = append(right, words[:need]...)
	}

	window := make([]string, 0, len(left)+len(anchor)+len(right))
	window = append(window, left...)
	window = append(window, anchor...)
	return append(window, right...)
}
