package markup

import (
	"net/url"
	"strings"
)

type linkCollector struct {
	seen  map[string]bool
	links []string
}

func (c *linkCollector) StartTag(name string, attrs []Attr) {
	if name != "a" {
		return
	}
	href, ok := attr(attrs, "href")
	href = strings.TrimSpace(href)
	if !ok || href == "" || c.seen[href] {
		return
	}
	c.seen[href] = true
	c.links = append(c.links, href)
}

func (c *linkCollector) EndTag(string) {}
func (c *linkCollector) Text(string)   {}

// Links returns the href of every anchor in doc, deduplicated and in order of
// first occurrence.
func Links(doc string) []string {
	c := &linkCollector{seen: make(map[string]bool)}
	if err := Scan(doc, c); err != nil {
		return nil
	}
	return c.links
}

// HTTPLinks returns the absolute http and https links of doc.
func HTTPLinks(doc string) []string {
	return FilterHTTP(Links(doc))
}

// FilterHTTP keeps the absolute http and https URIs of links.
func FilterHTTP(links []string) []string {
	out := make([]string, 0, len(links))
	for _, link := range links {
		if IsAbsoluteHTTP(link) {
			out = append(out, link)
		}
	}
	return out
}

// IsAbsoluteHTTP reports whether raw is an absolute http or https URI with a host.
func IsAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
