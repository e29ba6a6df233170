// Package discovery renders the markup that advertises linkback endpoints
// on a page: the Pingback <link> element and the TrackBack RDF block.
package discovery

import (
	"bytes"
	"fmt"
	"html/template"
)

var (
	pingbackLink = template.Must(template.New("pingback").Parse(
		`<link rel="pingback" href="{{.Endpoint}}"{{if .XHTML}} /{{end}}>`))

	trackbackRDF = template.Must(template.New("trackback").Parse(
		`<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
         xmlns:dc="http://purl.org/dc/elements/1.1/"
         xmlns:trackback="http://madskills.com/public/xml/rss/module/trackback/">
<rdf:Description
    rdf:about="{{.URI}}"
    dc:identifier="{{.URI}}"
    dc:title="{{.Title}}"
    trackback:ping="{{.PingURI}}" />
</rdf:RDF>`))
)

// PingbackLink renders the <link rel="pingback"> element for endpoint. The
// XHTML form closes the element with " />". An empty endpoint renders
// nothing.
func PingbackLink(endpoint string, xhtml bool) (template.HTML, error) {
	if endpoint == "" {
		return "", nil
	}
	var b bytes.Buffer
	if err := pingbackLink.Execute(&b, struct {
		Endpoint string
		XHTML    bool
	}{endpoint, xhtml}); err != nil {
		return "", fmt.Errorf("render pingback link: %w", err)
	}
	return template.HTML(b.String()), nil //nolint:gosec // rendered by html/template
}

// Resource describes a page that accepts TrackBack pings.
type Resource struct {
	// URI is the page's permalink; clients match it against their link.
	URI     string
	Title   string
	PingURI string
}

// TrackbackRDF renders the RDF block announcing res's ping URI. With
// comment set the block is wrapped in an HTML comment, the form most pages
// embed.
func TrackbackRDF(res Resource, comment bool) (template.HTML, error) {
	if res.URI == "" || res.PingURI == "" {
		return "", nil
	}
	var b bytes.Buffer
	if comment {
		b.WriteString("<!--\n")
	}
	if err := trackbackRDF.Execute(&b, res); err != nil {
		return "", fmt.Errorf("render trackback rdf: %w", err)
	}
	if comment {
		b.WriteString("\n-->")
	}
	return template.HTML(b.String()), nil //nolint:gosec // rendered by html/template
}
