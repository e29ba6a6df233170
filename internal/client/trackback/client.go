// Package trackback delivers TrackBack pings: it finds a page's ping URL
// in its embedded RDF block and posts the ping form to it.
package trackback

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/fault"
	"github.com/JakeFAU/linkback/internal/linkback"
)

const (
	// Protocol is the protocol name recorded on ping attempts.
	Protocol = "trackback"
	// ContentType is the media type of TrackBack ping requests.
	ContentType = "application/x-www-form-urlencoded; charset=utf-8"

	trackbackNS = "http://madskills.com/public/xml/rss/module/trackback/"
	dublinCore  = "http://purl.org/dc/elements/1.1/"
)

var rdfBlock = regexp.MustCompile(`(?s)<rdf:RDF .*?</rdf:RDF>`)

// Client is a TrackBack protocol client.
type Client struct {
	fetcher linkback.Fetcher
	logger  *zap.Logger
}

// New builds a Client that posts pings through fetcher.
func New(fetcher linkback.Fetcher, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{fetcher: fetcher, logger: logger.Named("trackback_client")}
}

// Protocol returns the protocol name.
func (c *Client) Protocol() string { return Protocol }

// Autodiscover returns the ping URL of the RDF description in resp whose
// identifier equals link, or "" when there is none. RDF blocks inside HTML
// comments are considered too. Blocks that fail to parse are skipped.
func (c *Client) Autodiscover(link string, resp linkback.FetchResponse) string {
	for _, block := range rdfBlock.FindAll(resp.Body, -1) {
		ping, err := pingURLFor(block, link)
		if err != nil {
			c.logger.Debug("skip malformed rdf block", zap.String("url", resp.URL), zap.Error(err))
			continue
		}
		if ping != "" {
			return ping
		}
	}
	return ""
}

func pingURLFor(block []byte, link string) (string, error) {
	d := xml.NewDecoder(bytes.NewReader(block))
	d.Strict = false
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		el, ok := tok.(xml.StartElement)
		if !ok || el.Name.Local != "Description" {
			continue
		}
		var ping, identifier string
		for _, a := range el.Attr {
			switch {
			case a.Name.Local == "ping" && (a.Name.Space == "trackback" || a.Name.Space == trackbackNS):
				ping = strings.TrimSpace(a.Value)
			case a.Name.Local == "identifier" && (a.Name.Space == "dc" || a.Name.Space == dublinCore):
				identifier = strings.TrimSpace(a.Value)
			}
		}
		if ping != "" && identifier == link {
			return ping, nil
		}
	}
}

type pingResponse struct {
	Error   string `xml:"error"`
	Message string `xml:"message"`
}

// Ping posts the ping form to the endpoint. Failures are returned as
// *fault.ClientError.
func (c *Client) Ping(ctx context.Context, ping linkback.OutboundPing) error {
	form := url.Values{"url": {ping.SourceURI}}
	if ping.Title != "" {
		form.Set("title", ping.Title)
	}
	if ping.Excerpt != "" {
		form.Set("excerpt", ping.Excerpt)
	}

	resp, err := c.fetcher.Fetch(ctx, linkback.FetchRequest{
		Method:  http.MethodPost,
		URL:     ping.EndpointURI,
		Body:    []byte(form.Encode()),
		Headers: http.Header{"Content-Type": {ContentType}},
	})
	if err != nil {
		var httpErr *linkback.HTTPError
		if errors.As(err, &httpErr) {
			return fault.FromHTTPStatus(httpErr.StatusCode, http.StatusText(httpErr.StatusCode))
		}
		return fault.NewClientError(fault.ClientConnectionError, err.Error())
	}

	var out pingResponse
	d := xml.NewDecoder(bytes.NewReader(resp.Body))
	// Bodies arrive transcoded to UTF-8.
	d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	if err := d.Decode(&out); err != nil {
		return fault.NewClientError(fault.InvalidResponse, err.Error())
	}
	// A non-numeric error flag is not an error.
	if code, err := strconv.Atoi(strings.TrimSpace(out.Error)); err == nil && code != 0 {
		return fault.NewClientError(fault.Unknown, strings.TrimSpace(out.Message))
	}
	return nil
}
