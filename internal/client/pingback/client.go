// Package pingback delivers Pingback pings: it discovers a page's XML-RPC
// endpoint and calls pingback.ping on it.
package pingback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/kolo/xmlrpc"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/fault"
	"github.com/JakeFAU/linkback/internal/linkback"
)

const (
	// Protocol is the protocol name recorded on ping attempts.
	Protocol = "pingback"
	// Header carries the endpoint URI on pingable responses.
	Header = "X-Pingback"

	method      = "pingback.ping"
	contentType = "text/xml"
)

func init() {
	// The fetcher hands over bodies already transcoded to UTF-8, whatever
	// encoding their XML declaration names.
	xmlrpc.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
}

// Client is a Pingback protocol client.
type Client struct {
	fetcher linkback.Fetcher
	logger  *zap.Logger
}

// New builds a Client that delivers calls through fetcher.
func New(fetcher linkback.Fetcher, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{fetcher: fetcher, logger: logger.Named("pingback_client")}
}

// Protocol returns the protocol name.
func (c *Client) Protocol() string { return Protocol }

// Autodiscover returns the endpoint advertised by resp, first from the
// X-Pingback header and then from a <link rel="pingback"> element. It
// returns "" when resp advertises none.
func (c *Client) Autodiscover(_ string, resp linkback.FetchResponse) string {
	if endpoint := strings.TrimSpace(resp.Headers.Get(Header)); endpoint != "" {
		return endpoint
	}
	if len(resp.Body) == 0 {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		c.logger.Debug("parse document for pingback link", zap.String("url", resp.URL), zap.Error(err))
		return ""
	}
	href, _ := doc.Find(`link[rel~="pingback"][href]`).First().Attr("href")
	return strings.TrimSpace(href)
}

// Ping calls pingback.ping(source, target) on the endpoint. Failures are
// returned as *fault.ClientError.
func (c *Client) Ping(ctx context.Context, ping linkback.OutboundPing) error {
	body, err := xmlrpc.EncodeMethodCall(method, ping.SourceURI, ping.TargetURI)
	if err != nil {
		return fault.NewClientError(fault.Unknown, err.Error())
	}
	resp, err := c.fetcher.Fetch(ctx, linkback.FetchRequest{
		Method:  http.MethodPost,
		URL:     ping.EndpointURI,
		Body:    body,
		Headers: http.Header{"Content-Type": {contentType}},
	})
	if err != nil {
		var httpErr *linkback.HTTPError
		if errors.As(err, &httpErr) {
			return fault.FromHTTPStatus(httpErr.StatusCode, http.StatusText(httpErr.StatusCode))
		}
		return fault.NewClientError(fault.Unknown, err.Error())
	}

	result := xmlrpc.Response(resp.Body)
	if err := result.Err(); err != nil {
		var f xmlrpc.FaultError
		if errors.As(err, &f) {
			return fault.FromCode(f.Code, f.String)
		}
		return fault.NewClientError(fault.InvalidResponse, err.Error())
	}
	// The result value is free-form; it only has to be present.
	var v any
	if err := result.Unmarshal(&v); err != nil {
		return fault.NewClientError(fault.InvalidResponse, err.Error())
	}
	return nil
}
