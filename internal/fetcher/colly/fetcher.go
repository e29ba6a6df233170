// Package collyfetcher implements linkback.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/metrics"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxReadBytes = 8192
	DefaultUserAgent    = "linkback/1.0"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxReadBytes caps how much of a response body is read. Longer bodies
	// are truncated, not rejected.
	MaxReadBytes int
	// Limiter, when set, paces requests per host.
	Limiter Limiter
}

// Limiter blocks until a request to rawURL may proceed.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements linkback.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxReadBytes),
		colly.UserAgent(cfg.UserAgent),
	)
	// The transport negotiates gzip itself so the read cap applies to the
	// decoded body.
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP request using Colly. Responses with a status
// of 400 or above are returned together with a *linkback.HTTPError.
func (f *Fetcher) Fetch(ctx context.Context, request linkback.FetchRequest) (linkback.FetchResponse, error) {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(reqCtx, request.URL); err != nil {
			metrics.ObserveFetch(request.URL, "throttled", 0)
			return linkback.FetchResponse{}, err
		}
	}

	var (
		result   linkback.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(reqCtx, &result, &fetchErr)
	if err := f.runCollector(reqCtx, collector, method, request, &fetchErr); err != nil {
		metrics.ObserveFetch(request.URL, "error", 0)
		return linkback.FetchResponse{}, err
	}
	metrics.ObserveFetch(request.URL, strconv.Itoa(result.StatusCode), len(result.Body))
	if result.StatusCode >= http.StatusBadRequest {
		return result, &linkback.HTTPError{URL: result.URL, StatusCode: result.StatusCode}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	result *linkback.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	result *linkback.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		body, charset := decodeBody(r.Body, headers.Get("Content-Type"))
		*result = linkback.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       body,
			Charset:    charset,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	method string,
	request linkback.FetchRequest,
	fetchErr *error,
) error {
	headers := f.requestHeaders(request)
	var body *bytes.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}

	done := make(chan error, 1)
	go func() {
		if body == nil {
			done <- collector.Request(method, request.URL, nil, nil, headers)
			return
		}
		done <- collector.Request(method, request.URL, body, nil, headers)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// requestHeaders merges the default linkback headers with the request's own.
func (f *Fetcher) requestHeaders(request linkback.FetchRequest) http.Header {
	headers := http.Header{
		"Accept":         {"text/xml,application/xml,application/xhtml+xml,text/html;q=0.9,text/plain;q=0.8,*/*;q=0.5"},
		"Accept-Charset": {"utf-8"},
		"User-Agent":     {f.cfg.UserAgent},
	}
	for key, values := range request.Headers {
		headers.Del(key)
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	return headers
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
