// Package client pings every linkback-enabled page a document links to.
// It runs the protocol clients in a fixed order and records the outcome of
// each ping as a linkback.PingAttempt.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/clock/system"
	"github.com/JakeFAU/linkback/internal/id/uuid"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/markup"
	"github.com/JakeFAU/linkback/internal/metrics"
	"github.com/JakeFAU/linkback/internal/site"
)

// ErrUnresolvedSource is returned by PingAll when the URI of the pinging
// document cannot be determined.
var ErrUnresolvedSource = errors.New("client: source URI cannot be determined")

// Adapter is a protocol client.
type Adapter interface {
	Protocol() string
	// Autodiscover returns the ping endpoint resp advertises for link, or "".
	Autodiscover(link string, resp linkback.FetchResponse) string
	// Ping delivers one ping. Failures are *fault.ClientError values.
	Ping(ctx context.Context, ping linkback.OutboundPing) error
}

// Locator returns the site-relative path of a local resource.
type Locator interface {
	Path(ref linkback.Reference) (string, error)
}

// Deps are the collaborators of a Client. Fetcher and Attempts are
// required.
type Deps struct {
	Fetcher  linkback.Fetcher
	Attempts linkback.AttemptStore
	// Site identifies this site's own links, which are never pinged.
	Site linkback.SiteResolver
	// Sources resolves a source reference to its URI.
	Sources         Locator
	Clock           linkback.Clock
	IDs             linkback.IDGenerator
	Logger          *zap.Logger
	MaxExcerptWords int
}

// Client discovers and pings the resources a document links to.
type Client struct {
	adapters []Adapter
	deps     Deps
	logger   *zap.Logger
}

// New builds a Client. Adapters are consulted in the given order.
func New(adapters []Adapter, deps Deps) (*Client, error) {
	if len(adapters) == 0 {
		return nil, errors.New("client: at least one adapter is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("client: fetcher is required")
	}
	if deps.Attempts == nil {
		return nil, errors.New("client: attempt store is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.MaxExcerptWords <= 0 {
		deps.MaxExcerptWords = markup.DefaultExcerptWords
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{adapters: adapters, deps: deps, logger: logger.Named("client")}, nil
}

// Discovered is a linked resource that advertises a ping endpoint.
type Discovered struct {
	// Link is the href found in the document.
	Link string
	// TargetURI is the URI of the resource after redirects.
	TargetURI   string
	EndpointURI string
	Protocol    string
	Adapter     Adapter
}

// DiscoverBacklinks fetches every external HTTP link in doc and asks the
// adapters, in order, for a ping endpoint. The first adapter to find one
// wins. Links that cannot be fetched are skipped.
func (c *Client) DiscoverBacklinks(ctx context.Context, doc string) []Discovered {
	origin := ""
	if c.deps.Site != nil {
		origin = c.deps.Site.Origin(nil)
	}

	var found []Discovered
	for _, link := range markup.HTTPLinks(doc) {
		if origin != "" && site.Under(origin, link) {
			continue
		}
		resp, err := c.deps.Fetcher.Fetch(ctx, linkback.FetchRequest{Method: http.MethodGet, URL: link})
		if err != nil {
			c.logger.Debug("skip unreachable link", zap.String("link", link), zap.Error(err))
			continue
		}
		target := resp.URL
		if target == "" {
			target = link
		}
		for _, a := range c.adapters {
			if endpoint := a.Autodiscover(link, resp); endpoint != "" {
				found = append(found, Discovered{
					Link:        link,
					TargetURI:   target,
					EndpointURI: endpoint,
					Protocol:    a.Protocol(),
					Adapter:     a,
				})
				break
			}
		}
	}
	return found
}

// PingRequest describes the local document whose links are pinged.
type PingRequest struct {
	Document  string
	SourceURI string
	// Source is the local resource the document belongs to. It resolves
	// SourceURI when that is empty and keys the recorded attempts.
	Source  *linkback.Reference
	Title   string
	Excerpt string
}

// PingAll pings every resource discovered in req.Document and records one
// attempt per target. A failed ping never stops the others. The returned
// error aggregates the failures to record attempts.
func (c *Client) PingAll(ctx context.Context, req PingRequest) ([]linkback.PingAttempt, error) {
	sourceURI, err := c.sourceURI(req)
	if err != nil {
		return nil, err
	}
	title := req.Title
	if title == "" {
		title = markup.Title(req.Document)
	}

	var (
		attempts []linkback.PingAttempt
		errs     error
	)
	for _, d := range c.DiscoverBacklinks(ctx, req.Document) {
		excerpt := req.Excerpt
		if excerpt == "" {
			excerpt = markup.Excerpt(req.Document, d.Link, c.deps.MaxExcerptWords)
		}
		attempt := linkback.PingAttempt{
			TargetURI: d.TargetURI,
			SourceURI: sourceURI,
			Source:    req.Source,
			Protocol:  d.Protocol,
			Title:     title,
			Excerpt:   excerpt,
			Status:    linkback.AttemptSuccessful,
		}

		pingErr := d.Adapter.Ping(ctx, linkback.OutboundPing{
			EndpointURI: d.EndpointURI,
			TargetURI:   d.TargetURI,
			SourceURI:   sourceURI,
			Title:       title,
			Excerpt:     excerpt,
		})
		if pingErr != nil {
			attempt.Status = linkback.AttemptUnsuccessful
			attempt.Message = pingErr.Error()
			c.logger.Info("ping failed",
				zap.String("target", d.TargetURI),
				zap.String("protocol", d.Protocol),
				zap.Error(pingErr),
			)
		} else {
			c.logger.Info("ping delivered",
				zap.String("target", d.TargetURI),
				zap.String("protocol", d.Protocol),
			)
		}
		metrics.ObserveOutboundPing(d.Protocol, string(attempt.Status))

		saved, err := c.record(ctx, attempt)
		if err != nil {
			errs = multierr.Append(errs, err)
			attempts = append(attempts, attempt)
			continue
		}
		attempts = append(attempts, saved)
	}
	return attempts, errs
}

func (c *Client) sourceURI(req PingRequest) (string, error) {
	if req.SourceURI != "" {
		return req.SourceURI, nil
	}
	if req.Source == nil || c.deps.Sources == nil {
		return "", fmt.Errorf("%w: a source URI or a resolvable source reference is required", ErrUnresolvedSource)
	}
	path, err := c.deps.Sources.Path(*req.Source)
	if err != nil {
		return "", fmt.Errorf("%w: resolve source %s: %w", ErrUnresolvedSource, req.Source, err)
	}
	origin := ""
	if c.deps.Site != nil {
		origin = c.deps.Site.Origin(nil)
	}
	uri := site.Join(origin, path)
	if uri == "" {
		return "", fmt.Errorf("%w: resolve source %s: site origin is unknown", ErrUnresolvedSource, req.Source)
	}
	return uri, nil
}

// record updates the attempt for (target, source) or creates it.
func (c *Client) record(ctx context.Context, attempt linkback.PingAttempt) (linkback.PingAttempt, error) {
	attempt.SentAt = c.deps.Clock.Now()
	key := linkback.AttemptKey{TargetURI: attempt.TargetURI, Source: attempt.Source}

	existing, err := c.deps.Attempts.FindPingAttempt(ctx, key)
	switch {
	case err == nil:
		attempt.ID = existing.ID
		if err := c.deps.Attempts.UpdatePingAttempt(ctx, attempt); err != nil {
			return attempt, fmt.Errorf("update ping attempt for %s: %w", attempt.TargetURI, err)
		}
		return attempt, nil
	case !errors.Is(err, linkback.ErrNotFound):
		return attempt, fmt.Errorf("find ping attempt for %s: %w", attempt.TargetURI, err)
	}

	id, err := c.deps.IDs.NewID()
	if err != nil {
		return attempt, fmt.Errorf("generate ping attempt id: %w", err)
	}
	attempt.ID = id
	if err := c.deps.Attempts.CreatePingAttempt(ctx, attempt); err != nil {
		return attempt, fmt.Errorf("create ping attempt for %s: %w", attempt.TargetURI, err)
	}
	return attempt, nil
}
