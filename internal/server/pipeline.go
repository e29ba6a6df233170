// Package server validates inbound linkback pings and records the backlinks
// they announce. The protocol adapters in the pingback and trackback
// subpackages decode wire requests into a PingRequest and encode the
// Pipeline's outcome back onto the wire.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/clock/system"
	"github.com/JakeFAU/linkback/internal/fault"
	"github.com/JakeFAU/linkback/internal/id/uuid"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/markup"
	"github.com/JakeFAU/linkback/internal/metrics"
	"github.com/JakeFAU/linkback/internal/site"
)

// TargetAdapter supplies the protocol-specific view of local targets.
type TargetAdapter interface {
	// ResolveTarget maps an absolute target URI on this site to a reference.
	// It fails with a *fault.ServerError of kind TargetDoesNotExist or
	// TargetNotPingable.
	ResolveTarget(ctx context.Context, targetURI string) (linkback.Reference, error)
	// ValidateTarget fails with TargetNotPingable unless ref accepts pings.
	ValidateTarget(ctx context.Context, targetURI string, ref linkback.Reference) error
	// TargetPath returns the site-relative path of ref. It fails when ref
	// does not exist.
	TargetPath(ctx context.Context, ref linkback.Reference) (string, error)
}

// PingRequest is the protocol-independent input of the pipeline. Exactly
// one of TargetURI and Target is normally set.
type PingRequest struct {
	SourceURI string
	TargetURI string
	Target    *linkback.Reference
	Title     string
	Excerpt   string
	// HTTP is the inbound request, used to determine the site origin.
	HTTP *http.Request
}

// Rejection describes a ping the pipeline turned down.
type Rejection struct {
	Protocol  string
	SourceURI string
	TargetURI string
	Target    *linkback.Reference
	Title     string
	Excerpt   string
	Reason    error
}

// Deps are the collaborators of a Pipeline. Store, Fetcher, and Site are
// required.
type Deps struct {
	Store           linkback.InboundStore
	Fetcher         linkback.Fetcher
	Site            linkback.SiteResolver
	Clock           linkback.Clock
	IDs             linkback.IDGenerator
	Logger          *zap.Logger
	MaxExcerptWords int
	// OnRejected is called for every ping that does not get recorded.
	OnRejected func(context.Context, Rejection)
}

// Pipeline runs the ordered checks that turn an untrusted ping into a
// recorded backlink. It holds no per-request state and is safe for
// concurrent use.
type Pipeline struct {
	protocol string
	adapter  TargetAdapter
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// NewPipeline builds a Pipeline for protocol.
func NewPipeline(protocol string, adapter TargetAdapter, deps Deps) (*Pipeline, error) {
	switch {
	case protocol == "":
		return nil, errors.New("pipeline: protocol is required")
	case adapter == nil:
		return nil, errors.New("pipeline: target adapter is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: inbound store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Site == nil:
		return nil, errors.New("pipeline: site resolver is required")
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
	return &Pipeline{
		protocol: protocol,
		adapter:  adapter,
		deps:     deps,
		validate: validator.New(),
		logger:   logger.Named(protocol),
	}, nil
}

// Protocol returns the protocol name recorded on backlinks.
func (p *Pipeline) Protocol() string { return p.protocol }

// Origin returns this site's origin for r, or "" when unknown.
func (p *Pipeline) Origin(r *http.Request) string {
	return p.deps.Site.Origin(r)
}

// Register validates req and records the backlink. It returns a
// human-readable success message, a *fault.ServerError for a rejected ping,
// or another error when a collaborator failed.
func (p *Pipeline) Register(ctx context.Context, req PingRequest) (string, error) {
	msg, err := p.register(ctx, &req)
	if err != nil {
		result := "error"
		if se, ok := fault.AsServer(err); ok {
			result = se.Kind.String()
		}
		metrics.ObserveInboundPing(p.protocol, result)
		p.logger.Debug("ping rejected",
			zap.String("source", req.SourceURI),
			zap.String("target", req.TargetURI),
			zap.String("result", result),
			zap.Error(err),
		)
		if p.deps.OnRejected != nil {
			p.deps.OnRejected(ctx, Rejection{
				Protocol:  p.protocol,
				SourceURI: req.SourceURI,
				TargetURI: req.TargetURI,
				Target:    req.Target,
				Title:     req.Title,
				Excerpt:   req.Excerpt,
				Reason:    err,
			})
		}
		return "", err
	}
	metrics.ObserveInboundPing(p.protocol, "registered")
	p.logger.Info("ping registered",
		zap.String("source", req.SourceURI),
		zap.String("target", req.TargetURI),
	)
	return msg, nil
}

func (p *Pipeline) register(ctx context.Context, req *PingRequest) (string, error) {
	if !p.isAbsoluteURI(req.SourceURI) {
		return "", fault.NewServerError(fault.SourceDoesNotExist, "")
	}

	ref, err := p.resolveTarget(ctx, req)
	if err != nil {
		return "", err
	}
	if err := p.adapter.ValidateTarget(ctx, req.TargetURI, ref); err != nil {
		return "", err
	}
	if err := p.checkUnregistered(ctx, req.SourceURI, req.TargetURI, req.Target); err != nil {
		return "", err
	}

	source, err := p.fetchSource(ctx, req.SourceURI)
	if err != nil {
		return "", err
	}
	doc := string(source.Body)
	if err := validateSource(source, doc, req.TargetURI); err != nil {
		return "", err
	}

	if req.Title == "" {
		req.Title = markup.Title(doc)
	}
	if req.Excerpt == "" {
		req.Excerpt = markup.Excerpt(doc, req.TargetURI, p.deps.MaxExcerptWords)
	}

	if err := p.record(ctx, req); err != nil {
		return "", err
	}
	return fmt.Sprintf("Ping from %s to %s registered", req.SourceURI, req.TargetURI), nil
}

// ResolveAndValidate runs only the target checks for targetURI. Servers use
// it to decide whether to advertise their endpoint on a response.
func (p *Pipeline) ResolveAndValidate(ctx context.Context, r *http.Request, targetURI string) (linkback.Reference, error) {
	req := &PingRequest{TargetURI: targetURI, HTTP: r}
	ref, err := p.resolveTarget(ctx, req)
	if err != nil {
		return linkback.Reference{}, err
	}
	if err := p.adapter.ValidateTarget(ctx, req.TargetURI, ref); err != nil {
		return linkback.Reference{}, err
	}
	return ref, nil
}

// resolveTarget fills in whichever of TargetURI and Target was not given.
func (p *Pipeline) resolveTarget(ctx context.Context, req *PingRequest) (linkback.Reference, error) {
	if req.Target != nil && !req.Target.IsZero() {
		ref := *req.Target
		path, err := p.adapter.TargetPath(ctx, ref)
		if err != nil {
			return linkback.Reference{}, fault.NewServerError(fault.TargetDoesNotExist, "")
		}
		req.TargetURI = site.Join(p.deps.Site.Origin(req.HTTP), path)
		return ref, nil
	}
	if req.TargetURI == "" {
		return linkback.Reference{}, fault.NewServerError(fault.TargetDoesNotExist, "")
	}
	if !p.isAbsoluteURI(req.TargetURI) || !site.Under(p.deps.Site.Origin(req.HTTP), req.TargetURI) {
		return linkback.Reference{}, fault.NewServerError(fault.TargetDoesNotExist, "")
	}
	ref, err := p.adapter.ResolveTarget(ctx, req.TargetURI)
	if err != nil {
		return linkback.Reference{}, err
	}
	req.Target = &ref
	return ref, nil
}

// checkUnregistered treats the target reference, when known, as the
// identity of the target.
func (p *Pipeline) checkUnregistered(ctx context.Context, sourceURI, targetURI string, target *linkback.Reference) error {
	key := linkback.NewInboundKey(sourceURI, targetURI, target)
	_, err := p.deps.Store.FindInbound(ctx, key)
	switch {
	case err == nil:
		return fault.NewServerError(fault.AlreadyRegistered, "")
	case errors.Is(err, linkback.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("check existing backlink: %w", err)
	}
}

func (p *Pipeline) fetchSource(ctx context.Context, sourceURI string) (linkback.FetchResponse, error) {
	resp, err := p.deps.Fetcher.Fetch(ctx, linkback.FetchRequest{URL: sourceURI})
	if err == nil {
		return resp, nil
	}
	var httpErr *linkback.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusNotFound {
			return linkback.FetchResponse{}, fault.NewServerError(fault.SourceDoesNotExist, "")
		}
		return linkback.FetchResponse{}, fault.NewServerError(fault.Unknown, "Could not connect to given source")
	}
	p.logger.Debug("source fetch failed", zap.String("source", sourceURI), zap.Error(err))
	return linkback.FetchResponse{}, fault.NewServerError(fault.ConnectionError, "")
}

var nonMarkupFamilies = []string{"audio", "image", "video", "model"}

func validateSource(source linkback.FetchResponse, doc, targetURI string) error {
	contentType := source.ContentType()
	if strings.TrimSpace(contentType) == "" {
		contentType = mimetype.Detect(source.Body).String()
	}
	family, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), "/")
	if slices.Contains(nonMarkupFamilies, family) {
		return fault.NewServerError(fault.Unknown, "Invalid Content-Type")
	}
	if !slices.Contains(markup.HTTPLinks(doc), targetURI) {
		return fault.NewServerError(fault.SourceDoesNotLink, "")
	}
	return nil
}

func (p *Pipeline) record(ctx context.Context, req *PingRequest) error {
	id, err := p.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate backlink id: %w", err)
	}
	backlink := linkback.Inbound{
		ID:         id,
		SourceURI:  req.SourceURI,
		TargetURI:  req.TargetURI,
		Target:     req.Target,
		Title:      req.Title,
		Excerpt:    req.Excerpt,
		Protocol:   p.protocol,
		ReceivedAt: p.deps.Clock.Now(),
		Status:     linkback.StatusUnapproved,
	}
	if err := p.deps.Store.CreateInbound(ctx, backlink); err != nil {
		if errors.Is(err, linkback.ErrDuplicate) {
			return fault.NewServerError(fault.AlreadyRegistered, "")
		}
		return fmt.Errorf("record backlink: %w", err)
	}
	return nil
}

func (p *Pipeline) isAbsoluteURI(uri string) bool {
	return p.validate.Var(uri, "required,http_url") == nil
}
